// cmd/cgbk/check.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/mmp/genbk/backup"
	"github.com/mmp/genbk/rdso"
	u "github.com/mmp/genbk/util"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) checkCmd() *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Verify the backups of a file",
		Long: `Check looks for generations without a baseline, for diffs in formats
that can't be restored, and verifies every baseline that has a parity
file. With --repair, damaged baselines are reconstructed in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn := args[0]
			root := backup.ResolveTarget(fn, a.settings().BackupDir).ProjectRoot
			hist, err := backup.History(root, fn)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			var problems []string
			report := func(f string, args ...interface{}) {
				mu.Lock()
				defer mu.Unlock()
				problems = append(problems, fmt.Sprintf(f, args...))
			}

			var g errgroup.Group
			g.SetLimit(runtime.NumCPU())
			nchecked := 0
			for _, h := range hist {
				if h.Baseline == "" {
					report("%s: no baseline for %s", h.Path, fn)
					continue
				}
				for _, v := range h.Versions {
					if backup.Classify(v.Path) == backup.FormatLegacy {
						report("%s: unsupported diff format %q", v.Path, v.Algo)
					}
				}

				base := h.Baseline
				rsfn := rdso.SidecarPath(base)
				if !u.Exists(rsfn) {
					log.Verbose("%s: no parity file", base)
					continue
				}
				nchecked++
				g.Go(func() error {
					err := rdso.CheckFile(base, rsfn)
					if err == nil {
						log.Verbose("%s: ok", base)
						return nil
					}
					if !repair || !errors.Is(err, rdso.ErrFileCorrupt) {
						report("%v", err)
						return nil
					}
					if err := rdso.RestoreFile(base, rsfn, base); err != nil {
						report("%s: repair failed: %v", base, err)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: repaired\n", base)
					}
					return nil
				})
			}
			g.Wait()

			sort.Strings(problems)
			for _, p := range problems {
				fmt.Fprintln(cmd.ErrOrStderr(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d generation(s), %d baseline(s) verified\n", len(hist), nchecked)
			if len(problems) > 0 {
				return fmt.Errorf("%d problem(s) found", len(problems))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "reconstruct damaged baselines from their parity files")
	return cmd
}

///////////////////////////////////////////////////////////////////////////
// parity

// parityCmd applies Reed-Solomon encoding to arbitrary files, checks their
// integrity and recovers them.
func (a *app) parityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Create, check and use Reed-Solomon parity files",
	}

	var p rdso.Params
	encode := &cobra.Command{
		Use:   "encode <file>...",
		Short: "Write a parity file for each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			s := a.settings().Parity
			if !flags.Changed("data-shards") {
				p.DataShards = s.DataShards
			}
			if !flags.Changed("parity-shards") {
				p.ParityShards = s.ParityShards
			}
			if !flags.Changed("hash-rate") {
				p.HashRate = s.HashRate
			}

			for _, fn := range args {
				if strings.HasSuffix(fn, rdso.Suffix) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: skipping parity file\n", fn)
					continue
				}
				rsfn := rdso.SidecarPath(fn)
				if err := rdso.EncodeFile(fn, rsfn, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: created parity file\n", rsfn)
			}
			return nil
		},
	}
	flags := encode.Flags()
	flags.IntVar(&p.DataShards, "data-shards", rdso.DefaultParams.DataShards, "number of data shards")
	flags.IntVar(&p.ParityShards, "parity-shards", rdso.DefaultParams.ParityShards, "number of parity shards")
	flags.Int64Var(&p.HashRate, "hash-rate", rdso.DefaultParams.HashRate, "chunk size for shard hashes")

	check := &cobra.Command{
		Use:   "check <file>...",
		Short: "Verify files against their parity files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, fn := range args {
				if err := rdso.CheckFile(fn, rdso.SidecarPath(fn)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", fn)
			}
			return nil
		},
	}

	var inPlace bool
	restore := &cobra.Command{
		Use:   "restore <file>...",
		Short: "Reconstruct files from their parity files into <file>.recovered",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, fn := range args {
				out := fn + ".recovered"
				if inPlace {
					out = fn
				}
				if err := rdso.RestoreFile(fn, rdso.SidecarPath(fn), out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: restored\n", out)
			}
			return nil
		},
	}
	restore.Flags().BoolVar(&inPlace, "in-place", false, "replace the damaged file")

	cmd.AddCommand(encode, check, restore)
	return cmd
}
