// cmd/cgbk/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"io"

	"github.com/mmp/genbk/backup"
	u "github.com/mmp/genbk/util"
	"github.com/spf13/cobra"
)

func (a *app) backupCmd() *cobra.Command {
	var threshold float64
	var compression, algo string

	cmd := &cobra.Command{
		Use:   "backup <file>...",
		Short: "Back up files, starting a new generation when the diff is too large",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.settings()
			flags := cmd.Flags()
			if flags.Changed("threshold") {
				s.Threshold = threshold
			}
			if flags.Changed("compression") {
				s.Compression = compression
			}
			if flags.Changed("algo") {
				s.Algo = algo
			}

			ctx := cmd.Context()
			b, err := a.backuper(ctx, s)
			if err != nil {
				return err
			}
			for _, fn := range args {
				res, err := b.BackupOrDiff(ctx, fn, s.BackupDir, s.Algo, s.Compression, s.BackupOptions())
				if err != nil {
					return fmt.Errorf("%s: %w", fn, err)
				}
				printResult(cmd.OutOrStdout(), fn, res)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&threshold, "threshold", 0, "diff/file size ratio above which a new generation starts")
	flags.StringVar(&compression, "compression", "", "diff compression (zstd, lzma2, lzma, zlib, ldef, pbzip2, bzip2, none)")
	flags.StringVar(&algo, "algo", "", "diff algorithm")
	return cmd
}

func printResult(w io.Writer, fn string, res backup.Result) {
	if res.Rotated {
		fmt.Fprintf(w, "%s: started generation %d\n", fn, res.Generation.Index)
	} else if res.BaselineInstalled {
		fmt.Fprintf(w, "%s: new baseline in %s\n", fn, res.Generation.Name)
	}
	fmt.Fprintf(w, "%s: %s (%s diff of %s file)\n", fn, res.Diff, u.FmtBytes(res.DiffSize),
		u.FmtBytes(res.FileSize))
}

func (a *app) restoreCmd() *cobra.Command {
	var out string
	var inPlace bool

	cmd := &cobra.Command{
		Use:   "restore <file> [<diff>...]",
		Short: "Restore a file from its diffs, or from the latest one if none are given",
		Long: `Restore applies each diff in turn to the baseline it was made against
and writes the file as it was when the last one was taken to a new file
beside it, <name>_restored_<YYYYMMDD_HHMMSS>.<ext>. The working file is
left alone unless --in-place is given; --out writes somewhere else.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, diffs := args[0], args[1:]
			s := a.settings()
			ctx := cmd.Context()

			if len(diffs) == 0 {
				d, err := latestVersion(backup.ResolveTarget(fn, s.BackupDir).ProjectRoot, fn)
				if err != nil {
					return err
				}
				diffs = []string{d}
			}

			b := backup.New(newEngine(s))
			if inPlace {
				out = fn
			}
			var err error
			if out != "" {
				err = b.ApplyMultiDiffTo(ctx, fn, diffs, out)
			} else {
				out, err = b.ApplyMultiDiff(ctx, fn, diffs)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: restored from %s\n", out, diffs[len(diffs)-1])
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the restored version to this file")
	cmd.Flags().BoolVar(&inPlace, "in-place", false, "overwrite the working file with the restored version")
	cmd.MarkFlagsMutuallyExclusive("out", "in-place")
	return cmd
}

// latestVersion returns the most recent diff of fn under root.
func latestVersion(root, fn string) (string, error) {
	hist, err := backup.History(root, fn)
	if err != nil {
		return "", err
	}
	for i := len(hist) - 1; i >= 0; i-- {
		if v := hist[i].Versions; len(v) > 0 {
			return v[len(v)-1].Path, nil
		}
	}
	return "", fmt.Errorf("%s: no backups in %s", fn, root)
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <file>",
		Short: "List the generations and versions of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn := args[0]
			root := backup.ResolveTarget(fn, a.settings().BackupDir).ProjectRoot
			hist, err := backup.History(root, fn)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, h := range hist {
				name := h.Name
				if h.Flat {
					name += " (flat)"
				}
				if h.Baseline == "" {
					fmt.Fprintf(w, "%s\tno baseline\n", name)
				} else {
					fmt.Fprintf(w, "%s\tbaseline %s\n", name, u.FmtBytes(h.BaselineSize))
				}
				for _, v := range h.Versions {
					fmt.Fprintf(w, "  %s\t%s\t%s\n", v.Time.Format("2006-01-02 15:04:05"),
						u.FmtBytes(v.Size), v.Path)
				}
			}
			return nil
		},
	}
}
