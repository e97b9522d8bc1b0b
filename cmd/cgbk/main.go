// cmd/cgbk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// cgbk keeps generation-based incremental backups of single files: each
// backup is a binary diff against the current generation's baseline, and
// a new generation starts whenever the diffs grow too large.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmp/genbk/backup"
	"github.com/mmp/genbk/config"
	"github.com/mmp/genbk/diff"
	"github.com/mmp/genbk/generation"
	"github.com/mmp/genbk/mirror"
	"github.com/mmp/genbk/rdso"
	u "github.com/mmp/genbk/util"
	"github.com/spf13/cobra"
)

var log *u.Logger

// newEngine returns the diff engine for the given settings; tests replace
// it.
var newEngine = func(s config.Settings) diff.Engine {
	return s.Tool()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatal("%v", err)
	}
}

// app is the state shared by all of the subcommands.
type app struct {
	configPath string
	dir        string
	verbose    bool
	debug      bool

	store *config.Store
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "cgbk",
		Short:             "Generation-based incremental backups of single files",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "",
		"configuration file (default $"+config.EnvConfig+" or ~/.config/cgbk/config.yaml)")
	pf.StringVar(&a.dir, "dir", "", "backup root, or generation directory to write into")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "print progress")
	pf.BoolVar(&a.debug, "debug", false, "print debugging output")

	root.AddCommand(
		a.backupCmd(),
		a.restoreCmd(),
		a.listCmd(),
		a.checkCmd(),
		a.parityCmd(),
		a.watchCmd(),
		a.mountCmd(),
		formatCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	log = u.NewLogger(a.verbose, a.debug)
	backup.SetLogger(log)
	diff.SetLogger(log)
	generation.SetLogger(log)
	mirror.SetLogger(log)
	rdso.SetLogger(log)

	var err error
	a.store, err = config.NewStore(config.Path(a.configPath))
	return err
}

// settings returns the current settings with the command-line overrides
// applied.
func (a *app) settings() config.Settings {
	s := a.store.Get()
	if a.dir != "" {
		s.BackupDir = a.dir
	}
	return s
}

func (a *app) backuper(ctx context.Context, s config.Settings) (*backup.Backuper, error) {
	b := backup.New(newEngine(s))
	b.Parity = s.ParityParams()
	m, err := mirror.New(ctx, s.MirrorOptions())
	if err != nil {
		return nil, err
	}
	b.Mirror = m
	return b, nil
}
