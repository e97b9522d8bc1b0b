// cmd/cgbk/watch.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mmp/genbk/backup"
	"github.com/mmp/genbk/config"
	"github.com/spf13/cobra"
)

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <file>",
		Short: "Back up a file every time it's written",
		Long: `Watch backs the file up once at startup and then again each time it
has been written and left alone for watch.debounce. Changes to the
configuration file take effect for the next backup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func (a *app) watch(ctx context.Context, w io.Writer, fn string) error {
	fn, err := filepath.Abs(fn)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch directories rather than the files themselves; many editors
	// save by writing a new file and renaming it over the old one.
	if err := watcher.Add(filepath.Dir(fn)); err != nil {
		return err
	}
	cfg := a.store.Path()
	if cfg != "" {
		if cfg, err = filepath.Abs(cfg); err == nil {
			if err := watcher.Add(filepath.Dir(cfg)); err != nil {
				log.Warning("%s: not watching for configuration changes: %v", cfg, err)
			}
		}
	}

	s := a.settings()
	b, err := a.backuper(ctx, s)
	if err != nil {
		return err
	}

	fire := make(chan struct{}, 1)
	trigger := func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	}
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	trigger()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			switch filepath.Clean(ev.Name) {
			case fn:
				log.Debug("%s: %s", fn, ev.Op)
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(s.Watch.Debounce, trigger)
			case cfg:
				if ns, nb, ok := a.reload(ctx, s); ok {
					s, b = ns, nb
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warning("watch: %v", err)

		case <-fire:
			res, err := b.BackupOrDiff(ctx, fn, s.BackupDir, s.Algo, s.Compression, s.BackupOptions())
			if err != nil {
				// Keep watching; the next write may well succeed.
				log.Error("%s: %v", fn, err)
				continue
			}
			printResult(w, fn, res)
		}
	}
}

// reload rereads the configuration file and returns the new settings and
// a Backuper for them. ok is false if nothing changed or the new
// configuration can't be used.
func (a *app) reload(ctx context.Context, old config.Settings) (config.Settings, *backup.Backuper, bool) {
	if err := a.store.Reload(); err != nil {
		log.Warning("%v; keeping the previous configuration", err)
		return old, nil, false
	}
	s := a.settings()
	if s == old {
		return old, nil, false
	}
	b, err := a.backuper(ctx, s)
	if err != nil {
		log.Warning("%v; keeping the previous configuration", err)
		return old, nil, false
	}
	log.Verbose("%s: configuration reloaded", a.store.Path())
	return s, b, true
}
