// cmd/cgbk/fuse.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Read-only access to every backed-up version of a file via FUSE.

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/genbk/backup"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

func (a *app) mountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <file> <mountpoint>",
		Short: "Mount all versions of a file as a read-only filesystem",
		Long: `Mount exports <generation>/<YYYYMMDD>/<HHMMSS> for each backed-up
version of the file, plus <generation>/base for each baseline. Versions
are reconstructed when they're read. Unmount with fusermount -u.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, dir := args[0], args[1]
			s := a.settings()
			hist, err := backup.History(backup.ResolveTarget(fn, s.BackupDir).ProjectRoot, fn)
			if err != nil {
				return err
			}
			return mountFUSE(dir, createPseudoHierarchy(hist, fn, backup.New(newEngine(s))))
		},
	}
}

// mountFUSE serves root at dir until the filesystem is unmounted.
func mountFUSE(dir string, root *pseudoDir) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("cgbkfs"),
		fuse.Subtype("cgbkfs"),
		fuse.VolumeName("backups"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := fs.Serve(conn, root); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

// Implements various FUSE interfaces for the levels of the hierarchy
// above the versions themselves: generation/yyyymmdd.
type pseudoDir struct {
	name string
	// Each pseudoDir either has 1+ entries or is a leaf with a non-nil
	// *version.
	entries []*pseudoDir
	v       *version
}

// createPseudoHierarchy turns the history of fn into the *pseudoDir
// hierarchy.
func createPseudoHierarchy(hist []backup.GenerationHistory, fn string, b *backup.Backuper) *pseudoDir {
	var root pseudoDir
	for _, h := range hist {
		if h.Baseline != "" {
			pseudoAddRecursive(&root, []string{h.Name, "base"},
				&version{b: b, workFile: fn, baseline: h.Baseline, mtime: h.Created})
		}
		for _, v := range h.Versions {
			date, tm, _ := strings.Cut(v.Stamp, "_")
			if v.Seq > 0 {
				tm = fmt.Sprintf("%s-%d", tm, v.Seq)
			}
			pseudoAddRecursive(&root, []string{h.Name, date, tm},
				&version{b: b, workFile: fn, diff: v.Path, mtime: v.Time})
		}
	}
	return &root
}

func pseudoAddRecursive(pd *pseudoDir, comps []string, v *version) {
	if len(comps) == 1 {
		pd.entries = append(pd.entries, &pseudoDir{name: comps[0], v: v})
		return
	}

	// If we already have a pseudoDir for the current path component,
	// proceed recursively with it.
	for _, e := range pd.entries {
		if e.name == comps[0] && e.v == nil {
			pseudoAddRecursive(e, comps[1:], v)
			return
		}
	}
	// Otherwise add the component to the current pseudoDir and recurse.
	pd.entries = append(pd.entries, &pseudoDir{name: comps[0]})
	pseudoAddRecursive(pd.entries[len(pd.entries)-1], comps[1:], v)
}

// Root() should only be called with the root node passed to fs.Serve;
// since pseudoDir also implements the additional Node and Handle
// interfaces for a directory entry, we can just return it directly.
func (pd *pseudoDir) Root() (fs.Node, error) {
	return pd, nil
}

func (pd *pseudoDir) Attr(ctx context.Context, a *fuse.Attr) error {
	// All pseudoDirs are directories.
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (pd *pseudoDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, entry := range pd.entries {
		if entry.name != name {
			continue
		}
		if entry.v != nil {
			return entry.v, nil
		}
		return entry, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (pd *pseudoDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, entry := range pd.entries {
		t := fuse.DT_Dir
		if entry.v != nil {
			t = fuse.DT_File
		}
		de = append(de, fuse.Dirent{Name: entry.name, Type: t})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// version is one reconstructable version of the working file: either a
// baseline or the result of applying a diff to one.
type version struct {
	b        *backup.Backuper
	workFile string
	baseline string
	diff     string
	mtime    time.Time

	// Reconstructing is expensive; the size is needed for every stat, so
	// it's remembered.
	mu   sync.Mutex
	size int64
	err  error
	done bool
}

func (v *version) Attr(ctx context.Context, a *fuse.Attr) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.done {
		var b []byte
		b, v.err = v.contents(ctx)
		v.size = int64(len(b))
		v.done = true
	}
	if v.err != nil {
		log.Warning("%s: %v", v.diff, v.err)
		return fuse.EIO
	}
	a.Size = uint64(v.size)
	a.Mode = 0400
	a.Mtime = v.mtime
	return nil
}

// Implements fuse.fs.HandleReadAller
func (v *version) ReadAll(ctx context.Context) ([]byte, error) {
	b, err := v.contents(ctx)
	if err != nil {
		log.Warning("%s: %v", v.diff, err)
		return nil, fuse.EIO
	}
	return b, nil
}

func (v *version) contents(ctx context.Context) ([]byte, error) {
	if v.diff == "" {
		return os.ReadFile(v.baseline)
	}

	f, err := os.CreateTemp("", "cgbkfs-*")
	if err != nil {
		return nil, err
	}
	tmp := f.Name()
	f.Close()
	defer os.Remove(tmp)

	if err := v.b.Snapshot(ctx, v.workFile, v.diff, tmp); err != nil {
		return nil, err
	}
	return os.ReadFile(tmp)
}
