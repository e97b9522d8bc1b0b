// backup/history.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/mmp/genbk/errs"
	"github.com/mmp/genbk/generation"
	u "github.com/mmp/genbk/util"
)

// Version is one committed diff.
type Version struct {
	Artifact
	Path string
	Size int64
}

// GenerationHistory is a generation with its baseline and diffs.
type GenerationHistory struct {
	generation.Generation
	// Flat is true for the backup root itself, which older versions
	// wrote a baseline and diffs into directly, before generations. Its
	// Index is 0 and its Name the root's.
	Flat bool
	// Baseline is the baseline's path, or "" if it's missing.
	Baseline     string
	BaselineSize int64
	// Versions are sorted oldest first.
	Versions []Version
}

// History lists the generations under root with the diffs of workFile
// that each one holds. A flat-layout entry for the root comes first if
// the root holds a baseline or diffs of workFile itself.
func History(root, workFile string) ([]GenerationHistory, error) {
	gens, err := generation.List(root)
	if err != nil {
		return nil, err
	}

	var hist []GenerationHistory
	flat := generation.Generation{Name: filepath.Base(root), Path: root}
	if u.Exists(root) {
		h, err := collect(flat, workFile)
		if err != nil {
			return nil, err
		}
		if h.Baseline != "" || len(h.Versions) > 0 {
			h.Flat = true
			hist = append(hist, h)
		}
	}
	for _, g := range gens {
		h, err := collect(g, workFile)
		if err != nil {
			return nil, err
		}
		hist = append(hist, h)
	}
	return hist, nil
}

// collect reads the baseline and diffs of workFile in g's directory.
func collect(g generation.Generation, workFile string) (GenerationHistory, error) {
	h := GenerationHistory{Generation: g}
	if fi, err := os.Stat(g.Baseline(workFile)); err == nil && fi.Mode().IsRegular() {
		h.Baseline = g.Baseline(workFile)
		h.BaselineSize = fi.Size()
	}

	entries, err := os.ReadDir(g.Path)
	if err != nil {
		return h, errs.IO("read directory", g.Path, err)
	}
	stem := filepath.Base(workFile)
	for _, e := range entries {
		a, ok := ParseArtifact(e.Name())
		if !ok || e.IsDir() || a.Stem != stem {
			continue
		}
		v := Version{Artifact: a, Path: filepath.Join(g.Path, e.Name())}
		if info, err := e.Info(); err == nil {
			v.Size = info.Size()
		}
		h.Versions = append(h.Versions, v)
	}
	sort.Slice(h.Versions, func(i, j int) bool {
		a, b := h.Versions[i], h.Versions[j]
		if a.Stamp != b.Stamp {
			return a.Stamp < b.Stamp
		}
		return a.Seq < b.Seq
	})
	return h, nil
}
