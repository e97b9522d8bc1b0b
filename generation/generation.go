// generation/generation.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package generation manages the numbered generation directories of a
// backup root. Each generation is a directory named
// base<index>_<YYYYMMDD_HHMMSS> holding one immutable baseline copy of the
// working file and the diffs made against it.
package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/genbk/errs"
	u "github.com/mmp/genbk/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Generation

const (
	// Prefix starts every generation directory name.
	Prefix = "base"

	// BaselineSuffix is appended to the working file's name to name its
	// baseline copy.
	BaselineSuffix = ".base"
)

var nameRE = regexp.MustCompile(`^` + Prefix + `(\d+)_(.*)$`)

// Generation identifies one generation directory.
type Generation struct {
	Index int
	// Created is parsed from the directory name; it is the zero time if
	// the name's suffix isn't a timestamp.
	Created time.Time
	// Name is the directory's base name and Path its full path.
	Name string
	Path string
}

// Parse interprets a directory name as a generation. Only the index is
// required to be well formed.
func Parse(name string) (Generation, bool) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return Generation{}, false
	}
	index, err := strconv.Atoi(m[1])
	if err != nil {
		return Generation{}, false
	}
	g := Generation{Index: index, Name: name}
	if t, err := u.ParseTimestamp(m[2]); err == nil {
		g.Created = t
	}
	return g, true
}

// ParseIndex returns the index of the generation named by name, or 0 if
// the name can't be parsed.
func ParseIndex(name string) int {
	g, ok := Parse(name)
	if !ok {
		return 0
	}
	return g.Index
}

// HasPrefix reports whether name looks like it was meant to be a
// generation directory.
func HasPrefix(name string) bool {
	return strings.HasPrefix(name, Prefix)
}

// Name returns the directory name for a generation with the given index
// created at t.
func Name(index int, t time.Time) string {
	return fmt.Sprintf("%s%d_%s", Prefix, index, u.Timestamp(t))
}

// Compare orders generations: by index, and for equal indices by
// directory name, so that clock skew between two creators of the same
// index still gives a single well-defined latest generation.
func Compare(a, b Generation) int {
	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}
	return strings.Compare(a.Name, b.Name)
}

// BaselineName returns the file name of the baseline for workFile.
func BaselineName(workFile string) string {
	return filepath.Base(workFile) + BaselineSuffix
}

// Baseline returns the path of the baseline for workFile in g.
func (g Generation) Baseline(workFile string) string {
	return filepath.Join(g.Path, BaselineName(workFile))
}

func (g Generation) String() string {
	return g.Path
}

///////////////////////////////////////////////////////////////////////////
// Scanning

// List returns the generations directly under root, oldest first. A
// missing root has no generations. Anything that isn't a directory with
// a generation name is ignored.
func List(root string) ([]Generation, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errs.IO("read directory", root, err)
	}

	var gens []Generation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		g, ok := Parse(e.Name())
		if !ok {
			continue
		}
		g.Path = filepath.Join(root, e.Name())
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return Compare(gens[i], gens[j]) < 0 })
	return gens, nil
}

// ScanLatest returns the latest generation under root according to
// Compare. The bool is false if there are none.
func ScanLatest(root string) (Generation, bool, error) {
	gens, err := List(root)
	if err != nil || len(gens) == 0 {
		return Generation{}, false, err
	}
	return gens[len(gens)-1], true, nil
}
