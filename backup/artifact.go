// backup/artifact.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/genbk/diff"
	"github.com/mmp/genbk/generation"
	u "github.com/mmp/genbk/util"
)

// Diff artifacts are named <stem>.<YYYYMMDD_HHMMSS>[-<seq>].<algo>.diff,
// where stem is the working file's base name. The sequence number only
// appears when two diffs land in the same directory within one second.
// Diffs from before algorithm markers were added have no .<algo>.
var artifactRE = regexp.MustCompile(`^(.+)\.(\d{8}_\d{6})(?:-(\d+))?(?:\.([A-Za-z0-9]+))?\.diff$`)

// stampRE finds the stem of anything else with a timestamp in its name.
var stampRE = regexp.MustCompile(`^(.+?)\.\d{8}_\d{6}`)

// Artifact describes a diff file parsed from its name.
type Artifact struct {
	Stem  string
	Stamp string
	Time  time.Time
	Seq   int
	// Algo is "" for unmarked diffs.
	Algo string
}

// ArtifactName builds the file name of a diff artifact.
func ArtifactName(stem, stamp string, seq int, algo string) string {
	if seq > 0 {
		stamp = fmt.Sprintf("%s-%d", stamp, seq)
	}
	if algo == "" {
		return fmt.Sprintf("%s.%s.diff", stem, stamp)
	}
	return fmt.Sprintf("%s.%s.%s.diff", stem, stamp, algo)
}

// ParseArtifact interprets a diff file name.
func ParseArtifact(name string) (Artifact, bool) {
	m := artifactRE.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return Artifact{}, false
	}
	a := Artifact{Stem: m[1], Stamp: m[2], Algo: m[4]}
	a.Time, _ = u.ParseTimestamp(m[2])
	if m[3] != "" {
		a.Seq, _ = strconv.Atoi(m[3])
	}
	return a, true
}

// Name returns the artifact's file name.
func (a Artifact) Name() string {
	return ArtifactName(a.Stem, a.Stamp, a.Seq, a.Algo)
}

// Format classifies a diff file by the marker in its name.
type Format int

const (
	// FormatUnmarked diffs carry no recognizable algorithm marker; they
	// predate markers and are applied on a best-effort basis.
	FormatUnmarked Format = iota
	// FormatCurrent diffs were produced by diff.Algo.
	FormatCurrent
	// FormatLegacy diffs were produced by an algorithm that is no longer
	// supported.
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatCurrent:
		return diff.Algo
	case FormatLegacy:
		return diff.LegacyAlgo
	default:
		return "unmarked"
	}
}

// Classify returns the format of the diff file at path.
func Classify(path string) Format {
	name := filepath.Base(path)
	if a, ok := ParseArtifact(name); ok {
		switch strings.ToLower(a.Algo) {
		case diff.Algo:
			return FormatCurrent
		case diff.LegacyAlgo:
			return FormatLegacy
		}
	}

	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "."+diff.LegacyAlgo+"."):
		return FormatLegacy
	case strings.Contains(lower, "."+diff.Algo+"."):
		return FormatCurrent
	}
	return FormatUnmarked
}

// InferBaseline finds the baseline that the diff at diffPath was made
// against: the file named for the diff's own stem in the same directory,
// or, if that's missing (say the working file has since been renamed),
// the baseline named for workFile.
func InferBaseline(diffPath, workFile string) string {
	dir := filepath.Dir(diffPath)
	if stem := diffStem(diffPath); stem != "" {
		b := filepath.Join(dir, stem+generation.BaselineSuffix)
		if _, err := os.Stat(b); err == nil {
			return b
		}
	}
	return filepath.Join(dir, generation.BaselineName(workFile))
}

// diffStem returns the working-file name that the diff's name starts
// with: everything before its timestamp.
func diffStem(diffPath string) string {
	if a, ok := ParseArtifact(diffPath); ok {
		return a.Stem
	}
	if m := stampRE.FindStringSubmatch(filepath.Base(diffPath)); m != nil {
		return m[1]
	}
	return ""
}
