// backup/rotation.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import "math"

const (
	// DefaultThreshold is the rotation threshold used whenever the
	// configured one isn't positive.
	DefaultThreshold = 0.8

	// MinRotateSize is the working-file size up to which a generation is
	// never rotated; small files show large relative swings in diff size
	// for trivial edits.
	MinRotateSize = 100 * 1024
)

// Options carries the settings that a single backup operation reads.
// Callers build a fresh value per operation; nothing here is shared.
type Options struct {
	// Threshold is the ratio of diff size to file size above which a new
	// generation is started.
	Threshold float64
	// TempDir receives speculative diffs. It must not be inside the
	// backup tree; os.TempDir() is used if empty.
	TempDir string
}

// EffectiveThreshold returns t, or DefaultThreshold if t isn't a positive
// finite number.
func EffectiveThreshold(t float64) float64 {
	if !(t > 0) || math.IsInf(t, 0) {
		return DefaultThreshold
	}
	return t
}

// ShouldRotate reports whether a diff of diffSize bytes against a file of
// baselineSize bytes is big enough that a new baseline should be taken.
func ShouldRotate(baselineSize, diffSize int64, threshold float64) bool {
	if baselineSize == 0 {
		return false
	}
	return float64(diffSize) > float64(baselineSize)*EffectiveThreshold(threshold)
}

// shouldRotateFile applies ShouldRotate behind the MinRotateSize floor.
func shouldRotateFile(fileSize, diffSize int64, threshold float64) bool {
	return fileSize > MinRotateSize && ShouldRotate(fileSize, diffSize, threshold)
}
