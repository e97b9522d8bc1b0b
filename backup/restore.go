// backup/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/genbk/diff"
	"github.com/mmp/genbk/errs"
	"github.com/mmp/genbk/rdso"
	u "github.com/mmp/genbk/util"
)

// RestoredInfix separates the working file's stem from the timestamp in
// the name of a restored copy.
const RestoredInfix = "_restored_"

// RestoredPath names the copy that a restore of workFile taken at t writes
// next to it: <stem>_restored_<YYYYMMDD_HHMMSS>[-<seq>]<ext>.
func RestoredPath(workFile string, t time.Time, seq int) string {
	dir, base := filepath.Split(workFile)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	stamp := u.Timestamp(t)
	if seq > 0 {
		stamp = fmt.Sprintf("%s-%d", stamp, seq)
	}
	return filepath.Join(dir, stem+RestoredInfix+stamp+ext)
}

// ApplyMultiDiff reconstructs workFile from each of the given diffs in
// turn into a new file beside it (see RestoredPath), whose path is
// returned; the working file itself is never written. Each diff is
// applied to the baseline it was made against, so the copy ends up as
// the file was when the last one was taken. An empty list does nothing
// and returns "".
//
// On failure the returned path is that of the partially reconstructed
// copy, or "" if nothing was written. See ApplyMultiDiffTo for the error
// semantics.
func (b *Backuper) ApplyMultiDiff(ctx context.Context, workFile string, diffPaths []string) (string, error) {
	if len(diffPaths) == 0 {
		return "", nil
	}
	now := b.now()
	out := ""
	for seq := 0; seq < maxSeq; seq++ {
		if p := RestoredPath(workFile, now, seq); !u.Exists(p) {
			out = p
			break
		}
	}
	if out == "" {
		return "", errs.IO("restore", RestoredPath(workFile, now, 0), os.ErrExist)
	}

	err := b.ApplyMultiDiffTo(ctx, workFile, diffPaths, out)
	if !u.Exists(out) {
		out = ""
	}
	return out, err
}

// ApplyMultiDiffTo is ApplyMultiDiff with an explicit output path; passing
// workFile itself restores in place, replacing whatever it holds.
//
// Diffs in the legacy format stop the whole sequence before anything else
// happens to the output. Diffs without a format marker are tried as
// current-format diffs, and if that fails the error is an
// errs.RecoveryFailed. The first failure stops the sequence with an
// *errs.ChainError naming the diff; diffs already applied stay applied.
func (b *Backuper) ApplyMultiDiffTo(ctx context.Context, workFile string, diffPaths []string, out string) error {
	for i, d := range diffPaths {
		log.Verbose("%s: applying %s (%d/%d)", out, d, i+1, len(diffPaths))
		if err := b.applyOne(ctx, workFile, d, out); err != nil {
			return &errs.ChainError{Index: i, Path: d, Err: err}
		}
	}
	return nil
}

// Snapshot writes the version of workFile captured by the diff at
// diffPath to out, leaving workFile alone.
func (b *Backuper) Snapshot(ctx context.Context, workFile, diffPath, out string) error {
	return b.applyOne(ctx, workFile, diffPath, out)
}

func (b *Backuper) applyOne(ctx context.Context, workFile, diffPath, out string) error {
	format := Classify(diffPath)
	if format == FormatLegacy {
		return &errs.UnsupportedFormat{Algo: diff.LegacyAlgo, Path: diffPath}
	}

	err := b.applyCurrent(ctx, workFile, diffPath, out)
	if err != nil && format == FormatUnmarked {
		log.Warning("%s: best-effort apply of unmarked diff failed: %v", diffPath, err)
		return &errs.RecoveryFailed{Path: diffPath, Err: err}
	}
	return err
}

func (b *Backuper) applyCurrent(ctx context.Context, workFile, diffPath, out string) error {
	base := InferBaseline(diffPath, workFile)
	if _, err := os.Stat(base); err != nil {
		return errs.IO("stat", base, err)
	}

	// Reconstruct next to the output and rename into place so that a
	// failure never leaves a torn file behind.
	dir, name := filepath.Split(out)
	if dir == "" {
		dir = "."
	}
	scratch, err := os.CreateTemp(dir, u.PartialPrefix+name+".restore-*")
	if err != nil {
		return errs.IO("create", out, err)
	}
	tmp := scratch.Name()
	scratch.Close()
	defer os.Remove(tmp)

	base, cleanup, err := b.checkedBaseline(base, dir)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := b.Engine.ApplyDiff(ctx, base, diffPath, tmp); err != nil {
		return err
	}
	// Keep the output's mode, or take the working file's for a new one.
	if fi, err := os.Stat(out); err == nil {
		os.Chmod(tmp, fi.Mode().Perm())
	} else if fi, err := os.Stat(workFile); err == nil {
		os.Chmod(tmp, fi.Mode().Perm())
	}
	return errs.IO("rename", out, os.Rename(tmp, out))
}

// checkedBaseline verifies base against its parity sidecar, if there is
// one. A damaged baseline is repaired into a scratch file in dir, whose
// path is returned; the baseline itself is never modified.
func (b *Backuper) checkedBaseline(base, dir string) (string, func(), error) {
	nop := func() {}
	rsfn := rdso.SidecarPath(base)
	if !u.Exists(rsfn) {
		return base, nop, nil
	}

	err := rdso.CheckFile(base, rsfn)
	if err == nil {
		return base, nop, nil
	}
	if !errors.Is(err, rdso.ErrFileCorrupt) {
		log.Warning("%s: parity check failed: %v", base, err)
		return base, nop, nil
	}

	log.Warning("%s: baseline damaged; reconstructing from parity", base)
	f, err := os.CreateTemp(dir, u.PartialPrefix+filepath.Base(base)+".repaired-*")
	if err != nil {
		return "", nop, errs.IO("create", dir, err)
	}
	repaired := f.Name()
	f.Close()
	if err := rdso.RestoreFile(base, rsfn, repaired); err != nil {
		os.Remove(repaired)
		return "", nop, err
	}
	return repaired, func() { os.Remove(repaired) }, nil
}
