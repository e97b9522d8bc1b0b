// util/file.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mmp/genbk/errs"
)

// PartialPrefix starts the name of every file that is still being
// written inside a backup directory. Nothing that scans a backup tree
// looks at dot files, so a partial file is never mistaken for history.
const PartialPrefix = "."

// FileSize returns the size of the named file.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errs.IO("stat", path, err)
	}
	return fi.Size(), nil
}

// Exists reports whether something is present at path.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CopyFile copies src to dst, creating or truncating dst, and syncs it to
// disk before returning.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errs.IO("open", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errs.IO("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errs.IO("copy", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errs.IO("sync", dst, err)
	}
	return errs.IO("close", dst, out.Close())
}

// CopyNoClobber copies src to dst without ever exposing a partially
// written dst: the data goes to a hidden partial file in dst's directory
// first and is then linked into place. If dst already exists it is left
// untouched and false is returned.
func CopyNoClobber(src, dst string) (bool, error) {
	if Exists(dst) {
		return false, nil
	}

	dir, name := filepath.Split(dst)
	tmp, err := os.CreateTemp(dir, PartialPrefix+name+".partial-*")
	if err != nil {
		return false, errs.IO("create", dst, err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := CopyFile(src, tmpName); err != nil {
		return false, err
	}
	return linkNoClobber(tmpName, dst)
}

// MoveNoClobber moves src to dst. It prefers a hard link followed by
// removal of src; when the two are on different filesystems it falls back
// to CopyNoClobber. Like CopyNoClobber, an existing dst is never replaced
// and false is returned in that case, leaving src in place.
func MoveNoClobber(src, dst string) (bool, error) {
	err := os.Link(src, dst)
	switch {
	case err == nil:
		if err := os.Remove(src); err != nil {
			return true, errs.IO("remove", src, err)
		}
		return true, nil
	case errors.Is(err, fs.ErrExist):
		return false, nil
	}

	// Cross-device or no hard link support: copy it over instead.
	ok, err := CopyNoClobber(src, dst)
	if err != nil || !ok {
		return ok, err
	}
	return true, errs.IO("remove", src, os.Remove(src))
}

// linkNoClobber puts tmp in place at dst unless dst exists.
func linkNoClobber(tmp, dst string) (bool, error) {
	err := os.Link(tmp, dst)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}

	// Some filesystems (FAT, a few network mounts) have no hard links.
	// Rename has a small window where a concurrent writer could be
	// replaced; the check narrows it as far as we can.
	if Exists(dst) {
		return false, nil
	}
	if err := os.Rename(tmp, dst); err != nil {
		return false, errs.IO("rename", dst, err)
	}
	return true, nil
}
