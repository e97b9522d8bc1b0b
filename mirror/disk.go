// mirror/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mirror

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/genbk/errs"
	u "github.com/mmp/genbk/util"
)

// disk mirrors files into a directory, typically on another drive.
type disk struct {
	dir     string
	limiter *Limiter
}

// NewDisk returns a Mirror that stores files under dir, creating it if
// needed. Copies are limited to bytesPerSecond if it's positive.
func NewDisk(dir string, bytesPerSecond int) (Mirror, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.IO("create directory", dir, err)
	}
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, errs.IO("stat", dir, err)
	}
	if !stat.IsDir() {
		return nil, errs.IO("open", dir, fs.ErrExist)
	}
	return &disk{dir: dir, limiter: NewLimiter(bytesPerSecond)}, nil
}

func (d *disk) String() string {
	return "disk: " + d.dir
}

func (d *disk) Put(ctx context.Context, name, localPath string) error {
	dst := filepath.Join(d.dir, filepath.FromSlash(name))
	if u.Exists(dst) {
		log.Debug("%s: already mirrored", dst)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return errs.IO("create directory", filepath.Dir(dst), err)
	}

	// Write to a hidden file and link it into place so that a partial
	// copy never shows up under the real name.
	tmp, err := os.CreateTemp(filepath.Dir(dst), u.PartialPrefix+filepath.Base(dst)+".partial-*")
	if err != nil {
		return errs.IO("create", dst, err)
	}
	defer os.Remove(tmp.Name())

	in, err := os.Open(localPath)
	if err != nil {
		tmp.Close()
		return errs.IO("open", localPath, err)
	}
	defer in.Close()

	r := &u.ReportingReader{R: d.limiter.Reader(in), Msg: "mirrored " + name}
	if _, err := io.Copy(tmp, &ctxReader{ctx, r}); err != nil {
		tmp.Close()
		return errs.IO("copy", dst, err)
	}
	r.Close()
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.IO("sync", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return errs.IO("close", tmp.Name(), err)
	}

	if err := os.Link(tmp.Name(), dst); err != nil && !os.IsExist(err) {
		return errs.IO("link", dst, err)
	}
	log.Verbose("%s: mirrored to %s", localPath, dst)
	return nil
}

func (d *disk) List(ctx context.Context, prefix string) (map[string]time.Time, error) {
	m := make(map[string]time.Time)
	err := filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), u.PartialPrefix) {
			return nil
		}
		rel, err := filepath.Rel(d.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		m[name] = info.ModTime()
		return ctx.Err()
	})
	if err != nil {
		return nil, errs.IO("walk", d.dir, err)
	}
	return m, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
