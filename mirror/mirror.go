// mirror/mirror.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package mirror keeps a second copy of a backup tree's finalized files
// (baselines, their parity files and diffs) somewhere else: another disk
// or a Google Cloud Storage bucket. Mirrored files are immutable, like
// the originals; putting a name that already exists does nothing.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	u "github.com/mmp/genbk/util"
)

var ErrNotFound = errors.New("object not found")

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// Mirror is a secondary store for finalized backup files. Implementations
// are safe for concurrent use.
type Mirror interface {
	// String returns a description of the mirror's location.
	String() string

	// Put copies the local file to the given slash-separated name. If
	// the name already exists it is left untouched.
	Put(ctx context.Context, name, localPath string) error

	// List returns the names under prefix with their creation times.
	List(ctx context.Context, prefix string) (map[string]time.Time, error)
}

// ObjectName returns the mirror name for file inside generation genName
// of the backup root projectRoot: <root name>/<generation>/<file>.
func ObjectName(projectRoot, genName, file string) string {
	return path.Join(filepath.Base(projectRoot), genName, filepath.Base(file))
}

// Options selects and configures a Mirror.
type Options struct {
	// Kind is "", "none", "disk" or "gcs".
	Kind string
	// Dir is the destination directory for a disk mirror.
	Dir string

	// GCS settings; see GCSOptions.
	Bucket   string
	Project  string
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond int
}

// New returns the Mirror described by opts, or nil if mirroring is off.
func New(ctx context.Context, opts Options) (Mirror, error) {
	switch opts.Kind {
	case "", "none":
		return nil, nil
	case "disk":
		if opts.Dir == "" {
			return nil, errors.New("disk mirror requires a directory")
		}
		return NewDisk(opts.Dir, opts.MaxUploadBytesPerSecond)
	case "gcs":
		return NewGCS(ctx, GCSOptions{
			BucketName:              opts.Bucket,
			ProjectId:               opts.Project,
			Location:                opts.Location,
			MaxUploadBytesPerSecond: opts.MaxUploadBytesPerSecond,
		})
	default:
		return nil, fmt.Errorf("%s: unknown mirror kind", opts.Kind)
	}
}
