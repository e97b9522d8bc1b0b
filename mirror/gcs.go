// mirror/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/mmp/genbk/errs"
	u "github.com/mmp/genbk/util"
	"google.golang.org/api/iterator"
)

// Baselines can be large and we buffer each file in memory so that an
// upload can be retried from scratch; refuse anything bigger than this.
const maxGCSObjectSize = 1 << 30

// gcsMirror stores files in a Google Cloud Storage bucket.
type gcsMirror struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	name    string
	limiter *Limiter
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string

	// zero -> unlimited
	MaxUploadBytesPerSecond int
}

// NewGCS returns a Mirror backed by the given bucket, which is created if
// it doesn't exist. Credentials come from the environment, as usual for
// the GCS client library.
func NewGCS(ctx context.Context, options GCSOptions) (Mirror, error) {
	if options.BucketName == "" {
		return nil, errors.New("gcs mirror requires a bucket name")
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	g := &gcsMirror{
		client:  client,
		bucket:  client.Bucket(options.BucketName),
		name:    options.BucketName,
		limiter: NewLimiter(options.MaxUploadBytesPerSecond),
	}

	// Create the bucket if it doesn't exist.
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			return nil, fmt.Errorf("%s: bucket doesn't exist and no project was given to create it in",
				options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		err := g.bucket.Create(ctx, options.ProjectId, &gcs.BucketAttrs{Location: loc})
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return g, nil
}

func (g *gcsMirror) String() string {
	return "gs://" + g.name
}

func (g *gcsMirror) List(ctx context.Context, prefix string) (map[string]time.Time, error) {
	m := make(map[string]time.Time)
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return m, nil
		}
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(obj.Name, ".tmp") {
			continue
		}
		m[obj.Name] = obj.Created
	}
}

func (g *gcsMirror) Put(ctx context.Context, name, localPath string) error {
	// Checking for existence by grabbing the attrs is much cheaper than
	// uploading with a DoesNotExist precondition, which sends the whole
	// file before failing.
	if _, err := g.bucket.Object(name).Attrs(ctx); err == nil {
		log.Debug("%s: already mirrored", name)
		return nil
	}

	fi, err := os.Stat(localPath)
	if err != nil {
		return errs.IO("stat", localPath, err)
	}
	if fi.Size() > maxGCSObjectSize {
		return fmt.Errorf("%s: %s is too large to mirror", localPath, u.FmtBytes(fi.Size()))
	}
	buf, err := os.ReadFile(localPath)
	if err != nil {
		return errs.IO("read", localPath, err)
	}

	return retry(ctx, name, func() error {
		return g.upload(ctx, name, buf)
	})
}

func retry(ctx context.Context, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || ctx.Err() != nil {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsMirror) upload(ctx context.Context, name string, buf []byte) error {
	obj := g.bucket.Object(name)
	tmpObj := g.bucket.Object(name + ".tmp")

	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(ctx)

	r := &u.ReportingReader{R: g.limiter.Reader(bytes.NewReader(buf)), Msg: "uploaded " + name}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	r.Close()

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	gcsCrc := w.Attrs().CRC32C
	if localCrc != gcsCrc {
		return fmt.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d", name,
			localCrc, gcsCrc)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.ContentType = "application/octet-stream"
	if strings.HasSuffix(name, ".diff") {
		copier.StorageClass = "NEARLINE"
	} else {
		copier.StorageClass = "COLDLINE"
	}

	_, err := copier.Run(ctx)
	return err
}
