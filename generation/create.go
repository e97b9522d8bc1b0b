// generation/create.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package generation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mmp/genbk/errs"
	u "github.com/mmp/genbk/util"
	"golang.org/x/sync/singleflight"
)

var ErrClaimTimeout = errors.New("timed out waiting for another process to create the generation")

const (
	DefaultClaimWait  = 3 * time.Minute
	DefaultStaleClaim = 2 * time.Minute
	claimPoll         = 25 * time.Millisecond
)

// Concurrent creations of the same generation within this process share
// one result.
var flights singleflight.Group

// Resolution is the outcome of finding or making a generation.
type Resolution struct {
	Generation
	// Created is true if this call made the generation directory.
	Created bool
	// BaselineInstalled is true if this call wrote the baseline file.
	BaselineInstalled bool
}

// Resolver creates and adopts generations. The zero value is ready to
// use.
type Resolver struct {
	// Now returns the time used to name new generations; time.Now if nil.
	Now func() time.Time
	// ClaimWait bounds how long to wait for another process that is
	// creating the same generation.
	ClaimWait time.Duration
	// Claims older than StaleClaim are assumed to belong to a process
	// that died and are removed.
	StaleClaim time.Duration
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Resolver) claimWait() time.Duration {
	if r.ClaimWait > 0 {
		return r.ClaimWait
	}
	return DefaultClaimWait
}

func (r *Resolver) staleClaim() time.Duration {
	if r.StaleClaim > 0 {
		return r.StaleClaim
	}
	return DefaultStaleClaim
}

// EnsureBaseline makes sure dir holds the baseline for seed, copying seed
// in if it doesn't. The copy is never visible under the baseline's name
// until complete, and an existing baseline is never replaced. It reports
// whether this call installed the baseline.
func EnsureBaseline(dir, seed string) (bool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return false, errs.IO("create directory", dir, err)
	}
	dst := filepath.Join(dir, BaselineName(seed))
	if u.Exists(dst) {
		return false, nil
	}
	ok, err := u.CopyNoClobber(seed, dst)
	if ok {
		log.Verbose("%s: installed baseline", dst)
	}
	return ok, err
}

// Create makes generation index under root, named for the current time,
// with seed copied in as its baseline. Creating a directory that already
// exists isn't an error. Create does not check for other generations;
// use CompareAndAdopt for that.
func (r *Resolver) Create(root string, index int, seed string) (Resolution, error) {
	now := r.now()
	name := Name(index, now)
	g := Generation{Index: index, Name: name, Path: filepath.Join(root, name)}
	g.Created, _ = u.ParseTimestamp(u.Timestamp(now))

	if err := os.MkdirAll(root, 0700); err != nil {
		return Resolution{}, errs.IO("create directory", root, err)
	}

	res := Resolution{Generation: g}
	err := os.Mkdir(g.Path, 0700)
	switch {
	case err == nil:
		res.Created = true
		log.Verbose("%s: created generation %d", g.Path, index)
	case errors.Is(err, fs.ErrExist):
	default:
		return Resolution{}, errs.IO("create directory", g.Path, err)
	}

	res.BaselineInstalled, err = EnsureBaseline(g.Path, seed)
	if err != nil {
		if res.Created {
			// Don't leave an empty generation behind; Remove only
			// succeeds if nobody else has put anything in it.
			os.Remove(g.Path)
		}
		return Resolution{}, err
	}
	return res, nil
}

// ResolveOrCreate returns the latest generation under root, creating
// generation 1 with seed as its baseline if there is none.
func (r *Resolver) ResolveOrCreate(root, seed string) (Resolution, error) {
	return r.CompareAndAdopt(root, 0, seed)
}

// CompareAndAdopt is the single guard against duplicate generations.
// Given that the caller last saw generation from, it adopts whatever
// generation with a higher index now exists under root (another process
// may have rotated concurrently) and otherwise creates from+1. In either
// case the returned generation has a baseline for seed.
func (r *Resolver) CompareAndAdopt(root string, from int, seed string) (Resolution, error) {
	if res, ok, err := r.adoptNewer(root, from, seed); ok || err != nil {
		return res, err
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	key := abs + "\x00" + strconv.Itoa(from+1)

	leader := false
	v, err, _ := flights.Do(key, func() (interface{}, error) {
		leader = true
		return r.claimAndCreate(root, from, seed)
	})
	if err != nil {
		return Resolution{}, err
	}
	res := v.(Resolution)
	if !leader {
		// Someone else in this process did the work; just make sure our
		// own baseline is there.
		res.Created = false
		res.BaselineInstalled, err = EnsureBaseline(res.Path, seed)
		if err != nil {
			return Resolution{}, err
		}
	}
	return res, nil
}

func (r *Resolver) adoptNewer(root string, from int, seed string) (Resolution, bool, error) {
	latest, ok, err := ScanLatest(root)
	if err != nil {
		return Resolution{}, false, err
	}
	if !ok || latest.Index <= from {
		return Resolution{}, false, nil
	}

	if from > 0 {
		log.Verbose("%s: adopting generation %d created concurrently", latest.Path, latest.Index)
	}
	installed, err := EnsureBaseline(latest.Path, seed)
	if err != nil {
		return Resolution{}, false, err
	}
	return Resolution{Generation: latest, BaselineInstalled: installed}, true, nil
}

// claimAndCreate serializes creation of generation from+1 across
// processes with an exclusively created claim file in root.
func (r *Resolver) claimAndCreate(root string, from int, seed string) (Resolution, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return Resolution{}, errs.IO("create directory", root, err)
	}

	index := from + 1
	claim := filepath.Join(root, fmt.Sprintf("%s%s%d.claim", u.PartialPrefix, Prefix, index))
	deadline := time.Now().Add(r.claimWait())
	for {
		f, err := os.OpenFile(claim, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return Resolution{}, errs.IO("create", claim, err)
		}

		if res, ok, err := r.adoptNewer(root, from, seed); ok || err != nil {
			return res, err
		}
		if fi, err := os.Stat(claim); err == nil && time.Since(fi.ModTime()) > r.staleClaim() {
			log.Warning("%s: removing stale claim", claim)
			os.Remove(claim)
			continue
		}
		if time.Now().After(deadline) {
			return Resolution{}, errs.IO("claim", claim, ErrClaimTimeout)
		}
		time.Sleep(claimPoll)
	}
	defer os.Remove(claim)

	// Someone may have finished between our scan and the claim.
	if res, ok, err := r.adoptNewer(root, from, seed); ok || err != nil {
		return res, err
	}
	return r.Create(root, index, seed)
}
