// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup implements generation-based incremental backups of a
// single working file and their restoration.
//
// A backup root holds generation directories (see package generation).
// Each backup writes one diff of the working file against the current
// generation's baseline. Once a diff grows past a fraction of the file's
// size, a new generation is started with a fresh baseline, which bounds
// how much work a restore has to do.
package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/genbk/diff"
	"github.com/mmp/genbk/errs"
	"github.com/mmp/genbk/generation"
	"github.com/mmp/genbk/mirror"
	"github.com/mmp/genbk/rdso"
	u "github.com/mmp/genbk/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// DefaultDirPrefix is prepended to the working file's stem to name the
// default backup root, which lives next to the working file.
const DefaultDirPrefix = "cg_backup_"

// maxSeq bounds the number of diffs with the same timestamp in one
// generation directory.
const maxSeq = 1000

// DefaultDir returns the backup root used for workFile when none is
// configured: <dir>/cg_backup_<stem>.
func DefaultDir(workFile string) string {
	base := filepath.Base(workFile)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(filepath.Dir(workFile), DefaultDirPrefix+stem)
}

// Route says how the backup directory was chosen.
type Route int

const (
	// RouteAuto: the directory is a backup root and the latest generation
	// in it is used.
	RouteAuto Route = iota
	// RouteManual: the directory is itself a generation directory.
	RouteManual
)

func (r Route) String() string {
	if r == RouteManual {
		return "manual"
	}
	return "auto"
}

// Target is where a backup of a working file goes.
type Target struct {
	Route Route
	// ProjectRoot holds the generation directories.
	ProjectRoot string
	// Dir is the explicit generation directory (RouteManual only) and
	// Index its index, or 0 if the name doesn't parse.
	Dir   string
	Index int
}

// ResolveTarget decides where a backup of workFile goes. customDir may be
// empty to use DefaultDir. A directory whose own name starts with the
// generation prefix is used directly as the generation to write into.
func ResolveTarget(workFile, customDir string) Target {
	dir := customDir
	if dir == "" {
		dir = DefaultDir(workFile)
	}
	dir = filepath.Clean(dir)

	name := filepath.Base(dir)
	if generation.HasPrefix(name) {
		return Target{
			Route:       RouteManual,
			ProjectRoot: filepath.Dir(dir),
			Dir:         dir,
			Index:       generation.ParseIndex(name),
		}
	}
	return Target{Route: RouteAuto, ProjectRoot: dir}
}

// Result describes a completed backup.
type Result struct {
	Target Target
	// Generation holds the committed diff.
	Generation generation.Generation
	// Diff is the path of the committed diff.
	Diff string

	FileSize, DiffSize int64
	// Rotated is true if a new generation was started (or adopted)
	// because the diff against the old baseline was too large.
	Rotated bool
	// BaselineInstalled is true if this backup wrote a baseline.
	BaselineInstalled bool
}

// Backuper runs backups and restores. Its fields are read-only once it's
// in use, so a single Backuper can serve concurrent operations.
type Backuper struct {
	Engine   diff.Engine
	Resolver *generation.Resolver

	// Mirror, if non-nil, receives a copy of every file this Backuper
	// commits. Mirroring failures are logged, never returned.
	Mirror mirror.Mirror

	// Parity, if non-nil, makes new baselines get a Reed-Solomon parity
	// sidecar, which restores use to repair damaged baselines.
	Parity *rdso.Params

	// Now returns the time used to name artifacts; time.Now if nil.
	Now func() time.Time
}

// New returns a Backuper that uses engine.
func New(engine diff.Engine) *Backuper {
	return &Backuper{Engine: engine, Resolver: &generation.Resolver{}}
}

func (b *Backuper) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Backuper) resolver() *generation.Resolver {
	if b.Resolver != nil {
		return b.Resolver
	}
	return &generation.Resolver{Now: b.Now}
}

// BackupOrDiff backs up workFile into customDir (see ResolveTarget). The
// diff is first computed outside the backup tree and only then moved into
// its generation under its final name, so a partially written diff is
// never visible as history. If the diff is too large relative to the
// file, a new generation is started and the diff recomputed against its
// baseline.
//
// algo must be "" or diff.Algo. compression is passed on to the diff
// tool; unknown values fall back to diff.DefaultCompression.
func (b *Backuper) BackupOrDiff(ctx context.Context, workFile, customDir, algo, compression string,
	opts Options) (Result, error) {
	algo, err := diff.CheckAlgo(algo)
	if err != nil {
		return Result{}, err
	}
	fi, err := os.Stat(workFile)
	if err != nil {
		return Result{}, errs.IO("stat", workFile, err)
	}
	if !fi.Mode().IsRegular() {
		return Result{}, errs.IO("backup", workFile, os.ErrInvalid)
	}

	res := Result{Target: ResolveTarget(workFile, customDir)}
	log.Debug("%s: backing up to %s (%s route)", workFile, res.Target.ProjectRoot, res.Target.Route)

	// Find the generation and make sure it has a baseline.
	var gen generation.Generation
	if res.Target.Route == RouteManual {
		gen = generation.Generation{
			Index: res.Target.Index,
			Name:  filepath.Base(res.Target.Dir),
			Path:  res.Target.Dir,
		}
		if g, ok := generation.Parse(gen.Name); ok {
			gen.Created = g.Created
		}
		res.BaselineInstalled, err = generation.EnsureBaseline(gen.Path, workFile)
	} else {
		var r generation.Resolution
		r, err = b.resolver().ResolveOrCreate(res.Target.ProjectRoot, workFile)
		gen, res.BaselineInstalled = r.Generation, r.BaselineInstalled
	}
	if err != nil {
		return Result{}, err
	}
	if res.BaselineInstalled {
		b.baselineInstalled(ctx, res.Target.ProjectRoot, gen, workFile)
	}

	// Speculative diff against the current baseline.
	tmp, err := b.makeTempDiff(ctx, gen.Baseline(workFile), workFile, compression, opts)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(tmp)

	if res.FileSize, err = u.FileSize(workFile); err != nil {
		return Result{}, err
	}
	if res.DiffSize, err = u.FileSize(tmp); err != nil {
		return Result{}, err
	}
	threshold := EffectiveThreshold(opts.Threshold)
	log.Verbose("%s: diff is %s for a %s file (threshold %.0f%%)", workFile,
		u.FmtBytes(res.DiffSize), u.FmtBytes(res.FileSize), 100*threshold)

	if shouldRotateFile(res.FileSize, res.DiffSize, threshold) {
		// The diff was made against the old baseline, so it's useless in
		// the new generation.
		os.Remove(tmp)

		r, err := b.resolver().CompareAndAdopt(res.Target.ProjectRoot, gen.Index, workFile)
		if err != nil {
			return Result{}, err
		}
		log.Verbose("%s: rotated from generation %d to %s", workFile, gen.Index, r.Path)
		gen, res.Rotated = r.Generation, true
		if r.BaselineInstalled {
			res.BaselineInstalled = true
			b.baselineInstalled(ctx, res.Target.ProjectRoot, gen, workFile)
		}

		tmp, err = b.makeTempDiff(ctx, gen.Baseline(workFile), workFile, compression, opts)
		if err != nil {
			return Result{}, err
		}
		defer os.Remove(tmp)
		if res.DiffSize, err = u.FileSize(tmp); err != nil {
			return Result{}, err
		}
	}

	res.Generation = gen
	res.Diff, err = b.commit(tmp, gen.Path, workFile, algo)
	if err != nil {
		return Result{}, err
	}
	log.Verbose("%s: committed %s", workFile, res.Diff)

	b.mirror(ctx, res.Target.ProjectRoot, gen, res.Diff)
	return res, nil
}

// makeTempDiff diffs workFile against baseline into a new file in the
// temp directory and returns its path.
func (b *Backuper) makeTempDiff(ctx context.Context, baseline, workFile, compression string,
	opts Options) (string, error) {
	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	pattern := filepath.Base(workFile) + "." + u.Timestamp(b.now()) + ".*.tmp"
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", errs.IO("create", filepath.Join(dir, pattern), err)
	}
	tmp := f.Name()
	f.Close()

	if err := b.Engine.MakeDiff(ctx, baseline, workFile, tmp, compression); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// commit moves the finished diff at tmp into dir under its final name.
// An existing artifact is never replaced; a sequence number is added to
// the timestamp instead.
func (b *Backuper) commit(tmp, dir, workFile, algo string) (string, error) {
	stamp := u.Timestamp(b.now())
	stem := filepath.Base(workFile)
	for seq := 0; seq < maxSeq; seq++ {
		dst := filepath.Join(dir, ArtifactName(stem, stamp, seq, algo))
		ok, err := u.MoveNoClobber(tmp, dst)
		if err != nil {
			return "", err
		}
		if ok {
			return dst, nil
		}
	}
	return "", errs.IO("commit", filepath.Join(dir, ArtifactName(stem, stamp, 0, algo)), os.ErrExist)
}

// baselineInstalled does the optional work that follows writing a new
// baseline: parity protection and mirroring. Failures here don't affect
// the backup itself.
func (b *Backuper) baselineInstalled(ctx context.Context, root string, gen generation.Generation,
	workFile string) {
	baseline := gen.Baseline(workFile)
	if b.Parity != nil {
		rsfn := rdso.SidecarPath(baseline)
		if err := rdso.EncodeFile(baseline, rsfn, *b.Parity); err != nil {
			log.Warning("%s: unable to write parity: %v", baseline, err)
		} else {
			b.mirror(ctx, root, gen, rsfn)
		}
	}
	b.mirror(ctx, root, gen, baseline)
}

func (b *Backuper) mirror(ctx context.Context, root string, gen generation.Generation, path string) {
	if b.Mirror == nil {
		return
	}
	name := mirror.ObjectName(root, gen.Name, path)
	if err := b.Mirror.Put(ctx, name, path); err != nil {
		log.Warning("%s: mirroring to %s failed: %v", path, b.Mirror, err)
	}
}
