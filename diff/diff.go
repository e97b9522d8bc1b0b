// diff/diff.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package diff runs the external binary diff/patch programs that produce
// and apply the delta files stored in a backup generation. The programs
// are treated as black boxes: a zero exit status is success and anything
// else is reported with whatever the program wrote to its error stream.
package diff

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

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
// Algorithms and compression

const (
	// Algo identifies diffs produced by this package. It is embedded in
	// artifact file names as ".<Algo>.diff".
	Algo = "hdiff"

	// LegacyAlgo identifies artifacts written by an old diff format that
	// can no longer be applied.
	LegacyAlgo = "bsdiff"

	// DefaultCompression is used when no compression, or an unknown one,
	// is requested.
	DefaultCompression = "zstd"
)

// Compressions lists the codec names the diff program understands.
// "none" turns compression off.
var Compressions = []string{"zstd", "lzma2", "lzma", "zlib", "ldef", "pbzip2", "bzip2", "none"}

// NormalizeCompression maps c to one of Compressions, falling back to
// DefaultCompression for anything unrecognized.
func NormalizeCompression(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, known := range Compressions {
		if c == known {
			return c
		}
	}
	if c != "" {
		log.Debug("%s: unknown compression, using %s", c, DefaultCompression)
	}
	return DefaultCompression
}

// CheckAlgo validates a requested diff algorithm. The empty string selects
// Algo; every other name is rejected rather than silently substituted.
func CheckAlgo(algo string) (string, error) {
	switch algo {
	case "", Algo:
		return Algo, nil
	default:
		return "", &errs.UnsupportedFormat{Algo: algo}
	}
}

///////////////////////////////////////////////////////////////////////////
// Engine

// Engine produces and applies binary diffs. Implementations must be safe
// for concurrent use.
type Engine interface {
	// MakeDiff writes to out a diff that turns old into new.
	MakeDiff(ctx context.Context, old, new, out, compression string) error

	// ApplyDiff applies diff to base and writes the result to out.
	ApplyDiff(ctx context.Context, base, diff, out string) error
}

// Tool is the Engine backed by the HDiffPatch command-line programs (or
// anything that accepts the same arguments):
//
//	<DiffProgram> -f -s [-c-<codec>] <old> <new> <out>
//	<PatchProgram> -f -s <base> <diff> <out>
type Tool struct {
	DiffProgram  string
	PatchProgram string
}

const (
	DefaultDiffProgram  = "hdiffz"
	DefaultPatchProgram = "hpatchz"
)

// NewTool returns a Tool; empty program names select the defaults.
func NewTool(diffProgram, patchProgram string) *Tool {
	if diffProgram == "" {
		diffProgram = DefaultDiffProgram
	}
	if patchProgram == "" {
		patchProgram = DefaultPatchProgram
	}
	return &Tool{DiffProgram: diffProgram, PatchProgram: patchProgram}
}

func (t *Tool) MakeDiff(ctx context.Context, old, new, out, compression string) error {
	return t.run(ctx, t.DiffProgram, diffArgs(old, new, out, compression))
}

func (t *Tool) ApplyDiff(ctx context.Context, base, diff, out string) error {
	return t.run(ctx, t.PatchProgram, []string{"-f", "-s", base, diff, out})
}

func diffArgs(old, new, out, compression string) []string {
	args := []string{"-f", "-s"}
	if c := NormalizeCompression(compression); c != "none" {
		args = append(args, "-c-"+c)
	}
	return append(args, old, new, out)
}

// run starts the program and waits for it. If ctx is done first, run
// returns ctx.Err() and the process is left to run to completion; callers
// only ever point it at scratch paths.
func (t *Tool) run(ctx context.Context, program string, args []string) error {
	log.Debug("running %s %s", program, strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(program, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &errs.ToolFailed{Tool: program, Args: args, ExitCode: -1, Stderr: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case <-ctx.Done():
		log.Warning("%s: no longer waiting (%v); process left running", program, ctx.Err())
		return ctx.Err()
	case err = <-done:
	}
	if err == nil {
		return nil
	}

	tf := &errs.ToolFailed{Tool: program, Args: args, ExitCode: -1, Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		tf.ExitCode = exitErr.ExitCode()
	}
	if strings.TrimSpace(tf.Stderr) == "" {
		// Some builds report everything on stdout.
		tf.Stderr = stdout.String()
	}
	if strings.TrimSpace(tf.Stderr) == "" {
		tf.Stderr = err.Error()
	}
	return tf
}
