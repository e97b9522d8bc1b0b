// errs/errs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package errs defines the failure kinds shared by the backup packages.
// All of them are fatal to the operation that produced them; nothing in
// genbk retries automatically.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Kinds; use errors.Is to classify an error returned by any genbk package.
var (
	ErrIO                = errors.New("i/o error")
	ErrToolFailed        = errors.New("diff tool failed")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrRecoveryFailed    = errors.New("recovery failed for legacy format")
)

///////////////////////////////////////////////////////////////////////////
// IOError

// IOError is a filesystem failure with the path (and operation) that
// caused it.
type IOError struct {
	Op   string
	Path string
	Err  error
}

// IO wraps err as an *IOError; it returns nil if err is nil. A
// *fs.PathError for the same path is unwrapped so that the path isn't
// repeated in the message.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *fs.PathError
	if errors.As(err, &pe) && pe.Path == path {
		err = pe.Err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

///////////////////////////////////////////////////////////////////////////
// ToolFailed

// ToolFailed reports that the external diff or patch program exited with a
// nonzero status. Its message is the program's diagnostic output.
type ToolFailed struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ToolFailed) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Tool, e.ExitCode)
	}
	return msg
}

func (e *ToolFailed) Is(target error) bool { return target == ErrToolFailed }

///////////////////////////////////////////////////////////////////////////
// UnsupportedFormat

// UnsupportedFormat is returned when a diff algorithm is requested, or an
// artifact is found, that this version cannot produce or apply.
type UnsupportedFormat struct {
	Algo string
	// Path is the offending artifact, if any.
	Path string
}

func (e *UnsupportedFormat) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: unsupported diff format %q", e.Path, e.Algo)
	}
	return fmt.Sprintf("unsupported diff format %q", e.Algo)
}

func (e *UnsupportedFormat) Is(target error) bool { return target == ErrUnsupportedFormat }

///////////////////////////////////////////////////////////////////////////
// RecoveryFailed

// RecoveryFailed reports that a best-effort apply of an unmarked (legacy)
// diff did not succeed. Err is the underlying cause.
type RecoveryFailed struct {
	Path string
	Err  error
}

func (e *RecoveryFailed) Error() string {
	return fmt.Sprintf("%s: recovery failed for legacy format: %v", e.Path, e.Err)
}

func (e *RecoveryFailed) Unwrap() error { return e.Err }

func (e *RecoveryFailed) Is(target error) bool { return target == ErrRecoveryFailed }

///////////////////////////////////////////////////////////////////////////
// ChainError

// ChainError names the entry of a restore chain that failed. Entries
// before Index were applied and are not rolled back.
type ChainError struct {
	Index int
	Path  string
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("diff %d (%s): %v", e.Index+1, e.Path, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }
