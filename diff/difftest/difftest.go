// diff/difftest/difftest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package difftest provides a deterministic in-process diff.Engine for
// tests. Its diffs record the length of the prefix and suffix that the old
// and new files share plus the bytes in between, so small edits make
// small diffs and unrelated files make diffs as large as the file.
package difftest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmp/genbk/errs"
)

const magic = "genbk-difftest"

// Engine implements diff.Engine without spawning processes. Set the
// exported fields before first use.
type Engine struct {
	// Delay, if non-zero, is slept inside every call to mimic the
	// subprocess wait and widen race windows.
	Delay time.Duration

	// FailMake and FailApply, when set, make the corresponding call fail
	// with a *errs.ToolFailed carrying this message.
	FailMake  string
	FailApply string

	// OnMake, if non-nil, is called at the start of every MakeDiff with
	// the 1-based call number; tests use it to act "concurrently".
	OnMake func(call int)

	makes, applies int64

	mu           sync.Mutex
	compressions []string
}

func toolErr(msg string) error {
	return &errs.ToolFailed{Tool: "difftest", ExitCode: 1, Stderr: msg}
}

func (e *Engine) MakeDiff(ctx context.Context, old, new, out, compression string) error {
	call := atomic.AddInt64(&e.makes, 1)
	e.mu.Lock()
	e.compressions = append(e.compressions, compression)
	e.mu.Unlock()
	if e.OnMake != nil {
		e.OnMake(int(call))
	}
	e.sleep()

	if e.FailMake != "" {
		return toolErr(e.FailMake)
	}
	a, err := os.ReadFile(old)
	if err != nil {
		return toolErr(err.Error())
	}
	b, err := os.ReadFile(new)
	if err != nil {
		return toolErr(err.Error())
	}

	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	s := 0
	for s < len(a)-p && s < len(b)-p && a[len(a)-1-s] == b[len(b)-1-s] {
		s++
	}

	var d bytes.Buffer
	fmt.Fprintf(&d, "%s %d %d %d\n", magic, len(a), p, s)
	d.Write(b[p : len(b)-s])
	if err := os.WriteFile(out, d.Bytes(), 0600); err != nil {
		return toolErr(err.Error())
	}
	return nil
}

func (e *Engine) ApplyDiff(ctx context.Context, base, diff, out string) error {
	atomic.AddInt64(&e.applies, 1)
	e.sleep()

	if e.FailApply != "" {
		return toolErr(e.FailApply)
	}
	a, err := os.ReadFile(base)
	if err != nil {
		return toolErr(err.Error())
	}
	d, err := os.ReadFile(diff)
	if err != nil {
		return toolErr(err.Error())
	}

	nl := bytes.IndexByte(d, '\n')
	if nl < 0 {
		return toolErr("corrupt diff")
	}
	var baseLen, p, s int
	if n, err := fmt.Sscanf(string(d[:nl]), magic+" %d %d %d", &baseLen, &p, &s); n != 3 || err != nil {
		return toolErr("corrupt diff")
	}
	if baseLen != len(a) || p < 0 || s < 0 || p+s > len(a) {
		return toolErr(fmt.Sprintf("diff doesn't match base (%d bytes, expected %d)", len(a), baseLen))
	}

	var r bytes.Buffer
	r.Write(a[:p])
	r.Write(d[nl+1:])
	r.Write(a[len(a)-s:])
	if err := os.WriteFile(out, r.Bytes(), 0600); err != nil {
		return toolErr(err.Error())
	}
	return nil
}

func (e *Engine) sleep() {
	if e.Delay > 0 {
		time.Sleep(e.Delay)
	}
}

// Makes returns the number of MakeDiff calls so far.
func (e *Engine) Makes() int { return int(atomic.LoadInt64(&e.makes)) }

// Applies returns the number of ApplyDiff calls so far.
func (e *Engine) Applies() int { return int(atomic.LoadInt64(&e.applies)) }

// Compressions returns the compression argument of every MakeDiff call.
func (e *Engine) Compressions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.compressions...)
}
