// mirror/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker

package mirror

import (
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter doles out a per-second byte budget that is shared by all of the
// readers it wraps.
type Limiter struct {
	bytesPerSecond int

	mu        sync.Mutex
	cond      *sync.Cond
	available int

	ticker *time.Ticker
	done   chan struct{}
}

// NewLimiter returns a Limiter for the given rate, or nil for a rate of
// zero (unlimited). A nil *Limiter passes readers through unchanged.
func NewLimiter(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	l := &Limiter{
		bytesPerSecond: bytesPerSecond,
		// 1/8th of a second
		ticker: time.NewTicker(125 * time.Millisecond),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	go func() {
		for {
			select {
			case <-l.done:
				return
			case <-l.ticker.C:
			}

			l.mu.Lock()
			// An eighth of the budget per tick, less 6% for protocol
			// overhead, capped at one second's worth.
			l.available += l.bytesPerSecond * 94 / 100 / 8
			if l.available > l.bytesPerSecond {
				l.available = l.bytesPerSecond
			}
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
	return l
}

// Stop ends the Limiter's background goroutine.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.ticker.Stop()
	close(l.done)
}

// Reader wraps r so that reads from it consume the Limiter's budget.
func (l *Limiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return &rateLimitedReader{R: r, l: l}
}

// rateLimitedReader is an io.Reader implementation that returns no
// more bytes than the Limiter currently has available.
type rateLimitedReader struct {
	R io.Reader
	l *Limiter
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	l := lr.l

	l.mu.Lock()
	for l.available <= 0 {
		l.cond.Wait()
	}
	n := len(dst)
	if n > l.available {
		n = l.available
	}
	// Reserve n now so other readers see the reduced budget while this
	// one is blocked in Read.
	l.available -= n
	l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// Return what wasn't used.
		l.mu.Lock()
		l.available += n - read
		l.mu.Unlock()
	}

	return read, err
}
