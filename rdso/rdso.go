// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso protects generation baselines with Reed-Solomon parity,
// based on github.com/klauspost/reedsolomon. A baseline is the one file
// every diff in its generation depends on, so losing a few bytes of it
// would lose the whole generation; the .rs sidecar written next to it
// allows corrupt regions to be detected and rebuilt.
package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
	"github.com/mmp/genbk/errs"
	u "github.com/mmp/genbk/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrFileCorrupt   = errors.New("file is corrupt")
	ErrUnrecoverable = errors.New("too much damage to recover file")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// Suffix is appended to a file's name to name its parity sidecar.
const Suffix = ".rs"

// SidecarPath returns the parity file path for fn.
func SidecarPath(fn string) string {
	return fn + Suffix
}

// Params controls how a file is sharded.
type Params struct {
	DataShards   int
	ParityShards int
	// HashRate is the granularity, in bytes, at which shards are hashed
	// and therefore at which damage is located.
	HashRate int64
}

var DefaultParams = Params{DataShards: 17, ParityShards: 3, HashRate: 1024 * 1024}

func (p Params) validate() error {
	if p.DataShards <= 0 || p.ParityShards <= 0 || p.HashRate <= 0 {
		return fmt.Errorf("invalid parity parameters %+v", p)
	}
	return nil
}

// sidecar is the gob-encoded contents of a .rs file.
type sidecar struct {
	FileSize                   int64
	FileHash                   Hash
	NDataShards, NParityShards int
	HashRate                   int64
	// First the data shard hashes, then the parity ones; one per
	// HashRate-sized chunk of each shard.
	Hashes       [][]Hash
	ParityShards [][]byte
}

// EncodeFile computes parity for fn and writes it to rsfn. The sidecar is
// written under a hidden name and renamed into place.
func EncodeFile(fn, rsfn string, p Params) error {
	if err := p.validate(); err != nil {
		return err
	}

	data, err := os.ReadFile(fn)
	if err != nil {
		return errs.IO("read", fn, err)
	}

	rs := sidecar{
		FileSize:      int64(len(data)),
		FileHash:      HashBytes(data),
		NDataShards:   p.DataShards,
		NParityShards: p.ParityShards,
		HashRate:      p.HashRate,
	}

	dataShards := splitShards(data, p.DataShards)
	for i := 0; i < p.ParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(p.DataShards, p.ParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err := enc.Encode(allShards); err != nil {
		return err
	}
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return fmt.Errorf("%s: parity verification failed: %v", fn, err)
	}

	for _, s := range allShards {
		rs.Hashes = append(rs.Hashes, hashChunks(chunk(s, p.HashRate)))
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rs); err != nil {
		return err
	}
	return writeAtomic(rsfn, buf.Bytes())
}

// CheckFile verifies fn against its parity file. It returns
// ErrFileCorrupt if any region doesn't match.
func CheckFile(fn, rsfn string) error {
	_, bad, err := load(fn, rsfn)
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%s: %d damaged region(s): %w", fn, bad, ErrFileCorrupt)
	}
	return nil
}

// RestoreFile reconstructs fn using its parity file and writes the
// repaired contents to out. The result is checked against the hash of
// the original before it's written.
func RestoreFile(fn, rsfn, out string) error {
	st, bad, err := load(fn, rsfn)
	if err != nil {
		return err
	}
	if bad > 0 {
		log.Warning("%s: repairing %d damaged region(s)", fn, bad)
		if err := st.reconstruct(); err != nil {
			return fmt.Errorf("%s: %w", fn, err)
		}
	}

	var restored bytes.Buffer
	w := &limitedWriter{&restored, st.rs.FileSize}
	for _, s := range st.dataShards {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	if HashBytes(restored.Bytes()) != st.rs.FileHash {
		return fmt.Errorf("%s: %w", fn, ErrUnrecoverable)
	}
	return writeAtomic(out, restored.Bytes())
}

///////////////////////////////////////////////////////////////////////////

type state struct {
	rs         sidecar
	dataShards [][]byte
	// chunks[shard][chunk] is nil for damaged chunks.
	chunks [][][]byte
}

// load reads fn and its sidecar and marks every chunk whose hash doesn't
// match. It returns the number of damaged chunks.
func load(fn, rsfn string) (*state, int, error) {
	rs, err := readSidecar(rsfn)
	if err != nil {
		return nil, 0, err
	}
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, 0, errs.IO("read", fn, err)
	}

	st := &state{rs: rs}
	if int64(len(data)) != rs.FileSize {
		// Truncated or extended; pad or cut so that the shard layout
		// still lines up and let the hashes find the damage.
		log.Warning("%s: size %d, expected %d", fn, len(data), rs.FileSize)
		resized := make([]byte, rs.FileSize)
		copy(resized, data)
		data = resized
	}
	st.dataShards = splitShards(data, rs.NDataShards)

	for _, s := range st.dataShards {
		st.chunks = append(st.chunks, chunk(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		st.chunks = append(st.chunks, chunk(s, rs.HashRate))
	}
	if len(st.chunks) != len(rs.Hashes) {
		return nil, 0, fmt.Errorf("%s: malformed parity file", rsfn)
	}

	bad := 0
	for s := range st.chunks {
		if len(st.chunks[s]) != len(rs.Hashes[s]) {
			return nil, 0, fmt.Errorf("%s: malformed parity file", rsfn)
		}
		for c := range st.chunks[s] {
			if HashBytes(st.chunks[s][c]) != rs.Hashes[s][c] {
				if s < rs.NDataShards {
					log.Verbose("%s: data shard %d chunk %d mismatch", fn, s, c)
				} else {
					log.Verbose("%s: parity shard %d chunk %d mismatch", fn, s-rs.NDataShards, c)
				}
				st.chunks[s][c] = nil
				bad++
			}
		}
	}
	return st, bad, nil
}

func (st *state) reconstruct() error {
	enc, err := reedsolomon.New(st.rs.NDataShards, st.rs.NParityShards)
	if err != nil {
		return err
	}

	nChunks := len(st.chunks[0])
	for c := 0; c < nChunks; c++ {
		missing := 0
		var recon [][]byte
		for _, s := range st.chunks {
			recon = append(recon, s[c])
			if s[c] == nil {
				missing++
			}
		}
		if missing == 0 {
			continue
		}
		if missing > st.rs.NParityShards {
			return ErrUnrecoverable
		}
		if err := enc.Reconstruct(recon); err != nil {
			return err
		}
		for s := 0; s < st.rs.NDataShards; s++ {
			copy(st.dataShards[s][int64(c)*st.rs.HashRate:], recon[s])
		}
	}
	return nil
}

// splitShards splits data into n equally sized shards, zero padding the
// end of the last one.
func splitShards(data []byte, n int) [][]byte {
	size := (int64(len(data)) + int64(n) - 1) / int64(n)
	if size == 0 {
		size = 1
	}
	buf := make([]byte, int64(n)*size)
	copy(buf, data)

	var shards [][]byte
	for i := 0; i < n; i++ {
		shards = append(shards, buf[int64(i)*size:int64(i+1)*size])
	}
	return shards
}

// chunk splits b into pieces of at most size bytes.
func chunk(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hashChunks(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

func readSidecar(fn string) (sidecar, error) {
	var rs sidecar
	f, err := os.Open(fn)
	if err != nil {
		return rs, errs.IO("open", fn, err)
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&rs); err != nil {
		return rs, fmt.Errorf("%s: %w", fn, err)
	}
	if rs.NDataShards <= 0 || rs.NParityShards <= 0 || rs.HashRate <= 0 {
		return rs, fmt.Errorf("%s: malformed parity file", fn)
	}
	return rs, nil
}

func writeAtomic(fn string, data []byte) error {
	dir, name := filepath.Split(fn)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, u.PartialPrefix+name+".partial-*")
	if err != nil {
		return errs.IO("create", fn, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.IO("write", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.IO("sync", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return errs.IO("close", tmp.Name(), err)
	}
	return errs.IO("rename", fn, os.Rename(tmp.Name(), fn))
}
