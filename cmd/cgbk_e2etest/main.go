// cmd/cgbk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// End-to-end test of the cgbk binary: a file is repeatedly edited and
// backed up (sometimes by several processes at once, sometimes killed
// partway through), and then every version that was backed up is restored
// and compared with what the file held at the time. Requires cgbk,
// hdiffz and hpatchz on the PATH.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

func main() {
	seed := os.Getpid()
	log.Printf("Seed %d", seed)
	rand.Seed(int64(seed))

	tmp, err := os.MkdirTemp("", "cgbk-e2e")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmp)
	log.Printf("Working in %s", tmp)

	os.Setenv("CGBK_DIR", filepath.Join(tmp, "backups"))
	os.Setenv("CGBK_CONFIG", filepath.Join(tmp, "none.yaml"))
	if randBool() {
		// Low enough that most backups of large files rotate.
		os.Setenv("CGBK_THRESHOLD", "0.05")
	}

	backupTest(filepath.Join(tmp, "doc.bin"), randBool(), 30)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(22) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	var mu sync.Mutex
	killed := false
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(10))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Printf("Kill error! %v", err)
			} else {
				log.Printf("Killed process successfully")
				mu.Lock()
				killed = true
				mu.Unlock()
			}
		})
	}

	err := cmd.Wait()
	mu.Lock()
	defer mu.Unlock()
	if killed {
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

// versions maps each committed diff to the contents it should restore.
var versions = make(map[string][]byte)

func backupTest(fn string, randomlyKill bool, iters int) {
	for i := 0; i < iters; i++ {
		if err := update(fn); err != nil {
			log.Fatalf("%s\n", err)
		}
		contents, err := os.ReadFile(fn)
		if err != nil {
			log.Fatal(err)
		}

		n := 1
		if randBool() {
			n = 2 + rand.Intn(3)
		}
		for _, d := range backup(fn, n, randomlyKill) {
			versions[d] = contents
		}

		if err := restoreAll(fn); err != nil {
			log.Fatalf("%s", err)
		}
		if _, err := runCommand("cgbk check", fn); err != nil {
			log.Fatalf("check: %s", err)
		}
	}
	log.Printf("%d versions restored correctly", len(versions))
}

// update edits the file at random: overwrite, append, truncate, or
// replace it entirely.
func update(fn string) error {
	if _, err := os.Stat(fn); os.IsNotExist(err) || rand.Intn(8) == 0 {
		b := make([]byte, expSize())
		_, _ = rand.Read(b)
		log.Printf("%s: new contents, length %d", fn, len(b))
		return os.WriteFile(fn, b, 0600)
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	// seek somewhere and write some stuff
	offset := int64(0)
	if stat.Size() > 0 {
		offset = rand.Int63n(stat.Size())
	}
	b := make([]byte, rand.Intn(4096))
	_, _ = rand.Read(b)
	if _, err := f.WriteAt(b, offset); err != nil {
		return err
	}
	log.Printf("%s: wrote %d bytes at offset %d", fn, len(b), offset)

	if randBool() && stat.Size() > 0 {
		sz := rand.Int63n(stat.Size())
		if err := f.Truncate(sz); err != nil {
			return err
		}
		log.Printf("%s: truncated at %d", fn, sz)
	}
	return nil
}

// backup runs n concurrent backups of fn and returns the diffs that the
// ones that weren't killed committed.
func backup(fn string, n int, randomlyKill bool) []string {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var diffs []string
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var out []byte
				var err error
				if randomlyKill {
					out, err = runButPossiblyKill("cgbk backup", fn)
				} else {
					out, err = runCommand("cgbk backup", fn)
				}
				if err == errKilled {
					continue
				}
				if err != nil {
					log.Fatalf("backup: %s", err)
				}
				d, err := committedDiff(out, fn)
				if err != nil {
					log.Fatal(err)
				}
				mu.Lock()
				diffs = append(diffs, d)
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()
	return diffs
}

// committedDiff finds the diff path in the output of cgbk backup.
func committedDiff(out []byte, fn string) (string, error) {
	for _, line := range strings.Split(string(out), "\n") {
		rest := strings.TrimPrefix(line, fn+": ")
		if i := strings.Index(rest, ".diff ("); i >= 0 {
			return rest[:i+len(".diff")], nil
		}
	}
	return "", fmt.Errorf("no diff in backup output %q", out)
}

func restoreAll(fn string) error {
	out := fn + ".restored"
	defer os.Remove(out)

	mismatches := 0
	for d, want := range versions {
		if _, err := runCommand("cgbk restore --out", out, fn, d); err != nil {
			return fmt.Errorf("%s: %v", d, err)
		}
		got, err := os.ReadFile(out)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			log.Printf("%s: restored %d bytes, expected %d", d, len(got), len(want))
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d version mismatches", mismatches)
	}
	return nil
}
