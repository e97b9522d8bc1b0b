// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmp/genbk/diff/difftest"
	"github.com/mmp/genbk/errs"
	"github.com/mmp/genbk/generation"
	"github.com/mmp/genbk/mirror"
	"github.com/mmp/genbk/rdso"
	"golang.org/x/sync/errgroup"
)

// clock hands out times step apart, starting at 2024-03-01 12:00:00.
type clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newClock(step time.Duration) *clock {
	return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local), step: step}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

type fixture struct {
	dir, work, root, tmp string
	eng                  *difftest.Engine
	b                    *Backuper
}

func newFixture(t *testing.T, contents []byte) *fixture {
	f := &fixture{dir: t.TempDir(), tmp: t.TempDir(), eng: &difftest.Engine{}}
	f.work = filepath.Join(f.dir, "doc.txt")
	f.root = filepath.Join(f.dir, "cg_backup_doc")
	f.write(t, contents)

	clk := newClock(time.Second)
	f.b = New(f.eng)
	f.b.Now = clk.Now
	f.b.Resolver = &generation.Resolver{Now: clk.Now, ClaimWait: 10 * time.Second}
	return f
}

func (f *fixture) write(t *testing.T, contents []byte) {
	if err := os.WriteFile(f.work, contents, 0600); err != nil {
		t.Fatalf("%v", err)
	}
}

func (f *fixture) opts(threshold float64) Options {
	return Options{Threshold: threshold, TempDir: f.tmp}
}

func (f *fixture) backup(t *testing.T, threshold float64) Result {
	res, err := f.b.BackupOrDiff(context.Background(), f.work, "", "", "zstd", f.opts(threshold))
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	return res
}

func (f *fixture) checkTempEmpty(t *testing.T) {
	entries, err := os.ReadDir(f.tmp)
	if err != nil {
		t.Fatalf("%v", err)
	}
	for _, e := range entries {
		t.Errorf("%s: left behind in temp dir", e.Name())
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func readFile(t *testing.T, path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return b
}

// diffsIn returns the names of the diff artifacts in dir.
func diffsIn(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("%v", err)
	}
	var d []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".diff") {
			d = append(d, e.Name())
		}
	}
	return d
}

func listGenerations(t *testing.T, root string) []generation.Generation {
	gens, err := generation.List(root)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return gens
}

///////////////////////////////////////////////////////////////////////////
// Rotation policy

func TestShouldRotate(t *testing.T) {
	for _, c := range []struct {
		base, diff int64
		threshold  float64
		rotate     bool
	}{
		{0, 0, 0.8, false},
		{0, 1 << 30, 0.8, false},
		{0, 5, 0.0001, false},
		{100, 81, 0.8, true},
		{100, 80, 0.8, false},
		{100, 79, 0.8, false},
		{100, 81, 0, true},
		{100, 80, -1, false},
		{100, 81, math.NaN(), true},
		{100, 80, math.Inf(1), false},
		{1000, 101, 0.1, true},
		{1000, 100, 0.1, false},
	} {
		if got := ShouldRotate(c.base, c.diff, c.threshold); got != c.rotate {
			t.Errorf("ShouldRotate(%d, %d, %g) = %v", c.base, c.diff, c.threshold, got)
		}
	}
}

func TestEffectiveThreshold(t *testing.T) {
	for in, out := range map[float64]float64{0: 0.8, -3: 0.8, 0.5: 0.5, 2: 2} {
		if got := EffectiveThreshold(in); got != out {
			t.Errorf("EffectiveThreshold(%g) = %g, expected %g", in, got, out)
		}
	}
	if EffectiveThreshold(math.NaN()) != DefaultThreshold {
		t.Errorf("NaN threshold not defaulted")
	}
}

func TestRotateFloor(t *testing.T) {
	if shouldRotateFile(MinRotateSize-1, 10*MinRotateSize, 0.0001) {
		t.Errorf("rotated a file under the size floor")
	}
	if shouldRotateFile(MinRotateSize, MinRotateSize, 0.5) {
		t.Errorf("rotated a file of exactly the size floor")
	}
	if !shouldRotateFile(MinRotateSize+1, MinRotateSize, 0.5) {
		t.Errorf("didn't rotate just above the size floor")
	}
}

///////////////////////////////////////////////////////////////////////////
// Targets and artifacts

func TestResolveTarget(t *testing.T) {
	work := filepath.Join("/home", "u", "notes.md")

	tg := ResolveTarget(work, "")
	if tg.Route != RouteAuto || tg.ProjectRoot != filepath.Join("/home", "u", "cg_backup_notes") {
		t.Errorf("default target %+v", tg)
	}
	if d := DefaultDir(filepath.Join("/x", ".bashrc")); d != filepath.Join("/x", "cg_backup_.bashrc") {
		t.Errorf("DefaultDir of dotfile: %s", d)
	}

	tg = ResolveTarget(work, "/backups/notes/")
	if tg.Route != RouteAuto || tg.ProjectRoot != "/backups/notes" {
		t.Errorf("custom root %+v", tg)
	}

	tg = ResolveTarget(work, "/backups/notes/base4_20240101_000000")
	if tg.Route != RouteManual || tg.Index != 4 || tg.ProjectRoot != "/backups/notes" ||
		tg.Dir != "/backups/notes/base4_20240101_000000" {
		t.Errorf("manual target %+v", tg)
	}

	tg = ResolveTarget(work, "/backups/notes/basement")
	if tg.Route != RouteManual || tg.Index != 0 {
		t.Errorf("unparseable manual target %+v", tg)
	}
}

func TestArtifacts(t *testing.T) {
	name := ArtifactName("doc.txt", "20240301_120000", 0, "hdiff")
	if name != "doc.txt.20240301_120000.hdiff.diff" {
		t.Fatalf("name %s", name)
	}
	a, ok := ParseArtifact("/some/dir/" + name)
	if !ok || a.Stem != "doc.txt" || a.Seq != 0 || a.Algo != "hdiff" || a.Time.Hour() != 12 {
		t.Errorf("parsed %+v %v", a, ok)
	}

	name = ArtifactName("my.file.tar", "20240301_120000", 3, "hdiff")
	a, ok = ParseArtifact(name)
	if !ok || a.Stem != "my.file.tar" || a.Seq != 3 || a.Name() != name {
		t.Errorf("parsed %+v %v", a, ok)
	}

	a, ok = ParseArtifact("doc.txt.20230101_000000.diff")
	if !ok || a.Stem != "doc.txt" || a.Algo != "" || a.Name() != "doc.txt.20230101_000000.diff" {
		t.Errorf("unmarked parsed %+v %v", a, ok)
	}

	for _, bad := range []string{"doc.txt", "doc.txt.base", "doc.txt.2024.hdiff.diff", "doc.txt.patch"} {
		if _, ok := ParseArtifact(bad); ok {
			t.Errorf("%s: parsed", bad)
		}
	}

	for path, f := range map[string]Format{
		"doc.txt.20240301_120000.hdiff.diff":   FormatCurrent,
		"doc.txt.20240301_120000-2.HDIFF.diff": FormatCurrent,
		"doc.txt.20240301_120000.bsdiff.diff":  FormatLegacy,
		"doc.txt.bsdiff.patch":                 FormatLegacy,
		"doc.txt.bsdiffx.patch":                FormatUnmarked,
		"doc.txt.bsdiff":                       FormatUnmarked,
		"doc.txt.hdiff.patch":                  FormatCurrent,
		"doc.txt.20240301_120000.diff":         FormatUnmarked,
		"doc.txt.patch":                        FormatUnmarked,
	} {
		if got := Classify(path); got != f {
			t.Errorf("Classify(%s) = %s, expected %s", path, got, f)
		}
	}
}

func TestInferBaseline(t *testing.T) {
	dir := t.TempDir()
	d := filepath.Join(dir, "old.txt.20240301_120000.hdiff.diff")

	// No baseline for the diff's stem: fall back to the working file's.
	if b := InferBaseline(d, "/elsewhere/new.txt"); b != filepath.Join(dir, "new.txt.base") {
		t.Errorf("fallback baseline %s", b)
	}

	if err := os.WriteFile(filepath.Join(dir, "old.txt.base"), nil, 0600); err != nil {
		t.Fatalf("%v", err)
	}
	if b := InferBaseline(d, "/elsewhere/new.txt"); b != filepath.Join(dir, "old.txt.base") {
		t.Errorf("stem baseline %s", b)
	}
	if b := InferBaseline(filepath.Join(dir, "x.patch"), "new.txt"); b != filepath.Join(dir, "new.txt.base") {
		t.Errorf("unmarked baseline %s", b)
	}
	for _, n := range []string{"old.txt.20230101_000000.diff", "old.txt.20230101_000000.patch"} {
		if b := InferBaseline(filepath.Join(dir, n), "new.txt"); b != filepath.Join(dir, "old.txt.base") {
			t.Errorf("%s: baseline %s", n, b)
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// BackupOrDiff

func TestFirstBackup(t *testing.T) {
	f := newFixture(t, []byte("hello, world\n"))
	res := f.backup(t, 0)

	if res.Target.Route != RouteAuto || res.Rotated || !res.BaselineInstalled {
		t.Errorf("result %+v", res)
	}
	gens := listGenerations(t, f.root)
	if len(gens) != 1 || gens[0].Index != 1 || gens[0].Name != "base1_20240301_120000" {
		t.Fatalf("generations %v", gens)
	}
	if b := readFile(t, gens[0].Baseline(f.work)); string(b) != "hello, world\n" {
		t.Errorf("baseline %q", b)
	}
	if d := diffsIn(t, gens[0].Path); len(d) != 1 || filepath.Join(gens[0].Path, d[0]) != res.Diff {
		t.Errorf("diffs %v, result %s", d, res.Diff)
	}
	if Classify(res.Diff) != FormatCurrent {
		t.Errorf("%s: not a current-format name", res.Diff)
	}
	if c := f.eng.Compressions(); len(c) != 1 || c[0] != "zstd" {
		t.Errorf("compressions %v", c)
	}
	f.checkTempEmpty(t)

	// More backups of a small file stay in the same generation no matter
	// how much it changes.
	f.write(t, []byte("completely different contents"))
	res = f.backup(t, 0.0001)
	if res.Rotated || res.BaselineInstalled || res.Generation.Index != 1 {
		t.Errorf("result %+v", res)
	}
	if d := diffsIn(t, gens[0].Path); len(d) != 2 {
		t.Errorf("diffs %v", d)
	}
	if g := listGenerations(t, f.root); len(g) != 1 {
		t.Errorf("generations %v", g)
	}
	f.checkTempEmpty(t)
}

func TestRotation(t *testing.T) {
	contents := randomBytes(200 * 1024)
	f := newFixture(t, contents)
	first := f.backup(t, 0)
	if first.Rotated || first.Generation.Index != 1 {
		t.Fatalf("first backup %+v", first)
	}

	contents[1000] ^= 0xff
	f.write(t, contents)
	res := f.backup(t, 0.0001)

	if !res.Rotated || !res.BaselineInstalled || res.Generation.Index != 2 {
		t.Fatalf("result %+v", res)
	}
	gens := listGenerations(t, f.root)
	if len(gens) != 2 || gens[1].Index != gens[0].Index+1 {
		t.Fatalf("generations %v", gens)
	}
	if d := diffsIn(t, gens[0].Path); len(d) != 1 {
		t.Errorf("old generation diffs %v", d)
	}
	if d := diffsIn(t, gens[1].Path); len(d) != 1 || filepath.Join(gens[1].Path, d[0]) != res.Diff {
		t.Errorf("new generation diffs %v", d)
	}
	if !bytes.Equal(readFile(t, gens[1].Baseline(f.work)), contents) {
		t.Errorf("new baseline doesn't match working file")
	}
	// Speculative diff plus the one against the new baseline.
	if f.eng.Makes() != 3 {
		t.Errorf("%d diffs made", f.eng.Makes())
	}
	f.checkTempEmpty(t)

	// Restoring from the new generation reproduces the file.
	out := filepath.Join(f.dir, "out")
	if err := f.b.Snapshot(context.Background(), f.work, res.Diff, out); err != nil {
		t.Fatalf("%v", err)
	}
	if !bytes.Equal(readFile(t, out), contents) {
		t.Errorf("snapshot mismatch")
	}
}

func TestRotationAdoptsConcurrentGeneration(t *testing.T) {
	contents := randomBytes(150 * 1024)
	f := newFixture(t, contents)
	f.backup(t, 0)

	// While the second backup is diffing, someone else rotates.
	other := filepath.Join(f.root, "base2_20240301_115959")
	f.eng.OnMake = func(call int) {
		if call == 2 {
			if err := os.Mkdir(other, 0700); err != nil {
				t.Errorf("%v", err)
			}
		}
	}
	contents[0] ^= 1
	f.write(t, contents)
	res := f.backup(t, 0.0001)

	if !res.Rotated || res.Generation.Path != other {
		t.Fatalf("result %+v", res)
	}
	gens := listGenerations(t, f.root)
	if len(gens) != 2 {
		t.Errorf("generations %v", gens)
	}
	if !bytes.Equal(readFile(t, filepath.Join(other, "doc.txt.base")), contents) {
		t.Errorf("adopted generation has no baseline")
	}
	if d := diffsIn(t, other); len(d) != 1 {
		t.Errorf("diffs %v", d)
	}
}

func TestManualRoute(t *testing.T) {
	contents := randomBytes(120 * 1024)
	f := newFixture(t, contents)
	ctx := context.Background()
	manual := filepath.Join(f.root, "base5_manual")

	res, err := f.b.BackupOrDiff(ctx, f.work, manual, "", "", f.opts(0))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if res.Target.Route != RouteManual || res.Generation.Path != manual || res.Generation.Index != 5 {
		t.Errorf("result %+v", res)
	}
	if !generation.HasPrefix(filepath.Base(filepath.Dir(res.Diff))) {
		t.Errorf("diff %s", res.Diff)
	}

	// Rotating out of a manual generation continues the root's numbering.
	contents[10] ^= 1
	f.write(t, contents)
	res, err = f.b.BackupOrDiff(ctx, f.work, manual, "", "", f.opts(0.0001))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !res.Rotated || res.Generation.Index != 6 || filepath.Dir(res.Generation.Path) != f.root {
		t.Errorf("result %+v", res)
	}

	// A manual directory whose index doesn't parse rotates to 1.
	odd := filepath.Join(t.TempDir(), "basement")
	res, err = f.b.BackupOrDiff(ctx, f.work, odd, "", "", f.opts(0.0001))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !res.Rotated || res.Generation.Index != 1 {
		t.Errorf("result %+v", res)
	}
}

func TestUnsupportedAlgo(t *testing.T) {
	f := newFixture(t, []byte("text"))
	_, err := f.b.BackupOrDiff(context.Background(), f.work, "", "bsdiff", "", f.opts(0))
	if !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	if _, err := os.Stat(f.root); !os.IsNotExist(err) {
		t.Errorf("backup root created: %v", err)
	}
	if f.eng.Makes() != 0 {
		t.Errorf("diff tool invoked")
	}
}

func TestMissingWorkFile(t *testing.T) {
	f := newFixture(t, nil)
	os.Remove(f.work)
	_, err := f.b.BackupOrDiff(context.Background(), f.work, "", "", "", f.opts(0))
	if !errors.Is(err, errs.ErrIO) {
		t.Errorf("expected i/o error, got %v", err)
	}
}

func TestToolFailure(t *testing.T) {
	f := newFixture(t, []byte("text"))
	f.eng.FailMake = "hdiffz: out of memory"

	_, err := f.b.BackupOrDiff(context.Background(), f.work, "", "", "", f.opts(0))
	var tf *errs.ToolFailed
	if !errors.As(err, &tf) || !errors.Is(err, errs.ErrToolFailed) {
		t.Fatalf("expected tool failure, got %v", err)
	}
	if err.Error() != "hdiffz: out of memory" {
		t.Errorf("message %q", err.Error())
	}
	for _, g := range listGenerations(t, f.root) {
		if d := diffsIn(t, g.Path); len(d) != 0 {
			t.Errorf("diffs committed: %v", d)
		}
	}
	f.checkTempEmpty(t)
}

func TestSameSecondCollision(t *testing.T) {
	f := newFixture(t, []byte("one"))
	f.b.Now = newClock(0).Now

	r1 := f.backup(t, 0)
	f.write(t, []byte("two"))
	r2 := f.backup(t, 0)

	if r1.Diff == r2.Diff {
		t.Fatalf("second diff overwrote the first")
	}
	a, ok := ParseArtifact(r2.Diff)
	if !ok || a.Seq != 1 {
		t.Errorf("second diff %s", r2.Diff)
	}
	out := filepath.Join(f.dir, "out")
	if err := f.b.Snapshot(context.Background(), f.work, r1.Diff, out); err != nil {
		t.Fatalf("%v", err)
	}
	if b := readFile(t, out); string(b) != "one" {
		t.Errorf("first diff restores %q", b)
	}
}

func TestConcurrentBackups(t *testing.T) {
	f := newFixture(t, []byte("shared contents"))
	f.eng.Delay = 20 * time.Millisecond
	// Every call sees the same second, so racing diffs collide by name.
	f.b.Now = newClock(0).Now

	var g errgroup.Group
	results := make([]Result, 2)
	for i := range results {
		i := i
		g.Go(func() error {
			var err error
			results[i], err = f.b.BackupOrDiff(context.Background(), f.work, "", "", "", f.opts(0))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("%v", err)
	}

	gens := listGenerations(t, f.root)
	if len(gens) != 1 || gens[0].Index != 1 {
		t.Fatalf("generations %v", gens)
	}
	entries, _ := os.ReadDir(gens[0].Path)
	baselines := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), generation.BaselineSuffix) {
			baselines++
		}
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover %s", e.Name())
		}
	}
	if baselines != 1 {
		t.Errorf("%d baselines", baselines)
	}
	if d := diffsIn(t, gens[0].Path); len(d) != 2 {
		t.Errorf("diffs %v", d)
	}
	if results[0].BaselineInstalled == results[1].BaselineInstalled {
		t.Errorf("baseline installed by both or neither: %+v", results)
	}
}

func TestMirrorAndParity(t *testing.T) {
	f := newFixture(t, randomBytes(10*1024))
	m := mirror.NewMemory()
	f.b.Mirror = m
	f.b.Parity = &rdso.Params{DataShards: 5, ParityShards: 2, HashRate: 4096}

	res := f.backup(t, 0)
	baseline := res.Generation.Baseline(f.work)
	if err := rdso.CheckFile(baseline, rdso.SidecarPath(baseline)); err != nil {
		t.Errorf("parity: %v", err)
	}

	names, err := m.List(context.Background(), "cg_backup_doc/")
	if err != nil {
		t.Fatalf("%v", err)
	}
	prefix := "cg_backup_doc/" + res.Generation.Name + "/"
	for _, n := range []string{"doc.txt.base", "doc.txt.base.rs", filepath.Base(res.Diff)} {
		if _, ok := names[prefix+n]; !ok {
			t.Errorf("%s not mirrored; have %v", n, names)
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Restore

// chain makes one backup per version and returns the diffs.
func chain(t *testing.T, f *fixture, versions ...string) []string {
	var d []string
	for _, v := range versions {
		f.write(t, []byte(v))
		d = append(d, f.backup(t, 0).Diff)
	}
	return d
}

// restore runs ApplyMultiDiff and checks that the working file was left
// alone.
func (f *fixture) restore(t *testing.T, d []string) (string, error) {
	before, _ := os.ReadFile(f.work)
	out, err := f.b.ApplyMultiDiff(context.Background(), f.work, d)
	if after, _ := os.ReadFile(f.work); !bytes.Equal(before, after) {
		t.Errorf("working file changed by restore: %q -> %q", before, after)
	}
	return out, err
}

func TestRestoredPath(t *testing.T) {
	tm := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	for _, c := range []struct {
		work string
		seq  int
		want string
	}{
		{filepath.Join("/d", "doc.txt"), 0, filepath.Join("/d", "doc_restored_20240301_120000.txt")},
		{filepath.Join("/d", "doc.txt"), 2, filepath.Join("/d", "doc_restored_20240301_120000-2.txt")},
		{filepath.Join("/d", "my.file.tar"), 0, filepath.Join("/d", "my.file_restored_20240301_120000.tar")},
		{filepath.Join("/d", "Makefile"), 0, filepath.Join("/d", "Makefile_restored_20240301_120000")},
		{filepath.Join("/d", ".bashrc"), 0, filepath.Join("/d", ".bashrc_restored_20240301_120000")},
	} {
		if got := RestoredPath(c.work, tm, c.seq); got != c.want {
			t.Errorf("RestoredPath(%s, %d) = %s, expected %s", c.work, c.seq, got, c.want)
		}
	}
}

func TestApplyMultiDiff(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "version one\n", "version two, longer\n", "3\n")

	var outs []string
	for i, want := range []string{"version one\n", "version two, longer\n", "3\n"} {
		f.write(t, []byte("scribbled over"))
		out, err := f.restore(t, d[:i+1])
		if err != nil {
			t.Fatalf("%d: %v", i, err)
		}
		if filepath.Dir(out) != f.dir || !strings.HasPrefix(filepath.Base(out), "doc"+RestoredInfix) ||
			filepath.Ext(out) != ".txt" {
			t.Errorf("%d: restored to %s", i, out)
		}
		if b := readFile(t, out); string(b) != want {
			t.Errorf("%d: restored %q, expected %q", i, b, want)
		}
		outs = append(outs, out)
	}
	// Earlier restored copies are never overwritten.
	if outs[0] == outs[1] || string(readFile(t, outs[0])) != "version one\n" {
		t.Errorf("restored copies %v", outs)
	}

	// Applying out of order leaves the copy at the last one given.
	out, err := f.restore(t, []string{d[2], d[0]})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if b := readFile(t, out); string(b) != "version one\n" {
		t.Errorf("restored %q", b)
	}

	if out, err := f.restore(t, nil); err != nil || out != "" {
		t.Errorf("empty chain: %q %v", out, err)
	}
}

func TestApplyKeepsLiveEdits(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "old version")
	f.write(t, []byte("unsaved live edits"))

	out, err := f.restore(t, d)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if b := readFile(t, f.work); string(b) != "unsaved live edits" {
		t.Errorf("working file %q", b)
	}
	if b := readFile(t, out); string(b) != "old version" {
		t.Errorf("restored %q", b)
	}
}

func TestApplyInPlace(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "old version")
	f.write(t, []byte("newer"))
	if err := f.b.ApplyMultiDiffTo(context.Background(), f.work, d, f.work); err != nil {
		t.Fatalf("%v", err)
	}
	if b := readFile(t, f.work); string(b) != "old version" {
		t.Errorf("working file %q", b)
	}
	if m, _ := filepath.Glob(filepath.Join(f.dir, "*"+RestoredInfix+"*")); len(m) != 0 {
		t.Errorf("restored copies %v", m)
	}
}

func TestApplyPreservesMode(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "contents")
	if err := os.Chmod(f.work, 0640); err != nil {
		t.Fatalf("%v", err)
	}
	out, err := f.restore(t, d)
	if err != nil {
		t.Fatalf("%v", err)
	}
	for _, fn := range []string{out, f.work} {
		fi, err := os.Stat(fn)
		if err != nil || fi.Mode().Perm() != 0640 {
			t.Errorf("%s: mode %v, %v", fn, fi.Mode(), err)
		}
	}
}

func TestApplyLegacyAborts(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "first", "second")
	legacy := filepath.Join(filepath.Dir(d[0]), "doc.txt.20240101_000000.bsdiff.diff")
	if err := os.WriteFile(legacy, []byte("BSDIFF40"), 0600); err != nil {
		t.Fatalf("%v", err)
	}

	f.write(t, []byte("current"))
	out, err := f.restore(t, []string{d[0], legacy, d[1]})
	var ce *errs.ChainError
	if !errors.As(err, &ce) || ce.Index != 1 || ce.Path != legacy {
		t.Fatalf("expected chain error at 1, got %v", err)
	}
	if !errors.Is(err, errs.ErrUnsupportedFormat) {
		t.Errorf("expected unsupported format, got %v", err)
	}
	// The first diff was applied and stays applied.
	if b := readFile(t, out); string(b) != "first" {
		t.Errorf("restored %q", b)
	}
}

func TestApplyUnmarked(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "marked")
	dir := filepath.Dir(d[0])

	unmarked := filepath.Join(dir, "doc.txt.patch")
	if err := os.WriteFile(unmarked, readFile(t, d[0]), 0600); err != nil {
		t.Fatalf("%v", err)
	}
	f.write(t, []byte("other"))
	out, err := f.restore(t, []string{unmarked})
	if err != nil {
		t.Fatalf("best-effort apply: %v", err)
	}
	if b := readFile(t, out); string(b) != "marked" {
		t.Errorf("restored %q", b)
	}

	garbage := filepath.Join(dir, "doc.txt.old")
	if err := os.WriteFile(garbage, []byte("not a diff"), 0600); err != nil {
		t.Fatalf("%v", err)
	}
	_, err = f.restore(t, []string{unmarked, garbage})
	var ce *errs.ChainError
	if !errors.As(err, &ce) || ce.Index != 1 {
		t.Fatalf("expected chain error at 1, got %v", err)
	}
	if !errors.Is(err, errs.ErrRecoveryFailed) || !errors.Is(err, errs.ErrToolFailed) {
		t.Errorf("expected recovery failure wrapping the tool's, got %v", err)
	}
}

func TestApplyRenamedWorkFile(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "before the rename")
	renamed := filepath.Join(f.dir, "renamed.txt")

	out, err := f.b.ApplyMultiDiff(context.Background(), renamed, d)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !strings.HasPrefix(filepath.Base(out), "renamed"+RestoredInfix) {
		t.Errorf("restored to %s", out)
	}
	if b := readFile(t, out); string(b) != "before the rename" {
		t.Errorf("restored %q", b)
	}
}

func TestApplyUnmarkedRenamedWorkFile(t *testing.T) {
	// Diffs written before algorithm markers: <file>.<timestamp>.diff.
	f := newFixture(t, nil)
	dir := t.TempDir()
	base := filepath.Join(dir, "doc.txt.base")
	if err := os.WriteFile(base, []byte("old baseline contents"), 0600); err != nil {
		t.Fatalf("%v", err)
	}
	f.write(t, []byte("old baseline, edited"))
	d := filepath.Join(dir, "doc.txt.20230101_000000.diff")
	if err := f.eng.MakeDiff(context.Background(), base, f.work, d, "zstd"); err != nil {
		t.Fatalf("%v", err)
	}
	if Classify(d) != FormatUnmarked {
		t.Fatalf("%s: classified as %s", d, Classify(d))
	}

	renamed := filepath.Join(f.dir, "renamed.txt")
	out, err := f.b.ApplyMultiDiff(context.Background(), renamed, []string{d})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if b := readFile(t, out); string(b) != "old baseline, edited" {
		t.Errorf("restored %q", b)
	}
}

func TestApplyMissingBaseline(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "contents")
	base := filepath.Join(filepath.Dir(d[0]), "doc.txt.base")
	if err := os.Remove(base); err != nil {
		t.Fatalf("%v", err)
	}
	f.write(t, []byte("untouched"))

	out, err := f.restore(t, d)
	if !errors.Is(err, errs.ErrIO) {
		t.Errorf("expected i/o error, got %v", err)
	}
	if strings.Count(err.Error(), base) != 1 {
		t.Errorf("path not named exactly once: %v", err)
	}
	if out != "" {
		t.Errorf("restored copy %s left behind", out)
	}
	if f.eng.Applies() != 0 {
		t.Errorf("patch tool invoked")
	}
}

func TestApplyRepairsBaseline(t *testing.T) {
	orig := randomBytes(20 * 1024)
	f := newFixture(t, orig)
	f.b.Parity = &rdso.Params{DataShards: 5, ParityShards: 2, HashRate: 4096}
	res := f.backup(t, 0)

	baseline := res.Generation.Baseline(f.work)
	damaged := append([]byte(nil), orig...)
	damaged[100] ^= 0xff
	if err := os.WriteFile(baseline, damaged, 0600); err != nil {
		t.Fatalf("%v", err)
	}

	f.write(t, nil)
	out, err := f.restore(t, []string{res.Diff})
	if err != nil {
		t.Fatalf("%v", err)
	}
	if !bytes.Equal(readFile(t, out), orig) {
		t.Errorf("restore used the damaged baseline")
	}
	if !bytes.Equal(readFile(t, baseline), damaged) {
		t.Errorf("baseline modified in place")
	}
	entries, _ := os.ReadDir(f.dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover %s", e.Name())
		}
	}
}

func TestApplyToolFailure(t *testing.T) {
	f := newFixture(t, nil)
	d := chain(t, f, "contents")
	f.write(t, []byte("untouched"))
	f.eng.FailApply = "hpatchz: bad diff"

	out, err := f.restore(t, d)
	if !errors.Is(err, errs.ErrToolFailed) || errors.Is(err, errs.ErrRecoveryFailed) {
		t.Errorf("expected plain tool failure, got %v", err)
	}
	if out != "" {
		t.Errorf("restored copy %s left behind", out)
	}
}

func TestHistory(t *testing.T) {
	contents := randomBytes(110 * 1024)
	f := newFixture(t, contents)
	f.backup(t, 0)
	contents[5] ^= 1
	f.write(t, contents)
	f.backup(t, 0)
	contents[6] ^= 1
	f.write(t, contents)
	f.backup(t, 0.0001)

	hist, err := History(f.root, f.work)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history %+v", hist)
	}
	if len(hist[0].Versions) != 2 || len(hist[1].Versions) != 1 {
		t.Errorf("versions %d, %d", len(hist[0].Versions), len(hist[1].Versions))
	}
	if !hist[0].Versions[0].Time.Before(hist[0].Versions[1].Time) {
		t.Errorf("versions out of order")
	}
	if hist[1].Baseline == "" || hist[1].BaselineSize != int64(len(contents)) {
		t.Errorf("baseline %q %d", hist[1].Baseline, hist[1].BaselineSize)
	}

	if h, err := History(filepath.Join(f.dir, "missing"), f.work); err != nil || len(h) != 0 {
		t.Errorf("missing root: %v %v", h, err)
	}
}

func TestHistoryFlatLayout(t *testing.T) {
	f := newFixture(t, []byte("generation contents"))
	f.backup(t, 0)

	// Older versions wrote straight into the root.
	for _, n := range []string{"doc.txt.base", "doc.txt.20230101_000000.diff", "doc.txt.20230102_000000.diff",
		"other.txt.20230101_000000.diff"} {
		if err := os.WriteFile(filepath.Join(f.root, n), []byte(n), 0600); err != nil {
			t.Fatalf("%v", err)
		}
	}

	hist, err := History(f.root, f.work)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if len(hist) != 2 || !hist[0].Flat || hist[1].Flat {
		t.Fatalf("history %+v", hist)
	}
	flat := hist[0]
	if flat.Index != 0 || flat.Path != f.root || flat.Baseline != filepath.Join(f.root, "doc.txt.base") {
		t.Errorf("flat entry %+v", flat)
	}
	if len(flat.Versions) != 2 || flat.Versions[0].Stamp != "20230101_000000" || flat.Versions[0].Algo != "" {
		t.Errorf("flat versions %+v", flat.Versions)
	}
	if len(hist[1].Versions) != 1 {
		t.Errorf("generation versions %+v", hist[1].Versions)
	}
}
