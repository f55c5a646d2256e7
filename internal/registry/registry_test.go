package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tailsource/internal/matcher"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileOpensNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "one\ntwo\n")

	r := New(Config{})
	dirty, err := r.Reconcile(
		[]matcher.Match{{Path: filepath.Join(dir, "a.log"), Group: "g"}},
		map[string]Group{"g": {Name: "g", Headers: map[string]string{"k": "v"}}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 1 {
		t.Fatalf("expected 1 dirty entry, got %d", len(dirty))
	}
	recs, err := dirty[0].Tail.ReadEvents(10, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

// Scenario 4 (§8): consumption order follows mtime, not discovery order.
func TestConsumptionOrderByMtime(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, 4)
	base := time.Now().Add(-1 * time.Hour)
	for i := 0; i < 4; i++ {
		p := filepath.Join(dir, "file"+string(rune('1'+i)))
		writeFile(t, p, "line\n")
		mtime := base.Add(time.Duration(i) * time.Second)
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
		paths[i] = p
	}
	// Touch file3 (index 2) so its mtime becomes the latest of all four.
	latest := base.Add(10 * time.Second)
	if err := os.Chtimes(paths[2], latest, latest); err != nil {
		t.Fatal(err)
	}

	r := New(Config{})
	var matches []matcher.Match
	for _, p := range paths {
		matches = append(matches, matcher.Match{Path: p, Group: "g"})
	}
	dirty, err := r.Reconcile(matches, map[string]Group{"g": {Name: "g"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 4 {
		t.Fatalf("expected 4 dirty entries, got %d", len(dirty))
	}
	gotOrder := make([]string, 4)
	for i, e := range dirty {
		gotOrder[i] = filepath.Base(e.Path)
	}
	want := []string{"file1", "file2", "file4", "file3"}
	for i := range want {
		if gotOrder[i] != want[i] {
			t.Fatalf("order = %v, want %v", gotOrder, want)
		}
	}
}

func TestTruncationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "0123456789\n")

	r := New(Config{})
	dirty, err := r.Reconcile([]matcher.Match{{Path: path, Group: "g"}}, map[string]Group{"g": {Name: "g"}})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := dirty[0].Tail.ReadEvents(10, false, false)
	if err != nil || len(recs) != 1 {
		t.Fatalf("recs=%+v err=%v", recs, err)
	}
	dirty[0].Tail.Promote()
	if dirty[0].Tail.Pos() == 0 {
		t.Fatal("expected non-zero pos before truncation")
	}

	writeFile(t, path, "x\n")
	dirty, err = r.Reconcile([]matcher.Match{{Path: path, Group: "g"}}, map[string]Group{"g": {Name: "g"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 1 {
		t.Fatalf("expected truncated file to be dirty, got %d", len(dirty))
	}
	if dirty[0].Tail.Pos() != 0 {
		t.Fatalf("expected pos reset to 0 after truncation, got %d", dirty[0].Tail.Pos())
	}
	recs, err = dirty[0].Tail.ReadEvents(10, false, false)
	if err != nil || len(recs) != 1 || string(recs[0].Raw) != "x" {
		t.Fatalf("recs=%+v err=%v", recs, err)
	}
}

func TestIdleEvictionAfterGoingMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "one\n")

	r := New(Config{IdleTimeout: 10 * time.Millisecond})
	dirty, err := r.Reconcile([]matcher.Match{{Path: path, Group: "g"}}, map[string]Group{"g": {Name: "g"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 1 {
		t.Fatalf("expected 1 dirty entry, got %d", len(dirty))
	}
	if len(r.Entries()) != 1 {
		t.Fatal("expected file to be tracked")
	}

	// File no longer appears in the matched set.
	if _, err := r.Reconcile(nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(r.Entries()) != 1 {
		t.Fatal("expected file to remain tracked before idle timeout elapses")
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := r.Reconcile(nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(r.Entries()) != 0 {
		t.Fatal("expected file to be evicted after idle timeout")
	}
}

func TestOpenFileBudgetEviction(t *testing.T) {
	dir := t.TempDir()
	var matches []matcher.Match
	for i := 0; i < 5; i++ {
		p := filepath.Join(dir, "file"+string(rune('0'+i)))
		writeFile(t, p, "x\n")
		matches = append(matches, matcher.Match{Path: p, Group: "g"})
	}

	r := New(Config{OpenFileBudget: 2})
	if _, err := r.Reconcile(matches, map[string]Group{"g": {Name: "g"}}); err != nil {
		t.Fatal(err)
	}

	openCount := 0
	for _, e := range r.Entries() {
		if e.Tail.IsOpen() {
			openCount++
		}
	}
	if openCount > 2 {
		t.Fatalf("expected at most 2 open handles, got %d", openCount)
	}
}
