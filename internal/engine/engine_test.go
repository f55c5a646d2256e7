package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"tailsource/internal/channel"
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

func TestProcessReadsAndCommitsRecords(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "logs", "a.log"), "one\ntwo\n")

	ch := channel.NewMemory()
	flat := map[string]string{
		"positionFile":  filepath.Join(dir, "position.json"),
		"filegroups":    "g1",
		"filegroups.g1": filepath.Join(dir, "logs", "*.log"),
	}
	e, err := Configure(context.Background(), flat, ch, nil)
	if err != nil {
		t.Fatal(err)
	}

	status, err := e.Process()
	if err != nil {
		t.Fatal(err)
	}
	if status != Ready {
		t.Fatalf("status = %v, want Ready", status)
	}
	if len(ch.Records) != 2 {
		t.Fatalf("expected 2 committed records, got %d: %+v", len(ch.Records), ch.Records)
	}

	status, err = e.Process()
	if err != nil {
		t.Fatal(err)
	}
	if status != Backoff {
		t.Fatalf("second cycle status = %v, want Backoff (no new data)", status)
	}
}

// Scenario 3 (§8): per-group header overlays are applied independently.
func TestProcessPerGroupHeaders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "f1.log"), "a\nb\n")
	writeFile(t, filepath.Join(dir, "f2.log"), "c\nd\n")
	writeFile(t, filepath.Join(dir, "f3.log"), "e\nf\n")

	ch := channel.NewMemory()
	flat := map[string]string{
		"positionFile":          filepath.Join(dir, "position.json"),
		"filegroups":            "f1 f2 f3",
		"filegroups.f1":         filepath.Join(dir, "f1.log"),
		"filegroups.f2":         filepath.Join(dir, "f2.log"),
		"filegroups.f3":         filepath.Join(dir, "f3.log"),
		"headers.f1.headerKeyTest":  "value1",
		"headers.f2.headerKeyTest":  "value2",
		"headers.f2.headerKeyTest2": "value2-2",
	}
	e, err := Configure(context.Background(), flat, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Process(); err != nil {
		t.Fatal(err)
	}

	for _, rec := range ch.Records {
		switch filepath.Base(rec.Path) {
		case "f1.log":
			if rec.Headers["headerKeyTest"] != "value1" || len(rec.Headers) != 1 {
				t.Errorf("f1 headers = %+v", rec.Headers)
			}
		case "f2.log":
			if rec.Headers["headerKeyTest"] != "value2" || rec.Headers["headerKeyTest2"] != "value2-2" {
				t.Errorf("f2 headers = %+v", rec.Headers)
			}
		case "f3.log":
			if len(rec.Headers) != 0 {
				t.Errorf("f3 headers = %+v, want none", rec.Headers)
			}
		}
	}
}

// Scenario 5 (§8): the path header carries the absolute file path under the
// configured key.
func TestProcessPathHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file1")
	writeFile(t, path, "only line\n")

	ch := channel.NewMemory()
	flat := map[string]string{
		"positionFile":  filepath.Join(dir, "position.json"),
		"filegroups":    "g1",
		"filegroups.g1": path,
		"fileHeader":    "true",
		"fileHeaderKey": "path",
	}
	e, err := Configure(context.Background(), flat, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Process(); err != nil {
		t.Fatal(err)
	}
	if len(ch.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(ch.Records))
	}
	if ch.Records[0].Headers["path"] != path {
		t.Errorf("path header = %q, want %q", ch.Records[0].Headers["path"], path)
	}
}

func TestProcessPersistsOffsetsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "one\n")

	flat := map[string]string{
		"positionFile":  filepath.Join(dir, "position.json"),
		"filegroups":    "g1",
		"filegroups.g1": path,
	}

	ch := channel.NewMemory()
	e, err := Configure(context.Background(), flat, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Process(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}

	appendFile(t, path, "two\n")

	ch2 := channel.NewMemory()
	e2, err := Configure(context.Background(), flat, ch2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e2.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := e2.Process(); err != nil {
		t.Fatal(err)
	}
	if err := e2.Stop(); err != nil {
		t.Fatal(err)
	}

	if len(ch2.Records) != 1 || string(ch2.Records[0].Raw) != "two" {
		t.Fatalf("expected only 'two' to be re-emitted after restart, got %+v", ch2.Records)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}
