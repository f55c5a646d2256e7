package spool

import (
	"path/filepath"
	"testing"

	"tailsource/internal/record"
)

func TestWriteLoadClearRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "spool.bin"))

	batch := []record.Record{
		{Raw: []byte("line one"), Headers: map[string]string{"k": "v"}, Path: "/a.log", StartOffset: 0},
		{Raw: []byte("line two"), Path: "/a.log", StartOffset: 9},
	}
	if err := s.Write(batch); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 || string(loaded[0].Raw) != "line one" || string(loaded[1].Raw) != "line two" {
		t.Fatalf("got %+v", loaded)
	}
	if loaded[0].Headers["k"] != "v" {
		t.Fatalf("expected header to survive round trip, got %+v", loaded[0].Headers)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	loaded, err = s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Fatalf("expected nil after clear, got %+v", loaded)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "missing.bin"))
	loaded, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Fatalf("expected nil, got %+v", loaded)
	}
}
