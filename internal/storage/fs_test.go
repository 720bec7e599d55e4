package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempRoot(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempRoot(t)
	content := []byte(`{"cells": []}`)
	if err := s.Write("nb.ipynb", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("nb.ipynb")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempRoot(t)
	if err := s.Write("a/b/c.html", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.html")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("del.html", []byte("bye"))
	if err := s.Delete("del.html"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.html"); err == nil {
		t.Error("expected error reading deleted file")
	}
	if err := s.Delete("del.html"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestList_FiltersAndSkipsCheckpoints(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("a.ipynb", []byte("a"))
	_ = s.Write("sub/b.ipynb", []byte("b"))
	_ = s.Write(".ipynb_checkpoints/a-checkpoint.ipynb", []byte("old"))
	_ = s.Write("readme.md", []byte("not a notebook"))

	items, err := s.List("", ".ipynb")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(items), items)
	}
	for _, it := range items {
		if strings.Contains(it.Path, "checkpoint") {
			t.Errorf("checkpoint listed: %s", it.Path)
		}
		if it.Checksum == "" {
			t.Errorf("missing checksum for %s", it.Path)
		}
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempRoot(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.html",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("atomic.ipynb", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("atomic.ipynb", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.ipynb")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.Root(), tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp(t.TempDir(), "nbfolio-test-*")
	_ = f.Close()
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestOpen_CreatesRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots", "nested")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Write("x.html", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
}
