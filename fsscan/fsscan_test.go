package fsscan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanDirCollectsTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "project")
	files := map[string]string{
		"main.go":           "package main",
		"docs/guide.md":     "# guide",
		"docs/img/logo.png": "png bytes",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	tree, err := ScanDir(root)
	if err != nil {
		t.Fatalf("ScanDir failed: %v", err)
	}
	if tree.FolderName != "project" {
		t.Fatalf("expected folder name project, got %q", tree.FolderName)
	}
	if len(tree.Entries) != len(files) {
		t.Fatalf("expected %d entries, got %d", len(files), len(tree.Entries))
	}

	var total int64
	seen := make(map[string]bool)
	for _, entry := range tree.Entries {
		seen[entry.RelativePath] = true
		total += entry.Size
	}
	for rel, content := range files {
		key := "project/" + rel
		if !seen[key] {
			t.Fatalf("missing entry %q, got %v", key, seen)
		}
		_ = content
	}
	if total != tree.TotalBytes {
		t.Fatalf("TotalBytes %d does not match entry sum %d", tree.TotalBytes, total)
	}
}

func TestScanDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ScanDir(path); err == nil {
		t.Fatalf("expected error for non-directory")
	}
}

func TestScanDirEmpty(t *testing.T) {
	tree, err := ScanDir(t.TempDir())
	if err != nil {
		t.Fatalf("ScanDir failed: %v", err)
	}
	if len(tree.Entries) != 0 || tree.TotalBytes != 0 {
		t.Fatalf("expected empty tree, got %+v", tree)
	}
}

func TestHashFileMatchesStreamingHasher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	content := []byte("some file content worth hashing")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	fromFile, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if len(fromFile) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(fromFile))
	}

	hasher := NewHasher()
	if _, err := hasher.Write(content[:10]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := hasher.Write(content[10:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := hasher.Sum(); got != fromFile {
		t.Fatalf("streaming hash %q != file hash %q", got, fromFile)
	}
}

func TestHashFileDistinguishesContent(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a")
	pathB := filepath.Join(dir, "b")
	if err := os.WriteFile(pathA, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(pathB, []byte("two"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	hashA, err := HashFile(pathA)
	if err != nil {
		t.Fatalf("HashFile a failed: %v", err)
	}
	hashB, err := HashFile(pathB)
	if err != nil {
		t.Fatalf("HashFile b failed: %v", err)
	}
	if hashA == hashB {
		t.Fatalf("different content must hash differently")
	}
}
