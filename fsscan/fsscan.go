// Package fsscan enumerates directory trees for folder transfers and
// computes content checksums.
package fsscan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Entry is one regular file inside a scanned tree. RelativePath is
// slash-separated and rooted at the folder name, so receivers can rebuild
// the tree under their download directory.
type Entry struct {
	SourcePath   string
	RelativePath string
	Size         int64
}

// Tree is the result of scanning one directory.
type Tree struct {
	FolderName string
	TotalBytes int64
	Entries    []Entry
}

// ScanDir walks root and collects every regular file in lexical order.
// Symlinks and other irregular entries are skipped.
func ScanDir(root string) (Tree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Tree{}, fmt.Errorf("stat folder: %w", err)
	}
	if !info.IsDir() {
		return Tree{}, errors.New("fsscan: path is not a directory")
	}

	tree := Tree{FolderName: filepath.Base(filepath.Clean(root))}

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		tree.Entries = append(tree.Entries, Entry{
			SourcePath:   path,
			RelativePath: filepath.ToSlash(filepath.Join(tree.FolderName, rel)),
			Size:         fi.Size(),
		})
		tree.TotalBytes += fi.Size()
		return nil
	})
	if err != nil {
		return Tree{}, fmt.Errorf("scan folder %q: %w", root, err)
	}

	return tree, nil
}

// Hasher accumulates file content for a checksum.
type Hasher struct {
	inner *blake3.Hasher
}

func NewHasher() *Hasher {
	return &Hasher{inner: blake3.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.inner.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.inner.Sum(nil))
}

// HashFile returns the hex blake3 digest of a file's content.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := NewHasher()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hasher.Sum(), nil
}
