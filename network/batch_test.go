package network

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFolderFixture(t *testing.T) (string, map[string][]byte) {
	t.Helper()

	root := filepath.Join(t.TempDir(), "album")
	contents := map[string][]byte{
		"readme.txt":          []byte("top level"),
		"photos/one.jpg":      []byte("first image bytes"),
		"photos/two.jpg":      []byte("second image bytes"),
		"notes/deep/plan.txt": []byte("nested note"),
	}
	for rel, data := range contents {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			t.Fatalf("mkdir fixture: %v", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return root, contents
}

func TestSendFolderEndToEnd(t *testing.T) {
	sender := newTestManager(t, "alice", &eventCollector{})
	received := &eventCollector{}
	receiver := newTestManager(t, "bob", received)
	linkManagers(sender, receiver)

	root, contents := writeFolderFixture(t)

	batchID, err := sender.SendFolder("bob", root)
	if err != nil {
		t.Fatalf("SendFolder failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		received.mu.Lock()
		defer received.mu.Unlock()
		return len(received.folders) == 1
	}, "folder delivery")

	received.mu.Lock()
	deliveredBatch := received.folders[0]
	received.mu.Unlock()
	if deliveredBatch != batchID {
		t.Fatalf("expected batch id %q, got %q", batchID, deliveredBatch)
	}

	for rel, want := range contents {
		target := filepath.Join(receiver.options.DownloadDir, "album", filepath.FromSlash(rel))
		got, err := os.ReadFile(target)
		if err != nil {
			t.Fatalf("read batch member %q: %v", rel, err)
		}
		if string(got) != string(want) {
			t.Fatalf("member %q content mismatch", rel)
		}
	}

	if files := received.receivedFiles(); len(files) != 0 {
		t.Fatalf("batch members must not fire the standalone file callback, got %d", len(files))
	}
}

func TestBatchEndWithMissingMembers(t *testing.T) {
	collector := &eventCollector{}
	receiver := newTestManager(t, "bob", collector)

	deliverControl(t, receiver, "alice", BatchStart{
		Type:       TypeBatchStart,
		BatchID:    "partial",
		FolderName: "docs",
		TotalFiles: 3,
		TotalBytes: 30,
	})

	meta := FileMetadata{
		Type:         TypeMeta,
		ID:           "m1",
		Name:         "a.txt",
		Size:         4,
		ChunkSize:    DefaultChunkSize,
		TotalChunks:  1,
		BatchID:      "partial",
		RelativePath: "docs/a.txt",
	}
	deliverControl(t, receiver, "alice", meta)
	deliverChunk(t, receiver, "alice", "m1", 0, []byte("data"))

	deliverControl(t, receiver, "alice", BatchEnd{Type: TypeBatchEnd, BatchID: "partial"})

	waitFor(t, 2*time.Second, func() bool {
		collector.mu.Lock()
		defer collector.mu.Unlock()
		return len(collector.folders) == 1
	}, "partial folder delivery")

	collector.mu.Lock()
	var final FolderProgress
	for _, p := range collector.folderPrg {
		if p.BatchID == "partial" {
			final = p
		}
	}
	collector.mu.Unlock()

	if final.Status != StatusCompleted {
		t.Fatalf("expected completed folder status, got %q", final.Status)
	}
	if final.CompletedFiles != 1 || final.TotalFiles != 3 {
		t.Fatalf("expected 1/3 completed files, got %d/%d", final.CompletedFiles, final.TotalFiles)
	}
	if final.Percent != 100 {
		t.Fatalf("finalized batch must report 100%%, got %f", final.Percent)
	}
}

func TestBatchEndForUnknownBatchDropped(t *testing.T) {
	collector := &eventCollector{}
	receiver := newTestManager(t, "bob", collector)

	deliverControl(t, receiver, "alice", BatchEnd{Type: TypeBatchEnd, BatchID: "nope"})

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.folders) != 0 {
		t.Fatalf("unknown batch-end must not deliver a folder")
	}
}

func TestBatchMemberWithoutBatchStartDeliveredStandalone(t *testing.T) {
	collector := &eventCollector{}
	receiver := newTestManager(t, "bob", collector)

	meta := FileMetadata{
		Type:         TypeMeta,
		ID:           "orphan",
		Name:         "stray.txt",
		Size:         4,
		ChunkSize:    DefaultChunkSize,
		TotalChunks:  1,
		BatchID:      "never-started",
		RelativePath: "lost/stray.txt",
	}
	deliverControl(t, receiver, "alice", meta)
	deliverChunk(t, receiver, "alice", "orphan", 0, []byte("data"))

	waitFor(t, 2*time.Second, func() bool {
		return len(collector.receivedFiles()) == 1
	}, "standalone fallback delivery")
}

func TestSendFolderRejectsNonDirectory(t *testing.T) {
	sender := newTestManager(t, "alice", &eventCollector{})
	injectPeer(sender, "bob", newFakeChannel())

	path, _ := writeTestFile(t, t.TempDir(), "plain.bin", 10)
	if _, err := sender.SendFolder("bob", path); err == nil {
		t.Fatalf("expected error for non-directory path")
	}
}

func TestSendFolderEmptyTree(t *testing.T) {
	sender := newTestManager(t, "alice", &eventCollector{})
	injectPeer(sender, "bob", newFakeChannel())

	if _, err := sender.SendFolder("bob", t.TempDir()); err == nil {
		t.Fatalf("expected error for folder with no files")
	}
}
