package network

import (
	"testing"
	"time"
)

func TestDeriveRate(t *testing.T) {
	progress := TransferProgress{BytesDone: 5000, TotalBytes: 10000}
	progress.deriveRate(time.Now().Add(-time.Second))

	if progress.Percent < 49 || progress.Percent > 51 {
		t.Fatalf("expected ~50%%, got %f", progress.Percent)
	}
	if progress.Throughput <= 0 {
		t.Fatalf("expected positive throughput, got %f", progress.Throughput)
	}
	if progress.ETA <= 0 {
		t.Fatalf("expected positive ETA, got %v", progress.ETA)
	}
}

func TestDeriveRateZeroTotal(t *testing.T) {
	progress := TransferProgress{Status: StatusActive}
	progress.deriveRate(time.Now())

	if progress.Percent != 0 {
		t.Fatalf("empty active transfer should report 0%%, got %f", progress.Percent)
	}
	if progress.ETA != 0 {
		t.Fatalf("expected zero ETA without throughput, got %v", progress.ETA)
	}
}

func TestDeriveRateCompletedZeroByteIsFull(t *testing.T) {
	progress := TransferProgress{Status: StatusCompleted}
	progress.deriveRate(time.Now())

	if progress.Percent != 100 {
		t.Fatalf("completed transfer must report 100%%, got %f", progress.Percent)
	}
}

func TestProgressRegistrySnapshotIsolation(t *testing.T) {
	registry := newProgressRegistry()
	registry.setTransfer(TransferProgress{ID: "a", Status: StatusActive})

	snapshot := registry.transferSnapshot()
	snapshot["a"] = TransferProgress{ID: "a", Status: StatusFailed}

	current, ok := registry.transfer("a")
	if !ok {
		t.Fatalf("expected transfer in registry")
	}
	if current.Status != StatusActive {
		t.Fatalf("snapshot mutation leaked into registry: %q", current.Status)
	}
}
