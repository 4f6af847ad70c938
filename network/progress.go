package network

import (
	"sync"
	"time"
)

// TransferStatus is the reportable lifecycle state of a transfer or batch.
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusActive    TransferStatus = "active"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	StatusCancelled TransferStatus = "cancelled"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// TransferProgress is the derived, non-authoritative view of one transfer,
// recomputed on every state change.
type TransferProgress struct {
	ID         string
	PeerID     string
	Direction  string
	Name       string
	BatchID    string
	Status     TransferStatus
	BytesDone  int64
	TotalBytes int64
	Percent    float64
	// Throughput is bytes over wall time since the transfer started.
	Throughput float64
	// ETA is remaining bytes over current throughput; zero when the
	// throughput is zero.
	ETA time.Duration
}

// FolderProgress aggregates the member transfers of one batch.
type FolderProgress struct {
	BatchID        string
	PeerID         string
	Direction      string
	FolderName     string
	Status         TransferStatus
	CompletedFiles int
	TotalFiles     int
	BytesDone      int64
	TotalBytes     int64
	Percent        float64
}

// deriveRate fills Percent, Throughput and ETA from the counters and the
// transfer start time. A completed transfer always reports 100%, even for
// zero-byte files where the counters alone cannot say so.
func (p *TransferProgress) deriveRate(start time.Time) {
	if p.Status == StatusCompleted {
		p.Percent = 100
	} else {
		p.Percent = percentOf(p.BytesDone, p.TotalBytes)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		p.Throughput = float64(p.BytesDone) / elapsed
	}
	if p.Throughput > 0 && p.TotalBytes > p.BytesDone {
		remaining := float64(p.TotalBytes-p.BytesDone) / p.Throughput
		p.ETA = time.Duration(remaining * float64(time.Second))
	} else {
		p.ETA = 0
	}
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		if done > 0 {
			return 100
		}
		return 0
	}
	return float64(done) / float64(total) * 100
}

// progressRegistry keeps the live transfer and batch views consumed by the
// surrounding application. Mutated only from the manager's own entry points.
type progressRegistry struct {
	mu        sync.Mutex
	transfers map[string]TransferProgress
	batches   map[string]FolderProgress
}

func newProgressRegistry() *progressRegistry {
	return &progressRegistry{
		transfers: make(map[string]TransferProgress),
		batches:   make(map[string]FolderProgress),
	}
}

func (r *progressRegistry) setTransfer(progress TransferProgress) {
	r.mu.Lock()
	r.transfers[progress.ID] = progress
	r.mu.Unlock()
}

func (r *progressRegistry) setBatch(progress FolderProgress) {
	r.mu.Lock()
	r.batches[progress.BatchID] = progress
	r.mu.Unlock()
}

func (r *progressRegistry) transfer(id string) (TransferProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	progress, ok := r.transfers[id]
	return progress, ok
}

func (r *progressRegistry) batch(id string) (FolderProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	progress, ok := r.batches[id]
	return progress, ok
}

func (r *progressRegistry) transferSnapshot() map[string]TransferProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]TransferProgress, len(r.transfers))
	for id, progress := range r.transfers {
		out[id] = progress
	}
	return out
}

func (r *progressRegistry) batchSnapshot() map[string]FolderProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]FolderProgress, len(r.batches))
	for id, progress := range r.batches {
		out[id] = progress
	}
	return out
}
