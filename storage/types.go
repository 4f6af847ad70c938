package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

const (
	statusPending   = "pending"
	statusActive    = "active"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"

	directionSend    = "send"
	directionReceive = "receive"
)

// TransferRecord is one row of transfer history.
type TransferRecord struct {
	TransferID   string
	PeerID       string
	Direction    string
	Filename     string
	Filesize     int64
	Filetype     string
	RelativePath string
	BatchID      string
	Checksum     string
	Status       string
	StartedAt    int64
	FinishedAt   int64
}

// BatchRecord is one row of folder transfer history.
type BatchRecord struct {
	BatchID    string
	PeerID     string
	FolderName string
	TotalFiles int
	TotalBytes int64
	StartedAt  int64
}

func validateStatus(status string) error {
	switch status {
	case statusPending, statusActive, statusCompleted, statusFailed, statusCancelled:
		return nil
	}
	return fmt.Errorf("invalid transfer status %q", status)
}

func validateDirection(direction string) error {
	switch direction {
	case directionSend, directionReceive:
		return nil
	}
	return fmt.Errorf("invalid transfer direction %q", direction)
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
