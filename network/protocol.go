package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the fixed payload size of one binary chunk frame.
	DefaultChunkSize = 16 * 1024
	// DefaultHighWatermark pauses a send loop once this many bytes are
	// queued in the channel's outbound buffer.
	DefaultHighWatermark = 1024 * 1024
	// DefaultLowWatermark resumes a paused send loop once the outbound
	// buffer drains below this many bytes.
	DefaultLowWatermark = 256 * 1024
	// MaxTransferIDLength bounds the id field of a chunk frame.
	MaxTransferIDLength = 256
)

const (
	TypeMeta       = "meta"
	TypeComplete   = "complete"
	TypeCancel     = "cancel"
	TypeBatchStart = "batch-start"
	TypeBatchEnd   = "batch-end"
)

var (
	// ErrFrameTooShort indicates a binary chunk frame smaller than its header.
	ErrFrameTooShort = errors.New("network: chunk frame too short")
	// ErrTransferIDLength indicates a chunk frame id length outside bounds.
	ErrTransferIDLength = errors.New("network: chunk frame id length out of bounds")
	// ErrUnknownControlType indicates a control message with an unknown type.
	ErrUnknownControlType = errors.New("network: unknown control message type")
	// ErrUnknownTransfer indicates a chunk referencing no registered transfer.
	ErrUnknownTransfer = errors.New("network: chunk references unknown transfer")
	// ErrChunkIndexRange indicates a chunk index outside the declared range.
	ErrChunkIndexRange = errors.New("network: chunk index out of declared range")
	// ErrChunkGap indicates assembly found a missing chunk index.
	ErrChunkGap = errors.New("network: chunk missing at assembly")
	// ErrTransferCancelled is the terminal error of a cancelled send.
	ErrTransferCancelled = errors.New("network: transfer cancelled")
	// ErrChecksumMismatch indicates an assembled file failed verification.
	ErrChecksumMismatch = errors.New("network: assembled file checksum mismatch")
)

// FileMetadata announces one transfer. Immutable once sent; the receiver
// rejects chunks referencing an id it has no metadata for.
type FileMetadata struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	LastModified int64  `json:"lastModified"`
	ChunkSize    int    `json:"chunkSize"`
	TotalChunks  int    `json:"totalChunks"`
	RelativePath string `json:"relativePath,omitempty"`
	BatchID      string `json:"batchId,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// CompleteMessage is the advisory end-of-transfer marker. The definitive
// completion signal on the receiving side is chunk-count equality.
type CompleteMessage struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// CancelMessage aborts one transfer on both sides.
type CancelMessage struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// BatchStart opens a folder transfer.
type BatchStart struct {
	Type       string `json:"type"`
	BatchID    string `json:"batchId"`
	FolderName string `json:"folderName"`
	TotalFiles int    `json:"totalFiles"`
	TotalBytes int64  `json:"totalBytes"`
}

// BatchEnd closes a folder transfer.
type BatchEnd struct {
	Type    string `json:"type"`
	BatchID string `json:"batchId"`
}

// ControlMessage is the decoded form of one JSON text frame. Exactly one
// variant is non-nil.
type ControlMessage struct {
	Meta       *FileMetadata
	Complete   *CompleteMessage
	Cancel     *CancelMessage
	BatchStart *BatchStart
	BatchEnd   *BatchEnd
}

type controlEnvelope struct {
	Type string `json:"type"`
}

// DecodeControlMessage parses one text frame into its control variant.
// Unknown types are rejected here so callers never switch on raw strings.
func DecodeControlMessage(payload []byte) (ControlMessage, error) {
	var envelope controlEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ControlMessage{}, fmt.Errorf("decode control envelope: %w", err)
	}

	switch envelope.Type {
	case TypeMeta:
		var msg FileMetadata
		if err := json.Unmarshal(payload, &msg); err != nil {
			return ControlMessage{}, fmt.Errorf("decode meta: %w", err)
		}
		return ControlMessage{Meta: &msg}, nil
	case TypeComplete:
		var msg CompleteMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return ControlMessage{}, fmt.Errorf("decode complete: %w", err)
		}
		return ControlMessage{Complete: &msg}, nil
	case TypeCancel:
		var msg CancelMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return ControlMessage{}, fmt.Errorf("decode cancel: %w", err)
		}
		return ControlMessage{Cancel: &msg}, nil
	case TypeBatchStart:
		var msg BatchStart
		if err := json.Unmarshal(payload, &msg); err != nil {
			return ControlMessage{}, fmt.Errorf("decode batch-start: %w", err)
		}
		return ControlMessage{BatchStart: &msg}, nil
	case TypeBatchEnd:
		var msg BatchEnd
		if err := json.Unmarshal(payload, &msg); err != nil {
			return ControlMessage{}, fmt.Errorf("decode batch-end: %w", err)
		}
		return ControlMessage{BatchEnd: &msg}, nil
	default:
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownControlType, envelope.Type)
	}
}

// EncodeControlMessage marshals one control message to a JSON text frame.
func EncodeControlMessage(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

// ChunkFrame is one binary frame carrying a contiguous byte range of a file.
type ChunkFrame struct {
	TransferID string
	Index      int
	Payload    []byte
}

// EncodeChunkFrame builds the wire form of a chunk:
//
//	[u32 BE id length][id UTF-8][u32 BE chunk index][payload]
func EncodeChunkFrame(frame ChunkFrame) ([]byte, error) {
	idLen := len(frame.TransferID)
	if idLen == 0 || idLen > MaxTransferIDLength {
		return nil, ErrTransferIDLength
	}
	if frame.Index < 0 {
		return nil, ErrChunkIndexRange
	}

	buf := make([]byte, 4+idLen+4+len(frame.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(idLen))
	copy(buf[4:4+idLen], frame.TransferID)
	binary.BigEndian.PutUint32(buf[4+idLen:8+idLen], uint32(frame.Index))
	copy(buf[8+idLen:], frame.Payload)
	return buf, nil
}

// DecodeChunkFrame parses the wire form of a chunk. The payload slice
// aliases the input buffer.
func DecodeChunkFrame(data []byte) (ChunkFrame, error) {
	if len(data) < 8 {
		return ChunkFrame{}, ErrFrameTooShort
	}

	idLen := int(binary.BigEndian.Uint32(data[0:4]))
	if idLen == 0 || idLen > MaxTransferIDLength {
		return ChunkFrame{}, ErrTransferIDLength
	}
	if len(data) < 8+idLen {
		return ChunkFrame{}, ErrFrameTooShort
	}

	return ChunkFrame{
		TransferID: string(data[4 : 4+idLen]),
		Index:      int(binary.BigEndian.Uint32(data[4+idLen : 8+idLen])),
		Payload:    data[8+idLen:],
	}, nil
}

// ChunkCount returns ceil(size/chunkSize); zero for an empty file.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
