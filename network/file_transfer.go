package network

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fluxfile/fsscan"
	"fluxfile/storage"
)

// outgoingTransfer is one active send. The cancellation flag is cooperative:
// it is polled between chunk sends, never preemptively.
type outgoingTransfer struct {
	id           string
	peerID       string
	sourcePath   string
	name         string
	size         int64
	mimeType     string
	lastModified int64
	checksum     string
	totalChunks  int
	relativePath string
	batchID      string

	cancelled atomic.Bool
	bytesSent atomic.Int64
	start     time.Time
}

// incomingTransfer buffers chunks by index until all totalChunks are
// present, then is assembled and discarded.
type incomingTransfer struct {
	meta     FileMetadata
	fromPeer string
	chunks   map[int][]byte
	received int64
	start    time.Time
}

// SendFile starts one file transfer to a connected peer and returns its
// transfer id. The send runs in the background; progress and the terminal
// status arrive through the progress callback.
func (m *Manager) SendFile(peerID, sourcePath string) (string, error) {
	transfer, err := m.prepareOutgoing(peerID, sourcePath, "", "")
	if err != nil {
		return "", err
	}

	go func() {
		lock := m.sendLock(peerID)
		lock.Lock()
		defer lock.Unlock()

		if err := m.runSend(transfer); err != nil && !errors.Is(err, ErrTransferCancelled) {
			m.reportError(fmt.Errorf("send %q to %s: %w", transfer.id, peerID, err))
		}
	}()

	return transfer.id, nil
}

// CancelTransfer requests cancellation of an active transfer. Outgoing
// sends stop at the next chunk boundary; incoming state is purged and the
// sender is told to stop.
func (m *Manager) CancelTransfer(transferID string) error {
	m.fileMu.Lock()
	outgoing := m.outgoing[transferID]
	incoming := m.incoming[transferID]
	if incoming != nil {
		delete(m.incoming, transferID)
	}
	m.fileMu.Unlock()

	if outgoing != nil {
		outgoing.cancelled.Store(true)
		return nil
	}

	if incoming != nil {
		m.setIncomingStatus(incoming, StatusCancelled)
		if p := m.getPeer(incoming.fromPeer); p != nil {
			if channel := p.openChannel(); channel != nil {
				m.sendControl(channel, CancelMessage{Type: TypeCancel, FileID: transferID})
			}
		}
		return nil
	}

	return fmt.Errorf("network: unknown transfer %q", transferID)
}

// prepareOutgoing validates the source file and registers the transfer.
func (m *Manager) prepareOutgoing(peerID, sourcePath, relativePath, batchID string) (*outgoingTransfer, error) {
	if strings.TrimSpace(peerID) == "" {
		return nil, errors.New("network: peer ID is required")
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("network: source path must be a file")
	}

	checksum, err := fsscan.HashFile(sourcePath)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(sourcePath)
	transfer := &outgoingTransfer{
		id:           uuid.NewString(),
		peerID:       peerID,
		sourcePath:   sourcePath,
		name:         name,
		size:         info.Size(),
		mimeType:     mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		lastModified: info.ModTime().UnixMilli(),
		checksum:     checksum,
		totalChunks:  ChunkCount(info.Size(), m.options.ChunkSize),
		relativePath: relativePath,
		batchID:      batchID,
		start:        time.Now(),
	}

	m.fileMu.Lock()
	m.outgoing[transfer.id] = transfer
	m.fileMu.Unlock()

	m.emitOutgoingProgress(transfer, StatusPending)
	m.recordTransfer(storage.TransferRecord{
		TransferID:   transfer.id,
		PeerID:       peerID,
		Direction:    DirectionSend,
		Filename:     name,
		Filesize:     info.Size(),
		Filetype:     transfer.mimeType,
		RelativePath: relativePath,
		BatchID:      batchID,
		Checksum:     checksum,
		Status:       string(StatusPending),
		StartedAt:    transfer.start.UnixMilli(),
	})

	return transfer, nil
}

// runSend drives one transfer: meta, chunks in strictly increasing index
// order under flow control, then the advisory complete marker. The caller
// holds the peer's send lock for the whole loop so chunk frames from two
// transfers never interleave on one channel.
func (m *Manager) runSend(transfer *outgoingTransfer) error {
	defer m.deregisterOutgoing(transfer.id)

	p := m.getPeer(transfer.peerID)
	if p == nil {
		m.emitOutgoingProgress(transfer, StatusFailed)
		return ErrPeerNotConnected
	}
	channel := p.openChannel()
	if channel == nil {
		m.emitOutgoingProgress(transfer, StatusFailed)
		return ErrPeerNotConnected
	}

	meta := FileMetadata{
		Type:         TypeMeta,
		ID:           transfer.id,
		Name:         transfer.name,
		Size:         transfer.size,
		MimeType:     transfer.mimeType,
		LastModified: transfer.lastModified,
		ChunkSize:    m.options.ChunkSize,
		TotalChunks:  transfer.totalChunks,
		RelativePath: transfer.relativePath,
		BatchID:      transfer.batchID,
		Checksum:     transfer.checksum,
	}
	if err := m.sendControl(channel, meta); err != nil {
		m.emitOutgoingProgress(transfer, StatusFailed)
		return err
	}

	m.emitOutgoingProgress(transfer, StatusActive)

	file, err := os.Open(transfer.sourcePath)
	if err != nil {
		m.emitOutgoingProgress(transfer, StatusFailed)
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	for index := 0; index < transfer.totalChunks; index++ {
		if transfer.cancelled.Load() {
			m.sendControl(channel, CancelMessage{Type: TypeCancel, FileID: transfer.id})
			m.emitOutgoingProgress(transfer, StatusCancelled)
			m.updateTransferStatus(transfer.id, StatusCancelled)
			return ErrTransferCancelled
		}

		if err := m.waitForDrain(p, channel); err != nil {
			m.emitOutgoingProgress(transfer, StatusFailed)
			return err
		}

		chunk, err := readChunkAt(file, int64(index)*int64(m.options.ChunkSize), m.options.ChunkSize)
		if err != nil {
			m.emitOutgoingProgress(transfer, StatusFailed)
			m.updateTransferStatus(transfer.id, StatusFailed)
			return err
		}

		frame, err := EncodeChunkFrame(ChunkFrame{
			TransferID: transfer.id,
			Index:      index,
			Payload:    chunk,
		})
		if err != nil {
			m.emitOutgoingProgress(transfer, StatusFailed)
			return err
		}
		if err := channel.SendBinary(frame); err != nil {
			m.emitOutgoingProgress(transfer, StatusFailed)
			m.updateTransferStatus(transfer.id, StatusFailed)
			return fmt.Errorf("send chunk %d: %w", index, err)
		}

		transfer.bytesSent.Add(int64(len(chunk)))
		m.emitOutgoingProgress(transfer, StatusActive)
	}

	if err := m.sendControl(channel, CompleteMessage{Type: TypeComplete, FileID: transfer.id}); err != nil {
		m.emitOutgoingProgress(transfer, StatusFailed)
		return err
	}

	m.emitOutgoingProgress(transfer, StatusCompleted)
	m.updateTransferStatus(transfer.id, StatusCompleted)
	return nil
}

// waitForDrain suspends the calling send loop while the channel's
// outbound buffer sits above the high watermark. Only this transfer's
// goroutine parks; dispatch for other peers and transfers continues.
func (m *Manager) waitForDrain(p *peer, channel Channel) error {
	for channel.BufferedAmount() > m.options.HighWatermark {
		select {
		case <-p.drained:
		case <-p.closed:
			return ErrPeerNotConnected
		case <-m.closed:
			return ErrManagerClosed
		}
	}
	return nil
}

func (m *Manager) sendControl(channel Channel, message any) error {
	payload, err := EncodeControlMessage(message)
	if err != nil {
		return err
	}
	if err := channel.SendText(payload); err != nil {
		return fmt.Errorf("send control message: %w", err)
	}
	return nil
}

func (m *Manager) deregisterOutgoing(transferID string) {
	m.fileMu.Lock()
	delete(m.outgoing, transferID)
	m.fileMu.Unlock()
}

// handleMeta registers incoming transfer state. A zero-chunk transfer is
// complete the moment its metadata arrives.
func (m *Manager) handleMeta(peerID string, meta FileMetadata) {
	if meta.ID == "" || meta.Size < 0 || meta.TotalChunks < 0 {
		m.log.WithField("peer", peerID).Warn("dropping malformed transfer metadata")
		return
	}

	transfer := &incomingTransfer{
		meta:     meta,
		fromPeer: peerID,
		chunks:   make(map[int][]byte),
		start:    time.Now(),
	}

	m.fileMu.Lock()
	if _, exists := m.incoming[meta.ID]; exists {
		m.fileMu.Unlock()
		m.log.WithFields(logrus.Fields{
			"peer":     peerID,
			"transfer": meta.ID,
		}).Warn("dropping duplicate transfer metadata")
		return
	}
	m.incoming[meta.ID] = transfer
	m.fileMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer":     peerID,
		"transfer": meta.ID,
		"name":     meta.Name,
		"size":     meta.Size,
		"chunks":   meta.TotalChunks,
	}).Info("incoming transfer announced")

	m.recordTransfer(storage.TransferRecord{
		TransferID:   meta.ID,
		PeerID:       peerID,
		Direction:    DirectionReceive,
		Filename:     meta.Name,
		Filesize:     meta.Size,
		Filetype:     meta.MimeType,
		RelativePath: meta.RelativePath,
		BatchID:      meta.BatchID,
		Checksum:     meta.Checksum,
		Status:       string(StatusActive),
		StartedAt:    transfer.start.UnixMilli(),
	})
	m.emitIncomingProgress(transfer, StatusActive)

	if meta.TotalChunks == 0 {
		m.finishIncoming(transfer)
	}
}

// handleChunkFrame stores one chunk. Unknown transfer ids are dropped with
// a warning (protocol desync or a post-cancel straggler); an index outside
// the declared range is fatal for that transfer only.
func (m *Manager) handleChunkFrame(peerID string, data []byte) {
	frame, err := DecodeChunkFrame(data)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"peer":  peerID,
			"error": err.Error(),
		}).Warn("dropping malformed chunk frame")
		return
	}

	m.fileMu.Lock()
	transfer := m.incoming[frame.TransferID]
	if transfer == nil {
		m.fileMu.Unlock()
		m.log.WithFields(logrus.Fields{
			"peer":     peerID,
			"transfer": frame.TransferID,
			"index":    frame.Index,
		}).Warn("dropping chunk for unknown transfer")
		return
	}

	if frame.Index < 0 || frame.Index >= transfer.meta.TotalChunks {
		delete(m.incoming, frame.TransferID)
		m.fileMu.Unlock()
		m.failIncoming(transfer, fmt.Errorf("%w: index %d of %d in %q",
			ErrChunkIndexRange, frame.Index, transfer.meta.TotalChunks, frame.TransferID))
		return
	}

	if _, dup := transfer.chunks[frame.Index]; !dup {
		transfer.chunks[frame.Index] = append([]byte(nil), frame.Payload...)
		transfer.received += int64(len(frame.Payload))
	}
	complete := len(transfer.chunks) == transfer.meta.TotalChunks
	m.fileMu.Unlock()

	m.emitIncomingProgress(transfer, StatusActive)

	if complete {
		m.finishIncoming(transfer)
	}
}

// handleComplete is advisory only: completion is decided by chunk-count
// equality, so an early complete marker changes nothing.
func (m *Manager) handleComplete(peerID string, msg CompleteMessage) {
	m.fileMu.Lock()
	_, pending := m.incoming[msg.FileID]
	m.fileMu.Unlock()

	if pending {
		m.log.WithFields(logrus.Fields{
			"peer":     peerID,
			"transfer": msg.FileID,
		}).Debug("complete marker received before all chunks")
	}
}

// handleCancel purges receiver state for the id and stops a matching
// outgoing send, whichever side of the transfer this peer holds.
func (m *Manager) handleCancel(peerID string, msg CancelMessage) {
	m.fileMu.Lock()
	incoming := m.incoming[msg.FileID]
	if incoming != nil {
		delete(m.incoming, msg.FileID)
	}
	outgoing := m.outgoing[msg.FileID]
	m.fileMu.Unlock()

	if incoming != nil {
		m.log.WithFields(logrus.Fields{
			"peer":     peerID,
			"transfer": msg.FileID,
		}).Info("transfer cancelled by sender")
		m.setIncomingStatus(incoming, StatusCancelled)
	}
	if outgoing != nil {
		outgoing.cancelled.Store(true)
	}
}

// finishIncoming assembles a completed transfer and delivers it. Any gap
// in the index set at this point is an invariant violation and fails the
// transfer loudly instead of emitting a corrupt file.
func (m *Manager) finishIncoming(transfer *incomingTransfer) {
	m.fileMu.Lock()
	delete(m.incoming, transfer.meta.ID)
	m.fileMu.Unlock()

	path, err := m.assembleFile(transfer)
	if err != nil {
		m.failIncoming(transfer, err)
		return
	}

	received := ReceivedFile{
		ID:           transfer.meta.ID,
		FromPeer:     transfer.fromPeer,
		Name:         transfer.meta.Name,
		Path:         path,
		Size:         transfer.meta.Size,
		MimeType:     transfer.meta.MimeType,
		RelativePath: transfer.meta.RelativePath,
		BatchID:      transfer.meta.BatchID,
	}

	m.emitIncomingProgress(transfer, StatusCompleted)
	m.updateTransferStatus(transfer.meta.ID, StatusCompleted)

	if transfer.meta.BatchID != "" {
		m.addBatchMember(transfer.fromPeer, received)
		return
	}
	if m.options.OnFileReceived != nil {
		m.options.OnFileReceived(received)
	}
}

// assembleFile concatenates chunks in index order into the download dir
// and verifies the declared checksum when one was announced.
func (m *Manager) assembleFile(transfer *incomingTransfer) (string, error) {
	target, err := m.receivePath(transfer.meta)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	file, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create assembled file: %w", err)
	}

	hasher := fsscan.NewHasher()
	for index := 0; index < transfer.meta.TotalChunks; index++ {
		chunk, ok := transfer.chunks[index]
		if !ok {
			_ = file.Close()
			_ = os.Remove(target)
			return "", fmt.Errorf("%w: index %d of %q", ErrChunkGap, index, transfer.meta.ID)
		}
		if _, err := file.Write(chunk); err != nil {
			_ = file.Close()
			_ = os.Remove(target)
			return "", fmt.Errorf("write assembled file: %w", err)
		}
		_, _ = hasher.Write(chunk)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("close assembled file: %w", err)
	}

	if transfer.meta.Checksum != "" && hasher.Sum() != transfer.meta.Checksum {
		_ = os.Remove(target)
		return "", fmt.Errorf("%w: %q", ErrChecksumMismatch, transfer.meta.ID)
	}

	return target, nil
}

// receivePath picks the on-disk location of an assembled file. Standalone
// files are prefixed with the transfer id to avoid collisions; batch
// members keep their folder-relative path under the folder name.
func (m *Manager) receivePath(meta FileMetadata) (string, error) {
	if meta.BatchID == "" || meta.RelativePath == "" {
		name := filepath.Base(meta.Name)
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = "file.bin"
		}
		return filepath.Join(m.options.DownloadDir, meta.ID+"_"+name), nil
	}

	relative := filepath.Clean(filepath.FromSlash(meta.RelativePath))
	if relative == "." || filepath.IsAbs(relative) || strings.HasPrefix(relative, "..") {
		return "", fmt.Errorf("network: unsafe relative path %q", meta.RelativePath)
	}
	return filepath.Join(m.options.DownloadDir, relative), nil
}

func (m *Manager) failIncoming(transfer *incomingTransfer, err error) {
	m.reportError(err)
	m.emitIncomingProgress(transfer, StatusFailed)
	m.updateTransferStatus(transfer.meta.ID, StatusFailed)
}

func (m *Manager) setIncomingStatus(transfer *incomingTransfer, status TransferStatus) {
	m.emitIncomingProgress(transfer, status)
	m.updateTransferStatus(transfer.meta.ID, status)
}

// purgePeerTransfers abandons all in-flight state bound to one peer. Their
// terminal status is failed; transfers to other peers are untouched.
func (m *Manager) purgePeerTransfers(peerID string) {
	m.fileMu.Lock()
	var abandonedIn []*incomingTransfer
	for id, transfer := range m.incoming {
		if transfer.fromPeer == peerID {
			delete(m.incoming, id)
			abandonedIn = append(abandonedIn, transfer)
		}
	}
	var abandonedOut []*outgoingTransfer
	for _, transfer := range m.outgoing {
		if transfer.peerID == peerID {
			transfer.cancelled.Store(true)
			abandonedOut = append(abandonedOut, transfer)
		}
	}
	var abandonedBatches []*incomingBatch
	for id, batch := range m.inBatches {
		if batch.fromPeer == peerID {
			delete(m.inBatches, id)
			abandonedBatches = append(abandonedBatches, batch)
		}
	}
	m.fileMu.Unlock()

	for _, transfer := range abandonedIn {
		m.setIncomingStatus(transfer, StatusFailed)
	}
	for _, transfer := range abandonedOut {
		m.emitOutgoingProgress(transfer, StatusFailed)
		m.updateTransferStatus(transfer.id, StatusFailed)
	}
	for _, batch := range abandonedBatches {
		m.emitBatchProgress(batch, StatusFailed)
	}
}

func (m *Manager) emitOutgoingProgress(transfer *outgoingTransfer, status TransferStatus) {
	progress := TransferProgress{
		ID:         transfer.id,
		PeerID:     transfer.peerID,
		Direction:  DirectionSend,
		Name:       transfer.name,
		BatchID:    transfer.batchID,
		Status:     status,
		BytesDone:  transfer.bytesSent.Load(),
		TotalBytes: transfer.size,
	}
	if status == StatusCompleted {
		progress.BytesDone = transfer.size
	}
	progress.deriveRate(transfer.start)

	m.registry.setTransfer(progress)
	if m.options.OnFileProgress != nil {
		m.options.OnFileProgress(progress)
	}
	if transfer.batchID != "" {
		m.noteBatchMemberSent(transfer, status)
	}
}

func (m *Manager) emitIncomingProgress(transfer *incomingTransfer, status TransferStatus) {
	m.fileMu.Lock()
	received := transfer.received
	m.fileMu.Unlock()

	progress := TransferProgress{
		ID:         transfer.meta.ID,
		PeerID:     transfer.fromPeer,
		Direction:  DirectionReceive,
		Name:       transfer.meta.Name,
		BatchID:    transfer.meta.BatchID,
		Status:     status,
		BytesDone:  received,
		TotalBytes: transfer.meta.Size,
	}
	progress.deriveRate(transfer.start)

	m.registry.setTransfer(progress)
	if m.options.OnFileProgress != nil {
		m.options.OnFileProgress(progress)
	}
	if transfer.meta.BatchID != "" {
		m.noteBatchMemberReceived(transfer.fromPeer, transfer.meta.BatchID)
	}
}

func (m *Manager) recordTransfer(record storage.TransferRecord) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.SaveTransfer(record); err != nil {
		m.log.WithField("error", err.Error()).Warn("recording transfer history failed")
	}
}

func (m *Manager) updateTransferStatus(transferID string, status TransferStatus) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.UpdateTransferStatus(transferID, string(status)); err != nil {
		m.log.WithField("error", err.Error()).Warn("updating transfer history failed")
	}
}

// readChunkAt reads one contiguous byte range; the final chunk may be
// short.
func readChunkAt(file *os.File, offset int64, chunkSize int) ([]byte, error) {
	buffer := make([]byte, chunkSize)
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, io.EOF)
	}
	return buffer[:n], nil
}
