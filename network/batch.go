package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fluxfile/fsscan"
)

// outgoingBatch tracks one folder send. Members go out sequentially, so at
// most one of them is in flight at a time.
type outgoingBatch struct {
	batchID    string
	peerID     string
	folderName string
	totalFiles int
	totalBytes int64

	completedFiles int
	completedBytes int64
	start          time.Time
}

// incomingBatch collects completed members until the batch-end marker
// arrives. Members that were cancelled or failed simply never appear in
// the files map.
type incomingBatch struct {
	batchID    string
	fromPeer   string
	folderName string
	totalFiles int
	totalBytes int64

	files          map[string]ReceivedFile
	completedBytes int64
	start          time.Time
}

// SendFolder transfers a directory tree as one batch and returns the batch
// id. Members are sent strictly one after another on the peer's channel;
// a member that fails is skipped and the rest of the batch continues.
func (m *Manager) SendFolder(peerID, dirPath string) (string, error) {
	tree, err := fsscan.ScanDir(dirPath)
	if err != nil {
		return "", err
	}
	if len(tree.Entries) == 0 {
		return "", errors.New("network: folder has no files to send")
	}

	p := m.getPeer(peerID)
	if p == nil {
		return "", ErrPeerNotConnected
	}

	batch := &outgoingBatch{
		batchID:    uuid.NewString(),
		peerID:     peerID,
		folderName: tree.FolderName,
		totalFiles: len(tree.Entries),
		totalBytes: tree.TotalBytes,
		start:      time.Now(),
	}

	m.fileMu.Lock()
	m.outBatches[batch.batchID] = batch
	m.fileMu.Unlock()
	m.emitOutgoingBatchProgress(batch, StatusPending, 0)

	go m.runBatchSend(p, batch, tree.Entries)

	return batch.batchID, nil
}

func (m *Manager) runBatchSend(p *peer, batch *outgoingBatch, entries []fsscan.Entry) {
	defer func() {
		m.fileMu.Lock()
		delete(m.outBatches, batch.batchID)
		m.fileMu.Unlock()
	}()

	channel := p.openChannel()
	if channel == nil {
		m.emitOutgoingBatchProgress(batch, StatusFailed, 0)
		m.reportError(fmt.Errorf("batch %q to %s: %w", batch.batchID, batch.peerID, ErrPeerNotConnected))
		return
	}

	start := BatchStart{
		Type:       TypeBatchStart,
		BatchID:    batch.batchID,
		FolderName: batch.folderName,
		TotalFiles: batch.totalFiles,
		TotalBytes: batch.totalBytes,
	}
	if err := m.sendControl(channel, start); err != nil {
		m.emitOutgoingBatchProgress(batch, StatusFailed, 0)
		m.reportError(fmt.Errorf("batch %q to %s: %w", batch.batchID, batch.peerID, err))
		return
	}

	m.emitOutgoingBatchProgress(batch, StatusActive, 0)

	for _, entry := range entries {
		transfer, err := m.prepareOutgoing(batch.peerID, entry.SourcePath, entry.RelativePath, batch.batchID)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"batch": batch.batchID,
				"path":  entry.SourcePath,
				"error": err.Error(),
			}).Warn("skipping unreadable batch member")
			continue
		}

		lock := m.sendLock(batch.peerID)
		lock.Lock()
		err = m.runSend(transfer)
		lock.Unlock()

		if err != nil {
			if errors.Is(err, ErrPeerNotConnected) || errors.Is(err, ErrManagerClosed) {
				m.emitOutgoingBatchProgress(batch, StatusFailed, 0)
				m.reportError(fmt.Errorf("batch %q to %s: %w", batch.batchID, batch.peerID, err))
				return
			}
			m.log.WithFields(logrus.Fields{
				"batch":    batch.batchID,
				"transfer": transfer.id,
				"error":    err.Error(),
			}).Warn("batch member did not complete")
		}
	}

	channel = p.openChannel()
	if channel == nil {
		m.emitOutgoingBatchProgress(batch, StatusFailed, 0)
		return
	}
	if err := m.sendControl(channel, BatchEnd{Type: TypeBatchEnd, BatchID: batch.batchID}); err != nil {
		m.emitOutgoingBatchProgress(batch, StatusFailed, 0)
		m.reportError(fmt.Errorf("batch %q to %s: %w", batch.batchID, batch.peerID, err))
		return
	}

	m.emitOutgoingBatchProgress(batch, StatusCompleted, 0)
}

// handleBatchStart registers collection state before any member metadata
// arrives. The channel is ordered, so the marker always precedes members.
func (m *Manager) handleBatchStart(peerID string, msg BatchStart) {
	if msg.BatchID == "" || msg.TotalFiles < 0 {
		m.log.WithField("peer", peerID).Warn("dropping malformed batch-start")
		return
	}

	batch := &incomingBatch{
		batchID:    msg.BatchID,
		fromPeer:   peerID,
		folderName: msg.FolderName,
		totalFiles: msg.TotalFiles,
		totalBytes: msg.TotalBytes,
		files:      make(map[string]ReceivedFile),
		start:      time.Now(),
	}

	m.fileMu.Lock()
	if _, exists := m.inBatches[msg.BatchID]; exists {
		m.fileMu.Unlock()
		m.log.WithFields(logrus.Fields{
			"peer":  peerID,
			"batch": msg.BatchID,
		}).Warn("dropping duplicate batch-start")
		return
	}
	m.inBatches[msg.BatchID] = batch
	m.fileMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer":   peerID,
		"batch":  msg.BatchID,
		"folder": msg.FolderName,
		"files":  msg.TotalFiles,
	}).Info("incoming folder announced")

	m.recordBatch(batch)
	m.emitBatchProgress(batch, StatusActive)
}

// handleBatchEnd closes out a batch with whatever members made it. A batch
// with fewer files than announced is partial success: the caller sees the
// shortfall in the folder progress counts.
func (m *Manager) handleBatchEnd(peerID string, msg BatchEnd) {
	m.fileMu.Lock()
	batch := m.inBatches[msg.BatchID]
	if batch == nil || batch.fromPeer != peerID {
		m.fileMu.Unlock()
		m.log.WithFields(logrus.Fields{
			"peer":  peerID,
			"batch": msg.BatchID,
		}).Warn("dropping batch-end for unknown batch")
		return
	}
	delete(m.inBatches, msg.BatchID)
	files := make(map[string]ReceivedFile, len(batch.files))
	for relative, file := range batch.files {
		files[relative] = file
	}
	m.fileMu.Unlock()

	if len(files) < batch.totalFiles {
		m.log.WithFields(logrus.Fields{
			"peer":     peerID,
			"batch":    msg.BatchID,
			"received": len(files),
			"expected": batch.totalFiles,
		}).Warn("folder arrived incomplete")
	}

	m.emitBatchProgress(batch, StatusCompleted)
	if m.options.OnFolderReceived != nil {
		m.options.OnFolderReceived(batch.batchID, batch.folderName, files)
	}
}

// addBatchMember files a completed member under its batch. A member whose
// batch was never announced is delivered as a standalone file instead of
// being silently lost.
func (m *Manager) addBatchMember(fromPeer string, file ReceivedFile) {
	m.fileMu.Lock()
	batch := m.inBatches[file.BatchID]
	if batch == nil || batch.fromPeer != fromPeer {
		m.fileMu.Unlock()
		m.log.WithFields(logrus.Fields{
			"peer":     fromPeer,
			"batch":    file.BatchID,
			"transfer": file.ID,
		}).Warn("batch member arrived for unknown batch, delivering standalone")
		if m.options.OnFileReceived != nil {
			m.options.OnFileReceived(file)
		}
		return
	}
	key := file.RelativePath
	if key == "" {
		key = file.Name
	}
	if _, dup := batch.files[key]; !dup {
		batch.files[key] = file
		batch.completedBytes += file.Size
	}
	m.fileMu.Unlock()

	m.emitBatchProgress(batch, StatusActive)
}

// noteBatchMemberSent folds one outgoing member's progress into its
// batch's folder progress.
func (m *Manager) noteBatchMemberSent(transfer *outgoingTransfer, status TransferStatus) {
	m.fileMu.Lock()
	batch := m.outBatches[transfer.batchID]
	if batch == nil {
		m.fileMu.Unlock()
		return
	}
	var live int64
	if status == StatusCompleted {
		batch.completedFiles++
		batch.completedBytes += transfer.size
	} else {
		live = transfer.bytesSent.Load()
	}
	m.fileMu.Unlock()

	m.emitOutgoingBatchProgress(batch, StatusActive, live)
}

// noteBatchMemberReceived refreshes folder progress while a member is
// still arriving.
func (m *Manager) noteBatchMemberReceived(fromPeer, batchID string) {
	m.fileMu.Lock()
	batch := m.inBatches[batchID]
	if batch == nil || batch.fromPeer != fromPeer {
		m.fileMu.Unlock()
		return
	}
	m.fileMu.Unlock()

	m.emitBatchProgress(batch, StatusActive)
}

func (m *Manager) emitBatchProgress(batch *incomingBatch, status TransferStatus) {
	m.fileMu.Lock()
	var live int64
	for _, transfer := range m.incoming {
		if transfer.meta.BatchID == batch.batchID && transfer.fromPeer == batch.fromPeer {
			live += transfer.received
		}
	}
	progress := FolderProgress{
		BatchID:        batch.batchID,
		PeerID:         batch.fromPeer,
		Direction:      DirectionReceive,
		FolderName:     batch.folderName,
		Status:         status,
		CompletedFiles: len(batch.files),
		TotalFiles:     batch.totalFiles,
		BytesDone:      batch.completedBytes + live,
		TotalBytes:     batch.totalBytes,
	}
	m.fileMu.Unlock()

	progress.Percent = folderPercent(status, progress.BytesDone, progress.TotalBytes)
	m.registry.setBatch(progress)
	if m.options.OnFolderProgress != nil {
		m.options.OnFolderProgress(progress)
	}
}

func (m *Manager) emitOutgoingBatchProgress(batch *outgoingBatch, status TransferStatus, liveBytes int64) {
	m.fileMu.Lock()
	progress := FolderProgress{
		BatchID:        batch.batchID,
		PeerID:         batch.peerID,
		Direction:      DirectionSend,
		FolderName:     batch.folderName,
		Status:         status,
		CompletedFiles: batch.completedFiles,
		TotalFiles:     batch.totalFiles,
		BytesDone:      batch.completedBytes + liveBytes,
		TotalBytes:     batch.totalBytes,
	}
	m.fileMu.Unlock()

	progress.Percent = folderPercent(status, progress.BytesDone, progress.TotalBytes)
	m.registry.setBatch(progress)
	if m.options.OnFolderProgress != nil {
		m.options.OnFolderProgress(progress)
	}
}

// folderPercent reports batch completion. A finalized batch is 100% even when
// fewer members than declared arrived; the shortfall stays visible through
// CompletedFiles versus TotalFiles.
func folderPercent(status TransferStatus, done, total int64) float64 {
	if status == StatusCompleted {
		return 100
	}
	return percentOf(done, total)
}

func (m *Manager) recordBatch(batch *incomingBatch) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.SaveBatch(batch.batchID, batch.fromPeer, batch.folderName, batch.totalFiles, batch.totalBytes); err != nil {
		m.log.WithField("error", err.Error()).Warn("recording batch history failed")
	}
}
