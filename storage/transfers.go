package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer inserts a new transfer history row.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = statusPending
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}
	if record.StartedAt == 0 {
		record.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			peer_id,
			direction,
			filename,
			filesize,
			filetype,
			relative_path,
			batch_id,
			checksum,
			status,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.PeerID,
		record.Direction,
		record.Filename,
		record.Filesize,
		nullString(record.Filetype),
		nullString(record.RelativePath),
		nullString(record.BatchID),
		nullString(record.Checksum),
		record.Status,
		record.StartedAt,
		nullInt64(record.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.TransferID, err)
	}

	return nil
}

// UpdateTransferStatus marks a transfer row with a new status. Terminal
// statuses also stamp finished_at.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	var finishedAt any
	switch status {
	case statusCompleted, statusFailed, statusCancelled:
		finishedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, finished_at = COALESCE(?, finished_at)
		WHERE transfer_id = ?`,
		status,
		finishedAt,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer status %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransferByID fetches one transfer history row.
func (s *Store) GetTransferByID(transferID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			peer_id,
			direction,
			filename,
			filesize,
			filetype,
			relative_path,
			batch_id,
			checksum,
			status,
			started_at,
			finished_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return record, nil
}

// ListTransfers returns the most recent transfer rows, newest first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			peer_id,
			direction,
			filename,
			filesize,
			filetype,
			relative_path,
			batch_id,
			checksum,
			status,
			started_at,
			finished_at
		FROM transfers
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}

// ListBatchTransfers returns all member rows of one batch in send order.
func (s *Store) ListBatchTransfers(batchID string) ([]TransferRecord, error) {
	if batchID == "" {
		return nil, errors.New("batch_id is required")
	}

	rows, err := s.db.Query(
		`SELECT
			transfer_id,
			peer_id,
			direction,
			filename,
			filesize,
			filetype,
			relative_path,
			batch_id,
			checksum,
			status,
			started_at,
			finished_at
		FROM transfers
		WHERE batch_id = ?
		ORDER BY started_at, transfer_id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list batch transfers %q: %w", batchID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}

// SaveBatch inserts a new folder transfer row.
func (s *Store) SaveBatch(batchID, peerID, folderName string, totalFiles int, totalBytes int64) error {
	if batchID == "" {
		return errors.New("batch_id is required")
	}
	if peerID == "" {
		return errors.New("peer_id is required")
	}
	if folderName == "" {
		return errors.New("folder_name is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO batches (
			batch_id,
			peer_id,
			folder_name,
			total_files,
			total_bytes,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		batchID,
		peerID,
		folderName,
		totalFiles,
		totalBytes,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert batch %q: %w", batchID, err)
	}

	return nil
}

// GetBatchByID fetches one folder transfer row.
func (s *Store) GetBatchByID(batchID string) (*BatchRecord, error) {
	row := s.db.QueryRow(
		`SELECT batch_id, peer_id, folder_name, total_files, total_bytes, started_at
		FROM batches
		WHERE batch_id = ?`,
		batchID,
	)

	var record BatchRecord
	err := row.Scan(
		&record.BatchID,
		&record.PeerID,
		&record.FolderName,
		&record.TotalFiles,
		&record.TotalBytes,
		&record.StartedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get batch %q: %w", batchID, err)
	}

	return &record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*TransferRecord, error) {
	var record TransferRecord
	var filetype, relativePath, batchID, checksum sql.NullString
	var finishedAt sql.NullInt64

	err := row.Scan(
		&record.TransferID,
		&record.PeerID,
		&record.Direction,
		&record.Filename,
		&record.Filesize,
		&filetype,
		&relativePath,
		&batchID,
		&checksum,
		&record.Status,
		&record.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Filetype = filetype.String
	record.RelativePath = relativePath.String
	record.BatchID = batchID.String
	record.Checksum = checksum.String
	record.FinishedAt = finishedAt.Int64

	return &record, nil
}
