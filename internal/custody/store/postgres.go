package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"custodia/internal/custody/models"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
)

// PostgresRecordStore persists custody records in PostgreSQL.
type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

const recordColumns = `id, parcel_id, from_party, to_party, ts, latitude, longitude,
	digital_signature, ledger_tx_ref, verified, metadata, created_at`

func (s *PostgresRecordStore) Create(ctx context.Context, record models.CustodyRecord) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal record metadata: %w", err)
	}

	query := `
		INSERT INTO custody_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.ParcelID,
		record.FromParty,
		record.ToParty,
		record.Timestamp,
		record.Location.Latitude,
		record.Location.Longitude,
		record.DigitalSignature,
		nullString(record.LedgerTxRef),
		record.Verified,
		metadata,
		record.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return dErrors.Newf(dErrors.CodeConflict, "record %s already exists", record.ID)
		}
		return fmt.Errorf("insert custody record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) FindByID(ctx context.Context, id string) (models.CustodyRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM custody_records WHERE id = $1`
	return scanRecord(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresRecordStore) ListByParcel(ctx context.Context, parcelID string) ([]models.CustodyRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM custody_records WHERE parcel_id = $1 ORDER BY ts ASC`
	rows, err := s.db.QueryContext(ctx, query, parcelID)
	if err != nil {
		return nil, fmt.Errorf("list custody records: %w", err)
	}
	defer rows.Close()

	var out []models.CustodyRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresRecordStore) LatestByParcel(ctx context.Context, parcelID string) (models.CustodyRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM custody_records WHERE parcel_id = $1 ORDER BY ts DESC LIMIT 1`
	return scanRecord(s.db.QueryRowContext(ctx, query, parcelID))
}

// Confirm is the narrow post-hoc update the persistence contract allows on an
// otherwise append-only record. The WHERE clause refuses to touch a record
// that is already confirmed with a different reference.
func (s *PostgresRecordStore) Confirm(ctx context.Context, id, txRef string) error {
	query := `
		UPDATE custody_records
		SET ledger_tx_ref = $2, verified = TRUE
		WHERE id = $1 AND (ledger_tx_ref IS NULL OR ledger_tx_ref = $2)
	`
	res, err := s.db.ExecContext(ctx, query, id, txRef)
	if err != nil {
		return fmt.Errorf("confirm custody record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("confirm custody record: %w", err)
	}
	if affected == 0 {
		return dErrors.Newf(dErrors.CodeConflict, "record %s missing or confirmed with a different tx ref", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.CustodyRecord, error) {
	var (
		record   models.CustodyRecord
		txRef    sql.NullString
		metadata []byte
	)
	err := row.Scan(
		&record.ID,
		&record.ParcelID,
		&record.FromParty,
		&record.ToParty,
		&record.Timestamp,
		&record.Location.Latitude,
		&record.Location.Longitude,
		&record.DigitalSignature,
		&txRef,
		&record.Verified,
		&metadata,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CustodyRecord{}, ErrNotFound
		}
		return models.CustodyRecord{}, fmt.Errorf("scan custody record: %w", err)
	}
	record.LedgerTxRef = txRef.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return models.CustodyRecord{}, fmt.Errorf("decode record metadata: %w", err)
		}
	}
	return record, nil
}

// PostgresQueueStore persists outbox entries in PostgreSQL. Claiming uses a
// conditional UPDATE over SKIP LOCKED so concurrent managers never claim the
// same item twice.
type PostgresQueueStore struct {
	db *sql.DB
}

func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore {
	return &PostgresQueueStore{db: db}
}

const queueColumns = `id, record_id, transfer, status, retry_count, ledger_tx_ref,
	error_message, processed_at, created_at, updated_at`

func (s *PostgresQueueStore) Enqueue(ctx context.Context, item models.QueueItem) error {
	transfer, err := json.Marshal(item.Transfer)
	if err != nil {
		return fmt.Errorf("marshal queued transfer: %w", err)
	}

	now := requestcontext.Now(ctx)
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	query := `
		INSERT INTO custody_queue (` + queueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.ExecContext(ctx, query,
		item.ID,
		item.RecordID,
		transfer,
		string(item.Status),
		item.RetryCount,
		nullString(item.LedgerTxRef),
		nullString(item.ErrorMessage),
		item.ProcessedAt,
		item.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (s *PostgresQueueStore) FindByID(ctx context.Context, id string) (models.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM custody_queue WHERE id = $1`
	return scanQueueItem(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresQueueStore) ActiveByRecord(ctx context.Context, recordID string) (models.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + ` FROM custody_queue
		WHERE record_id = $1 AND status <> 'completed'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanQueueItem(s.db.QueryRowContext(ctx, query, recordID))
}

func (s *PostgresQueueStore) ClaimPending(ctx context.Context, limit int) ([]models.QueueItem, error) {
	query := `
		UPDATE custody_queue
		SET status = 'processing', updated_at = $2
		WHERE id IN (
			SELECT id FROM custody_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns

	rows, err := s.db.QueryContext(ctx, query, limit, requestcontext.Now(ctx))
	if err != nil {
		return nil, fmt.Errorf("claim pending items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *PostgresQueueStore) MarkCompleted(ctx context.Context, id, txRef string) error {
	now := requestcontext.Now(ctx)
	query := `
		UPDATE custody_queue
		SET status = 'completed', ledger_tx_ref = $2, error_message = NULL,
		    processed_at = $3, updated_at = $3
		WHERE id = $1
	`
	return execExpectingRow(ctx, s.db, query, id, txRef, now)
}

func (s *PostgresQueueStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE custody_queue
		SET status = 'failed', error_message = $2, retry_count = retry_count + 1,
		    updated_at = $3
		WHERE id = $1
	`
	return execExpectingRow(ctx, s.db, query, id, errMsg, requestcontext.Now(ctx))
}

func (s *PostgresQueueStore) ReleaseForRetry(ctx context.Context, id string) error {
	query := `
		UPDATE custody_queue
		SET status = 'pending', updated_at = $2
		WHERE id = $1 AND status = 'failed'
	`
	res, err := s.db.ExecContext(ctx, query, id, requestcontext.Now(ctx))
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	if affected == 0 {
		if _, findErr := s.FindByID(ctx, id); findErr != nil {
			return findErr
		}
		return dErrors.Newf(dErrors.CodeConflict, "queue item %s is not in failed state", id)
	}
	return nil
}

func (s *PostgresQueueStore) ListRetryable(ctx context.Context, maxRetries int, updatedBefore time.Time) ([]models.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + ` FROM custody_queue
		WHERE status = 'failed' AND retry_count < $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, maxRetries, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("list retryable items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *PostgresQueueStore) ListNeedingIntervention(ctx context.Context, maxRetries int) ([]models.QueueItem, error) {
	query := `
		SELECT ` + queueColumns + ` FROM custody_queue
		WHERE status = 'failed' AND retry_count >= $1
		ORDER BY updated_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("list intervention items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func (s *PostgresQueueStore) ReclaimStale(ctx context.Context, updatedBefore time.Time) (int, error) {
	query := `
		UPDATE custody_queue
		SET status = 'pending', updated_at = $2
		WHERE status = 'processing' AND updated_at < $1
	`
	res, err := s.db.ExecContext(ctx, query, updatedBefore, requestcontext.Now(ctx))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale claims: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresQueueStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM custody_queue WHERE status = 'completed' AND processed_at < $1`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed items: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete completed items: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresQueueStore) Stats(ctx context.Context) (models.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(retry_count), 0),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM custody_queue
	`
	var (
		stats  models.QueueStats
		oldest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.TotalRetries,
		&oldest,
	)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPending = &oldest.Time
	}
	return stats, nil
}

func scanQueueItems(rows *sql.Rows) ([]models.QueueItem, error) {
	var out []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanQueueItem(row rowScanner) (models.QueueItem, error) {
	var (
		item        models.QueueItem
		transfer    []byte
		status      string
		txRef       sql.NullString
		errMsg      sql.NullString
		processedAt sql.NullTime
	)
	err := row.Scan(
		&item.ID,
		&item.RecordID,
		&transfer,
		&status,
		&item.RetryCount,
		&txRef,
		&errMsg,
		&processedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueItem{}, ErrNotFound
		}
		return models.QueueItem{}, fmt.Errorf("scan queue item: %w", err)
	}
	if err := json.Unmarshal(transfer, &item.Transfer); err != nil {
		return models.QueueItem{}, fmt.Errorf("decode queued transfer: %w", err)
	}
	item.Status = models.QueueStatus(status)
	item.LedgerTxRef = txRef.String
	item.ErrorMessage = errMsg.String
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	return item, nil
}

func execExpectingRow(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
