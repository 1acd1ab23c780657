package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/errors"
)

// PutSubmission records a signed destination transaction unless one already
// exists for the transfer. It returns whichever record is stored, so the first
// writer's bytes are the ones every retry broadcasts.
func PutSubmission(ctx context.Context, q Querier, s *bridge.Submission) (*bridge.Submission, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO submissions (transfer_id, chain, payload, tx_hash, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(transfer_id) DO NOTHING
	`, s.TransferID, string(s.Chain), s.Payload, s.TxHash, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return GetSubmission(ctx, q, s.TransferID)
}

// GetSubmission retrieves the submission recorded for a transfer.
func GetSubmission(ctx context.Context, q Querier, transferID string) (*bridge.Submission, error) {
	var (
		s     bridge.Submission
		chain string
	)
	err := q.QueryRowContext(ctx, `
		SELECT transfer_id, chain, payload, tx_hash, attempts, created_at, updated_at
		FROM submissions WHERE transfer_id = ?
	`, transferID).Scan(&s.TransferID, &chain, &s.Payload, &s.TxHash, &s.Attempts, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("submission", transferID)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	s.Chain = bridge.Chain(chain)
	return &s, nil
}

// RecordSubmissionAttempt counts one broadcast of a stored submission.
func RecordSubmissionAttempt(ctx context.Context, q Querier, transferID string, now int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE submissions SET attempts = attempts + 1, updated_at = ? WHERE transfer_id = ?
	`, now, transferID)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound("submission", transferID)
	}
	return nil
}

// DeleteSubmission removes the submission of a transfer if it still holds txHash.
func DeleteSubmission(ctx context.Context, q Querier, transferID, txHash string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM submissions WHERE transfer_id = ? AND tx_hash = ?
	`, transferID, txHash)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// SubmissionLog exposes the submissions table to the ledger adapters.
type SubmissionLog struct {
	db *sql.DB
}

// NewSubmissionLog returns a SubmissionLog backed by database.
func NewSubmissionLog(database *sql.DB) *SubmissionLog {
	return &SubmissionLog{db: database}
}

// Lookup returns the stored submission for key, or nil when none exists.
func (l *SubmissionLog) Lookup(ctx context.Context, key string) (*bridge.Submission, error) {
	s, err := GetSubmission(ctx, l.db, key)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// Record stores s unless a submission exists for the same key, and returns the stored one.
func (l *SubmissionLog) Record(ctx context.Context, s *bridge.Submission) (*bridge.Submission, error) {
	now := time.Now().Unix()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return PutSubmission(ctx, l.db, s)
}

// Attempted counts one broadcast.
func (l *SubmissionLog) Attempted(ctx context.Context, key string) error {
	return RecordSubmissionAttempt(ctx, l.db, key, time.Now().Unix())
}

// Discard removes the stored submission for key when it still holds txHash.
func (l *SubmissionLog) Discard(ctx context.Context, key, txHash string) error {
	return DeleteSubmission(ctx, l.db, key, txHash)
}

// GetCursor returns the stored position of a feed, or ok=false when the feed
// has never advanced.
func GetCursor(ctx context.Context, q Querier, name string) (position string, ok bool, err error) {
	err = q.QueryRowContext(ctx, `SELECT position FROM feed_cursors WHERE name = ?`, name).Scan(&position)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewInternal(err)
	}
	return position, true, nil
}

// PutCursor stores the position of a feed.
func PutCursor(ctx context.Context, q Querier, name, position string, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO feed_cursors (name, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
	`, name, position, now)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// CursorStore exposes feed_cursors to the relay.
type CursorStore struct {
	db *sql.DB
}

// NewCursorStore returns a CursorStore backed by database.
func NewCursorStore(database *sql.DB) *CursorStore {
	return &CursorStore{db: database}
}

// Get returns the stored position of feed name; "" when it never advanced.
func (s *CursorStore) Get(ctx context.Context, name string) (string, error) {
	pos, _, err := GetCursor(ctx, s.db, name)
	return pos, err
}

// Put stores the position of feed name.
func (s *CursorStore) Put(ctx context.Context, name, position string) error {
	return PutCursor(ctx, s.db, name, position, time.Now().Unix())
}
