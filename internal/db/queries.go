package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/errors"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.UnsealError{
	Code:    "UNIQUE_CONSTRAINT",
	Status:  409,
	Message: "unique constraint violation",
}

// scanner is the common subset of *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const capsuleColumns = `id, owner_id, content, content_type, recipients_json, status, version, created_at, updated_at`

const triggerColumns = `id, capsule_id, kind, status, conditions_json, evidence_json, version, created_at, updated_at`

// InsertCapsule stores a new capsule. Version starts at 1.
func InsertCapsule(ctx context.Context, q Querier, c *capsule.Capsule) error {
	recipients := c.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return errors.NewInternal(err)
	}
	if c.Version == 0 {
		c.Version = 1
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO capsules (`+capsuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.OwnerID, c.Content, string(c.ContentType), string(recipientsJSON),
		string(c.Status), c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetCapsule retrieves a capsule by its ULID.
func GetCapsule(ctx context.Context, q Querier, id string) (*capsule.Capsule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+capsuleColumns+` FROM capsules WHERE id = ?`, id)
	c, err := scanCapsule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("capsule", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// UpdateCapsuleStatus sets the capsule status if the stored version still equals
// c.Version. On success c carries the new status, version and timestamp.
func UpdateCapsuleStatus(ctx context.Context, q Querier, c *capsule.Capsule, status capsule.Status, now int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE capsules
		SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(status), now, c.ID, c.Version)
	if err != nil {
		return errors.NewInternal(err)
	}
	if err := checkCAS(ctx, q, result, "capsules", "capsule", c.ID, c.Version); err != nil {
		return err
	}

	c.Status = status
	c.Version++
	c.UpdatedAt = now
	return nil
}

// InsertTrigger stores a new trigger. For time triggers the unlock time is
// copied out of the conditions so the due sweep can use an index.
func InsertTrigger(ctx context.Context, q Querier, t *capsule.Trigger) error {
	var unlockAt sql.NullInt64
	if t.Kind == capsule.KindTime {
		var cond capsule.TimeConditions
		if err := json.Unmarshal(t.Conditions, &cond); err != nil {
			return errors.NewInvalidRequest(fmt.Sprintf("time trigger conditions: %v", err))
		}
		unlockAt = sql.NullInt64{Int64: cond.UnlockAt, Valid: true}
	}
	if t.Version == 0 {
		t.Version = 1
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO triggers (
			id, capsule_id, kind, status, conditions_json, evidence_json,
			unlock_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.CapsuleID, string(t.Kind), string(t.Status),
		toNullJSON(t.Conditions), toNullJSON(t.Evidence),
		unlockAt, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetTrigger retrieves a trigger by id.
func GetTrigger(ctx context.Context, q Querier, id string) (*capsule.Trigger, error) {
	row := q.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("trigger", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return t, nil
}

// GetTriggerByCapsule retrieves the trigger owned by a capsule.
func GetTriggerByCapsule(ctx context.Context, q Querier, capsuleID string) (*capsule.Trigger, error) {
	row := q.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE capsule_id = ?`, capsuleID)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("trigger", "capsule:"+capsuleID)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return t, nil
}

// UpdateTrigger writes status and evidence if the stored version still equals
// t.Version. On success t carries the new version and timestamp.
func UpdateTrigger(ctx context.Context, q Querier, t *capsule.Trigger, now int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE triggers
		SET status = ?, evidence_json = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(t.Status), toNullJSON(t.Evidence), now, t.ID, t.Version)
	if err != nil {
		return errors.NewInternal(err)
	}
	if err := checkCAS(ctx, q, result, "triggers", "trigger", t.ID, t.Version); err != nil {
		return err
	}

	t.Version++
	t.UpdatedAt = now
	return nil
}

// ListDueTimeTriggers returns non-terminal time triggers whose unlock time is at
// or before now, oldest first.
func ListDueTimeTriggers(ctx context.Context, q Querier, now int64, limit int) ([]*capsule.Trigger, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+triggerColumns+`
		FROM triggers
		WHERE kind = 'time' AND status IN ('pending', 'active') AND unlock_at <= ?
		ORDER BY unlock_at ASC, id ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*capsule.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ListSealedCompleted returns ids of capsules that are still sealed although
// their trigger completed.
func ListSealedCompleted(ctx context.Context, q Querier, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT c.id
		FROM capsules c
		JOIN triggers t ON t.capsule_id = c.id
		WHERE t.status = 'completed' AND c.status = 'sealed'
		ORDER BY c.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternal(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return ids, nil
}

// checkCAS turns a zero-row conditional update into NOT_FOUND or VERSION_CONFLICT.
func checkCAS(ctx context.Context, q Querier, result sql.Result, table, kind, id string, expected int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.NewNotFound(kind, id)
	}
	if err != nil {
		return errors.NewInternal(err)
	}
	return errors.NewVersionConflict(kind, id, expected)
}

// scanCapsule scans a single row into a Capsule struct.
func scanCapsule(row scanner) (*capsule.Capsule, error) {
	var (
		c              capsule.Capsule
		contentType    string
		status         string
		recipientsJSON string
	)

	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Content, &contentType, &recipientsJSON,
		&status, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ContentType = capsule.ContentType(contentType)
	c.Status = capsule.Status(status)
	if err := json.Unmarshal([]byte(recipientsJSON), &c.Recipients); err != nil {
		return nil, err
	}
	return &c, nil
}

// scanTrigger scans a single row into a Trigger struct.
func scanTrigger(row scanner) (*capsule.Trigger, error) {
	var (
		t          capsule.Trigger
		kind       string
		status     string
		conditions sql.NullString
		evidence   sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.CapsuleID, &kind, &status, &conditions, &evidence,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = capsule.TriggerKind(kind)
	t.Status = capsule.TriggerStatus(status)
	if conditions.Valid {
		t.Conditions = json.RawMessage(conditions.String)
	}
	if evidence.Valid {
		t.Evidence = json.RawMessage(evidence.String)
	}
	return &t, nil
}
