package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/errors"
)

const transferColumns = `id, source_chain, dest_chain, source_tx_hash, dest_tx_hash,
	from_address, dest_address, token_ids_json, amounts_json, status,
	failure_reason, finality_checks, version, created_at, updated_at`

// InsertTransfer stores a new transfer. A second transfer for the same
// (source_chain, source_tx_hash) returns ErrUniqueConstraint.
func InsertTransfer(ctx context.Context, q Querier, t *bridge.Transfer) error {
	tokenIDs, err := json.Marshal(nonNil(t.TokenIDs))
	if err != nil {
		return errors.NewInternal(err)
	}
	amounts, err := json.Marshal(nonNil(t.Amounts))
	if err != nil {
		return errors.NewInternal(err)
	}
	if t.Version == 0 {
		t.Version = 1
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, string(t.SourceChain), string(t.DestChain), t.SourceTxHash, toNullString(t.DestTxHash),
		t.FromAddress, t.DestAddress, string(tokenIDs), string(amounts), string(t.Status),
		toNullString(t.FailureReason), t.FinalityChecks, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetTransfer retrieves a transfer by id.
func GetTransfer(ctx context.Context, q Querier, id string) (*bridge.Transfer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("transfer", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return t, nil
}

// GetTransferBySource retrieves the transfer created for a source transaction.
func GetTransferBySource(ctx context.Context, q Querier, chain bridge.Chain, sourceTxHash string) (*bridge.Transfer, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE source_chain = ? AND source_tx_hash = ?
	`, string(chain), sourceTxHash)
	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("transfer", string(chain)+":"+sourceTxHash)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return t, nil
}

// GetTransferByDest retrieves the transfer whose destination transaction is destTxHash.
func GetTransferByDest(ctx context.Context, q Querier, chain bridge.Chain, destTxHash string) (*bridge.Transfer, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE dest_chain = ? AND dest_tx_hash = ?
	`, string(chain), destTxHash)
	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("transfer", string(chain)+":"+destTxHash)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return t, nil
}

// UpdateTransfer writes the mutable fields if the stored version still equals
// t.Version. On success t carries the new version and timestamp.
func UpdateTransfer(ctx context.Context, q Querier, t *bridge.Transfer, now int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE transfers
		SET dest_tx_hash = ?, status = ?, failure_reason = ?, finality_checks = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		toNullString(t.DestTxHash), string(t.Status), toNullString(t.FailureReason), t.FinalityChecks,
		now, t.ID, t.Version,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	if err := checkCAS(ctx, q, result, "transfers", "transfer", t.ID, t.Version); err != nil {
		return err
	}

	t.Version++
	t.UpdatedAt = now
	return nil
}

// ListTransfers returns transfers in the given statuses (all when empty),
// least recently updated first.
func ListTransfers(ctx context.Context, q Querier, statuses []bridge.Status, limit, offset int) ([]*bridge.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := make([]any, 0, len(statuses)+2)
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY updated_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*bridge.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
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

// CountTransfersByStatus returns the number of transfers per status.
func CountTransfersByStatus(ctx context.Context, q Querier) (map[bridge.Status]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM transfers GROUP BY status`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	counts := make(map[bridge.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.NewInternal(err)
		}
		counts[bridge.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return counts, nil
}

func scanTransfer(row scanner) (*bridge.Transfer, error) {
	var (
		t             bridge.Transfer
		sourceChain   string
		destChain     string
		destTxHash    sql.NullString
		tokenIDsJSON  string
		amountsJSON   string
		status        string
		failureReason sql.NullString
	)

	err := row.Scan(
		&t.ID, &sourceChain, &destChain, &t.SourceTxHash, &destTxHash,
		&t.FromAddress, &t.DestAddress, &tokenIDsJSON, &amountsJSON, &status,
		&failureReason, &t.FinalityChecks, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SourceChain = bridge.Chain(sourceChain)
	t.DestChain = bridge.Chain(destChain)
	t.DestTxHash = destTxHash.String
	t.Status = bridge.Status(status)
	t.FailureReason = failureReason.String
	if err := json.Unmarshal([]byte(tokenIDsJSON), &t.TokenIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(amountsJSON), &t.Amounts); err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
