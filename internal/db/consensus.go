package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/unseal/internal/consensus"
	"github.com/hpungsan/unseal/internal/errors"
)

// InsertGroup stores a consensus group and its members in member order.
// Member ids must already be assigned.
func InsertGroup(ctx context.Context, q Querier, g *consensus.Group) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO consensus_groups (id, trigger_id, capsule_id, threshold, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, g.ID, g.TriggerID, g.CapsuleID, g.Threshold, g.CreatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}

	for i := range g.Members {
		m := &g.Members[i]
		m.GroupID = g.ID
		if m.Version == 0 {
			m.Version = 1
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO consensus_members (id, group_id, user_id, position, vote, voted_at, version)
			VALUES (?, ?, ?, ?, NULL, NULL, ?)
		`, m.ID, g.ID, m.UserID, i, m.Version)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ErrUniqueConstraint
			}
			return errors.NewInternal(err)
		}
	}
	return nil
}

// GetConsensusGroup retrieves a group with its members.
func GetConsensusGroup(ctx context.Context, q Querier, id string) (*consensus.Group, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, trigger_id, capsule_id, threshold, created_at
		FROM consensus_groups WHERE id = ?
	`, id)
	return loadGroup(ctx, q, row, id)
}

// GetGroupByTrigger retrieves the group attached to a consensus trigger.
func GetGroupByTrigger(ctx context.Context, q Querier, triggerID string) (*consensus.Group, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, trigger_id, capsule_id, threshold, created_at
		FROM consensus_groups WHERE trigger_id = ?
	`, triggerID)
	return loadGroup(ctx, q, row, "trigger:"+triggerID)
}

// RecordVote sets a member's vote only if none is recorded yet.
// Returns NOT_A_MEMBER when the user is not in the group and ALREADY_VOTED when
// a vote exists, which includes losing a race against the same member.
func RecordVote(ctx context.Context, q Querier, groupID, userID string, vote consensus.Vote, now int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE consensus_members
		SET vote = ?, voted_at = ?, version = version + 1
		WHERE group_id = ? AND user_id = ? AND vote IS NULL
	`, string(vote), now, groupID, userID)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx, `
		SELECT 1 FROM consensus_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.NewNotAMember(groupID, userID)
	}
	if err != nil {
		return errors.NewInternal(err)
	}
	return errors.NewAlreadyVoted(groupID, userID)
}

// GetMember retrieves one member of a group.
func GetMember(ctx context.Context, q Querier, groupID, userID string) (*consensus.Member, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, group_id, user_id, vote, voted_at, version
		FROM consensus_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotAMember(groupID, userID)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return m, nil
}

// ListGroupsForUser returns every group the user is a member of, newest first.
func ListGroupsForUser(ctx context.Context, q Querier, userID string) ([]*consensus.Group, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT g.id, g.trigger_id, g.capsule_id, g.threshold, g.created_at
		FROM consensus_groups g
		JOIN consensus_members m ON m.group_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.created_at DESC, g.id DESC
	`, userID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	var groups []*consensus.Group
	for rows.Next() {
		var g consensus.Group
		if err := rows.Scan(&g.ID, &g.TriggerID, &g.CapsuleID, &g.Threshold, &g.CreatedAt); err != nil {
			rows.Close()
			return nil, errors.NewInternal(err)
		}
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.NewInternal(err)
	}
	rows.Close()

	// Members are loaded after the cursor is closed; a Tx holds one connection.
	for _, g := range groups {
		members, err := listMembers(ctx, q, g.ID)
		if err != nil {
			return nil, err
		}
		g.Members = members
	}
	return groups, nil
}

func loadGroup(ctx context.Context, q Querier, row *sql.Row, ref string) (*consensus.Group, error) {
	var g consensus.Group
	err := row.Scan(&g.ID, &g.TriggerID, &g.CapsuleID, &g.Threshold, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("consensus group", ref)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	members, err := listMembers(ctx, q, g.ID)
	if err != nil {
		return nil, err
	}
	g.Members = members
	return &g, nil
}

func listMembers(ctx context.Context, q Querier, groupID string) ([]consensus.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, group_id, user_id, vote, voted_at, version
		FROM consensus_members WHERE group_id = ?
		ORDER BY position ASC
	`, groupID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var members []consensus.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return members, nil
}

func scanMember(row scanner) (*consensus.Member, error) {
	var (
		m       consensus.Member
		vote    sql.NullString
		votedAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &vote, &votedAt, &m.Version); err != nil {
		return nil, err
	}
	if vote.Valid {
		m.Vote = consensus.Vote(vote.String)
	}
	if votedAt.Valid {
		m.VotedAt = votedAt.Int64
	}
	return &m, nil
}

// ListSettledOpenGroups returns ids of groups where every member has voted but
// the trigger is still open, as left behind by a crash between the last vote
// and trigger resolution.
func ListSettledOpenGroups(ctx context.Context, q Querier, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT g.id
		FROM consensus_groups g
		JOIN triggers t ON t.id = g.trigger_id
		WHERE t.status IN ('pending', 'active')
		  AND NOT EXISTS (
			SELECT 1 FROM consensus_members m WHERE m.group_id = g.id AND m.vote IS NULL
		  )
		  AND EXISTS (SELECT 1 FROM consensus_members m WHERE m.group_id = g.id)
		ORDER BY g.id
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
