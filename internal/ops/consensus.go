package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/consensus"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/metrics"
)

// ConsensusEngine records votes and resolves the group's trigger once every
// member has voted.
type ConsensusEngine struct {
	db       *sql.DB
	triggers *TriggerMachine
	log      zerolog.Logger
	metrics  metrics.Collector
	now      func() int64
}

// NewConsensusEngine returns an engine that resolves triggers through triggers.
func NewConsensusEngine(database *sql.DB, triggers *TriggerMachine, log zerolog.Logger, m metrics.Collector) *ConsensusEngine {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &ConsensusEngine{
		db:       database,
		triggers: triggers,
		log:      log.With().Str("component", "consensus").Logger(),
		metrics:  m,
		now:      unixNow,
	}
}

// VoteOutcome reports the tally after a vote. Resolved is true only when this
// call resolved the trigger; the loser of a concurrent final tally sees
// Final=true, Resolved=false.
type VoteOutcome struct {
	GroupID     string                `json:"group_id"`
	TriggerID   string                `json:"trigger_id"`
	Vote        consensus.Vote        `json:"vote,omitempty"`
	Approved    int                   `json:"approved"`
	Rejected    int                   `json:"rejected"`
	Threshold   int                   `json:"threshold"`
	MemberCount int                   `json:"member_count"`
	Final       bool                  `json:"final"`
	Resolved    bool                  `json:"resolved"`
	Outcome     capsule.TriggerStatus `json:"outcome,omitempty"`
}

// CastVote records userID's vote in groupID. A vote is never overwritten.
func (e *ConsensusEngine) CastVote(ctx context.Context, groupID, userID string, vote consensus.Vote) (*VoteOutcome, error) {
	groupID = capsule.NormalizeID(groupID)
	userID = capsule.NormalizeID(userID)
	if groupID == "" || userID == "" {
		return nil, errors.NewInvalidRequest("group_id and user_id are required")
	}
	if !vote.Valid() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("vote must be one of: approved, rejected (got %q)", vote))
	}

	// vote and trigger check commit together: no vote lands on a resolved group
	err := db.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := db.RecordVote(ctx, tx, groupID, userID, vote, e.now()); err != nil {
			return err
		}
		g, err := db.GetConsensusGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		t, err := db.GetTrigger(ctx, tx, g.TriggerID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return errors.NewGroupResolved(g.ID, t.ID, string(t.Status))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.VoteCast(string(vote))
	e.log.Info().
		Str("group_id", groupID).
		Str("user_id", userID).
		Str("vote", string(vote)).
		Msg("vote recorded")

	out, err := e.Settle(ctx, groupID)
	if err != nil {
		return nil, err
	}
	out.Vote = vote
	return out, nil
}

// Settle tallies a group and, when every member has voted, resolves its
// trigger as completed (threshold reached) or failed.
func (e *ConsensusEngine) Settle(ctx context.Context, groupID string) (*VoteOutcome, error) {
	g, err := db.GetConsensusGroup(ctx, e.db, groupID)
	if err != nil {
		return nil, err
	}

	tally := consensus.Count(g.Threshold, g.Members)
	out := &VoteOutcome{
		GroupID:     g.ID,
		TriggerID:   g.TriggerID,
		Approved:    tally.Approved,
		Rejected:    tally.Rejected,
		Threshold:   tally.Threshold,
		MemberCount: tally.MemberCount,
		Final:       tally.Final(),
	}
	if !out.Final {
		return out, nil
	}

	out.Outcome = capsule.TriggerFailed
	if tally.Reached() {
		out.Outcome = capsule.TriggerCompleted
	}
	evidence, err := json.Marshal(tally)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	_, err = e.triggers.Resolve(ctx, g.TriggerID, out.Outcome, evidence)
	switch {
	case err == nil:
		out.Resolved = true
	case errors.Is(err, errors.ErrAlreadyResolved):
		stored, gerr := db.GetTrigger(ctx, e.db, g.TriggerID)
		if gerr != nil {
			return nil, gerr
		}
		out.Outcome = stored.Status
		e.log.Debug().Str("group_id", g.ID).Str("outcome", string(stored.Status)).Msg("trigger already resolved")
	default:
		return nil, err
	}
	return out, nil
}

// SettleStalled resolves triggers of groups that are fully voted but still
// open. It returns how many it resolved.
func (e *ConsensusEngine) SettleStalled(ctx context.Context) (int, error) {
	ids, err := db.ListSettledOpenGroups(ctx, e.db, sweepBatch)
	if err != nil {
		return 0, err
	}
	settled := 0
	var result *multierror.Error
	for _, id := range ids {
		out, err := e.Settle(ctx, id)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("group %s: %w", id, err))
			continue
		}
		if out.Resolved {
			settled++
		}
	}
	return settled, result.ErrorOrNil()
}

// GroupSummary is a group as shown to one of its members.
type GroupSummary struct {
	ID          string         `json:"id"`
	TriggerID   string         `json:"trigger_id"`
	CapsuleID   string         `json:"capsule_id"`
	Threshold   int            `json:"threshold"`
	Approved    int            `json:"approved"`
	Rejected    int            `json:"rejected"`
	MemberCount int            `json:"member_count"`
	MyVote      consensus.Vote `json:"my_vote,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// ListGroupsForUser returns the groups userID votes in, newest first.
func ListGroupsForUser(ctx context.Context, database *sql.DB, userID string) ([]GroupSummary, error) {
	userID = capsule.NormalizeID(userID)
	if userID == "" {
		return nil, errors.NewInvalidRequest("user_id is required")
	}
	groups, err := db.ListGroupsForUser(ctx, database, userID)
	if err != nil {
		return nil, err
	}

	out := make([]GroupSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, summarizeGroup(g, userID))
	}
	return out, nil
}

func summarizeGroup(g *consensus.Group, userID string) GroupSummary {
	tally := consensus.Count(g.Threshold, g.Members)
	s := GroupSummary{
		ID:          g.ID,
		TriggerID:   g.TriggerID,
		CapsuleID:   g.CapsuleID,
		Threshold:   g.Threshold,
		Approved:    tally.Approved,
		Rejected:    tally.Rejected,
		MemberCount: tally.MemberCount,
		CreatedAt:   g.CreatedAt,
	}
	for _, m := range g.Members {
		if m.UserID == userID {
			s.MyVote = m.Vote
		}
	}
	return s
}
