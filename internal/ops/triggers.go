package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/metrics"
)

// TriggerMachine owns trigger status changes and the capsule unseal that
// goes with a completed trigger.
type TriggerMachine struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics metrics.Collector
	now     func() int64
}

// NewTriggerMachine returns a TriggerMachine writing to database.
func NewTriggerMachine(database *sql.DB, log zerolog.Logger, m metrics.Collector) *TriggerMachine {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &TriggerMachine{
		db:      database,
		log:     log.With().Str("component", "triggers").Logger(),
		metrics: m,
		now:     unixNow,
	}
}

// Resolve moves a non-terminal trigger to completed or failed with evidence.
// A completed trigger unseals its capsule in the same transaction.
// Resolving a terminal trigger returns ALREADY_RESOLVED.
func (m *TriggerMachine) Resolve(ctx context.Context, triggerID string, outcome capsule.TriggerStatus, evidence json.RawMessage) (*capsule.Trigger, error) {
	if outcome != capsule.TriggerCompleted && outcome != capsule.TriggerFailed {
		return nil, errors.NewInvalidRequest("outcome must be one of: completed, failed")
	}
	if err := requireObject("evidence", evidence); err != nil {
		return nil, err
	}

	t, err := m.apply(ctx, triggerID, func(t *capsule.Trigger) error {
		if t.Status.Terminal() {
			return errors.NewAlreadyResolved(t.ID, string(t.Status))
		}
		t.Status = outcome
		t.Evidence = evidence
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.metrics.TriggerResolved(string(t.Kind), string(outcome))
	m.log.Info().
		Str("trigger_id", t.ID).
		Str("capsule_id", t.CapsuleID).
		Str("outcome", string(outcome)).
		Msg("trigger resolved")
	return t, nil
}

// UpdateStatus is the authorized external status change. Terminal triggers and
// active -> pending are rejected with INVALID_STATE_TRANSITION. A nil evidence
// keeps what is stored.
func (m *TriggerMachine) UpdateStatus(ctx context.Context, triggerID string, status capsule.TriggerStatus, evidence json.RawMessage) (*capsule.Trigger, error) {
	if !status.Valid() {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown trigger status %q", status))
	}
	if err := requireObject("evidence", evidence); err != nil {
		return nil, err
	}

	t, err := m.apply(ctx, triggerID, func(t *capsule.Trigger) error {
		if !capsule.CanTransition(t.Status, status) {
			return errors.NewInvalidStateTransition("trigger", t.ID, string(t.Status), string(status))
		}
		t.Status = status
		if evidence != nil {
			t.Evidence = evidence
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t.Status.Terminal() {
		m.metrics.TriggerResolved(string(t.Kind), string(t.Status))
	}
	m.log.Info().
		Str("trigger_id", t.ID).
		Str("status", string(t.Status)).
		Msg("trigger status updated")
	return t, nil
}

// apply reads the trigger, lets mutate change it and writes it back in one
// transaction. A version conflict restarts from a fresh read.
func (m *TriggerMachine) apply(ctx context.Context, triggerID string, mutate func(t *capsule.Trigger) error) (*capsule.Trigger, error) {
	var (
		result *capsule.Trigger
		err    error
	)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err = db.WithTx(ctx, m.db, func(tx *sql.Tx) error {
			t, err := db.GetTrigger(ctx, tx, triggerID)
			if err != nil {
				return err
			}
			if err := mutate(t); err != nil {
				return err
			}
			now := m.now()
			if err := db.UpdateTrigger(ctx, tx, t, now); err != nil {
				return err
			}
			if t.Status == capsule.TriggerCompleted {
				if err := unsealCapsule(ctx, tx, t.CapsuleID, now); err != nil {
					return err
				}
			}
			result = t
			return nil
		})
		if !errors.Is(err, errors.ErrVersionConflict) {
			break
		}
		m.log.Debug().Str("trigger_id", triggerID).Int("attempt", attempt+1).Msg("version conflict, re-reading")
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// unsealCapsule marks a capsule unsealed. Already unsealed is fine.
func unsealCapsule(ctx context.Context, q db.Querier, capsuleID string, now int64) error {
	c, err := db.GetCapsule(ctx, q, capsuleID)
	if err != nil {
		return err
	}
	if c.Status == capsule.StatusUnsealed {
		return nil
	}
	return db.UpdateCapsuleStatus(ctx, q, c, capsule.StatusUnsealed, now)
}

// timeEvidence is recorded on triggers resolved by the due-time sweep.
type timeEvidence struct {
	UnlockAt   int64 `json:"unlock_at"`
	ResolvedAt int64 `json:"resolved_at"`
}

// ResolveDue completes every open time trigger whose unlock time has passed.
// It returns how many it resolved. Failures of single triggers are collected
// and do not stop the sweep.
func (m *TriggerMachine) ResolveDue(ctx context.Context, now int64) (int, error) {
	due, err := db.ListDueTimeTriggers(ctx, m.db, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	var (
		resolved int
		result   *multierror.Error
	)
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		var cond capsule.TimeConditions
		if err := json.Unmarshal(t.Conditions, &cond); err != nil {
			result = multierror.Append(result, fmt.Errorf("trigger %s: %w", t.ID, err))
			continue
		}
		evidence, err := json.Marshal(timeEvidence{UnlockAt: cond.UnlockAt, ResolvedAt: now})
		if err != nil {
			return resolved, errors.NewInternal(err)
		}
		_, err = m.Resolve(ctx, t.ID, capsule.TriggerCompleted, evidence)
		switch {
		case err == nil:
			resolved++
		case errors.Is(err, errors.ErrAlreadyResolved):
			// resolved concurrently
		default:
			result = multierror.Append(result, fmt.Errorf("trigger %s: %w", t.ID, err))
		}
	}
	return resolved, result.ErrorOrNil()
}

// RepairSealed unseals capsules whose trigger completed while the capsule
// stayed sealed. It returns the number of capsules repaired.
func (m *TriggerMachine) RepairSealed(ctx context.Context) (int, error) {
	ids, err := db.ListSealedCompleted(ctx, m.db, sweepBatch)
	if err != nil {
		return 0, err
	}

	repaired := 0
	var result *multierror.Error
	for _, id := range ids {
		err := db.WithTx(ctx, m.db, func(tx *sql.Tx) error {
			return unsealCapsule(ctx, tx, id, m.now())
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("capsule %s: %w", id, err))
			continue
		}
		repaired++
		m.log.Warn().Str("capsule_id", id).Msg("unsealed capsule of completed trigger")
	}
	m.metrics.CapsulesRepaired(repaired)
	return repaired, result.ErrorOrNil()
}
