package ops

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/errors"
)

func TestResolve_CompletedUnsealsCapsule(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	created := createCapsule(t, database, capsule.KindEvent, `{"source":"oracle"}`)
	tm := NewTriggerMachine(database, zerolog.Nop(), nil)

	trg, err := tm.Resolve(ctx, created.TriggerID, capsule.TriggerCompleted, json.RawMessage(`{"by":"oracle"}`))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if trg.Status != capsule.TriggerCompleted {
		t.Errorf("Status = %q, want completed", trg.Status)
	}
	if trg.Version != 2 {
		t.Errorf("Version = %d, want 2", trg.Version)
	}
	if got := capsuleStatus(t, database, created.CapsuleID); got != capsule.StatusUnsealed {
		t.Errorf("capsule status = %q, want unsealed", got)
	}
}

func TestResolve_FailedKeepsCapsuleSealed(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	created := createCapsule(t, database, capsule.KindEvent, `{}`)
	tm := NewTriggerMachine(database, zerolog.Nop(), nil)

	if _, err := tm.Resolve(ctx, created.TriggerID, capsule.TriggerFailed, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := capsuleStatus(t, database, created.CapsuleID); got != capsule.StatusSealed {
		t.Errorf("capsule status = %q, want sealed", got)
	}
}

func TestResolve_Terminal(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	created := createCapsule(t, database, capsule.KindEvent, `{}`)
	tm := NewTriggerMachine(database, zerolog.Nop(), nil)

	if _, err := tm.Resolve(ctx, created.TriggerID, capsule.TriggerFailed, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	_, err := tm.Resolve(ctx, created.TriggerID, capsule.TriggerCompleted, nil)
	if !errors.Is(err, errors.ErrAlreadyResolved) {
		t.Fatalf("second Resolve error = %v, want ALREADY_RESOLVED", err)
	}
	// the failed outcome stays
	if got := capsuleStatus(t, database, created.CapsuleID); got != capsule.StatusSealed {
		t.Errorf("capsule status = %q, want sealed", got)
	}
}

func TestResolve_Validation(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	created := createCapsule(t, database, capsule.KindEvent, `{}`)
	tm := NewTriggerMachine(database, zerolog.Nop(), nil)

	if _, err := tm.Resolve(ctx, created.TriggerID, capsule.TriggerActive, nil); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("outcome active: error = %v, want INVALID_REQUEST", err)
	}
	if _, err := tm.Resolve(ctx, created.TriggerID, capsule.TriggerCompleted, json.RawMessage(`[1]`)); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("array evidence: error = %v, want INVALID_REQUEST", err)
	}
	if _, err := tm.Resolve(ctx, "missing", capsule.TriggerCompleted, nil); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing trigger: error = %v, want NOT_FOUND", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	created := createCapsule(t, database, capsule.KindEvent, `{}`)
	tm := NewTriggerMachine(database, zerolog.Nop(), nil)

	trg, err := tm.UpdateStatus(ctx, created.TriggerID, capsule.TriggerActive, json.RawMessage(`{"seen":1}`))
	if err != nil {
		t.Fatalf("UpdateStatus(active) failed: %v", err)
	}
	if trg.Status != capsule.TriggerActive || string(trg.Evidence) != `{"seen":1}` {
		t.Errorf("trigger = %+v", trg)
	}

	if _, err := tm.UpdateStatus(ctx, created.TriggerID, capsule.TriggerPending, nil); !errors.Is(err, errors.ErrInvalidStateTransition) {
		t.Errorf("active -> pending: error = %v, want INVALID_STATE_TRANSITION", err)
	}

	// nil evidence keeps the stored evidence
	trg, err = tm.UpdateStatus(ctx, created.TriggerID, capsule.TriggerCompleted, nil)
	if err != nil {
		t.Fatalf("UpdateStatus(completed) failed: %v", err)
	}
	if string(trg.Evidence) != `{"seen":1}` {
		t.Errorf("Evidence = %s, want the stored evidence", trg.Evidence)
	}
	if got := capsuleStatus(t, database, created.CapsuleID); got != capsule.StatusUnsealed {
		t.Errorf("capsule status = %q, want unsealed", got)
	}

	if _, err := tm.UpdateStatus(ctx, created.TriggerID, capsule.TriggerFailed, nil); !errors.Is(err, errors.ErrInvalidStateTransition) {
		t.Errorf("terminal: error = %v, want INVALID_STATE_TRANSITION", err)
	}
	if _, err := tm.UpdateStatus(ctx, created.TriggerID, "bogus", nil); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("unknown status: error = %v, want INVALID_REQUEST", err)
	}
}

func TestResolveDue(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	due := createCapsule(t, database, capsule.KindTime, `{"unlock_at": 100}`)
	later := createCapsule(t, database, capsule.KindTime, `{"unlock_at": 5000}`)
	tm := NewTriggerMachine(database, zerolog.Nop(), nil)

	n, err := tm.ResolveDue(ctx, 200)
	if err != nil {
		t.Fatalf("ResolveDue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved = %d, want 1", n)
	}
	if got := capsuleStatus(t, database, due.CapsuleID); got != capsule.StatusUnsealed {
		t.Errorf("due capsule = %q, want unsealed", got)
	}
	if got := capsuleStatus(t, database, later.CapsuleID); got != capsule.StatusSealed {
		t.Errorf("later capsule = %q, want sealed", got)
	}

	trg, err := db.GetTrigger(ctx, database, due.TriggerID)
	if err != nil {
		t.Fatalf("GetTrigger failed: %v", err)
	}
	var ev timeEvidence
	if err := json.Unmarshal(trg.Evidence, &ev); err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if ev.UnlockAt != 100 || ev.ResolvedAt != 200 {
		t.Errorf("evidence = %+v", ev)
	}

	// second sweep finds nothing
	n, err = tm.ResolveDue(ctx, 200)
	if err != nil || n != 0 {
		t.Errorf("second sweep = %d, %v; want 0, nil", n, err)
	}
}

func TestRepairSealed(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	created := createCapsule(t, database, capsule.KindEvent, `{}`)
	tm := NewTriggerMachine(database, zerolog.Nop(), nil)

	// complete the trigger without touching the capsule
	trg, err := db.GetTrigger(ctx, database, created.TriggerID)
	if err != nil {
		t.Fatalf("GetTrigger failed: %v", err)
	}
	trg.Status = capsule.TriggerCompleted
	if err := db.UpdateTrigger(ctx, database, trg, 10); err != nil {
		t.Fatalf("UpdateTrigger failed: %v", err)
	}

	n, err := tm.RepairSealed(ctx)
	if err != nil {
		t.Fatalf("RepairSealed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("repaired = %d, want 1", n)
	}
	if got := capsuleStatus(t, database, created.CapsuleID); got != capsule.StatusUnsealed {
		t.Errorf("capsule = %q, want unsealed", got)
	}
}
