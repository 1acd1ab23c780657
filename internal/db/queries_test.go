package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/errors"
)

// openTestDB initializes a fresh database in a temp directory.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestCapsule creates a sealed capsule with default values for testing.
func newTestCapsule(id string) *capsule.Capsule {
	return &capsule.Capsule{
		ID:          id,
		OwnerID:     "owner-1",
		Content:     []byte{0x01, 0x02, 0x03},
		ContentType: capsule.ContentText,
		Recipients:  []string{"alice", "bob"},
		Status:      capsule.StatusSealed,
		CreatedAt:   1000,
		UpdatedAt:   1000,
	}
}

func newTestTrigger(id, capsuleID string, kind capsule.TriggerKind, conditions string) *capsule.Trigger {
	return &capsule.Trigger{
		ID:         id,
		CapsuleID:  capsuleID,
		Kind:       kind,
		Status:     capsule.TriggerPending,
		Conditions: json.RawMessage(conditions),
		CreatedAt:  1000,
		UpdatedAt:  1000,
	}
}

func TestInsertAndGetCapsule(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := newTestCapsule("01CAP001")
	if err := InsertCapsule(ctx, db, c); err != nil {
		t.Fatalf("InsertCapsule failed: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("Version after insert = %d, want 1", c.Version)
	}

	got, err := GetCapsule(ctx, db, "01CAP001")
	if err != nil {
		t.Fatalf("GetCapsule failed: %v", err)
	}
	if got.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q, want owner-1", got.OwnerID)
	}
	if string(got.Content) != string(c.Content) {
		t.Errorf("Content = %v, want %v", got.Content, c.Content)
	}
	if len(got.Recipients) != 2 || got.Recipients[0] != "alice" || got.Recipients[1] != "bob" {
		t.Errorf("Recipients = %v, want [alice bob]", got.Recipients)
	}
	if got.Status != capsule.StatusSealed {
		t.Errorf("Status = %q, want sealed", got.Status)
	}
}

func TestInsertCapsule_Duplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := InsertCapsule(ctx, db, newTestCapsule("01DUP")); err != nil {
		t.Fatalf("InsertCapsule failed: %v", err)
	}
	if err := InsertCapsule(ctx, db, newTestCapsule("01DUP")); err != ErrUniqueConstraint {
		t.Errorf("second insert error = %v, want ErrUniqueConstraint", err)
	}
}

func TestGetCapsule_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := GetCapsule(context.Background(), db, "missing")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetCapsule error = %v, want NOT_FOUND", err)
	}
}

func TestUpdateCapsuleStatus_CAS(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := newTestCapsule("01CAS")
	if err := InsertCapsule(ctx, db, c); err != nil {
		t.Fatalf("InsertCapsule failed: %v", err)
	}

	stale := *c
	if err := UpdateCapsuleStatus(ctx, db, c, capsule.StatusUnsealed, 2000); err != nil {
		t.Fatalf("UpdateCapsuleStatus failed: %v", err)
	}
	if c.Version != 2 || c.Status != capsule.StatusUnsealed || c.UpdatedAt != 2000 {
		t.Errorf("capsule after update = %+v", c)
	}

	err := UpdateCapsuleStatus(ctx, db, &stale, capsule.StatusSealed, 3000)
	if !errors.Is(err, errors.ErrVersionConflict) {
		t.Errorf("stale update error = %v, want VERSION_CONFLICT", err)
	}

	missing := newTestCapsule("nope")
	missing.Version = 1
	err = UpdateCapsuleStatus(ctx, db, missing, capsule.StatusUnsealed, 3000)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing update error = %v, want NOT_FOUND", err)
	}
}

func TestTrigger_InsertGetUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := InsertCapsule(ctx, db, newTestCapsule("01CAP")); err != nil {
		t.Fatalf("InsertCapsule failed: %v", err)
	}
	tr := newTestTrigger("01TRG", "01CAP", capsule.KindEvent, `{"event":"birthday"}`)
	if err := InsertTrigger(ctx, db, tr); err != nil {
		t.Fatalf("InsertTrigger failed: %v", err)
	}

	got, err := GetTriggerByCapsule(ctx, db, "01CAP")
	if err != nil {
		t.Fatalf("GetTriggerByCapsule failed: %v", err)
	}
	if got.ID != "01TRG" || got.Kind != capsule.KindEvent || got.Status != capsule.TriggerPending {
		t.Errorf("trigger = %+v", got)
	}
	if string(got.Conditions) != `{"event":"birthday"}` {
		t.Errorf("Conditions = %s", got.Conditions)
	}
	if got.Evidence != nil {
		t.Errorf("Evidence = %s, want nil", got.Evidence)
	}

	got.Status = capsule.TriggerCompleted
	got.Evidence = json.RawMessage(`{"source":"oracle"}`)
	if err := UpdateTrigger(ctx, db, got, 5000); err != nil {
		t.Fatalf("UpdateTrigger failed: %v", err)
	}

	reread, err := GetTrigger(ctx, db, "01TRG")
	if err != nil {
		t.Fatalf("GetTrigger failed: %v", err)
	}
	if reread.Status != capsule.TriggerCompleted || reread.Version != 2 {
		t.Errorf("reread = %+v", reread)
	}
	if string(reread.Evidence) != `{"source":"oracle"}` {
		t.Errorf("Evidence = %s", reread.Evidence)
	}

	// The copy we started from is now stale.
	tr.Status = capsule.TriggerFailed
	if err := UpdateTrigger(ctx, db, tr, 6000); !errors.Is(err, errors.ErrVersionConflict) {
		t.Errorf("stale UpdateTrigger error = %v, want VERSION_CONFLICT", err)
	}
}

func TestInsertTrigger_TimeConditionsRequired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := InsertCapsule(ctx, db, newTestCapsule("01CAP")); err != nil {
		t.Fatalf("InsertCapsule failed: %v", err)
	}
	tr := newTestTrigger("01TRG", "01CAP", capsule.KindTime, `not json`)
	if err := InsertTrigger(ctx, db, tr); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("InsertTrigger error = %v, want INVALID_REQUEST", err)
	}
}

func TestListDueTimeTriggers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seed := []struct {
		id       string
		kind     capsule.TriggerKind
		cond     string
		terminal bool
	}{
		{"A", capsule.KindTime, `{"unlock_at":100}`, false},
		{"B", capsule.KindTime, `{"unlock_at":300}`, false},
		{"C", capsule.KindTime, `{"unlock_at":50}`, true},
		{"D", capsule.KindEvent, `{}`, false},
		{"E", capsule.KindTime, `{"unlock_at":200}`, false},
	}
	for _, s := range seed {
		if err := InsertCapsule(ctx, db, newTestCapsule("cap-"+s.id)); err != nil {
			t.Fatalf("InsertCapsule failed: %v", err)
		}
		tr := newTestTrigger("trg-"+s.id, "cap-"+s.id, s.kind, s.cond)
		if s.terminal {
			tr.Status = capsule.TriggerCompleted
		}
		if err := InsertTrigger(ctx, db, tr); err != nil {
			t.Fatalf("InsertTrigger failed: %v", err)
		}
	}

	due, err := ListDueTimeTriggers(ctx, db, 250, 10)
	if err != nil {
		t.Fatalf("ListDueTimeTriggers failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != "trg-A" || due[1].ID != "trg-E" {
		t.Errorf("due = [%s %s], want [trg-A trg-E]", due[0].ID, due[1].ID)
	}
}

func TestListSealedCompleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2"} {
		if err := InsertCapsule(ctx, db, newTestCapsule("cap-"+id)); err != nil {
			t.Fatalf("InsertCapsule failed: %v", err)
		}
		tr := newTestTrigger("trg-"+id, "cap-"+id, capsule.KindEvent, `{}`)
		tr.Status = capsule.TriggerCompleted
		if err := InsertTrigger(ctx, db, tr); err != nil {
			t.Fatalf("InsertTrigger failed: %v", err)
		}
	}
	c2, _ := GetCapsule(ctx, db, "cap-2")
	if err := UpdateCapsuleStatus(ctx, db, c2, capsule.StatusUnsealed, 2000); err != nil {
		t.Fatalf("UpdateCapsuleStatus failed: %v", err)
	}

	ids, err := ListSealedCompleted(ctx, db, 0)
	if err != nil {
		t.Fatalf("ListSealedCompleted failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "cap-1" {
		t.Errorf("ids = %v, want [cap-1]", ids)
	}
}
