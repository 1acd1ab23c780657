package ops

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/errors"
)

func TestCreateCapsule_Consensus(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	out := createCapsule(t, database, capsule.KindConsensus, "", "alice", " bob", "alice", "", "carol")
	if out.GroupID == "" {
		t.Fatal("GroupID is empty")
	}
	if out.Threshold != 2 {
		t.Errorf("Threshold = %d, want 2", out.Threshold)
	}

	c, err := db.GetCapsule(ctx, database, out.CapsuleID)
	if err != nil {
		t.Fatalf("GetCapsule failed: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(c.Recipients) != len(want) {
		t.Fatalf("Recipients = %v, want %v", c.Recipients, want)
	}
	for i := range want {
		if c.Recipients[i] != want[i] {
			t.Errorf("Recipients[%d] = %q, want %q", i, c.Recipients[i], want[i])
		}
	}
	if c.Status != capsule.StatusSealed {
		t.Errorf("Status = %q, want sealed", c.Status)
	}

	g, err := db.GetConsensusGroup(ctx, database, out.GroupID)
	if err != nil {
		t.Fatalf("GetConsensusGroup failed: %v", err)
	}
	if len(g.Members) != 3 || g.TriggerID != out.TriggerID {
		t.Errorf("group = %+v", g)
	}
}

func TestCreateCapsule_ExplicitThreshold(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	input := CreateCapsuleInput{
		OwnerID:     "owner",
		Content:     []byte{1},
		Recipients:  []string{"a", "b"},
		TriggerKind: capsule.KindConsensus,
		Threshold:   1,
	}

	out, err := CreateCapsule(ctx, database, config.DefaultConfig(), input)
	if err != nil {
		t.Fatalf("CreateCapsule failed: %v", err)
	}
	if out.Threshold != 1 {
		t.Errorf("Threshold = %d, want 1", out.Threshold)
	}

	input.Threshold = 3
	if _, err := CreateCapsule(ctx, database, config.DefaultConfig(), input); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("threshold above members: error = %v, want INVALID_REQUEST", err)
	}
}

func TestCreateCapsule_Validation(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	cfg := config.DefaultConfig()
	valid := CreateCapsuleInput{
		OwnerID:     "owner",
		Content:     []byte{1},
		TriggerKind: capsule.KindTime,
		Conditions:  json.RawMessage(`{"unlock_at": 100}`),
	}

	tests := []struct {
		name   string
		mutate func(in *CreateCapsuleInput)
	}{
		{"missing owner", func(in *CreateCapsuleInput) { in.OwnerID = "  " }},
		{"missing content", func(in *CreateCapsuleInput) { in.Content = nil }},
		{"bad content type", func(in *CreateCapsuleInput) { in.ContentType = "image" }},
		{"bad kind", func(in *CreateCapsuleInput) { in.TriggerKind = "manual" }},
		{"time without unlock_at", func(in *CreateCapsuleInput) { in.Conditions = json.RawMessage(`{}`) }},
		{"conditions not an object", func(in *CreateCapsuleInput) { in.Conditions = json.RawMessage(`"soon"`) }},
		{"consensus without recipients", func(in *CreateCapsuleInput) {
			in.TriggerKind = capsule.KindConsensus
			in.Conditions = nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := CreateCapsule(ctx, database, cfg, in)
			if !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("error = %v, want INVALID_REQUEST", err)
			}
		})
	}

	if _, err := CreateCapsule(ctx, database, cfg, valid); err != nil {
		t.Errorf("valid input failed: %v", err)
	}
}

func TestFetchCapsule_ContentOnlyWhenUnsealed(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	created := createCapsule(t, database, capsule.KindConsensus, "", "alice")

	out, err := FetchCapsule(ctx, database, created.CapsuleID)
	if err != nil {
		t.Fatalf("FetchCapsule failed: %v", err)
	}
	if out.Content != nil {
		t.Error("sealed capsule returned content")
	}
	if out.Trigger.Kind != capsule.KindConsensus || out.Group == nil || out.Group.MemberCount != 1 {
		t.Errorf("fetch = %+v", out)
	}

	tm := NewTriggerMachine(database, zerolog.Nop(), nil)
	if _, err := tm.Resolve(ctx, created.TriggerID, capsule.TriggerCompleted, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	out, err = FetchCapsule(ctx, database, created.CapsuleID)
	if err != nil {
		t.Fatalf("FetchCapsule failed: %v", err)
	}
	if string(out.Content) != "ciphertext" {
		t.Errorf("Content = %q, want ciphertext", out.Content)
	}
	if out.Trigger.Status != capsule.TriggerCompleted {
		t.Errorf("trigger status = %q", out.Trigger.Status)
	}

	if _, err := FetchCapsule(ctx, database, "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("missing capsule error = %v, want NOT_FOUND", err)
	}
}
