package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/consensus"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/errors"
)

// CreateCapsuleInput contains parameters for the CreateCapsule operation.
type CreateCapsuleInput struct {
	OwnerID     string
	Content     []byte              // encrypted by the client; stored as is
	ContentType capsule.ContentType // default: text
	Recipients  []string
	TriggerKind capsule.TriggerKind
	Conditions  json.RawMessage // {"unlock_at": <unix>} for time triggers
	Threshold   int             // consensus only; 0 means the configured default
}

// CreateCapsuleOutput contains the ids created by CreateCapsule.
type CreateCapsuleOutput struct {
	CapsuleID string `json:"capsule_id"`
	TriggerID string `json:"trigger_id"`
	GroupID   string `json:"group_id,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
}

// CreateCapsule stores a sealed capsule with its trigger and, for consensus
// triggers, a voting group made of the recipients. Everything is written in one
// transaction.
func CreateCapsule(ctx context.Context, database *sql.DB, cfg *config.Config, input CreateCapsuleInput) (*CreateCapsuleOutput, error) {
	owner := capsule.NormalizeID(input.OwnerID)
	if owner == "" {
		return nil, errors.NewInvalidRequest("owner_id is required")
	}
	if len(input.Content) == 0 {
		return nil, errors.NewInvalidRequest("content is required")
	}
	if input.ContentType == "" {
		input.ContentType = capsule.ContentText
	}
	if !input.ContentType.Valid() {
		return nil, errors.NewInvalidRequest("content_type must be one of: text, audio, video")
	}
	if !input.TriggerKind.Valid() {
		return nil, errors.NewInvalidRequest("trigger kind must be one of: time, event, consensus")
	}
	conditions, err := validateConditions(input.TriggerKind, input.Conditions)
	if err != nil {
		return nil, err
	}
	recipients := capsule.NormalizeRecipients(input.Recipients)

	threshold := 0
	if input.TriggerKind == capsule.KindConsensus {
		if len(recipients) == 0 {
			return nil, errors.NewInvalidRequest("consensus triggers need at least one recipient")
		}
		threshold = input.Threshold
		if threshold == 0 {
			threshold = consensus.DefaultThreshold(len(recipients), cfg.ConsensusThresholdPercent)
		}
		if !consensus.ValidThreshold(threshold, len(recipients)) {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("threshold must be between 1 and %d", len(recipients)))
		}
	}

	now := unixNow()
	c := &capsule.Capsule{
		OwnerID:     owner,
		Content:     input.Content,
		ContentType: input.ContentType,
		Recipients:  recipients,
		Status:      capsule.StatusSealed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t := &capsule.Trigger{
		Kind:       input.TriggerKind,
		Status:     capsule.TriggerPending,
		Conditions: conditions,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if c.ID, err = generateULID(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if t.ID, err = generateULID(); err != nil {
		return nil, errors.NewInternal(err)
	}
	t.CapsuleID = c.ID

	var g *consensus.Group
	if input.TriggerKind == capsule.KindConsensus {
		g, err = newGroup(t, recipients, threshold, now)
		if err != nil {
			return nil, err
		}
	}

	err = db.WithTx(ctx, database, func(tx *sql.Tx) error {
		if err := db.InsertCapsule(ctx, tx, c); err != nil {
			return err
		}
		if err := db.InsertTrigger(ctx, tx, t); err != nil {
			return err
		}
		if g != nil {
			return db.InsertGroup(ctx, tx, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &CreateCapsuleOutput{CapsuleID: c.ID, TriggerID: t.ID}
	if g != nil {
		out.GroupID = g.ID
		out.Threshold = g.Threshold
	}
	return out, nil
}

func newGroup(t *capsule.Trigger, recipients []string, threshold int, now int64) (*consensus.Group, error) {
	id, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	g := &consensus.Group{
		ID:        id,
		TriggerID: t.ID,
		CapsuleID: t.CapsuleID,
		Threshold: threshold,
		CreatedAt: now,
	}
	for _, userID := range recipients {
		memberID, err := generateULID()
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		g.Members = append(g.Members, consensus.Member{ID: memberID, UserID: userID})
	}
	return g, nil
}

// validateConditions checks the kind-specific trigger conditions and returns
// them in stored form.
func validateConditions(kind capsule.TriggerKind, raw json.RawMessage) (json.RawMessage, error) {
	if strings.TrimSpace(string(raw)) == "" {
		raw = json.RawMessage(`{}`)
	}
	if err := requireObject("conditions", raw); err != nil {
		return nil, err
	}
	if kind == capsule.KindTime {
		var cond capsule.TimeConditions
		if err := json.Unmarshal(raw, &cond); err != nil || cond.UnlockAt <= 0 {
			return nil, errors.NewInvalidRequest("time triggers need conditions {\"unlock_at\": <unix seconds>}")
		}
	}
	return raw, nil
}

// FetchCapsuleOutput is a capsule with its trigger. Content is present only
// once the capsule is unsealed.
type FetchCapsuleOutput struct {
	ID          string              `json:"id"`
	OwnerID     string              `json:"owner_id"`
	ContentType capsule.ContentType `json:"content_type"`
	Content     []byte              `json:"content,omitempty"`
	Recipients  []string            `json:"recipients"`
	Status      capsule.Status      `json:"status"`
	Version     int64               `json:"version"`
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at"`

	Trigger TriggerView   `json:"trigger"`
	Group   *GroupSummary `json:"group,omitempty"`
}

// TriggerView is the trigger part of FetchCapsuleOutput.
type TriggerView struct {
	ID         string                `json:"id"`
	Kind       capsule.TriggerKind   `json:"kind"`
	Status     capsule.TriggerStatus `json:"status"`
	Conditions json.RawMessage       `json:"conditions,omitempty"`
	Evidence   json.RawMessage       `json:"evidence,omitempty"`
	Version    int64                 `json:"version"`
}

// FetchCapsule retrieves a capsule with its trigger and group.
func FetchCapsule(ctx context.Context, database *sql.DB, id string) (*FetchCapsuleOutput, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	c, err := db.GetCapsule(ctx, database, id)
	if err != nil {
		return nil, err
	}
	t, err := db.GetTriggerByCapsule(ctx, database, c.ID)
	if err != nil {
		return nil, err
	}

	out := &FetchCapsuleOutput{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		ContentType: c.ContentType,
		Recipients:  c.Recipients,
		Status:      c.Status,
		Version:     c.Version,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		Trigger: TriggerView{
			ID:         t.ID,
			Kind:       t.Kind,
			Status:     t.Status,
			Conditions: t.Conditions,
			Evidence:   t.Evidence,
			Version:    t.Version,
		},
	}
	if c.Status == capsule.StatusUnsealed {
		out.Content = c.Content
	}

	if t.Kind == capsule.KindConsensus {
		g, err := db.GetGroupByTrigger(ctx, database, t.ID)
		if err != nil {
			return nil, err
		}
		s := summarizeGroup(g, "")
		out.Group = &s
	}
	return out, nil
}
