package capsule

import "encoding/json"

// ContentType is the media kind of the sealed content.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
)

// Status is the visibility state of a capsule.
type Status string

const (
	StatusSealed   Status = "sealed"
	StatusUnsealed Status = "unsealed"
)

// Capsule is a conditionally revealed message record.
type Capsule struct {
	// ID is a ULID that uniquely identifies this capsule
	ID string

	// OwnerID is the user who created the capsule
	OwnerID string

	// Content is the opaque encrypted blob; never interpreted here
	Content []byte

	ContentType ContentType

	// Recipients is the ordered, de-duplicated list of recipient user ids
	Recipients []string

	Status Status

	// Version is bumped on every write (optimistic concurrency)
	Version int64

	// CreatedAt is the Unix timestamp when the capsule was created
	CreatedAt int64

	// UpdatedAt is the Unix timestamp when the capsule was last updated
	UpdatedAt int64
}

// TriggerKind selects how a trigger gets resolved.
type TriggerKind string

const (
	KindTime      TriggerKind = "time"      // resolved by the due-time sweep
	KindEvent     TriggerKind = "event"     // resolved by an external listener
	KindConsensus TriggerKind = "consensus" // resolved by the consensus engine
)

// TriggerStatus is the lifecycle state of a trigger.
type TriggerStatus string

const (
	TriggerPending   TriggerStatus = "pending"
	TriggerActive    TriggerStatus = "active"
	TriggerCompleted TriggerStatus = "completed"
	TriggerFailed    TriggerStatus = "failed"
)

// Trigger governs when its capsule unseals.
type Trigger struct {
	ID        string        `json:"id"`
	CapsuleID string        `json:"capsule_id"`
	Kind      TriggerKind   `json:"kind"`
	Status    TriggerStatus `json:"status"`

	// Conditions is the kind-specific payload, e.g. {"unlock_at": 1735689600}
	Conditions json.RawMessage `json:"conditions,omitempty"`

	// Evidence records why the trigger resolved, e.g. a vote tally
	Evidence json.RawMessage `json:"evidence,omitempty"`

	Version   int64 `json:"version"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Terminal reports whether no further writes are allowed.
func (s TriggerStatus) Terminal() bool {
	return s == TriggerCompleted || s == TriggerFailed
}

// Valid reports whether s is a known trigger status.
func (s TriggerStatus) Valid() bool {
	switch s {
	case TriggerPending, TriggerActive, TriggerCompleted, TriggerFailed:
		return true
	}
	return false
}

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case KindTime, KindEvent, KindConsensus:
		return true
	}
	return false
}

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentAudio, ContentVideo:
		return true
	}
	return false
}

// CanTransition reports whether a trigger may move from one status to another.
// Terminal states accept nothing; active never goes back to pending.
// Re-applying the same non-terminal status is allowed (evidence refresh).
func CanTransition(from, to TriggerStatus) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if from == TriggerActive && to == TriggerPending {
		return false
	}
	return true
}

// TimeConditions is the condition payload of a time trigger.
type TimeConditions struct {
	UnlockAt int64 `json:"unlock_at"`
}
