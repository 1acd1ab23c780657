// Package bridge models one cross-chain transfer and the transitions it may take.
package bridge

import (
	"fmt"
	"math/big"
	"strings"
)

// Chain names a ledger the bridge connects.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainCardano  Chain = "cardano"
)

// Valid reports whether c is a supported chain.
func (c Chain) Valid() bool {
	return c == ChainEthereum || c == ChainCardano
}

// Counterpart returns the chain on the other side of the bridge.
func (c Chain) Counterpart() Chain {
	if c == ChainEthereum {
		return ChainCardano
	}
	return ChainEthereum
}

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusInitiated       Status = "initiated"        // source event observed
	StatusSourceConfirmed Status = "source_confirmed" // source tx irrevocable
	StatusDestSubmitted   Status = "dest_submitted"   // destination tx accepted by the node
	StatusCompleted       Status = "completed"        // destination tx irrevocable
	StatusFailed          Status = "failed"
)

// Failure reasons recorded by the coordinator.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonFinalityTimeout  = "finality_timeout"

	// ReasonDestFinalityTimeout means the submitted destination tx never
	// became final; an operator must check whether it can still land.
	ReasonDestFinalityTimeout = "dest_finality_timeout"
)

// Terminal reports whether the transfer accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusSourceConfirmed, StatusDestSubmitted, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// next maps each non-terminal status to its only forward successor.
var next = map[Status]Status{
	StatusInitiated:       StatusSourceConfirmed,
	StatusSourceConfirmed: StatusDestSubmitted,
	StatusDestSubmitted:   StatusCompleted,
}

// CanTransition reports whether a transfer may move from one status to another:
// one step forward along the pipeline, or to failed from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return next[from] == to
}

// Transfer is one bridge operation: a lock/burn on the source chain correlated
// with a mint/release on the destination chain.
type Transfer struct {
	ID             string   `json:"id"`
	SourceChain    Chain    `json:"source_chain"`
	DestChain      Chain    `json:"dest_chain"`
	SourceTxHash   string   `json:"source_tx_hash"`
	DestTxHash     string   `json:"dest_tx_hash,omitempty"` // empty until submitted
	FromAddress    string   `json:"from_address"`
	DestAddress    string   `json:"dest_address"`
	TokenIDs       []string `json:"token_ids"`
	Amounts        []string `json:"amounts"`
	Status         Status   `json:"status"`
	FailureReason  string   `json:"failure_reason,omitempty"`
	FinalityChecks int      `json:"finality_checks"`
	Version        int64    `json:"version"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
}

// Payload is the data carried by a transfer-initiation event.
type Payload struct {
	SourceChain  Chain
	SourceTxHash string
	FromAddress  string
	DestAddress  string
	TokenIDs     []string
	Amounts      []string
}

// Validate checks a payload and returns a description of the first problem found.
// Token ids and amounts are decimal integers (they map onto uint256 on Ethereum);
// amounts must be strictly positive.
func (p Payload) Validate() error {
	if !p.SourceChain.Valid() {
		return fmt.Errorf("unsupported source chain %q", p.SourceChain)
	}
	if strings.TrimSpace(p.SourceTxHash) == "" {
		return fmt.Errorf("source tx hash is required")
	}
	if strings.TrimSpace(p.FromAddress) == "" {
		return fmt.Errorf("from address is required")
	}
	if strings.TrimSpace(p.DestAddress) == "" {
		return fmt.Errorf("destination address is required")
	}
	if len(p.TokenIDs) == 0 {
		return fmt.Errorf("at least one token id is required")
	}
	if len(p.TokenIDs) != len(p.Amounts) {
		return fmt.Errorf("token ids (%d) and amounts (%d) differ in length", len(p.TokenIDs), len(p.Amounts))
	}
	for i, id := range p.TokenIDs {
		n, ok := new(big.Int).SetString(strings.TrimSpace(id), 10)
		if !ok || n.Sign() < 0 {
			return fmt.Errorf("token id %d is not a non-negative integer: %q", i, id)
		}
	}
	for i, amount := range p.Amounts {
		n, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok {
			return fmt.Errorf("amount %d is not an integer: %q", i, amount)
		}
		if n.Sign() <= 0 {
			return fmt.Errorf("amount %d must be positive, got %s", i, amount)
		}
	}
	return nil
}

// Submission is the persisted record of a destination transaction. It is
// written before the first broadcast so a retry re-sends the same signed bytes
// instead of minting twice.
type Submission struct {
	TransferID string
	Chain      Chain
	Payload    []byte // signed transaction bytes
	TxHash     string
	Attempts   int
	CreatedAt  int64
	UpdatedAt  int64
}
