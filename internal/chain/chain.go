// Package chain defines the ledger adapter port the transfer coordinator talks to,
// plus the helpers every adapter shares.
package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/metrics"
)

// Ledger is one blockchain as seen by the coordinator.
type Ledger interface {
	Chain() bridge.Chain

	// IsTransactionFinal reports whether txHash is irrevocable. A transaction
	// the node does not know yet is not final and is not an error.
	IsTransactionFinal(ctx context.Context, txHash string) (bool, error)

	// SubmitTransaction broadcasts the mint/release for a transfer and returns
	// the destination tx hash. Calls with the same IdempotencyKey produce the
	// same transaction.
	SubmitTransaction(ctx context.Context, req SubmitRequest) (string, error)
}

// SubmitRequest describes the destination side of a transfer.
type SubmitRequest struct {
	// IdempotencyKey is the transfer id
	IdempotencyKey string

	SourceChain  bridge.Chain
	SourceTxHash string
	DestAddress  string
	TokenIDs     []string
	Amounts      []string
}

// RequestFor builds the submit request for a transfer.
func RequestFor(t *bridge.Transfer) SubmitRequest {
	return SubmitRequest{
		IdempotencyKey: t.ID,
		SourceChain:    t.SourceChain,
		SourceTxHash:   t.SourceTxHash,
		DestAddress:    t.DestAddress,
		TokenIDs:       t.TokenIDs,
		Amounts:        t.Amounts,
	}
}

// SubmissionLog persists signed destination transactions by idempotency key.
type SubmissionLog interface {
	// Lookup returns nil, nil when nothing is stored for key.
	Lookup(ctx context.Context, key string) (*bridge.Submission, error)
	// Record stores s unless a submission exists for the key and returns the stored one.
	Record(ctx context.Context, s *bridge.Submission) (*bridge.Submission, error)
	// Attempted counts one broadcast.
	Attempted(ctx context.Context, key string) error
	// Discard removes the submission for key if its hash is still txHash, so the
	// next Record can store a rebuilt transaction.
	Discard(ctx context.Context, key, txHash string) error
}

// UnrecoverableError is an adapter failure that retrying cannot fix, such as
// insufficient balance or a reverted transaction.
type UnrecoverableError struct {
	Reason string
	Err    error
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err with a failure reason recorded on the transfer.
func Unrecoverable(reason string, err error) error {
	return &UnrecoverableError{Reason: reason, Err: err}
}

// UnrecoverableReason returns the reason of an UnrecoverableError in err's chain.
func UnrecoverableReason(err error) (string, bool) {
	var u *UnrecoverableError
	if stderrors.As(err, &u) {
		return u.Reason, true
	}
	return "", false
}

// Classify maps a raw adapter error onto the structured codes the coordinator
// understands. Deadline errors become ADAPTER_TIMEOUT; anything else that is
// neither structured nor unrecoverable becomes ADAPTER_UNAVAILABLE.
func Classify(c bridge.Chain, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := UnrecoverableReason(err); ok {
		return err
	}
	var ue *errors.UnsealError
	if stderrors.As(err, &ue) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewAdapterTimeout(string(c), err)
	}
	return errors.NewAdapterUnavailable(string(c), err)
}

// Registry resolves the adapter for a chain.
type Registry map[bridge.Chain]Ledger

// NewRegistry indexes ledgers by their chain.
func NewRegistry(ledgers ...Ledger) Registry {
	r := make(Registry, len(ledgers))
	for _, l := range ledgers {
		r[l.Chain()] = l
	}
	return r
}

// Get returns the adapter for c.
func (r Registry) Get(c bridge.Chain) (Ledger, error) {
	l, ok := r[c]
	if !ok {
		return nil, errors.NewAdapterUnavailable(string(c), fmt.Errorf("no adapter configured"))
	}
	return l, nil
}

// instrumented bounds every call with a timeout, classifies its error and
// reports it to metrics.
type instrumented struct {
	next    Ledger
	timeout time.Duration
	metrics metrics.Collector
}

// Instrument wraps l so each call runs under its own timeout and is observed by m.
func Instrument(l Ledger, timeout time.Duration, m metrics.Collector) Ledger {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &instrumented{next: l, timeout: timeout, metrics: m}
}

func (i *instrumented) Chain() bridge.Chain {
	return i.next.Chain()
}

func (i *instrumented) IsTransactionFinal(ctx context.Context, txHash string) (bool, error) {
	ctx, cancel := i.bound(ctx)
	defer cancel()

	start := time.Now()
	final, err := i.next.IsTransactionFinal(ctx, txHash)
	err = Classify(i.Chain(), err)
	i.metrics.AdapterCall(string(i.Chain()), "is_final", outcome(err), time.Since(start))
	return final, err
}

func (i *instrumented) SubmitTransaction(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, cancel := i.bound(ctx)
	defer cancel()

	start := time.Now()
	hash, err := i.next.SubmitTransaction(ctx, req)
	err = Classify(i.Chain(), err)
	i.metrics.AdapterCall(string(i.Chain()), "submit", outcome(err), time.Since(start))
	return hash, err
}

func (i *instrumented) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.timeout)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errors.ErrAdapterTimeout):
		return "timeout"
	case errors.Is(err, errors.ErrAdapterUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
