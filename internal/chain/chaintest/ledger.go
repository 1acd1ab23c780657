// Package chaintest provides an in-memory chain.Ledger for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/chain"
)

// Ledger is a scriptable chain.Ledger. Errors queued with FailFinal or
// FailSubmit are returned first, one per call; after that the configured
// state answers.
type Ledger struct {
	chain bridge.Chain

	mu           sync.Mutex
	final        map[string]bool
	finalErrs    []error
	submitErrs   []error
	submitted    map[string]string // idempotency key -> tx hash
	finalCalls   int
	submitCalls  int
	broadcasts   int
	nextHashSeed int
}

// New returns an empty ledger for c.
func New(c bridge.Chain) *Ledger {
	return &Ledger{
		chain:     c,
		final:     make(map[string]bool),
		submitted: make(map[string]string),
	}
}

func (l *Ledger) Chain() bridge.Chain {
	return l.chain
}

// SetFinal marks txHash final (or not).
func (l *Ledger) SetFinal(txHash string, final bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.final[txHash] = final
}

// FailFinal queues errors for the next IsTransactionFinal calls.
func (l *Ledger) FailFinal(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalErrs = append(l.finalErrs, errs...)
}

// FailSubmit queues errors for the next SubmitTransaction calls.
func (l *Ledger) FailSubmit(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErrs = append(l.submitErrs, errs...)
}

func (l *Ledger) IsTransactionFinal(ctx context.Context, txHash string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalCalls++
	if len(l.finalErrs) > 0 {
		err := l.finalErrs[0]
		l.finalErrs = l.finalErrs[1:]
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.final[txHash], nil
}

// SubmitTransaction returns the same hash for every call with the same key.
func (l *Ledger) SubmitTransaction(ctx context.Context, req chain.SubmitRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitCalls++
	if len(l.submitErrs) > 0 {
		err := l.submitErrs[0]
		l.submitErrs = l.submitErrs[1:]
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if hash, ok := l.submitted[req.IdempotencyKey]; ok {
		return hash, nil
	}
	l.nextHashSeed++
	l.broadcasts++
	hash := fmt.Sprintf("%s-tx-%d", l.chain, l.nextHashSeed)
	l.submitted[req.IdempotencyKey] = hash
	return hash, nil
}

// FinalCalls is the number of IsTransactionFinal calls made.
func (l *Ledger) FinalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalCalls
}

// SubmitCalls is the number of SubmitTransaction calls made.
func (l *Ledger) SubmitCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitCalls
}

// Broadcasts is the number of distinct transactions created.
func (l *Ledger) Broadcasts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broadcasts
}

// Submitted returns the hash created for key, if any.
func (l *Ledger) Submitted(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.submitted[key]
	return h, ok
}

// SubmissionLog is an in-memory chain.SubmissionLog.
type SubmissionLog struct {
	mu   sync.Mutex
	subs map[string]*bridge.Submission
}

// NewSubmissionLog returns an empty log.
func NewSubmissionLog() *SubmissionLog {
	return &SubmissionLog{subs: make(map[string]*bridge.Submission)}
}

func (s *SubmissionLog) Lookup(ctx context.Context, key string) (*bridge.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (s *SubmissionLog) Record(ctx context.Context, sub *bridge.Submission) (*bridge.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subs[sub.TransferID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *sub
	s.subs[sub.TransferID] = &cp
	out := cp
	return &out, nil
}

func (s *SubmissionLog) Attempted(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[key]; ok {
		sub.Attempts++
	}
	return nil
}

func (s *SubmissionLog) Discard(ctx context.Context, key, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[key]; ok && sub.TxHash == txHash {
		delete(s.subs, key)
	}
	return nil
}

// Attempts returns the broadcast count stored for key.
func (s *SubmissionLog) Attempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[key]; ok {
		return sub.Attempts
	}
	return 0
}
