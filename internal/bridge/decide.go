package bridge

import (
	"strings"

	"github.com/hpungsan/unseal/internal/errors"
)

// The functions below decide how a transfer reacts to an input without doing
// any I/O. The coordinator loads the transfer, calls one of them and persists
// the returned value with a version check.

// NewTransfer validates p and builds the initiated transfer for it.
func NewTransfer(id string, p Payload, now int64) (*Transfer, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.NewInvalidTransferPayload(err.Error())
	}
	return &Transfer{
		ID:           id,
		SourceChain:  p.SourceChain,
		DestChain:    p.SourceChain.Counterpart(),
		SourceTxHash: strings.TrimSpace(p.SourceTxHash),
		FromAddress:  strings.TrimSpace(p.FromAddress),
		DestAddress:  strings.TrimSpace(p.DestAddress),
		TokenIDs:     trimAll(p.TokenIDs),
		Amounts:      trimAll(p.Amounts),
		Status:       StatusInitiated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Advance returns t moved to status to, or INVALID_STATE_TRANSITION.
func Advance(t Transfer, to Status) (Transfer, error) {
	if !CanTransition(t.Status, to) {
		return t, errors.NewInvalidStateTransition("transfer", t.ID, string(t.Status), string(to))
	}
	t.Status = to
	return t, nil
}

// Submitted records the accepted destination transaction.
func Submitted(t Transfer, destTxHash string) (Transfer, error) {
	next, err := Advance(t, StatusDestSubmitted)
	if err != nil {
		return t, err
	}
	next.DestTxHash = destTxHash
	next.FinalityChecks = 0
	return next, nil
}

// Fail moves t to failed with reason.
func Fail(t Transfer, reason string) (Transfer, error) {
	next, err := Advance(t, StatusFailed)
	if err != nil {
		return t, err
	}
	next.FailureReason = reason
	return next, nil
}

// NotFinal counts one negative finality check. Once the count reaches
// maxChecks the transfer fails with ReasonFinalityTimeout.
func NotFinal(t Transfer, maxChecks int) (Transfer, error) {
	if t.Status != StatusInitiated {
		return t, errors.NewInvalidStateTransition("transfer", t.ID, string(t.Status), string(StatusSourceConfirmed))
	}
	t.FinalityChecks++
	if maxChecks > 0 && t.FinalityChecks >= maxChecks {
		return Fail(t, ReasonFinalityTimeout)
	}
	return t, nil
}

// DestNotFinal counts one negative finality check of the destination tx. Once
// the count reaches maxChecks the transfer fails with ReasonDestFinalityTimeout.
func DestNotFinal(t Transfer, maxChecks int) (Transfer, error) {
	if t.Status != StatusDestSubmitted {
		return t, errors.NewInvalidStateTransition("transfer", t.ID, string(t.Status), string(StatusCompleted))
	}
	t.FinalityChecks++
	if maxChecks > 0 && t.FinalityChecks >= maxChecks {
		return Fail(t, ReasonDestFinalityTimeout)
	}
	return t, nil
}

// Confirm applies a destination-finality report. The second return value is
// false when the report is a redelivery that changes nothing.
func Confirm(t Transfer, destTxHash string) (Transfer, bool, error) {
	destTxHash = strings.TrimSpace(destTxHash)
	switch t.Status {
	case StatusCompleted:
		if sameHash(t.DestTxHash, destTxHash) {
			return t, false, nil
		}
		return t, false, errors.NewTransferMismatch(t.ID, t.DestTxHash, destTxHash)
	case StatusDestSubmitted:
		if !sameHash(t.DestTxHash, destTxHash) {
			return t, false, errors.NewTransferMismatch(t.ID, t.DestTxHash, destTxHash)
		}
		next, err := Advance(t, StatusCompleted)
		return next, err == nil, err
	default:
		return t, false, errors.NewInvalidStateTransition("transfer", t.ID, string(t.Status), string(StatusCompleted))
	}
}

// sameHash compares tx hashes case-insensitively; Ethereum clients disagree on
// hex case.
func sameHash(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
