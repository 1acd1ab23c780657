package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents an Unseal error code.
type ErrorCode string

const (
	ErrInvalidRequest         ErrorCode = "INVALID_REQUEST"          // 400
	ErrNotAMember             ErrorCode = "NOT_A_MEMBER"             // 403
	ErrNotFound               ErrorCode = "NOT_FOUND"                // 404
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION" // 409
	ErrAlreadyResolved        ErrorCode = "ALREADY_RESOLVED"         // 409
	ErrAlreadyVoted           ErrorCode = "ALREADY_VOTED"            // 409
	ErrTransferMismatch       ErrorCode = "TRANSFER_MISMATCH"        // 409, alertable
	ErrVersionConflict        ErrorCode = "VERSION_CONFLICT"         // 409, retry from fresh read
	ErrInvalidTransferPayload ErrorCode = "INVALID_TRANSFER_PAYLOAD" // 422
	ErrSourceNotFinal         ErrorCode = "SOURCE_NOT_FINAL"         // 425
	ErrInternal               ErrorCode = "INTERNAL"                 // 500
	ErrAdapterUnavailable     ErrorCode = "ADAPTER_UNAVAILABLE"      // 503
	ErrRetriesExhausted       ErrorCode = "RETRIES_EXHAUSTED"        // 503
	ErrAdapterTimeout         ErrorCode = "ADAPTER_TIMEOUT"          // 504
)

// UnsealError represents a structured error with code, status, and details.
type UnsealError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *UnsealError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *UnsealError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *UnsealError {
	return &UnsealError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for an unknown entity id.
func NewNotFound(kind, id string) *UnsealError {
	return &UnsealError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// NewInvalidStateTransition creates a 409 error for a transition the state machine forbids.
func NewInvalidStateTransition(kind, id, from, to string) *UnsealError {
	return &UnsealError{
		Code:    ErrInvalidStateTransition,
		Status:  409,
		Message: fmt.Sprintf("%s %s cannot move from %s to %s", kind, id, from, to),
		Details: map[string]any{"kind": kind, "id": id, "from": from, "to": to},
	}
}

// NewAlreadyResolved creates a 409 error for a resolve attempt on a terminal trigger.
func NewAlreadyResolved(triggerID, status string) *UnsealError {
	return &UnsealError{
		Code:    ErrAlreadyResolved,
		Status:  409,
		Message: fmt.Sprintf("trigger %s already resolved as %s", triggerID, status),
		Details: map[string]any{"trigger_id": triggerID, "status": status},
	}
}

// NewGroupResolved creates a 409 error for a vote on a group whose trigger is
// already completed or failed.
func NewGroupResolved(groupID, triggerID, status string) *UnsealError {
	return &UnsealError{
		Code:    ErrAlreadyResolved,
		Status:  409,
		Message: fmt.Sprintf("consensus group %s already resolved as %s", groupID, status),
		Details: map[string]any{"group_id": groupID, "trigger_id": triggerID, "status": status},
	}
}

// NewNotAMember creates a 403 error when a voter is not part of the consensus group.
func NewNotAMember(groupID, userID string) *UnsealError {
	return &UnsealError{
		Code:    ErrNotAMember,
		Status:  403,
		Message: fmt.Sprintf("user %s is not a member of consensus group %s", userID, groupID),
		Details: map[string]any{"group_id": groupID, "user_id": userID},
	}
}

// NewAlreadyVoted creates a 409 error when a member tries to vote a second time.
func NewAlreadyVoted(groupID, userID string) *UnsealError {
	return &UnsealError{
		Code:    ErrAlreadyVoted,
		Status:  409,
		Message: fmt.Sprintf("user %s already voted in consensus group %s", userID, groupID),
		Details: map[string]any{"group_id": groupID, "user_id": userID},
	}
}

// NewInvalidTransferPayload creates a 422 error for malformed transfer event data.
func NewInvalidTransferPayload(msg string) *UnsealError {
	return &UnsealError{
		Code:    ErrInvalidTransferPayload,
		Status:  422,
		Message: msg,
	}
}

// NewTransferMismatch creates a 409 error when a destination confirmation does not
// correlate with the recorded destination transaction.
func NewTransferMismatch(transferID, expected, actual string) *UnsealError {
	return &UnsealError{
		Code:    ErrTransferMismatch,
		Status:  409,
		Message: fmt.Sprintf("transfer %s: destination tx %s does not match recorded %s", transferID, actual, expected),
		Details: map[string]any{"transfer_id": transferID, "expected": expected, "actual": actual},
	}
}

// NewSourceNotFinal creates a 425 error when the source transaction has not reached finality yet.
func NewSourceNotFinal(transferID, txHash string, checks int) *UnsealError {
	return &UnsealError{
		Code:    ErrSourceNotFinal,
		Status:  425,
		Message: fmt.Sprintf("transfer %s: source tx %s not final yet", transferID, txHash),
		Details: map[string]any{"transfer_id": transferID, "tx_hash": txHash, "checks": checks},
	}
}

// NewAdapterUnavailable creates a 503 error for an unreachable chain adapter.
func NewAdapterUnavailable(chain string, err error) *UnsealError {
	msg := "adapter unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &UnsealError{
		Code:    ErrAdapterUnavailable,
		Status:  503,
		Message: fmt.Sprintf("%s: %s", chain, msg),
		Details: map[string]any{"chain": chain},
		cause:   err,
	}
}

// NewAdapterTimeout creates a 504 error for a chain call that exceeded its deadline.
func NewAdapterTimeout(chain string, err error) *UnsealError {
	return &UnsealError{
		Code:    ErrAdapterTimeout,
		Status:  504,
		Message: fmt.Sprintf("%s: call timed out", chain),
		Details: map[string]any{"chain": chain},
		cause:   err,
	}
}

// NewRetriesExhausted creates a 503 error after the retry policy gave up.
func NewRetriesExhausted(transferID string, attempts int, err error) *UnsealError {
	return &UnsealError{
		Code:    ErrRetriesExhausted,
		Status:  503,
		Message: fmt.Sprintf("transfer %s: gave up after %d attempts", transferID, attempts),
		Details: map[string]any{"transfer_id": transferID, "attempts": attempts},
		cause:   err,
	}
}

// NewVersionConflict creates a 409 error for an optimistic-concurrency collision.
func NewVersionConflict(kind, id string, expected int64) *UnsealError {
	return &UnsealError{
		Code:    ErrVersionConflict,
		Status:  409,
		Message: fmt.Sprintf("%s %s was modified concurrently (expected version %d)", kind, id, expected),
		Details: map[string]any{"kind": kind, "id": id, "expected_version": expected},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *UnsealError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &UnsealError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if err (or anything it wraps) is an UnsealError with the given code.
func Is(err error, code ErrorCode) bool {
	var uErr *UnsealError
	if stderrors.As(err, &uErr) {
		return uErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first UnsealError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var uErr *UnsealError
	if stderrors.As(err, &uErr) {
		return uErr.Code
	}
	return ErrInternal
}

// Transient reports whether err is worth retrying from a fresh read or a new adapter call.
func Transient(err error) bool {
	switch CodeOf(err) {
	case ErrAdapterUnavailable, ErrAdapterTimeout, ErrVersionConflict:
		return true
	}
	return false
}
