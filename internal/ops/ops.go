// Package ops holds the coordination workflows: trigger resolution, consensus
// voting and cross-chain transfer correlation. Every write goes through the db
// package with a version check, so concurrent callers never both succeed.
package ops

import (
	"crypto/rand"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/unseal/internal/errors"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100

	// sweepBatch bounds how many rows one relay sweep touches.
	sweepBatch = 100

	// maxCASAttempts bounds re-reads after a VERSION_CONFLICT.
	maxCASAttempts = 3
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// clampLimit applies the list defaults.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func unixNow() int64 {
	return time.Now().Unix()
}

// requireObject checks that raw is empty or a JSON object.
func requireObject(field string, raw json.RawMessage) error {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return errors.NewInvalidRequest(field + " must be a JSON object")
	}
	return nil
}
