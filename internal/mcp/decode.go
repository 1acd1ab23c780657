package mcp

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// decode converts tool arguments into T. A type mismatch names the offending
// argument so the caller can fix the request.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var out T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return out, fmt.Errorf("arguments: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if stderrors.As(err, &typeErr) && typeErr.Field != "" {
			return out, fmt.Errorf("%s must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
		}
		return out, fmt.Errorf("arguments: %w", err)
	}
	return out, nil
}
