package mcp

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/consensus"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/ops"
)

// Services are the stateful operation owners the tools call into.
type Services struct {
	Triggers    *ops.TriggerMachine
	Consensus   *ops.ConsensusEngine
	Coordinator *ops.Coordinator
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db  *sql.DB
	cfg *config.Config
	svc Services
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, cfg *config.Config, svc Services) *Handlers {
	return &Handlers{db: db, cfg: cfg, svc: svc}
}

// Request types for each tool

// CapsuleCreateRequest represents the arguments for capsule_create.
type CapsuleCreateRequest struct {
	OwnerID       string          `json:"owner_id"`
	Content       string          `json:"content,omitempty"`
	ContentBase64 string          `json:"content_base64,omitempty"`
	ContentType   string          `json:"content_type,omitempty"`
	Recipients    []string        `json:"recipients,omitempty"`
	TriggerKind   string          `json:"trigger_kind"`
	Conditions    json.RawMessage `json:"conditions,omitempty"`
	Threshold     int             `json:"threshold,omitempty"`
}

// IDRequest is the argument of tools addressing one record.
type IDRequest struct {
	ID string `json:"id"`
}

// TriggerUpdateRequest represents the arguments for trigger_update.
type TriggerUpdateRequest struct {
	TriggerID string          `json:"trigger_id"`
	Status    string          `json:"status"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
}

// TriggerResolveRequest represents the arguments for trigger_resolve.
type TriggerResolveRequest struct {
	TriggerID string          `json:"trigger_id"`
	Outcome   string          `json:"outcome"`
	Evidence  json.RawMessage `json:"evidence,omitempty"`
}

// ConsensusVoteRequest represents the arguments for consensus_vote.
type ConsensusVoteRequest struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
	Vote    string `json:"vote"`
}

// ConsensusListRequest represents the arguments for consensus_list.
type ConsensusListRequest struct {
	UserID string `json:"user_id"`
}

// TransferInitiateRequest represents the arguments for transfer_initiate.
type TransferInitiateRequest struct {
	SourceChain  string   `json:"source_chain"`
	SourceTxHash string   `json:"source_tx_hash"`
	FromAddress  string   `json:"from_address"`
	DestAddress  string   `json:"dest_address"`
	TokenIDs     []string `json:"token_ids"`
	Amounts      []string `json:"amounts"`
}

// TransferConfirmRequest represents the arguments for transfer_confirm.
type TransferConfirmRequest struct {
	ID         string `json:"id"`
	DestTxHash string `json:"dest_tx_hash"`
}

// TransferFailRequest represents the arguments for transfer_fail.
type TransferFailRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// TransferListRequest represents the arguments for transfer_list.
type TransferListRequest struct {
	Statuses []string `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Offset   int      `json:"offset,omitempty"`
}

// Handler implementations

// HandleCapsuleCreate handles the capsule_create tool call.
func (h *Handlers) HandleCapsuleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CapsuleCreateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	content := []byte(input.Content)
	if input.ContentBase64 != "" {
		if input.Content != "" {
			return errorResult(errors.NewInvalidRequest("content and content_base64 are mutually exclusive")), nil
		}
		content, err = base64.StdEncoding.DecodeString(input.ContentBase64)
		if err != nil {
			return errorResult(errors.NewInvalidRequest("content_base64: " + err.Error())), nil
		}
	}

	result, err := ops.CreateCapsule(ctx, h.db, h.cfg, ops.CreateCapsuleInput{
		OwnerID:     input.OwnerID,
		Content:     content,
		ContentType: capsule.ContentType(input.ContentType),
		Recipients:  input.Recipients,
		TriggerKind: capsule.TriggerKind(input.TriggerKind),
		Conditions:  input.Conditions,
		Threshold:   input.Threshold,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleCapsuleFetch handles the capsule_fetch tool call.
func (h *Handlers) HandleCapsuleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.FetchCapsule(ctx, h.db, input.ID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTriggerUpdate handles the trigger_update tool call.
func (h *Handlers) HandleTriggerUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TriggerUpdateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Triggers.UpdateStatus(ctx, input.TriggerID, capsule.TriggerStatus(input.Status), input.Evidence)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTriggerResolve handles the trigger_resolve tool call.
func (h *Handlers) HandleTriggerResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TriggerResolveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Triggers.Resolve(ctx, input.TriggerID, capsule.TriggerStatus(input.Outcome), input.Evidence)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleConsensusVote handles the consensus_vote tool call.
func (h *Handlers) HandleConsensusVote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConsensusVoteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Consensus.CastVote(ctx, input.GroupID, input.UserID, consensus.Vote(input.Vote))
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleConsensusList handles the consensus_list tool call.
func (h *Handlers) HandleConsensusList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConsensusListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	groups, err := ops.ListGroupsForUser(ctx, h.db, input.UserID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{"groups": groups})
}

// HandleTransferInitiate handles the transfer_initiate tool call.
func (h *Handlers) HandleTransferInitiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TransferInitiateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	id, err := h.svc.Coordinator.OnTransferInitiated(ctx, bridge.Payload{
		SourceChain:  bridge.Chain(input.SourceChain),
		SourceTxHash: input.SourceTxHash,
		FromAddress:  input.FromAddress,
		DestAddress:  input.DestAddress,
		TokenIDs:     input.TokenIDs,
		Amounts:      input.Amounts,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{"id": id})
}

// HandleTransferVerifySource handles the transfer_verify_source tool call.
func (h *Handlers) HandleTransferVerifySource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Coordinator.VerifySource(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTransferSubmit handles the transfer_submit tool call.
func (h *Handlers) HandleTransferSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Coordinator.SubmitDestination(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTransferConfirm handles the transfer_confirm tool call.
func (h *Handlers) HandleTransferConfirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TransferConfirmRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Coordinator.ConfirmDestination(ctx, input.ID, input.DestTxHash)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTransferFail handles the transfer_fail tool call.
func (h *Handlers) HandleTransferFail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TransferFailRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Coordinator.Fail(ctx, input.ID, input.Reason)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTransferGet handles the transfer_get tool call.
func (h *Handlers) HandleTransferGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.svc.Coordinator.GetTransfer(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTransferList handles the transfer_list tool call.
func (h *Handlers) HandleTransferList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TransferListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	statuses := make([]bridge.Status, len(input.Statuses))
	for i, s := range input.Statuses {
		statuses[i] = bridge.Status(s)
	}
	result, err := h.svc.Coordinator.ListTransfers(ctx, statuses, input.Limit, input.Offset)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Note: Internal error details are not exposed to prevent leaking sensitive info.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var ue *errors.UnsealError
	if stderrors.As(err, &ue) {
		message := ue.Message
		if err != error(ue) {
			// keep wrapper context such as "items[2]: ..."
			message = err.Error()
		}
		errorObj := map[string]any{
			"code":    ue.Code,
			"message": message,
			"status":  ue.Status,
		}
		if ue.Code == errors.ErrInternal {
			errorObj["message"] = "an internal error occurred"
		} else if ue.Details != nil {
			// Only include details for non-internal errors to avoid leaking
			// sensitive info like file paths or SQL errors
			errorObj["details"] = ue.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
