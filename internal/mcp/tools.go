package mcp

import "github.com/mark3labs/mcp-go/mcp"

var stringItems = mcp.Items(map[string]any{"type": "string"})

var capsuleCreateToolDef = mcp.NewTool("capsule_create",
	mcp.WithDescription("Seal a capsule behind a time, event or consensus trigger. Content is stored as given and returned only after the trigger completes."),
	mcp.WithString("owner_id", mcp.Required(), mcp.Description("User creating the capsule")),
	mcp.WithString("content", mcp.Description("Capsule content as text (use content_base64 for binary)")),
	mcp.WithString("content_base64", mcp.Description("Capsule content, base64 encoded")),
	mcp.WithString("content_type", mcp.Enum("text", "audio", "video"), mcp.Description("Default: text")),
	mcp.WithArray("recipients", stringItems, mcp.Description("Recipient user ids; the voting group for consensus triggers")),
	mcp.WithString("trigger_kind", mcp.Required(), mcp.Enum("time", "event", "consensus")),
	mcp.WithObject("conditions", mcp.Description(`Trigger conditions, e.g. {"unlock_at": 1767225600} for time triggers`)),
	mcp.WithNumber("threshold", mcp.Description("Approvals needed for consensus triggers; default is a share of the recipients")),
)

var capsuleFetchToolDef = mcp.NewTool("capsule_fetch",
	mcp.WithDescription("Get a capsule with its trigger and voting group. Content is included only once unsealed."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Capsule id")),
)

var triggerUpdateToolDef = mcp.NewTool("trigger_update",
	mcp.WithDescription("Move a trigger to a new status (pending -> active -> completed/failed). Completing a trigger unseals its capsule."),
	mcp.WithString("trigger_id", mcp.Required()),
	mcp.WithString("status", mcp.Required(), mcp.Enum("pending", "active", "completed", "failed")),
	mcp.WithObject("evidence", mcp.Description("Why the status changed")),
)

var triggerResolveToolDef = mcp.NewTool("trigger_resolve",
	mcp.WithDescription("Resolve an open trigger as completed or failed. Fails with ALREADY_RESOLVED for terminal triggers."),
	mcp.WithString("trigger_id", mcp.Required()),
	mcp.WithString("outcome", mcp.Required(), mcp.Enum("completed", "failed")),
	mcp.WithObject("evidence", mcp.Description("Why the trigger resolved")),
)

var consensusVoteToolDef = mcp.NewTool("consensus_vote",
	mcp.WithDescription("Cast a member's single vote. When the tally becomes final the trigger resolves."),
	mcp.WithString("group_id", mcp.Required()),
	mcp.WithString("user_id", mcp.Required()),
	mcp.WithString("vote", mcp.Required(), mcp.Enum("approved", "rejected")),
)

var consensusListToolDef = mcp.NewTool("consensus_list",
	mcp.WithDescription("List the voting groups a user belongs to, with tallies and the user's vote."),
	mcp.WithString("user_id", mcp.Required()),
)

var transferInitiateToolDef = mcp.NewTool("transfer_initiate",
	mcp.WithDescription("Record a source-chain lock or burn. Idempotent per source chain and tx hash."),
	mcp.WithString("source_chain", mcp.Required(), mcp.Enum("ethereum", "cardano")),
	mcp.WithString("source_tx_hash", mcp.Required()),
	mcp.WithString("from_address", mcp.Required()),
	mcp.WithString("dest_address", mcp.Required()),
	mcp.WithArray("token_ids", mcp.Required(), stringItems, mcp.Description("Decimal token ids")),
	mcp.WithArray("amounts", mcp.Required(), stringItems, mcp.Description("Decimal amounts, one per token id")),
)

var transferVerifySourceToolDef = mcp.NewTool("transfer_verify_source",
	mcp.WithDescription("Check source finality for an initiated transfer. Returns SOURCE_NOT_FINAL until confirmed."),
	mcp.WithString("id", mcp.Required()),
)

var transferSubmitToolDef = mcp.NewTool("transfer_submit",
	mcp.WithDescription("Submit the destination mint or release for a source-confirmed transfer."),
	mcp.WithString("id", mcp.Required()),
)

var transferConfirmToolDef = mcp.NewTool("transfer_confirm",
	mcp.WithDescription("Mark a submitted transfer completed once its destination tx is final."),
	mcp.WithString("id", mcp.Required()),
	mcp.WithString("dest_tx_hash", mcp.Required()),
)

var transferFailToolDef = mcp.NewTool("transfer_fail",
	mcp.WithDescription("Fail a non-terminal transfer with a reason."),
	mcp.WithString("id", mcp.Required()),
	mcp.WithString("reason", mcp.Required()),
)

var transferGetToolDef = mcp.NewTool("transfer_get",
	mcp.WithDescription("Get a transfer by id."),
	mcp.WithString("id", mcp.Required()),
)

var transferListToolDef = mcp.NewTool("transfer_list",
	mcp.WithDescription("List transfers, least recently updated first."),
	mcp.WithArray("statuses", stringItems, mcp.Description("Filter by status; all when empty")),
	mcp.WithNumber("limit", mcp.Description("Default 20, max 100")),
	mcp.WithNumber("offset"),
)
