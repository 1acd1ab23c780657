package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/ops"
	"github.com/hpungsan/unseal/internal/retry"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// runCLI runs the app with args, feeding stdin when non-nil, and returns stdout.
func runCLI(t *testing.T, database *sql.DB, stdin *string, args ...string) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	if stdin != nil {
		oldStdin := os.Stdin
		stdinR, stdinW, _ := os.Pipe()
		_, _ = stdinW.WriteString(*stdin)
		stdinW.Close()
		os.Stdin = stdinR
		defer func() { os.Stdin = oldStdin }()
	}

	app := newCLIApp(database, config.DefaultConfig(), zerolog.Nop())
	runErr := app.Run(append([]string{"unseal"}, args...))

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String(), runErr
}

func decodeJSON(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("failed to parse output %q: %v", out, err)
	}
	return m
}

func strPtr(s string) *string { return &s }

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single", "bob", []string{"bob"}},
		{"multiple", "bob,carol,dave", []string{"bob", "carol", "dave"}},
		{"with spaces", " bob , carol ", []string{"bob", "carol"}},
		{"empty entries", "bob,,carol,", []string{"bob", "carol"}},
		{"only commas", ",,,", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitList(tt.input)
			if len(result) != len(tt.expected) {
				t.Fatalf("splitList(%q) = %v, want %v", tt.input, result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("splitList(%q)[%d] = %q, want %q", tt.input, i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestRawJSON(t *testing.T) {
	if rawJSON("  ") != nil {
		t.Error("blank evidence should be nil")
	}
	if got := string(rawJSON(`{"a":1}`)); got != `{"a":1}` {
		t.Errorf("rawJSON = %q", got)
	}
}

func TestCLICapsuleCreateAndFetch(t *testing.T) {
	database := setupTestDB(t)

	out, err := runCLI(t, database, strPtr("a letter to my future self"),
		"capsule", "create", "--owner", "alice", "--kind", "event")
	if err != nil {
		t.Fatalf("capsule create failed: %v", err)
	}
	created := decodeJSON(t, out)
	capsuleID, _ := created["capsule_id"].(string)
	triggerID, _ := created["trigger_id"].(string)
	if capsuleID == "" || triggerID == "" {
		t.Fatalf("missing ids in %v", created)
	}

	out, err = runCLI(t, database, nil, "capsule", "fetch", capsuleID)
	if err != nil {
		t.Fatalf("capsule fetch failed: %v", err)
	}
	if got := decodeJSON(t, out); got["status"] != "sealed" {
		t.Errorf("status = %v, want sealed", got["status"])
	}

	if _, err := runCLI(t, database, nil, "capsule", "fetch", "--raw", capsuleID); err == nil {
		t.Error("raw fetch of a sealed capsule should fail")
	}

	out, err = runCLI(t, database, nil, "trigger", "resolve", "--evidence", `{"by":"test"}`, triggerID)
	if err != nil {
		t.Fatalf("trigger resolve failed: %v", err)
	}
	if got := decodeJSON(t, out); got["status"] != "completed" {
		t.Errorf("trigger status = %v, want completed", got["status"])
	}

	out, err = runCLI(t, database, nil, "capsule", "fetch", "--raw", capsuleID)
	if err != nil {
		t.Fatalf("raw fetch failed: %v", err)
	}
	if out != "a letter to my future self" {
		t.Errorf("raw content = %q", out)
	}
}

func TestCLICapsuleCreate_TimeTrigger(t *testing.T) {
	database := setupTestDB(t)

	if _, err := runCLI(t, database, strPtr("x"), "capsule", "create", "--owner", "alice"); err == nil {
		t.Error("time trigger without unlock time should fail")
	}

	if _, err := runCLI(t, database, strPtr("x"), "capsule", "create", "--owner", "alice",
		"--unlock-at", "1900000000", "--conditions", `{"unlock_at": 1}`); err == nil {
		t.Error("--unlock-at with --conditions should fail")
	}

	out, err := runCLI(t, database, strPtr("x"), "capsule", "create", "--owner", "alice", "--unlock-at", "1900000000")
	if err != nil {
		t.Fatalf("capsule create failed: %v", err)
	}
	got := decodeJSON(t, out)
	out, err = runCLI(t, database, nil, "capsule", "fetch", got["capsule_id"].(string))
	if err != nil {
		t.Fatalf("capsule fetch failed: %v", err)
	}
	trigger := decodeJSON(t, out)["trigger"].(map[string]any)
	conditions := trigger["conditions"].(map[string]any)
	if conditions["unlock_at"] != float64(1900000000) {
		t.Errorf("conditions = %v", conditions)
	}
}

func TestCLIVoteAndGroups(t *testing.T) {
	database := setupTestDB(t)

	out, err := runCLI(t, database, strPtr("for both of you"),
		"capsule", "create", "--owner", "alice", "--kind", "consensus", "--recipients", "bob,carol", "--threshold", "1")
	if err != nil {
		t.Fatalf("capsule create failed: %v", err)
	}
	created := decodeJSON(t, out)
	groupID := created["group_id"].(string)

	out, err = runCLI(t, database, nil, "groups", "--user", "carol")
	if err != nil {
		t.Fatalf("groups failed: %v", err)
	}
	if groups := decodeJSON(t, out)["groups"].([]any); len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}

	if _, err := runCLI(t, database, nil, "vote", "--user", "mallory", groupID); err == nil {
		t.Error("outsider vote should fail")
	}

	out, err = runCLI(t, database, nil, "vote", "--user", "bob", "--vote", "approved", groupID)
	if err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	outcome := decodeJSON(t, out)
	if outcome["resolved"] != true || outcome["outcome"] != "completed" {
		t.Errorf("outcome = %v", outcome)
	}

	out, err = runCLI(t, database, nil, "capsule", "fetch", created["capsule_id"].(string))
	if err != nil {
		t.Fatalf("capsule fetch failed: %v", err)
	}
	if got := decodeJSON(t, out); got["status"] != "unsealed" {
		t.Errorf("status = %v, want unsealed", got["status"])
	}
}

func TestCLITransfer(t *testing.T) {
	database := setupTestDB(t)

	coord := ops.NewCoordinator(database, chain.Registry{}, ops.CoordinatorOptions{
		Retry:  retry.FromConfig(config.DefaultConfig()),
		Logger: zerolog.Nop(),
	})
	id, err := coord.OnTransferInitiated(context.Background(), bridge.Payload{
		SourceChain:  bridge.ChainCardano,
		SourceTxHash: "burn-1",
		FromAddress:  "addr_test1",
		DestAddress:  "0x2222222222222222222222222222222222222222",
		TokenIDs:     []string{"7"},
		Amounts:      []string{"1"},
	})
	if err != nil {
		t.Fatalf("OnTransferInitiated: %v", err)
	}

	out, err := runCLI(t, database, nil, "transfer", "list", "--status", "initiated")
	if err != nil {
		t.Fatalf("transfer list failed: %v", err)
	}
	if items := decodeJSON(t, out)["items"].([]any); len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}

	out, err = runCLI(t, database, nil, "transfer", "get", id)
	if err != nil {
		t.Fatalf("transfer get failed: %v", err)
	}
	if got := decodeJSON(t, out); got["dest_chain"] != "ethereum" {
		t.Errorf("dest_chain = %v, want ethereum", got["dest_chain"])
	}

	out, err = runCLI(t, database, nil, "transfer", "fail", "--reason", "stuck", id)
	if err != nil {
		t.Fatalf("transfer fail failed: %v", err)
	}
	if got := decodeJSON(t, out); got["status"] != "failed" || got["failure_reason"] != "stuck" {
		t.Errorf("transfer = %v", got)
	}

	_, err = runCLI(t, database, nil, "transfer", "get", "missing")
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("missing transfer err = %v, want NOT_FOUND", err)
	}
}

func TestCLIRelay_RequiresChainConfig(t *testing.T) {
	database := setupTestDB(t)

	_, err := runCLI(t, database, nil, "relay")
	if err == nil {
		t.Fatal("relay without chain endpoints should fail")
	}
	if !strings.Contains(err.Error(), "ethereum.rpc_url") {
		t.Errorf("err = %v, want a missing rpc_url message", err)
	}
}

func TestNewNode_WithoutChains(t *testing.T) {
	database := setupTestDB(t)

	n, err := newNode(database, config.DefaultConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	defer n.Close()
	if len(n.ledgers) != 0 || len(n.sources) != 0 {
		t.Errorf("ledgers=%d sources=%d, want none", len(n.ledgers), len(n.sources))
	}
	if _, err := n.ledgers.Get(bridge.ChainEthereum); err == nil {
		t.Error("expected no ethereum adapter")
	}
}

func TestNewNode_RejectsBadBridgeAddress(t *testing.T) {
	database := setupTestDB(t)
	cfg := config.DefaultConfig()
	cfg.Ethereum.RPCURL = "http://127.0.0.1:8545"
	cfg.Ethereum.BridgeAddress = "not-an-address"

	if _, err := newNode(database, cfg, zerolog.Nop(), nil); err == nil {
		t.Fatal("expected error for bad bridge address")
	}
}

func TestNewNode_WiresBothChains(t *testing.T) {
	database := setupTestDB(t)
	t.Setenv(config.EnvEthereumPrivateKey, "")
	cfg := config.DefaultConfig()
	cfg.Ethereum.RPCURL = "http://127.0.0.1:8545"
	cfg.Ethereum.BridgeAddress = "0x3333333333333333333333333333333333333333"
	cfg.Cardano.BlockfrostURL = "http://127.0.0.1:3000"
	cfg.Cardano.ProjectID = "test"

	n, err := newNode(database, cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	defer n.Close()
	if len(n.ledgers) != 2 || len(n.sources) != 2 {
		t.Errorf("ledgers=%d sources=%d, want 2 each", len(n.ledgers), len(n.sources))
	}
}
