package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/chain/chaintest"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/retry"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// createCapsule stores a capsule with the given trigger kind and returns the ids.
func createCapsule(t *testing.T, database *sql.DB, kind capsule.TriggerKind, conditions string, recipients ...string) *CreateCapsuleOutput {
	t.Helper()
	out, err := CreateCapsule(context.Background(), database, config.DefaultConfig(), CreateCapsuleInput{
		OwnerID:     "owner",
		Content:     []byte("ciphertext"),
		ContentType: capsule.ContentText,
		Recipients:  recipients,
		TriggerKind: kind,
		Conditions:  json.RawMessage(conditions),
	})
	if err != nil {
		t.Fatalf("CreateCapsule failed: %v", err)
	}
	return out
}

func capsuleStatus(t *testing.T, database *sql.DB, id string) capsule.Status {
	t.Helper()
	c, err := db.GetCapsule(context.Background(), database, id)
	if err != nil {
		t.Fatalf("GetCapsule failed: %v", err)
	}
	return c.Status
}

// testCoordinator wires a coordinator to in-memory ledgers for both chains.
type testCoordinator struct {
	*Coordinator
	eth *chaintest.Ledger
	ada *chaintest.Ledger
}

func newTestCoordinator(t *testing.T, database *sql.DB, maxChecks int) *testCoordinator {
	t.Helper()
	eth := chaintest.New(bridge.ChainEthereum)
	ada := chaintest.New(bridge.ChainCardano)
	c := NewCoordinator(database, chain.NewRegistry(eth, ada), CoordinatorOptions{
		Retry: retry.Policy{
			MaxAttempts: 3,
			Base:        time.Millisecond,
			Max:         2 * time.Millisecond,
		},
		MaxFinalityChecks:    maxChecks,
		MaxDestinationChecks: maxChecks,
		Logger:               zerolog.Nop(),
	})
	return &testCoordinator{Coordinator: c, eth: eth, ada: ada}
}

func ethPayload(hash string) bridge.Payload {
	return bridge.Payload{
		SourceChain:  bridge.ChainEthereum,
		SourceTxHash: hash,
		FromAddress:  "0x1111111111111111111111111111111111111111",
		DestAddress:  "addr_test1qz",
		TokenIDs:     []string{"1", "2"},
		Amounts:      []string{"10", "1"},
	}
}
