package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/capsule"
	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/chain/chaintest"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/feed"
	"github.com/hpungsan/unseal/internal/ops"
	"github.com/hpungsan/unseal/internal/retry"
)

// listSource serves its events once.
type listSource struct {
	events []feed.Event
}

func (s *listSource) Name() string { return "list" }

func (s *listSource) Poll(ctx context.Context, cursor string) ([]feed.Event, string, error) {
	if cursor == "done" {
		return nil, cursor, nil
	}
	return s.events, "done", nil
}

type harness struct {
	db    *sql.DB
	relay *Relay
	coord *ops.Coordinator
	eth   *chaintest.Ledger
	ada   *chaintest.Ledger
	src   *listSource
}

func newHarness(t *testing.T, maxChecks int) *harness {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	eth := chaintest.New(bridge.ChainEthereum)
	ada := chaintest.New(bridge.ChainCardano)
	ledgers := chain.NewRegistry(eth, ada)
	log := zerolog.Nop()

	coord := ops.NewCoordinator(database, ledgers, ops.CoordinatorOptions{
		Retry:                retry.Policy{MaxAttempts: 2, Base: time.Millisecond, Max: time.Millisecond},
		MaxFinalityChecks:    maxChecks,
		MaxDestinationChecks: maxChecks,
		Logger:               log,
	})
	triggers := ops.NewTriggerMachine(database, log, nil)
	src := &listSource{}

	r := New(Options{
		Coordinator: coord,
		Triggers:    triggers,
		Consensus:   ops.NewConsensusEngine(database, triggers, log, nil),
		Dispatcher:  feed.NewDispatcher(coord, log, nil),
		Sources:     []feed.Source{src},
		Cursors:     db.NewCursorStore(database),
		Workers:     2,
		Interval:    10 * time.Millisecond,
		Logger:      log,
	})
	return &harness{db: database, relay: r, coord: coord, eth: eth, ada: ada, src: src}
}

func lock(hash string) bridge.Payload {
	return bridge.Payload{
		SourceChain:  bridge.ChainEthereum,
		SourceTxHash: hash,
		FromAddress:  "0x1111111111111111111111111111111111111111",
		DestAddress:  "addr_test1qz",
		TokenIDs:     []string{"4"},
		Amounts:      []string{"2"},
	}
}

func TestTick_CompletesFinalTransfer(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	h.src.events = []feed.Event{feed.Initiated(lock("0xlock1"))}
	h.eth.SetFinal("0xlock1", true)
	h.ada.SetFinal("cardano-tx-1", true)

	require.NoError(t, h.relay.Tick(ctx))

	out, err := h.coord.ListTransfers(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	tr := out.Items[0]
	assert.Equal(t, bridge.StatusCompleted, tr.Status)
	assert.Equal(t, "cardano-tx-1", tr.DestTxHash)
	assert.Equal(t, 1, h.ada.Broadcasts())

	cursor, err := db.NewCursorStore(h.db).Get(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "done", cursor)
}

func TestTick_WaitsForFinality(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	h.src.events = []feed.Event{feed.Initiated(lock("0xlock2"))}

	require.NoError(t, h.relay.Tick(ctx))
	require.NoError(t, h.relay.Tick(ctx))

	out, err := h.coord.ListTransfers(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, bridge.StatusInitiated, out.Items[0].Status)
	assert.Equal(t, 2, out.Items[0].FinalityChecks)

	// source final, destination not yet
	h.eth.SetFinal("0xlock2", true)
	require.NoError(t, h.relay.Tick(ctx))
	tr, err := h.coord.GetTransfer(ctx, out.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusDestSubmitted, tr.Status)

	h.ada.SetFinal(tr.DestTxHash, true)
	require.NoError(t, h.relay.Tick(ctx))
	tr, err = h.coord.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusCompleted, tr.Status)
	assert.Equal(t, 1, h.ada.Broadcasts())
}

func TestTick_FinalityTimeout(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.src.events = []feed.Event{feed.Initiated(lock("0xlock3"))}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.relay.Tick(ctx))
	}

	out, err := h.coord.ListTransfers(ctx, []bridge.Status{bridge.StatusFailed}, 10, 0)
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, bridge.ReasonFinalityTimeout, out.Items[0].FailureReason)
}

func TestTick_DestinationNeverFinal(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.src.events = []feed.Event{feed.Initiated(lock("0xlock4"))}
	h.eth.SetFinal("0xlock4", true)

	// the first tick submits and checks once; the second check hits the limit
	require.NoError(t, h.relay.Tick(ctx))
	require.NoError(t, h.relay.Tick(ctx))

	out, err := h.coord.ListTransfers(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	tr := out.Items[0]
	assert.Equal(t, bridge.StatusFailed, tr.Status)
	assert.Equal(t, bridge.ReasonDestFinalityTimeout, tr.FailureReason)
	assert.NotEmpty(t, tr.DestTxHash)
	assert.Equal(t, 1, h.ada.Broadcasts())
}

func TestTick_ManyTransfers(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		hash := fmt.Sprintf("0xbulk%02d", i)
		h.src.events = append(h.src.events, feed.Initiated(lock(hash)))
		h.eth.SetFinal(hash, true)
	}

	require.NoError(t, h.relay.Tick(ctx))

	out, err := h.coord.ListTransfers(ctx, []bridge.Status{bridge.StatusDestSubmitted}, ops.MaxListLimit, 0)
	require.NoError(t, err)
	assert.Len(t, out.Items, 25)
	assert.Equal(t, 25, h.ada.Broadcasts())
}

func TestTick_ResolvesDueTimeTriggers(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	created, err := ops.CreateCapsule(ctx, h.db, config.DefaultConfig(), ops.CreateCapsuleInput{
		OwnerID:     "owner",
		Content:     []byte("sealed words"),
		TriggerKind: capsule.KindTime,
		Conditions:  json.RawMessage(`{"unlock_at": 1000}`),
	})
	require.NoError(t, err)

	require.NoError(t, h.relay.Tick(ctx))

	got, err := ops.FetchCapsule(ctx, h.db, created.CapsuleID)
	require.NoError(t, err)
	assert.Equal(t, capsule.StatusUnsealed, got.Status)
	assert.Equal(t, capsule.TriggerCompleted, got.Trigger.Status)
	assert.Equal(t, []byte("sealed words"), got.Content)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.relay.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
