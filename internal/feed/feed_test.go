package feed

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/metrics"
)

// fakeHandler records calls and answers with queued errors.
type fakeHandler struct {
	initiated  []bridge.Payload
	confirmed  []string
	initErr    error
	confirmErr error
}

func (h *fakeHandler) OnTransferInitiated(ctx context.Context, p bridge.Payload) (string, error) {
	h.initiated = append(h.initiated, p)
	if h.initErr != nil {
		return "", h.initErr
	}
	return "T-" + p.SourceTxHash, nil
}

func (h *fakeHandler) ConfirmDestination(ctx context.Context, id, destTxHash string) (*bridge.Transfer, error) {
	h.confirmed = append(h.confirmed, id+"/"+destTxHash)
	if h.confirmErr != nil {
		return nil, h.confirmErr
	}
	return &bridge.Transfer{ID: id, Status: bridge.StatusCompleted}, nil
}

// countingMetrics counts feed outcomes.
type countingMetrics struct {
	metrics.NoopCollector
	outcomes map[string]int
}

func (m *countingMetrics) FeedEvent(chain, event, outcome string) {
	m.outcomes[chain+"/"+event+"/"+outcome]++
}

func payload(hash string) bridge.Payload {
	return bridge.Payload{SourceChain: bridge.ChainCardano, SourceTxHash: hash}
}

func TestDispatch_Routes(t *testing.T) {
	h := &fakeHandler{}
	d := NewDispatcher(h, zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, Initiated(payload("a1"))))
	require.NoError(t, d.Dispatch(ctx, Confirmed(bridge.ChainEthereum, "T1", "0xdest")))

	assert.Len(t, h.initiated, 1)
	assert.Equal(t, []string{"T1/0xdest"}, h.confirmed)
}

func TestDispatch_DropsWhatCannotApply(t *testing.T) {
	m := &countingMetrics{outcomes: map[string]int{}}
	ctx := context.Background()

	for _, err := range []error{
		errors.NewInvalidTransferPayload("amount 0 must be positive"),
		errors.NewNotFound("transfer", "T1"),
	} {
		h := &fakeHandler{initErr: err, confirmErr: err}
		d := NewDispatcher(h, zerolog.Nop(), m)
		assert.NoError(t, d.Dispatch(ctx, Initiated(payload("bad"))))
	}

	h := &fakeHandler{confirmErr: errors.NewTransferMismatch("T1", "a", "b")}
	d := NewDispatcher(h, zerolog.Nop(), m)
	assert.NoError(t, d.Dispatch(ctx, Confirmed(bridge.ChainCardano, "T1", "b")))

	h = &fakeHandler{confirmErr: errors.NewInvalidStateTransition("transfer", "T1", "initiated", "completed")}
	d = NewDispatcher(h, zerolog.Nop(), m)
	assert.NoError(t, d.Dispatch(ctx, Confirmed(bridge.ChainCardano, "T1", "b")))

	assert.Equal(t, 2, m.outcomes["cardano/transfer_initiated/dropped"])
	assert.Equal(t, 2, m.outcomes["cardano/transfer_confirmed/dropped"])
}

func TestDispatch_AsksForRedeliveryOnStoreErrors(t *testing.T) {
	h := &fakeHandler{initErr: errors.NewInternal(fmt.Errorf("disk I/O error"))}
	d := NewDispatcher(h, zerolog.Nop(), nil)

	err := d.Dispatch(context.Background(), Initiated(payload("a1")))
	assert.True(t, errors.Is(err, errors.ErrInternal))
}

// memSource serves fixed events and reports a fixed next cursor.
type memSource struct {
	events []Event
	next   string
	seen   []string
}

func (s *memSource) Name() string { return "mem" }

func (s *memSource) Poll(ctx context.Context, cursor string) ([]Event, string, error) {
	s.seen = append(s.seen, cursor)
	return s.events, s.next, nil
}

type memCursors map[string]string

func (c memCursors) Get(ctx context.Context, name string) (string, error) { return c[name], nil }

func (c memCursors) Put(ctx context.Context, name, position string) error {
	c[name] = position
	return nil
}

func TestPump_AdvancesCursorAfterBatch(t *testing.T) {
	h := &fakeHandler{}
	d := NewDispatcher(h, zerolog.Nop(), nil)
	src := &memSource{events: []Event{Initiated(payload("a")), Initiated(payload("b"))}, next: "2"}
	cursors := memCursors{}

	n, err := Pump(context.Background(), src, cursors, d)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "2", cursors["mem"])
	assert.Equal(t, []string{""}, src.seen)
}

func TestPump_KeepsCursorOnRedelivery(t *testing.T) {
	h := &fakeHandler{initErr: errors.NewAdapterUnavailable("cardano", fmt.Errorf("down"))}
	d := NewDispatcher(h, zerolog.Nop(), nil)
	src := &memSource{events: []Event{Initiated(payload("a"))}, next: "1"}
	cursors := memCursors{"mem": "0"}

	_, err := Pump(context.Background(), src, cursors, d)
	require.Error(t, err)
	assert.Equal(t, "0", cursors["mem"])
}
