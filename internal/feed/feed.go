// Package feed turns chain events into coordinator calls. Sources deliver
// events at least once; the dispatcher relies on the coordinator being
// idempotent and drops what can never succeed.
package feed

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/metrics"
)

// Kind is the type of a feed event.
type Kind string

const (
	KindTransferInitiated Kind = "transfer_initiated"
	KindTransferConfirmed Kind = "transfer_confirmed"
)

// Event is one observation reported by a chain.
type Event struct {
	Kind  Kind
	Chain bridge.Chain // chain that reported the event

	// Payload is set for KindTransferInitiated
	Payload bridge.Payload

	// TransferID and DestTxHash are set for KindTransferConfirmed
	TransferID string
	DestTxHash string
}

// Initiated builds a KindTransferInitiated event.
func Initiated(p bridge.Payload) Event {
	return Event{Kind: KindTransferInitiated, Chain: p.SourceChain, Payload: p}
}

// Confirmed builds a KindTransferConfirmed event.
func Confirmed(c bridge.Chain, transferID, destTxHash string) Event {
	return Event{Kind: KindTransferConfirmed, Chain: c, TransferID: transferID, DestTxHash: destTxHash}
}

// Source is a pollable chain feed. Poll returns the events after cursor and the
// cursor to resume from once they are handled. An empty cursor means the
// configured start.
type Source interface {
	Name() string
	Poll(ctx context.Context, cursor string) ([]Event, string, error)
}

// Handler is the coordinator as seen by the dispatcher.
type Handler interface {
	OnTransferInitiated(ctx context.Context, p bridge.Payload) (string, error)
	ConfirmDestination(ctx context.Context, id, destTxHash string) (*bridge.Transfer, error)
}

// Dispatcher routes events to the coordinator.
type Dispatcher struct {
	handler Handler
	log     zerolog.Logger
	metrics metrics.Collector
}

// NewDispatcher returns a Dispatcher calling h.
func NewDispatcher(h Handler, log zerolog.Logger, m metrics.Collector) *Dispatcher {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &Dispatcher{
		handler: h,
		log:     log.With().Str("component", "feed").Logger(),
		metrics: m,
	}
}

// Dispatch handles one event. It returns an error only when the event should
// be delivered again; events that can never apply are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	var err error
	switch ev.Kind {
	case KindTransferInitiated:
		var id string
		id, err = d.handler.OnTransferInitiated(ctx, ev.Payload)
		if err == nil {
			d.log.Debug().Str("transfer_id", id).Str("source_tx", ev.Payload.SourceTxHash).Msg("initiation handled")
		}
	case KindTransferConfirmed:
		_, err = d.handler.ConfirmDestination(ctx, ev.TransferID, ev.DestTxHash)
	default:
		d.metrics.FeedEvent(string(ev.Chain), string(ev.Kind), "dropped")
		d.log.Warn().Str("kind", string(ev.Kind)).Msg("unknown feed event")
		return nil
	}

	outcome := classify(err)
	d.metrics.FeedEvent(string(ev.Chain), string(ev.Kind), outcome)
	switch outcome {
	case "ok":
		return nil
	case "dropped":
		d.log.Warn().
			Err(err).
			Str("chain", string(ev.Chain)).
			Str("kind", string(ev.Kind)).
			Str("source_tx", ev.Payload.SourceTxHash).
			Str("transfer_id", ev.TransferID).
			Msg("dropping feed event")
		return nil
	default:
		return err
	}
}

// classify maps a handler error to a metrics outcome. Only "retry" outcomes
// are redelivered.
func classify(err error) string {
	if err == nil {
		return "ok"
	}
	switch errors.CodeOf(err) {
	case errors.ErrInvalidTransferPayload, errors.ErrNotFound, errors.ErrInvalidStateTransition,
		errors.ErrInvalidRequest:
		return "dropped"
	case errors.ErrTransferMismatch:
		// already alerted by the coordinator
		return "dropped"
	}
	return "retry"
}
