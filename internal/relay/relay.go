// Package relay is the long-running bridge daemon. Every tick it pumps the chain
// feeds, drives open transfers through the coordinator, watches destination
// transactions for finality and runs the capsule housekeeping sweeps.
package relay

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/feed"
	"github.com/hpungsan/unseal/internal/ops"
)

// openStatuses are the transfer statuses the relay still has work for.
var openStatuses = []bridge.Status{
	bridge.StatusInitiated,
	bridge.StatusSourceConfirmed,
	bridge.StatusDestSubmitted,
}

// Options configures a Relay.
type Options struct {
	Coordinator *ops.Coordinator
	Triggers    *ops.TriggerMachine
	Consensus   *ops.ConsensusEngine
	Dispatcher  *feed.Dispatcher
	Sources     []feed.Source
	Cursors     feed.CursorStore
	Workers     int
	Interval    time.Duration
	Logger      zerolog.Logger
}

// Relay runs the bridge and capsule background work.
type Relay struct {
	coord      *ops.Coordinator
	triggers   *ops.TriggerMachine
	consensus  *ops.ConsensusEngine
	dispatcher *feed.Dispatcher
	sources    []feed.Source
	cursors    feed.CursorStore
	workers    int
	interval   time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// New returns a Relay.
func New(opts Options) *Relay {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	return &Relay{
		coord:      opts.Coordinator,
		triggers:   opts.Triggers,
		consensus:  opts.Consensus,
		dispatcher: opts.Dispatcher,
		sources:    opts.Sources,
		cursors:    opts.Cursors,
		workers:    opts.Workers,
		interval:   opts.Interval,
		log:        opts.Logger.With().Str("component", "relay").Logger(),
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled. Tick errors are logged, never fatal.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Int("workers", r.workers).Int("feeds", len(r.sources)).Msg("relay started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("relay tick")
		}
		select {
		case <-ctx.Done():
			r.log.Info().Msg("relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick does one round of work. Every step runs even when an earlier one fails;
// the returned error joins all failures.
func (r *Relay) Tick(ctx context.Context) error {
	var result *multierror.Error

	for _, src := range r.sources {
		n, err := feed.Pump(ctx, src, r.cursors, r.dispatcher)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if n > 0 {
			r.log.Info().Str("feed", src.Name()).Int("events", n).Msg("feed pumped")
		}
	}

	if err := r.driveTransfers(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	if r.triggers != nil {
		if n, err := r.triggers.ResolveDue(ctx, r.now().Unix()); err != nil {
			result = multierror.Append(result, err)
		} else if n > 0 {
			r.log.Info().Int("resolved", n).Msg("time triggers resolved")
		}
		if _, err := r.triggers.RepairSealed(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.consensus != nil {
		if _, err := r.consensus.SettleStalled(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.coord.PublishCounts(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// driveTransfers advances every open transfer, at most r.workers at a time.
func (r *Relay) driveTransfers(ctx context.Context) error {
	var open []*bridge.Transfer
	for offset := 0; ; {
		page, err := r.coord.ListTransfers(ctx, openStatuses, ops.MaxListLimit, offset)
		if err != nil {
			return err
		}
		open = append(open, page.Items...)
		if !page.Pagination.HasMore {
			break
		}
		offset += len(page.Items)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, t := range open {
		g.Go(func() error {
			r.drive(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

// drive moves one transfer as far as it can go in this tick.
func (r *Relay) drive(ctx context.Context, t *bridge.Transfer) {
	log := r.log.With().Str("transfer_id", t.ID).Logger()
	for ctx.Err() == nil {
		var next *bridge.Transfer
		var err error

		switch t.Status {
		case bridge.StatusInitiated:
			next, err = r.coord.VerifySource(ctx, t.ID)
			if errors.Is(err, errors.ErrSourceNotFinal) {
				log.Debug().Int("checks", next.FinalityChecks).Msg("source not final")
				return
			}
		case bridge.StatusSourceConfirmed:
			next, err = r.coord.SubmitDestination(ctx, t.ID)
		case bridge.StatusDestSubmitted:
			r.watchDestination(ctx, t)
			return
		default:
			return
		}

		if err != nil {
			if errors.Is(err, errors.ErrVersionConflict) || errors.Is(err, errors.ErrInvalidStateTransition) {
				// another worker or a feed event moved it
				log.Debug().Err(err).Msg("transfer changed concurrently")
				return
			}
			log.Warn().Err(err).Str("status", string(t.Status)).Msg("transfer step failed")
			return
		}
		if next == nil || next.Status == t.Status {
			return
		}
		t = next
	}
}

// watchDestination reports a final destination transaction to the dispatcher.
// Negative checks are counted by the coordinator, which fails the transfer
// once the destination tx has been pending too long.
func (r *Relay) watchDestination(ctx context.Context, t *bridge.Transfer) {
	log := r.log.With().Str("transfer_id", t.ID).Str("dest_tx", t.DestTxHash).Logger()
	checked, final, err := r.coord.CheckDestination(ctx, t.ID)
	if err != nil {
		if errors.Is(err, errors.ErrVersionConflict) || errors.Is(err, errors.ErrInvalidStateTransition) {
			log.Debug().Err(err).Msg("transfer changed concurrently")
			return
		}
		log.Warn().Err(err).Msg("destination finality check")
		return
	}
	if !final {
		log.Debug().Int("checks", checked.FinalityChecks).Str("status", string(checked.Status)).Msg("destination not final")
		return
	}
	if err := r.dispatcher.Dispatch(ctx, feed.Confirmed(t.DestChain, t.ID, t.DestTxHash)); err != nil {
		log.Warn().Err(err).Msg("destination confirmation")
	}
}
