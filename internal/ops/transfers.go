package ops

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/errors"
	"github.com/hpungsan/unseal/internal/metrics"
	"github.com/hpungsan/unseal/internal/retry"
)

// Coordinator drives cross-chain transfers through
// initiated -> source_confirmed -> dest_submitted -> completed.
// Each operation loads the transfer, asks the bridge package for the next
// state and writes it with a version check. Ledger calls happen outside any
// database transaction.
type Coordinator struct {
	db                *sql.DB
	ledgers           chain.Registry
	policy            retry.Policy
	maxFinalityChecks int
	maxDestChecks     int
	log               zerolog.Logger
	metrics           metrics.Collector
	now               func() int64
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Retry                retry.Policy
	MaxFinalityChecks    int
	// MaxDestinationChecks bounds how long a submitted destination tx is
	// watched; zero means unbounded.
	MaxDestinationChecks int
	Logger               zerolog.Logger
	Metrics              metrics.Collector
}

// NewCoordinator returns a Coordinator using ledgers for chain access.
func NewCoordinator(database *sql.DB, ledgers chain.Registry, opts CoordinatorOptions) *Coordinator {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &Coordinator{
		db:                database,
		ledgers:           ledgers,
		policy:            opts.Retry,
		maxFinalityChecks: opts.MaxFinalityChecks,
		maxDestChecks:     opts.MaxDestinationChecks,
		log:               opts.Logger.With().Str("component", "coordinator").Logger(),
		metrics:           m,
		now:               unixNow,
	}
}

// OnTransferInitiated records a transfer for a source-chain lock/burn event and
// returns its id. Redelivery of the same source transaction returns the id
// recorded the first time.
func (c *Coordinator) OnTransferInitiated(ctx context.Context, p bridge.Payload) (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", errors.NewInternal(err)
	}
	t, err := bridge.NewTransfer(id, p, c.now())
	if err != nil {
		return "", err
	}

	existing, err := db.GetTransferBySource(ctx, c.db, t.SourceChain, t.SourceTxHash)
	if err == nil {
		c.log.Debug().Str("transfer_id", existing.ID).Str("source_tx", t.SourceTxHash).Msg("transfer already recorded")
		return existing.ID, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return "", err
	}

	if err := db.InsertTransfer(ctx, c.db, t); err != nil {
		if err == db.ErrUniqueConstraint {
			// a concurrent delivery won the insert
			existing, err := db.GetTransferBySource(ctx, c.db, t.SourceChain, t.SourceTxHash)
			if err != nil {
				return "", err
			}
			return existing.ID, nil
		}
		return "", err
	}

	c.metrics.TransferTransition(string(bridge.StatusInitiated))
	c.log.Info().
		Str("transfer_id", t.ID).
		Str("source_chain", string(t.SourceChain)).
		Str("source_tx", t.SourceTxHash).
		Str("dest_chain", string(t.DestChain)).
		Msg("transfer initiated")
	return t.ID, nil
}

// VerifySource asks the source ledger whether the source transaction is final.
// Not final yet returns SOURCE_NOT_FINAL and counts the check; after
// max_finality_checks the transfer fails with finality_timeout.
func (c *Coordinator) VerifySource(ctx context.Context, id string) (*bridge.Transfer, error) {
	t, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != bridge.StatusInitiated {
		return nil, errors.NewInvalidStateTransition("transfer", t.ID, string(t.Status), string(bridge.StatusSourceConfirmed))
	}
	ledger, err := c.ledgers.Get(t.SourceChain)
	if err != nil {
		return nil, err
	}

	var final bool
	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		final, err = ledger.IsTransactionFinal(ctx, t.SourceTxHash)
		return err
	})
	if err != nil {
		return nil, c.adapterFailure(ctx, t, attempts, err)
	}

	if !final {
		next, err := bridge.NotFinal(*t, c.maxFinalityChecks)
		if err != nil {
			return nil, err
		}
		saved, err := c.save(ctx, next)
		if err != nil {
			return nil, err
		}
		if saved.Status == bridge.StatusFailed {
			c.failed(saved)
			return saved, nil
		}
		return saved, errors.NewSourceNotFinal(t.ID, t.SourceTxHash, saved.FinalityChecks)
	}

	next, err := bridge.Advance(*t, bridge.StatusSourceConfirmed)
	if err != nil {
		return nil, err
	}
	saved, err := c.save(ctx, next)
	if err != nil {
		return nil, err
	}
	c.transitioned(saved)
	return saved, nil
}

// SubmitDestination broadcasts the mint/release on the destination chain.
// The transfer id is the idempotency key, so a retried submit never creates a
// second transaction.
func (c *Coordinator) SubmitDestination(ctx context.Context, id string) (*bridge.Transfer, error) {
	t, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != bridge.StatusSourceConfirmed {
		return nil, errors.NewInvalidStateTransition("transfer", t.ID, string(t.Status), string(bridge.StatusDestSubmitted))
	}
	ledger, err := c.ledgers.Get(t.DestChain)
	if err != nil {
		return nil, err
	}

	req := chain.RequestFor(t)
	var hash string
	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		hash, err = ledger.SubmitTransaction(ctx, req)
		return err
	})
	if err != nil {
		return nil, c.adapterFailure(ctx, t, attempts, err)
	}

	next, err := bridge.Submitted(*t, hash)
	if err != nil {
		return nil, err
	}
	saved, err := c.save(ctx, next)
	if err != nil {
		return nil, err
	}
	c.transitioned(saved)
	return saved, nil
}

// CheckDestination asks the destination ledger whether the submitted tx is
// final. A final tx is reported, not applied: the caller delivers it through
// ConfirmDestination like any other confirmation. Each negative check is
// counted and after max_destination_checks the transfer fails with
// dest_finality_timeout. Adapter errors that outlive the retry policy leave
// the transfer as it is.
func (c *Coordinator) CheckDestination(ctx context.Context, id string) (*bridge.Transfer, bool, error) {
	t, err := c.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if t.Status != bridge.StatusDestSubmitted {
		return nil, false, errors.NewInvalidStateTransition("transfer", t.ID, string(t.Status), string(bridge.StatusCompleted))
	}
	ledger, err := c.ledgers.Get(t.DestChain)
	if err != nil {
		return nil, false, err
	}

	var final bool
	_, err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		final, err = ledger.IsTransactionFinal(ctx, t.DestTxHash)
		return err
	})
	if err != nil {
		if reason, ok := chain.UnrecoverableReason(err); ok && ctx.Err() == nil {
			saved, ferr := c.fail(ctx, t, reason)
			if ferr != nil {
				return nil, false, ferr
			}
			c.destinationLost(saved)
			return saved, false, err
		}
		return nil, false, err
	}
	if final {
		return t, true, nil
	}

	next, err := bridge.DestNotFinal(*t, c.maxDestChecks)
	if err != nil {
		return nil, false, err
	}
	saved, err := c.save(ctx, next)
	if err != nil {
		return nil, false, err
	}
	if saved.Status == bridge.StatusFailed {
		c.failed(saved)
		c.destinationLost(saved)
	}
	return saved, false, nil
}

// ConfirmDestination completes a transfer once the destination feed reports
// destTxHash final. A hash other than the submitted one is a TRANSFER_MISMATCH
// and leaves the transfer unchanged.
func (c *Coordinator) ConfirmDestination(ctx context.Context, id, destTxHash string) (*bridge.Transfer, error) {
	t, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	next, changed, err := bridge.Confirm(*t, destTxHash)
	if errors.Is(err, errors.ErrTransferMismatch) {
		c.metrics.TransferMismatch(string(t.DestChain))
		c.log.Error().
			Bool("alert", true).
			Str("transfer_id", t.ID).
			Str("dest_chain", string(t.DestChain)).
			Str("expected_tx", t.DestTxHash).
			Str("reported_tx", destTxHash).
			Msg("destination confirmation does not match submitted transaction")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	saved, err := c.save(ctx, next)
	if err != nil {
		return nil, err
	}
	c.transitioned(saved)
	return saved, nil
}

// Fail moves a non-terminal transfer to failed with reason.
func (c *Coordinator) Fail(ctx context.Context, id, reason string) (*bridge.Transfer, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.NewInvalidRequest("reason is required")
	}
	t, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.fail(ctx, t, reason)
}

// GetTransfer retrieves a transfer by id.
func (c *Coordinator) GetTransfer(ctx context.Context, id string) (*bridge.Transfer, error) {
	return c.load(ctx, id)
}

// ListTransfersOutput contains the result of ListTransfers.
type ListTransfersOutput struct {
	Items      []*bridge.Transfer `json:"items"`
	Pagination Pagination         `json:"pagination"`
}

// ListTransfers lists transfers in the given statuses, least recently updated first.
func (c *Coordinator) ListTransfers(ctx context.Context, statuses []bridge.Status, limit, offset int) (*ListTransfersOutput, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("unknown transfer status %q", s))
		}
	}
	limit = clampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	// one extra row tells whether another page exists
	items, err := db.ListTransfers(ctx, c.db, statuses, limit+1, offset)
	if err != nil {
		return nil, err
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if items == nil {
		items = []*bridge.Transfer{}
	}
	return &ListTransfersOutput{
		Items:      items,
		Pagination: Pagination{Limit: limit, Offset: offset, HasMore: hasMore},
	}, nil
}

// PublishCounts reports the number of transfers per status to metrics.
func (c *Coordinator) PublishCounts(ctx context.Context) error {
	counts, err := db.CountTransfersByStatus(ctx, c.db)
	if err != nil {
		return err
	}
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	c.metrics.TransfersInStatus(out)
	return nil
}

// adapterFailure decides what a failed ledger call means for the transfer.
// Cancellation leaves it untouched so it resumes later; unrecoverable errors
// and exhausted retries fail it.
func (c *Coordinator) adapterFailure(ctx context.Context, t *bridge.Transfer, attempts int, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if reason, ok := chain.UnrecoverableReason(err); ok {
		if _, ferr := c.fail(ctx, t, reason); ferr != nil {
			return ferr
		}
		return err
	}
	if errors.Transient(err) {
		if _, ferr := c.fail(ctx, t, bridge.ReasonRetriesExhausted); ferr != nil {
			return ferr
		}
		return errors.NewRetriesExhausted(t.ID, attempts, err)
	}
	return err
}

func (c *Coordinator) fail(ctx context.Context, t *bridge.Transfer, reason string) (*bridge.Transfer, error) {
	next, err := bridge.Fail(*t, reason)
	if err != nil {
		return nil, err
	}
	saved, err := c.save(ctx, next)
	if err != nil {
		return nil, err
	}
	c.failed(saved)
	return saved, nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*bridge.Transfer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.NewInvalidRequest("transfer id is required")
	}
	return db.GetTransfer(ctx, c.db, id)
}

// save writes next if nobody changed the transfer since it was loaded.
func (c *Coordinator) save(ctx context.Context, next bridge.Transfer) (*bridge.Transfer, error) {
	if err := db.UpdateTransfer(ctx, c.db, &next, c.now()); err != nil {
		return nil, err
	}
	return &next, nil
}

func (c *Coordinator) transitioned(t *bridge.Transfer) {
	c.metrics.TransferTransition(string(t.Status))
	c.log.Info().
		Str("transfer_id", t.ID).
		Str("status", string(t.Status)).
		Str("dest_tx", t.DestTxHash).
		Msg("transfer advanced")
}

// destinationLost alerts on a transfer that failed after its destination tx
// was broadcast. The tx may still land, so an operator has to reconcile it.
func (c *Coordinator) destinationLost(t *bridge.Transfer) {
	c.log.Error().
		Bool("alert", true).
		Str("transfer_id", t.ID).
		Str("dest_chain", string(t.DestChain)).
		Str("dest_tx", t.DestTxHash).
		Str("reason", t.FailureReason).
		Msg("submitted destination transaction did not become final")
}

func (c *Coordinator) failed(t *bridge.Transfer) {
	c.metrics.TransferTransition(string(bridge.StatusFailed))
	c.metrics.TransferFailed(t.FailureReason)
	c.log.Warn().
		Str("transfer_id", t.ID).
		Str("reason", t.FailureReason).
		Msg("transfer failed")
}
