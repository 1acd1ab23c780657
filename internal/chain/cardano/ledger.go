package cardano

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/errors"
)

// Options configures a Ledger.
type Options struct {
	PolicyID      string
	MintLabel     string
	Confirmations uint64
	Logger        zerolog.Logger
}

// Ledger implements chain.Ledger for Cardano.
type Ledger struct {
	client        *Client
	builder       MintBuilder // nil: verify only
	submissions   chain.SubmissionLog
	policyID      string
	mintLabel     string
	confirmations uint64
	log           zerolog.Logger
}

// NewLedger returns a Cardano ledger.
func NewLedger(client *Client, builder MintBuilder, submissions chain.SubmissionLog, opts Options) *Ledger {
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	return &Ledger{
		client:        client,
		builder:       builder,
		submissions:   submissions,
		policyID:      opts.PolicyID,
		mintLabel:     opts.MintLabel,
		confirmations: opts.Confirmations,
		log:           opts.Logger.With().Str("component", "cardano").Logger(),
	}
}

func (l *Ledger) Chain() bridge.Chain {
	return bridge.ChainCardano
}

// IsTransactionFinal reports whether txHash is buried under the configured
// number of blocks.
func (l *Ledger) IsTransactionFinal(ctx context.Context, txHash string) (bool, error) {
	if !isTxHash(txHash) {
		return false, chain.Unrecoverable("invalid_tx_hash", fmt.Errorf("%q is not a transaction hash", txHash))
	}
	tx, err := l.client.GetTx(ctx, txHash)
	if stderrors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tx %s: %w", txHash, err)
	}
	tip, err := l.client.LatestBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("latest block: %w", err)
	}
	return tip.Height >= tx.BlockHeight && tip.Height-tx.BlockHeight+1 >= l.confirmations, nil
}

// SubmitTransaction mints the bridged tokens for an Ethereum lock. The signed
// transaction is stored before its first submission and re-submitted verbatim
// on retries.
func (l *Ledger) SubmitTransaction(ctx context.Context, req chain.SubmitRequest) (string, error) {
	if l.builder == nil {
		return "", errors.NewInternal(fmt.Errorf("cardano signer is not configured"))
	}

	stored, err := l.submissions.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if stored == nil {
		signed, err := l.buildMint(ctx, req)
		if err != nil {
			return "", err
		}
		stored, err = l.submissions.Record(ctx, &bridge.Submission{
			TransferID: req.IdempotencyKey,
			Chain:      bridge.ChainCardano,
			Payload:    signed.CBOR,
			TxHash:     signed.TxHash,
		})
		if err != nil {
			return "", err
		}
	} else if _, err := l.client.GetTx(ctx, stored.TxHash); err == nil {
		return stored.TxHash, nil
	}

	previouslySent := stored.Attempts > 0
	if err := l.submissions.Attempted(ctx, req.IdempotencyKey); err != nil {
		return "", err
	}

	hash, err := l.client.SubmitTx(ctx, stored.Payload)
	if err != nil {
		var apiErr *APIError
		if !stderrors.As(err, &apiErr) {
			return "", fmt.Errorf("submit: %w", err)
		}
		if previouslySent && spentByEarlierSubmit(apiErr) {
			l.log.Warn().Str("transfer_id", req.IdempotencyKey).Str("tx_hash", stored.TxHash).Msg("inputs already spent, treating resubmission as accepted")
			return stored.TxHash, nil
		}
		return "", chain.Unrecoverable("rejected_by_node", err)
	}
	if !strings.EqualFold(hash, stored.TxHash) {
		l.log.Warn().Str("transfer_id", req.IdempotencyKey).Str("node_hash", hash).Str("tx_hash", stored.TxHash).Msg("node reported a different tx hash")
	}

	l.log.Info().Str("transfer_id", req.IdempotencyKey).Str("tx_hash", stored.TxHash).Msg("mint submitted")
	return stored.TxHash, nil
}

func (l *Ledger) buildMint(ctx context.Context, req chain.SubmitRequest) (*SignedTx, error) {
	if !strings.HasPrefix(req.DestAddress, "addr") {
		return nil, chain.Unrecoverable("invalid_dest_address", fmt.Errorf("%q is not a Cardano address", req.DestAddress))
	}
	assets := make([]MintAsset, len(req.TokenIDs))
	for i, id := range req.TokenIDs {
		assets[i] = MintAsset{
			Unit:    l.policyID + AssetName(id),
			TokenID: id,
			Amount:  req.Amounts[i],
		}
	}
	signed, err := l.builder.BuildMint(ctx, MintRequest{
		TransferID:    req.IdempotencyKey,
		PolicyID:      l.policyID,
		Address:       req.DestAddress,
		Assets:        assets,
		MetadataLabel: l.mintLabel,
		Metadata:      map[string]string{"eth_tx_hash": req.SourceTxHash},
	})
	if err != nil {
		return nil, fmt.Errorf("build mint: %w", err)
	}
	return signed, nil
}

// spentByEarlierSubmit reports a node rejection caused by the transaction's
// inputs being consumed, which after a previous broadcast means it was accepted.
func spentByEarlierSubmit(err *APIError) bool {
	return strings.Contains(err.Message, "BadInputsUTxO") || strings.Contains(strings.ToLower(err.Message), "already")
}

func isTxHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
