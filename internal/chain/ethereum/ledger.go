// Package ethereum is the Ethereum side of the bridge: a chain.Ledger over a
// JSON-RPC node and a feed of bridge contract logs.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/errors"
)

// Client is the part of *ethclient.Client the adapter uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// Signer signs release transactions. Key handling stays outside the adapter.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	signer  types.Signer
	address common.Address
}

// NewKeySigner parses a hex private key (with or without 0x) for chainID.
func NewKeySigner(hexKey string, chainID int64) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return NewKeySignerFromKey(key, chainID), nil
}

// NewKeySignerFromKey wraps an existing key.
func NewKeySignerFromKey(key *ecdsa.PrivateKey, chainID int64) *KeySigner {
	return &KeySigner{
		key:     key,
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}

// Options configures a Ledger.
type Options struct {
	Bridge        common.Address
	Confirmations uint64
	GasLimit      uint64
	Logger        zerolog.Logger
}

// Ledger implements chain.Ledger for Ethereum.
type Ledger struct {
	client        Client
	signer        Signer // nil: verify only
	submissions   chain.SubmissionLog
	bridge        common.Address
	confirmations uint64
	gasLimit      uint64
	log           zerolog.Logger
}

// NewLedger returns an Ethereum ledger. signer may be nil when the relay only
// verifies Ethereum sources.
func NewLedger(client Client, signer Signer, submissions chain.SubmissionLog, opts Options) *Ledger {
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	return &Ledger{
		client:        client,
		signer:        signer,
		submissions:   submissions,
		bridge:        opts.Bridge,
		confirmations: opts.Confirmations,
		gasLimit:      opts.GasLimit,
		log:           opts.Logger.With().Str("component", "ethereum").Logger(),
	}
}

func (l *Ledger) Chain() bridge.Chain {
	return bridge.ChainEthereum
}

// IsTransactionFinal reports whether txHash has the configured number of
// confirmations. A reverted transaction can never become final.
func (l *Ledger) IsTransactionFinal(ctx context.Context, txHash string) (bool, error) {
	if !isTxHash(txHash) {
		return false, chain.Unrecoverable("invalid_tx_hash", fmt.Errorf("%q is not a transaction hash", txHash))
	}
	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if stderrors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return false, chain.Unrecoverable("tx_reverted", fmt.Errorf("transaction %s reverted", txHash))
	}

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("block number: %w", err)
	}
	block := receipt.BlockNumber.Uint64()
	return head >= block && head-block+1 >= l.confirmations, nil
}

// SubmitTransaction releases tokens on Ethereum for a Cardano burn. The signed
// transaction is stored before its first broadcast; retries re-send the same
// bytes, so the nonce and hash never change for a transfer.
func (l *Ledger) SubmitTransaction(ctx context.Context, req chain.SubmitRequest) (string, error) {
	if l.signer == nil {
		return "", errors.NewInternal(fmt.Errorf("ethereum signer is not configured"))
	}

	stored, err := l.submissions.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		return "", err
	}
	if stored == nil {
		tx, err := l.buildRelease(ctx, req)
		if err != nil {
			return "", err
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return "", errors.NewInternal(err)
		}
		stored, err = l.submissions.Record(ctx, &bridge.Submission{
			TransferID: req.IdempotencyKey,
			Chain:      bridge.ChainEthereum,
			Payload:    raw,
			TxHash:     tx.Hash().Hex(),
		})
		if err != nil {
			return "", err
		}
	} else if _, err := l.client.TransactionReceipt(ctx, common.HexToHash(stored.TxHash)); err == nil {
		// mined by an earlier attempt
		return stored.TxHash, nil
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(stored.Payload); err != nil {
		return "", errors.NewInternal(fmt.Errorf("stored transaction for %s: %w", req.IdempotencyKey, err))
	}
	if err := l.submissions.Attempted(ctx, req.IdempotencyKey); err != nil {
		return "", err
	}

	if err := l.client.SendTransaction(ctx, &tx); err != nil {
		return l.sendFailure(ctx, stored.TxHash, req.IdempotencyKey, err)
	}
	l.log.Info().
		Str("transfer_id", req.IdempotencyKey).
		Str("tx_hash", stored.TxHash).
		Uint64("nonce", tx.Nonce()).
		Msg("release broadcast")
	return stored.TxHash, nil
}

// sendFailure interprets a node's rejection of a broadcast.
func (l *Ledger) sendFailure(ctx context.Context, txHash, key string, err error) (string, error) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return txHash, nil
	case strings.Contains(msg, "nonce too low"):
		return l.nonceTaken(ctx, txHash, key, err)
	case strings.Contains(msg, "insufficient funds"):
		return "", chain.Unrecoverable("insufficient_balance", err)
	case strings.Contains(msg, "execution reverted"):
		return "", chain.Unrecoverable("tx_reverted", err)
	}
	return "", fmt.Errorf("send transaction: %w", err)
}

// nonceTaken handles a stored release whose nonce the account has already
// used. If the release itself was mined it is accepted. Otherwise another
// transaction took the nonce and the stored one can never be mined: it is
// discarded and a transient error makes the next attempt sign a fresh one.
func (l *Ledger) nonceTaken(ctx context.Context, txHash, key string, sendErr error) (string, error) {
	_, err := l.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err == nil {
		return txHash, nil
	}
	if !stderrors.Is(err, ethereum.NotFound) {
		return "", fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if err := l.submissions.Discard(ctx, key, txHash); err != nil {
		return "", err
	}
	l.log.Warn().
		Str("transfer_id", key).
		Str("tx_hash", txHash).
		Msg("nonce used by another transaction, discarding stored release")
	return "", errors.NewAdapterUnavailable(string(bridge.ChainEthereum),
		fmt.Errorf("release %s lost its nonce: %w", txHash, sendErr))
}

func (l *Ledger) buildRelease(ctx context.Context, req chain.SubmitRequest) (*types.Transaction, error) {
	if !common.IsHexAddress(req.DestAddress) {
		return nil, chain.Unrecoverable("invalid_dest_address", fmt.Errorf("%q is not an Ethereum address", req.DestAddress))
	}
	data, err := packRelease(req.SourceTxHash, common.HexToAddress(req.DestAddress), req.TokenIDs, req.Amounts)
	if err != nil {
		return nil, chain.Unrecoverable("invalid_payload", err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	to := l.bridge
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      l.gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := l.signer.SignTx(tx)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("sign release: %w", err))
	}
	return signed, nil
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
