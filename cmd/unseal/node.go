package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/chain"
	"github.com/hpungsan/unseal/internal/chain/cardano"
	"github.com/hpungsan/unseal/internal/chain/ethereum"
	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/db"
	"github.com/hpungsan/unseal/internal/feed"
	"github.com/hpungsan/unseal/internal/mcp"
	"github.com/hpungsan/unseal/internal/metrics"
	"github.com/hpungsan/unseal/internal/ops"
	"github.com/hpungsan/unseal/internal/retry"
)

// node holds the services shared by the MCP server, the CLI and the relay.
type node struct {
	db      *sql.DB
	cfg     *config.Config
	log     zerolog.Logger
	metrics metrics.Collector

	ledgers   chain.Registry
	sources   []feed.Source
	coord     *ops.Coordinator
	triggers  *ops.TriggerMachine
	consensus *ops.ConsensusEngine

	closers []func()
}

// newNode wires the chain adapters that cfg configures and the operation
// services on top of them. m may be nil.
func newNode(database *sql.DB, cfg *config.Config, log zerolog.Logger, m metrics.Collector) (*node, error) {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	n := &node{
		db:      database,
		cfg:     cfg,
		log:     log,
		metrics: m,
		ledgers: chain.Registry{},
	}

	if cfg.Ethereum.RPCURL != "" {
		if err := n.wireEthereum(context.Background()); err != nil {
			n.Close()
			return nil, err
		}
	}
	if cfg.Cardano.BlockfrostURL != "" {
		if err := n.wireCardano(); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.coord = ops.NewCoordinator(database, n.ledgers, ops.CoordinatorOptions{
		Retry:                retry.FromConfig(cfg),
		MaxFinalityChecks:    cfg.MaxFinalityChecks,
		MaxDestinationChecks: cfg.MaxDestinationChecks,
		Logger:               log,
		Metrics:              m,
	})
	n.triggers = ops.NewTriggerMachine(database, log, m)
	n.consensus = ops.NewConsensusEngine(database, n.triggers, log, m)
	return n, nil
}

func (n *node) wireEthereum(ctx context.Context) error {
	ec := n.cfg.Ethereum
	if !common.IsHexAddress(ec.BridgeAddress) {
		return fmt.Errorf("ethereum.bridge_address %q is not an address", ec.BridgeAddress)
	}
	bridgeAddr := common.HexToAddress(ec.BridgeAddress)

	client, err := ethereum.Dial(ctx, ec.RPCURL)
	if err != nil {
		return err
	}
	n.closers = append(n.closers, client.Close)

	var signer ethereum.Signer
	if key := strings.TrimSpace(os.Getenv(config.EnvEthereumPrivateKey)); key != "" {
		ks, err := ethereum.NewKeySigner(key, ec.ChainID)
		if err != nil {
			return err
		}
		signer = ks
		n.log.Info().Str("address", ks.Address().Hex()).Msg("ethereum releases enabled")
	} else {
		n.log.Warn().Str("env", config.EnvEthereumPrivateKey).Msg("no signer key; ethereum releases disabled")
	}

	ledger := ethereum.NewLedger(client, signer, db.NewSubmissionLog(n.db), ethereum.Options{
		Bridge:        bridgeAddr,
		Confirmations: uint64(ec.Confirmations),
		GasLimit:      ec.GasLimit,
		Logger:        n.log,
	})
	n.ledgers[ledger.Chain()] = chain.Instrument(ledger, n.cfg.AdapterTimeout(), n.metrics)
	n.sources = append(n.sources, ethereum.NewLogFeed(client, bridgeAddr, ec.StartBlock, n.log))
	return nil
}

func (n *node) wireCardano() error {
	cc := n.cfg.Cardano
	client := cardano.NewClient(cc.BlockfrostURL, cc.ProjectID)

	var builder cardano.MintBuilder
	if cc.SignerCommand != "" {
		cb, err := cardano.NewCommandBuilder(cc.SignerCommand)
		if err != nil {
			return err
		}
		builder = cb
	} else {
		n.log.Warn().Msg("cardano.signer_command not set; cardano mints disabled")
	}

	ledger := cardano.NewLedger(client, builder, db.NewSubmissionLog(n.db), cardano.Options{
		PolicyID:      cc.PolicyID,
		MintLabel:     cc.MintMetadataLabel,
		Confirmations: uint64(cc.Confirmations),
		Logger:        n.log,
	})
	n.ledgers[ledger.Chain()] = chain.Instrument(ledger, n.cfg.AdapterTimeout(), n.metrics)
	n.sources = append(n.sources, cardano.NewMetadataFeed(client, cc.BridgeMetadataLabel, n.log))
	return nil
}

func (n *node) services() mcp.Services {
	return mcp.Services{
		Triggers:    n.triggers,
		Consensus:   n.consensus,
		Coordinator: n.coord,
	}
}

// Close releases the chain clients.
func (n *node) Close() {
	for _, c := range n.closers {
		c()
	}
	n.closers = nil
}
