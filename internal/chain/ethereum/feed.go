package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/feed"
)

// maxBlockRange bounds a single eth_getLogs query.
const maxBlockRange = 2000

// LogFeed reports CrossChainTransferInitiated logs of the bridge contract. The
// cursor is the next block to scan, in decimal.
type LogFeed struct {
	client     Client
	bridge     common.Address
	startBlock uint64
	log        zerolog.Logger
}

// NewLogFeed returns a feed scanning from startBlock when no cursor is stored.
func NewLogFeed(client Client, bridge common.Address, startBlock uint64, log zerolog.Logger) *LogFeed {
	return &LogFeed{
		client:     client,
		bridge:     bridge,
		startBlock: startBlock,
		log:        log.With().Str("component", "ethereum-feed").Logger(),
	}
}

func (f *LogFeed) Name() string {
	return "ethereum-logs"
}

// Poll scans up to maxBlockRange blocks after cursor. Logs that cannot be
// decoded are still emitted so the dispatcher records and drops them.
func (f *LogFeed) Poll(ctx context.Context, cursor string) ([]feed.Event, string, error) {
	from := f.startBlock
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, cursor, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		from = n
	}

	head, err := f.client.BlockNumber(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("block number: %w", err)
	}
	if head < from {
		return nil, cursor, nil
	}
	to := head
	if to-from+1 > maxBlockRange {
		to = from + maxBlockRange - 1
	}

	logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{f.bridge},
		Topics:    [][]common.Hash{{initiatedTopic()}},
	})
	if err != nil {
		return nil, cursor, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	events := make([]feed.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		p, err := decodeInitiated(lg)
		if err != nil {
			f.log.Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Uint64("block", lg.BlockNumber).Msg("undecodable bridge log")
		}
		events = append(events, feed.Initiated(p))
	}

	f.log.Debug().Uint64("from", from).Uint64("to", to).Int("events", len(events)).Msg("scanned blocks")
	return events, strconv.FormatUint(to+1, 10), nil
}
