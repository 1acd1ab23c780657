package cardano

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/feed"
)

// burnMetadata is the metadata a bridge burn carries under the bridge label.
// Numbers may be JSON numbers or numeric strings.
type burnMetadata struct {
	EthAddress string        `json:"eth_address"`
	From       string        `json:"from"`
	TokenIDs   []json.Number `json:"token_ids"`
	Amounts    []json.Number `json:"amounts"`
}

// MetadataFeed reports burns tagged with the bridge metadata label. The cursor
// is the number of labelled transactions already handled.
type MetadataFeed struct {
	client *Client
	label  string
	log    zerolog.Logger
}

// NewMetadataFeed returns a feed over transactions carrying label.
func NewMetadataFeed(client *Client, label string, log zerolog.Logger) *MetadataFeed {
	return &MetadataFeed{
		client: client,
		label:  label,
		log:    log.With().Str("component", "cardano-feed").Logger(),
	}
}

func (f *MetadataFeed) Name() string {
	return "cardano-metadata-" + f.label
}

// Poll reads at most one Blockfrost page past cursor.
func (f *MetadataFeed) Poll(ctx context.Context, cursor string) ([]feed.Event, string, error) {
	var seen int
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, cursor, fmt.Errorf("bad cursor %q", cursor)
		}
		seen = n
	}

	page, err := f.client.MetadataByLabel(ctx, f.label, seen/PageSize+1)
	if err != nil {
		return nil, cursor, fmt.Errorf("metadata label %s: %w", f.label, err)
	}
	skip := seen % PageSize
	if skip >= len(page) {
		return nil, cursor, nil
	}
	page = page[skip:]

	events := make([]feed.Event, 0, len(page))
	for _, m := range page {
		p, err := f.decode(ctx, m)
		if err != nil {
			return nil, cursor, err
		}
		events = append(events, feed.Initiated(p))
	}
	return events, strconv.Itoa(seen + len(page)), nil
}

// decode maps one labelled transaction to a payload. Malformed metadata still
// yields an event so the dispatcher drops it; only lookup failures are errors.
func (f *MetadataFeed) decode(ctx context.Context, m TxMetadata) (bridge.Payload, error) {
	p := bridge.Payload{SourceChain: bridge.ChainCardano, SourceTxHash: m.TxHash}

	var meta burnMetadata
	if err := json.Unmarshal(m.JSONMetadata, &meta); err != nil {
		f.log.Warn().Err(err).Str("tx_hash", m.TxHash).Msg("malformed bridge metadata")
		return p, nil
	}
	p.DestAddress = meta.EthAddress
	p.FromAddress = meta.From
	p.TokenIDs = numbers(meta.TokenIDs)
	p.Amounts = numbers(meta.Amounts)

	if p.FromAddress == "" {
		utxos, err := f.client.TxUTxOs(ctx, m.TxHash)
		if err != nil {
			return p, fmt.Errorf("inputs of %s: %w", m.TxHash, err)
		}
		if len(utxos.Inputs) > 0 {
			p.FromAddress = utxos.Inputs[0].Address
		}
	}
	return p, nil
}

func numbers(in []json.Number) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, n := range in {
		out[i] = n.String()
	}
	return out
}
