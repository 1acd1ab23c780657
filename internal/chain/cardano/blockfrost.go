// Package cardano is the Cardano side of the bridge: a chain.Ledger and a burn
// feed over the Blockfrost API.
package cardano

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/blockfrost/blockfrost-go"
)

// ErrNotFound is returned when Blockfrost does not know the resource.
var ErrNotFound = stderrors.New("blockfrost: not found")

// APIError is a request Blockfrost refused as invalid (HTTP 400).
type APIError struct {
	StatusCode int    `json:"status_code"`
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("blockfrost %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

// Tx is the part of /txs/{hash} the bridge reads.
type Tx struct {
	Hash        string `json:"hash"`
	BlockHeight uint64 `json:"block_height"`
	Block       string `json:"block"`
}

// Block is the part of /blocks/latest the bridge reads.
type Block struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
}

// TxMetadata is one entry of /metadata/txs/labels/{label}.
type TxMetadata struct {
	TxHash       string          `json:"tx_hash"`
	JSONMetadata json.RawMessage `json:"json_metadata"`
}

// UTxOs is the part of /txs/{hash}/utxos the bridge reads.
type UTxOs struct {
	Inputs []struct {
		Address string `json:"address"`
	} `json:"inputs"`
}

// PageSize is the Blockfrost maximum page size.
const PageSize = 100

// Client narrows the Blockfrost SDK to the calls the bridge makes and maps its
// errors onto ErrNotFound and APIError.
type Client struct {
	api blockfrost.APIClient
}

// NewClient returns a client for baseURL (e.g. https://cardano-preprod.blockfrost.io/api/v0).
func NewClient(baseURL, projectID string) *Client {
	return &Client{
		api: blockfrost.NewAPIClient(blockfrost.APIClientOptions{
			ProjectID: projectID,
			Server:    strings.TrimRight(baseURL, "/"),
		}),
	}
}

// GetTx returns ErrNotFound until the transaction is on chain.
func (c *Client) GetTx(ctx context.Context, hash string) (*Tx, error) {
	tx, err := c.api.Transaction(ctx, hash)
	if err != nil {
		return nil, apiError("txs", err)
	}
	return &Tx{Hash: tx.Hash, BlockHeight: uint64(tx.BlockHeight), Block: tx.Block}, nil
}

func (c *Client) TxUTxOs(ctx context.Context, hash string) (*UTxOs, error) {
	u, err := c.api.TransactionUTXOs(ctx, hash)
	if err != nil {
		return nil, apiError("txs utxos", err)
	}
	out := &UTxOs{}
	for _, in := range u.Inputs {
		out.Inputs = append(out.Inputs, struct {
			Address string `json:"address"`
		}{Address: in.Address})
	}
	return out, nil
}

func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	b, err := c.api.BlockLatest(ctx)
	if err != nil {
		return nil, apiError("blocks latest", err)
	}
	out := &Block{Hash: b.Hash}
	if b.Height != nil {
		out.Height = uint64(*b.Height)
	}
	return out, nil
}

// MetadataByLabel returns one page (1-based) of transactions carrying label,
// oldest first.
func (c *Client) MetadataByLabel(ctx context.Context, label string, page int) ([]TxMetadata, error) {
	entries, err := c.api.MetadataTxContentInJSON(ctx, label, blockfrost.APIQueryParams{
		Count: PageSize,
		Page:  page,
		Order: "asc",
	})
	err = apiError("metadata", err)
	if stderrors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]TxMetadata, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e.JsonMetadata)
		if err != nil {
			return nil, fmt.Errorf("metadata of %s: %w", e.TxHash, err)
		}
		out = append(out, TxMetadata{TxHash: e.TxHash, JSONMetadata: raw})
	}
	return out, nil
}

// SubmitTx posts a signed transaction and returns its hash.
func (c *Client) SubmitTx(ctx context.Context, signed []byte) (string, error) {
	hash, err := c.api.TransactionSubmit(ctx, signed)
	if err != nil {
		return "", apiError("tx submit", err)
	}
	return hash, nil
}

// apiError keeps 404 and 400 answers distinguishable. Everything else
// (quota, auth, node trouble, transport) stays a plain error.
func apiError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sdkErr *blockfrost.APIError
	if !stderrors.As(err, &sdkErr) {
		return fmt.Errorf("blockfrost %s: %w", op, err)
	}
	switch sdkErr.Response.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return &APIError{
			StatusCode: sdkErr.Response.StatusCode,
			Kind:       sdkErr.Response.Error,
			Message:    sdkErr.Response.Message,
		}
	}
	return fmt.Errorf("blockfrost %s: %w", op, err)
}
