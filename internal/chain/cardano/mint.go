package cardano

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// assetPrefix is prepended to the token id to form bridged asset names.
const assetPrefix = "KOOSI_"

// AssetName returns the hex asset name of a bridged token id.
func AssetName(tokenID string) string {
	return hex.EncodeToString([]byte(assetPrefix + tokenID))
}

// MintAsset is one bridged token in a mint.
type MintAsset struct {
	Unit    string `json:"unit"` // policy id + asset name
	TokenID string `json:"token_id"`
	Amount  string `json:"amount"`
}

// MintRequest is what a MintBuilder turns into a signed transaction.
type MintRequest struct {
	TransferID    string            `json:"transfer_id"`
	PolicyID      string            `json:"policy_id"`
	Address       string            `json:"address"`
	Assets        []MintAsset       `json:"assets"`
	MetadataLabel string            `json:"metadata_label"`
	Metadata      map[string]string `json:"metadata"`
}

// SignedTx is a signed Cardano transaction ready for submission.
type SignedTx struct {
	CBOR   []byte
	TxHash string
}

// MintBuilder builds and signs mint transactions. Keys never enter the relay.
type MintBuilder interface {
	BuildMint(ctx context.Context, req MintRequest) (*SignedTx, error)
}

// CommandBuilder runs an external signer: the request is written to its stdin
// as JSON and it prints {"cbor_hex": "...", "tx_hash": "..."}.
type CommandBuilder struct {
	argv []string
}

// NewCommandBuilder splits command on whitespace.
func NewCommandBuilder(command string) (*CommandBuilder, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty signer command")
	}
	return &CommandBuilder{argv: argv}, nil
}

type signerOutput struct {
	CBORHex string `json:"cbor_hex"`
	TxHash  string `json:"tx_hash"`
}

func (b *CommandBuilder) BuildMint(ctx context.Context, req MintRequest) (*SignedTx, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, b.argv[0], b.argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("signer %s: %w: %s", b.argv[0], err, strings.TrimSpace(stderr.String()))
	}

	var out signerOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("signer output: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(out.CBORHex))
	if err != nil {
		return nil, fmt.Errorf("signer cbor_hex: %w", err)
	}
	hash, err := TxHash(raw)
	if err != nil {
		return nil, err
	}
	if out.TxHash != "" && !strings.EqualFold(out.TxHash, hash) {
		return nil, fmt.Errorf("signer reported tx hash %s, body hashes to %s", out.TxHash, hash)
	}
	return &SignedTx{CBOR: raw, TxHash: hash}, nil
}

// TxHash returns the id of a signed transaction: the blake2b-256 digest of its
// CBOR-encoded body, the first element of the transaction array.
func TxHash(signed []byte) (string, error) {
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(signed, &parts); err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	if len(parts) < 3 {
		return "", fmt.Errorf("decode transaction: %d elements, want at least 3", len(parts))
	}
	sum := blake2b.Sum256(parts[0])
	return hex.EncodeToString(sum[:]), nil
}
