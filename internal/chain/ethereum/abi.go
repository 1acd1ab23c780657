package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hpungsan/unseal/internal/bridge"
)

// bridgeABIJSON is the subset of the bridge contract the relay uses.
const bridgeABIJSON = `[
	{
		"type": "event",
		"name": "CrossChainTransferInitiated",
		"anonymous": false,
		"inputs": [
			{"name": "txHash", "type": "bytes32", "indexed": true},
			{"name": "from", "type": "address", "indexed": true},
			{"name": "cardanoAddress", "type": "string", "indexed": false},
			{"name": "tokenIds", "type": "uint256[]", "indexed": false},
			{"name": "amounts", "type": "uint256[]", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "CrossChainTransferCompleted",
		"anonymous": false,
		"inputs": [
			{"name": "txHash", "type": "bytes32", "indexed": true},
			{"name": "cardanoTxHash", "type": "bytes32", "indexed": false}
		]
	},
	{
		"type": "function",
		"name": "releaseFromCardano",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "cardanoTxHash", "type": "string"},
			{"name": "to", "type": "address"},
			{"name": "tokenIds", "type": "uint256[]"},
			{"name": "amounts", "type": "uint256[]"}
		],
		"outputs": []
	}
]`

const (
	eventInitiated = "CrossChainTransferInitiated"
	methodRelease  = "releaseFromCardano"
)

var bridgeABI = mustParseABI(bridgeABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("bridge abi: %v", err))
	}
	return parsed
}

// initiatedTopic is topic 0 of CrossChainTransferInitiated logs.
func initiatedTopic() common.Hash {
	return bridgeABI.Events[eventInitiated].ID
}

// packRelease encodes the releaseFromCardano call for a transfer.
func packRelease(cardanoTxHash string, to common.Address, tokenIDs, amounts []string) ([]byte, error) {
	ids, err := toBigInts(tokenIDs)
	if err != nil {
		return nil, fmt.Errorf("token ids: %w", err)
	}
	amts, err := toBigInts(amounts)
	if err != nil {
		return nil, fmt.Errorf("amounts: %w", err)
	}
	return bridgeABI.Pack(methodRelease, cardanoTxHash, to, ids, amts)
}

// decodeInitiated turns a CrossChainTransferInitiated log into a transfer
// payload. The source tx hash is the hash of the transaction that emitted the
// log, which is what finality is checked against.
func decodeInitiated(lg types.Log) (bridge.Payload, error) {
	p := bridge.Payload{
		SourceChain:  bridge.ChainEthereum,
		SourceTxHash: lg.TxHash.Hex(),
	}
	if len(lg.Topics) < 3 || lg.Topics[0] != initiatedTopic() {
		return p, fmt.Errorf("log %s:%d is not %s", lg.TxHash.Hex(), lg.Index, eventInitiated)
	}
	p.FromAddress = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()

	values, err := bridgeABI.Unpack(eventInitiated, lg.Data)
	if err != nil {
		return p, fmt.Errorf("unpack %s: %w", eventInitiated, err)
	}
	if len(values) != 3 {
		return p, fmt.Errorf("unpack %s: got %d values", eventInitiated, len(values))
	}
	dest, ok1 := values[0].(string)
	ids, ok2 := values[1].([]*big.Int)
	amounts, ok3 := values[2].([]*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return p, fmt.Errorf("unpack %s: unexpected value types", eventInitiated)
	}

	p.DestAddress = dest
	p.TokenIDs = fromBigInts(ids)
	p.Amounts = fromBigInts(amounts)
	return p, nil
}

func toBigInts(in []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(in))
	for i, s := range in {
		n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%q is not a uint256", s)
		}
		out[i] = n
	}
	return out, nil
}

func fromBigInts(in []*big.Int) []string {
	out := make([]string, len(in))
	for i, n := range in {
		out[i] = n.String()
	}
	return out
}
