package ethereum

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/unseal/internal/bridge"
	"github.com/hpungsan/unseal/internal/feed"
)

var sender = common.HexToAddress("0x2222222222222222222222222222222222222222")

func initiatedLog(t *testing.T, block uint64, txHash common.Hash, dest string, ids, amounts []*big.Int) types.Log {
	t.Helper()
	ev := bridgeABI.Events[eventInitiated]
	data, err := ev.Inputs.NonIndexed().Pack(dest, ids, amounts)
	require.NoError(t, err)
	return types.Log{
		Address:     bridgeAddr,
		Topics:      []common.Hash{ev.ID, common.HexToHash("0x01"), common.BytesToHash(sender.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
	}
}

func TestLogFeed_DecodesInitiated(t *testing.T) {
	c := newFakeClient()
	c.head = 120
	tx := common.HexToHash("0xfeed")
	c.logs = []types.Log{initiatedLog(t, 105, tx, "addr_test1qz", []*big.Int{big.NewInt(1), big.NewInt(2)}, []*big.Int{big.NewInt(10), big.NewInt(20)})}

	f := NewLogFeed(c, bridgeAddr, 100, zerolog.Nop())
	events, next, err := f.Poll(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "121", next)
	assert.Equal(t, uint64(100), c.lastQuery.FromBlock.Uint64())
	assert.Equal(t, []common.Address{bridgeAddr}, c.lastQuery.Addresses)

	require.Len(t, events, 1)
	assert.Equal(t, feed.KindTransferInitiated, events[0].Kind)
	assert.Equal(t, bridge.Payload{
		SourceChain:  bridge.ChainEthereum,
		SourceTxHash: tx.Hex(),
		FromAddress:  sender.Hex(),
		DestAddress:  "addr_test1qz",
		TokenIDs:     []string{"1", "2"},
		Amounts:      []string{"10", "20"},
	}, events[0].Payload)
	assert.NoError(t, events[0].Payload.Validate())
}

func TestLogFeed_ResumesAndBoundsRange(t *testing.T) {
	c := newFakeClient()
	c.head = 10_000
	f := NewLogFeed(c, bridgeAddr, 0, zerolog.Nop())

	_, next, err := f.Poll(context.Background(), "500")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), c.lastQuery.FromBlock.Uint64())
	assert.Equal(t, uint64(500+maxBlockRange-1), c.lastQuery.ToBlock.Uint64())
	assert.Equal(t, "2500", next)
}

func TestLogFeed_CaughtUp(t *testing.T) {
	c := newFakeClient()
	c.head = 41
	f := NewLogFeed(c, bridgeAddr, 0, zerolog.Nop())

	events, next, err := f.Poll(context.Background(), "42")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "42", next)
}

func TestLogFeed_SkipsRemovedAndKeepsUndecodable(t *testing.T) {
	c := newFakeClient()
	c.head = 5
	removed := initiatedLog(t, 2, common.HexToHash("0x02"), "addr1", []*big.Int{big.NewInt(1)}, []*big.Int{big.NewInt(1)})
	removed.Removed = true
	garbled := initiatedLog(t, 3, common.HexToHash("0x03"), "addr1", []*big.Int{big.NewInt(1)}, []*big.Int{big.NewInt(1)})
	garbled.Data = []byte{0x01}
	c.logs = []types.Log{removed, garbled}

	f := NewLogFeed(c, bridgeAddr, 0, zerolog.Nop())
	events, _, err := f.Poll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, common.HexToHash("0x03").Hex(), events[0].Payload.SourceTxHash)
	assert.Error(t, events[0].Payload.Validate())
}

func TestLogFeed_BadCursor(t *testing.T) {
	f := NewLogFeed(newFakeClient(), bridgeAddr, 0, zerolog.Nop())
	_, _, err := f.Poll(context.Background(), "block-9")
	assert.Error(t, err)
}
