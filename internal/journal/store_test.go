package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obtrade/internal/estimate"
	"obtrade/internal/orderbook"
	"obtrade/internal/trade"
)

var market = common.HexToAddress("0x1111111111111111111111111111111111111111")

func request(amount string) estimate.Request {
	return estimate.Request{Side: orderbook.SideSell, Market: market, Amount: amount, Slippage: decimal.NewFromInt(1)}
}

func TestRecordPersistsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trades.json")
	s := New(path, 10)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	est := &estimate.Estimate{MinAmountOut: decimal.RequireFromString("0.99")}
	res := &trade.Result{State: trade.StateFailed, Status: trade.StatusTimedOut, TxHash: "0xabc"}
	require.NoError(t, s.Record(request("2"), est, res))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	reopened := New(path, 10)
	got, err := reopened.Recent(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xabc", got[0].Result.TxHash)
	assert.Equal(t, trade.StatusTimedOut, got[0].Result.Status)
	assert.Equal(t, "0.99", got[0].MinAmountOut)
	assert.Equal(t, market.Hex(), got[0].Market)
	assert.Equal(t, int64(1700000000), got[0].Time.Unix())
}

func TestRecordKeepsNewest(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "trades.json"), 2)
	for _, amount := range []string{"1", "2", "3"} {
		require.NoError(t, s.Record(request(amount), nil, &trade.Result{State: trade.StateSucceeded}))
	}
	require.NoError(t, s.Record(request("4"), nil, nil))

	got, err := s.Recent(5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Amount)
	assert.Equal(t, "2", got[1].Amount)

	got, err = s.Recent(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].Amount)
}

func TestRecentRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := New(path, 10).Recent(1)
	assert.ErrorContains(t, err, "journal")
}
