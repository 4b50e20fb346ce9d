package estimate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obtrade/internal/faults"
	"obtrade/internal/orderbook"
	"obtrade/internal/txbuilder"
)

var (
	testMarket = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testToken  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testFrom   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func testParams() orderbook.MarketParams {
	return orderbook.MarketParams{
		PricePrecision: big.NewInt(100),
		SizePrecision:  big.NewInt(1_000_000),
		Base:           orderbook.Asset{Address: testToken, Decimals: 6},
		Quote:          orderbook.Asset{Decimals: 18},
	}
}

type fakeParams struct {
	err error
}

func (f fakeParams) Fetch(context.Context, common.Address) (orderbook.MarketParams, error) {
	if f.err != nil {
		return orderbook.MarketParams{}, f.err
	}
	return testParams(), nil
}

type fakeCost struct {
	out   decimal.Decimal
	err   error
	sides []string
}

func (f *fakeCost) EstimateMarketBuy(_ context.Context, _ common.Address, _ orderbook.MarketParams, amount decimal.Decimal) (decimal.Decimal, error) {
	f.sides = append(f.sides, "buy:"+amount.String())
	return f.out, f.err
}

func (f *fakeCost) EstimateMarketSell(_ context.Context, _ common.Address, _ orderbook.MarketParams, amount decimal.Decimal) (decimal.Decimal, error) {
	f.sides = append(f.sides, "sell:"+amount.String())
	return f.out, f.err
}

func TestEstimateBuyAppliesSlippage(t *testing.T) {
	cost := &fakeCost{out: decimal.NewFromInt(100)}
	est, err := NewEstimator(fakeParams{}, cost, nil).Estimate(context.Background(), Request{
		Side: orderbook.SideBuy, Market: testMarket, Amount: "10", Slippage: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NotNil(t, est)

	assert.Equal(t, "100", est.RawOutput.String())
	assert.Equal(t, "99", est.MinAmountOut.String())
	assert.Equal(t, []string{"buy:10"}, cost.sides)
	assert.Equal(t, testToken, est.OutputAsset().Address)
}

func TestEstimateSellUsesSellQuote(t *testing.T) {
	cost := &fakeCost{out: decimal.RequireFromString("0.5")}
	est, err := NewEstimator(fakeParams{}, cost, nil).Estimate(context.Background(), Request{
		Side: "SELL", Market: testMarket, Amount: "2.25", Slippage: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.Equal(t, orderbook.SideSell, est.Side)
	assert.Equal(t, "0.45", est.MinAmountOut.String())
	assert.Equal(t, []string{"sell:2.25"}, cost.sides)
	assert.True(t, est.OutputAsset().IsNative())
}

func TestEstimateIncompleteAndInvalid(t *testing.T) {
	cost := &fakeCost{out: decimal.NewFromInt(1)}
	e := NewEstimator(fakeParams{}, cost, nil)
	ctx := context.Background()

	est, err := e.Estimate(ctx, Request{Side: orderbook.SideBuy, Market: testMarket})
	assert.NoError(t, err)
	assert.Nil(t, est)

	est, err = e.Estimate(ctx, Request{Side: orderbook.SideBuy, Amount: "1"})
	assert.NoError(t, err)
	assert.Nil(t, est)

	for _, req := range []Request{
		{Side: orderbook.SideBuy, Market: testMarket, Amount: "0"},
		{Side: orderbook.SideBuy, Market: testMarket, Amount: "-3"},
		{Side: orderbook.SideBuy, Market: testMarket, Amount: "abc"},
		{Side: "hold", Market: testMarket, Amount: "1"},
		{Side: orderbook.SideBuy, Market: testMarket, Amount: "1", Slippage: decimal.NewFromInt(51)},
		{Side: orderbook.SideBuy, Market: testMarket, Amount: "1", Slippage: decimal.NewFromInt(-1)},
	} {
		est, err := e.Estimate(ctx, req)
		assert.Nil(t, est)
		assert.ErrorIs(t, err, faults.ErrValidation, "request %+v", req)
	}
	assert.Empty(t, cost.sides)
}

func TestEstimateErrorClassification(t *testing.T) {
	ctx := context.Background()
	req := Request{Side: orderbook.SideBuy, Market: testMarket, Amount: "1"}

	rpcErr := faults.New(faults.KindRPC, "fetch market params", errors.New("dial tcp"))
	_, err := NewEstimator(fakeParams{err: rpcErr}, &fakeCost{}, nil).Estimate(ctx, req)
	assert.ErrorIs(t, err, faults.ErrRPC)

	_, err = NewEstimator(fakeParams{err: errors.New("odd")}, &fakeCost{}, nil).Estimate(ctx, req)
	assert.ErrorIs(t, err, faults.ErrEstimation)

	_, err = NewEstimator(fakeParams{}, &fakeCost{err: errors.New("503")}, nil).Estimate(ctx, req)
	assert.ErrorIs(t, err, faults.ErrEstimation)
	assert.ErrorContains(t, err, "503")
}

func TestEstimateZeroOutputIsNoEstimate(t *testing.T) {
	est, err := NewEstimator(fakeParams{}, &fakeCost{out: decimal.Zero}, nil).Estimate(context.Background(),
		Request{Side: orderbook.SideBuy, Market: testMarket, Amount: "1"})
	assert.NoError(t, err)
	assert.Nil(t, est)
}

func TestMinAmountOutProperty(t *testing.T) {
	raws := []string{"100", "0.000001", "123456789.123456789", "1"}
	slips := []string{"0", "0.1", "1", "12.5", "33.333", "50"}
	for _, r := range raws {
		raw := decimal.RequireFromString(r)
		for _, s := range slips {
			slip := decimal.RequireFromString(s)
			got := MinAmountOut(raw, slip)
			want := raw.Mul(decimal.NewFromInt(1).Sub(slip.Div(decimal.NewFromInt(100))))
			assert.True(t, got.Equal(want), "raw=%s slip=%s got=%s want=%s", r, s, got, want)
			assert.True(t, got.LessThanOrEqual(raw))
			assert.Equal(t, slip.IsZero(), got.Equal(raw))
		}
	}
}

func TestClampSlippage(t *testing.T) {
	assert.Equal(t, "0", ClampSlippage(decimal.NewFromInt(-5)).String())
	assert.Equal(t, "50", ClampSlippage(decimal.NewFromInt(80)).String())
	assert.Equal(t, "2.5", ClampSlippage(decimal.RequireFromString("2.5")).String())
}

// gatedEstimator blocks each amount until its gate is closed and ignores
// cancellation, so superseded calls still complete.
type gatedEstimator struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func (g *gatedEstimator) gate(amount string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gates == nil {
		g.gates = make(map[string]chan struct{})
	}
	ch, ok := g.gates[amount]
	if !ok {
		ch = make(chan struct{})
		g.gates[amount] = ch
	}
	return ch
}

func (g *gatedEstimator) Estimate(_ context.Context, req Request) (*Estimate, error) {
	<-g.gate(req.Amount)
	raw := decimal.RequireFromString(req.Amount).Mul(decimal.NewFromInt(10))
	return &Estimate{
		Side: req.Side, Market: req.Market, Amount: req.Amount,
		RawOutput: raw, MinAmountOut: MinAmountOut(raw, req.Slippage), Params: testParams(),
	}, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatcherDiscardsStaleResults(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	est := &gatedEstimator{}
	w := NewWatcher(est, nil, nil, logger)
	defer w.Close()

	g1 := w.Update(Request{Side: orderbook.SideBuy, Market: testMarket, Amount: "1"})
	g2 := w.Update(Request{Side: orderbook.SideBuy, Market: testMarket, Amount: "2"})
	require.Greater(t, g2, g1)

	close(est.gate("2"))
	require.Eventually(t, func() bool { return !w.Snapshot().Pending }, time.Second, 5*time.Millisecond)

	close(est.gate("1"))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "discarding stale estimate")
	}, time.Second, 5*time.Millisecond)

	snap := w.Snapshot()
	assert.Equal(t, g2, snap.Generation)
	require.NotNil(t, snap.Estimate)
	assert.Equal(t, "20", snap.Estimate.RawOutput.String())
}

func TestWatcherClearsOnInvalidInput(t *testing.T) {
	est := &gatedEstimator{}
	close(est.gate("3"))
	w := NewWatcher(est, nil, nil, nil)
	defer w.Close()

	w.Update(Request{Side: orderbook.SideBuy, Market: testMarket, Amount: "3"})
	require.Eventually(t, func() bool { return w.Snapshot().Estimate != nil }, time.Second, 5*time.Millisecond)

	w.Update(Request{Side: orderbook.SideBuy, Market: testMarket, Amount: "-1"})
	snap := w.Snapshot()
	assert.False(t, snap.Pending)
	assert.Nil(t, snap.Estimate)
	assert.ErrorIs(t, snap.Err, faults.ErrValidation)

	w.Update(Request{Side: orderbook.SideBuy, Market: testMarket})
	snap = w.Snapshot()
	assert.Nil(t, snap.Estimate)
	assert.NoError(t, snap.Err)
}

type fakePlanner struct {
	mu   sync.Mutex
	last txbuilder.PlanRequest
}

func (f *fakePlanner) Plan(_ context.Context, req txbuilder.PlanRequest) (txbuilder.GasPlan, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return txbuilder.GasPlan{GasLimit: 2_800_000}, nil
}

func TestWatcherPlansGasAndPublishes(t *testing.T) {
	est := &gatedEstimator{}
	close(est.gate("4"))
	planner := &fakePlanner{}
	w := NewWatcher(est, planner, func() common.Address { return testFrom }, nil)
	sub := w.Subscribe()

	w.Update(Request{Side: orderbook.SideBuy, Market: testMarket, Amount: "4", Slippage: decimal.NewFromInt(50)})

	var snap Snapshot
	require.Eventually(t, func() bool {
		select {
		case snap = <-sub:
		default:
		}
		return snap.Gas != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(2_800_000), snap.Gas.GasLimit)
	planner.mu.Lock()
	assert.Equal(t, testFrom, planner.last.From)
	assert.Equal(t, "20", planner.last.MinAmountOut)
	planner.mu.Unlock()

	w.Close()
	_, open := <-sub
	assert.False(t, open)
}
