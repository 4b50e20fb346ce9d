package estimate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"obtrade/internal/faults"
	"obtrade/internal/orderbook"
	"obtrade/internal/units"
)

var (
	MaxSlippage = decimal.NewFromInt(50)
	hundred     = decimal.NewFromInt(100)
)

// CostEstimator quotes the raw output of a market order for a human amount of
// the input asset. The output is in output-asset units.
type CostEstimator interface {
	EstimateMarketBuy(ctx context.Context, market common.Address, params orderbook.MarketParams, amount decimal.Decimal) (decimal.Decimal, error)
	EstimateMarketSell(ctx context.Context, market common.Address, params orderbook.MarketParams, amount decimal.Decimal) (decimal.Decimal, error)
}

type Request struct {
	Side     orderbook.Side  `json:"side"`
	Market   common.Address  `json:"market"`
	Amount   string          `json:"amount"`
	Slippage decimal.Decimal `json:"slippage"`
}

// Check reports whether the request is complete enough to estimate. An
// incomplete request returns false and a nil error; a complete but invalid one
// returns a validation error.
func (r Request) Check() (bool, error) {
	if strings.TrimSpace(r.Amount) == "" || r.Market == (common.Address{}) {
		return false, nil
	}
	if _, err := orderbook.ParseSide(string(r.Side)); err != nil {
		return false, err
	}
	if _, err := units.ParseAmount(r.Amount); err != nil {
		return false, err
	}
	if r.Slippage.IsNegative() || r.Slippage.GreaterThan(MaxSlippage) {
		return false, faults.Validation("check request", "slippage must be within [0,50], got %s", r.Slippage)
	}
	return true, nil
}

type Estimate struct {
	Side         orderbook.Side         `json:"side"`
	Market       common.Address         `json:"market"`
	Amount       string                 `json:"amount"`
	RawOutput    decimal.Decimal        `json:"raw_output"`
	MinAmountOut decimal.Decimal        `json:"min_amount_out"`
	Slippage     decimal.Decimal        `json:"slippage"`
	Params       orderbook.MarketParams `json:"-"`
}

// OutputAsset is the asset RawOutput and MinAmountOut are denominated in.
func (e *Estimate) OutputAsset() orderbook.Asset {
	return e.Params.OutputAsset(e.Side)
}

// MinAmountOut returns raw * (1 - slippage/100), computed exactly.
func MinAmountOut(raw, slippage decimal.Decimal) decimal.Decimal {
	out := raw.Mul(hundred.Sub(slippage)).Shift(-2)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// ClampSlippage bounds user input to [0,50].
func ClampSlippage(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(MaxSlippage) {
		return MaxSlippage
	}
	return v
}

type Estimator struct {
	params orderbook.ParamsSource
	cost   CostEstimator
	logger *slog.Logger
}

func NewEstimator(params orderbook.ParamsSource, cost CostEstimator, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{params: params, cost: cost, logger: logger}
}

// Estimate returns nil without error when the request is incomplete or the
// cost estimator reports no output. Callers must treat an error as "no
// estimate", never as zero output.
func (e *Estimator) Estimate(ctx context.Context, req Request) (*Estimate, error) {
	ok, err := req.Check()
	if err != nil || !ok {
		return nil, err
	}
	side, _ := orderbook.ParseSide(string(req.Side))
	amount, _ := units.ParseAmount(req.Amount)

	params, err := e.params.Fetch(ctx, req.Market)
	if err != nil {
		return nil, faults.Wrap(faults.KindEstimation, "estimate", err)
	}

	var raw decimal.Decimal
	switch side {
	case orderbook.SideBuy:
		raw, err = e.cost.EstimateMarketBuy(ctx, req.Market, params, amount)
	default:
		raw, err = e.cost.EstimateMarketSell(ctx, req.Market, params, amount)
	}
	if err != nil {
		return nil, faults.New(faults.KindEstimation, "estimate", err)
	}
	if !raw.IsPositive() {
		e.logger.Debug("cost estimator returned no output", "market", req.Market.Hex(), "side", side, "amount", amount.String())
		return nil, nil
	}
	return &Estimate{
		Side:         side,
		Market:       req.Market,
		Amount:       amount.String(),
		RawOutput:    raw,
		MinAmountOut: MinAmountOut(raw, req.Slippage),
		Slippage:     req.Slippage,
		Params:       params,
	}, nil
}
