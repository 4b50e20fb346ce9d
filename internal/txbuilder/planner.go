package txbuilder

import (
	"context"
	"log/slog"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"obtrade/internal/faults"
	"obtrade/internal/orderbook"
)

const (
	DefaultGasLimitMultiplier = 1.2
	DefaultGasLimitCap        = 2_800_000
)

type PlannerConfig struct {
	GasLimitMultiplier float64
	GasLimitCap        uint64
}

type PlanRequest struct {
	From         common.Address
	Market       common.Address
	Params       orderbook.MarketParams
	Side         orderbook.Side
	Amount       string
	MinAmountOut string
}

// GasPlan is a best-effort gas figure for one trade call.
type GasPlan struct {
	GasLimit  uint64
	Simulated bool
	Fee       FeeParams
}

// NetworkFee is GasLimit times the effective per-gas price, in wei.
func (g GasPlan) NetworkFee() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(g.GasLimit), g.Fee.EffectivePrice())
}

type Planner struct {
	client ChainClient
	fees   FeeSource
	cfg    PlannerConfig
	logger *slog.Logger
}

func NewPlanner(client ChainClient, fees FeeSource, cfg PlannerConfig, logger *slog.Logger) *Planner {
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = DefaultGasLimitMultiplier
	}
	if cfg.GasLimitCap == 0 {
		cfg.GasLimitCap = DefaultGasLimitCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, fees: fees, cfg: cfg, logger: logger}
}

func (p *Planner) Cap() uint64 {
	return p.cfg.GasLimitCap
}

func (p *Planner) Plan(ctx context.Context, req PlanRequest) (GasPlan, error) {
	_, plan, err := p.PlanTrade(ctx, req)
	return plan, err
}

// PlanTrade converts the request, builds the trade call and plans gas for it.
// Only conversion and encoding errors are returned; simulation and fee-data
// failures degrade to the gas cap and a zero gas price.
func (p *Planner) PlanTrade(ctx context.Context, req PlanRequest) (TradeCall, GasPlan, error) {
	size, minOut, value, err := TradeAmounts(req.Params, req.Side, req.Amount, req.MinAmountOut)
	if err != nil {
		return TradeCall{}, GasPlan{}, err
	}
	call, err := BuildTradeCall(req.Market, req.Side, size, minOut, value)
	if err != nil {
		return TradeCall{}, GasPlan{}, err
	}
	plan := p.PlanCall(ctx, req.From, call.To, call.Value, call.Data)
	return call, plan, nil
}

// PlanCall simulates gas and reads fee data concurrently.
func (p *Planner) PlanCall(ctx context.Context, from, to common.Address, value *big.Int, data []byte) GasPlan {
	var (
		plan GasPlan
		fees FeeParams
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		plan.GasLimit, plan.Simulated = p.estimateGas(gctx, from, to, value, data)
		return nil
	})
	g.Go(func() error {
		fees = p.feeData(gctx)
		return nil
	})
	_ = g.Wait()
	plan.Fee = fees
	return plan
}

func (p *Planner) estimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (uint64, bool) {
	if p.client == nil {
		return p.cfg.GasLimitCap, false
	}
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	}
	gas, err := p.client.EstimateGas(ctx, msg)
	if err != nil {
		p.logger.Debug("gas simulation failed, using cap", "to", to.Hex(), "cap", p.cfg.GasLimitCap, "error", faults.New(faults.KindGasSimulation, "estimate gas", err))
		return p.cfg.GasLimitCap, false
	}
	gas = applyGasMultiplier(gas, p.cfg.GasLimitMultiplier)
	if gas > p.cfg.GasLimitCap {
		gas = p.cfg.GasLimitCap
	}
	return gas, true
}

// FeeData returns current fee fields, or a zero gas price when none are available.
func (p *Planner) FeeData(ctx context.Context) FeeParams {
	return p.feeData(ctx)
}

func (p *Planner) feeData(ctx context.Context) FeeParams {
	if p.fees == nil {
		return FeeParams{GasPrice: big.NewInt(0)}
	}
	fees, err := p.fees.Fees(ctx)
	if err != nil {
		p.logger.Debug("fee data unavailable", "error", err)
		return FeeParams{GasPrice: big.NewInt(0)}
	}
	return fees
}

// applyGasMultiplier scales in whole percent so 1.2 means exactly gas*120/100.
func applyGasMultiplier(gas uint64, mult float64) uint64 {
	if mult <= 0 {
		return gas
	}
	pct := new(big.Int).SetUint64(uint64(math.Round(mult * 100)))
	v := new(big.Int).Mul(new(big.Int).SetUint64(gas), pct)
	v.Div(v, big.NewInt(100))
	if !v.IsUint64() {
		return math.MaxUint64
	}
	adjusted := v.Uint64()
	if adjusted < gas {
		return gas
	}
	return adjusted
}
