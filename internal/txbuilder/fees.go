package txbuilder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// FeeParams carries either EIP-1559 fee caps or a flat legacy gas price.
type FeeParams struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int
}

func (f FeeParams) IsDynamic() bool {
	return f.MaxFeePerGas != nil && f.MaxPriorityFeePerGas != nil
}

// EffectivePrice is the per-gas price used for fee display: max fee for
// dynamic transactions, gas price otherwise. Never nil.
func (f FeeParams) EffectivePrice() *big.Int {
	if f.IsDynamic() {
		return new(big.Int).Set(f.MaxFeePerGas)
	}
	if f.GasPrice != nil {
		return new(big.Int).Set(f.GasPrice)
	}
	return big.NewInt(0)
}

type FeeSource interface {
	Fees(ctx context.Context) (FeeParams, error)
}

type FeeOracleConfig struct {
	MaxFeeMultiplier  float64
	MinPriorityFeeWei *big.Int
}

// FeeOracle reads current fee data from the chain on every call. When the
// latest header has a base fee the result is EIP-1559 shaped, otherwise only
// the legacy gas price is set.
type FeeOracle struct {
	client ChainClient
	cfg    FeeOracleConfig
}

func NewFeeOracle(client ChainClient, cfg FeeOracleConfig) *FeeOracle {
	if cfg.MaxFeeMultiplier <= 0 {
		cfg.MaxFeeMultiplier = 2.0
	}
	return &FeeOracle{client: client, cfg: cfg}
}

func (o *FeeOracle) Fees(ctx context.Context) (FeeParams, error) {
	if o.client == nil {
		return FeeParams{}, errors.New("fee oracle client is nil")
	}
	var out FeeParams
	price, priceErr := o.client.SuggestGasPrice(ctx)
	if priceErr == nil && price != nil {
		out.GasPrice = price
	}

	baseFee, err := o.fetchBaseFee(ctx)
	if err == nil && baseFee != nil {
		tip, tipErr := o.client.SuggestGasTipCap(ctx)
		if tipErr == nil && tip != nil {
			if o.cfg.MinPriorityFeeWei != nil && tip.Cmp(o.cfg.MinPriorityFeeWei) < 0 {
				tip = new(big.Int).Set(o.cfg.MinPriorityFeeWei)
			}
			out.MaxPriorityFeePerGas = tip
			out.MaxFeePerGas = new(big.Int).Add(mulFloat(baseFee, o.cfg.MaxFeeMultiplier), tip)
		}
	}

	if out.GasPrice == nil && !out.IsDynamic() {
		cause := priceErr
		if cause == nil {
			cause = err
		}
		if cause == nil {
			cause = errors.New("no gas price or base fee reported")
		}
		return FeeParams{}, fmt.Errorf("fee data unavailable: %w", cause)
	}
	return out, nil
}

func (o *FeeOracle) fetchBaseFee(ctx context.Context) (*big.Int, error) {
	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if header == nil || header.BaseFee == nil {
		return nil, nil
	}
	return new(big.Int).Set(header.BaseFee), nil
}

func mulFloat(v *big.Int, f float64) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	if f == 1.0 {
		return new(big.Int).Set(v)
	}
	r := new(big.Rat).SetInt(v)
	r.Mul(r, new(big.Rat).SetFloat64(f))
	out := new(big.Int)
	out.Div(r.Num(), r.Denom())
	return out
}

func GweiToWei(gwei float64) (*big.Int, error) {
	if gwei < 0 {
		return nil, errors.New("gwei must be non-negative")
	}
	v := new(big.Rat).SetFloat64(gwei)
	v.Mul(v, new(big.Rat).SetInt(big.NewInt(1_000_000_000)))
	out := new(big.Int)
	out.Div(v.Num(), v.Denom())
	return out, nil
}
