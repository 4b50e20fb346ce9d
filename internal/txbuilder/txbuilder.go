package txbuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"obtrade/internal/orderbook"
	"obtrade/internal/units"
)

// Market orders are always spot and fill-or-kill.
const (
	isMargin     = false
	isFillOrKill = true
)

type BuildParams struct {
	Nonce    uint64
	GasLimit uint64
	Fee      FeeParams
}

// TradeCall is the contract call for one market order, before nonce and fees.
type TradeCall struct {
	To           common.Address
	Data         []byte
	Value        *big.Int
	Size         *big.Int
	MinAmountOut *big.Int
}

type Builder struct {
	ChainID *big.Int
}

func NewBuilder(chainID *big.Int) *Builder {
	if chainID == nil {
		chainID = big.NewInt(0)
	}
	return &Builder{ChainID: new(big.Int).Set(chainID)}
}

// TradeAmounts converts human amounts into the integers the orderbook expects.
// Buy: size in price-precision exponent, min out in base decimals.
// Sell: size in size-precision exponent, min out in quote decimals.
// Value is set only when the input asset is the native coin.
func TradeAmounts(params orderbook.MarketParams, side orderbook.Side, amount, minAmountOut string) (size, minOut, value *big.Int, err error) {
	exp, err := params.SizeExponent(side)
	if err != nil {
		return nil, nil, nil, err
	}
	size, err = units.ToBaseUnits(amount, exp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("size: %w", err)
	}
	minOut, err = units.ToBaseUnits(minAmountOut, params.OutputAsset(side).Decimals)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("minAmountOut: %w", err)
	}
	value = big.NewInt(0)
	if in := params.InputAsset(side); in.IsNative() && !isMargin {
		value, err = units.ToBaseUnits(amount, in.Decimals)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("value: %w", err)
		}
	}
	return size, minOut, value, nil
}

func BuildTradeCall(market common.Address, side orderbook.Side, size, minAmountOut, value *big.Int) (TradeCall, error) {
	data, err := orderbook.PackMarketOrder(side, size, minAmountOut, isMargin, isFillOrKill)
	if err != nil {
		return TradeCall{}, err
	}
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() < 0 {
		return TradeCall{}, errors.New("value must be non-negative")
	}
	return TradeCall{
		To:           market,
		Data:         data,
		Value:        new(big.Int).Set(value),
		Size:         new(big.Int).Set(size),
		MinAmountOut: new(big.Int).Set(minAmountOut),
	}, nil
}

func (b *Builder) BuildTx(to common.Address, value *big.Int, data []byte, p BuildParams) (*types.Transaction, error) {
	return buildTx(b.ChainID, to, value, data, p)
}

func (b *Builder) BuildApproveTx(token common.Address, spender common.Address, amount *big.Int, p BuildParams) (*types.Transaction, error) {
	if amount == nil {
		return nil, errors.New("amount is required")
	}
	data, err := BuildApproveData(spender, amount)
	if err != nil {
		return nil, err
	}
	return buildTx(b.ChainID, token, big.NewInt(0), data, p)
}

func buildTx(chainID *big.Int, to common.Address, value *big.Int, data []byte, p BuildParams) (*types.Transaction, error) {
	if chainID == nil {
		return nil, errors.New("chainID is required")
	}
	if value == nil {
		return nil, errors.New("value is required")
	}
	if value.Sign() < 0 {
		return nil, errors.New("value must be non-negative")
	}
	if p.GasLimit == 0 {
		return nil, errors.New("gasLimit is required")
	}
	if p.Fee.IsDynamic() {
		if p.Fee.MaxFeePerGas.Sign() < 0 || p.Fee.MaxPriorityFeePerGas.Sign() < 0 {
			return nil, errors.New("fee values must be non-negative")
		}
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     p.Nonce,
			Gas:       p.GasLimit,
			GasFeeCap: p.Fee.MaxFeePerGas,
			GasTipCap: p.Fee.MaxPriorityFeePerGas,
			To:        &to,
			Value:     value,
			Data:      data,
		}), nil
	}
	if p.Fee.GasPrice == nil || p.Fee.GasPrice.Sign() <= 0 {
		return nil, errors.New("gas price is unknown")
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    p.Nonce,
		GasPrice: p.Fee.GasPrice,
		Gas:      p.GasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	}), nil
}
