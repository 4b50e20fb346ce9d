package trade

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"obtrade/internal/faults"
	"obtrade/internal/orderbook"
	"obtrade/internal/txbuilder"
	"obtrade/internal/units"
)

type NativeBalanceClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ChainBalances reads native balances with eth_getBalance and token
// balances with a raw balanceOf call.
type ChainBalances struct {
	client NativeBalanceClient
	raw    txbuilder.RawCaller
}

func NewChainBalances(client NativeBalanceClient, raw txbuilder.RawCaller) *ChainBalances {
	return &ChainBalances{client: client, raw: raw}
}

func (b *ChainBalances) InputBalance(ctx context.Context, owner common.Address, asset orderbook.Asset) (decimal.Decimal, error) {
	n, err := b.rawBalance(ctx, owner, asset.Address)
	if err != nil {
		return decimal.Zero, err
	}
	return units.ToDecimal(n, asset.Decimals), nil
}

// TokenBalance looks up decimals on chain for an arbitrary token. The zero
// address is the native coin with 18 decimals.
func (b *ChainBalances) TokenBalance(ctx context.Context, owner, token common.Address) (decimal.Decimal, uint8, error) {
	decimals := uint8(18)
	if token != orderbook.NativeAsset {
		if b.raw == nil {
			return decimal.Zero, 0, errors.New("rpc client is nil")
		}
		d, err := txbuilder.ReadERC20Decimals(ctx, b.raw, token)
		if err != nil {
			return decimal.Zero, 0, faults.New(faults.KindRPC, "read decimals", err)
		}
		decimals = d
	}
	n, err := b.rawBalance(ctx, owner, token)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return units.ToDecimal(n, decimals), decimals, nil
}

func (b *ChainBalances) rawBalance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	if token == orderbook.NativeAsset {
		if b.client == nil {
			return nil, errors.New("chain client is nil")
		}
		n, err := b.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, faults.New(faults.KindRPC, "native balance", err)
		}
		return bigOrZero(n), nil
	}
	n, err := txbuilder.ReadERC20Balance(ctx, b.raw, token, owner)
	if err != nil {
		return nil, faults.New(faults.KindRPC, "token balance", err)
	}
	return n, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
