package orderbook

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"obtrade/internal/faults"
	"obtrade/internal/units"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(v string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(v))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", faults.Validation("parse side", "side must be buy or sell, got %q", v)
	}
}

// NativeAsset is the sentinel address the orderbook uses for the chain's native coin.
var NativeAsset = common.Address{}

type Asset struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

func (a Asset) IsNative() bool {
	return a.Address == NativeAsset
}

// MarketParams is the immutable per-market configuration returned by getMarketParams().
type MarketParams struct {
	PricePrecision *big.Int `json:"price_precision"`
	SizePrecision  *big.Int `json:"size_precision"`
	Base           Asset    `json:"base_asset"`
	Quote          Asset    `json:"quote_asset"`
	TickSize       *big.Int `json:"tick_size"`
	MinSize        *big.Int `json:"min_size"`
	MaxSize        *big.Int `json:"max_size"`
	TakerFeeBps    *big.Int `json:"taker_fee_bps"`
	MakerFeeBps    *big.Int `json:"maker_fee_bps"`
}

// InputAsset is what the trader pays: quote for a buy, base for a sell.
func (p MarketParams) InputAsset(side Side) Asset {
	if side == SideBuy {
		return p.Quote
	}
	return p.Base
}

func (p MarketParams) OutputAsset(side Side) Asset {
	if side == SideBuy {
		return p.Base
	}
	return p.Quote
}

// SizeExponent is the decimal exponent the contract expects the order size in:
// price precision for a buy (quote-denominated), size precision for a sell.
func (p MarketParams) SizeExponent(side Side) (uint8, error) {
	if side == SideBuy {
		return units.ExponentOf(p.PricePrecision)
	}
	return units.ExponentOf(p.SizePrecision)
}

func decodeMarketParams(data []byte) (MarketParams, error) {
	out, err := parsedABI.Unpack(methodGetMarketParams, data)
	if err != nil {
		return MarketParams{}, err
	}
	if len(out) != 11 {
		return MarketParams{}, fmt.Errorf("expected 11 values, got %d", len(out))
	}
	var (
		p    MarketParams
		errs []error
	)
	num := func(i int, name string) *big.Int {
		v, err := toBig(out[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return new(big.Int)
		}
		return v
	}
	addr := func(i int, name string) common.Address {
		a, ok := out[i].(common.Address)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unexpected type %T", name, out[i]))
		}
		return a
	}
	p.PricePrecision = num(0, "pricePrecision")
	p.SizePrecision = num(1, "sizePrecision")
	p.Base.Address = addr(2, "baseAssetAddress")
	baseDecimals := num(3, "baseAssetDecimals")
	p.Quote.Address = addr(4, "quoteAssetAddress")
	quoteDecimals := num(5, "quoteAssetDecimals")
	p.TickSize = num(6, "tickSize")
	p.MinSize = num(7, "minSize")
	p.MaxSize = num(8, "maxSize")
	p.TakerFeeBps = num(9, "takerFeeBps")
	p.MakerFeeBps = num(10, "makerFeeBps")
	if len(errs) > 0 {
		return MarketParams{}, errs[0]
	}

	if p.Base.Decimals, err = decimalsOf(baseDecimals); err != nil {
		return MarketParams{}, fmt.Errorf("baseAssetDecimals: %w", err)
	}
	if p.Quote.Decimals, err = decimalsOf(quoteDecimals); err != nil {
		return MarketParams{}, fmt.Errorf("quoteAssetDecimals: %w", err)
	}
	return p, nil
}

func decimalsOf(v *big.Int) (uint8, error) {
	if v.Sign() < 0 || v.Cmp(big.NewInt(units.MaxDecimals)) > 0 {
		return 0, fmt.Errorf("decimals %s out of range [0,%d]", v.String(), units.MaxDecimals)
	}
	return uint8(v.Uint64()), nil
}

func toBig(v interface{}) (*big.Int, error) {
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			return nil, fmt.Errorf("nil value")
		}
		if t.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s", t.String())
		}
		return new(big.Int).Set(t), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(t)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(t)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(t)), nil
	case uint64:
		return new(big.Int).SetUint64(t), nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}
