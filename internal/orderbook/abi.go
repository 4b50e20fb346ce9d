package orderbook

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const orderbookABIJSON = `[
  {"type":"function","name":"getMarketParams","stateMutability":"view","inputs":[],"outputs":[
    {"name":"pricePrecision","type":"uint32"},
    {"name":"sizePrecision","type":"uint96"},
    {"name":"baseAssetAddress","type":"address"},
    {"name":"baseAssetDecimals","type":"uint256"},
    {"name":"quoteAssetAddress","type":"address"},
    {"name":"quoteAssetDecimals","type":"uint256"},
    {"name":"tickSize","type":"uint32"},
    {"name":"minSize","type":"uint96"},
    {"name":"maxSize","type":"uint96"},
    {"name":"takerFeeBps","type":"uint256"},
    {"name":"makerFeeBps","type":"uint256"}
  ]},
  {"type":"function","name":"placeAndExecuteMarketBuy","stateMutability":"payable","inputs":[
    {"name":"_quoteSize","type":"uint96"},
    {"name":"_minAmountOut","type":"uint256"},
    {"name":"_isMargin","type":"bool"},
    {"name":"_isFillOrKill","type":"bool"}
  ],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"placeAndExecuteMarketSell","stateMutability":"payable","inputs":[
    {"name":"_size","type":"uint96"},
    {"name":"_minAmountOut","type":"uint256"},
    {"name":"_isMargin","type":"bool"},
    {"name":"_isFillOrKill","type":"bool"}
  ],"outputs":[{"name":"","type":"uint256"}]}
]`

const (
	methodGetMarketParams = "getMarketParams"
	methodMarketBuy       = "placeAndExecuteMarketBuy"
	methodMarketSell      = "placeAndExecuteMarketSell"

	sizeBits = 96
)

var parsedABI = mustParseABI(orderbookABIJSON)

// ABI returns the subset of the orderbook ABI this module talks to.
func ABI() abi.ABI {
	return parsedABI
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// PackGetMarketParams returns calldata for getMarketParams().
func PackGetMarketParams() []byte {
	data, err := parsedABI.Pack(methodGetMarketParams)
	if err != nil {
		panic(err)
	}
	return data
}

// PackMarketOrder encodes placeAndExecuteMarketBuy/Sell(size, minAmountOut, isMargin, isFillOrKill).
func PackMarketOrder(side Side, size, minAmountOut *big.Int, isMargin, isFillOrKill bool) ([]byte, error) {
	if size == nil || minAmountOut == nil {
		return nil, fmt.Errorf("size and minAmountOut are required")
	}
	if size.Sign() < 0 || minAmountOut.Sign() < 0 {
		return nil, fmt.Errorf("size and minAmountOut must be non-negative")
	}
	if size.BitLen() > sizeBits {
		return nil, fmt.Errorf("size %s overflows uint96", size.String())
	}
	if minAmountOut.BitLen() > 256 {
		return nil, fmt.Errorf("minAmountOut overflows uint256")
	}
	method, err := side.method()
	if err != nil {
		return nil, err
	}
	return parsedABI.Pack(method, size, minAmountOut, isMargin, isFillOrKill)
}

func (s Side) method() (string, error) {
	switch s {
	case SideBuy:
		return methodMarketBuy, nil
	case SideSell:
		return methodMarketSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", string(s))
	}
}
