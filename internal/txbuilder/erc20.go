package txbuilder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// RawCaller is satisfied by *rpc.Client.
type RawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// BuildApproveData encodes approve(spender, amount).
func BuildApproveData(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, errors.New("amount must be non-negative")
	}
	if amount.BitLen() > 256 {
		return nil, errors.New("amount overflows uint256")
	}
	return erc20ABI.Pack("approve", spender, amount)
}

// ReadERC20Balance reads balanceOf(owner) at the latest block.
func ReadERC20Balance(ctx context.Context, rpcClient RawCaller, token, owner common.Address) (*big.Int, error) {
	out, err := callERC20(ctx, rpcClient, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected %T", out[0])
	}
	return bal, nil
}

func ReadERC20Decimals(ctx context.Context, rpcClient RawCaller, token common.Address) (uint8, error) {
	out, err := callERC20(ctx, rpcClient, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected %T", out[0])
	}
	return d, nil
}

func callERC20(ctx context.Context, rpcClient RawCaller, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if rpcClient == nil {
		return nil, errors.New("rpc client is nil")
	}
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	call := map[string]string{
		"to":   token.Hex(),
		"data": hexutil.Encode(data),
	}
	var raw hexutil.Bytes
	if err := rpcClient.CallContext(ctx, &raw, "eth_call", call, "latest"); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: empty result from %s", method, token.Hex())
	}
	out, err := erc20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}
