package trade

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"obtrade/internal/orderbook"
	"obtrade/internal/txbuilder"
)

type State string

const (
	StateIdle          State = "idle"
	StateValidating    State = "validating"
	StateApproving     State = "approving"
	StateEstimatingGas State = "estimating_gas"
	StateSubmitting    State = "submitting"
	StateConfirming    State = "confirming"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
	StatusTimedOut  Status = "timed_out"
)

// Result is the terminal outcome of one attempt. TxHash stays set on every
// failure after broadcast so the transaction can be looked up by hand.
type Result struct {
	State          State                  `json:"state"`
	Status         Status                 `json:"status,omitempty"`
	TxHash         string                 `json:"tx_hash,omitempty"`
	ApprovalTxHash string                 `json:"approval_tx_hash,omitempty"`
	Confirmations  uint64                 `json:"confirmations"`
	BlockNumber    uint64                 `json:"block_number,omitempty"`
	GasUsed        uint64                 `json:"gas_used,omitempty"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	Tx             map[string]interface{} `json:"tx,omitempty"`
}

// Signer is the connected wallet. A nil Signer means no wallet is connected.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// BalanceReader returns the owner's balance of asset in human units.
type BalanceReader interface {
	InputBalance(ctx context.Context, owner common.Address, asset orderbook.Asset) (decimal.Decimal, error)
}

// Client is the slice of *ethclient.Client the executor writes and polls with.
type Client interface {
	txbuilder.ChainClient
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type TradePlanner interface {
	PlanTrade(ctx context.Context, req txbuilder.PlanRequest) (txbuilder.TradeCall, txbuilder.GasPlan, error)
	FeeData(ctx context.Context) txbuilder.FeeParams
}

func TxSummary(tx *types.Transaction) map[string]interface{} {
	if tx == nil {
		return map[string]interface{}{}
	}
	out := map[string]interface{}{
		"hash":  tx.Hash().Hex(),
		"type":  tx.Type(),
		"nonce": tx.Nonce(),
		"to":    addrToHex(tx.To()),
		"value": tx.Value().String(),
		"gas":   tx.Gas(),
		"data":  hexutil.Encode(tx.Data()),
	}
	if tx.Type() == types.DynamicFeeTxType {
		out["max_fee_wei"] = tx.GasFeeCap().String()
		out["priority_fee_wei"] = tx.GasTipCap().String()
	} else {
		out["gas_price_wei"] = tx.GasPrice().String()
	}
	return out
}

func addrToHex(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}
