package trade

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"obtrade/internal/faults"
	"obtrade/internal/txbuilder"
)

const DefaultApproveGasLimit = 50_000

type Sender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Approver grants the market an allowance before a token sell. It returns as
// soon as the approval is broadcast and does not wait for it to be mined.
type Approver struct {
	client   Sender
	builder  *txbuilder.Builder
	nonces   txbuilder.NonceProvider
	gasLimit uint64
	logger   *slog.Logger
}

func NewApprover(client Sender, builder *txbuilder.Builder, nonces txbuilder.NonceProvider, gasLimit uint64, logger *slog.Logger) *Approver {
	if gasLimit == 0 {
		gasLimit = DefaultApproveGasLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Approver{client: client, builder: builder, nonces: nonces, gasLimit: gasLimit, logger: logger}
}

func (a *Approver) Approve(ctx context.Context, signer Signer, token, spender common.Address, amount *big.Int, fee txbuilder.FeeParams) (*types.Transaction, error) {
	const op = "approve"
	if signer == nil {
		return nil, faults.New(faults.KindWalletNotConnected, op, errors.New("no signer"))
	}
	from := signer.Address()
	nonce, err := a.nonces.Next(ctx, from)
	if err != nil {
		return nil, faults.New(faults.KindRPC, op, err)
	}
	tx, err := a.builder.BuildApproveTx(token, spender, amount, txbuilder.BuildParams{
		Nonce:    nonce,
		GasLimit: a.gasLimit,
		Fee:      fee,
	})
	if err != nil {
		a.nonces.Reset(from)
		return nil, faults.New(faults.KindSubmission, op, err)
	}
	signed, err := signer.SignTx(ctx, tx)
	if err != nil {
		a.nonces.Reset(from)
		return nil, faults.New(faults.KindSubmission, op, err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		a.nonces.Reset(from)
		return nil, faults.New(faults.KindSubmission, op, err)
	}
	a.logger.Info("approval sent", "token", token.Hex(), "spender", spender.Hex(), "amount", amount.String(), "tx_hash", signed.Hash().Hex(), "nonce", nonce)
	return signed, nil
}
