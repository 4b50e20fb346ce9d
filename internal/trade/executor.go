package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"obtrade/internal/config"
	"obtrade/internal/estimate"
	"obtrade/internal/faults"
	"obtrade/internal/orderbook"
	"obtrade/internal/txbuilder"
	"obtrade/internal/units"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = time.Second
)

type ExecutorConfig struct {
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	Confirmations   uint64
	ApproveGasLimit uint64
}

func ExecutorConfigFromConfig(cfg *config.Config) ExecutorConfig {
	return ExecutorConfig{
		ConfirmTimeout:  cfg.Tx.ConfirmTimeout.Duration,
		PollInterval:    cfg.Tx.PollInterval.Duration,
		Confirmations:   cfg.Tx.Confirmations,
		ApproveGasLimit: cfg.Tx.ApproveGasLimit,
	}
}

// Attempt is one user-initiated trade. Estimate is the last valid estimate
// for Request; OnState, when set, sees every state transition in order.
type Attempt struct {
	Request  estimate.Request
	Estimate *estimate.Estimate
	Signer   Signer
	OnState  func(State)
}

type Executor struct {
	client   Client
	planner  TradePlanner
	builder  *txbuilder.Builder
	nonces   txbuilder.NonceProvider
	approver *Approver
	balances BalanceReader
	cfg      ExecutorConfig
	logger   *slog.Logger

	mu       sync.Mutex
	accounts map[common.Address]*sync.Mutex
}

// NewExecutor wires the executor. balances may be nil to skip the
// insufficient-funds check.
func NewExecutor(client Client, planner TradePlanner, builder *txbuilder.Builder, nonces txbuilder.NonceProvider, balances BalanceReader, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:   client,
		planner:  planner,
		builder:  builder,
		nonces:   nonces,
		approver: NewApprover(client, builder, nonces, cfg.ApproveGasLimit, logger),
		balances: balances,
		cfg:      cfg,
		logger:   logger,
		accounts: make(map[common.Address]*sync.Mutex),
	}
}

type run struct {
	res     *Result
	onState func(State)
}

func (r *run) enter(s State) {
	r.res.State = s
	if r.onState != nil {
		r.onState(s)
	}
}

func (r *run) fail(status Status, err error) (*Result, error) {
	r.res.Status = status
	r.res.FailureReason = err.Error()
	r.enter(StateFailed)
	return r.res, err
}

// Execute runs one attempt to a terminal state. The returned Result is never
// nil; the error is set exactly when the state is failed. There are no
// retries and no cancellation once the trade is broadcast.
func (e *Executor) Execute(ctx context.Context, a Attempt) (*Result, error) {
	r := &run{res: &Result{State: StateIdle}, onState: a.OnState}

	r.enter(StateValidating)
	side, amount, err := e.validate(ctx, a)
	if err != nil {
		return r.fail("", err)
	}
	market := a.Request.Market

	signed, plan, err := e.send(ctx, r, a, side, amount)
	if err != nil {
		return r.fail("", err)
	}
	r.res.TxHash = signed.Hash().Hex()
	r.res.Tx = TxSummary(signed)
	r.res.Status = StatusPending
	e.logger.Info("trade sent", "market", market.Hex(), "side", side, "amount", amount, "min_amount_out", a.Estimate.MinAmountOut.String(),
		"tx_hash", r.res.TxHash, "gas_limit", plan.GasLimit, "simulated", plan.Simulated)

	r.enter(StateConfirming)
	receipt, confs, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		e.logger.Warn("trade not confirmed", "tx_hash", r.res.TxHash, "error", err)
		return r.fail(StatusTimedOut, err)
	}
	r.res.Confirmations = confs
	r.res.BlockNumber = receipt.BlockNumber.Uint64()
	r.res.GasUsed = receipt.GasUsed
	if receipt.Status != types.ReceiptStatusSuccessful {
		return r.fail(StatusReverted, faults.Newf(faults.KindReverted, "confirm", "transaction %s reverted in block %d", r.res.TxHash, r.res.BlockNumber))
	}
	r.res.Status = StatusConfirmed
	r.enter(StateSucceeded)
	e.logger.Info("trade confirmed", "tx_hash", r.res.TxHash, "block", r.res.BlockNumber, "gas_used", r.res.GasUsed)
	return r.res, nil
}

// send approves when needed and broadcasts the trade. Attempts from one
// account are serialized here so nonces never overlap.
func (e *Executor) send(ctx context.Context, r *run, a Attempt, side orderbook.Side, amount string) (*types.Transaction, txbuilder.GasPlan, error) {
	from := a.Signer.Address()
	params := a.Estimate.Params
	market := a.Request.Market

	unlock := e.lockAccount(from)
	defer unlock()
	e.nonces.Reset(from)

	if side == orderbook.SideSell && !params.Base.IsNative() {
		r.enter(StateApproving)
		approveAmount, err := units.ToBaseUnits(amount, params.Base.Decimals)
		if err != nil {
			return nil, txbuilder.GasPlan{}, err
		}
		tx, err := e.approver.Approve(ctx, a.Signer, params.Base.Address, market, approveAmount, e.planner.FeeData(ctx))
		if err != nil {
			return nil, txbuilder.GasPlan{}, err
		}
		r.res.ApprovalTxHash = tx.Hash().Hex()
	}

	r.enter(StateEstimatingGas)
	call, plan, err := e.planner.PlanTrade(ctx, txbuilder.PlanRequest{
		From:         from,
		Market:       market,
		Params:       params,
		Side:         side,
		Amount:       amount,
		MinAmountOut: a.Estimate.MinAmountOut.String(),
	})
	if err != nil {
		return nil, plan, faults.Wrap(faults.KindValidation, "plan trade", err)
	}

	r.enter(StateSubmitting)
	signed, err := e.submit(ctx, a.Signer, call, plan)
	if err != nil {
		e.nonces.Reset(from)
		return nil, plan, err
	}
	return signed, plan, nil
}

func (e *Executor) lockAccount(addr common.Address) func() {
	e.mu.Lock()
	l, ok := e.accounts[addr]
	if !ok {
		l = &sync.Mutex{}
		e.accounts[addr] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Executor) validate(ctx context.Context, a Attempt) (orderbook.Side, string, error) {
	const op = "validate"
	ok, err := a.Request.Check()
	if err != nil {
		return "", "", err
	}
	if !ok {
		if a.Request.Market == (common.Address{}) {
			return "", "", faults.New(faults.KindMarketNotLoaded, op, errors.New("no market selected"))
		}
		return "", "", faults.Validation(op, "amount is required")
	}
	side, _ := orderbook.ParseSide(string(a.Request.Side))
	amount, _ := units.ParseAmount(a.Request.Amount)

	est := a.Estimate
	if est == nil {
		return "", "", faults.Validation(op, "no estimate available")
	}
	if est.Params.PricePrecision == nil || est.Params.SizePrecision == nil {
		return "", "", faults.New(faults.KindMarketNotLoaded, op, fmt.Errorf("market %s params not loaded", a.Request.Market.Hex()))
	}
	if est.Market != a.Request.Market || est.Side != side || !amount.Equal(mustAmount(est.Amount)) {
		return "", "", faults.Validation(op, "estimate does not match the request")
	}
	if a.Signer == nil {
		return "", "", faults.New(faults.KindWalletNotConnected, op, errors.New("no signer"))
	}
	if e.balances != nil {
		in := est.Params.InputAsset(side)
		bal, err := e.balances.InputBalance(ctx, a.Signer.Address(), in)
		if err != nil {
			return "", "", faults.Wrap(faults.KindRPC, "input balance", err)
		}
		if bal.LessThan(amount) {
			return "", "", faults.Validation(op, "insufficient balance: have %s, need %s", bal.String(), amount.String())
		}
	}
	return side, amount.String(), nil
}

func (e *Executor) submit(ctx context.Context, signer Signer, call txbuilder.TradeCall, plan txbuilder.GasPlan) (*types.Transaction, error) {
	const op = "submit"
	from := signer.Address()
	nonce, err := e.nonces.Next(ctx, from)
	if err != nil {
		return nil, faults.New(faults.KindRPC, op, err)
	}
	tx, err := e.builder.BuildTx(call.To, call.Value, call.Data, txbuilder.BuildParams{
		Nonce:    nonce,
		GasLimit: plan.GasLimit,
		Fee:      plan.Fee,
	})
	if err != nil {
		return nil, faults.New(faults.KindSubmission, op, err)
	}
	signed, err := signer.SignTx(ctx, tx)
	if err != nil {
		return nil, faults.New(faults.KindSubmission, op, err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, faults.New(faults.KindSubmission, op, err)
	}
	return signed, nil
}

// waitMined polls for the receipt until the required confirmations are seen
// or the confirm timeout passes. The wait ignores caller cancellation.
func (e *Executor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, uint64, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, confs, err := e.checkReceipt(ctx, hash)
		switch {
		case err != nil:
			e.logger.Debug("receipt poll failed", "tx_hash", hash.Hex(), "error", err)
		case receipt != nil && confs >= e.cfg.Confirmations:
			return receipt, confs, nil
		}
		select {
		case <-ctx.Done():
			return nil, 0, faults.Newf(faults.KindConfirmationTimeout, "confirm", "transaction %s not confirmed within %s", hash.Hex(), e.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

func (e *Executor) checkReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, uint64, error) {
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, 0, nil
	}
	if e.cfg.Confirmations <= 1 {
		return receipt, 1, nil
	}
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, 0, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return receipt, 0, nil
	}
	return receipt, head - mined + 1, nil
}

func mustAmount(s string) decimal.Decimal {
	d, err := units.ParseAmount(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
