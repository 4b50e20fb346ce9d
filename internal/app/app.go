package app

import (
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"obtrade/internal/api"
	"obtrade/internal/config"
	"obtrade/internal/costapi"
	"obtrade/internal/estimate"
	"obtrade/internal/journal"
	"obtrade/internal/keys"
	"obtrade/internal/orderbook"
	"obtrade/internal/trade"
	"obtrade/internal/txbuilder"
)

// App owns the RPC connection and every core component built on it. One App
// is constructed per process and passed down explicitly.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	RPC       *rpc.Client
	Eth       *ethclient.Client
	Params    *orderbook.Cache
	Estimator *estimate.Estimator
	Planner   *txbuilder.Planner
	Builder   *txbuilder.Builder
	Nonces    *txbuilder.NonceManager
	Balances  *trade.ChainBalances
	Executor  *trade.Executor
	Keys      *keys.Manager
	Signer    *keys.Signer
	Journal   *journal.Store
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	rpcClient, ethClient, err := dialHTTP(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, logger: logger, RPC: rpcClient, Eth: ethClient}

	cost, err := costapi.New(costapi.SettingsFromConfig(cfg), logger.With("component", "costapi"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Params = orderbook.NewCache(orderbook.NewFetcher(ethClient))
	a.Estimator = estimate.NewEstimator(a.Params, cost, logger.With("component", "estimator"))

	a.Planner, err = txbuilder.NewPlannerFromConfig(ethClient, cfg, logger.With("component", "planner"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Builder = txbuilder.NewBuilderFromConfig(cfg)
	a.Nonces = txbuilder.NewNonceManager(ethClient)
	a.Balances = trade.NewChainBalances(ethClient, rpcClient)
	a.Executor = trade.NewExecutor(ethClient, a.Planner, a.Builder, a.Nonces, a.Balances,
		trade.ExecutorConfigFromConfig(cfg), logger.With("component", "executor"))

	a.Journal = journal.New(cfg.Journal.Path, cfg.Journal.Keep)

	a.Keys, err = keys.NewManagerFromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if !a.Keys.PassphraseSet() {
		logger.Warn("keystore passphrase env is empty, trading disabled", "env", cfg.KeyStore.PassphraseEnv)
		return a, nil
	}
	signer, err := a.Keys.Signer(cfg.KeyStore.Account, new(big.Int).SetUint64(cfg.ChainID))
	if err != nil {
		logger.Warn("no trading account, trading disabled", "dir", a.Keys.KeystoreDir(), "error", err)
		return a, nil
	}
	a.Signer = signer
	logger.Info("trading account loaded", "address", signer.Address().Hex())
	return a, nil
}

// TradeSigner returns the signer as a trade.Signer, nil when no wallet is connected.
func (a *App) TradeSigner() trade.Signer {
	if a.Signer == nil {
		return nil
	}
	return a.Signer
}

func (a *App) APIDeps() api.Deps {
	return api.Deps{
		Params:    a.Params,
		Estimator: a.Estimator,
		Planner:   a.Planner,
		Executor:  a.Executor,
		Balances:  a.Balances,
		Signer:    a.TradeSigner(),
		Journal:   a.Journal,
	}
}

func (a *App) NewWatcher() *estimate.Watcher {
	from := a.TradeSigner()
	return estimate.NewWatcher(a.Estimator, a.Planner, func() common.Address {
		if from == nil {
			return common.Address{}
		}
		return from.Address()
	}, a.logger.With("component", "watcher"))
}

func (a *App) Close() {
	if a.Eth != nil {
		a.Eth.Close()
	}
}

func dialHTTP(cfg *config.Config, logger *slog.Logger) (*rpc.Client, *ethclient.Client, error) {
	httpClient := &http.Client{
		Timeout: cfg.RPC.RequestTimeout.Duration,
	}
	rpcClient, err := rpc.DialHTTPWithClient(cfg.RPC.HTTP, httpClient)
	if err != nil {
		return nil, nil, err
	}
	rpcClient.SetHeader("User-Agent", "obtrade")
	logger.Info("rpc http connected", "chain_id", cfg.ChainID)
	return rpcClient, ethclient.NewClient(rpcClient), nil
}
