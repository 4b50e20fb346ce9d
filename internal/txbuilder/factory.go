package txbuilder

import (
	"log/slog"
	"math/big"

	"obtrade/internal/config"
)

func NewOracleFromConfig(client ChainClient, cfg *config.Config) (*FeeOracle, error) {
	minTipWei, err := GweiToWei(cfg.Tx.MinPriorityFeeGwei)
	if err != nil {
		return nil, err
	}
	return NewFeeOracle(client, FeeOracleConfig{
		MaxFeeMultiplier:  cfg.Tx.MaxFeeMultiplier,
		MinPriorityFeeWei: minTipWei,
	}), nil
}

func NewPlannerFromConfig(client ChainClient, cfg *config.Config, logger *slog.Logger) (*Planner, error) {
	oracle, err := NewOracleFromConfig(client, cfg)
	if err != nil {
		return nil, err
	}
	return NewPlanner(client, oracle, PlannerConfig{
		GasLimitMultiplier: cfg.Tx.GasLimitMultiplier,
		GasLimitCap:        cfg.Tx.GasLimitCap,
	}, logger), nil
}

func NewBuilderFromConfig(cfg *config.Config) *Builder {
	return NewBuilder(bigInt(cfg.ChainID))
}

func bigInt(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
