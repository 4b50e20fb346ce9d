package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

type Config struct {
	Chain   string `yaml:"chain"`
	ChainID uint64 `yaml:"chain_id"`

	RPC struct {
		HTTP           string   `yaml:"http"`
		RequestTimeout Duration `yaml:"request_timeout"`
	} `yaml:"rpc"`

	Tx struct {
		GasLimitMultiplier float64  `yaml:"gas_limit_multiplier"`
		GasLimitCap        uint64   `yaml:"gas_limit_cap"`
		ApproveGasLimit    uint64   `yaml:"approve_gas_limit"`
		MaxFeeMultiplier   float64  `yaml:"max_fee_multiplier"`
		MinPriorityFeeGwei float64  `yaml:"min_priority_fee_gwei"`
		ConfirmTimeout     Duration `yaml:"confirm_timeout"`
		PollInterval       Duration `yaml:"poll_interval"`
		Confirmations      uint64   `yaml:"confirmations"`
		DefaultSlippage    float64  `yaml:"default_slippage"`
	} `yaml:"tx"`

	Estimator struct {
		BaseURL                 string   `yaml:"base_url"`
		APIKey                  string   `yaml:"api_key"`
		Timeout                 Duration `yaml:"timeout"`
		RatePerSecond           float64  `yaml:"rate_per_second"`
		Burst                   int      `yaml:"burst"`
		BreakerFailures         uint32   `yaml:"breaker_failures"`
		BreakerOpenTimeout      Duration `yaml:"breaker_open_timeout"`
		BreakerHalfOpenRequests uint32   `yaml:"breaker_half_open_requests"`
	} `yaml:"estimator"`

	KeyStore struct {
		Dir           string `yaml:"dir"`
		PassphraseEnv string `yaml:"passphrase_env"`
		Account       string `yaml:"account"`
	} `yaml:"keystore"`

	Journal struct {
		Path string `yaml:"path"`
		Keep int    `yaml:"keep"`
	} `yaml:"journal"`

	API struct {
		Listen      string   `yaml:"listen"`
		AuthToken   string   `yaml:"auth_token"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"api"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "monad-testnet"
	}
	if c.ChainID == 0 {
		switch strings.ToLower(c.Chain) {
		case "monad-testnet":
			c.ChainID = 10143
		}
	}
	if c.RPC.RequestTimeout.Duration == 0 {
		c.RPC.RequestTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Tx.GasLimitMultiplier == 0 {
		c.Tx.GasLimitMultiplier = 1.2
	}
	if c.Tx.GasLimitCap == 0 {
		c.Tx.GasLimitCap = 2_800_000
	}
	if c.Tx.ApproveGasLimit == 0 {
		c.Tx.ApproveGasLimit = 50_000
	}
	if c.Tx.MaxFeeMultiplier == 0 {
		c.Tx.MaxFeeMultiplier = 2.0
	}
	if c.Tx.ConfirmTimeout.Duration == 0 {
		c.Tx.ConfirmTimeout = Duration{Duration: 60 * time.Second}
	}
	if c.Tx.PollInterval.Duration == 0 {
		c.Tx.PollInterval = Duration{Duration: time.Second}
	}
	if c.Tx.Confirmations == 0 {
		c.Tx.Confirmations = 1
	}
	if c.Tx.DefaultSlippage == 0 {
		c.Tx.DefaultSlippage = 1
	}
	if c.Estimator.Timeout.Duration == 0 {
		c.Estimator.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Estimator.RatePerSecond == 0 {
		c.Estimator.RatePerSecond = 5
	}
	if c.Estimator.Burst == 0 {
		c.Estimator.Burst = 5
	}
	if c.Estimator.BreakerFailures == 0 {
		c.Estimator.BreakerFailures = 5
	}
	if c.Estimator.BreakerOpenTimeout.Duration == 0 {
		c.Estimator.BreakerOpenTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Estimator.BreakerHalfOpenRequests == 0 {
		c.Estimator.BreakerHalfOpenRequests = 1
	}
	if c.KeyStore.Dir == "" {
		c.KeyStore.Dir = "data/keystore"
	}
	if c.KeyStore.PassphraseEnv == "" {
		c.KeyStore.PassphraseEnv = "OBTRADE_KEYSTORE_PASSPHRASE"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/trades.json"
	}
	if c.Journal.Keep == 0 {
		c.Journal.Keep = 100
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

func (c *Config) validate() error {
	if c.RPC.HTTP == "" {
		return fmt.Errorf("rpc.http is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required for chain %q", c.Chain)
	}
	if c.Estimator.BaseURL == "" {
		return fmt.Errorf("estimator.base_url is required")
	}
	if c.Tx.GasLimitMultiplier < 1 {
		return fmt.Errorf("tx.gas_limit_multiplier must be >= 1")
	}
	if c.Tx.DefaultSlippage < 0 || c.Tx.DefaultSlippage > 50 {
		return fmt.Errorf("tx.default_slippage must be within [0,50]")
	}
	if c.KeyStore.Account != "" && !common.IsHexAddress(c.KeyStore.Account) {
		return fmt.Errorf("keystore.account %q is not an address", c.KeyStore.Account)
	}
	return nil
}
