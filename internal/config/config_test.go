package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
rpc:
  http: https://testnet-rpc.monad.xyz
estimator:
  base_url: http://localhost:9000
`))
	require.NoError(t, err)

	assert.Equal(t, uint64(10143), cfg.ChainID)
	assert.Equal(t, 1.2, cfg.Tx.GasLimitMultiplier)
	assert.Equal(t, uint64(2_800_000), cfg.Tx.GasLimitCap)
	assert.Equal(t, uint64(50_000), cfg.Tx.ApproveGasLimit)
	assert.Equal(t, 60*time.Second, cfg.Tx.ConfirmTimeout.Duration)
	assert.Equal(t, uint64(1), cfg.Tx.Confirmations)
	assert.Equal(t, float64(1), cfg.Tx.DefaultSlippage)
	assert.Equal(t, ":8080", cfg.API.Listen)
	assert.Equal(t, "data/trades.json", cfg.Journal.Path)
	assert.Equal(t, 100, cfg.Journal.Keep)
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
chain_id: 1
rpc:
  http: http://node
  request_timeout: 2s
tx:
  poll_interval: 250
estimator:
  base_url: http://est
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.RPC.RequestTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Tx.PollInterval.Duration)
}

func TestParseValidation(t *testing.T) {
	_, err := Parse([]byte(`estimator: {base_url: http://x}`))
	assert.ErrorContains(t, err, "rpc.http")

	_, err = Parse([]byte(`{rpc: {http: http://x}}`))
	assert.ErrorContains(t, err, "estimator.base_url")

	_, err = Parse([]byte(`{rpc: {http: http://x}, estimator: {base_url: http://y}, tx: {default_slippage: 60}}`))
	assert.ErrorContains(t, err, "default_slippage")

	_, err = Parse([]byte(`{chain: other, rpc: {http: http://x}, estimator: {base_url: http://y}}`))
	assert.ErrorContains(t, err, "chain_id")

	_, err = Parse([]byte(`{rpc: {http: http://x}, estimator: {base_url: http://y}, keystore: {account: nope}}`))
	assert.ErrorContains(t, err, "keystore.account")
}
