package app

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obtrade/internal/config"
)

func TestNewWithoutWallet(t *testing.T) {
	cfg, err := config.Parse([]byte(`
rpc: {http: "http://127.0.0.1:1"}
estimator: {base_url: "http://127.0.0.1:2"}
keystore: {passphrase_env: OBTRADE_TEST_UNSET_PASSPHRASE}
`))
	require.NoError(t, err)
	t.Setenv("OBTRADE_TEST_UNSET_PASSPHRASE", "")
	cfg.KeyStore.Dir = t.TempDir()

	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Signer)
	assert.Nil(t, a.TradeSigner())
	deps := a.APIDeps()
	assert.Nil(t, deps.Signer)
	assert.NotNil(t, deps.Executor)
	assert.NotNil(t, deps.Journal)
	assert.Equal(t, uint64(2_800_000), a.Planner.Cap())

	w := a.NewWatcher()
	w.Close()
}
