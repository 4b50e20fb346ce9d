package keys

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerSignsForSelectedAccount(t *testing.T) {
	m, err := NewLightManager(t.TempDir(), "secret")
	require.NoError(t, err)
	addr, err := m.CreateAccount()
	require.NoError(t, err)

	chainID := big.NewInt(10143)
	s, err := m.Signer("", chainID)
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address())

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Gas:       21000,
		GasFeeCap: big.NewInt(2),
		GasTipCap: big.NewInt(1),
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(context.Background(), tx)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, from)
}

func TestSignerSelection(t *testing.T) {
	m, err := NewLightManager(t.TempDir(), "secret")
	require.NoError(t, err)

	_, err = m.Signer("", big.NewInt(1))
	assert.ErrorContains(t, err, "no accounts")

	_, err = m.Signer("0x1111111111111111111111111111111111111111", big.NewInt(1))
	assert.ErrorContains(t, err, "account not found")

	_, err = m.Signer("nope", big.NewInt(1))
	assert.Error(t, err)

	_, err = m.Signer("", nil)
	assert.Error(t, err)
}

func TestEmptyPassphrase(t *testing.T) {
	m, err := NewLightManager(t.TempDir(), "")
	require.NoError(t, err)
	assert.False(t, m.PassphraseSet())
	_, err = m.CreateAccount()
	assert.Error(t, err)
}
