package keys

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"obtrade/internal/config"
)

type Manager struct {
	ks         *keystore.KeyStore
	passphrase string
	dir        string
}

func NewManager(dir string, passphrase string) (*Manager, error) {
	return newManager(dir, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
}

// NewLightManager uses the light scrypt parameters. Meant for tests and
// throwaway accounts.
func NewLightManager(dir string, passphrase string) (*Manager, error) {
	return newManager(dir, passphrase, keystore.LightScryptN, keystore.LightScryptP)
}

func NewManagerFromConfig(cfg *config.Config) (*Manager, error) {
	return NewManager(cfg.KeyStore.Dir, os.Getenv(cfg.KeyStore.PassphraseEnv))
}

func newManager(dir, passphrase string, scryptN, scryptP int) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(dir, scryptN, scryptP)
	return &Manager{ks: ks, passphrase: passphrase, dir: dir}, nil
}

func (m *Manager) CreateAccount() (common.Address, error) {
	if m.passphrase == "" {
		return common.Address{}, errors.New("keystore passphrase is empty")
	}
	acct, err := m.ks.NewAccount(m.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

func (m *Manager) Accounts() []common.Address {
	acctList := m.ks.Accounts()
	out := make([]common.Address, 0, len(acctList))
	for _, acct := range acctList {
		out = append(out, acct.Address)
	}
	return out
}

func (m *Manager) FindAccount(addr common.Address) (accounts.Account, error) {
	for _, acct := range m.ks.Accounts() {
		if acct.Address == addr {
			return acct, nil
		}
	}
	return accounts.Account{}, errors.New("account not found")
}

func (m *Manager) SignTransaction(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if m.passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	acct, err := m.FindAccount(addr)
	if err != nil {
		return nil, err
	}
	return m.ks.SignTxWithPassphrase(acct, m.passphrase, tx, chainID)
}

// Signer picks the trading account. An empty account string selects the
// first account in the keystore.
func (m *Manager) Signer(account string, chainID *big.Int) (*Signer, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	var addr common.Address
	if strings.TrimSpace(account) == "" {
		list := m.Accounts()
		if len(list) == 0 {
			return nil, errors.New("keystore has no accounts")
		}
		addr = list[0]
	} else {
		if !common.IsHexAddress(account) {
			return nil, errors.New("account is not an address")
		}
		addr = common.HexToAddress(account)
		if _, err := m.FindAccount(addr); err != nil {
			return nil, err
		}
	}
	return &Signer{m: m, addr: addr, chainID: new(big.Int).Set(chainID)}, nil
}

func (m *Manager) KeystoreDir() string {
	return filepath.Clean(m.dir)
}

func (m *Manager) PassphraseSet() bool {
	return m.passphrase != ""
}

// Signer is a connected wallet: one keystore account on one chain.
type Signer struct {
	m       *Manager
	addr    common.Address
	chainID *big.Int
}

func (s *Signer) Address() common.Address {
	return s.addr
}

func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

func (s *Signer) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.m.SignTransaction(s.addr, tx, s.chainID)
}
