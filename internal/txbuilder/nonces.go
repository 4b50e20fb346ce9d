package txbuilder

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the read side of *ethclient.Client the planner, fee oracle
// and nonce manager need.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

type NonceProvider interface {
	Next(ctx context.Context, addr common.Address) (uint64, error)
	Reset(addr common.Address)
}

// NonceManager assigns nonces within one trade attempt. The first Next for an
// account reads the pending nonce; later calls count up locally so an approval
// and the trade that follows it get consecutive nonces without waiting for the
// approval to be mined. Reset drops the local counter.
type NonceManager struct {
	client ChainClient

	mu      sync.Mutex
	pending map[common.Address]uint64
}

func NewNonceManager(client ChainClient) *NonceManager {
	return &NonceManager{client: client, pending: make(map[common.Address]uint64)}
}

func (m *NonceManager) Next(ctx context.Context, addr common.Address) (uint64, error) {
	if m.client == nil {
		return 0, errors.New("nonce manager has no chain client")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	nonce, ok := m.pending[addr]
	if !ok {
		var err error
		if nonce, err = m.client.PendingNonceAt(ctx, addr); err != nil {
			return 0, err
		}
	}
	m.pending[addr] = nonce + 1
	return nonce, nil
}

func (m *NonceManager) Reset(addr common.Address) {
	m.mu.Lock()
	delete(m.pending, addr)
	m.mu.Unlock()
}
