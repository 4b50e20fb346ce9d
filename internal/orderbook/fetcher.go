package orderbook

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"obtrade/internal/faults"
)

type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type ParamsSource interface {
	Fetch(ctx context.Context, market common.Address) (MarketParams, error)
}

// Fetcher reads market parameters with a single eth_call.
type Fetcher struct {
	caller ContractCaller
}

func NewFetcher(caller ContractCaller) *Fetcher {
	return &Fetcher{caller: caller}
}

func (f *Fetcher) Fetch(ctx context.Context, market common.Address) (MarketParams, error) {
	if f.caller == nil {
		return MarketParams{}, faults.Newf(faults.KindRPC, "get market params", "rpc client is nil")
	}
	msg := ethereum.CallMsg{
		From: common.Address{},
		To:   &market,
		Data: PackGetMarketParams(),
	}
	out, err := f.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return MarketParams{}, faults.New(faults.KindRPC, "get market params", err)
	}
	params, err := decodeMarketParams(out)
	if err != nil {
		return MarketParams{}, faults.New(faults.KindContractRead, "get market params", err)
	}
	return params, nil
}

// DefaultFetchTimeout bounds a shared params read once it no longer follows
// any single caller's context.
const DefaultFetchTimeout = 15 * time.Second

// Cache memoizes market parameters per market address. Entries are only ever
// replaced as a whole; concurrent misses for one market share a single read.
// The shared read runs detached from the caller that started it, so a caller
// giving up does not fail the others waiting on the same read.
type Cache struct {
	source  ParamsSource
	timeout time.Duration

	mu      sync.RWMutex
	entries map[common.Address]MarketParams
	group   singleflight.Group
}

func NewCache(source ParamsSource) *Cache {
	return &Cache{source: source, timeout: DefaultFetchTimeout, entries: make(map[common.Address]MarketParams)}
}

func (c *Cache) Get(ctx context.Context, market common.Address) (MarketParams, error) {
	c.mu.RLock()
	p, ok := c.entries[market]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	ch := c.group.DoChan(market.Hex(), func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.entries[market]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		params, err := c.source.Fetch(fctx, market)
		if err != nil {
			return MarketParams{}, err
		}
		c.mu.Lock()
		c.entries[market] = params
		c.mu.Unlock()
		return params, nil
	})
	select {
	case <-ctx.Done():
		return MarketParams{}, faults.New(faults.KindRPC, "get market params", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return MarketParams{}, r.Err
		}
		return r.Val.(MarketParams), nil
	}
}

// Fetch makes Cache usable wherever a ParamsSource is expected.
func (c *Cache) Fetch(ctx context.Context, market common.Address) (MarketParams, error) {
	return c.Get(ctx, market)
}

func (c *Cache) Invalidate(market common.Address) {
	c.mu.Lock()
	delete(c.entries, market)
	c.mu.Unlock()
	c.group.Forget(market.Hex())
}
