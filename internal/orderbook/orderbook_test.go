package orderbook

import (
	"context"
	"errors"
	"math/big"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obtrade/internal/faults"
)

var (
	testMarket = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testBase   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeCaller struct {
	calls int32
	out   []byte
	err   error
	gate  chan struct{}

	mu   sync.Mutex
	last ethereum.CallMsg
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.last = msg
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.out, f.err
}

func encodeParams(t *testing.T, baseDecimals int64) []byte {
	t.Helper()
	out, err := parsedABI.Methods[methodGetMarketParams].Outputs.Pack(
		uint32(100),
		big.NewInt(1_000_000_000),
		testBase,
		big.NewInt(baseDecimals),
		common.Address{},
		big.NewInt(18),
		uint32(1),
		big.NewInt(10),
		big.NewInt(1_000_000_000_000),
		big.NewInt(30),
		big.NewInt(10),
	)
	require.NoError(t, err)
	return out
}

func TestFetchDecodesMarketParams(t *testing.T) {
	caller := &fakeCaller{out: encodeParams(t, 6)}
	p, err := NewFetcher(caller).Fetch(context.Background(), testMarket)
	require.NoError(t, err)

	assert.Equal(t, "100", p.PricePrecision.String())
	assert.Equal(t, "1000000000", p.SizePrecision.String())
	assert.Equal(t, testBase, p.Base.Address)
	assert.Equal(t, uint8(6), p.Base.Decimals)
	assert.True(t, p.Quote.IsNative())
	assert.Equal(t, uint8(18), p.Quote.Decimals)
	assert.Equal(t, "30", p.TakerFeeBps.String())
	assert.Equal(t, "10", p.MakerFeeBps.String())

	require.NotNil(t, caller.last.To)
	assert.Equal(t, testMarket, *caller.last.To)
	assert.Equal(t, common.Address{}, caller.last.From)
	assert.Equal(t, "0x"+common.Bytes2Hex(parsedABI.Methods[methodGetMarketParams].ID), hexutil.Encode(caller.last.Data))

	exp, err := p.SizeExponent(SideBuy)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), exp)
	exp, err = p.SizeExponent(SideSell)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), exp)
}

func TestFetchClassifiesErrors(t *testing.T) {
	_, err := NewFetcher(&fakeCaller{err: errors.New("dial tcp: timeout")}).Fetch(context.Background(), testMarket)
	assert.True(t, errors.Is(err, faults.ErrRPC))

	_, err = NewFetcher(&fakeCaller{out: []byte{}}).Fetch(context.Background(), testMarket)
	assert.True(t, errors.Is(err, faults.ErrContractRead))

	_, err = NewFetcher(&fakeCaller{out: encodeParams(t, 40)}).Fetch(context.Background(), testMarket)
	assert.True(t, errors.Is(err, faults.ErrContractRead))
}

func TestCacheSharesConcurrentFetches(t *testing.T) {
	caller := &fakeCaller{out: encodeParams(t, 18), gate: make(chan struct{})}
	cache := NewCache(NewFetcher(caller))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), testMarket)
			assert.NoError(t, err)
		}()
	}
	for atomic.LoadInt32(&caller.calls) == 0 {
		runtime.Gosched()
	}
	close(caller.gate)
	wg.Wait()

	_, err := cache.Get(context.Background(), testMarket)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&caller.calls))

	cache.Invalidate(testMarket)
	_, err = cache.Get(context.Background(), testMarket)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&caller.calls))
}

func TestCacheReadSurvivesFirstCallerCancel(t *testing.T) {
	caller := &fakeCaller{out: encodeParams(t, 18), gate: make(chan struct{})}
	cache := NewCache(NewFetcher(caller))

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(first, testMarket)
		firstErr <- err
	}()
	for atomic.LoadInt32(&caller.calls) == 0 {
		runtime.Gosched()
	}

	secondDone := make(chan error, 1)
	go func() {
		p, err := cache.Get(context.Background(), testMarket)
		if err == nil && p.Base.Decimals != 18 {
			err = errors.New("wrong params")
		}
		secondDone <- err
	}()

	cancelFirst()
	err := <-firstErr
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.Is(err, faults.ErrRPC))

	close(caller.gate)
	require.NoError(t, <-secondDone)
	assert.Equal(t, int32(1), atomic.LoadInt32(&caller.calls))

	_, err = cache.Get(context.Background(), testMarket)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&caller.calls))
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	caller := &fakeCaller{err: errors.New("boom")}
	cache := NewCache(NewFetcher(caller))
	_, err := cache.Get(context.Background(), testMarket)
	require.Error(t, err)
	_, err = cache.Get(context.Background(), testMarket)
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&caller.calls))
}

func TestPackMarketOrder(t *testing.T) {
	size := big.NewInt(1000)
	minOut := big.NewInt(99)
	data, err := PackMarketOrder(SideBuy, size, minOut, false, true)
	require.NoError(t, err)
	assert.Equal(t, parsedABI.Methods[methodMarketBuy].ID, data[:4])
	assert.Len(t, data, 4+4*32)

	args, err := parsedABI.Methods[methodMarketBuy].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, size.String(), args[0].(*big.Int).String())
	assert.Equal(t, minOut.String(), args[1].(*big.Int).String())
	assert.Equal(t, false, args[2])
	assert.Equal(t, true, args[3])

	data, err = PackMarketOrder(SideSell, size, minOut, false, true)
	require.NoError(t, err)
	assert.Equal(t, parsedABI.Methods[methodMarketSell].ID, data[:4])

	tooBig := new(big.Int).Lsh(big.NewInt(1), 96)
	_, err = PackMarketOrder(SideBuy, tooBig, minOut, false, true)
	assert.Error(t, err)

	_, err = PackMarketOrder(Side("hold"), size, minOut, false, true)
	assert.Error(t, err)
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide(" BUY ")
	require.NoError(t, err)
	assert.Equal(t, SideBuy, s)
	_, err = ParseSide("short")
	assert.True(t, errors.Is(err, faults.ErrValidation))
}
