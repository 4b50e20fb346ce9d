package estimate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"obtrade/internal/txbuilder"
)

type OrderEstimator interface {
	Estimate(ctx context.Context, req Request) (*Estimate, error)
}

type GasPlanner interface {
	Plan(ctx context.Context, req txbuilder.PlanRequest) (txbuilder.GasPlan, error)
}

// Snapshot is the observable state of a Watcher. Pending is set while the
// computation for Generation is in flight.
type Snapshot struct {
	Generation uint64
	Request    Request
	Pending    bool
	Estimate   *Estimate
	Gas        *txbuilder.GasPlan
	Err        error
}

// Watcher recomputes the estimate and gas plan on every Update. Each update
// starts a new generation; results of older generations are dropped.
type Watcher struct {
	est     OrderEstimator
	planner GasPlanner
	from    func() common.Address
	logger  *slog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	snap   Snapshot
	subs   []chan Snapshot
	closed bool
	wg     sync.WaitGroup
}

// NewWatcher builds a watcher. planner may be nil to skip gas planning; from
// supplies the simulation sender and may be nil for the zero address.
func NewWatcher(est OrderEstimator, planner GasPlanner, from func() common.Address, logger *slog.Logger) *Watcher {
	if from == nil {
		from = func() common.Address { return common.Address{} }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{est: est, planner: planner, from: from, logger: logger}
}

func (w *Watcher) Update(req Request) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.gen
	}
	w.gen++
	gen := w.gen
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}

	ok, err := req.Check()
	if !ok {
		w.setLocked(Snapshot{Generation: gen, Request: req, Err: err})
		return gen
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.setLocked(Snapshot{Generation: gen, Request: req, Pending: true})

	w.wg.Add(1)
	go w.run(ctx, gen, req)
	return gen
}

func (w *Watcher) run(ctx context.Context, gen uint64, req Request) {
	defer w.wg.Done()

	est, err := w.est.Estimate(ctx, req)
	var plan *txbuilder.GasPlan
	if err == nil && est != nil && w.planner != nil {
		p, perr := w.planner.Plan(ctx, txbuilder.PlanRequest{
			From:         w.from(),
			Market:       est.Market,
			Params:       est.Params,
			Side:         est.Side,
			Amount:       est.Amount,
			MinAmountOut: est.MinAmountOut.String(),
		})
		if perr != nil {
			w.logger.Debug("gas plan unavailable", "generation", gen, "error", perr)
		} else {
			plan = &p
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.closed {
		w.logger.Debug("discarding stale estimate", "generation", gen, "latest", w.gen)
		return
	}
	w.setLocked(Snapshot{Generation: gen, Request: req, Estimate: est, Gas: plan, Err: err})
}

func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Subscribe returns a channel that always holds the most recent snapshot.
// Slow readers miss intermediate states. The channel is closed by Close.
func (w *Watcher) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		close(ch)
		return ch
	}
	w.subs = append(w.subs, ch)
	return ch
}

func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) setLocked(s Snapshot) {
	w.snap = s
	for _, ch := range w.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
