package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"obtrade/internal/estimate"
	"obtrade/internal/orderbook"
	"obtrade/internal/trade"
)

// Entry is one finished trade attempt as written to disk.
type Entry struct {
	Time         time.Time      `json:"time"`
	Side         orderbook.Side `json:"side"`
	Market       string         `json:"market"`
	Amount       string         `json:"amount"`
	MinAmountOut string         `json:"min_amount_out,omitempty"`
	Result       trade.Result   `json:"result"`
}

type state struct {
	Entries []Entry `json:"entries"`
}

// Store keeps the most recent trade attempts in a JSON file so hashes of
// timed-out or reverted transactions survive the process.
type Store struct {
	path string
	keep int
	now  func() time.Time

	mu      sync.Mutex
	loaded  bool
	entries []Entry
}

func New(path string, keep int) *Store {
	if keep <= 0 {
		keep = 100
	}
	return &Store{path: path, keep: keep, now: time.Now}
}

// Record appends the attempt. Attempts that never produced a result are skipped.
func (s *Store) Record(req estimate.Request, est *estimate.Estimate, res *trade.Result) error {
	if res == nil {
		return nil
	}
	e := Entry{
		Time:   s.now().UTC(),
		Side:   req.Side,
		Market: req.Market.Hex(),
		Amount: req.Amount,
		Result: *res,
	}
	if est != nil {
		e.MinAmountOut = est.MinAmountOut.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.entries = append(s.entries, e)
	if len(s.entries) > s.keep {
		s.entries = s.entries[len(s.entries)-s.keep:]
	}
	return s.saveLocked()
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("journal %s: %w", s.path, err)
	}
	s.entries = st.Entries
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(state{Entries: s.entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("journal rename: %w", err)
	}
	return nil
}
