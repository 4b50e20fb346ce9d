package costapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"obtrade/internal/config"
	"obtrade/internal/orderbook"
)

const estimatePath = "/v1/estimate"

type Settings struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int

	// Consecutive failures that open the breaker, how long it stays open,
	// and how many probes are let through while half-open.
	BreakerFailures         uint32
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenRequests uint32
}

func SettingsFromConfig(cfg *config.Config) Settings {
	e := cfg.Estimator
	return Settings{
		BaseURL:                 e.BaseURL,
		APIKey:                  e.APIKey,
		Timeout:                 e.Timeout.Duration,
		RatePerSecond:           e.RatePerSecond,
		Burst:                   e.Burst,
		BreakerFailures:         e.BreakerFailures,
		BreakerOpenTimeout:      e.BreakerOpenTimeout.Duration,
		BreakerHalfOpenRequests: e.BreakerHalfOpenRequests,
	}
}

// StatusError is a non-2xx reply from the estimator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cost estimator returned %d: %s", e.Code, e.Body)
}

// Client quotes market orders against the external cost-estimation service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[decimal.Decimal]
	logger     *slog.Logger
}

func New(s Settings, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return nil, errors.New("cost estimator base url is required")
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.BreakerFailures == 0 {
		s.BreakerFailures = 5
	}
	if s.BreakerOpenTimeout <= 0 {
		s.BreakerOpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if s.RatePerSecond > 0 {
		limit = rate.Limit(s.RatePerSecond)
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := s.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[decimal.Decimal](gobreaker.Settings{
		Name:        "cost-estimator",
		MaxRequests: s.BreakerHalfOpenRequests,
		Timeout:     s.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: s.Timeout},
		baseURL:    base,
		apiKey:     s.APIKey,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    breaker,
		logger:     logger,
	}, nil
}

func (c *Client) EstimateMarketBuy(ctx context.Context, market common.Address, params orderbook.MarketParams, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.estimate(ctx, market, orderbook.SideBuy, params, amount)
}

func (c *Client) EstimateMarketSell(ctx context.Context, market common.Address, params orderbook.MarketParams, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.estimate(ctx, market, orderbook.SideSell, params, amount)
}

type estimateRequest struct {
	Market common.Address         `json:"market"`
	Side   orderbook.Side         `json:"side"`
	Amount string                 `json:"amount"`
	Params orderbook.MarketParams `json:"params"`
}

type estimateResponse struct {
	Output *string `json:"output"`
}

func (c *Client) estimate(ctx context.Context, market common.Address, side orderbook.Side, params orderbook.MarketParams, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("rate limit: %w", err)
	}
	body, err := json.Marshal(estimateRequest{Market: market, Side: side, Amount: amount.String(), Params: params})
	if err != nil {
		return decimal.Zero, err
	}
	out, err := c.breaker.Execute(func() (decimal.Decimal, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return decimal.Zero, err
	}
	c.logger.Debug("cost estimate", "market", market.Hex(), "side", side, "amount", amount.String(), "output", out.String())
	return out, nil
}

func (c *Client) post(ctx context.Context, body []byte) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+estimatePath, bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decimal.Zero, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return parseOutput(raw)
}

func parseOutput(raw []byte) (decimal.Decimal, error) {
	var out estimateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode estimate: %w", err)
	}
	if out.Output == nil {
		return decimal.Zero, errors.New("decode estimate: output is missing")
	}
	v, err := decimal.NewFromString(strings.TrimSpace(*out.Output))
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode estimate: output %q: %w", *out.Output, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("decode estimate: negative output %s", v.String())
	}
	return v, nil
}

// Client errors and cancellations say nothing about the estimator's health.
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}
	return false
}
