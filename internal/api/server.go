package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"obtrade/internal/config"
	"obtrade/internal/estimate"
	"obtrade/internal/faults"
	"obtrade/internal/journal"
	"obtrade/internal/orderbook"
	"obtrade/internal/trade"
	"obtrade/internal/txbuilder"
)

type Balances interface {
	TokenBalance(ctx context.Context, owner, token common.Address) (decimal.Decimal, uint8, error)
}

type TradeExecutor interface {
	Execute(ctx context.Context, a trade.Attempt) (*trade.Result, error)
}

// Journal records finished trade attempts. It is optional.
type Journal interface {
	Record(req estimate.Request, est *estimate.Estimate, res *trade.Result) error
	Recent(n int) ([]journal.Entry, error)
}

// Deps are the core components the API drives. Signer may be nil when no
// keystore account is configured; trades then fail as wallet-not-connected.
type Deps struct {
	Params    orderbook.ParamsSource
	Estimator estimate.OrderEstimator
	Planner   estimate.GasPlanner
	Executor  TradeExecutor
	Balances  Balances
	Signer    trade.Signer
	Journal   Journal
}

type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	deps   Deps
	router *mux.Router
}

func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger, deps: deps, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.withAuth(s.handleHealth)).Methods(http.MethodGet)
	s.router.HandleFunc("/markets/{market}/params", s.withAuth(s.handleMarketParams)).Methods(http.MethodGet)
	s.router.HandleFunc("/estimate", s.withAuth(s.handleEstimate)).Methods(http.MethodPost)
	s.router.HandleFunc("/trade", s.withAuth(s.handleTrade)).Methods(http.MethodPost)
	s.router.HandleFunc("/balances", s.withAuth(s.handleBalances)).Methods(http.MethodGet)
	s.router.HandleFunc("/trades", s.withAuth(s.handleTrades)).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.API.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
	})
	return c.Handler(s.router)
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	return server.ListenAndServe()
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.API.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{"status": "ok", "wallet_connected": s.deps.Signer != nil}
	if s.deps.Signer != nil {
		out["address"] = s.deps.Signer.Address().Hex()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarketParams(w http.ResponseWriter, r *http.Request) {
	market, err := parseAddress(mux.Vars(r)["market"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params, err := s.deps.Params.Fetch(r.Context(), market)
	if err != nil {
		s.writeFault(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

type tradeRequest struct {
	Side     string           `json:"side"`
	Market   string           `json:"market"`
	Amount   string           `json:"amount"`
	Slippage *decimal.Decimal `json:"slippage,omitempty"`
}

func (s *Server) toRequest(body tradeRequest) (estimate.Request, error) {
	market, err := parseAddress(body.Market)
	if err != nil {
		return estimate.Request{}, faults.Validation("parse request", "market: %v", err)
	}
	slippage := decimal.NewFromFloat(s.cfg.Tx.DefaultSlippage)
	if body.Slippage != nil {
		slippage = *body.Slippage
	}
	return estimate.Request{
		Side:     orderbook.Side(strings.ToLower(strings.TrimSpace(body.Side))),
		Market:   market,
		Amount:   body.Amount,
		Slippage: slippage,
	}, nil
}

type gasView struct {
	GasLimit             uint64 `json:"gas_limit"`
	Simulated            bool   `json:"simulated"`
	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
	GasPrice             string `json:"gas_price,omitempty"`
	NetworkFeeWei        string `json:"network_fee_wei"`
}

func newGasView(p txbuilder.GasPlan) *gasView {
	return &gasView{
		GasLimit:             p.GasLimit,
		Simulated:            p.Simulated,
		MaxFeePerGas:         bigString(p.Fee.MaxFeePerGas),
		MaxPriorityFeePerGas: bigString(p.Fee.MaxPriorityFeePerGas),
		GasPrice:             bigString(p.Fee.GasPrice),
		NetworkFeeWei:        p.NetworkFee().String(),
	}
}

type estimateResponse struct {
	Estimate *estimate.Estimate `json:"estimate"`
	Gas      *gasView           `json:"gas,omitempty"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body tradeRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.toRequest(body)
	if err != nil {
		s.writeFault(w, err, nil)
		return
	}
	est, err := s.deps.Estimator.Estimate(r.Context(), req)
	if err != nil {
		s.writeFault(w, err, nil)
		return
	}
	out := estimateResponse{Estimate: est}
	if est != nil && s.deps.Planner != nil {
		plan, err := s.deps.Planner.Plan(r.Context(), txbuilder.PlanRequest{
			From:         s.signerAddress(),
			Market:       est.Market,
			Params:       est.Params,
			Side:         est.Side,
			Amount:       est.Amount,
			MinAmountOut: est.MinAmountOut.String(),
		})
		if err != nil {
			s.logger.Debug("gas plan unavailable", "market", est.Market.Hex(), "error", err)
		} else {
			out.Gas = newGasView(plan)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var body tradeRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.toRequest(body)
	if err != nil {
		s.writeFault(w, err, nil)
		return
	}
	if s.deps.Signer == nil {
		s.writeFault(w, faults.New(faults.KindWalletNotConnected, "trade", errors.New("no signer")), nil)
		return
	}
	est, err := s.deps.Estimator.Estimate(r.Context(), req)
	if err != nil {
		s.writeFault(w, err, nil)
		return
	}
	res, err := s.deps.Executor.Execute(r.Context(), trade.Attempt{
		Request:  req,
		Estimate: est,
		Signer:   s.deps.Signer,
		OnState: func(st trade.State) {
			s.logger.Debug("trade state", "market", req.Market.Hex(), "side", req.Side, "state", st)
		},
	})
	if s.deps.Journal != nil {
		if jerr := s.deps.Journal.Record(req, est, res); jerr != nil {
			s.logger.Warn("journal write failed", "error", jerr)
		}
	}
	if err != nil {
		s.writeFault(w, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"trades": []journal.Entry{}})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.deps.Journal.Recent(limit)
	if err != nil {
		s.writeFault(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": entries})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		owner common.Address
		err   error
	)
	if v := q.Get("address"); v != "" {
		owner, err = parseAddress(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if s.deps.Signer != nil {
		owner = s.deps.Signer.Address()
	} else {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	token := orderbook.NativeAsset
	if v := q.Get("token"); v != "" {
		token, err = parseAddress(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	bal, decimals, err := s.deps.Balances.TokenBalance(r.Context(), owner, token)
	if err != nil {
		s.writeFault(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  owner.Hex(),
		"token":    token.Hex(),
		"balance":  bal.String(),
		"decimals": decimals,
	})
}

func (s *Server) signerAddress() common.Address {
	if s.deps.Signer == nil {
		return common.Address{}
	}
	return s.deps.Signer.Address()
}

func (s *Server) writeFault(w http.ResponseWriter, err error, res *trade.Result) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "kind", faults.KindOf(err), "error", err)
	}
	out := map[string]interface{}{"error": err.Error()}
	if kind := faults.KindOf(err); kind != "" {
		out["kind"] = kind
	}
	if res != nil {
		out["result"] = res
	}
	writeJSON(w, status, out)
}

func statusFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindValidation, faults.KindDomain:
		return http.StatusBadRequest
	case faults.KindWalletNotConnected, faults.KindMarketNotLoaded:
		return http.StatusPreconditionFailed
	case faults.KindRPC, faults.KindContractRead, faults.KindEstimation, faults.KindSubmission:
		return http.StatusBadGateway
	case faults.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	case faults.KindReverted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, errors.New("address is required")
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(value), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
