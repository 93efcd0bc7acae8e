package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"termlend/core/events"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
	fp "termlend/native/lending/fixedpoint"
	"termlend/observability"
	"termlend/services/lendingd/archive"
	"termlend/services/lendingd/config"
	"termlend/services/lendingd/runtime"
)

const (
	moduleName        = "lendingd"
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// EventSource lists archived events.
type EventSource interface {
	List(ctx context.Context, q archive.Query) ([]events.Envelope, error)
}

type Options struct {
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	// Archive serves GET /v1/events when set; otherwise the hub's recent
	// buffer is used.
	Archive EventSource
	Logger  *slog.Logger
	Clock   func() time.Time
	// Health is resynced after every pause change.
	Health interface{ Sync() }
}

// Server exposes the lending runtime over HTTP.
type Server struct {
	rt      *runtime.Runtime
	auth    *Authenticator
	limiter *RateLimiter
	quota   *nativecommon.QuotaTracker
	archive EventSource
	health  interface{ Sync() }
	logger  *slog.Logger
	router  chi.Router
}

func New(rt *runtime.Runtime, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Server{
		rt:      rt,
		auth:    NewAuthenticator(opts.Auth, logger),
		limiter: NewRateLimiter(opts.RateLimit, logger),
		archive: opts.Archive,
		health:  opts.Health,
		logger:  logger,
	}
	s.auth.now = clock
	s.limiter.clockNow = clock
	if opts.RateLimit.WritesPerEpoch > 0 {
		s.quota = nativecommon.NewQuotaTracker(nativecommon.Quota{
			MaxRequests:  opts.RateLimit.WritesPerEpoch,
			EpochSeconds: opts.RateLimit.EpochSeconds,
		}, clock)
	}
	s.router = s.routes()
	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, moduleName)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID, s.observe, chimw.Recoverer, s.limiter.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.handleListMarkets)
		r.Get("/markets/{symbol}", s.handleGetMarket)
		r.Get("/markets/{symbol}/pools/{maturity}", s.handleGetPool)
		r.Get("/markets/{symbol}/accounts/{address}", s.handleGetAccount)
		r.Get("/events", s.handleListEvents)
		r.Get("/events/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware, writeQuota(s.quota))
			r.Post("/markets/{symbol}/liquidate", s.handleLiquidate)
			r.Post("/markets/{symbol}/{op}", s.handleFloating)
			r.Post("/markets/{symbol}/maturities/{maturity}/{op}", s.handleFixed)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.Middleware, RequireAdmin)
			r.Post("/prices", s.handleSetPrice)
			r.Post("/pause", s.handlePause)
			r.Post("/markets/{symbol}/pause", s.handlePause)
			r.Post("/markets/{symbol}/params", s.handleSetParam)
			r.Post("/markets/{symbol}/mint", s.handleMint)
		})
	})
	return r
}

type requestIDKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// observe records the status and latency of every request under its route
// pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		observability.ModuleMetrics().Observe(moduleName, r.Method+" "+route, status, elapsed)
		s.logger.Debug("request served",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", elapsed))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "markets": s.rt.Symbols()})
}

func (s *Server) marketView(symbol string, withPools bool) (marketResponse, error) {
	var out marketResponse
	err := s.rt.View(symbol, func(m *lending.Market) error {
		summary, err := m.Summary()
		if err != nil {
			return err
		}
		var pools []lending.PoolView
		if withPools {
			pools = m.Pools()
		}
		out = toMarket(summary, pools)
		return nil
	})
	if err != nil {
		return out, err
	}
	if price, ok := s.rt.Prices()[out.Symbol]; ok {
		out.Price = fp.FormatWad(price)
	}
	if factor, ok := s.rt.AdjustFactor(out.Symbol); ok {
		out.AdjustFactor = fp.FormatWad(factor)
	}
	out.Paused = s.rt.Paused(out.Symbol)
	return out, nil
}

func (s *Server) handleListMarkets(w http.ResponseWriter, _ *http.Request) {
	symbols := s.rt.Symbols()
	out := make([]marketResponse, 0, len(symbols))
	for _, symbol := range symbols {
		view, err := s.marketView(symbol, false)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := s.marketView(chi.URLParam(r, "symbol"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	maturity, err := parseUint("maturity", chi.URLParam(r, "maturity"))
	if err != nil {
		writeError(w, err)
		return
	}
	var out poolResponse
	err = s.rt.View(chi.URLParam(r, "symbol"), func(m *lending.Market) error {
		out = toPool(m.Pool(maturity))
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeJSONError(w, http.StatusBadRequest, "invalid address")
		return
	}
	account := common.HexToAddress(raw)
	symbol := chi.URLParam(r, "symbol")

	var out accountResponse
	err := s.rt.View(symbol, func(m *lending.Market) error {
		snap, err := m.AccountSnapshot(account)
		if err != nil {
			return err
		}
		out = accountResponse{
			Market:               m.Symbol(),
			Address:              account.Hex(),
			Shares:               snap.Shares.Dec(),
			Assets:               snap.Assets.Dec(),
			Debt:                 snap.Debt.Dec(),
			FloatingBorrowShares: snap.FloatingBorrowShares.Dec(),
			FixedDeposits:        toPositions(snap.FixedDeposits),
			FixedBorrows:         toPositions(snap.FixedBorrows),
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.rt.Balance(symbol, account)
	if err != nil {
		writeError(w, err)
		return
	}
	out.WalletBalance = balance.Dec()
	collateral, debt, err := s.rt.Liquidity(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	out.AdjustedCollateral = collateral.Dec()
	out.AdjustedDebt = debt.Dec()
	writeJSON(w, http.StatusOK, out)
}

// callerOf returns the authenticated account; the auth middleware
// guarantees one on every mutating route.
func callerOf(r *http.Request) common.Address {
	p, _ := PrincipalFrom(r.Context())
	return p.Account
}

// opArgs are the parsed addresses shared by every market operation.
type opArgs struct {
	caller, receiver, owner, borrower common.Address
}

func parseOpArgs(r *http.Request, req operationRequest) (opArgs, error) {
	args := opArgs{caller: callerOf(r)}
	var err error
	if args.receiver, err = parseAddress("receiver", req.Receiver, args.caller); err != nil {
		return args, err
	}
	if args.owner, err = parseAddress("owner", req.Owner, args.caller); err != nil {
		return args, err
	}
	if args.borrower, err = parseAddress("borrower", req.Borrower, args.caller); err != nil {
		return args, err
	}
	return args, nil
}

func (s *Server) handleFloating(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	op := strings.ToLower(chi.URLParam(r, "op"))
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	args, err := parseOpArgs(r, req)
	if err != nil {
		writeError(w, err)
		return
	}

	var amount uint256.Int
	switch op {
	case "deposit", "withdraw", "borrow", "repay":
		amount, err = parseAmount("assets", req.Assets)
	case "mint", "redeem", "refund":
		amount, err = parseAmount("shares", req.Shares)
	default:
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown operation %q", op))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	maxShares, err := parseLimit(req.Limit, fp.MaxUint256)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := operationResponse{Operation: op}
	err = s.rt.Update(r.Context(), symbol, op, func(ctx context.Context, m *lending.Market) error {
		resp.Market = m.Symbol()
		var assets, shares uint256.Int
		var err error
		switch op {
		case "deposit":
			assets = amount
			shares, err = m.Deposit(ctx, args.caller, amount, args.receiver)
		case "mint":
			shares = amount
			assets, err = m.Mint(ctx, args.caller, amount, args.receiver)
		case "withdraw":
			assets = amount
			shares, err = m.Withdraw(ctx, args.caller, amount, args.receiver, args.owner)
		case "redeem":
			shares = amount
			assets, err = m.Redeem(ctx, args.caller, amount, args.receiver, args.owner)
		case "borrow":
			assets = amount
			shares, err = m.Borrow(ctx, args.caller, amount, maxShares, args.receiver, args.borrower)
		case "repay":
			assets, shares, err = m.Repay(ctx, args.caller, amount, args.borrower)
		case "refund":
			assets, shares, err = m.Refund(ctx, args.caller, amount, args.borrower)
		}
		if err != nil {
			return err
		}
		resp.Assets, resp.Shares = assets.Dec(), shares.Dec()
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFixed(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	op := strings.ToLower(chi.URLParam(r, "op"))
	maturity, err := parseUint("maturity", chi.URLParam(r, "maturity"))
	if err != nil {
		writeError(w, err)
		return
	}
	var limitDefault uint256.Int
	switch op {
	case "deposit", "withdraw":
	case "borrow", "repay":
		limitDefault = fp.MaxUint256
	default:
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown operation %q", op))
		return
	}
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	args, err := parseOpArgs(r, req)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("assets", req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := parseLimit(req.Limit, limitDefault)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := operationResponse{Operation: op, Maturity: maturity}
	err = s.rt.Update(r.Context(), symbol, op+"_at_maturity", func(ctx context.Context, m *lending.Market) error {
		resp.Market = m.Symbol()
		var out uint256.Int
		var err error
		switch op {
		case "deposit":
			out, err = m.DepositAtMaturity(ctx, args.caller, maturity, amount, limit, args.receiver)
		case "withdraw":
			out, err = m.WithdrawAtMaturity(ctx, args.caller, maturity, amount, limit, args.receiver, args.owner)
		case "borrow":
			out, err = m.BorrowAtMaturity(ctx, args.caller, maturity, amount, limit, args.receiver, args.borrower)
		case "repay":
			out, err = m.RepayAtMaturity(ctx, args.caller, maturity, amount, limit, args.borrower)
		}
		if err != nil {
			return err
		}
		resp.Assets = out.Dec()
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Borrower) == "" {
		writeJSONError(w, http.StatusBadRequest, "borrower required")
		return
	}
	borrower, err := parseAddress("borrower", req.Borrower, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	maxAssets, err := parseLimit(req.MaxAssets, fp.MaxUint256)
	if err != nil {
		writeError(w, err)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	repaid, written, err := s.rt.Liquidate(r.Context(), symbol, req.SeizeMarket, callerOf(r), borrower, maxAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := operationResponse{
		Market:    strings.ToUpper(strings.TrimSpace(symbol)),
		Operation: "liquidate",
		Assets:    repaid.Dec(),
	}
	if len(written) > 0 {
		resp.BadDebt = make(map[string]string, len(written))
		for market, amount := range written {
			resp.BadDebt[market] = amount.Dec()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	price, err := parseWad("price", req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	if price.IsZero() {
		writeJSONError(w, http.StatusBadRequest, "price must be positive")
		return
	}
	if err := s.rt.SetPrice(req.Symbol, price); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("price updated",
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.String("market", strings.ToUpper(req.Symbol)),
		slog.String("price", fp.FormatWad(price)))
	writeJSON(w, http.StatusOK, map[string]string{"symbol": strings.ToUpper(strings.TrimSpace(req.Symbol)), "price": fp.FormatWad(price)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	if err := s.rt.SetPaused(callerOf(r), symbol, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	if s.health != nil {
		s.health.Sync()
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": strings.ToUpper(symbol), "paused": req.Paused})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	account, err := parseAddress("account", req.Account, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	if account == (common.Address{}) {
		writeJSONError(w, http.StatusBadRequest, "account required")
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	if err := s.rt.Mint(callerOf(r), symbol, account, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market": strings.ToUpper(symbol), "account": account.Hex(), "amount": amount.Dec()})
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	var req paramRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	apply, err := paramSetter(req)
	if err != nil {
		writeError(w, err)
		return
	}
	caller := callerOf(r)
	field := strings.ToLower(strings.TrimSpace(req.Field))
	var params lending.Params
	err = s.rt.Update(r.Context(), chi.URLParam(r, "symbol"), "set_"+field, func(_ context.Context, m *lending.Market) error {
		if err := apply(m, caller); err != nil {
			if statusFor(err) != http.StatusInternalServerError {
				return err
			}
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		params = m.Params()
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParams(params))
}

// paramSetter parses req into a call on the matching market setter.
func paramSetter(req paramRequest) (func(m *lending.Market, caller common.Address) error, error) {
	switch strings.ToLower(strings.TrimSpace(req.Field)) {
	case "max_future_pools":
		pools, err := parseUint("value", req.Value)
		if err != nil {
			return nil, err
		}
		return func(m *lending.Market, caller common.Address) error {
			return m.SetMaxFuturePools(caller, pools)
		}, nil
	case "damp_speed":
		up, err := parseWad("up", req.Up)
		if err != nil {
			return nil, err
		}
		down, err := parseWad("down", req.Down)
		if err != nil {
			return nil, err
		}
		return func(m *lending.Market, caller common.Address) error {
			return m.SetDampSpeed(caller, up, down)
		}, nil
	case "interest_rate_model":
		if req.Model == nil {
			return nil, fmt.Errorf("%w: model required", errBadRequest)
		}
		irm, err := req.Model.RateModel()
		if err != nil {
			return nil, fmt.Errorf("%w: model: %v", errBadRequest, err)
		}
		return func(m *lending.Market, caller common.Address) error {
			return m.SetInterestRateModel(caller, irm)
		}, nil
	case "treasury_fee_rate":
		treasury, err := parseAddress("treasury", req.Treasury, common.Address{})
		if err != nil {
			return nil, err
		}
		rate, err := parseWad("value", req.Value)
		if err != nil {
			return nil, err
		}
		return func(m *lending.Market, caller common.Address) error {
			return m.SetTreasury(caller, treasury, rate)
		}, nil
	}

	value, err := parseWad("value", req.Value)
	if err != nil {
		return nil, err
	}
	var set func(m *lending.Market, caller common.Address, v uint256.Int) error
	switch strings.ToLower(strings.TrimSpace(req.Field)) {
	case "backup_fee_rate":
		set = (*lending.Market).SetBackupFeeRate
	case "reserve_factor":
		set = (*lending.Market).SetReserveFactor
	case "penalty_rate":
		set = (*lending.Market).SetPenaltyRate
	case "earnings_accumulator_smooth_factor":
		set = (*lending.Market).SetEarningsAccumulatorSmoothFactor
	default:
		return nil, fmt.Errorf("%w: unknown parameter %q", errBadRequest, req.Field)
	}
	return func(m *lending.Market, caller common.Address) error {
		return set(m, caller, value)
	}, nil
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := archive.Query{
		Market: strings.ToUpper(strings.TrimSpace(q.Get("market"))),
		Type:   strings.TrimSpace(q.Get("type")),
		Limit:  defaultEventLimit,
	}
	if raw := strings.TrimSpace(q.Get("account")); raw != "" {
		if !common.IsHexAddress(raw) {
			writeJSONError(w, http.StatusBadRequest, "invalid account")
			return
		}
		query.Account = common.HexToAddress(raw).Hex()
	}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err := parseUint("after", raw)
		if err != nil {
			writeError(w, err)
			return
		}
		query.After = after
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		query.Limit = min(limit, maxEventLimit)
	}

	var envs []events.Envelope
	if s.archive != nil {
		var err error
		envs, err = s.archive.List(r.Context(), query)
		if err != nil {
			s.logger.Error("archive query failed", slog.String("request_id", requestIDFrom(r.Context())), slog.Any("error", err))
			writeError(w, err)
			return
		}
	} else {
		for _, env := range s.rt.Hub().Recent(query.Market, query.After, 0) {
			if !matchEnvelope(env, query) {
				continue
			}
			envs = append(envs, env)
			if len(envs) == query.Limit {
				break
			}
		}
	}
	out := eventsResponse{Events: make([]eventResponse, 0, len(envs))}
	for _, env := range envs {
		out.Events = append(out.Events, toEvent(env))
	}
	writeJSON(w, http.StatusOK, out)
}

func matchEnvelope(env events.Envelope, q archive.Query) bool {
	if q.Type != "" && env.Type != q.Type {
		return false
	}
	if q.Account == "" {
		return true
	}
	for _, v := range env.Attributes {
		if v == q.Account {
			return true
		}
	}
	return false
}

func toEvent(env events.Envelope) eventResponse {
	return eventResponse{
		ID:         env.ID,
		Sequence:   env.Sequence,
		Time:       env.Time.Unix(),
		Market:     env.Market,
		Type:       env.Type,
		Attributes: env.Attributes,
	}
}
