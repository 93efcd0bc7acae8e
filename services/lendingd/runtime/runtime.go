package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	"termlend/native/bank"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
	"termlend/native/lending/auditor"
	"termlend/observability"
	telemetry "termlend/observability/otel"
	"termlend/storage"
)

var (
	ErrUnknownMarket = errors.New("lendingd: unknown market")
	ErrUnauthorized  = errors.New("lendingd: unauthorized")
)

const moduleName = "lending"

// MarketSpec describes one market to serve.
type MarketSpec struct {
	Symbol       string
	Decimals     uint8
	Price        uint256.Int
	AdjustFactor uint256.Int
	Params       lending.Params
	RateModel    lending.InterestRateModel
}

// Options configure a Runtime.
type Options struct {
	Markets      []MarketSpec
	Incentive    auditor.LiquidationIncentive
	TargetHealth uint256.Int
	Admins       []common.Address
	Store        *storage.MarketStore
	Sinks        []events.Sink
	Clock        func() time.Time
	Logger       *slog.Logger
	// Telemetry defaults to the instruments on the global OTel providers.
	Telemetry *telemetry.Lending
}

// Runtime owns every market, ledger and the shared auditor. Markets are
// single-threaded, so every mutating call runs under the write lock and
// every read under the read lock.
type Runtime struct {
	mu sync.RWMutex

	markets map[string]*lending.Market
	ledgers map[string]*bank.Ledger
	order   []string

	auditor *auditor.Auditor
	oracle  *auditor.StaticOracle
	roles   *nativecommon.RoleRegistry
	pauses  *nativecommon.PauseTable
	hub     *Hub
	store   *storage.MarketStore
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.LendingMetrics
	tel     *telemetry.Lending
}

// New builds the markets, lists them with the auditor and seeds the oracle.
func New(opts Options) (*Runtime, error) {
	if len(opts.Markets) == 0 {
		return nil, errors.New("lendingd: no markets configured")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	incentive := opts.Incentive
	if incentive == (auditor.LiquidationIncentive{}) {
		incentive = auditor.DefaultIncentive()
	}
	target := opts.TargetHealth
	if target.IsZero() {
		target = auditor.DefaultTargetHealth
	}

	rt := &Runtime{
		markets: make(map[string]*lending.Market, len(opts.Markets)),
		ledgers: make(map[string]*bank.Ledger, len(opts.Markets)),
		oracle:  auditor.NewStaticOracle(),
		roles:   nativecommon.NewRoleRegistry(),
		pauses:  nativecommon.NewPauseTable(),
		store:   opts.Store,
		clock:   clock,
		logger:  logger,
		metrics: observability.Lending(),
		tel:     opts.Telemetry,
	}
	if rt.tel == nil {
		rt.tel = telemetry.LendingTelemetry()
	}
	rt.hub = NewHub(logger, clock, opts.Sinks...)
	rt.auditor = auditor.New(rt.oracle, auditor.WithIncentive(incentive), auditor.WithTargetHealth(target))
	if err := rt.auditor.SetLiquidationIncentive(incentive); err != nil {
		return nil, err
	}
	for _, admin := range opts.Admins {
		rt.roles.Grant(nativecommon.RoleAdmin, admin)
	}

	for _, spec := range opts.Markets {
		symbol := strings.ToUpper(strings.TrimSpace(spec.Symbol))
		if _, dup := rt.markets[symbol]; dup {
			return nil, fmt.Errorf("lendingd: duplicate market %s", symbol)
		}
		ledger := bank.NewLedger(symbol)
		market, err := lending.New(symbol, spec.Params, spec.RateModel,
			lending.WithAsset(ledger),
			lending.WithAuditor(rt.auditor),
			lending.WithAccessControl(rt.roles),
			lending.WithPauses(rt.pauses),
			lending.WithEmitter(rt.hub),
			lending.WithClock(clock),
		)
		if err != nil {
			return nil, fmt.Errorf("lendingd: market %s: %w", symbol, err)
		}
		if err := rt.auditor.EnableMarket(market, spec.AdjustFactor, spec.Decimals); err != nil {
			return nil, fmt.Errorf("lendingd: list %s: %w", symbol, err)
		}
		rt.oracle.SetPrice(symbol, spec.Price)
		rt.markets[symbol] = market
		rt.ledgers[symbol] = ledger
		rt.order = append(rt.order, symbol)
	}
	return rt, nil
}

// Hub returns the event hub the markets emit into.
func (rt *Runtime) Hub() *Hub { return rt.hub }

// Symbols lists the served markets in configuration order.
func (rt *Runtime) Symbols() []string {
	return append([]string(nil), rt.order...)
}

func (rt *Runtime) market(symbol string) (*lending.Market, error) {
	m, ok := rt.markets[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownMarket)
	}
	return m, nil
}

// Update runs fn against the named market under the write lock and records
// the outcome.
func (rt *Runtime) Update(ctx context.Context, symbol, op string, fn func(ctx context.Context, m *lending.Market) error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, err := rt.market(symbol)
	if err != nil {
		return err
	}
	return rt.observe(ctx, m.Symbol(), op, func(ctx context.Context) error {
		return fn(ctx, m)
	})
}

func (rt *Runtime) observe(ctx context.Context, symbol, op string, fn func(ctx context.Context) error) error {
	ctx, finish := rt.tel.StartOperation(ctx, symbol, op)
	start := time.Now()
	err := fn(ctx)
	finish(err)
	rt.metrics.ObserveOperation(symbol, op, time.Since(start), err)
	if err != nil {
		rt.logger.Debug("market operation failed", slog.String("market", symbol), slog.String("operation", op), slog.Any("error", err))
	}
	return err
}

// View runs fn against the named market under the read lock.
func (rt *Runtime) View(symbol string, fn func(m *lending.Market) error) error {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, err := rt.market(symbol)
	if err != nil {
		return err
	}
	return fn(m)
}

// Liquidate repays borrower's debt in repaySymbol, seizes collateral in
// seizeSymbol and then writes off remaining debt everywhere if the borrower
// has no collateral left.
func (rt *Runtime) Liquidate(ctx context.Context, repaySymbol, seizeSymbol string, liquidator, borrower common.Address, maxAssets uint256.Int) (repaid uint256.Int, written map[string]uint256.Int, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	repay, err := rt.market(repaySymbol)
	if err != nil {
		return repaid, nil, err
	}
	var seize lending.CollateralMarket
	if s := strings.TrimSpace(seizeSymbol); s != "" && !strings.EqualFold(s, repay.Symbol()) {
		m, err := rt.market(s)
		if err != nil {
			return repaid, nil, err
		}
		seize = m
	}
	err = rt.observe(ctx, repay.Symbol(), "liquidate", func(ctx context.Context) error {
		var err error
		repaid, err = repay.Liquidate(ctx, liquidator, borrower, maxAssets, seize)
		if err != nil {
			return err
		}
		written, err = rt.auditor.HandleBadDebt(ctx, borrower)
		return err
	})
	return repaid, written, err
}

// Liquidity returns the borrower's adjusted collateral and debt across
// markets.
func (rt *Runtime) Liquidity(ctx context.Context, account common.Address) (collateral, debt uint256.Int, err error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.auditor.AccountLiquidity(ctx, account)
}

// SetPrice updates the oracle price of one whole unit of symbol.
func (rt *Runtime) SetPrice(symbol string, price uint256.Int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, err := rt.market(symbol)
	if err != nil {
		return err
	}
	rt.oracle.SetPrice(m.Symbol(), price)
	return nil
}

// Prices returns the current oracle prices.
func (rt *Runtime) Prices() map[string]uint256.Int {
	return rt.oracle.Prices()
}

// AdjustFactor reports the collateral adjust factor of symbol.
func (rt *Runtime) AdjustFactor(symbol string) (uint256.Int, bool) {
	return rt.auditor.AdjustFactor(symbol)
}

// SetPaused pauses one market, or every market when symbol is empty.
func (rt *Runtime) SetPaused(caller common.Address, symbol string, paused bool) error {
	if !rt.roles.HasRole(nativecommon.RoleAdmin, caller) && !rt.roles.HasRole(nativecommon.RolePauser, caller) {
		return ErrUnauthorized
	}
	key := moduleName
	if symbol = strings.TrimSpace(symbol); symbol != "" {
		rt.mu.RLock()
		m, err := rt.market(symbol)
		rt.mu.RUnlock()
		if err != nil {
			return err
		}
		key = moduleName + "." + m.Symbol()
	}
	rt.pauses.SetPaused(key, paused)
	rt.logger.Info("pause updated", slog.String("market", symbol), slog.Bool("paused", paused))
	return nil
}

// Paused reports whether operations on symbol are currently blocked.
func (rt *Runtime) Paused(symbol string) bool {
	return rt.pauses.IsPaused(moduleName) || rt.pauses.IsPaused(moduleName+"."+strings.ToUpper(symbol))
}

// ModulePaused reports whether every market is paused at once.
func (rt *Runtime) ModulePaused() bool {
	return rt.pauses.IsPaused(moduleName)
}

// IsAdmin reports whether account holds the engine admin role.
func (rt *Runtime) IsAdmin(account common.Address) bool {
	return rt.roles.HasRole(nativecommon.RoleAdmin, account)
}

// Mint credits test funds on the asset ledger of symbol.
func (rt *Runtime) Mint(caller common.Address, symbol string, to common.Address, amount uint256.Int) error {
	if !rt.IsAdmin(caller) {
		return ErrUnauthorized
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, err := rt.market(symbol); err != nil {
		return err
	}
	return rt.ledgers[strings.ToUpper(strings.TrimSpace(symbol))].Mint(to, amount)
}

// Balance returns the wallet balance of account on the asset ledger.
func (rt *Runtime) Balance(symbol string, account common.Address) (uint256.Int, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if _, err := rt.market(symbol); err != nil {
		return uint256.Int{}, err
	}
	return rt.ledgers[strings.ToUpper(strings.TrimSpace(symbol))].BalanceOf(account), nil
}

func (rt *Runtime) snapshotters() (markets, ledgers []storage.Snapshotter) {
	for _, symbol := range rt.order {
		markets = append(markets, rt.markets[symbol])
		ledgers = append(ledgers, rt.ledgers[symbol])
	}
	return markets, ledgers
}

// Restore loads the last checkpoint from the store, if any.
func (rt *Runtime) Restore() (bool, error) {
	if rt.store == nil {
		return false, nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	markets, ledgers := rt.snapshotters()
	cp, ok, err := rt.store.Restore(markets, ledgers)
	if err != nil {
		return false, err
	}
	if ok {
		rt.logger.Info("restored checkpoint", slog.Time("at", cp.At()), slog.Any("markets", cp.Markets))
	}
	return ok, nil
}

// Checkpoint accrues every market and writes all snapshots.
func (rt *Runtime) Checkpoint(ctx context.Context) (storage.Checkpoint, error) {
	_, finish := rt.tel.StartCheckpoint(ctx)
	start := time.Now()
	written := 0
	var err error
	defer func() {
		finish(written, err)
		rt.metrics.RecordCheckpoint(time.Since(start), err)
	}()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, symbol := range rt.order {
		m := rt.markets[symbol]
		if err = m.Accrue(); err != nil {
			return storage.Checkpoint{}, err
		}
		rt.publishSummary(m)
	}
	if rt.store == nil {
		return storage.Checkpoint{Time: uint64(rt.clock().Unix())}, nil
	}
	markets, ledgers := rt.snapshotters()
	var cp storage.Checkpoint
	if cp, err = rt.store.Save(rt.clock(), markets, ledgers); err != nil {
		return storage.Checkpoint{}, err
	}
	written = len(cp.Markets)
	return cp, nil
}

func (rt *Runtime) publishSummary(m *lending.Market) {
	s, err := m.Summary()
	if err != nil {
		rt.logger.Warn("market summary failed", slog.String("market", m.Symbol()), slog.Any("error", err))
		return
	}
	for field, v := range map[string]uint256.Int{
		"total_assets":             s.TotalAssets,
		"floating_assets":          s.FloatingAssets,
		"floating_debt":            s.FloatingDebt,
		"floating_backup_borrowed": s.FloatingBackupBorrowed,
		"earnings_accumulator":     s.EarningsAccumulator,
	} {
		rt.metrics.SetMarketAmount(s.Symbol, field, v.ToBig())
	}
	rt.metrics.SetUtilization(s.Symbol, s.FloatingUtilization.ToBig())
}
