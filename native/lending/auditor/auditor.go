package auditor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/native/lending"
	fp "termlend/native/lending/fixedpoint"
)

var (
	ErrMarketAlreadyListed = errors.New("auditor: market already listed")
	ErrInvalidAdjustFactor = errors.New("auditor: adjust factor must be within (0, 0.9]")
	ErrInvalidIncentive    = errors.New("auditor: incentives must not exceed 0.2 each")
)

// Market is the view of a listed market the auditor needs. *lending.Market
// satisfies it.
type Market interface {
	Symbol() string
	AccountSnapshot(account common.Address) (lending.AccountSnapshot, error)
	MaxWithdraw(owner common.Address) (uint256.Int, error)
	ClearBadDebt(ctx context.Context, borrower common.Address) (uint256.Int, error)
}

// LiquidationIncentive is paid on top of the repaid amount: the liquidator
// share through seized collateral, the lenders share by the liquidator.
type LiquidationIncentive struct {
	Liquidator uint256.Int
	Lenders    uint256.Int
}

func (i LiquidationIncentive) total() uint256.Int {
	return fp.Add(fp.WAD, fp.Add(i.Liquidator, i.Lenders))
}

// DefaultIncentive pays liquidators 9% and lenders 1%.
func DefaultIncentive() LiquidationIncentive {
	return LiquidationIncentive{Liquidator: fp.FromUint64(9e16), Lenders: fp.FromUint64(1e16)}
}

// DefaultTargetHealth is the health factor a liquidation aims to restore.
var DefaultTargetHealth = fp.FromUint64(125e16)

var maxAdjustFactor = fp.FromUint64(9e17)
var maxIncentive = fp.FromUint64(2e17)

type listing struct {
	market       Market
	adjustFactor uint256.Int
	unit         uint256.Int
}

// Auditor values accounts across every listed market. Prices come from the
// oracle per whole unit of each asset, wad-scaled.
type Auditor struct {
	oracle Oracle

	mu           sync.RWMutex
	incentive    LiquidationIncentive
	targetHealth uint256.Int
	markets      map[string]*listing
	order        []string
}

type Option func(*Auditor)

func WithIncentive(i LiquidationIncentive) Option {
	return func(a *Auditor) { a.incentive = i }
}

func WithTargetHealth(h uint256.Int) Option {
	return func(a *Auditor) { a.targetHealth = h }
}

func New(oracle Oracle, opts ...Option) *Auditor {
	a := &Auditor{
		oracle:       oracle,
		incentive:    DefaultIncentive(),
		targetHealth: DefaultTargetHealth,
		markets:      make(map[string]*listing),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EnableMarket lists m with its collateral adjust factor and the number of
// decimals of its asset.
func (a *Auditor) EnableMarket(m Market, adjustFactor uint256.Int, decimals uint8) error {
	if err := validateAdjustFactor(adjustFactor); err != nil {
		return err
	}
	if decimals > 36 {
		return fmt.Errorf("auditor: %d decimals not supported", decimals)
	}
	symbol := strings.ToUpper(m.Symbol())
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.markets[symbol]; ok {
		return fmt.Errorf("%s: %w", symbol, ErrMarketAlreadyListed)
	}
	var unit uint256.Int
	unit.Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	a.markets[symbol] = &listing{market: m, adjustFactor: adjustFactor, unit: unit}
	a.order = append(a.order, symbol)
	sort.Strings(a.order)
	return nil
}

func validateAdjustFactor(f uint256.Int) error {
	if f.IsZero() || f.Gt(&maxAdjustFactor) {
		return ErrInvalidAdjustFactor
	}
	return nil
}

func (a *Auditor) SetAdjustFactor(symbol string, adjustFactor uint256.Int) error {
	if err := validateAdjustFactor(adjustFactor); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.markets[strings.ToUpper(symbol)]
	if !ok {
		return fmt.Errorf("%s: %w", symbol, lending.ErrMarketNotListed)
	}
	l.adjustFactor = adjustFactor
	return nil
}

func (a *Auditor) SetLiquidationIncentive(i LiquidationIncentive) error {
	if i.Liquidator.Gt(&maxIncentive) || i.Lenders.Gt(&maxIncentive) {
		return ErrInvalidIncentive
	}
	a.mu.Lock()
	a.incentive = i
	a.mu.Unlock()
	return nil
}

// Markets lists the listed symbols in order.
func (a *Auditor) Markets() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

func (a *Auditor) AdjustFactor(symbol string) (uint256.Int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.markets[strings.ToUpper(symbol)]
	if !ok {
		return fp.Zero, false
	}
	return l.adjustFactor, true
}

func (a *Auditor) listing(symbol string) (*listing, error) {
	l, ok := a.markets[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, lending.ErrMarketNotListed)
	}
	return l, nil
}

func (a *Auditor) price(symbol string) (uint256.Int, error) {
	if a.oracle == nil {
		return fp.Zero, errors.New("auditor: oracle not configured")
	}
	price, err := a.oracle.Price(symbol)
	if err != nil {
		return fp.Zero, fmt.Errorf("auditor: price %s: %w", symbol, err)
	}
	return price, nil
}

// accountTotals aggregates an account in the oracle's unit. Adjusted debt is
// inflated by the adjust factor rather than the collateral deflated twice.
type accountTotals struct {
	adjustedCollateral uint256.Int
	adjustedDebt       uint256.Int
	totalCollateral    uint256.Int
	totalDebt          uint256.Int
	seizeAvailable     uint256.Int
}

func (a *Auditor) totals(account common.Address, seizeMarket string) (t accountTotals, err error) {
	defer fp.Recover(&err)
	for _, symbol := range a.order {
		l := a.markets[symbol]
		snap, err := l.market.AccountSnapshot(account)
		if err != nil {
			return t, err
		}
		if snap.Assets.IsZero() && snap.Debt.IsZero() {
			continue
		}
		price, err := a.price(symbol)
		if err != nil {
			return t, err
		}
		collateral := fp.MulDivDown(snap.Assets, price, l.unit)
		t.totalCollateral = fp.Add(t.totalCollateral, collateral)
		t.adjustedCollateral = fp.Add(t.adjustedCollateral, fp.MulWadDown(collateral, l.adjustFactor))
		if symbol == seizeMarket {
			t.seizeAvailable = collateral
		}
		if !snap.Debt.IsZero() {
			debt := fp.MulDivUp(snap.Debt, price, l.unit)
			t.totalDebt = fp.Add(t.totalDebt, debt)
			t.adjustedDebt = fp.Add(t.adjustedDebt, fp.DivWadUp(debt, l.adjustFactor))
		}
	}
	return t, nil
}

// AccountLiquidity returns adjusted collateral and adjusted debt across all
// markets.
func (a *Auditor) AccountLiquidity(_ context.Context, account common.Address) (collateral, debt uint256.Int, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, err := a.totals(account, "")
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	return t.adjustedCollateral, t.adjustedDebt, nil
}

// CheckLiquidation sizes a liquidation so that the borrower's health moves
// to the target, bounded by the collateral in the seize market and by what
// the liquidator is willing to pay including the lenders incentive.
func (a *Auditor) CheckLiquidation(_ context.Context, repayMarket, seizeMarket string, borrower common.Address, maxLiquidatorAssets uint256.Int) (maxRepay uint256.Int, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	defer fp.Recover(&err)
	repay, err := a.listing(repayMarket)
	if err != nil {
		return fp.Zero, err
	}
	if _, err := a.listing(seizeMarket); err != nil {
		return fp.Zero, err
	}
	t, err := a.totals(borrower, strings.ToUpper(seizeMarket))
	if err != nil {
		return fp.Zero, err
	}
	if !t.adjustedDebt.Gt(&t.adjustedCollateral) {
		return fp.Zero, lending.ErrInsufficientShortfall
	}

	incentive := a.incentive.total()
	closeFactor := fp.WAD
	if !t.totalCollateral.IsZero() {
		health := fp.DivWadUp(t.adjustedCollateral, t.adjustedDebt)
		adjustFactor := fp.DivWadUp(fp.MulWadDown(t.adjustedCollateral, t.totalDebt), fp.MulWadUp(t.adjustedDebt, t.totalCollateral))
		floor := fp.MulWadDown(adjustFactor, incentive)
		if a.targetHealth.Gt(&floor) {
			closeFactor = fp.Min(fp.WAD, fp.DivWadUp(fp.Sub(a.targetHealth, health), fp.Sub(a.targetHealth, floor)))
		}
	}
	value := fp.Min(fp.MulWadUp(t.totalDebt, closeFactor), fp.DivWadUp(t.seizeAvailable, incentive))

	price, err := a.price(strings.ToUpper(repayMarket))
	if err != nil {
		return fp.Zero, err
	}
	if price.IsZero() {
		return fp.Zero, fmt.Errorf("auditor: zero price for %s", repayMarket)
	}
	maxRepay = fp.MulDivUp(value, repay.unit, price)
	if !maxLiquidatorAssets.Eq(&fp.MaxUint256) {
		maxRepay = fp.Min(maxRepay, fp.DivWadDown(maxLiquidatorAssets, fp.Add(fp.WAD, a.incentive.Lenders)))
	}
	return maxRepay, nil
}

// CalculateSeize converts repaid assets into collateral of the seize
// market, rounding in favour of the liquidator and capping at the
// borrower's deposit there.
func (a *Auditor) CalculateSeize(_ context.Context, repayMarket, seizeMarket string, borrower common.Address, repaidAssets uint256.Int) (lendersAssets, seizeAssets uint256.Int, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	defer fp.Recover(&err)
	repay, err := a.listing(repayMarket)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	seize, err := a.listing(seizeMarket)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	repayPrice, err := a.price(strings.ToUpper(repayMarket))
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	seizePrice, err := a.price(strings.ToUpper(seizeMarket))
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	if seizePrice.IsZero() {
		return fp.Zero, fp.Zero, fmt.Errorf("auditor: zero price for %s", seizeMarket)
	}
	base := fp.MulDivUp(repaidAssets, repayPrice, repay.unit)
	seizeAssets = fp.MulWadUp(fp.MulDivUp(base, seize.unit, seizePrice), a.incentive.total())
	available, err := seize.market.MaxWithdraw(borrower)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	lendersAssets = fp.MulWadDown(repaidAssets, a.incentive.Lenders)
	return lendersAssets, fp.Min(seizeAssets, available), nil
}

func (a *Auditor) CheckSeize(_ context.Context, repayMarket, seizeMarket string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, err := a.listing(repayMarket); err != nil {
		return err
	}
	_, err := a.listing(seizeMarket)
	return err
}

// HandleBadDebt writes off account's debt in every market once it holds no
// deposit anywhere. It must be called outside any market operation; it is a
// no-op while any collateral remains.
func (a *Auditor) HandleBadDebt(ctx context.Context, account common.Address) (map[string]uint256.Int, error) {
	a.mu.RLock()
	markets := make([]*listing, 0, len(a.order))
	for _, symbol := range a.order {
		markets = append(markets, a.markets[symbol])
	}
	a.mu.RUnlock()

	for _, l := range markets {
		assets, err := l.market.MaxWithdraw(account)
		if err != nil {
			return nil, err
		}
		if !assets.IsZero() {
			return nil, nil
		}
	}
	written := make(map[string]uint256.Int)
	for _, l := range markets {
		snap, err := l.market.AccountSnapshot(account)
		if err != nil {
			return written, err
		}
		if snap.Debt.IsZero() {
			continue
		}
		amount, err := l.market.ClearBadDebt(ctx, account)
		if err != nil {
			return written, fmt.Errorf("auditor: clear bad debt in %s: %w", l.market.Symbol(), err)
		}
		written[l.market.Symbol()] = amount
	}
	return written, nil
}
