package lending

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	fp "termlend/native/lending/fixedpoint"
	"termlend/native/lending/fixedpool"
)

const interval = fixedpool.Interval

func makeAddress(suffix byte) common.Address {
	var addr common.Address
	addr[19] = suffix
	return addr
}

var (
	alice = makeAddress(0xa1)
	bob   = makeAddress(0xb0)
	carol = makeAddress(0xc0)
)

func eth(n uint64) uint256.Int { return fp.Wad(n) }

// milli returns n thousandths of one whole unit.
func milli(n uint64) uint256.Int { return fp.Mul(fp.FromUint64(n), fp.FromUint64(1e15)) }

type fakeClock struct{ ts int64 }

func (c *fakeClock) Now() time.Time { return time.Unix(c.ts, 0) }
func (c *fakeClock) Set(ts uint64) { c.ts = int64(ts) }
func (c *fakeClock) Advance(d uint64) { c.ts += int64(d) }

// mockAsset records transfers instead of moving balances.
type mockAsset struct {
	pulled map[common.Address]uint256.Int
	pushed map[common.Address]uint256.Int
	onPull func() error
}

func newMockAsset() *mockAsset {
	return &mockAsset{
		pulled: make(map[common.Address]uint256.Int),
		pushed: make(map[common.Address]uint256.Int),
	}
}

func (a *mockAsset) Pull(_ context.Context, from common.Address, amount uint256.Int) error {
	if a.onPull != nil {
		if err := a.onPull(); err != nil {
			return err
		}
	}
	a.pulled[from] = fp.Add(a.pulled[from], amount)
	return nil
}

func (a *mockAsset) Push(_ context.Context, to common.Address, amount uint256.Int) error {
	a.pushed[to] = fp.Add(a.pushed[to], amount)
	return nil
}

// stubAuditor values every market at a price of one, applies a single
// collateral factor and seizes seizeRatio collateral per repaid asset.
type stubAuditor struct {
	markets    []*Market
	adjust     uint256.Int
	seizeRatio uint256.Int
}

func newStubAuditor(adjust uint256.Int, markets ...*Market) *stubAuditor {
	return &stubAuditor{markets: markets, adjust: adjust, seizeRatio: fp.WAD}
}

func (s *stubAuditor) market(symbol string) (*Market, error) {
	for _, m := range s.markets {
		if m.Symbol() == symbol {
			return m, nil
		}
	}
	return nil, ErrMarketNotListed
}

func (s *stubAuditor) AccountLiquidity(_ context.Context, account common.Address) (collateral, debt uint256.Int, err error) {
	for _, m := range s.markets {
		snap, err := m.AccountSnapshot(account)
		if err != nil {
			return fp.Zero, fp.Zero, err
		}
		collateral = fp.Add(collateral, fp.MulWadDown(snap.Assets, s.adjust))
		debt = fp.Add(debt, snap.Debt)
	}
	return collateral, debt, nil
}

func (s *stubAuditor) CheckLiquidation(ctx context.Context, repayMarket, seizeMarket string, borrower common.Address, maxAssets uint256.Int) (uint256.Int, error) {
	collateral, debt, err := s.AccountLiquidity(ctx, borrower)
	if err != nil {
		return fp.Zero, err
	}
	if !debt.Gt(&collateral) {
		return fp.Zero, ErrInsufficientShortfall
	}
	repay, err := s.market(repayMarket)
	if err != nil {
		return fp.Zero, err
	}
	seize, err := s.market(seizeMarket)
	if err != nil {
		return fp.Zero, err
	}
	snap, err := repay.AccountSnapshot(borrower)
	if err != nil {
		return fp.Zero, err
	}
	available, err := seize.MaxWithdraw(borrower)
	if err != nil {
		return fp.Zero, err
	}
	limit := fp.Min(maxAssets, snap.Debt)
	return fp.Min(limit, fp.DivWadDown(available, s.seizeRatio)), nil
}

func (s *stubAuditor) CalculateSeize(_ context.Context, _, seizeMarket string, borrower common.Address, repaid uint256.Int) (uint256.Int, uint256.Int, error) {
	seize, err := s.market(seizeMarket)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	available, err := seize.MaxWithdraw(borrower)
	if err != nil {
		return fp.Zero, fp.Zero, err
	}
	return fp.Zero, fp.Min(fp.MulWadUp(repaid, s.seizeRatio), available), nil
}

func (s *stubAuditor) CheckSeize(_ context.Context, repayMarket, seizeMarket string) error {
	if _, err := s.market(repayMarket); err != nil {
		return err
	}
	_, err := s.market(seizeMarket)
	return err
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *fakeClock
	asset  *mockAsset
	events *events.Collector
	market *Market
}

// testParams keeps the defaults but drops the backup fee so pool arithmetic
// in tests stays round.
func testParams() Params {
	p := DefaultParams()
	p.BackupFeeRate = fp.Zero
	return p
}

func fixedRate(percent uint64) ConstantRateModel {
	return ConstantRateModel{Fixed: fp.FromUint64(percent * 1e16)}
}

func newHarness(t *testing.T, symbol string, params Params, irm InterestRateModel, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  &fakeClock{},
		asset:  newMockAsset(),
		events: &events.Collector{},
	}
	base := []Option{WithClock(h.clock.Now), WithAsset(h.asset), WithEmitter(h.events)}
	market, err := New(symbol, params, irm, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	h.market = market
	return h
}

func (h *harness) deposit(who common.Address, assets uint256.Int) uint256.Int {
	h.t.Helper()
	shares, err := h.market.Deposit(h.ctx, who, assets, who)
	if err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
	return shares
}

func (h *harness) summary() Summary {
	h.t.Helper()
	s, err := h.market.Summary()
	if err != nil {
		h.t.Fatalf("summary: %v", err)
	}
	return s
}

func requireEqual(t *testing.T, name string, got, want uint256.Int) {
	t.Helper()
	if !got.Eq(&want) {
		t.Fatalf("%s: got %s want %s", name, got.Dec(), want.Dec())
	}
}

// requireBackupConsistent checks that the floating pool's backup debt is
// the sum of every pool's backup supply.
func requireBackupConsistent(t *testing.T, m *Market) {
	t.Helper()
	var sum uint256.Int
	for _, pool := range m.Pools() {
		sum = fp.Add(sum, pool.BackupSupplied)
	}
	s, err := m.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	requireEqual(t, "floating backup borrowed", s.FloatingBackupBorrowed, sum)
	used := fp.Add(s.FloatingBackupBorrowed, s.FloatingDebt)
	if used.Gt(&s.FloatingAssets) {
		t.Fatalf("backup %s + debt %s exceeds floating assets %s", s.FloatingBackupBorrowed.Dec(), s.FloatingDebt.Dec(), s.FloatingAssets.Dec())
	}
}

func TestBorrowAtMaturityChargesFee(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(10))
	h.deposit(alice, eth(10))

	owed, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(1), milli(1100), bob, bob)
	if err != nil {
		t.Fatalf("borrow at maturity: %v", err)
	}
	requireEqual(t, "owed", owed, milli(1100))

	pos := h.market.FixedBorrowPosition(interval, bob)
	requireEqual(t, "principal", pos.Principal, eth(1))
	requireEqual(t, "fee", pos.Fee, milli(100))

	pool := h.market.Pool(interval)
	requireEqual(t, "pool borrowed", pool.Borrowed, eth(1))
	requireEqual(t, "unassigned", pool.UnassignedEarnings, milli(100))
	requireEqual(t, "backup", h.summary().FloatingBackupBorrowed, eth(1))
	requireEqual(t, "pushed", h.asset.pushed[bob], eth(1))
	requireBackupConsistent(t, h.market)

	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(1), milli(1099), bob, bob); !errors.Is(err, ErrDisagreement) {
		t.Fatalf("expected disagreement, got %v", err)
	}
	requireEqual(t, "principal after rejected borrow", h.market.FixedBorrowPosition(interval, bob).Principal, eth(1))
}

func TestLateDepositorPaysForAccruedEarnings(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(10))
	h.deposit(alice, eth(10_000))

	h.clock.Set(interval)
	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, 2*interval, eth(1000), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow at maturity: %v", err)
	}

	h.clock.Set(interval + interval/2)
	total, err := h.market.TotalAssets()
	if err != nil {
		t.Fatalf("total assets: %v", err)
	}
	requireEqual(t, "total assets", total, eth(10_050))

	shares := h.deposit(carol, eth(10_000))
	requireEqual(t, "late shares", shares, fp.MulDivDown(eth(10_000), eth(10_000), eth(10_050)))
	whole := fp.Div(shares, fp.WAD)
	if whole.Uint64() != 9950 {
		t.Fatalf("expected about 9950 shares, got %s", shares.Dec())
	}
}

func TestAccumulatorReleasesAtOnceWithoutSmoothing(t *testing.T) {
	params := testParams()
	params.EarningsAccumulatorSmoothFactor = fp.Zero
	h := newHarness(t, "dai", params, fixedRate(10))
	h.deposit(alice, eth(100))
	if _, err := h.market.DepositAtMaturity(h.ctx, alice, interval, eth(50), fp.Zero, alice); err != nil {
		t.Fatalf("deposit at maturity: %v", err)
	}
	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(10), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow at maturity: %v", err)
	}
	requireEqual(t, "accumulator", h.summary().EarningsAccumulator, eth(1))

	h.clock.Advance(1)
	pending, err := h.market.AccumulatedEarnings()
	if err != nil {
		t.Fatalf("accumulated earnings: %v", err)
	}
	requireEqual(t, "pending release", pending, eth(1))

	h.deposit(carol, eth(1))
	s := h.summary()
	requireEqual(t, "accumulator after deposit", s.EarningsAccumulator, fp.Zero)
	requireEqual(t, "floating assets", s.FloatingAssets, eth(102))
}

func TestAccumulatorReleaseFollowsExponentialCurve(t *testing.T) {
	params := testParams()
	h := newHarness(t, "dai", params, fixedRate(10))
	h.deposit(alice, eth(100))
	if _, err := h.market.DepositAtMaturity(h.ctx, alice, interval, eth(50), fp.Zero, alice); err != nil {
		t.Fatalf("deposit at maturity: %v", err)
	}
	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(10), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow at maturity: %v", err)
	}

	// One horizon: smooth factor 2 times three pools times the interval.
	h.clock.Advance(2 * params.MaxFuturePools * interval)
	pending, err := h.market.AccumulatedEarnings()
	if err != nil {
		t.Fatalf("accumulated earnings: %v", err)
	}
	want := fp.MulWadDown(eth(1), fp.Sub(fp.WAD, fp.ExpNegWad(fp.WAD)))
	requireEqual(t, "pending release", pending, want)
	lo, hi := milli(632), milli(633)
	if pending.Lt(&lo) || pending.Gt(&hi) {
		t.Fatalf("release %s outside [0.632, 0.633]", pending.Dec())
	}
}

func TestFloatingAssetsAverageStaysBounded(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(0))
	h.deposit(alice, eth(100))

	h.clock.Set(60)
	avg, err := h.market.FloatingAssetsAverage()
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	hundred := eth(100)
	if avg.IsZero() || !avg.Lt(&hundred) {
		t.Fatalf("average %s should lie strictly inside (0, 100)", avg.Dec())
	}

	h.clock.Set(9500)
	avg, err = h.market.FloatingAssetsAverage()
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	requireEqual(t, "converged average", avg, eth(100))

	h.deposit(bob, eth(1))
	if _, err := h.market.Withdraw(h.ctx, alice, eth(50), alice, alice); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	h.clock.Advance(1)
	avg, err = h.market.FloatingAssetsAverage()
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	lo, hi := eth(51), eth(101)
	if avg.Lt(&lo) || avg.Gt(&hi) {
		t.Fatalf("average %s escaped [51, 101]", avg.Dec())
	}
}

func TestFloatingInterestAccrual(t *testing.T) {
	params := testParams()
	treasury := makeAddress(0xee)
	params.Treasury = treasury
	params.TreasuryFeeRate = fp.FromUint64(1e17)
	h := newHarness(t, "dai", params, ConstantRateModel{Floating: fp.FromUint64(1e17)})
	h.deposit(alice, eth(100))
	if _, err := h.market.Borrow(h.ctx, bob, eth(10), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	h.clock.Advance(secondsPerYear)
	debt, err := h.market.PreviewDebt(bob)
	if err != nil {
		t.Fatalf("preview debt: %v", err)
	}
	requireEqual(t, "debt after a year", debt, eth(11))

	if err := h.market.Accrue(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	first, err := h.market.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := h.market.Accrue(); err != nil {
		t.Fatalf("accrue again: %v", err)
	}
	second, err := h.market.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("accruing twice at the same time changed state")
	}

	s := h.summary()
	requireEqual(t, "floating debt", s.FloatingDebt, eth(11))
	requireEqual(t, "floating assets", s.FloatingAssets, eth(101))
	if shares := h.market.BalanceOf(treasury); shares.IsZero() {
		t.Fatalf("treasury received no shares")
	}
}

func TestDepositRedeemRoundTrip(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(0))
	shares := h.deposit(alice, eth(7))
	requireEqual(t, "shares", shares, eth(7))

	assets, err := h.market.Redeem(h.ctx, alice, shares, alice, alice)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	requireEqual(t, "redeemed", assets, eth(7))
	requireEqual(t, "pulled", h.asset.pulled[alice], eth(7))
	requireEqual(t, "pushed", h.asset.pushed[alice], eth(7))
	requireEqual(t, "supply", h.market.TotalSupply(), fp.Zero)
}

func TestWithdrawAtMaturityBoundary(t *testing.T) {
	setup := func(t *testing.T) *harness {
		h := newHarness(t, "dai", DefaultParams(), fixedRate(10))
		h.deposit(alice, eth(100))
		if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(10), fp.MaxUint256, bob, bob); err != nil {
			t.Fatalf("borrow at maturity: %v", err)
		}
		position, err := h.market.DepositAtMaturity(h.ctx, carol, interval, eth(5), fp.Zero, carol)
		if err != nil {
			t.Fatalf("deposit at maturity: %v", err)
		}
		// Half the pool's earnings, less the ten percent backup fee.
		requireEqual(t, "position", position, fp.Add(eth(5), milli(450)))
		requireEqual(t, "unassigned", h.market.Pool(interval).UnassignedEarnings, milli(500))
		return h
	}

	t.Run("before maturity", func(t *testing.T) {
		h := setup(t)
		h.clock.Set(interval - 1)
		got, err := h.market.WithdrawAtMaturity(h.ctx, carol, interval, eth(1), fp.Zero, carol, carol)
		if err != nil {
			t.Fatalf("withdraw at maturity: %v", err)
		}
		requireEqual(t, "discounted", got, fp.DivWadDown(eth(1), milli(1100)))
		if pool := h.market.Pool(interval); pool.UnassignedEarnings.IsZero() {
			t.Fatalf("unassigned earnings should remain before maturity")
		}
		requireBackupConsistent(t, h.market)
	})

	t.Run("after maturity", func(t *testing.T) {
		h := setup(t)
		h.clock.Set(interval + 1)
		got, err := h.market.WithdrawAtMaturity(h.ctx, carol, interval, eth(1), fp.Zero, carol, carol)
		if err != nil {
			t.Fatalf("withdraw at maturity: %v", err)
		}
		requireEqual(t, "withdrawn", got, eth(1))
		requireEqual(t, "unassigned", h.market.Pool(interval).UnassignedEarnings, fp.Zero)
		requireBackupConsistent(t, h.market)
	})
}

// recordingRateModel remembers the pool state each fixed rate was priced at.
type recordingRateModel struct {
	InterestRateModel
	calls []rateCall
}

type rateCall struct {
	amount, borrowed, supplied uint256.Int
	rate                       uint256.Int
}

func (r *recordingRateModel) FixedBorrowRate(maturity, now uint64, amount, borrowed, supplied, backupAssets uint256.Int) (uint256.Int, error) {
	rate, err := r.InterestRateModel.FixedBorrowRate(maturity, now, amount, borrowed, supplied, backupAssets)
	r.calls = append(r.calls, rateCall{amount: amount, borrowed: borrowed, supplied: supplied, rate: rate})
	return rate, err
}

func TestEarlyWithdrawPricedBeforeWithdrawal(t *testing.T) {
	irm := &recordingRateModel{InterestRateModel: DefaultKinkedRateModel()}
	h := newHarness(t, "dai", testParams(), irm)
	h.deposit(alice, eth(100))
	h.clock.Set(86_400)

	maturity := 2 * interval
	if _, err := h.market.DepositAtMaturity(h.ctx, carol, maturity, eth(10), fp.Zero, carol); err != nil {
		t.Fatalf("deposit at maturity: %v", err)
	}
	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, maturity, eth(10), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow at maturity: %v", err)
	}

	h.clock.Set(interval)
	before := h.market.Pool(maturity)
	irm.calls = nil
	got, err := h.market.WithdrawAtMaturity(h.ctx, carol, maturity, eth(5), fp.Zero, carol, carol)
	if err != nil {
		t.Fatalf("withdraw at maturity: %v", err)
	}
	if len(irm.calls) != 1 {
		t.Fatalf("expected one rate lookup, got %d", len(irm.calls))
	}
	call := irm.calls[0]
	requireEqual(t, "priced amount", call.amount, eth(5))
	requireEqual(t, "priced borrowed", call.borrowed, before.Borrowed)
	requireEqual(t, "priced supplied", call.supplied, before.Supplied)
	requireEqual(t, "supplied before", before.Supplied, eth(10))
	if call.rate.IsZero() {
		t.Fatalf("expected a positive term rate")
	}
	requireEqual(t, "discounted", got, fp.DivWadDown(eth(5), fp.Add(fp.WAD, call.rate)))
	requireEqual(t, "supplied after", h.market.Pool(maturity).Supplied, eth(5))
	requireBackupConsistent(t, h.market)
}

func TestRepayAtMaturity(t *testing.T) {
	cases := []struct {
		name string
		at   uint64
		want func(pos fixedpool.Position) uint256.Int
	}{
		{
			name: "on time",
			at:   interval,
			want: func(pos fixedpool.Position) uint256.Int { return pos.Total() },
		},
		{
			name: "one day late",
			at:   interval + 86_400,
			want: func(pos fixedpool.Position) uint256.Int {
				penalty := fp.MulWadDown(pos.Total(), fp.Mul(fp.FromUint64(86_400), DefaultParams().PenaltyRate))
				return fp.Add(pos.Total(), penalty)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "dai", testParams(), fixedRate(10))
			h.deposit(alice, eth(100))
			if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(10), fp.MaxUint256, bob, bob); err != nil {
				t.Fatalf("borrow at maturity: %v", err)
			}
			pos := h.market.FixedBorrowPosition(interval, bob)
			h.clock.Set(tc.at)
			repaid, err := h.market.RepayAtMaturity(h.ctx, bob, interval, pos.Total(), fp.MaxUint256, bob)
			if err != nil {
				t.Fatalf("repay at maturity: %v", err)
			}
			requireEqual(t, "repaid", repaid, tc.want(pos))
			if !h.market.FixedBorrowPosition(interval, bob).IsZero() {
				t.Fatalf("position should be closed")
			}
			requireEqual(t, "backup", h.summary().FloatingBackupBorrowed, fp.Zero)
		})
	}
}

func TestEarlyRepayEarnsDiscount(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(10))
	h.deposit(alice, eth(100))
	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(10), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow at maturity: %v", err)
	}
	h.clock.Set(interval / 2)
	repaid, err := h.market.RepayAtMaturity(h.ctx, bob, interval, eth(11), fp.MaxUint256, bob)
	if err != nil {
		t.Fatalf("repay at maturity: %v", err)
	}
	// Half of the fee accrued to the floating pool; the rest is returned.
	requireEqual(t, "repaid", repaid, milli(10_500))
	requireEqual(t, "unassigned", h.market.Pool(interval).UnassignedEarnings, fp.Zero)
	requireEqual(t, "floating assets", h.summary().FloatingAssets, milli(100_500))
}

func TestFixedOperationsRejectBadMaturities(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(10))
	h.deposit(alice, eth(100))
	h.clock.Set(interval + 10)

	cases := []struct {
		maturity uint64
		want     error
	}{
		{maturity: interval + 1, want: ErrInvalidMaturity},
		{maturity: interval, want: ErrMaturityMatured},
		{maturity: 5 * interval, want: ErrMaturityNotReady},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.maturity), func(t *testing.T) {
			_, err := h.market.DepositAtMaturity(h.ctx, alice, tc.maturity, eth(1), fp.Zero, alice)
			if !errors.Is(err, tc.want) {
				t.Fatalf("deposit at %d: expected %v, got %v", tc.maturity, tc.want, err)
			}
			_, err = h.market.BorrowAtMaturity(h.ctx, alice, tc.maturity, eth(1), fp.MaxUint256, alice, alice)
			if !errors.Is(err, tc.want) {
				t.Fatalf("borrow at %d: expected %v, got %v", tc.maturity, tc.want, err)
			}
		})
	}

	h.clock.Set(2 * interval)
	if _, err := h.market.BorrowAtMaturity(h.ctx, alice, 2*interval, eth(1), fp.MaxUint256, alice, alice); !errors.Is(err, ErrMaturityMatured) {
		t.Fatalf("borrow at the maturity second: expected matured, got %v", err)
	}
}

func TestBackupDebtStaysConsistent(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(5))
	h.deposit(alice, eth(100))
	steps := []func() error{
		func() error {
			_, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(20), fp.MaxUint256, bob, bob)
			return err
		},
		func() error {
			_, err := h.market.DepositAtMaturity(h.ctx, carol, interval, eth(5), fp.Zero, carol)
			return err
		},
		func() error {
			_, err := h.market.BorrowAtMaturity(h.ctx, bob, 2*interval, eth(30), fp.MaxUint256, bob, bob)
			return err
		},
		func() error {
			_, err := h.market.DepositAtMaturity(h.ctx, carol, 2*interval, eth(40), fp.Zero, carol)
			return err
		},
		func() error {
			_, err := h.market.WithdrawAtMaturity(h.ctx, carol, interval, eth(3), fp.Zero, carol, carol)
			return err
		},
		func() error {
			_, err := h.market.RepayAtMaturity(h.ctx, bob, interval, eth(7), fp.MaxUint256, bob)
			return err
		},
	}
	for i, step := range steps {
		h.clock.Advance(3600)
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		requireBackupConsistent(t, h.market)
	}
}

func TestProtocolLiquidityLimitsBorrows(t *testing.T) {
	params := testParams()
	params.ReserveFactor = fp.FromUint64(1e17)
	h := newHarness(t, "dai", params, fixedRate(1))
	h.deposit(alice, eth(100))

	if _, err := h.market.Borrow(h.ctx, bob, milli(90_001), fp.MaxUint256, bob, bob); !errors.Is(err, ErrInsufficientProtocolLiquidity) {
		t.Fatalf("expected insufficient protocol liquidity, got %v", err)
	}
	if _, err := h.market.Borrow(h.ctx, bob, eth(60), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(31), fp.MaxUint256, bob, bob); !errors.Is(err, ErrInsufficientProtocolLiquidity) {
		t.Fatalf("expected insufficient protocol liquidity, got %v", err)
	}
	if _, err := h.market.Withdraw(h.ctx, alice, eth(41), alice, alice); !errors.Is(err, ErrInsufficientProtocolLiquidity) {
		t.Fatalf("expected insufficient protocol liquidity, got %v", err)
	}
}
