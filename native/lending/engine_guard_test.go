package lending

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	nativecommon "termlend/native/common"
	fp "termlend/native/lending/fixedpoint"
)

type stubPauseView struct {
	paused map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.paused == nil {
		return false
	}
	return s.paused[module]
}

type stubRoles map[common.Address]string

func (s stubRoles) HasRole(role string, account common.Address) bool {
	return s[account] == role
}

func TestPauseBlocksOperations(t *testing.T) {
	for _, module := range []string{"lending", "lending.DAI"} {
		t.Run(module, func(t *testing.T) {
			pauses := stubPauseView{paused: map[string]bool{}}
			h := newHarness(t, "dai", testParams(), fixedRate(10), WithPauses(pauses))
			h.deposit(alice, eth(10))

			pauses.paused[module] = true
			if _, err := h.market.Deposit(h.ctx, alice, eth(1), alice); !errors.Is(err, ErrModulePaused) {
				t.Fatalf("deposit: expected paused, got %v", err)
			}
			if _, err := h.market.Withdraw(h.ctx, alice, eth(1), alice, alice); !errors.Is(err, ErrModulePaused) {
				t.Fatalf("withdraw: expected paused, got %v", err)
			}
			if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(1), fp.MaxUint256, bob, bob); !errors.Is(err, ErrModulePaused) {
				t.Fatalf("borrow at maturity: expected paused, got %v", err)
			}
			if err := h.market.Approve(h.ctx, alice, bob, eth(1)); err != nil {
				t.Fatalf("approve should ignore the pause switch: %v", err)
			}

			delete(pauses.paused, module)
			if _, err := h.market.Deposit(h.ctx, alice, eth(1), alice); err != nil {
				t.Fatalf("deposit after unpause: %v", err)
			}
		})
	}
}

func TestPauseTableGuardsMarket(t *testing.T) {
	table := nativecommon.NewPauseTable()
	h := newHarness(t, "weth", testParams(), fixedRate(0), WithPauses(table))
	table.SetPaused("lending.WETH", true)
	if _, err := h.market.Deposit(h.ctx, alice, eth(1), alice); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	table.SetPaused("lending.WETH", false)
	h.deposit(alice, eth(1))
}

func TestReentrantCallIsRejected(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(0))
	var inner error
	h.asset.onPull = func() error {
		_, inner = h.market.Deposit(h.ctx, bob, eth(1), bob)
		return inner
	}

	_, err := h.market.Deposit(h.ctx, alice, eth(5), alice)
	if !errors.Is(inner, ErrReentrantCall) {
		t.Fatalf("inner call: expected reentrancy error, got %v", inner)
	}
	if !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("outer call: expected reentrancy error, got %v", err)
	}
	requireEqual(t, "supply", h.market.TotalSupply(), fp.Zero)
	requireEqual(t, "alice shares", h.market.BalanceOf(alice), fp.Zero)
	if got := len(h.events.Events()); got != 0 {
		t.Fatalf("expected no events after rollback, got %d", got)
	}

	h.asset.onPull = nil
	h.deposit(alice, eth(5))
}

func TestFailedOperationRollsBack(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(10))
	auditor := newStubAuditor(fp.FromUint64(5e17), h.market)
	h.market.SetAuditor(auditor)
	h.deposit(alice, eth(100))
	h.deposit(bob, eth(10))
	before, err := h.market.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	h.events.Reset()

	if _, err := h.market.Borrow(h.ctx, bob, eth(6), fp.MaxUint256, bob, bob); !errors.Is(err, ErrInsufficientAccountLiquidity) {
		t.Fatalf("borrow: expected insufficient account liquidity, got %v", err)
	}
	if _, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(5), fp.MaxUint256, bob, bob); !errors.Is(err, ErrInsufficientAccountLiquidity) {
		t.Fatalf("borrow at maturity: expected insufficient account liquidity, got %v", err)
	}
	after, err := h.market.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("failed operations changed state")
	}
	if len(h.market.Pools()) != 0 {
		t.Fatalf("rolled back borrow left a pool behind")
	}
	if len(h.events.Events()) != 0 {
		t.Fatalf("failed operations emitted events")
	}
	if len(h.asset.pushed) != 0 {
		t.Fatalf("failed operations moved assets")
	}

	if _, err := h.market.Borrow(h.ctx, bob, eth(5), fp.MaxUint256, bob, bob); err != nil {
		t.Fatalf("borrow within limit: %v", err)
	}
	if _, err := h.market.Withdraw(h.ctx, bob, eth(1), bob, bob); !errors.Is(err, ErrInsufficientAccountLiquidity) {
		t.Fatalf("withdraw: expected insufficient account liquidity, got %v", err)
	}
	if err := h.market.Transfer(h.ctx, bob, carol, eth(1)); !errors.Is(err, ErrInsufficientAccountLiquidity) {
		t.Fatalf("transfer: expected insufficient account liquidity, got %v", err)
	}
}

func TestArithmeticFailureIsReported(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(0))
	h.deposit(alice, eth(1))
	h.deposit(bob, eth(1))

	// More assets than the pool holds underflows floating assets.
	_, err := h.market.Withdraw(h.ctx, alice, eth(3), alice, alice)
	if !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected arithmetic error, got %v", err)
	}
	requireEqual(t, "floating assets", h.summary().FloatingAssets, eth(2))
}

func TestMarketUpdateFollowsEveryOperation(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(0))
	h.deposit(alice, eth(3))
	evts := h.events.Events()
	if len(evts) != 2 {
		t.Fatalf("expected deposit and market update, got %d events", len(evts))
	}
	if evts[0].EventType() != events.TypeLendingDeposit {
		t.Fatalf("unexpected first event %s", evts[0].EventType())
	}
	update, ok := evts[1].(events.LendingMarketUpdate)
	if !ok {
		t.Fatalf("expected market update, got %T", evts[1])
	}
	requireEqual(t, "update floating assets", update.FloatingAssets, eth(3))
	requireEqual(t, "update supply", update.FloatingDepositShares, eth(3))
}

func TestAllowances(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(0))
	h.deposit(alice, eth(10))

	if _, err := h.market.Withdraw(h.ctx, bob, eth(1), bob, alice); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}
	if err := h.market.Approve(h.ctx, alice, bob, eth(2)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := h.market.Withdraw(h.ctx, bob, eth(1), bob, alice); err != nil {
		t.Fatalf("withdraw with allowance: %v", err)
	}
	requireEqual(t, "remaining allowance", h.market.Allowance(alice, bob), eth(1))
	requireEqual(t, "pushed to bob", h.asset.pushed[bob], eth(1))

	if err := h.market.TransferFrom(h.ctx, bob, alice, carol, eth(1)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	requireEqual(t, "allowance spent", h.market.Allowance(alice, bob), fp.Zero)
	requireEqual(t, "carol shares", h.market.BalanceOf(carol), eth(1))

	if err := h.market.Approve(h.ctx, alice, bob, fp.MaxUint256); err != nil {
		t.Fatalf("approve max: %v", err)
	}
	if _, err := h.market.Borrow(h.ctx, bob, eth(1), fp.MaxUint256, bob, alice); err != nil {
		t.Fatalf("borrow on behalf: %v", err)
	}
	requireEqual(t, "max allowance untouched", h.market.Allowance(alice, bob), fp.MaxUint256)
	debt, err := h.market.PreviewDebt(alice)
	if err != nil {
		t.Fatalf("preview debt: %v", err)
	}
	requireEqual(t, "alice debt", debt, eth(1))
}

func TestAdminRequiresRole(t *testing.T) {
	admin := makeAddress(0xad)
	roles := stubRoles{admin: nativecommon.RoleAdmin}
	h := newHarness(t, "dai", testParams(), fixedRate(0), WithAccessControl(roles))

	factor := fp.FromUint64(2e17)
	if err := h.market.SetReserveFactor(alice, factor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := h.market.SetReserveFactor(admin, factor); err != nil {
		t.Fatalf("set reserve factor: %v", err)
	}
	p := h.market.Params()
	requireEqual(t, "reserve factor", p.ReserveFactor, factor)

	if err := h.market.SetReserveFactor(admin, fp.Wad(2)); err == nil {
		t.Fatalf("expected validation error for a factor above one")
	}
	p = h.market.Params()
	requireEqual(t, "reserve factor kept", p.ReserveFactor, factor)

	if err := h.market.SetTreasury(admin, common.Address{}, fp.FromUint64(1e17)); err == nil {
		t.Fatalf("expected a treasury address to be required")
	}
	if err := h.market.SetMaxFuturePools(admin, 6); err != nil {
		t.Fatalf("set max future pools: %v", err)
	}
	if _, err := h.market.DepositAtMaturity(h.ctx, alice, 6*interval, eth(1), fp.Zero, alice); err != nil {
		t.Fatalf("deposit at newly enabled maturity: %v", err)
	}

	updates := h.events.OfType(events.TypeLendingParamsUpdated)
	if len(updates) != 2 {
		t.Fatalf("expected two parameter updates, got %d", len(updates))
	}
}

func TestSetInterestRateModelRestoresOnFailure(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(10))
	if err := h.market.SetInterestRateModel(alice, fixedRate(20)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized without access control, got %v", err)
	}
	h.deposit(alice, eth(10))
	owed, err := h.market.BorrowAtMaturity(h.ctx, bob, interval, eth(1), fp.MaxUint256, bob, bob)
	if err != nil {
		t.Fatalf("borrow at maturity: %v", err)
	}
	requireEqual(t, "owed at original rate", owed, milli(1100))
}

func TestZeroAmountsAreRejected(t *testing.T) {
	h := newHarness(t, "dai", testParams(), fixedRate(0))
	h.deposit(alice, eth(1))
	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"deposit", func() error { _, err := h.market.Deposit(h.ctx, alice, uint256.Int{}, alice); return err }, ErrZeroAmount},
		{"withdraw", func() error { _, err := h.market.Withdraw(h.ctx, alice, uint256.Int{}, alice, alice); return err }, ErrZeroWithdraw},
		{"borrow", func() error { _, err := h.market.Borrow(h.ctx, alice, uint256.Int{}, fp.MaxUint256, alice, alice); return err }, ErrZeroAmount},
		{"repay", func() error { _, _, err := h.market.Repay(h.ctx, alice, uint256.Int{}, alice); return err }, ErrZeroRepay},
		{"repay without debt", func() error { _, _, err := h.market.Repay(h.ctx, alice, eth(1), alice); return err }, ErrZeroRepay},
	}
	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
