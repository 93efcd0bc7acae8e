package lending

import (
	"github.com/holiman/uint256"

	fp "termlend/native/lending/fixedpoint"
	"termlend/native/lending/fixedpool"
)

func elapsedSince(now, last uint64) uint64 {
	if now <= last {
		return 0
	}
	return now - last
}

func (m *Market) floatingUtilization() uint256.Int {
	if m.st.FloatingAssets.IsZero() {
		if m.st.FloatingDebt.IsZero() {
			return fp.Zero
		}
		return fp.WAD
	}
	return fp.DivWadUp(m.st.FloatingDebt, m.st.FloatingAssets)
}

// pendingFloatingDebt is the interest accrued on floating debt since the
// last update.
func (m *Market) pendingFloatingDebt(now uint64) uint256.Int {
	elapsed := elapsedSince(now, m.st.LastFloatingDebtUpdate)
	if elapsed == 0 || m.st.FloatingDebt.IsZero() {
		return fp.Zero
	}
	rate := m.irm.FloatingRate(m.floatingUtilization())
	factor := fp.MulDivDown(rate, fp.FromUint64(elapsed), fp.FromUint64(secondsPerYear))
	return fp.MulWadDown(m.st.FloatingDebt, factor)
}

// totalFloatingBorrowAssets is floating debt including pending interest.
func (m *Market) totalFloatingBorrowAssets(now uint64) uint256.Int {
	return fp.Add(m.st.FloatingDebt, m.pendingFloatingDebt(now))
}

// pendingAccumulatorRelease is the part of the accumulator released since
// the last accrual: accumulator·(1 - exp(-Δt/τ)) with
// τ = smoothFactor·maxFuturePools·Interval.
func (m *Market) pendingAccumulatorRelease(now uint64) uint256.Int {
	acc := m.st.EarningsAccumulator
	elapsed := elapsedSince(now, m.st.LastAccumulatorAccrual)
	if elapsed == 0 || acc.IsZero() {
		return fp.Zero
	}
	smooth := m.params.EarningsAccumulatorSmoothFactor
	if smooth.IsZero() {
		return acc
	}
	horizon := fp.Mul(smooth, fp.FromUint64(m.params.MaxFuturePools*fixedpool.Interval))
	exponent := fp.MulDivDown(fp.Wad(elapsed), fp.WAD, horizon)
	return fp.MulWadDown(acc, fp.Sub(fp.WAD, fp.ExpNegWad(exponent)))
}

// previewAverage moves the floating assets average towards the current
// floating assets: avg += (1 - exp(-speed·Δt))·(assets - avg). The result
// always lies between the previous average and the current assets.
func (m *Market) previewAverage(now uint64) uint256.Int {
	avg := m.st.FloatingAssetsAverage
	assets := m.st.FloatingAssets
	elapsed := elapsedSince(now, m.st.LastAverageUpdate)
	if elapsed == 0 || avg.Eq(&assets) {
		return avg
	}
	speed := m.params.DampSpeedUp
	if assets.Lt(&avg) {
		speed = m.params.DampSpeedDown
	}
	factor := fp.Sub(fp.WAD, fp.ExpNegWad(fp.Mul(speed, fp.FromUint64(elapsed))))
	if assets.Gt(&avg) {
		return fp.Add(avg, fp.MulWadDown(fp.Sub(assets, avg), factor))
	}
	return fp.Sub(avg, fp.MulWadUp(fp.Sub(avg, assets), factor))
}

func (tx *txn) updateAverage() {
	m := tx.m
	m.st.FloatingAssetsAverage = m.previewAverage(tx.now)
	m.st.LastAverageUpdate = tx.now
}

// accrueFloatingDebt books pending interest and returns the treasury's
// share, which the caller must deposit once floating assets are settled.
func (tx *txn) accrueFloatingDebt() (treasuryFee uint256.Int) {
	m := tx.m
	interest := m.pendingFloatingDebt(tx.now)
	m.st.LastFloatingDebtUpdate = tx.now
	if interest.IsZero() {
		return fp.Zero
	}
	treasuryFee = fp.MulWadDown(interest, m.params.TreasuryFeeRate)
	m.st.FloatingDebt = fp.Add(m.st.FloatingDebt, interest)
	m.st.FloatingAssets = fp.Add(m.st.FloatingAssets, fp.Sub(interest, treasuryFee))
	return treasuryFee
}

func (tx *txn) releaseAccumulator() uint256.Int {
	m := tx.m
	released := m.pendingAccumulatorRelease(tx.now)
	m.st.LastAccumulatorAccrual = tx.now
	m.st.EarningsAccumulator = fp.Sub(m.st.EarningsAccumulator, released)
	return released
}

// accrue runs the steps every operation starts with: floating interest,
// then accumulator release, then the treasury's cut of the interest.
func (tx *txn) accrue() {
	m := tx.m
	treasuryFee := tx.accrueFloatingDebt()
	m.st.FloatingAssets = fp.Add(m.st.FloatingAssets, tx.releaseAccumulator())
	tx.depositToTreasury(treasuryFee)
}

// accrueMaturity moves the pool's released unassigned earnings into
// floating assets and returns the live pool.
func (tx *txn) accrueMaturity(maturity uint64) *fixedpool.Pool {
	pool := tx.pool(maturity)
	earnings := pool.AccrueEarnings(maturity, tx.now)
	tx.m.st.FloatingAssets = fp.Add(tx.m.st.FloatingAssets, earnings)
	return pool
}

// depositToTreasury mints deposit shares for fee at the price before the
// fee is added.
func (tx *txn) depositToTreasury(fee uint256.Int) {
	if fee.IsZero() {
		return
	}
	m := tx.m
	shares := m.convertToShares(fee, tx.now)
	tx.mint(m.params.Treasury, shares)
	m.st.FloatingAssets = fp.Add(m.st.FloatingAssets, fee)
}

// chargeTreasuryFee deposits the treasury's cut of amount and returns the
// remainder.
func (tx *txn) chargeTreasuryFee(amount uint256.Int) uint256.Int {
	fee := fp.MulWadDown(amount, tx.m.params.TreasuryFeeRate)
	tx.depositToTreasury(fee)
	return fp.Sub(amount, fee)
}

// distributeEarnings applies the treasury cut, keeps the part matching the
// pool's backup exposure as unassigned earnings and sends the rest to the
// accumulator.
func (tx *txn) distributeEarnings(pool *fixedpool.Pool, earnings, reference uint256.Int) {
	if earnings.IsZero() {
		return
	}
	remaining := tx.chargeTreasuryFee(earnings)
	unassigned, free := pool.DistributeEarnings(remaining, reference)
	pool.UnassignedEarnings = fp.Add(pool.UnassignedEarnings, unassigned)
	tx.addToAccumulator(free)
}

func (tx *txn) addToAccumulator(amount uint256.Int) {
	tx.m.st.EarningsAccumulator = fp.Add(tx.m.st.EarningsAccumulator, amount)
}

// checkBorrowLiquidity enforces backup + debt <= assets·(1 - reserveFactor).
func (m *Market) checkBorrowLiquidity(backup uint256.Int) error {
	used := fp.Add(backup, m.st.FloatingDebt)
	limit := fp.MulWadDown(m.st.FloatingAssets, fp.Sub(fp.WAD, m.params.ReserveFactor))
	if used.Gt(&limit) {
		return ErrInsufficientProtocolLiquidity
	}
	return nil
}

// checkWithdrawLiquidity enforces backup + debt <= assets.
func (m *Market) checkWithdrawLiquidity(backup, assets uint256.Int) error {
	used := fp.Add(backup, m.st.FloatingDebt)
	if used.Gt(&assets) {
		return ErrInsufficientProtocolLiquidity
	}
	return nil
}

// Floating borrow shares round against the borrower: more shares per asset
// borrowed, fewer shares per asset repaid, more assets per share owed.

func (m *Market) previewBorrow(assets uint256.Int, now uint64) uint256.Int {
	debt := m.totalFloatingBorrowAssets(now)
	if m.st.TotalFloatingBorrowShares.IsZero() || debt.IsZero() {
		return assets
	}
	return fp.MulDivUp(assets, m.st.TotalFloatingBorrowShares, debt)
}

func (m *Market) previewRepay(assets uint256.Int, now uint64) uint256.Int {
	debt := m.totalFloatingBorrowAssets(now)
	if m.st.TotalFloatingBorrowShares.IsZero() || debt.IsZero() {
		return assets
	}
	return fp.MulDivDown(assets, m.st.TotalFloatingBorrowShares, debt)
}

func (m *Market) previewRefund(shares uint256.Int, now uint64) uint256.Int {
	if m.st.TotalFloatingBorrowShares.IsZero() {
		return shares
	}
	return fp.MulDivUp(shares, m.totalFloatingBorrowAssets(now), m.st.TotalFloatingBorrowShares)
}

// Accrue books pending floating interest and accumulator release without
// any balance change. Calling it twice at the same time is a no-op.
func (m *Market) Accrue() error {
	return m.execute("accrue", false, func(tx *txn) error {
		tx.accrue()
		return nil
	})
}
