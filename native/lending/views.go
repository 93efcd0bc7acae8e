package lending

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fp "termlend/native/lending/fixedpoint"
	"termlend/native/lending/fixedpool"
)

// totalAssets is floating assets plus everything already earned but not
// yet booked: released unassigned earnings, the accumulator release and
// floating interest net of the treasury fee.
func (m *Market) totalAssets(now uint64) uint256.Int {
	total := m.st.FloatingAssets
	for maturity, pool := range m.pools {
		if pool.UnassignedEarnings.IsZero() {
			continue
		}
		projected := *pool
		total = fp.Add(total, projected.AccrueEarnings(maturity, now))
	}
	total = fp.Add(total, m.pendingAccumulatorRelease(now))
	interest := m.pendingFloatingDebt(now)
	return fp.Add(total, fp.Sub(interest, fp.MulWadDown(interest, m.params.TreasuryFeeRate)))
}

// view evaluates fn at the current time, turning arithmetic panics into
// errors.
func (m *Market) view(fn func(now uint64) uint256.Int) (out uint256.Int, err error) {
	defer fp.Recover(&err)
	return fn(m.now()), nil
}

func (m *Market) TotalAssets() (uint256.Int, error) {
	return m.view(m.totalAssets)
}

func (m *Market) TotalSupply() uint256.Int { return m.st.TotalSupply }

func (m *Market) BalanceOf(account common.Address) uint256.Int { return m.balances[account] }

func (m *Market) Allowance(owner, spender common.Address) uint256.Int {
	return m.allowances[allowanceKey{owner: owner, spender: spender}]
}

func (m *Market) ConvertToShares(assets uint256.Int) (uint256.Int, error) {
	return m.view(func(now uint64) uint256.Int { return m.convertToShares(assets, now) })
}

func (m *Market) ConvertToAssets(shares uint256.Int) (uint256.Int, error) {
	return m.view(func(now uint64) uint256.Int { return m.convertToAssets(shares, now) })
}

func (m *Market) PreviewDeposit(assets uint256.Int) (uint256.Int, error) {
	return m.ConvertToShares(assets)
}

func (m *Market) PreviewMint(shares uint256.Int) (uint256.Int, error) {
	return m.view(func(now uint64) uint256.Int { return m.previewMintAt(shares, now) })
}

func (m *Market) PreviewWithdraw(assets uint256.Int) (uint256.Int, error) {
	return m.view(func(now uint64) uint256.Int { return m.previewWithdrawAt(assets, now) })
}

func (m *Market) PreviewRedeem(shares uint256.Int) (uint256.Int, error) {
	return m.ConvertToAssets(shares)
}

// MaxWithdraw is the asset value of owner's deposit shares.
func (m *Market) MaxWithdraw(owner common.Address) (uint256.Int, error) {
	return m.ConvertToAssets(m.balances[owner])
}

// PreviewDebt is the floating debt of borrower including pending interest.
func (m *Market) PreviewDebt(borrower common.Address) (uint256.Int, error) {
	return m.view(func(now uint64) uint256.Int { return m.floatingDebtOf(borrower, now) })
}

func (m *Market) floatingDebtOf(borrower common.Address, now uint64) uint256.Int {
	acct, ok := m.accounts[borrower]
	if !ok || acct.FloatingBorrowShares.IsZero() {
		return fp.Zero
	}
	return m.previewRefund(acct.FloatingBorrowShares, now)
}

// FloatingAssetsAverage returns the average projected to now.
func (m *Market) FloatingAssetsAverage() (uint256.Int, error) {
	return m.view(m.previewAverage)
}

// AccumulatedEarnings is the accumulator release pending at now.
func (m *Market) AccumulatedEarnings() (uint256.Int, error) {
	return m.view(m.pendingAccumulatorRelease)
}

// fixedBorrowDebt is a fixed borrow position plus the late penalty at now.
func (m *Market) fixedBorrowDebt(maturity uint64, pos fixedpool.Position, now uint64) uint256.Int {
	total := pos.Total()
	if now <= maturity {
		return total
	}
	penalty := fp.MulWadDown(total, fp.Mul(fp.FromUint64(now-maturity), m.params.PenaltyRate))
	return fp.Add(total, penalty)
}

// AccountSnapshot values account in this market at the current time.
func (m *Market) AccountSnapshot(account common.Address) (snap AccountSnapshot, err error) {
	defer fp.Recover(&err)
	now := m.now()
	snap.Shares = m.balances[account]
	snap.Assets = m.convertToAssets(snap.Shares, now)
	acct, ok := m.accounts[account]
	if !ok {
		return snap, nil
	}
	for _, maturity := range acct.FixedBorrows.Values() {
		pos := m.fixedBorrows[positionKey{maturity: maturity, account: account}]
		snap.Debt = fp.Add(snap.Debt, m.fixedBorrowDebt(maturity, pos, now))
		snap.FixedBorrows = append(snap.FixedBorrows, PositionView{Maturity: maturity, Principal: pos.Principal, Fee: pos.Fee})
	}
	for _, maturity := range acct.FixedDeposits.Values() {
		pos := m.fixedDeposits[positionKey{maturity: maturity, account: account}]
		snap.FixedDeposits = append(snap.FixedDeposits, PositionView{Maturity: maturity, Principal: pos.Principal, Fee: pos.Fee})
	}
	snap.FloatingBorrowShares = acct.FloatingBorrowShares
	snap.Debt = fp.Add(snap.Debt, m.floatingDebtOf(account, now))
	return snap, nil
}

func (m *Market) FixedBorrowPosition(maturity uint64, account common.Address) fixedpool.Position {
	return m.fixedBorrows[positionKey{maturity: maturity, account: account}]
}

func (m *Market) FixedDepositPosition(maturity uint64, account common.Address) fixedpool.Position {
	return m.fixedDeposits[positionKey{maturity: maturity, account: account}]
}

// Pool returns the stored state of the maturity pool; absent pools are zero.
func (m *Market) Pool(maturity uint64) PoolView {
	view := PoolView{
		Maturity: maturity,
		State:    fixedpool.CheckState(maturity, m.now(), m.params.MaxFuturePools),
	}
	if pool, ok := m.pools[maturity]; ok {
		view.Borrowed = pool.Borrowed
		view.Supplied = pool.Supplied
		view.UnassignedEarnings = pool.UnassignedEarnings
		view.LastAccrual = pool.LastAccrual
		view.BackupSupplied = pool.BackupSupplied()
	}
	return view
}

// Pools lists every pool that has been touched, by ascending maturity.
func (m *Market) Pools() []PoolView {
	maturities := make([]uint64, 0, len(m.pools))
	for maturity := range m.pools {
		maturities = append(maturities, maturity)
	}
	sort.Slice(maturities, func(i, j int) bool { return maturities[i] < maturities[j] })
	out := make([]PoolView, 0, len(maturities))
	for _, maturity := range maturities {
		out = append(out, m.Pool(maturity))
	}
	return out
}

func (m *Market) Params() Params { return m.params }

// Summary reports the market aggregates at the current time.
func (m *Market) Summary() (s Summary, err error) {
	defer fp.Recover(&err)
	now := m.now()
	s = Summary{
		Symbol:                    m.symbol,
		Timestamp:                 now,
		TotalAssets:               m.totalAssets(now),
		TotalSupply:               m.st.TotalSupply,
		FloatingAssets:            m.st.FloatingAssets,
		FloatingDebt:              m.st.FloatingDebt,
		FloatingBackupBorrowed:    m.st.FloatingBackupBorrowed,
		TotalFloatingBorrowShares: m.st.TotalFloatingBorrowShares,
		FloatingAssetsAverage:     m.previewAverage(now),
		EarningsAccumulator:       m.st.EarningsAccumulator,
		FloatingUtilization:       m.floatingUtilization(),
		Params:                    m.params,
	}
	s.FloatingRate = m.irm.FloatingRate(s.FloatingUtilization)
	return s, nil
}
