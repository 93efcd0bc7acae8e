package lending

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	fp "termlend/native/lending/fixedpoint"
	"termlend/native/lending/fixedpool"
)

// fixedBorrowRate asks the rate model for the term rate, reporting backup
// utilisation overflow as a liquidity failure.
func (tx *txn) fixedBorrowRate(maturity uint64, amount uint256.Int, pool *fixedpool.Pool) (uint256.Int, error) {
	m := tx.m
	rate, err := m.irm.FixedBorrowRate(maturity, tx.now, amount, pool.Borrowed, pool.Supplied, m.previewAverage(tx.now))
	if errors.Is(err, ErrUtilizationExceeded) {
		return fp.Zero, ErrInsufficientProtocolLiquidity
	}
	return rate, err
}

// DepositAtMaturity opens or grows receiver's fixed deposit at maturity.
// The deposit earns part of the pool's unassigned earnings; the position
// (assets plus that yield) must be at least minAssetsRequired.
func (m *Market) DepositAtMaturity(ctx context.Context, caller common.Address, maturity uint64, assets, minAssetsRequired uint256.Int, receiver common.Address) (positionAssets uint256.Int, err error) {
	err = m.execute("depositAtMaturity", true, func(tx *txn) error {
		if assets.IsZero() {
			return ErrZeroAmount
		}
		if err := fixedpool.Require(maturity, tx.now, m.params.MaxFuturePools, fixedpool.StateValid); err != nil {
			return err
		}
		tx.accrue()
		pool := tx.accrueMaturity(maturity)

		yield, backupFee := pool.CalculateDeposit(assets, m.params.BackupFeeRate)
		positionAssets = fp.Add(assets, yield)
		if positionAssets.Lt(&minAssetsRequired) {
			return ErrDisagreement
		}
		m.st.FloatingBackupBorrowed = fp.Sub(m.st.FloatingBackupBorrowed, pool.Deposit(assets))
		pool.UnassignedEarnings = fp.Sub(pool.UnassignedEarnings, fp.Add(yield, backupFee))
		tx.addToAccumulator(backupFee)

		acct := tx.account(receiver)
		acct.FixedDeposits = acct.FixedDeposits.With(maturity)
		pos := m.fixedDeposits[positionKey{maturity: maturity, account: receiver}]
		pos.Principal = fp.Add(pos.Principal, assets)
		pos.Fee = fp.Add(pos.Fee, yield)
		tx.setFixedDeposit(maturity, receiver, pos)

		tx.emit(events.LendingDepositAtMaturity{Market: m.symbol, Maturity: maturity, Caller: caller, Owner: receiver, Assets: assets, Fee: yield})
		return m.pull(ctx, caller, assets)
	})
	return positionAssets, err
}

// WithdrawAtMaturity withdraws up to positionAssets of owner's fixed
// deposit. Before maturity the amount is discounted at the current fixed
// borrow rate; the receiver must get at least minAssetsRequired.
func (m *Market) WithdrawAtMaturity(ctx context.Context, caller common.Address, maturity uint64, positionAssets, minAssetsRequired uint256.Int, receiver, owner common.Address) (assetsDiscounted uint256.Int, err error) {
	err = m.execute("withdrawAtMaturity", true, func(tx *txn) error {
		if positionAssets.IsZero() {
			return ErrZeroWithdraw
		}
		if err := fixedpool.Require(maturity, tx.now, m.params.MaxFuturePools, fixedpool.StateValid, fixedpool.StateMatured); err != nil {
			return err
		}
		tx.accrue()
		pool := tx.accrueMaturity(maturity)

		pos := m.fixedDeposits[positionKey{maturity: maturity, account: owner}]
		total := pos.Total()
		if total.IsZero() {
			return ErrZeroWithdraw
		}
		if positionAssets.Gt(&total) {
			positionAssets = total
		}

		// Priced against the pool as it stands before the withdrawal.
		assetsDiscounted = positionAssets
		if tx.now < maturity {
			rate, err := tx.fixedBorrowRate(maturity, positionAssets, pool)
			if err != nil {
				return err
			}
			assetsDiscounted = fp.DivWadDown(positionAssets, fp.Add(fp.WAD, rate))
		}

		principal := pos.ScaleProportionally(positionAssets).Principal
		backup := fp.Add(m.st.FloatingBackupBorrowed, pool.Withdraw(principal))
		if err := m.checkWithdrawLiquidity(backup, m.st.FloatingAssets); err != nil {
			return err
		}
		m.st.FloatingBackupBorrowed = backup
		if assetsDiscounted.Lt(&minAssetsRequired) {
			return ErrDisagreement
		}
		if err := tx.spendAllowance(owner, caller, assetsDiscounted); err != nil {
			return err
		}

		tx.distributeEarnings(pool, fp.Sub(positionAssets, assetsDiscounted), assetsDiscounted)

		pos = pos.ReduceProportionally(positionAssets)
		if pos.IsZero() {
			acct := tx.account(owner)
			acct.FixedDeposits = acct.FixedDeposits.Without(maturity)
		}
		tx.setFixedDeposit(maturity, owner, pos)
		tx.updateAverage()

		tx.emit(events.LendingWithdrawAtMaturity{
			Market:         m.symbol,
			Maturity:       maturity,
			Caller:         caller,
			Receiver:       receiver,
			Owner:          owner,
			PositionAssets: positionAssets,
			Assets:         assetsDiscounted,
		})
		return m.push(ctx, receiver, assetsDiscounted)
	})
	return assetsDiscounted, err
}

// BorrowAtMaturity opens or grows borrower's fixed borrow at maturity and
// sends assets to receiver. The owed amount (assets plus the fee priced by
// the rate model) must not exceed maxAssets.
func (m *Market) BorrowAtMaturity(ctx context.Context, caller common.Address, maturity uint64, assets, maxAssets uint256.Int, receiver, borrower common.Address) (assetsOwed uint256.Int, err error) {
	err = m.execute("borrowAtMaturity", true, func(tx *txn) error {
		if assets.IsZero() {
			return ErrZeroAmount
		}
		if err := fixedpool.Require(maturity, tx.now, m.params.MaxFuturePools, fixedpool.StateValid); err != nil {
			return err
		}
		tx.accrue()
		pool := tx.accrueMaturity(maturity)

		rate, err := tx.fixedBorrowRate(maturity, assets, pool)
		if err != nil {
			return err
		}
		if addition := pool.Borrow(assets); !addition.IsZero() {
			backup := fp.Add(m.st.FloatingBackupBorrowed, addition)
			if err := m.checkBorrowLiquidity(backup); err != nil {
				return err
			}
			m.st.FloatingBackupBorrowed = backup
		}

		fee := fp.MulWadDown(assets, rate)
		assetsOwed = fp.Add(assets, fee)
		if assetsOwed.Gt(&maxAssets) {
			return ErrDisagreement
		}
		if err := tx.spendAllowance(borrower, caller, assetsOwed); err != nil {
			return err
		}

		tx.distributeEarnings(pool, fee, assets)

		acct := tx.account(borrower)
		acct.FixedBorrows = acct.FixedBorrows.With(maturity)
		pos := m.fixedBorrows[positionKey{maturity: maturity, account: borrower}]
		pos.Principal = fp.Add(pos.Principal, assets)
		pos.Fee = fp.Add(pos.Fee, fee)
		tx.setFixedBorrow(maturity, borrower, pos)
		tx.updateAverage()

		if err := m.checkLiquidity(ctx, borrower); err != nil {
			return err
		}
		tx.emit(events.LendingBorrowAtMaturity{Market: m.symbol, Maturity: maturity, Caller: caller, Receiver: receiver, Borrower: borrower, Assets: assets, Fee: fee})
		return m.push(ctx, receiver, assets)
	})
	return assetsOwed, err
}

// RepayAtMaturity repays up to positionAssets of borrower's fixed debt at
// maturity. Early repayment is discounted by the yield a deposit would
// earn; late repayment adds the penalty. The charged amount must not exceed
// maxAssets.
func (m *Market) RepayAtMaturity(ctx context.Context, caller common.Address, maturity uint64, positionAssets, maxAssets uint256.Int, borrower common.Address) (actualRepay uint256.Int, err error) {
	err = m.execute("repayAtMaturity", true, func(tx *txn) error {
		if positionAssets.IsZero() {
			return ErrZeroRepay
		}
		if err := fixedpool.Require(maturity, tx.now, m.params.MaxFuturePools, fixedpool.StateValid, fixedpool.StateMatured); err != nil {
			return err
		}
		tx.accrue()
		actualRepay, err = tx.repayAtMaturity(caller, maturity, positionAssets, maxAssets, borrower, true)
		if err != nil {
			return err
		}
		return m.pull(ctx, caller, actualRepay)
	})
	return actualRepay, err
}

// repayAtMaturity books a fixed repayment without moving assets. The
// returned amount is what the payer owes.
func (tx *txn) repayAtMaturity(caller common.Address, maturity uint64, positionAssets, maxAssets uint256.Int, borrower common.Address, canDiscount bool) (actualRepay uint256.Int, err error) {
	m := tx.m
	pool := tx.accrueMaturity(maturity)

	pos := m.fixedBorrows[positionKey{maturity: maturity, account: borrower}]
	debtCovered := fp.Min(positionAssets, pos.Total())
	if debtCovered.IsZero() {
		return fp.Zero, ErrZeroRepay
	}
	principalCovered := pos.ScaleProportionally(debtCovered).Principal

	switch {
	case tx.now < maturity && canDiscount:
		discount, backupFee := pool.CalculateDeposit(principalCovered, m.params.BackupFeeRate)
		pool.UnassignedEarnings = fp.Sub(pool.UnassignedEarnings, fp.Add(discount, backupFee))
		tx.addToAccumulator(backupFee)
		actualRepay = fp.Sub(debtCovered, discount)
	case tx.now < maturity:
		actualRepay = debtCovered
	default:
		actualRepay = m.fixedBorrowDebt(maturity, fixedpool.Position{Principal: debtCovered}, tx.now)
		tx.addToAccumulator(tx.chargeTreasuryFee(fp.Sub(actualRepay, debtCovered)))
	}
	if actualRepay.Gt(&maxAssets) {
		return fp.Zero, ErrDisagreement
	}

	m.st.FloatingBackupBorrowed = fp.Sub(m.st.FloatingBackupBorrowed, pool.Repay(principalCovered))

	pos = pos.ReduceProportionally(debtCovered)
	if pos.IsZero() {
		acct := tx.account(borrower)
		acct.FixedBorrows = acct.FixedBorrows.Without(maturity)
	}
	tx.setFixedBorrow(maturity, borrower, pos)

	tx.emit(events.LendingRepayAtMaturity{Market: m.symbol, Maturity: maturity, Caller: caller, Borrower: borrower, Assets: actualRepay, PositionAssets: debtCovered})
	return actualRepay, nil
}
