package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	fp "termlend/native/lending/fixedpoint"
	"termlend/native/lending/fixedpool"
)

// Liquidate repays up to maxAssets of borrower's debt in this market on
// behalf of liquidator and seizes collateral from seizeMarket (this market
// when nil). Fixed borrows are repaid by ascending maturity, without early
// repayment discount, before floating debt. When the borrower has no
// collateral left afterwards its remaining debt here is written off.
func (m *Market) Liquidate(ctx context.Context, liquidator, borrower common.Address, maxAssets uint256.Int, seizeMarket CollateralMarket) (repaid uint256.Int, err error) {
	err = m.execute("liquidate", true, func(tx *txn) (err error) {
		if liquidator == borrower {
			return ErrSelfLiquidation
		}
		if m.auditor == nil {
			return fmt.Errorf("auditor: %w", ErrNotConfigured)
		}
		seizeSymbol := m.symbol
		if seizeMarket != nil {
			seizeSymbol = seizeMarket.Symbol()
		}
		tx.accrue()

		limit, err := m.auditor.CheckLiquidation(ctx, m.symbol, seizeSymbol, borrower, maxAssets)
		if err != nil {
			return err
		}
		if limit.IsZero() {
			return ErrZeroRepay
		}

		remaining := limit
		acct := tx.account(borrower)
		for _, maturity := range acct.FixedBorrows.Values() {
			if remaining.IsZero() {
				break
			}
			covered := remaining
			if tx.now >= maturity {
				pos := m.fixedBorrows[positionKey{maturity: maturity, account: borrower}]
				position := pos.Total()
				debt := m.fixedBorrowDebt(maturity, pos, tx.now)
				if debt.Gt(&remaining) {
					covered = fp.MulDivDown(remaining, position, debt)
				}
				if covered.IsZero() {
					break
				}
			}
			actual, err := tx.repayAtMaturity(liquidator, maturity, covered, remaining, borrower, false)
			if err != nil {
				return err
			}
			remaining = fp.Sub(remaining, actual)
			repaid = fp.Add(repaid, actual)
		}
		if !remaining.IsZero() && !acct.FloatingBorrowShares.IsZero() {
			if shares := m.previewRepay(remaining, tx.now); !shares.IsZero() {
				actual, _, err := tx.refund(liquidator, shares, borrower)
				if err != nil {
					return err
				}
				repaid = fp.Add(repaid, actual)
			}
		}
		if repaid.IsZero() {
			return ErrZeroRepay
		}

		lendersAssets, seizeAssets, err := m.auditor.CalculateSeize(ctx, m.symbol, seizeSymbol, borrower, repaid)
		if err != nil {
			return err
		}

		// The liquidator pays before any collateral moves. A seize that
		// fails afterwards returns the payment.
		charged := fp.Add(repaid, lendersAssets)
		if err := m.pull(ctx, liquidator, charged); err != nil {
			return err
		}
		seized := false
		defer func() {
			if seized {
				return
			}
			if pushErr := m.push(ctx, liquidator, charged); pushErr != nil {
				err = errors.Join(err, fmt.Errorf("return liquidation payment: %w", pushErr))
			}
		}()

		tx.addToAccumulator(lendersAssets)
		if seizeSymbol == m.symbol {
			err = tx.seize(ctx, liquidator, borrower, seizeAssets)
		} else {
			err = seizeMarket.Seize(ctx, m.symbol, liquidator, borrower, seizeAssets)
		}
		if err != nil {
			return err
		}
		seized = true

		// Collateral is gone from the borrower at this point. An unreadable
		// liquidity leaves the write-off to ClearBadDebt.
		if collateral, _, lerr := m.auditor.AccountLiquidity(ctx, borrower); lerr == nil && collateral.IsZero() {
			tx.clearBadDebt(borrower)
		}

		tx.emit(events.LendingLiquidate{
			Market:        m.symbol,
			Liquidator:    liquidator,
			Borrower:      borrower,
			Assets:        repaid,
			LendersAssets: lendersAssets,
			SeizeMarket:   seizeSymbol,
			SeizedAssets:  seizeAssets,
		})
		return nil
	})
	return repaid, err
}

// Seize transfers assets of borrower's deposit to liquidator on behalf of
// the repay market of a liquidation. Both markets must be listed with the
// auditor.
func (m *Market) Seize(ctx context.Context, repayMarket string, liquidator, borrower common.Address, assets uint256.Int) error {
	return m.execute("seize", true, func(tx *txn) error {
		if m.auditor == nil {
			return fmt.Errorf("auditor: %w", ErrNotConfigured)
		}
		if repayMarket == m.symbol {
			return ErrUnauthorized
		}
		if err := m.auditor.CheckSeize(ctx, repayMarket, m.symbol); err != nil {
			return err
		}
		tx.accrue()
		return tx.seize(ctx, liquidator, borrower, assets)
	})
}

func (tx *txn) seize(ctx context.Context, liquidator, borrower common.Address, assets uint256.Int) error {
	if assets.IsZero() {
		return nil
	}
	m := tx.m
	shares := m.previewWithdrawAt(assets, tx.now)
	remaining := fp.Sub(m.st.FloatingAssets, assets)
	if err := m.checkWithdrawLiquidity(m.st.FloatingBackupBorrowed, remaining); err != nil {
		return err
	}
	if err := tx.burn(borrower, shares); err != nil {
		return err
	}
	m.st.FloatingAssets = remaining
	tx.updateAverage()
	tx.emit(events.LendingSeize{Market: m.symbol, Liquidator: liquidator, Borrower: borrower, Assets: assets})
	return m.push(ctx, liquidator, assets)
}

// ClearBadDebt writes off all of borrower's debt in this market once the
// auditor reports no collateral left anywhere. It ignores the pause switch.
func (m *Market) ClearBadDebt(ctx context.Context, borrower common.Address) (written uint256.Int, err error) {
	err = m.execute("clearBadDebt", false, func(tx *txn) error {
		if m.auditor == nil {
			return fmt.Errorf("auditor: %w", ErrNotConfigured)
		}
		tx.accrue()
		collateral, _, err := m.auditor.AccountLiquidity(ctx, borrower)
		if err != nil {
			return err
		}
		if !collateral.IsZero() {
			return ErrAccountHasCollateral
		}
		written = tx.clearBadDebt(borrower)
		return nil
	})
	return written, err
}

// clearBadDebt removes every fixed borrow by ascending maturity, then the
// floating borrow shares. The loss is taken from the accumulator first and
// from floating assets for the rest.
func (tx *txn) clearBadDebt(borrower common.Address) uint256.Int {
	m := tx.m
	acct := tx.account(borrower)
	var total uint256.Int
	for _, maturity := range acct.FixedBorrows.Values() {
		pos := m.fixedBorrows[positionKey{maturity: maturity, account: borrower}]
		badDebt := pos.Total()
		acct.FixedBorrows = acct.FixedBorrows.Without(maturity)
		if badDebt.IsZero() {
			continue
		}
		pool := tx.accrueMaturity(maturity)
		m.st.FloatingBackupBorrowed = fp.Sub(m.st.FloatingBackupBorrowed, pool.Repay(pos.Principal))
		tx.setFixedBorrow(maturity, borrower, fixedpool.Position{})
		total = fp.Add(total, badDebt)
		tx.emit(events.LendingRepayAtMaturity{Market: m.symbol, Maturity: maturity, Borrower: borrower, Assets: badDebt, PositionAssets: badDebt})
	}
	if shares := acct.FloatingBorrowShares; !shares.IsZero() {
		assets := fp.Min(m.previewRefund(shares, tx.now), m.st.FloatingDebt)
		m.st.FloatingDebt = fp.Sub(m.st.FloatingDebt, assets)
		m.st.TotalFloatingBorrowShares = fp.Sub(m.st.TotalFloatingBorrowShares, shares)
		acct.FloatingBorrowShares = fp.Zero
		total = fp.Add(total, assets)
		tx.emit(events.LendingRepay{Market: m.symbol, Borrower: borrower, Assets: assets, Shares: shares})
	}
	if total.IsZero() {
		return total
	}
	fromAccumulator := fp.Min(total, m.st.EarningsAccumulator)
	m.st.EarningsAccumulator = fp.Sub(m.st.EarningsAccumulator, fromAccumulator)
	m.st.FloatingAssets = fp.Sub(m.st.FloatingAssets, fp.Sub(total, fromAccumulator))
	tx.updateAverage()
	tx.emit(events.LendingSpreadBadDebt{Market: m.symbol, Borrower: borrower, Assets: total})
	return total
}
