package lending

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	fp "termlend/native/lending/fixedpoint"
)

// Borrow takes assets from the floating pool against borrower's collateral
// and sends them to receiver. The operation fails with ErrDisagreement when
// it would mint more than maxShares borrow shares.
func (m *Market) Borrow(ctx context.Context, caller common.Address, assets, maxShares uint256.Int, receiver, borrower common.Address) (shares uint256.Int, err error) {
	err = m.execute("borrow", true, func(tx *txn) error {
		if assets.IsZero() {
			return ErrZeroAmount
		}
		tx.accrue()
		if err := tx.spendAllowance(borrower, caller, assets); err != nil {
			return err
		}
		shares = m.previewBorrow(assets, tx.now)
		if shares.Gt(&maxShares) {
			return ErrDisagreement
		}
		m.st.FloatingDebt = fp.Add(m.st.FloatingDebt, assets)
		if err := m.checkBorrowLiquidity(m.st.FloatingBackupBorrowed); err != nil {
			return err
		}
		acct := tx.account(borrower)
		acct.FloatingBorrowShares = fp.Add(acct.FloatingBorrowShares, shares)
		m.st.TotalFloatingBorrowShares = fp.Add(m.st.TotalFloatingBorrowShares, shares)
		if err := m.checkLiquidity(ctx, borrower); err != nil {
			return err
		}
		tx.emit(events.LendingBorrow{Market: m.symbol, Caller: caller, Receiver: receiver, Borrower: borrower, Assets: assets, Shares: shares})
		return m.push(ctx, receiver, assets)
	})
	return shares, err
}

// Repay pays down up to assets of borrower's floating debt from caller.
// It returns the assets actually charged and the shares burned.
func (m *Market) Repay(ctx context.Context, caller common.Address, assets uint256.Int, borrower common.Address) (actual, shares uint256.Int, err error) {
	err = m.execute("repay", true, func(tx *txn) error {
		if assets.IsZero() {
			return ErrZeroRepay
		}
		tx.accrue()
		actual, shares, err = tx.refund(caller, m.previewRepay(assets, tx.now), borrower)
		if err != nil {
			return err
		}
		return m.pull(ctx, caller, actual)
	})
	return actual, shares, err
}

// Refund burns up to shares of borrower's floating borrow shares, charging
// caller their asset value.
func (m *Market) Refund(ctx context.Context, caller common.Address, shares uint256.Int, borrower common.Address) (actual, burned uint256.Int, err error) {
	err = m.execute("refund", true, func(tx *txn) error {
		if shares.IsZero() {
			return ErrZeroRepay
		}
		tx.accrue()
		actual, burned, err = tx.refund(caller, shares, borrower)
		if err != nil {
			return err
		}
		return m.pull(ctx, caller, actual)
	})
	return actual, burned, err
}

// refund burns min(shares, borrower's shares) and books the repayment. The
// caller transfers the returned assets.
func (tx *txn) refund(caller common.Address, shares uint256.Int, borrower common.Address) (assets, burned uint256.Int, err error) {
	m := tx.m
	acct := tx.account(borrower)
	burned = fp.Min(shares, acct.FloatingBorrowShares)
	assets = m.previewRefund(burned, tx.now)
	if assets.IsZero() {
		return fp.Zero, fp.Zero, ErrZeroRepay
	}
	m.st.FloatingDebt = fp.Sub(m.st.FloatingDebt, assets)
	acct.FloatingBorrowShares = fp.Sub(acct.FloatingBorrowShares, burned)
	m.st.TotalFloatingBorrowShares = fp.Sub(m.st.TotalFloatingBorrowShares, burned)
	tx.emit(events.LendingRepay{Market: m.symbol, Caller: caller, Borrower: borrower, Assets: assets, Shares: burned})
	return assets, burned, nil
}
