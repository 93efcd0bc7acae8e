package lending

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	fp "termlend/native/lending/fixedpoint"
)

// Deposit share conversions follow ERC-4626: shares handed out round down,
// shares taken round up.

func (m *Market) convertToShares(assets uint256.Int, now uint64) uint256.Int {
	if m.st.TotalSupply.IsZero() {
		return assets
	}
	return fp.MulDivDown(assets, m.st.TotalSupply, m.totalAssets(now))
}

func (m *Market) convertToAssets(shares uint256.Int, now uint64) uint256.Int {
	if m.st.TotalSupply.IsZero() {
		return shares
	}
	return fp.MulDivDown(shares, m.totalAssets(now), m.st.TotalSupply)
}

func (m *Market) previewMintAt(shares uint256.Int, now uint64) uint256.Int {
	if m.st.TotalSupply.IsZero() {
		return shares
	}
	return fp.MulDivUp(shares, m.totalAssets(now), m.st.TotalSupply)
}

func (m *Market) previewWithdrawAt(assets uint256.Int, now uint64) uint256.Int {
	if m.st.TotalSupply.IsZero() {
		return assets
	}
	return fp.MulDivUp(assets, m.st.TotalSupply, m.totalAssets(now))
}

func (tx *txn) mint(to common.Address, shares uint256.Int) {
	m := tx.m
	m.st.TotalSupply = fp.Add(m.st.TotalSupply, shares)
	tx.setBalance(to, fp.Add(m.balances[to], shares))
}

func (tx *txn) burn(from common.Address, shares uint256.Int) error {
	m := tx.m
	balance := m.balances[from]
	if balance.Lt(&shares) {
		return ErrInsufficientShares
	}
	m.st.TotalSupply = fp.Sub(m.st.TotalSupply, shares)
	tx.setBalance(from, fp.Sub(balance, shares))
	return nil
}

// spendShareAllowance consumes shares of owner's allowance to spender. The
// maximum allowance is never decreased.
func (tx *txn) spendShareAllowance(owner, spender common.Address, shares uint256.Int) error {
	if owner == spender {
		return nil
	}
	m := tx.m
	allowed := m.allowances[allowanceKey{owner: owner, spender: spender}]
	if allowed.Eq(&fp.MaxUint256) {
		return nil
	}
	if allowed.Lt(&shares) {
		return ErrInsufficientAllowance
	}
	tx.setAllowance(owner, spender, fp.Sub(allowed, shares))
	return nil
}

// spendAllowance charges an asset-denominated action by spender against
// owner's share allowance at the withdraw price.
func (tx *txn) spendAllowance(owner, spender common.Address, assets uint256.Int) error {
	if owner == spender {
		return nil
	}
	return tx.spendShareAllowance(owner, spender, tx.m.previewWithdrawAt(assets, tx.now))
}

// Deposit supplies assets to the floating pool and mints deposit shares to
// receiver.
func (m *Market) Deposit(ctx context.Context, caller common.Address, assets uint256.Int, receiver common.Address) (shares uint256.Int, err error) {
	err = m.execute("deposit", true, func(tx *txn) error {
		tx.accrue()
		shares = m.convertToShares(assets, tx.now)
		if shares.IsZero() {
			return ErrZeroAmount
		}
		return tx.deposit(ctx, caller, receiver, assets, shares)
	})
	return shares, err
}

// Mint mints exactly shares to receiver, pulling the assets they cost.
func (m *Market) Mint(ctx context.Context, caller common.Address, shares uint256.Int, receiver common.Address) (assets uint256.Int, err error) {
	err = m.execute("mint", true, func(tx *txn) error {
		if shares.IsZero() {
			return ErrZeroAmount
		}
		tx.accrue()
		assets = m.previewMintAt(shares, tx.now)
		return tx.deposit(ctx, caller, receiver, assets, shares)
	})
	return assets, err
}

func (tx *txn) deposit(ctx context.Context, caller, receiver common.Address, assets, shares uint256.Int) error {
	m := tx.m
	tx.mint(receiver, shares)
	m.st.FloatingAssets = fp.Add(m.st.FloatingAssets, assets)
	tx.updateAverage()
	tx.emit(events.LendingDeposit{Market: m.symbol, Caller: caller, Owner: receiver, Assets: assets, Shares: shares})
	return m.pull(ctx, caller, assets)
}

// Withdraw burns owner's shares for exactly assets sent to receiver.
func (m *Market) Withdraw(ctx context.Context, caller common.Address, assets uint256.Int, receiver, owner common.Address) (shares uint256.Int, err error) {
	err = m.execute("withdraw", true, func(tx *txn) error {
		if assets.IsZero() {
			return ErrZeroWithdraw
		}
		tx.accrue()
		shares = m.previewWithdrawAt(assets, tx.now)
		return tx.withdraw(ctx, caller, receiver, owner, assets, shares)
	})
	return shares, err
}

// Redeem burns exactly shares of owner and sends their assets to receiver.
func (m *Market) Redeem(ctx context.Context, caller common.Address, shares uint256.Int, receiver, owner common.Address) (assets uint256.Int, err error) {
	err = m.execute("redeem", true, func(tx *txn) error {
		tx.accrue()
		assets = m.convertToAssets(shares, tx.now)
		if assets.IsZero() {
			return ErrZeroWithdraw
		}
		return tx.withdraw(ctx, caller, receiver, owner, assets, shares)
	})
	return assets, err
}

func (tx *txn) withdraw(ctx context.Context, caller, receiver, owner common.Address, assets, shares uint256.Int) error {
	m := tx.m
	if err := tx.spendShareAllowance(owner, caller, shares); err != nil {
		return err
	}
	remaining := fp.Sub(m.st.FloatingAssets, assets)
	if err := m.checkWithdrawLiquidity(m.st.FloatingBackupBorrowed, remaining); err != nil {
		return err
	}
	if err := tx.burn(owner, shares); err != nil {
		return err
	}
	m.st.FloatingAssets = remaining
	tx.updateAverage()
	if err := m.checkLiquidity(ctx, owner); err != nil {
		return err
	}
	tx.emit(events.LendingWithdraw{Market: m.symbol, Caller: caller, Receiver: receiver, Owner: owner, Assets: assets, Shares: shares})
	return m.push(ctx, receiver, assets)
}

// Transfer moves deposit shares from caller to to.
func (m *Market) Transfer(ctx context.Context, caller, to common.Address, shares uint256.Int) error {
	return m.execute("transfer", true, func(tx *txn) error {
		return tx.transfer(ctx, caller, to, shares)
	})
}

// TransferFrom moves deposit shares from from to to using caller's
// allowance.
func (m *Market) TransferFrom(ctx context.Context, caller, from, to common.Address, shares uint256.Int) error {
	return m.execute("transferFrom", true, func(tx *txn) error {
		if err := tx.spendShareAllowance(from, caller, shares); err != nil {
			return err
		}
		return tx.transfer(ctx, from, to, shares)
	})
}

func (tx *txn) transfer(ctx context.Context, from, to common.Address, shares uint256.Int) error {
	m := tx.m
	balance := m.balances[from]
	if balance.Lt(&shares) {
		return ErrInsufficientShares
	}
	tx.setBalance(from, fp.Sub(balance, shares))
	tx.setBalance(to, fp.Add(m.balances[to], shares))
	if err := m.checkLiquidity(ctx, from); err != nil {
		return err
	}
	tx.emit(events.LendingTransfer{Market: m.symbol, From: from, To: to, Shares: shares})
	return nil
}

// Approve sets spender's share allowance over owner's shares. The allowance
// also covers borrowing and withdrawing on owner's behalf.
func (m *Market) Approve(ctx context.Context, owner, spender common.Address, shares uint256.Int) error {
	return m.execute("approve", false, func(tx *txn) error {
		tx.setAllowance(owner, spender, shares)
		tx.emit(events.LendingApproval{Market: m.symbol, Owner: owner, Spender: spender, Shares: shares})
		return nil
	})
}
