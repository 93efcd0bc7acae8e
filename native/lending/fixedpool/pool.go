// Package fixedpool holds the pure accounting rules of a single fixed-rate
// maturity pool. Nothing here touches floating state directly: operations
// return the backup-borrowed delta and the caller applies it.
package fixedpool

import (
	"github.com/holiman/uint256"

	fp "termlend/native/lending/fixedpoint"
)

// Pool is the per-maturity aggregate. Borrowed in excess of Supplied is
// funded by the floating pool ("backup supplied").
type Pool struct {
	Borrowed           uint256.Int
	Supplied           uint256.Int
	UnassignedEarnings uint256.Int
	LastAccrual        uint64
}

// BackupSupplied is the part of Borrowed not covered by Supplied.
func (p *Pool) BackupSupplied() uint256.Int {
	return fp.Sub(p.Borrowed, fp.Min(p.Borrowed, p.Supplied))
}

// CalculateDeposit returns the yield a fixed deposit of amount earns from
// unassigned earnings and the backup fee withheld from it. Only the share
// of the deposit that replaces backup funding earns yield.
func (p *Pool) CalculateDeposit(amount, backupFeeRate uint256.Int) (yield, backupFee uint256.Int) {
	backup := p.BackupSupplied()
	if backup.IsZero() {
		return fp.Zero, fp.Zero
	}
	yield = fp.MulDivDown(p.UnassignedEarnings, fp.Min(amount, backup), backup)
	backupFee = fp.MulWadDown(yield, backupFeeRate)
	return fp.Sub(yield, backupFee), backupFee
}

// Deposit adds supply and returns how much backup debt it repays.
func (p *Pool) Deposit(amount uint256.Int) (backupDebtReduction uint256.Int) {
	backup := p.BackupSupplied()
	p.Supplied = fp.Add(p.Supplied, amount)
	return fp.Min(backup, amount)
}

// Repay removes borrowed principal and returns how much backup debt it repays.
func (p *Pool) Repay(amount uint256.Int) (backupDebtReduction uint256.Int) {
	backup := p.BackupSupplied()
	p.Borrowed = fp.Sub(p.Borrowed, amount)
	return fp.Min(backup, amount)
}

// Borrow adds borrowed principal and returns the new backup debt it draws.
func (p *Pool) Borrow(amount uint256.Int) (backupDebtAddition uint256.Int) {
	next := fp.Add(p.Borrowed, amount)
	covered := fp.Min(fp.Max(p.Borrowed, p.Supplied), next)
	p.Borrowed = next
	return fp.Sub(next, covered)
}

// Withdraw removes supplied principal and returns the new backup debt it
// leaves behind.
func (p *Pool) Withdraw(amount uint256.Int) (backupDebtAddition uint256.Int) {
	next := fp.Sub(p.Supplied, amount)
	addition := fp.Sub(fp.Min(p.Supplied, p.Borrowed), fp.Min(next, p.Borrowed))
	p.Supplied = next
	return addition
}

// AccrueEarnings releases unassigned earnings linearly until maturity. Once
// the maturity is reached everything left is released exactly once.
func (p *Pool) AccrueEarnings(maturity, now uint64) (earnings uint256.Int) {
	last := p.LastAccrual
	switch {
	case now < maturity:
		if now > last && maturity > last {
			earnings = fp.MulDivDown(p.UnassignedEarnings, fp.FromUint64(now-last), fp.FromUint64(maturity-last))
		}
		p.LastAccrual = now
	case last == maturity:
		return fp.Zero
	default:
		earnings = p.UnassignedEarnings
		p.LastAccrual = maturity
	}
	p.UnassignedEarnings = fp.Sub(p.UnassignedEarnings, earnings)
	return earnings
}

// DistributeEarnings splits fresh earnings produced by an operation of
// size reference. The part proportional to the pool's remaining backup
// exposure stays with the pool; the rest is returned as free.
func (p *Pool) DistributeEarnings(earnings, reference uint256.Int) (unassigned, free uint256.Int) {
	if reference.IsZero() {
		return earnings, fp.Zero
	}
	backup := p.BackupSupplied()
	free = fp.MulDivDown(earnings, fp.Sub(reference, fp.Min(backup, reference)), reference)
	return fp.Sub(earnings, free), free
}
