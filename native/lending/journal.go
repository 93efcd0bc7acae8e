package lending

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	"termlend/native/lending/fixedpool"
)

// txn journals every write of one operation. Globals are copied up front;
// map entries record their previous value on first touch.
type txn struct {
	m      *Market
	now    uint64
	saved  floatingState
	undo   []func()
	events []events.Event

	touchedPools    map[uint64]struct{}
	touchedAccounts map[common.Address]struct{}
}

func (m *Market) begin() *txn {
	return &txn{
		m:               m,
		now:             m.now(),
		saved:           m.st,
		touchedPools:    make(map[uint64]struct{}),
		touchedAccounts: make(map[common.Address]struct{}),
	}
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.m.st = tx.saved
	tx.undo = nil
	tx.events = nil
}

func (tx *txn) commit() {
	m := tx.m
	for _, evt := range tx.events {
		m.emitter.Emit(evt)
	}
	if len(tx.events) > 0 {
		m.emitter.Emit(events.LendingMarketUpdate{
			Market:                m.symbol,
			Timestamp:             tx.now,
			FloatingDepositShares: m.st.TotalSupply,
			FloatingAssets:        m.st.FloatingAssets,
			FloatingBorrowShares:  m.st.TotalFloatingBorrowShares,
			FloatingDebt:          m.st.FloatingDebt,
			EarningsAccumulator:   m.st.EarningsAccumulator,
		})
	}
	tx.undo = nil
	tx.events = nil
}

func (tx *txn) emit(evt events.Event) {
	tx.events = append(tx.events, evt)
}

// pool returns the live pool for maturity, creating it if needed.
func (tx *txn) pool(maturity uint64) *fixedpool.Pool {
	m := tx.m
	p, ok := m.pools[maturity]
	if !ok {
		p = &fixedpool.Pool{}
		m.pools[maturity] = p
		tx.touchedPools[maturity] = struct{}{}
		tx.undo = append(tx.undo, func() { delete(m.pools, maturity) })
		return p
	}
	if _, seen := tx.touchedPools[maturity]; !seen {
		tx.touchedPools[maturity] = struct{}{}
		saved := *p
		tx.undo = append(tx.undo, func() { *p = saved })
	}
	return p
}

// account returns the live account record, creating it if needed.
func (tx *txn) account(addr common.Address) *Account {
	m := tx.m
	a, ok := m.accounts[addr]
	if !ok {
		a = &Account{}
		m.accounts[addr] = a
		tx.touchedAccounts[addr] = struct{}{}
		tx.undo = append(tx.undo, func() { delete(m.accounts, addr) })
		return a
	}
	if _, seen := tx.touchedAccounts[addr]; !seen {
		tx.touchedAccounts[addr] = struct{}{}
		saved := *a
		tx.undo = append(tx.undo, func() { *a = saved })
	}
	return a
}

func (tx *txn) setFixedDeposit(maturity uint64, addr common.Address, pos fixedpool.Position) {
	journalSet(tx, tx.m.fixedDeposits, positionKey{maturity: maturity, account: addr}, pos, pos.IsZero())
}

func (tx *txn) setFixedBorrow(maturity uint64, addr common.Address, pos fixedpool.Position) {
	journalSet(tx, tx.m.fixedBorrows, positionKey{maturity: maturity, account: addr}, pos, pos.IsZero())
}

func (tx *txn) setBalance(addr common.Address, shares uint256.Int) {
	journalSet(tx, tx.m.balances, addr, shares, shares.IsZero())
}

func (tx *txn) setAllowance(owner, spender common.Address, shares uint256.Int) {
	journalSet(tx, tx.m.allowances, allowanceKey{owner: owner, spender: spender}, shares, shares.IsZero())
}

// journalSet writes value under key, deleting the entry when it is zero.
func journalSet[K comparable, V any](tx *txn, store map[K]V, key K, value V, zero bool) {
	old, existed := store[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			store[key] = old
			return
		}
		delete(store, key)
	})
	if zero {
		delete(store, key)
		return
	}
	store[key] = value
}
