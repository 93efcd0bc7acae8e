package bank

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInsufficientCustody = errors.New("bank: insufficient custody")
	ErrZeroAmount          = errors.New("bank: amount must be positive")
)

// Ledger holds balances of a single asset plus the custody balance of the
// market that uses it. It implements the lending asset collaborator.
type Ledger struct {
	symbol string

	mu       sync.RWMutex
	balances map[common.Address]uint256.Int
	custody  uint256.Int
	supply   uint256.Int
}

func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		balances: make(map[common.Address]uint256.Int),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// Mint credits amount to addr out of thin air. lendingd uses it as a faucet.
func (l *Ledger) Mint(addr common.Address, amount uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[addr]
	next, overflow := new(uint256.Int).AddOverflow(&balance, &amount)
	if overflow {
		return fmt.Errorf("bank: %s balance overflow", l.symbol)
	}
	supply, overflow := new(uint256.Int).AddOverflow(&l.supply, &amount)
	if overflow {
		return fmt.Errorf("bank: %s supply overflow", l.symbol)
	}
	l.balances[addr] = *next
	l.supply = *supply
	return nil
}

// Pull moves amount from an account into custody.
func (l *Ledger) Pull(_ context.Context, from common.Address, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[from]
	if balance.Lt(&amount) {
		return fmt.Errorf("%s %s: %w", l.symbol, from.Hex(), ErrInsufficientBalance)
	}
	l.setBalance(from, *new(uint256.Int).Sub(&balance, &amount))
	l.custody.Add(&l.custody, &amount)
	return nil
}

// Push moves amount out of custody to an account.
func (l *Ledger) Push(_ context.Context, to common.Address, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.custody.Lt(&amount) {
		return fmt.Errorf("%s: %w", l.symbol, ErrInsufficientCustody)
	}
	l.custody.Sub(&l.custody, &amount)
	balance := l.balances[to]
	l.setBalance(to, *new(uint256.Int).Add(&balance, &amount))
	return nil
}

func (l *Ledger) setBalance(addr common.Address, v uint256.Int) {
	if v.IsZero() {
		delete(l.balances, addr)
		return
	}
	l.balances[addr] = v
}

func (l *Ledger) BalanceOf(addr common.Address) uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

func (l *Ledger) Custody() uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.custody
}

func (l *Ledger) Supply() uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

type ledgerSnapshot struct {
	Symbol   string
	Custody  *big.Int
	Supply   *big.Int
	Balances []ledgerBalance
}

type ledgerBalance struct {
	Account common.Address
	Amount  *big.Int
}

// Export encodes the ledger with balances sorted by address.
func (l *Ledger) Export() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := ledgerSnapshot{Symbol: l.symbol, Custody: l.custody.ToBig(), Supply: l.supply.ToBig()}
	for addr, amount := range l.balances {
		s.Balances = append(s.Balances, ledgerBalance{Account: addr, Amount: amount.ToBig()})
	}
	sort.Slice(s.Balances, func(i, j int) bool {
		return bytes.Compare(s.Balances[i].Account[:], s.Balances[j].Account[:]) < 0
	})
	return rlp.EncodeToBytes(&s)
}

func (l *Ledger) Import(data []byte) error {
	var s ledgerSnapshot
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return fmt.Errorf("bank: decode ledger: %w", err)
	}
	if s.Symbol != l.symbol {
		return fmt.Errorf("bank: ledger snapshot for %s, want %s", s.Symbol, l.symbol)
	}
	custody, err := fromBig(s.Custody)
	if err != nil {
		return err
	}
	supply, err := fromBig(s.Supply)
	if err != nil {
		return err
	}
	balances := make(map[common.Address]uint256.Int, len(s.Balances))
	for _, b := range s.Balances {
		amount, err := fromBig(b.Amount)
		if err != nil {
			return err
		}
		balances[b.Account] = amount
	}
	l.mu.Lock()
	l.custody = custody
	l.supply = supply
	l.balances = balances
	l.mu.Unlock()
	return nil
}

func fromBig(v *big.Int) (uint256.Int, error) {
	if v == nil {
		return uint256.Int{}, nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return uint256.Int{}, errors.New("bank: snapshot amount out of range")
	}
	return *out, nil
}
