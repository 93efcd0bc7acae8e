package lending

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"termlend/native/lending/fixedpool"
)

const snapshotVersion uint64 = 1

type snapshot struct {
	Version       uint64
	Symbol        string
	Globals       snapshotGlobals
	Pools         []snapshotPool
	FixedDeposits []snapshotPosition
	FixedBorrows  []snapshotPosition
	Accounts      []snapshotAccount
	Balances      []snapshotBalance
	Allowances    []snapshotAllowance
}

type snapshotGlobals struct {
	FloatingAssets            *big.Int
	FloatingDebt              *big.Int
	FloatingBackupBorrowed    *big.Int
	TotalFloatingBorrowShares *big.Int
	FloatingAssetsAverage     *big.Int
	EarningsAccumulator       *big.Int
	TotalSupply               *big.Int
	LastFloatingDebtUpdate    uint64
	LastAverageUpdate         uint64
	LastAccumulatorAccrual    uint64
}

type snapshotPool struct {
	Maturity           uint64
	Borrowed           *big.Int
	Supplied           *big.Int
	UnassignedEarnings *big.Int
	LastAccrual        uint64
}

type snapshotPosition struct {
	Maturity  uint64
	Account   common.Address
	Principal *big.Int
	Fee       *big.Int
}

type snapshotAccount struct {
	Address              common.Address
	FixedDeposits        []uint64
	FixedBorrows         []uint64
	FloatingBorrowShares *big.Int
}

type snapshotBalance struct {
	Account common.Address
	Shares  *big.Int
}

type snapshotAllowance struct {
	Owner   common.Address
	Spender common.Address
	Shares  *big.Int
}

var (
	errSnapshotSymbol  = errors.New("lending: snapshot belongs to another market")
	errSnapshotVersion = errors.New("lending: unsupported snapshot version")
	errSnapshotValue   = errors.New("lending: snapshot value out of range")
	errSnapshotBusy    = errors.New("lending: snapshot while an operation is running")
)

func toBig(v uint256.Int) *big.Int { return v.ToBig() }

func fromBig(v *big.Int) (uint256.Int, error) {
	if v == nil {
		return uint256.Int{}, nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return uint256.Int{}, errSnapshotValue
	}
	return *out, nil
}

func lessAddress(a, b common.Address) bool { return bytes.Compare(a[:], b[:]) < 0 }

func sortPositions(ps []snapshotPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Maturity != ps[j].Maturity {
			return ps[i].Maturity < ps[j].Maturity
		}
		return lessAddress(ps[i].Account, ps[j].Account)
	})
}

func exportPositions(store map[positionKey]fixedpool.Position) []snapshotPosition {
	out := make([]snapshotPosition, 0, len(store))
	for key, pos := range store {
		out = append(out, snapshotPosition{Maturity: key.maturity, Account: key.account, Principal: toBig(pos.Principal), Fee: toBig(pos.Fee)})
	}
	sortPositions(out)
	return out
}

// Export encodes the full market state. Entries are sorted so equal states
// produce equal bytes.
func (m *Market) Export() ([]byte, error) {
	if m.guard.Entered() {
		return nil, errSnapshotBusy
	}
	s := snapshot{
		Version: snapshotVersion,
		Symbol:  m.symbol,
		Globals: snapshotGlobals{
			FloatingAssets:            toBig(m.st.FloatingAssets),
			FloatingDebt:              toBig(m.st.FloatingDebt),
			FloatingBackupBorrowed:    toBig(m.st.FloatingBackupBorrowed),
			TotalFloatingBorrowShares: toBig(m.st.TotalFloatingBorrowShares),
			FloatingAssetsAverage:     toBig(m.st.FloatingAssetsAverage),
			EarningsAccumulator:       toBig(m.st.EarningsAccumulator),
			TotalSupply:               toBig(m.st.TotalSupply),
			LastFloatingDebtUpdate:    m.st.LastFloatingDebtUpdate,
			LastAverageUpdate:         m.st.LastAverageUpdate,
			LastAccumulatorAccrual:    m.st.LastAccumulatorAccrual,
		},
		FixedDeposits: exportPositions(m.fixedDeposits),
		FixedBorrows:  exportPositions(m.fixedBorrows),
	}
	for maturity, p := range m.pools {
		s.Pools = append(s.Pools, snapshotPool{
			Maturity:           maturity,
			Borrowed:           toBig(p.Borrowed),
			Supplied:           toBig(p.Supplied),
			UnassignedEarnings: toBig(p.UnassignedEarnings),
			LastAccrual:        p.LastAccrual,
		})
	}
	sort.Slice(s.Pools, func(i, j int) bool { return s.Pools[i].Maturity < s.Pools[j].Maturity })
	for addr, a := range m.accounts {
		s.Accounts = append(s.Accounts, snapshotAccount{
			Address:              addr,
			FixedDeposits:        a.FixedDeposits.Values(),
			FixedBorrows:         a.FixedBorrows.Values(),
			FloatingBorrowShares: toBig(a.FloatingBorrowShares),
		})
	}
	sort.Slice(s.Accounts, func(i, j int) bool { return lessAddress(s.Accounts[i].Address, s.Accounts[j].Address) })
	for addr, shares := range m.balances {
		s.Balances = append(s.Balances, snapshotBalance{Account: addr, Shares: toBig(shares)})
	}
	sort.Slice(s.Balances, func(i, j int) bool { return lessAddress(s.Balances[i].Account, s.Balances[j].Account) })
	for key, shares := range m.allowances {
		s.Allowances = append(s.Allowances, snapshotAllowance{Owner: key.owner, Spender: key.spender, Shares: toBig(shares)})
	}
	sort.Slice(s.Allowances, func(i, j int) bool {
		if s.Allowances[i].Owner != s.Allowances[j].Owner {
			return lessAddress(s.Allowances[i].Owner, s.Allowances[j].Owner)
		}
		return lessAddress(s.Allowances[i].Spender, s.Allowances[j].Spender)
	})
	return rlp.EncodeToBytes(&s)
}

// Import replaces the market state with a snapshot produced by Export.
func (m *Market) Import(data []byte) error {
	if m.guard.Entered() {
		return errSnapshotBusy
	}
	var s snapshot
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return fmt.Errorf("lending: decode snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return errSnapshotVersion
	}
	if s.Symbol != m.symbol {
		return errSnapshotSymbol
	}

	var d decoder
	st := floatingState{
		FloatingAssets:            d.value(s.Globals.FloatingAssets),
		FloatingDebt:              d.value(s.Globals.FloatingDebt),
		FloatingBackupBorrowed:    d.value(s.Globals.FloatingBackupBorrowed),
		TotalFloatingBorrowShares: d.value(s.Globals.TotalFloatingBorrowShares),
		FloatingAssetsAverage:     d.value(s.Globals.FloatingAssetsAverage),
		EarningsAccumulator:       d.value(s.Globals.EarningsAccumulator),
		TotalSupply:               d.value(s.Globals.TotalSupply),
		LastFloatingDebtUpdate:    s.Globals.LastFloatingDebtUpdate,
		LastAverageUpdate:         s.Globals.LastAverageUpdate,
		LastAccumulatorAccrual:    s.Globals.LastAccumulatorAccrual,
	}
	pools := make(map[uint64]*fixedpool.Pool, len(s.Pools))
	for _, p := range s.Pools {
		pools[p.Maturity] = &fixedpool.Pool{
			Borrowed:           d.value(p.Borrowed),
			Supplied:           d.value(p.Supplied),
			UnassignedEarnings: d.value(p.UnassignedEarnings),
			LastAccrual:        p.LastAccrual,
		}
	}
	importPositions := func(in []snapshotPosition) map[positionKey]fixedpool.Position {
		out := make(map[positionKey]fixedpool.Position, len(in))
		for _, p := range in {
			out[positionKey{maturity: p.Maturity, account: p.Account}] = fixedpool.Position{Principal: d.value(p.Principal), Fee: d.value(p.Fee)}
		}
		return out
	}
	deposits := importPositions(s.FixedDeposits)
	borrows := importPositions(s.FixedBorrows)
	accounts := make(map[common.Address]*Account, len(s.Accounts))
	for _, a := range s.Accounts {
		accounts[a.Address] = &Account{
			FixedDeposits:        fixedpool.NewMaturitySet(a.FixedDeposits...),
			FixedBorrows:         fixedpool.NewMaturitySet(a.FixedBorrows...),
			FloatingBorrowShares: d.value(a.FloatingBorrowShares),
		}
	}
	balances := make(map[common.Address]uint256.Int, len(s.Balances))
	for _, b := range s.Balances {
		balances[b.Account] = d.value(b.Shares)
	}
	allowances := make(map[allowanceKey]uint256.Int, len(s.Allowances))
	for _, a := range s.Allowances {
		allowances[allowanceKey{owner: a.Owner, spender: a.Spender}] = d.value(a.Shares)
	}
	if d.err != nil {
		return d.err
	}

	m.st = st
	m.pools = pools
	m.fixedDeposits = deposits
	m.fixedBorrows = borrows
	m.accounts = accounts
	m.balances = balances
	m.allowances = allowances
	return nil
}

type decoder struct {
	err error
}

func (d *decoder) value(v *big.Int) uint256.Int {
	out, err := fromBig(v)
	if err != nil && d.err == nil {
		d.err = err
	}
	return out
}
