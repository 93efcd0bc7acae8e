package lending

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/native/lending/fixedpool"
)

// Account tracks the maturities an account holds positions in and its
// floating borrow shares. Deposit shares live in the share ledger.
type Account struct {
	FixedDeposits        fixedpool.MaturitySet
	FixedBorrows         fixedpool.MaturitySet
	FloatingBorrowShares uint256.Int
}

type positionKey struct {
	maturity uint64
	account  common.Address
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// floatingState is the market-wide aggregate. It is copied wholesale when an
// operation starts so a failed operation can restore it.
type floatingState struct {
	FloatingAssets            uint256.Int
	FloatingDebt              uint256.Int
	FloatingBackupBorrowed    uint256.Int
	TotalFloatingBorrowShares uint256.Int
	FloatingAssetsAverage     uint256.Int
	EarningsAccumulator       uint256.Int
	TotalSupply               uint256.Int
	LastFloatingDebtUpdate    uint64
	LastAverageUpdate         uint64
	LastAccumulatorAccrual    uint64
}

// Summary is a point-in-time view of market aggregates.
type Summary struct {
	Symbol                    string
	Timestamp                 uint64
	TotalAssets               uint256.Int
	TotalSupply               uint256.Int
	FloatingAssets            uint256.Int
	FloatingDebt              uint256.Int
	FloatingBackupBorrowed    uint256.Int
	TotalFloatingBorrowShares uint256.Int
	FloatingAssetsAverage     uint256.Int
	EarningsAccumulator       uint256.Int
	FloatingUtilization       uint256.Int
	FloatingRate              uint256.Int
	Params                    Params
}

// PoolView describes one maturity pool.
type PoolView struct {
	Maturity           uint64
	State              fixedpool.State
	Borrowed           uint256.Int
	Supplied           uint256.Int
	UnassignedEarnings uint256.Int
	LastAccrual        uint64
	BackupSupplied     uint256.Int
}

// PositionView describes an account's position at one maturity.
type PositionView struct {
	Maturity  uint64
	Principal uint256.Int
	Fee       uint256.Int
}

// AccountSnapshot is what the auditor needs to value an account in this
// market: deposit assets and total owed debt including late penalties.
type AccountSnapshot struct {
	Shares               uint256.Int
	Assets               uint256.Int
	Debt                 uint256.Int
	FloatingBorrowShares uint256.Int
	FixedDeposits        []PositionView
	FixedBorrows         []PositionView
}
