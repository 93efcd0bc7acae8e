package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	TypeLendingDeposit            = "lending.deposit"
	TypeLendingWithdraw           = "lending.withdraw"
	TypeLendingTransfer           = "lending.transfer"
	TypeLendingApproval           = "lending.approval"
	TypeLendingBorrow             = "lending.borrow"
	TypeLendingRepay              = "lending.repay"
	TypeLendingDepositAtMaturity  = "lending.deposit_at_maturity"
	TypeLendingWithdrawAtMaturity = "lending.withdraw_at_maturity"
	TypeLendingBorrowAtMaturity   = "lending.borrow_at_maturity"
	TypeLendingRepayAtMaturity    = "lending.repay_at_maturity"
	TypeLendingLiquidate          = "lending.liquidate"
	TypeLendingSeize              = "lending.seize"
	TypeLendingSpreadBadDebt      = "lending.spread_bad_debt"
	TypeLendingMarketUpdate       = "lending.market_update"
	TypeLendingParamsUpdated      = "lending.params_updated"
)

// LendingDeposit is emitted when floating deposit shares are minted.
type LendingDeposit struct {
	Market string
	Caller common.Address
	Owner  common.Address
	Assets uint256.Int
	Shares uint256.Int
}

func (LendingDeposit) EventType() string { return TypeLendingDeposit }

func (e LendingDeposit) Event() *Record {
	return &Record{Type: TypeLendingDeposit, Attributes: map[string]string{
		"market": normalizeAsset(e.Market),
		"caller": formatAddress(e.Caller),
		"owner":  formatAddress(e.Owner),
		"assets": formatAmount(e.Assets),
		"shares": formatAmount(e.Shares),
	}}
}

// LendingWithdraw is emitted when floating deposit shares are burned.
type LendingWithdraw struct {
	Market   string
	Caller   common.Address
	Receiver common.Address
	Owner    common.Address
	Assets   uint256.Int
	Shares   uint256.Int
}

func (LendingWithdraw) EventType() string { return TypeLendingWithdraw }

func (e LendingWithdraw) Event() *Record {
	return &Record{Type: TypeLendingWithdraw, Attributes: map[string]string{
		"market":   normalizeAsset(e.Market),
		"caller":   formatAddress(e.Caller),
		"receiver": formatAddress(e.Receiver),
		"owner":    formatAddress(e.Owner),
		"assets":   formatAmount(e.Assets),
		"shares":   formatAmount(e.Shares),
	}}
}

// LendingTransfer is emitted when deposit shares move between accounts.
type LendingTransfer struct {
	Market string
	From   common.Address
	To     common.Address
	Shares uint256.Int
}

func (LendingTransfer) EventType() string { return TypeLendingTransfer }

func (e LendingTransfer) Event() *Record {
	return &Record{Type: TypeLendingTransfer, Attributes: map[string]string{
		"market": normalizeAsset(e.Market),
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"shares": formatAmount(e.Shares),
	}}
}

// LendingApproval is emitted when a share allowance is set.
type LendingApproval struct {
	Market  string
	Owner   common.Address
	Spender common.Address
	Shares  uint256.Int
}

func (LendingApproval) EventType() string { return TypeLendingApproval }

func (e LendingApproval) Event() *Record {
	return &Record{Type: TypeLendingApproval, Attributes: map[string]string{
		"market":  normalizeAsset(e.Market),
		"owner":   formatAddress(e.Owner),
		"spender": formatAddress(e.Spender),
		"shares":  formatAmount(e.Shares),
	}}
}

// LendingBorrow is emitted for floating-rate borrows.
type LendingBorrow struct {
	Market   string
	Caller   common.Address
	Receiver common.Address
	Borrower common.Address
	Assets   uint256.Int
	Shares   uint256.Int
}

func (LendingBorrow) EventType() string { return TypeLendingBorrow }

func (e LendingBorrow) Event() *Record {
	return &Record{Type: TypeLendingBorrow, Attributes: map[string]string{
		"market":   normalizeAsset(e.Market),
		"caller":   formatAddress(e.Caller),
		"receiver": formatAddress(e.Receiver),
		"borrower": formatAddress(e.Borrower),
		"assets":   formatAmount(e.Assets),
		"shares":   formatAmount(e.Shares),
	}}
}

// LendingRepay is emitted for floating-rate repayments and refunds.
type LendingRepay struct {
	Market   string
	Caller   common.Address
	Borrower common.Address
	Assets   uint256.Int
	Shares   uint256.Int
}

func (LendingRepay) EventType() string { return TypeLendingRepay }

func (e LendingRepay) Event() *Record {
	return &Record{Type: TypeLendingRepay, Attributes: map[string]string{
		"market":   normalizeAsset(e.Market),
		"caller":   formatAddress(e.Caller),
		"borrower": formatAddress(e.Borrower),
		"assets":   formatAmount(e.Assets),
		"shares":   formatAmount(e.Shares),
	}}
}

// LendingDepositAtMaturity is emitted when a fixed deposit is opened or
// increased. Fee is the yield assigned to the position.
type LendingDepositAtMaturity struct {
	Market   string
	Maturity uint64
	Caller   common.Address
	Owner    common.Address
	Assets   uint256.Int
	Fee      uint256.Int
}

func (LendingDepositAtMaturity) EventType() string { return TypeLendingDepositAtMaturity }

func (e LendingDepositAtMaturity) Event() *Record {
	return &Record{Type: TypeLendingDepositAtMaturity, Attributes: map[string]string{
		"market":   normalizeAsset(e.Market),
		"maturity": formatUint(e.Maturity),
		"caller":   formatAddress(e.Caller),
		"owner":    formatAddress(e.Owner),
		"assets":   formatAmount(e.Assets),
		"fee":      formatAmount(e.Fee),
	}}
}

// LendingWithdrawAtMaturity is emitted when a fixed deposit is withdrawn.
// Assets is what the receiver got after any early-withdrawal discount.
type LendingWithdrawAtMaturity struct {
	Market         string
	Maturity       uint64
	Caller         common.Address
	Receiver       common.Address
	Owner          common.Address
	PositionAssets uint256.Int
	Assets         uint256.Int
}

func (LendingWithdrawAtMaturity) EventType() string { return TypeLendingWithdrawAtMaturity }

func (e LendingWithdrawAtMaturity) Event() *Record {
	return &Record{Type: TypeLendingWithdrawAtMaturity, Attributes: map[string]string{
		"market":         normalizeAsset(e.Market),
		"maturity":       formatUint(e.Maturity),
		"caller":         formatAddress(e.Caller),
		"receiver":       formatAddress(e.Receiver),
		"owner":          formatAddress(e.Owner),
		"positionAssets": formatAmount(e.PositionAssets),
		"assets":         formatAmount(e.Assets),
	}}
}

// LendingBorrowAtMaturity is emitted when a fixed borrow is opened or
// increased.
type LendingBorrowAtMaturity struct {
	Market   string
	Maturity uint64
	Caller   common.Address
	Receiver common.Address
	Borrower common.Address
	Assets   uint256.Int
	Fee      uint256.Int
}

func (LendingBorrowAtMaturity) EventType() string { return TypeLendingBorrowAtMaturity }

func (e LendingBorrowAtMaturity) Event() *Record {
	return &Record{Type: TypeLendingBorrowAtMaturity, Attributes: map[string]string{
		"market":   normalizeAsset(e.Market),
		"maturity": formatUint(e.Maturity),
		"caller":   formatAddress(e.Caller),
		"receiver": formatAddress(e.Receiver),
		"borrower": formatAddress(e.Borrower),
		"assets":   formatAmount(e.Assets),
		"fee":      formatAmount(e.Fee),
	}}
}

// LendingRepayAtMaturity is emitted when fixed debt is repaid. Assets is
// what was charged, PositionAssets the debt it covered.
type LendingRepayAtMaturity struct {
	Market         string
	Maturity       uint64
	Caller         common.Address
	Borrower       common.Address
	Assets         uint256.Int
	PositionAssets uint256.Int
}

func (LendingRepayAtMaturity) EventType() string { return TypeLendingRepayAtMaturity }

func (e LendingRepayAtMaturity) Event() *Record {
	return &Record{Type: TypeLendingRepayAtMaturity, Attributes: map[string]string{
		"market":         normalizeAsset(e.Market),
		"maturity":       formatUint(e.Maturity),
		"caller":         formatAddress(e.Caller),
		"borrower":       formatAddress(e.Borrower),
		"assets":         formatAmount(e.Assets),
		"positionAssets": formatAmount(e.PositionAssets),
	}}
}

// LendingLiquidate is emitted by the repay market of a liquidation.
type LendingLiquidate struct {
	Market        string
	Liquidator    common.Address
	Borrower      common.Address
	Assets        uint256.Int
	LendersAssets uint256.Int
	SeizeMarket   string
	SeizedAssets  uint256.Int
}

func (LendingLiquidate) EventType() string { return TypeLendingLiquidate }

func (e LendingLiquidate) Event() *Record {
	return &Record{Type: TypeLendingLiquidate, Attributes: map[string]string{
		"market":        normalizeAsset(e.Market),
		"liquidator":    formatAddress(e.Liquidator),
		"borrower":      formatAddress(e.Borrower),
		"assets":        formatAmount(e.Assets),
		"lendersAssets": formatAmount(e.LendersAssets),
		"seizeMarket":   normalizeAsset(e.SeizeMarket),
		"seizedAssets":  formatAmount(e.SeizedAssets),
	}}
}

// LendingSeize is emitted by the collateral market of a liquidation.
type LendingSeize struct {
	Market     string
	Liquidator common.Address
	Borrower   common.Address
	Assets     uint256.Int
}

func (LendingSeize) EventType() string { return TypeLendingSeize }

func (e LendingSeize) Event() *Record {
	return &Record{Type: TypeLendingSeize, Attributes: map[string]string{
		"market":     normalizeAsset(e.Market),
		"liquidator": formatAddress(e.Liquidator),
		"borrower":   formatAddress(e.Borrower),
		"assets":     formatAmount(e.Assets),
	}}
}

// LendingSpreadBadDebt is emitted when uncollateralised debt is written off.
type LendingSpreadBadDebt struct {
	Market   string
	Borrower common.Address
	Assets   uint256.Int
}

func (LendingSpreadBadDebt) EventType() string { return TypeLendingSpreadBadDebt }

func (e LendingSpreadBadDebt) Event() *Record {
	return &Record{Type: TypeLendingSpreadBadDebt, Attributes: map[string]string{
		"market":   normalizeAsset(e.Market),
		"borrower": formatAddress(e.Borrower),
		"assets":   formatAmount(e.Assets),
	}}
}

// LendingMarketUpdate carries the market aggregates after every committed
// operation.
type LendingMarketUpdate struct {
	Market                string
	Timestamp             uint64
	FloatingDepositShares uint256.Int
	FloatingAssets        uint256.Int
	FloatingBorrowShares  uint256.Int
	FloatingDebt          uint256.Int
	EarningsAccumulator   uint256.Int
}

func (LendingMarketUpdate) EventType() string { return TypeLendingMarketUpdate }

func (e LendingMarketUpdate) Event() *Record {
	return &Record{Type: TypeLendingMarketUpdate, Attributes: map[string]string{
		"market":                normalizeAsset(e.Market),
		"timestamp":             formatUint(e.Timestamp),
		"floatingDepositShares": formatAmount(e.FloatingDepositShares),
		"floatingAssets":        formatAmount(e.FloatingAssets),
		"floatingBorrowShares":  formatAmount(e.FloatingBorrowShares),
		"floatingDebt":          formatAmount(e.FloatingDebt),
		"earningsAccumulator":   formatAmount(e.EarningsAccumulator),
	}}
}

// LendingParamsUpdated is emitted by admin setters.
type LendingParamsUpdated struct {
	Market string
	Caller common.Address
	Field  string
	Value  string
}

func (LendingParamsUpdated) EventType() string { return TypeLendingParamsUpdated }

func (e LendingParamsUpdated) Event() *Record {
	return &Record{Type: TypeLendingParamsUpdated, Attributes: map[string]string{
		"market": normalizeAsset(e.Market),
		"caller": formatAddress(e.Caller),
		"field":  e.Field,
		"value":  e.Value,
	}}
}
