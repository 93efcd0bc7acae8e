package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"termlend/core/events"
	nativecommon "termlend/native/common"
	fp "termlend/native/lending/fixedpoint"
	"termlend/native/lending/fixedpool"
)

var (
	ErrInsufficientProtocolLiquidity = errors.New("lending: insufficient protocol liquidity")
	ErrInsufficientAccountLiquidity  = errors.New("lending: insufficient account liquidity")
	ErrDisagreement                  = errors.New("lending: disagreement")
	ErrZeroAmount                    = errors.New("lending: zero amount")
	ErrZeroRepay                     = errors.New("lending: zero repay")
	ErrZeroWithdraw                  = errors.New("lending: zero withdraw")
	ErrSelfLiquidation               = errors.New("lending: self liquidation")
	ErrInsufficientAllowance         = errors.New("lending: insufficient allowance")
	ErrInsufficientShares            = errors.New("lending: insufficient shares")
	ErrInsufficientShortfall         = errors.New("lending: insufficient shortfall")
	ErrAccountHasCollateral          = errors.New("lending: account still has collateral")
	ErrUnauthorized                  = errors.New("lending: unauthorized")
	ErrMarketNotListed               = errors.New("lending: market not listed")
	ErrNotConfigured                 = errors.New("lending: collaborator not configured")

	ErrArithmetic       = fp.ErrArithmetic
	ErrReentrantCall    = nativecommon.ErrReentrantCall
	ErrModulePaused     = nativecommon.ErrModulePaused
	ErrInvalidMaturity  = fixedpool.ErrInvalidMaturity
	ErrMaturityMatured  = fixedpool.ErrMaturityMatured
	ErrMaturityNotReady = fixedpool.ErrMaturityNotReady
)

const moduleName = "lending"

// Auditor values accounts across markets and sizes liquidations.
type Auditor interface {
	// AccountLiquidity returns the account's risk-adjusted collateral and
	// debt across every market.
	AccountLiquidity(ctx context.Context, account common.Address) (collateral, debt uint256.Int, err error)
	// CheckLiquidation fails with ErrInsufficientShortfall when the borrower
	// is healthy and otherwise returns the maximum repay in repayMarket
	// assets, bounded by maxLiquidatorAssets.
	CheckLiquidation(ctx context.Context, repayMarket, seizeMarket string, borrower common.Address, maxLiquidatorAssets uint256.Int) (uint256.Int, error)
	// CalculateSeize returns the lenders' incentive in repayMarket assets
	// and the collateral to seize in seizeMarket assets.
	CalculateSeize(ctx context.Context, repayMarket, seizeMarket string, borrower common.Address, repaidAssets uint256.Int) (lendersAssets, seizeAssets uint256.Int, err error)
	// CheckSeize fails unless both markets are listed.
	CheckSeize(ctx context.Context, repayMarket, seizeMarket string) error
}

// Asset moves the market's underlying between accounts and the market's
// custody.
type Asset interface {
	Pull(ctx context.Context, from common.Address, amount uint256.Int) error
	Push(ctx context.Context, to common.Address, amount uint256.Int) error
}

// AccessControl answers role membership for admin operations.
type AccessControl interface {
	HasRole(role string, account common.Address) bool
}

// CollateralMarket is the seize side of a cross-market liquidation.
type CollateralMarket interface {
	Symbol() string
	Seize(ctx context.Context, repayMarket string, liquidator, borrower common.Address, assets uint256.Int) error
}

// Market is the accounting engine of one underlying asset. It is
// single-threaded: concurrent callers must be serialised outside, and any
// nested entry fails with ErrReentrantCall.
type Market struct {
	symbol string
	params Params

	irm     InterestRateModel
	auditor Auditor
	asset   Asset
	access  AccessControl
	pauses  nativecommon.PauseView
	emitter events.Emitter
	clock   func() time.Time

	guard nativecommon.ReentrancyGuard

	st            floatingState
	pools         map[uint64]*fixedpool.Pool
	fixedDeposits map[positionKey]fixedpool.Position
	fixedBorrows  map[positionKey]fixedpool.Position
	accounts      map[common.Address]*Account
	balances      map[common.Address]uint256.Int
	allowances    map[allowanceKey]uint256.Int
}

type Option func(*Market)

func WithAuditor(a Auditor) Option { return func(m *Market) { m.auditor = a } }
func WithAsset(a Asset) Option { return func(m *Market) { m.asset = a } }
func WithAccessControl(a AccessControl) Option { return func(m *Market) { m.access = a } }
func WithPauses(p nativecommon.PauseView) Option { return func(m *Market) { m.pauses = p } }
func WithEmitter(e events.Emitter) Option { return func(m *Market) { m.emitter = e } }
func WithClock(clock func() time.Time) Option { return func(m *Market) { m.clock = clock } }

// New creates an empty market. All accrual timestamps start at the clock's
// current time.
func New(symbol string, params Params, irm InterestRateModel, opts ...Option) (*Market, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("lending: market symbol required")
	}
	if irm == nil {
		return nil, fmt.Errorf("lending: interest rate model: %w", ErrNotConfigured)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m := &Market{
		symbol:        symbol,
		params:        params,
		irm:           irm,
		emitter:       events.NoopEmitter{},
		clock:         time.Now,
		pools:         make(map[uint64]*fixedpool.Pool),
		fixedDeposits: make(map[positionKey]fixedpool.Position),
		fixedBorrows:  make(map[positionKey]fixedpool.Position),
		accounts:      make(map[common.Address]*Account),
		balances:      make(map[common.Address]uint256.Int),
		allowances:    make(map[allowanceKey]uint256.Int),
	}
	for _, opt := range opts {
		opt(m)
	}
	now := m.now()
	m.st.LastFloatingDebtUpdate = now
	m.st.LastAverageUpdate = now
	m.st.LastAccumulatorAccrual = now
	return m, nil
}

func (m *Market) Symbol() string { return m.symbol }

// SetAuditor wires the auditor after construction; markets and the auditor
// reference each other.
func (m *Market) SetAuditor(a Auditor) { m.auditor = a }

func (m *Market) SetEmitter(e events.Emitter) {
	if e == nil {
		e = events.NoopEmitter{}
	}
	m.emitter = e
}

func (m *Market) now() uint64 {
	t := m.clock()
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func (m *Market) pauseKey() string {
	return moduleName + "." + m.symbol
}

// execute runs fn as one all-or-nothing operation under the reentrancy
// guard. On error or arithmetic panic the state is restored and buffered
// events are dropped.
func (m *Market) execute(op string, paused bool, fn func(tx *txn) error) (err error) {
	if err := m.guard.Enter(); err != nil {
		return err
	}
	defer m.guard.Exit()
	if paused {
		if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
			return err
		}
		if err := nativecommon.Guard(m.pauses, m.pauseKey()); err != nil {
			return err
		}
	}
	tx := m.begin()
	defer func() {
		if r := recover(); r != nil {
			arith, ok := r.(*fp.ArithmeticError)
			if !ok {
				tx.rollback()
				panic(r)
			}
			err = arith
		}
		if err != nil {
			tx.rollback()
			err = fmt.Errorf("%s %s: %w", m.symbol, op, err)
			return
		}
		tx.commit()
	}()
	return fn(tx)
}

// checkLiquidity runs the auditor's collateral check on account.
func (m *Market) checkLiquidity(ctx context.Context, account common.Address) error {
	if m.auditor == nil {
		return nil
	}
	collateral, debt, err := m.auditor.AccountLiquidity(ctx, account)
	if err != nil {
		return err
	}
	if debt.Gt(&collateral) {
		return ErrInsufficientAccountLiquidity
	}
	return nil
}

func (m *Market) pull(ctx context.Context, from common.Address, amount uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if m.asset == nil {
		return fmt.Errorf("asset: %w", ErrNotConfigured)
	}
	return m.asset.Pull(ctx, from, amount)
}

func (m *Market) push(ctx context.Context, to common.Address, amount uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if m.asset == nil {
		return fmt.Errorf("asset: %w", ErrNotConfigured)
	}
	return m.asset.Push(ctx, to, amount)
}
