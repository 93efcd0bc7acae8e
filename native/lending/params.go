package lending

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fp "termlend/native/lending/fixedpoint"
)

// Params holds the tunables of one market. All rates are wad-scaled.
type Params struct {
	// MaxFuturePools is the number of maturities open for deposits and
	// borrows beyond the latest one.
	MaxFuturePools uint64
	// EarningsAccumulatorSmoothFactor stretches the accumulator release
	// horizon; zero releases everything at the next accrual.
	EarningsAccumulatorSmoothFactor uint256.Int
	// PenaltyRate is charged per second on overdue fixed debt.
	PenaltyRate uint256.Int
	// BackupFeeRate is the share of a fixed depositor's yield kept for
	// backup suppliers.
	BackupFeeRate uint256.Int
	// ReserveFactor is the share of floating assets that cannot be lent.
	ReserveFactor uint256.Int
	// DampSpeedUp and DampSpeedDown drive the floating assets average
	// towards the current value, per second.
	DampSpeedUp   uint256.Int
	DampSpeedDown uint256.Int
	// TreasuryFeeRate is taken from interest, fees and discounts.
	TreasuryFeeRate uint256.Int
	Treasury        common.Address
}

var (
	errMaxFuturePools = errors.New("lending: max future pools must be between 1 and 224")
	errRateAboveOne   = errors.New("lending: rate must not exceed 1")
	errTreasuryUnset  = errors.New("lending: treasury fee requires a treasury address")
)

const maxFuturePoolsLimit = 224

// DefaultParams returns the parameters lendingd starts from when the market
// file leaves a field empty.
func DefaultParams() Params {
	return Params{
		MaxFuturePools:                  3,
		EarningsAccumulatorSmoothFactor: fp.Wad(2),
		PenaltyRate:                     fp.MulDivDown(fp.FromUint64(2e16), fp.FromUint64(1), fp.FromUint64(86_400)),
		BackupFeeRate:                   fp.FromUint64(1e17),
		ReserveFactor:                   fp.Zero,
		DampSpeedUp:                     fp.FromUint64(46e14),
		DampSpeedDown:                   fp.FromUint64(42e16),
		TreasuryFeeRate:                 fp.Zero,
	}
}

// Validate rejects parameter sets that would break the accounting.
func (p Params) Validate() error {
	if p.MaxFuturePools == 0 || p.MaxFuturePools > maxFuturePoolsLimit {
		return errMaxFuturePools
	}
	for name, rate := range map[string]uint256.Int{
		"backup fee rate":   p.BackupFeeRate,
		"reserve factor":    p.ReserveFactor,
		"treasury fee rate": p.TreasuryFeeRate,
		"damp speed up":     p.DampSpeedUp,
		"damp speed down":   p.DampSpeedDown,
	} {
		if rate.Gt(&fp.WAD) {
			return fmt.Errorf("%s: %w", name, errRateAboveOne)
		}
	}
	if !p.TreasuryFeeRate.IsZero() && p.Treasury == (common.Address{}) {
		return errTreasuryUnset
	}
	return nil
}
