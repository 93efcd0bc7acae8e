package lending

import (
	"errors"

	"github.com/holiman/uint256"

	fp "termlend/native/lending/fixedpoint"
)

const secondsPerYear uint64 = 365 * 24 * 60 * 60

// ErrUtilizationExceeded is returned by rate models when a fixed borrow
// would need more backup liquidity than the floating pool holds.
var ErrUtilizationExceeded = errors.New("lending: utilization exceeded")

// InterestRateModel prices fixed and floating borrows. Rates are wad-scaled.
type InterestRateModel interface {
	// FixedBorrowRate returns the rate for the remaining term of maturity,
	// not annualised. borrowed and supplied describe the pool before amount
	// is taken; backupAssets is the smoothed floating assets average.
	FixedBorrowRate(maturity, now uint64, amount, borrowed, supplied, backupAssets uint256.Int) (uint256.Int, error)
	// FloatingRate returns the annual floating rate at utilization.
	FloatingRate(utilization uint256.Int) uint256.Int
}

// ConstantRateModel charges the same rates regardless of utilization.
type ConstantRateModel struct {
	Fixed    uint256.Int
	Floating uint256.Int
}

func (m ConstantRateModel) FixedBorrowRate(uint64, uint64, uint256.Int, uint256.Int, uint256.Int, uint256.Int) (uint256.Int, error) {
	return m.Fixed, nil
}

func (m ConstantRateModel) FloatingRate(uint256.Int) uint256.Int {
	return m.Floating
}

// KinkedRateModel encapsulates the parameters that shape how interest rates
// react to utilisation.
type KinkedRateModel struct {
	// Base is the minimum annual rate applied when utilisation is zero.
	Base uint256.Int
	// Slope1 is the rate increase per unit of utilisation up to the kink.
	Slope1 uint256.Int
	// Slope2 governs the additional increase above the kink.
	Slope2 uint256.Int
	// Kink is the utilisation where the slope changes.
	Kink uint256.Int
}

var errInvalidKink = errors.New("lending: kink must be within (0, 1]")

func NewKinkedRateModel(base, slope1, slope2, kink uint256.Int) (*KinkedRateModel, error) {
	if kink.IsZero() || kink.Gt(&fp.WAD) {
		return nil, errInvalidKink
	}
	return &KinkedRateModel{Base: base, Slope1: slope1, Slope2: slope2, Kink: kink}, nil
}

// DefaultKinkedRateModel provides a reasonable starting configuration with a
// modest base rate: 2% base, 15% slope to an 80% kink, 60% slope beyond.
func DefaultKinkedRateModel() *KinkedRateModel {
	return &KinkedRateModel{
		Base:   fp.FromUint64(2e16),
		Slope1: fp.FromUint64(15e16),
		Slope2: fp.FromUint64(6e17),
		Kink:   fp.FromUint64(8e17),
	}
}

// AnnualRate derives the annual rate at utilization.
func (m *KinkedRateModel) AnnualRate(utilization uint256.Int) uint256.Int {
	if !utilization.Gt(&m.Kink) {
		return fp.Add(m.Base, fp.MulWadDown(m.Slope1, utilization))
	}
	rate := fp.Add(m.Base, fp.MulWadDown(m.Slope1, m.Kink))
	return fp.Add(rate, fp.MulWadDown(m.Slope2, fp.Sub(utilization, m.Kink)))
}

func (m *KinkedRateModel) FloatingRate(utilization uint256.Int) uint256.Int {
	return m.AnnualRate(fp.Min(utilization, fp.WAD))
}

// FixedBorrowRate uses the backup liquidity the pool would need after the
// borrow, relative to the floating assets average, as utilisation.
func (m *KinkedRateModel) FixedBorrowRate(maturity, now uint64, amount, borrowed, supplied, backupAssets uint256.Int) (uint256.Int, error) {
	if maturity <= now {
		return fp.Zero, nil
	}
	next := fp.Add(borrowed, amount)
	needed := fp.Sub(next, fp.Min(next, supplied))
	utilization := fp.Zero
	if !needed.IsZero() {
		if backupAssets.IsZero() {
			return fp.Zero, ErrUtilizationExceeded
		}
		utilization = fp.DivWadUp(needed, backupAssets)
		if utilization.Gt(&fp.WAD) {
			return fp.Zero, ErrUtilizationExceeded
		}
	}
	annual := m.AnnualRate(utilization)
	return fp.MulDivDown(annual, fp.FromUint64(maturity-now), fp.FromUint64(secondsPerYear)), nil
}
