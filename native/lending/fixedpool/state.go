package fixedpool

import "errors"

// Interval is the spacing between consecutive maturities (4 weeks).
const Interval uint64 = 4 * 7 * 24 * 60 * 60

var (
	ErrInvalidMaturity  = errors.New("fixedpool: maturity is not a multiple of the interval")
	ErrMaturityMatured  = errors.New("fixedpool: maturity already reached")
	ErrMaturityNotReady = errors.New("fixedpool: maturity not yet enabled")
)

type State uint8

const (
	StateNone State = iota
	StateInvalid
	StateMatured
	StateValid
	StateNotReady
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateMatured:
		return "matured"
	case StateValid:
		return "valid"
	case StateNotReady:
		return "not_ready"
	default:
		return "none"
	}
}

// CheckState classifies maturity relative to now and the number of
// enabled future pools.
func CheckState(maturity, now, maxFuturePools uint64) State {
	if maturity%Interval != 0 {
		return StateInvalid
	}
	if maturity <= now {
		return StateMatured
	}
	if maturity > now-now%Interval+Interval*maxFuturePools {
		return StateNotReady
	}
	return StateValid
}

// Require fails unless maturity is in one of the allowed states.
func Require(maturity, now, maxFuturePools uint64, allowed ...State) error {
	state := CheckState(maturity, now, maxFuturePools)
	for _, s := range allowed {
		if s == state {
			return nil
		}
	}
	switch state {
	case StateInvalid:
		return ErrInvalidMaturity
	case StateMatured:
		return ErrMaturityMatured
	default:
		return ErrMaturityNotReady
	}
}

// LatestMaturity returns the most recent maturity at or before now.
func LatestMaturity(now uint64) uint64 {
	return now - now%Interval
}
