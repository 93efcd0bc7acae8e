// Package fixedpoint implements 18-decimal ("wad") arithmetic over 256-bit
// unsigned integers with explicit rounding direction.
//
// All helpers take and return values. Overflow, underflow and division by
// zero panic with an *ArithmeticError; callers that expose an operation
// boundary recover it with Recover.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ErrArithmetic is the sentinel matched by every *ArithmeticError.
var ErrArithmetic = errors.New("fixedpoint: arithmetic overflow or underflow")

// ArithmeticError reports the operation that could not be represented.
type ArithmeticError struct {
	Op string
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("fixedpoint: %s overflow or underflow", e.Op)
}

func (e *ArithmeticError) Unwrap() error { return ErrArithmetic }

var (
	// WAD is the fixed-point unit (1e18).
	WAD = FromUint64(1e18)
	// Zero is a convenience zero value.
	Zero uint256.Int
	// MaxUint256 is the largest representable amount. It is used as the
	// "unbounded" slippage limit and as the infinite allowance marker.
	MaxUint256 = *new(uint256.Int).SetAllOne()

	wadBig = big.NewInt(1e18)
)

func fail(op string) {
	panic(&ArithmeticError{Op: op})
}

// Recover converts an arithmetic panic into an error assigned to errp.
// Any other panic is propagated. It must be called directly by defer.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if arith, ok := r.(*ArithmeticError); ok {
		*errp = arith
		return
	}
	panic(r)
}

// FromUint64 returns v as a 256-bit value.
func FromUint64(v uint64) uint256.Int {
	var z uint256.Int
	z.SetUint64(v)
	return z
}

// Wad returns v·1e18.
func Wad(v uint64) uint256.Int {
	return Mul(FromUint64(v), WAD)
}

func Add(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&x, &y); overflow {
		fail("add")
	}
	return z
}

func Sub(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&x, &y); underflow {
		fail("sub")
	}
	return z
}

func Mul(x, y uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&x, &y); overflow {
		fail("mul")
	}
	return z
}

// Div is floor division.
func Div(x, y uint256.Int) uint256.Int {
	if y.IsZero() {
		fail("div")
	}
	var z uint256.Int
	z.Div(&x, &y)
	return z
}

func Min(x, y uint256.Int) uint256.Int {
	if x.Lt(&y) {
		return x
	}
	return y
}

func Max(x, y uint256.Int) uint256.Int {
	if x.Gt(&y) {
		return x
	}
	return y
}

func Lt(x, y uint256.Int) bool  { return x.Lt(&y) }
func Gt(x, y uint256.Int) bool  { return x.Gt(&y) }
func Lte(x, y uint256.Int) bool { return !x.Gt(&y) }
func Gte(x, y uint256.Int) bool { return !x.Lt(&y) }
func Eq(x, y uint256.Int) bool  { return x.Eq(&y) }

// MulDivDown returns floor(x·y/d) computed with a 512-bit intermediate.
func MulDivDown(x, y, d uint256.Int) uint256.Int {
	if d.IsZero() {
		fail("mulDiv")
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(&x, &y, &d); overflow {
		fail("mulDiv")
	}
	return z
}

// MulDivUp returns ceil(x·y/d).
func MulDivUp(x, y, d uint256.Int) uint256.Int {
	z := MulDivDown(x, y, d)
	var rem uint256.Int
	rem.MulMod(&x, &y, &d)
	if !rem.IsZero() {
		z = Add(z, FromUint64(1))
	}
	return z
}

func MulWadDown(x, y uint256.Int) uint256.Int { return MulDivDown(x, y, WAD) }
func MulWadUp(x, y uint256.Int) uint256.Int   { return MulDivUp(x, y, WAD) }
func DivWadDown(x, y uint256.Int) uint256.Int { return MulDivDown(x, WAD, y) }
func DivWadUp(x, y uint256.Int) uint256.Int   { return MulDivUp(x, WAD, y) }

// Beyond this exponent exp(-x)·1e18 rounds down to zero.
var expNegCutoff = Wad(42)

// ExpNegWad returns exp(-x/1e18)·1e18 rounded down. The series is evaluated
// at 1e36 precision on x/64 and squared back up six times.
func ExpNegWad(x uint256.Int) uint256.Int {
	if x.IsZero() {
		return WAD
	}
	if !x.Lt(&expNegCutoff) {
		return Zero
	}
	scale := new(big.Int).Mul(wadBig, wadBig)
	arg := new(big.Int).Mul(x.ToBig(), wadBig)
	arg.Rsh(arg, 6)

	sum := new(big.Int).Set(scale)
	term := new(big.Int).Set(scale)
	for n := int64(1); ; n++ {
		term.Mul(term, arg)
		term.Quo(term, scale)
		term.Quo(term, big.NewInt(n))
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}
	for i := 0; i < 6; i++ {
		sum.Mul(sum, sum)
		sum.Quo(sum, scale)
	}
	result := new(big.Int).Mul(wadBig, scale)
	result.Quo(result, sum)
	out, overflow := uint256.FromBig(result)
	if overflow {
		fail("exp")
	}
	return *out
}

// ParseWad parses a non-negative decimal such as "0.0046" or "12" into a
// wad-scaled value. At most 18 fractional digits are accepted.
func ParseWad(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("fixedpoint: empty decimal")
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac && frac == "" {
		return Zero, fmt.Errorf("fixedpoint: invalid decimal %q", s)
	}
	if len(frac) > 18 {
		return Zero, fmt.Errorf("fixedpoint: decimal %q exceeds 18 fractional digits", s)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", 18-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return Zero, fmt.Errorf("fixedpoint: invalid decimal %q", s)
		}
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Zero, fmt.Errorf("fixedpoint: invalid decimal %q", s)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return Zero, fmt.Errorf("fixedpoint: decimal %q out of range", s)
	}
	return *out, nil
}

// ParseAmount parses a base-10 integer amount.
func ParseAmount(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("fixedpoint: empty amount")
	}
	if strings.EqualFold(s, "max") {
		return MaxUint256, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Zero, fmt.Errorf("fixedpoint: invalid amount %q: %w", s, err)
	}
	return *v, nil
}

// FormatWad renders a wad value as a decimal string without trailing zeros.
func FormatWad(v uint256.Int) string {
	q, r := new(big.Int).QuoRem(v.ToBig(), wadBig, new(big.Int))
	if r.Sign() == 0 {
		return q.String()
	}
	frac := r.String()
	frac = strings.Repeat("0", 18-len(frac)) + frac
	return q.String() + "." + strings.TrimRight(frac, "0")
}
