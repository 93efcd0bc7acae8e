package fixedpool

import (
	"sort"

	"github.com/holiman/uint256"

	fp "termlend/native/lending/fixedpoint"
)

// Position is an account's fixed deposit or borrow at one maturity. The fee
// is fixed when the position is opened and never re-priced.
type Position struct {
	Principal uint256.Int
	Fee       uint256.Int
}

func (p Position) Total() uint256.Int { return fp.Add(p.Principal, p.Fee) }

func (p Position) IsZero() bool { return p.Principal.IsZero() && p.Fee.IsZero() }

// ScaleProportionally returns the principal/fee split of amount at the
// position's ratio.
func (p Position) ScaleProportionally(amount uint256.Int) Position {
	total := p.Total()
	if total.IsZero() {
		return Position{}
	}
	principal := fp.MulDivDown(amount, p.Principal, total)
	return Position{Principal: principal, Fee: fp.Sub(amount, principal)}
}

// ReduceProportionally returns what remains after removing amount from the
// position. The removed part is exactly ScaleProportionally(amount), so the
// principal taken out of a pool always matches the position.
func (p Position) ReduceProportionally(amount uint256.Int) Position {
	removed := p.ScaleProportionally(amount)
	return Position{
		Principal: fp.Sub(p.Principal, removed.Principal),
		Fee:       fp.Sub(p.Fee, removed.Fee),
	}
}

// MaturitySet is an ascending set of maturities. Mutations return a new set
// so copies taken before a change stay valid.
type MaturitySet struct {
	values []uint64
}

func NewMaturitySet(values ...uint64) MaturitySet {
	var s MaturitySet
	for _, v := range values {
		s = s.With(v)
	}
	return s
}

func (s MaturitySet) index(m uint64) (int, bool) {
	i := sort.Search(len(s.values), func(i int) bool { return s.values[i] >= m })
	return i, i < len(s.values) && s.values[i] == m
}

func (s MaturitySet) Contains(m uint64) bool {
	_, ok := s.index(m)
	return ok
}

func (s MaturitySet) With(m uint64) MaturitySet {
	i, ok := s.index(m)
	if ok {
		return s
	}
	values := make([]uint64, 0, len(s.values)+1)
	values = append(values, s.values[:i]...)
	values = append(values, m)
	values = append(values, s.values[i:]...)
	return MaturitySet{values: values}
}

func (s MaturitySet) Without(m uint64) MaturitySet {
	i, ok := s.index(m)
	if !ok {
		return s
	}
	values := make([]uint64, 0, len(s.values)-1)
	values = append(values, s.values[:i]...)
	values = append(values, s.values[i+1:]...)
	return MaturitySet{values: values}
}

func (s MaturitySet) Len() int { return len(s.values) }

// Values returns the maturities in ascending order.
func (s MaturitySet) Values() []uint64 {
	out := make([]uint64, len(s.values))
	copy(out, s.values)
	return out
}
