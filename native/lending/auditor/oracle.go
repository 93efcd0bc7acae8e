package auditor

import (
	"errors"
	"strings"
	"sync"

	"github.com/holiman/uint256"
)

var ErrPriceUnavailable = errors.New("auditor: price unavailable")

// Oracle returns the wad-scaled price of one whole unit of an asset.
type Oracle interface {
	Price(symbol string) (uint256.Int, error)
}

// StaticOracle serves prices set by an operator.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]uint256.Int
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]uint256.Int)}
}

func (o *StaticOracle) SetPrice(symbol string, price uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[strings.ToUpper(symbol)] = price
}

func (o *StaticOracle) Price(symbol string) (uint256.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[strings.ToUpper(symbol)]
	if !ok {
		return uint256.Int{}, ErrPriceUnavailable
	}
	return price, nil
}

// Prices returns a copy of every configured price.
func (o *StaticOracle) Prices() map[string]uint256.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]uint256.Int, len(o.prices))
	for k, v := range o.prices {
		out[k] = v
	}
	return out
}
