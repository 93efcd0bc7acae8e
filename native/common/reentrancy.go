package common

import (
	"errors"
	"sync/atomic"
)

var ErrReentrantCall = errors.New("reentrant call")

// ReentrancyGuard rejects entry while another guarded section of the same
// owner is still running.
type ReentrancyGuard struct {
	entered atomic.Bool
}

func (g *ReentrancyGuard) Enter() error {
	if !g.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (g *ReentrancyGuard) Exit() {
	g.entered.Store(false)
}

// Entered reports whether a guarded section is running.
func (g *ReentrancyGuard) Entered() bool {
	return g.entered.Load()
}
