package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseTable is a concurrency-safe PauseView keyed by module name.
type PauseTable struct {
	mu      sync.RWMutex
	modules map[string]bool
}

func NewPauseTable() *PauseTable {
	return &PauseTable{modules: make(map[string]bool)}
}

func (t *PauseTable) IsPaused(module string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modules[module]
}

func (t *PauseTable) SetPaused(module string, paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if paused {
		t.modules[module] = true
		return
	}
	delete(t.modules, module)
}

// Paused lists the currently paused modules.
func (t *PauseTable) Paused() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.modules))
	for module := range t.modules {
		out = append(out, module)
	}
	return out
}
