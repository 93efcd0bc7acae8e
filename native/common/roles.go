package common

import (
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

const (
	RoleAdmin   = "admin"
	RolePauser  = "pauser"
	RoleAuditor = "auditor"
)

// RoleRegistry is an in-memory role assignment table.
type RoleRegistry struct {
	mu    sync.RWMutex
	roles map[string]map[ethcommon.Address]struct{}
}

func NewRoleRegistry() *RoleRegistry {
	return &RoleRegistry{roles: make(map[string]map[ethcommon.Address]struct{})}
}

func (r *RoleRegistry) Grant(role string, account ethcommon.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.roles[role]
	if !ok {
		members = make(map[ethcommon.Address]struct{})
		r.roles[role] = members
	}
	members[account] = struct{}{}
}

func (r *RoleRegistry) Revoke(role string, account ethcommon.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles[role], account)
}

func (r *RoleRegistry) HasRole(role string, account ethcommon.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[role][account]
	return ok
}
