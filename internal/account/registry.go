// Package account implements the account registry and capability ACL the
// engine consults before acting on behalf of a caller.
//
// Account ownership lives outside the margin core: the engine only ever asks
// this package whether a caller holds a capability on an account. Owners
// implicitly hold every capability; an Admin grant implies the rest.
package account

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Permission is a named capability over an account.
type Permission string

const (
	PermissionAdmin    Permission = "admin"
	PermissionTrade    Permission = "trade"
	PermissionWithdraw Permission = "withdraw"
)

var validPermissions = map[Permission]bool{
	PermissionAdmin:    true,
	PermissionTrade:    true,
	PermissionWithdraw: true,
}

var (
	// ErrUnknownAccount is returned when an account id is not registered.
	ErrUnknownAccount = errors.New("account: unknown account")

	// ErrInvalidPermission is returned for a permission outside the
	// capability set.
	ErrInvalidPermission = errors.New("account: invalid permission")

	// ErrNotOwner is returned when a caller other than the owner attempts to
	// grant or revoke capabilities.
	ErrNotOwner = errors.New("account: only the owner may manage permissions")
)

// Registry is the process-wide account table: id → owner plus capability
// grants. Created once at startup and passed explicitly to each component.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]string
	grants map[string]map[Permission]map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		owners: make(map[string]string),
		grants: make(map[string]map[Permission]map[string]bool),
	}
}

// CreateAccount registers a new account for the given owner and returns its
// id.
func (r *Registry) CreateAccount(owner string) string {
	id := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[id] = owner
	return id
}

// Exists reports whether the account id is registered.
func (r *Registry) Exists(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[accountID]
	return ok
}

// Owner returns the owner of an account.
func (r *Registry) Owner(accountID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[accountID]
	return owner, ok
}

// Grant gives user the permission on the account. Only the owner may grant.
func (r *Registry) Grant(accountID string, perm Permission, caller, user string) error {
	if !validPermissions[perm] {
		return ErrInvalidPermission
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if caller != owner {
		return ErrNotOwner
	}

	perms, ok := r.grants[accountID]
	if !ok {
		perms = make(map[Permission]map[string]bool)
		r.grants[accountID] = perms
	}
	users, ok := perms[perm]
	if !ok {
		users = make(map[string]bool)
		perms[perm] = users
	}
	users[user] = true
	return nil
}

// Revoke removes the permission from user on the account. Only the owner may
// revoke.
func (r *Registry) Revoke(accountID string, perm Permission, caller, user string) error {
	if !validPermissions[perm] {
		return ErrInvalidPermission
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	if caller != owner {
		return ErrNotOwner
	}

	if users, ok := r.grants[accountID][perm]; ok {
		delete(users, user)
	}
	return nil
}

// HasPermission reports whether user holds the permission on the account.
// The owner holds every permission; an Admin grant implies the rest.
func (r *Registry) HasPermission(accountID string, perm Permission, user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[accountID]
	if !ok {
		return false
	}
	if user == owner {
		return true
	}
	if r.grants[accountID][PermissionAdmin][user] {
		return true
	}
	return r.grants[accountID][perm][user]
}
