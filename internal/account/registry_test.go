package account_test

import (
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/account"
)

func TestCreateAccount(t *testing.T) {
	r := account.NewRegistry()

	id := r.CreateAccount("alice")
	if id == "" {
		t.Fatal("expected non-empty account id")
	}
	if !r.Exists(id) {
		t.Error("created account should exist")
	}
	if owner, ok := r.Owner(id); !ok || owner != "alice" {
		t.Errorf("expected owner alice, got %q (ok=%v)", owner, ok)
	}
	if r.Exists("nope") {
		t.Error("unknown id should not exist")
	}
}

func TestOwnerHoldsAllPermissions(t *testing.T) {
	r := account.NewRegistry()
	id := r.CreateAccount("alice")

	for _, p := range []account.Permission{
		account.PermissionAdmin, account.PermissionTrade, account.PermissionWithdraw,
	} {
		if !r.HasPermission(id, p, "alice") {
			t.Errorf("owner should hold %s", p)
		}
	}
	if r.HasPermission(id, account.PermissionTrade, "mallory") {
		t.Error("stranger should hold nothing")
	}
}

func TestGrantAndRevoke(t *testing.T) {
	r := account.NewRegistry()
	id := r.CreateAccount("alice")

	if err := r.Grant(id, account.PermissionTrade, "alice", "bob"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if !r.HasPermission(id, account.PermissionTrade, "bob") {
		t.Error("bob should hold trade after grant")
	}
	if r.HasPermission(id, account.PermissionWithdraw, "bob") {
		t.Error("trade grant must not imply withdraw")
	}

	if err := r.Revoke(id, account.PermissionTrade, "alice", "bob"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if r.HasPermission(id, account.PermissionTrade, "bob") {
		t.Error("bob should lose trade after revoke")
	}
}

func TestAdminImpliesAll(t *testing.T) {
	r := account.NewRegistry()
	id := r.CreateAccount("alice")

	if err := r.Grant(id, account.PermissionAdmin, "alice", "bob"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if !r.HasPermission(id, account.PermissionTrade, "bob") ||
		!r.HasPermission(id, account.PermissionWithdraw, "bob") {
		t.Error("admin grant should imply trade and withdraw")
	}
}

func TestOnlyOwnerManagesPermissions(t *testing.T) {
	r := account.NewRegistry()
	id := r.CreateAccount("alice")

	err := r.Grant(id, account.PermissionTrade, "mallory", "mallory")
	if !errors.Is(err, account.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	// Even a granted admin may not manage grants.
	r.Grant(id, account.PermissionAdmin, "alice", "bob")
	err = r.Grant(id, account.PermissionTrade, "bob", "carol")
	if !errors.Is(err, account.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for non-owner admin, got %v", err)
	}
}

func TestGrant_Validation(t *testing.T) {
	r := account.NewRegistry()
	id := r.CreateAccount("alice")

	if err := r.Grant(id, "fly", "alice", "bob"); !errors.Is(err, account.ErrInvalidPermission) {
		t.Errorf("expected ErrInvalidPermission, got %v", err)
	}
	if err := r.Grant("nope", account.PermissionTrade, "alice", "bob"); !errors.Is(err, account.ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}
}
