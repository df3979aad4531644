package main

import "testing"

func TestDerivePermissionsAdminForcesEverything(t *testing.T) {
	perms := DerivePermissions(BitAdmin)
	if !perms.Admin || !perms.FileEdit || !perms.SettingsEdit || !perms.UpdateManage {
		t.Fatalf("expected admin bit to force every flag true, got %+v", perms)
	}
}

func TestDerivePermissionsIndividualBits(t *testing.T) {
	perms := DerivePermissions(BitTerminalRead | BitTerminalSend)
	if perms.Admin {
		t.Fatalf("did not set admin bit, expected Admin=false")
	}
	if !perms.TerminalRead || !perms.TerminalSend {
		t.Fatalf("expected terminal read/send true, got %+v", perms)
	}
	if perms.FileEdit || perms.SettingsEdit || perms.PermissionsEdit {
		t.Fatalf("expected unrelated flags false, got %+v", perms)
	}
}

func TestDerivePermissionsUpdateBitCoversBothKeys(t *testing.T) {
	perms := DerivePermissions(BitUpdate)
	if !perms.UpdateCheck || !perms.UpdateManage {
		t.Fatalf("expected both update.check and update.manage true from one bit, got %+v", perms)
	}
}

func TestDerivePermissionsZeroBitsAllFalse(t *testing.T) {
	perms := DerivePermissions(0)
	want := AuthPermissions{}
	if perms != want {
		t.Fatalf("expected all-false permissions, got %+v", perms)
	}
}

func TestGenerateTokenProducesDistinctHex(t *testing.T) {
	a, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	b, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if a == b {
		t.Fatalf("expected two independent tokens to differ")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars (32 bytes), got %d", len(a))
	}
}
