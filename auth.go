package main

import (
	"crypto/rand"
	"encoding/hex"
)

// Permission bit positions, matching original_source/websocket_handler.rs's
// permission-to-JSON mapping: bit 0 is admin and implies every other flag.
const (
	BitAdmin uint16 = 1 << iota
	BitConnectionEdit
	BitFileAccess
	BitFileEdit
	BitPrintStateEdit
	BitSettingsEdit
	BitPermissionsEdit
	BitTerminalRead
	BitTerminalSend
	BitWebcamView
	BitUpdate
)

// AuthPermissions is the derived, front-end-facing permission set. Listed
// here (rather than implemented by the front-end) so the WebSocket ready
// frame's permissions object is reproducible from core types, per spec.md
// §3.
type AuthPermissions struct {
	Admin           bool `json:"admin"`
	ConnectionEdit  bool `json:"connection.edit"`
	FileAccess      bool `json:"file.access"`
	FileEdit        bool `json:"file.edit"`
	PrintStateEdit  bool `json:"print_state.edit"`
	SettingsEdit    bool `json:"settings.edit"`
	PermissionsEdit bool `json:"permissions.edit"`
	TerminalRead    bool `json:"terminal.read"`
	TerminalSend    bool `json:"terminal.send"`
	WebcamView      bool `json:"webcam.view"`
	UpdateCheck     bool `json:"update.check"`
	UpdateManage    bool `json:"update.manage"`
}

// DerivePermissions expands an 11-bit permission integer into the flag
// struct. Bit 0 (admin) forces every other flag true. update.check and
// update.manage both derive from BitUpdate — the original exposes a single
// update() check on the user object that the websocket handler maps onto
// both JSON keys.
func DerivePermissions(bits uint16) AuthPermissions {
	if bits&BitAdmin != 0 {
		return AuthPermissions{
			Admin: true, ConnectionEdit: true, FileAccess: true, FileEdit: true,
			PrintStateEdit: true, SettingsEdit: true, PermissionsEdit: true,
			TerminalRead: true, TerminalSend: true, WebcamView: true,
			UpdateCheck: true, UpdateManage: true,
		}
	}
	return AuthPermissions{
		ConnectionEdit:  bits&BitConnectionEdit != 0,
		FileAccess:      bits&BitFileAccess != 0,
		FileEdit:        bits&BitFileEdit != 0,
		PrintStateEdit:  bits&BitPrintStateEdit != 0,
		SettingsEdit:    bits&BitSettingsEdit != 0,
		PermissionsEdit: bits&BitPermissionsEdit != 0,
		TerminalRead:    bits&BitTerminalRead != 0,
		TerminalSend:    bits&BitTerminalSend != 0,
		WebcamView:      bits&BitWebcamView != 0,
		UpdateCheck:     bits&BitUpdate != 0,
		UpdateManage:    bits&BitUpdate != 0,
	}
}

// generateToken produces a random 32-byte bearer token, hex-encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
