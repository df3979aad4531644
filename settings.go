package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SettingsProvider is the in-repo simulation of the external relational
// store spec.md §1 treats as a collaborator: device connection parameters,
// bearer-token auth sessions, and uploaded-file bookkeeping. Grounded on the
// teacher's initDatabase/GetConfigValue/SetConfigValue key-value idiom in
// bridge.go, with the auth_tokens table adapted from nfc.go's TTL-session
// pattern (an NFC pairing session repurposed to a login session).
type SettingsProvider struct {
	db *sql.DB
}

// OpenSettingsProvider opens (creating if absent) the sqlite database
// backing the Settings Provider simulation.
func OpenSettingsProvider(path string) (*SettingsProvider, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	sp := &SettingsProvider{db: db}
	if err := sp.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return sp, nil
}

func (sp *SettingsProvider) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS auth_tokens (
			token TEXT PRIMARY KEY,
			permissions INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS uploaded_files (
			name TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			uploaded_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := sp.db.Exec(stmt); err != nil {
			return fmt.Errorf("init settings schema: %w", err)
		}
	}
	return nil
}

// GetConfigValue returns a single configuration value, or "" if unset.
func (sp *SettingsProvider) GetConfigValue(key string) (string, error) {
	var value string
	err := sp.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config value %q: %w", key, err)
	}
	return value, nil
}

// SetConfigValue upserts a single configuration value.
func (sp *SettingsProvider) SetConfigValue(key, value string) error {
	_, err := sp.db.Exec(
		`INSERT OR REPLACE INTO configuration (key, value) VALUES (?, ?)`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set config value %q: %w", key, err)
	}
	return nil
}

// BootParameters is what the Supervisor queries at boot per spec.md §4.5.
type BootParameters struct {
	StartOnBoot bool
	DevicePath  string
	DeviceBaud  int
}

// BootParameters reads the three boot-time values the Supervisor consults
// to decide whether to auto-connect.
func (sp *SettingsProvider) BootParameters() (BootParameters, error) {
	var params BootParameters

	startOnBoot, err := sp.GetConfigValue(ConfigKeyStartOnBoot)
	if err != nil {
		return params, err
	}
	params.StartOnBoot = startOnBoot == "true"

	params.DevicePath, err = sp.GetConfigValue(ConfigKeyDevicePath)
	if err != nil {
		return params, err
	}

	baudStr, err := sp.GetConfigValue(ConfigKeyDeviceBaud)
	if err != nil {
		return params, err
	}
	if baudStr != "" {
		fmt.Sscanf(baudStr, "%d", &params.DeviceBaud)
	}

	return params, nil
}

// IssueToken creates a bearer token carrying the given permission bitmask,
// expiring after AuthTokenTTL.
func (sp *SettingsProvider) IssueToken(token string, bits uint16) error {
	now := time.Now()
	_, err := sp.db.Exec(
		`INSERT OR REPLACE INTO auth_tokens (token, permissions, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, bits, now, now.Add(AuthTokenTTL),
	)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	return nil
}

// ErrTokenNotFound is returned by ResolveToken when no live session matches.
var ErrTokenNotFound = errors.New("auth token not found or expired")

// ResolveToken returns the permission bitmask for a live token.
func (sp *SettingsProvider) ResolveToken(token string) (uint16, error) {
	var bits uint16
	var expiresAt time.Time
	err := sp.db.QueryRow(
		`SELECT permissions, expires_at FROM auth_tokens WHERE token = ?`, token,
	).Scan(&bits, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return 0, ErrTokenNotFound
	}
	return bits, nil
}

// CleanupExpiredTokens deletes every session past its expiry, mirroring
// nfc.go's cleanupExpiredSessions sweep.
func (sp *SettingsProvider) CleanupExpiredTokens() error {
	_, err := sp.db.Exec(`DELETE FROM auth_tokens WHERE expires_at < ?`, time.Now())
	if err != nil {
		return fmt.Errorf("cleanup expired tokens: %w", err)
	}
	return nil
}

// StartTokenCleanup runs CleanupExpiredTokens on a ticker until stop fires.
func (sp *SettingsProvider) StartTokenCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := sp.CleanupExpiredTokens(); err != nil {
					fmt.Printf("token cleanup error: %v\n", err)
				}
			}
		}
	}()
}

// RecordUpload upserts bookkeeping for a file accepted by the upload route.
func (sp *SettingsProvider) RecordUpload(name string, size int64) error {
	_, err := sp.db.Exec(
		`INSERT OR REPLACE INTO uploaded_files (name, size, uploaded_at) VALUES (?, ?, ?)`,
		name, size, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record upload %q: %w", name, err)
	}
	return nil
}

// RenameUpload moves the bookkeeping row for a renamed file.
func (sp *SettingsProvider) RenameUpload(oldName, newName string) error {
	_, err := sp.db.Exec(`UPDATE uploaded_files SET name = ? WHERE name = ?`, newName, oldName)
	if err != nil {
		return fmt.Errorf("rename upload %q -> %q: %w", oldName, newName, err)
	}
	return nil
}

// UploadedFile describes one row of the uploaded_files table.
type UploadedFile struct {
	Name       string
	Size       int64
	UploadedAt time.Time
}

// ListUploads returns every tracked uploaded file.
func (sp *SettingsProvider) ListUploads() ([]UploadedFile, error) {
	rows, err := sp.db.Query(`SELECT name, size, uploaded_at FROM uploaded_files ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []UploadedFile
	for rows.Next() {
		var f UploadedFile
		if err := rows.Scan(&f.Name, &f.Size, &f.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan upload row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (sp *SettingsProvider) Close() error {
	return sp.db.Close()
}
