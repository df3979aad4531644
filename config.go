package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds process-wide configuration, layered from CLI flags over the
// Settings Provider's configuration table — grounded on the teacher's
// config.go shape, generalized from a Spoolman/printer-fleet config to a
// single serial device's connection parameters.
type Config struct {
	DevicePath  string
	DeviceBaud  int
	StartOnBoot bool
	WebPort     string
	DBFile      string
}

// LoadConfig reads persisted values from the Settings Provider. A non-empty
// webPortFlag overrides the persisted web port; unset values fall back to
// the compiled-in defaults.
func LoadConfig(settings *SettingsProvider, webPortFlag string) (*Config, error) {
	cfg := &Config{
		WebPort: webPortFlag,
		DBFile:  getDBFilePath(),
	}

	devicePath, err := settings.GetConfigValue(ConfigKeyDevicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from database: %w", err)
	}
	cfg.DevicePath = devicePath

	baudStr, err := settings.GetConfigValue(ConfigKeyDeviceBaud)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from database: %w", err)
	}
	cfg.DeviceBaud = DefaultDeviceBaud
	if baudStr != "" {
		if parsed, err := strconv.Atoi(baudStr); err == nil {
			cfg.DeviceBaud = parsed
		}
	}

	startOnBoot, err := settings.GetConfigValue(ConfigKeyStartOnBoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from database: %w", err)
	}
	cfg.StartOnBoot = startOnBoot == "true"

	if webPort, err := settings.GetConfigValue(ConfigKeyWebPort); err == nil && webPort != "" && webPortFlag == "" {
		cfg.WebPort = webPort
	}
	if cfg.WebPort == "" {
		cfg.WebPort = DefaultWebPort
	}

	return cfg, nil
}

// getDBFilePath returns the database file path, checking the environment
// variable first, same override convention as the teacher's getDBFilePath.
func getDBFilePath() string {
	if dbPath := os.Getenv("GCODEBRIDGE_DB_PATH"); dbPath != "" {
		return filepath.Join(dbPath, DefaultDBFile)
	}
	return DefaultDBFile
}
