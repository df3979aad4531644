package main

import "testing"

func TestValidateGcodeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"plain", "benchy.gcode", true},
		{"subdir traversal", "../benchy.gcode", false},
		{"backslash", "a\\b.gcode", false},
		{"double extension", "benchy.gcode.gcode", false},
		{"wrong extension", "benchy.g", false},
		{"no extension", "benchy", false},
		{"empty", "", false},
		{"hidden dotfile", ".gcode", true},
		{"embedded dot", "be.nchy.gcode", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateGcodeFilename(tt.in); got != tt.want {
				t.Errorf("validateGcodeFilename(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateDevicePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"typical linux device", "/dev/ttyUSB0", true},
		{"typical windows device", "COM3", true},
		{"empty", "", false},
		{"contains space", "/dev/tty USB0", false},
		{"contains quote", "/dev/tty\"USB0", false},
		{"contains control char", "/dev/tty\x00USB0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateDevicePath(tt.in); got != tt.want {
				t.Errorf("validateDevicePath(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateBaud(t *testing.T) {
	tests := []struct {
		baud int
		want bool
	}{
		{9600, true},
		{19200, true},
		{38400, true},
		{57600, true},
		{115200, true},
		{250000, true},
		{1200, false},
		{0, false},
		{-115200, false},
	}
	for _, tt := range tests {
		if got := validateBaud(tt.baud); got != tt.want {
			t.Errorf("validateBaud(%d) = %v, want %v", tt.baud, got, tt.want)
		}
	}
}

func TestValidateBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantToken string
		wantOK    bool
	}{
		{"well formed", "Bearer abc123", "abc123", true},
		{"missing prefix", "abc123", "", false},
		{"empty token", "Bearer ", "", false},
		{"wrong scheme", "Basic abc123", "", false},
		{"empty header", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, ok := validateBearerToken(tt.header)
			if ok != tt.wantOK || token != tt.wantToken {
				t.Errorf("validateBearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, token, ok, tt.wantToken, tt.wantOK)
			}
		})
	}
}
