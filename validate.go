package main

import (
	"regexp"
	"strings"
)

// gcodeFilenameRegex is the resolved Open Question from spec.md §9: one
// canonical rule applied uniformly to upload and rename instead of the
// two slightly different regexes the front-end used to carry.
var gcodeFilenameRegex = regexp.MustCompile(`^[^\\/.]*\.gcode$`)

func validateGcodeFilename(name string) bool {
	return gcodeFilenameRegex.MatchString(name)
}

// validateDevicePath rejects empty paths and anything containing
// characters that have no business in a device path, mirroring the
// teacher's validateAddress character-class approach over a regex.
func validateDevicePath(path string) bool {
	if path == "" {
		return false
	}
	for _, c := range path {
		if c <= ' ' || c == '"' || c == '\'' {
			return false
		}
	}
	return true
}

// validateBaud accepts only the standard set of Marlin-supported baud rates.
func validateBaud(baud int) bool {
	switch baud {
	case 9600, 19200, 38400, 57600, 115200, 250000:
		return true
	default:
		return false
	}
}

// validateBearerToken checks the Authorization header shape without
// resolving the token against the Settings Provider.
func validateBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}
