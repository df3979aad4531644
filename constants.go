package main

import "time"

// BridgePhase is the coarse state of the serial session as observed by
// the rest of the system.
type BridgePhase string

const (
	PhaseDisconnected BridgePhase = "Disconnected"
	PhaseConnecting   BridgePhase = "Connecting"
	PhaseConnected    BridgePhase = "Connected"
	PhaseErrored      BridgePhase = "Errored"
	PhasePreparing    BridgePhase = "Preparing"
	PhasePrinting     BridgePhase = "Printing"
	PhaseFinishing    BridgePhase = "Finishing"
)

// Default configuration values
const (
	DefaultWebPort    = "8080"
	DefaultDBFile     = "gcodebridge.db"
	DefaultDeviceBaud = 115200
)

// Database configuration keys (Settings Provider simulation)
const (
	ConfigKeyDevicePath  = "devicePath"
	ConfigKeyDeviceBaud  = "deviceBaud"
	ConfigKeyStartOnBoot = "startOnBoot"
	ConfigKeyWebPort     = "webPort"
)

// Timing constants drawn from the protocol's own deadlines, not HTTP timeouts.
const (
	SerialReadTimeout  = 10 * time.Millisecond
	ConnectWatchdog    = 10 * time.Second
	BusyBackoff        = 1 * time.Second
	ResendRatioLimit   = 0.10
	MaxFirmwareRetries = 5
	AuthTokenTTL       = 24 * time.Hour
)

// Capability line prefixes recognised after M115.
const (
	CapAutoReportTemp = "Cap:AUTOREPORT_TEMP:1"
	CapEEPROM         = "Cap:EEPROM:1"
	MarlinFirmware    = "FIRMWARE_NAME:Marlin"
)

// suppressedErrorPrefix is the one error line that is always immediately
// followed by a Resend in the same batch, so treating it as fatal would
// kill every print at the first transient comms glitch.
const suppressedErrorPrefix = "Error:Line Number is not Last Line Number+1"
