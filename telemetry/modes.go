package telemetry

// ArduPilot copter flight modes handled by the mission layer.
const (
	ModeStabilize = "STABILIZE"
	ModeAltHold   = "ALT_HOLD"
	ModeAuto      = "AUTO"
	ModeGuided    = "GUIDED"
	ModeLoiter    = "LOITER"
	ModeRTL       = "RTL"
	ModeLand      = "LAND"
)

var modeNumbers = map[string]int{
	ModeStabilize: 0,
	ModeAltHold:   2,
	ModeAuto:      3,
	ModeGuided:    4,
	ModeLoiter:    5,
	ModeRTL:       6,
	ModeLand:      9,
}

// ModeNumber maps a mode name to its ArduPilot custom mode number.
func ModeNumber(mode string) (int, bool) {
	n, ok := modeNumbers[mode]
	return n, ok
}

// KnownMode reports whether the mission layer can command this mode.
func KnownMode(mode string) bool {
	_, ok := modeNumbers[mode]
	return ok
}
