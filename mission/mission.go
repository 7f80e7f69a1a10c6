package mission

import (
	"errors"
	"time"
)

// Global debug function for mission package
var debugMsgFunc func(string, string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

var (
	ErrNoMission      = errors.New("no mission loaded")
	ErrNoWaypoints    = errors.New("mission has no waypoints")
	ErrBadTransition  = errors.New("transition not valid in current state")
	ErrLinkDown       = errors.New("autopilot link down, controller frozen")
	ErrNeedsOperator  = errors.New("mission in error state, operator acknowledgment required")
	ErrUnknownMission = errors.New("unknown mission id")
)

// State is the mission controller's flight state.
type State int

const (
	StateIdle State = iota
	StateNavigating
	StateHoldForInspection
	StateResuming
	StateReturnToHome
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateNavigating:
		return "Navigating"
	case StateHoldForInspection:
		return "HoldForInspection"
	case StateResuming:
		return "Resuming"
	case StateReturnToHome:
		return "ReturnToHome"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Waypoint is one mission leg target.
type Waypoint struct {
	Seq  int     `json:"seq"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	AltM float64 `json:"alt_m"`
}

// Mission is a named ordered waypoint list.
type Mission struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Waypoints []Waypoint `json:"waypoints"`
	CreatedAt time.Time  `json:"created_at"`
}
