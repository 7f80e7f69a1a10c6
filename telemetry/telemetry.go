package telemetry

import (
	"context"
	"errors"
	"time"
)

// Global debug function for telemetry package
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
	// ErrCommandTimeout means a mode command was sent but no ack arrived
	// within the deadline, across all retries.
	ErrCommandTimeout = errors.New("autopilot command timeout")

	// ErrLinkLost means the bridge connection is down.
	ErrLinkLost = errors.New("autopilot link lost")

	// ErrCommandRejected means the autopilot acked the command negatively.
	ErrCommandRejected = errors.New("autopilot command rejected")
)

// Sample is one telemetry reading from the autopilot bridge.
type Sample struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	AltM        float64   `json:"alt_m"`
	RelAltM     float64   `json:"rel_alt_m"`
	Roll        float64   `json:"roll"`
	Pitch       float64   `json:"pitch"`
	Yaw         float64   `json:"yaw"`
	Battery     float64   `json:"battery"`
	Heading     float64   `json:"heading"`
	GroundSpeed float64   `json:"ground_speed"`
	Mode        string    `json:"mode"`
	Armed       bool      `json:"armed"`
	TS          time.Time `json:"ts"`
}

// Age reports how old the sample is.
func (s Sample) Age(now time.Time) time.Duration {
	return now.Sub(s.TS)
}

// Link is the mission controller's view of the autopilot.
type Link interface {
	// Latest returns the most recent telemetry sample. ok is false before
	// the first sample arrives.
	Latest() (sample Sample, ok bool)

	// SetMode commands a flight-mode change and waits for the ack.
	SetMode(ctx context.Context, mode string) error

	// Connected reports whether the bridge link is currently up.
	Connected() bool
}
