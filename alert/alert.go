package alert

import (
	"errors"
	"time"
)

// Global debug function for alert package
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
	// ErrQueueOverflow means the alert queue was full and the new alert was
	// dropped.
	ErrQueueOverflow = errors.New("alert queue overflow")

	// ErrDeliveryFailure means all delivery attempts for an alert failed.
	ErrDeliveryFailure = errors.New("alert delivery failure")
)

// Alert kinds.
const (
	KindSmoke = "smoke"
	KindFire  = "fire"
)

// GeoAlert is one detection event fused with the best available telemetry.
// Lat/Lon are nil when no fresh sample existed at fuse time; the alert is
// still delivered.
type GeoAlert struct {
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence"`
	Lat        *float64  `json:"lat"`
	Lon        *float64  `json:"lon"`
	AltM       *float64  `json:"alt_m"`
	TS         time.Time `json:"ts"`
	Text       string    `json:"text"`
	MapLink    string    `json:"map_link,omitempty"`
	Image      []byte    `json:"-"`
}
