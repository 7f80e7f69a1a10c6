// Package fusion geo-tags detection events with the freshest telemetry
// sample. A stale or missing sample nulls the coordinates; it never drops
// the alert.
package fusion

import (
	"fmt"
	"time"

	"firewatch/alert"
	"firewatch/pipeline"
	"firewatch/telemetry"
)

// Global debug function for fusion package
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

// Event is one detection worth alerting on.
type Event struct {
	Kind       string
	Confidence float64
	Boxes      []pipeline.Box
	Frame      []byte
	TS         time.Time
}

// Renderer draws detection boxes and labels onto a JPEG frame. The overlay
// package provides the production implementation.
type Renderer func(frame []byte, boxes []pipeline.Box, kind string, conf float64) []byte

// Fuser builds GeoAlerts. The image attachment is rendered synchronously
// here so the dispatcher never touches the frame path.
type Fuser struct {
	link      telemetry.Link
	staleness time.Duration
	render    Renderer
	now       func() time.Time
}

// NewFuser wires a fuser. render may be nil, in which case the raw frame is
// attached unannotated.
func NewFuser(link telemetry.Link, staleness time.Duration, render Renderer) *Fuser {
	return &Fuser{link: link, staleness: staleness, render: render, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (f *Fuser) SetClock(now func() time.Time) {
	f.now = now
}

// Fuse turns an event into a GeoAlert. Infallible: missing telemetry fails
// open on the geo-tag, never closed on the alert.
func (f *Fuser) Fuse(ev Event) alert.GeoAlert {
	a := alert.GeoAlert{
		Kind:       ev.Kind,
		Confidence: ev.Confidence,
		TS:         ev.TS,
	}

	if len(ev.Frame) > 0 {
		if f.render != nil {
			a.Image = f.render(ev.Frame, ev.Boxes, ev.Kind, ev.Confidence)
		} else {
			a.Image = ev.Frame
		}
	}

	sample, ok := f.link.Latest()
	if !ok || sample.Age(f.now()) > f.staleness {
		debugMsg("FUSION", fmt.Sprintf("%s alert without geo-tag: telemetry stale or absent", ev.Kind))
		a.Text = "telemetry unavailable"
		return a
	}

	lat, lon, altM := sample.Lat, sample.Lon, sample.RelAltM
	a.Lat = &lat
	a.Lon = &lon
	a.AltM = &altM
	a.MapLink = fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", lat, lon)
	a.Text = fmt.Sprintf("alt %.0fm, mode %s, battery %.0f%%", altM, sample.Mode, sample.Battery)
	return a
}
