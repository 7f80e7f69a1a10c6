package pipeline

import (
	"image"
	"sync"
	"time"

	"firewatch/detection"
)

// Global debug function for pipeline package
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

// Box is a detection rectangle as [x1, y1, x2, y2] pixel coordinates.
type Box [4]int

func boxFromRect(r image.Rectangle) Box {
	return Box{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

// Rect converts the box back to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

// Snapshot is a value copy of the aggregate detection state, safe to hand to
// status and overlay consumers without holding the aggregator lock.
type Snapshot struct {
	HasSmoke      bool    `json:"has_smoke"`
	HasFire       bool    `json:"has_fire"`
	SmokeMaxConf  float64 `json:"smoke_max_conf"`
	FireMaxConf   float64 `json:"fire_max_conf"`
	SmokeBoxCount int     `json:"smoke_box_count"`
	FireBoxCount  int     `json:"fire_box_count"`
	SmokeBoxes    []Box   `json:"smoke_boxes"`
	FireBoxes     []Box   `json:"fire_boxes"`
	SmokeConsec   int     `json:"smoke_consecutive_frames"`
	FireConsec    int     `json:"fire_consecutive_frames"`
	SmokeDegraded bool    `json:"smoke_degraded"`
	FireDegraded  bool    `json:"fire_degraded"`

	LastFireCheck   time.Time `json:"last_fire_check_time"`
	LastFireConfirm time.Time `json:"last_fire_confirm_time"`
	LastSmokeAlert  time.Time `json:"last_smoke_alert_time"`
	LastUpdate      time.Time `json:"last_update_time"`
}

// clone copies the box slices so callers can hold a snapshot without
// aliasing aggregator state.
func (s Snapshot) clone() Snapshot {
	cp := s
	cp.SmokeBoxes = append([]Box(nil), s.SmokeBoxes...)
	cp.FireBoxes = append([]Box(nil), s.FireBoxes...)
	return cp
}

// AggregatorConfig tunes hysteresis and the fire hold window.
type AggregatorConfig struct {
	SmokeConf   float64
	FireConf    float64
	SmokeConsec int
	FireHold    time.Duration
}

// Aggregator owns the single mutable detection state. Stage-1 updates the
// smoke fields and Stage-2 updates the fire fields; both go through Update
// under one short-held mutex.
type Aggregator struct {
	cfg AggregatorConfig
	now func() time.Time

	mu sync.Mutex
	st Snapshot
}

// NewAggregator creates an aggregator with the given thresholds. A
// SmokeConsec below 1 is treated as 1.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.SmokeConsec < 1 {
		cfg.SmokeConsec = 1
	}
	return &Aggregator{cfg: cfg, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Update applies one stage's detections for one frame and returns the
// resulting snapshot. Smoke updates drive the consecutive-frame counter:
// has_smoke turns true only after SmokeConsec qualifying frames in a row and
// falls back to false on the first frame without a qualifying detection.
// Fire updates stamp the confirmation time; has_fire then holds for the
// FireHold window.
func (a *Aggregator) Update(stage detection.Stage, dets []detection.Detection, frameTS time.Time) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	switch stage {
	case detection.StageSmoke:
		qualifying := qualify(dets, a.cfg.SmokeConf)
		if len(qualifying) > 0 {
			a.st.SmokeConsec++
			frameMax := maxConf(qualifying)
			if frameMax > a.st.SmokeMaxConf {
				a.st.SmokeMaxConf = frameMax
			}
			a.st.SmokeBoxes = boxes(qualifying)
			a.st.SmokeBoxCount = len(qualifying)
		} else {
			a.st.SmokeConsec = 0
			a.st.SmokeMaxConf = 0
			a.st.SmokeBoxes = nil
			a.st.SmokeBoxCount = 0
		}
		a.st.HasSmoke = a.st.SmokeConsec >= a.cfg.SmokeConsec

	case detection.StageFire:
		qualifying := qualify(dets, a.cfg.FireConf)
		if len(qualifying) > 0 {
			a.st.FireConsec++
			frameMax := maxConf(qualifying)
			if frameMax > a.st.FireMaxConf {
				a.st.FireMaxConf = frameMax
			}
			a.st.FireBoxes = boxes(qualifying)
			a.st.FireBoxCount = len(qualifying)
			a.st.HasFire = true
			a.st.LastFireConfirm = now
		} else {
			a.st.FireConsec = 0
		}
	}

	a.st.LastUpdate = frameTS
	a.expireFireLocked(now)

	return a.st.clone()
}

// MarkFireCheck records that a Stage-2 confirmation pass was dispatched.
func (a *Aggregator) MarkFireCheck(t time.Time) {
	a.mu.Lock()
	a.st.LastFireCheck = t
	a.mu.Unlock()
}

// MarkSmokeAlert records the time of the last dispatched smoke alert.
func (a *Aggregator) MarkSmokeAlert(t time.Time) {
	a.mu.Lock()
	a.st.LastSmokeAlert = t
	a.mu.Unlock()
}

// SetDegraded flags a stage as running degraded after a hardware fault.
func (a *Aggregator) SetDegraded(stage detection.Stage, degraded bool) {
	a.mu.Lock()
	switch stage {
	case detection.StageSmoke:
		a.st.SmokeDegraded = degraded
	case detection.StageFire:
		a.st.FireDegraded = degraded
	}
	a.mu.Unlock()
}

// Snapshot returns a value copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireFireLocked(a.now())
	return a.st.clone()
}

func (a *Aggregator) expireFireLocked(now time.Time) {
	if a.st.HasFire && a.cfg.FireHold > 0 && now.Sub(a.st.LastFireConfirm) > a.cfg.FireHold {
		a.st.HasFire = false
		a.st.FireMaxConf = 0
		a.st.FireBoxes = nil
		a.st.FireBoxCount = 0
		a.st.FireConsec = 0
	}
}

func qualify(dets []detection.Detection, minConf float64) []detection.Detection {
	var out []detection.Detection
	for _, d := range dets {
		if d.Confidence >= minConf {
			out = append(out, d)
		}
	}
	return out
}

func maxConf(dets []detection.Detection) float64 {
	max := 0.0
	for _, d := range dets {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}

func boxes(dets []detection.Detection) []Box {
	out := make([]Box, 0, len(dets))
	for _, d := range dets {
		out = append(out, boxFromRect(d.Box))
	}
	return out
}
