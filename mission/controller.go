package mission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"firewatch/pipeline"
	"firewatch/telemetry"
)

// ControllerConfig tunes smoke-pause behavior.
type ControllerConfig struct {
	// PauseMinConf is the smoke confidence a poll must carry to count
	// toward a pause.
	PauseMinConf float64

	// PauseConsecPolls is how many consecutive qualifying polls trigger the
	// hold.
	PauseConsecPolls int

	// PauseCooldown suppresses re-pausing right after a resume.
	PauseCooldown time.Duration

	// HoldTimeout aborts to return-to-home when a hold is never resolved.
	// Zero disables the timeout.
	HoldTimeout time.Duration

	// PauseOnEscalation aborts to return-to-home when fire is confirmed
	// while holding.
	PauseOnEscalation bool
}

// Status is the operator-facing controller state.
type Status struct {
	State           string     `json:"state"`
	MissionID       string     `json:"mission_id,omitempty"`
	Paused          bool       `json:"paused"`
	HoldLat         *float64   `json:"hold_lat"`
	HoldLon         *float64   `json:"hold_lon"`
	HoldSince       *time.Time `json:"hold_since"`
	ModeBeforePause string     `json:"mode_before_pause,omitempty"`
	LinkUp          bool       `json:"link_up"`
	LastError       string     `json:"last_error,omitempty"`
}

// Controller runs the flight state machine. All transitions issue at most
// one mode command and wait for its ack (or the link layer's bounded
// retries) before the transition is considered complete. An abort cancels
// any in-flight command instead of waiting for it.
type Controller struct {
	cfg  ControllerConfig
	link telemetry.Link
	now  func() time.Time

	mu              sync.Mutex
	state           State
	mission         *Mission
	modeBeforePause string
	lastCommanded   string
	holdSample      *telemetry.Sample
	holdSince       time.Time
	lastResume      time.Time
	consecQual      int
	lastErr         error

	gen            uint64
	inflightCancel context.CancelFunc
}

// NewController wires the state machine to an autopilot link.
func NewController(cfg ControllerConfig, link telemetry.Link) *Controller {
	if cfg.PauseConsecPolls < 1 {
		cfg.PauseConsecPolls = 1
	}
	return &Controller{cfg: cfg, link: link, now: time.Now, state: StateIdle}
}

// SetClock overrides the time source. Test hook.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// State returns the current flight state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the operator-facing view, including smoke-pause details.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:  c.state.String(),
		Paused: c.state == StateHoldForInspection,
		LinkUp: c.link.Connected(),
	}
	if c.mission != nil {
		st.MissionID = c.mission.ID
	}
	if c.state == StateHoldForInspection {
		st.ModeBeforePause = c.modeBeforePause
		since := c.holdSince
		st.HoldSince = &since
		if c.holdSample != nil {
			lat, lon := c.holdSample.Lat, c.holdSample.Lon
			st.HoldLat = &lat
			st.HoldLon = &lon
		}
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// StartSequence begins waypoint navigation for the loaded mission.
func (c *Controller) StartSequence(ctx context.Context, m *Mission) error {
	if m == nil {
		return ErrNoMission
	}
	if len(m.Waypoints) == 0 {
		return ErrNoWaypoints
	}

	c.mu.Lock()
	if c.state == StateError {
		c.mu.Unlock()
		return ErrNeedsOperator
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrBadTransition, c.state)
	}
	c.mission = m

	return c.transitionLocked(ctx, telemetry.ModeAuto, StateNavigating, fmt.Sprintf("start sequence %s", m.ID))
}

// Resume restores the pre-pause navigation mode after a smoke hold.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateHoldForInspection {
		c.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrBadTransition, c.state)
	}

	mode := c.modeBeforePause
	if mode == "" {
		mode = telemetry.ModeAuto
	}
	c.state = StateResuming

	err := c.transitionLocked(ctx, mode, StateNavigating, "resume after smoke hold")

	c.mu.Lock()
	switch {
	case err == nil:
		c.lastResume = c.now()
		c.clearHoldLocked()
	case c.state == StateResuming:
		// command never reached the vehicle, the hold still stands
		c.state = StateHoldForInspection
	}
	c.mu.Unlock()
	return err
}

// Abort commands return-to-launch from any state. It supersedes an in-flight
// transition: a pending mode command is canceled, not awaited.
func (c *Controller) Abort(ctx context.Context) error {
	c.mu.Lock()
	if c.inflightCancel != nil {
		c.inflightCancel()
		c.inflightCancel = nil
	}
	c.gen++

	// state only moves to ReturnToHome once the RTL command is acked; a
	// refused or lost command leaves the vehicle where it was.
	err := c.transitionLocked(ctx, telemetry.ModeRTL, StateReturnToHome, "abort")
	if err == nil {
		c.mu.Lock()
		c.clearHoldLocked()
		c.mu.Unlock()
	}
	return err
}

// AcknowledgeError clears the error state back to Idle.
func (c *Controller) AcknowledgeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateError {
		return fmt.Errorf("%w: acknowledge from %s", ErrBadTransition, c.state)
	}
	c.state = StateIdle
	c.lastErr = nil
	debugMsg("MISSION", "error state acknowledged, back to Idle")
	return nil
}

// transitionLocked issues the single mode command for a transition and
// finalizes the state. Must be entered holding c.mu; it releases the lock
// while the command is in flight so an abort can preempt it.
func (c *Controller) transitionLocked(ctx context.Context, mode string, target State, reason string) error {
	if !c.link.Connected() {
		c.lastErr = ErrLinkDown
		c.mu.Unlock()
		debugMsg("MISSION", fmt.Sprintf("%s refused: link down", reason))
		return ErrLinkDown
	}

	c.gen++
	gen := c.gen
	cmdCtx, cancel := context.WithCancel(ctx)
	c.inflightCancel = cancel
	c.mu.Unlock()

	debugMsg("MISSION", fmt.Sprintf("%s: commanding mode %s", reason, mode))
	err := c.link.SetMode(cmdCtx, mode)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		// superseded by an abort while the command was in flight
		debugMsg("MISSION", fmt.Sprintf("%s superseded mid-command", reason))
		return nil
	}
	c.inflightCancel = nil

	switch {
	case err == nil:
		c.state = target
		c.lastCommanded = mode
		c.lastErr = nil
		debugMsg("MISSION", fmt.Sprintf("%s complete, state=%s", reason, target))
		return nil
	case errors.Is(err, telemetry.ErrLinkLost):
		// no command can be trusted to have reached the vehicle; freeze
		c.lastErr = err
		debugMsg("MISSION", fmt.Sprintf("%s: link lost, holding state %s", reason, c.state))
		return err
	default:
		// retries exhausted or rejected: operator action required
		c.state = StateError
		c.lastErr = err
		debugMsg("MISSION", fmt.Sprintf("%s failed: %v, entering Error state", reason, err))
		return err
	}
}

// HandlePoll feeds one aggregate snapshot through the detection-driven
// transitions. Called on a fixed cadence by the status poll loop.
func (c *Controller) HandlePoll(ctx context.Context, snap pipeline.Snapshot) {
	c.mu.Lock()

	if !c.link.Connected() {
		// frozen: no detection-driven transition can be trusted to land
		c.mu.Unlock()
		return
	}

	now := c.now()

	qualifying := snap.HasSmoke && snap.SmokeMaxConf >= c.cfg.PauseMinConf
	if qualifying {
		c.consecQual++
	} else {
		c.consecQual = 0
	}

	switch c.state {
	case StateNavigating:
		if c.shouldPauseLocked(now) {
			c.beginHoldLocked(now)
			c.transitionLocked(ctx, telemetry.ModeLoiter, StateHoldForInspection, "smoke hold")
			return
		}

	case StateHoldForInspection:
		if c.cfg.PauseOnEscalation && snap.HasFire {
			c.mu.Unlock()
			debugMsg("MISSION", "fire confirmed during hold, aborting to RTL")
			c.Abort(ctx)
			return
		}
		if c.cfg.HoldTimeout > 0 && now.Sub(c.holdSince) > c.cfg.HoldTimeout {
			c.mu.Unlock()
			debugMsg("MISSION", "hold timeout expired, aborting to RTL")
			c.Abort(ctx)
			return
		}

	case StateReturnToHome:
		if sample, ok := c.link.Latest(); ok && !sample.Armed {
			c.state = StateIdle
			debugMsg("MISSION", "vehicle disarmed, mission Idle")
		}
	}

	c.mu.Unlock()
}

func (c *Controller) shouldPauseLocked(now time.Time) bool {
	if c.consecQual < c.cfg.PauseConsecPolls {
		return false
	}
	if !c.lastResume.IsZero() && now.Sub(c.lastResume) < c.cfg.PauseCooldown {
		return false
	}
	return true
}

// beginHoldLocked records the pause context before the mode command goes
// out: prior mode from live telemetry when available, else the last mode we
// commanded, plus the vehicle position at the moment of transition.
func (c *Controller) beginHoldLocked(now time.Time) {
	c.modeBeforePause = c.lastCommanded
	if sample, ok := c.link.Latest(); ok {
		if sample.Mode != "" {
			c.modeBeforePause = sample.Mode
		}
		cp := sample
		c.holdSample = &cp
	}
	c.holdSince = now
	c.consecQual = 0
}

func (c *Controller) clearHoldLocked() {
	c.holdSample = nil
	c.holdSince = time.Time{}
	c.consecQual = 0
}
