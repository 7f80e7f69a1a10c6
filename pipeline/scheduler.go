package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"firewatch/detection"
)

// Stage1Detector runs the smoke model on a raw frame. Satisfied by
// *detection.Session in production.
type Stage1Detector interface {
	Detect(ctx context.Context, frame gocv.Mat) (*detection.Result, error)
}

// ConfirmSink accepts Stage-2 jobs without blocking.
type ConfirmSink interface {
	Submit(ConfirmJob) bool
}

// SchedulerConfig tunes the per-frame detection pass.
type SchedulerConfig struct {
	SmokeMinArea      float64
	BurstFrames       int
	BurstStride       int
	ROIMargin         float64
	FireCheckCooldown time.Duration
}

// Scheduler drives Stage-1 on every frame and dispatches Stage-2
// confirmation jobs when smoke appears. Only the capture loop calls Tick, so
// the scheduler needs no lock beyond the suspension flag, which the API
// reset path flips from another goroutine.
type Scheduler struct {
	cfg     SchedulerConfig
	stage1  Stage1Detector
	agg     *Aggregator
	ring    *FrameRing
	confirm ConfirmSink
	now     func() time.Time

	lastFireCheck time.Time
	suspended     atomic.Bool
}

// NewScheduler wires the per-frame pass.
func NewScheduler(cfg SchedulerConfig, stage1 Stage1Detector, agg *Aggregator, ring *FrameRing, confirm ConfirmSink) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		stage1:  stage1,
		agg:     agg,
		ring:    ring,
		confirm: confirm,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Suspended reports whether Stage-1 has been stopped on a hardware fault.
func (s *Scheduler) Suspended() bool {
	return s.suspended.Load()
}

// Reset re-arms Stage-1 after the operator has cleared the underlying
// fault. The next Tick reaches the provider again.
func (s *Scheduler) Reset() {
	s.suspended.Store(false)
	debugMsg("SCHEDULER", "smoke stage re-armed")
}

// Tick runs one frame through Stage-1 and, when qualifying smoke is present
// and the fire-check cooldown has elapsed, hands a burst of recent frames to
// the confirmation worker. An inference timeout is absorbed as an empty
// result so the counter logic still sees the frame; a hardware fault
// suspends the stage and marks it degraded.
func (s *Scheduler) Tick(ctx context.Context, frame gocv.Mat, jpeg []byte, frameW, frameH int, ts time.Time) (Snapshot, error) {
	s.ring.Push(jpeg, ts)

	if s.suspended.Load() {
		return s.agg.Snapshot(), detection.ErrHardwareFault
	}

	res, err := s.stage1.Detect(ctx, frame)
	if err != nil {
		switch {
		case errors.Is(err, detection.ErrInferenceTimeout):
			debugMsg("SCHEDULER", "smoke inference timed out, counting frame as empty")
			res = &detection.Result{}
		case errors.Is(err, detection.ErrHardwareFault):
			s.suspended.Store(true)
			s.agg.SetDegraded(detection.StageSmoke, true)
			debugMsg("SCHEDULER", "smoke stage suspended on hardware fault")
			return s.agg.Snapshot(), err
		default:
			return s.agg.Snapshot(), err
		}
	}

	dets := detection.FilterMinArea(res.Detections, frameW, frameH, s.cfg.SmokeMinArea)
	snap := s.agg.Update(detection.StageSmoke, dets, ts)

	if snap.SmokeBoxCount > 0 {
		s.maybeDispatch(snap, frameW, frameH)
	}

	return snap, nil
}

// maybeDispatch sends a Stage-2 job unless the cooldown is still running or
// the worker is busy. A busy worker skips the check rather than queueing it.
func (s *Scheduler) maybeDispatch(snap Snapshot, frameW, frameH int) {
	now := s.now()
	if !s.lastFireCheck.IsZero() && now.Sub(s.lastFireCheck) < s.cfg.FireCheckCooldown {
		return
	}

	union := snap.SmokeBoxes[0].Rect()
	for _, b := range snap.SmokeBoxes[1:] {
		union = union.Union(b.Rect())
	}
	roi := detection.ExpandBox(union, s.cfg.ROIMargin, frameW, frameH)

	frames := s.ring.Burst(s.cfg.BurstFrames, s.cfg.BurstStride)
	if len(frames) == 0 {
		return
	}

	job := ConfirmJob{
		Seq:       frames[len(frames)-1].Seq,
		ROI:       roi,
		Frames:    frames,
		TriggerTS: frames[len(frames)-1].TS,
	}

	if s.confirm.Submit(job) {
		s.lastFireCheck = now
		s.agg.MarkFireCheck(now)
		debugMsg("SCHEDULER", fmt.Sprintf("fire check dispatched seq=%d roi=%v frames=%d", job.Seq, roi, len(frames)))
	} else {
		debugMsg("SCHEDULER", "fire check skipped, worker busy")
	}
}
