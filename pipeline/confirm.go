package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"firewatch/detection"
)

// ConfirmJob asks the Stage-2 worker to verify flame inside the ROI across a
// burst of recent frames.
type ConfirmJob struct {
	Seq       uint64
	ROI       image.Rectangle
	Frames    []Frame
	TriggerTS time.Time
}

// FireEvent is emitted once per confirmed fire.
type FireEvent struct {
	Seq        uint64
	Confidence float64
	Boxes      []Box
	TS         time.Time
	Snapshot   []byte
}

// BurstDetector runs the fire model against one JPEG frame cropped to an ROI.
// The production implementation decodes with gocv; tests substitute a fake.
type BurstDetector interface {
	DetectJPEG(ctx context.Context, jpeg []byte, roi image.Rectangle) (*detection.Result, error)
}

// ConfirmerConfig tunes the confirmation pass.
type ConfirmerConfig struct {
	FireConf    float64
	FireConfirm int
}

// Confirmer is the Stage-2 worker. It owns its own inference session so a
// slow fire check never stalls the Stage-1 loop. Jobs arrive on a
// single-slot channel: while a check is in flight, new requests are skipped
// rather than queued.
type Confirmer struct {
	cfg    ConfirmerConfig
	det    BurstDetector
	agg    *Aggregator
	onFire func(FireEvent)
	now    func() time.Time

	jobs chan ConfirmJob
}

// NewConfirmer wires the worker. onFire may be nil.
func NewConfirmer(cfg ConfirmerConfig, det BurstDetector, agg *Aggregator, onFire func(FireEvent)) *Confirmer {
	if cfg.FireConfirm < 1 {
		cfg.FireConfirm = 1
	}
	return &Confirmer{
		cfg:    cfg,
		det:    det,
		agg:    agg,
		onFire: onFire,
		now:    time.Now,
		jobs:   make(chan ConfirmJob, 1),
	}
}

// SetClock overrides the time source. Test hook.
func (c *Confirmer) SetClock(now func() time.Time) {
	c.now = now
}

// Submit hands a job to the worker without blocking. Returns false when the
// worker is busy and the job was skipped.
func (c *Confirmer) Submit(job ConfirmJob) bool {
	select {
	case c.jobs <- job:
		return true
	default:
		return false
	}
}

// Run processes jobs until ctx is canceled.
func (c *Confirmer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.jobs:
			c.process(ctx, job)
		}
	}
}

// process runs the fire model over the burst and confirms when enough frames
// hit. A hardware fault flags the fire stage degraded and abandons the job;
// timeouts count as misses on that frame only.
func (c *Confirmer) process(ctx context.Context, job ConfirmJob) {
	hits := 0
	bestConf := 0.0
	var bestDets []detection.Detection
	var bestFrame Frame

	for _, frame := range job.Frames {
		res, err := c.det.DetectJPEG(ctx, frame.JPEG, job.ROI)
		if err != nil {
			if errors.Is(err, detection.ErrInferenceTimeout) {
				continue
			}
			if errors.Is(err, detection.ErrHardwareFault) {
				c.agg.SetDegraded(detection.StageFire, true)
				debugMsg("CONFIRM", "fire stage suspended on hardware fault")
				return
			}
			debugMsg("CONFIRM", fmt.Sprintf("burst frame %d failed: %v", frame.Seq, err))
			continue
		}
		conf := res.MaxConfidence()
		if len(res.Detections) == 0 || conf < c.cfg.FireConf {
			continue
		}
		hits++
		if conf > bestConf {
			bestConf = conf
			bestDets = res.Detections
			bestFrame = frame
		}
	}

	if hits < c.cfg.FireConfirm {
		debugMsg("CONFIRM", fmt.Sprintf("job %d: %d/%d burst hits, not confirmed", job.Seq, hits, c.cfg.FireConfirm))
		return
	}

	snap := c.agg.Update(detection.StageFire, bestDets, bestFrame.TS)
	debugMsg("CONFIRM", fmt.Sprintf("FIRE CONFIRMED job %d conf=%.2f hits=%d", job.Seq, bestConf, hits))

	if c.onFire != nil {
		c.onFire(FireEvent{
			Seq:        job.Seq,
			Confidence: bestConf,
			Boxes:      snap.FireBoxes,
			TS:         c.now(),
			Snapshot:   bestFrame.JPEG,
		})
	}
}
