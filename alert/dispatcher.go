package alert

import (
	"context"
	"fmt"
	"time"
)

// Notifier delivers one alert over one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a GeoAlert) error
}

// DispatcherConfig tunes queueing, rate limiting and retries.
type DispatcherConfig struct {
	// QueueSize bounds the hand-off queue from the detection path.
	QueueSize int

	// MinConf drops alerts below this confidence at enqueue time.
	MinConf float64

	// Cooldowns maps alert kind to its per-channel suppression window.
	Cooldowns map[string]time.Duration

	// MaxRetries is delivery attempts per alert per channel.
	MaxRetries int

	// RetryBackoff is the wait between attempts.
	RetryBackoff time.Duration
}

// Dispatcher runs an independent worker draining a bounded queue so the
// detection path never blocks on notification I/O. The queue drops newest on
// overflow; per-channel cooldown suppression drops rather than queues.
type Dispatcher struct {
	cfg       DispatcherConfig
	notifiers []Notifier
	onResult  func(a GeoAlert, channel string, delivered bool)

	queue chan GeoAlert
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	// lastSent is touched only by the worker goroutine
	lastSent map[string]time.Time
}

// NewDispatcher wires the worker. onResult may be nil; it is called from the
// worker goroutine after every delivery attempt sequence.
func NewDispatcher(cfg DispatcherConfig, notifiers []Notifier, onResult func(GeoAlert, string, bool)) *Dispatcher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 10
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Dispatcher{
		cfg:       cfg,
		notifiers: notifiers,
		onResult:  onResult,
		queue:     make(chan GeoAlert, cfg.QueueSize),
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
		sleep: func(ctx context.Context, d time.Duration) bool {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-t.C:
				return true
			}
		},
	}
}

// SetClock overrides the time source. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Enqueue hands an alert to the worker without blocking. Returns
// ErrQueueOverflow when the queue is full (the new alert is the one
// dropped, so the first alert of an episode always survives).
func (d *Dispatcher) Enqueue(a GeoAlert) error {
	if a.Confidence < d.cfg.MinConf {
		return nil
	}
	select {
	case d.queue <- a:
		return nil
	default:
		debugMsg("ALERT", fmt.Sprintf("queue full, dropping %s alert conf=%.2f", a.Kind, a.Confidence))
		return ErrQueueOverflow
	}
}

// Run drains the queue until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			d.process(ctx, a)
		}
	}
}

// process fans one alert out to every channel, applying per-channel
// cooldown, then bounded retry with backoff. Failures are logged and the
// alert dropped; delivery is best-effort.
func (d *Dispatcher) process(ctx context.Context, a GeoAlert) {
	for _, n := range d.notifiers {
		key := n.Name() + "/" + a.Kind

		if cooldown := d.cfg.Cooldowns[a.Kind]; cooldown > 0 {
			if last, ok := d.lastSent[key]; ok && d.now().Sub(last) < cooldown {
				debugMsg("ALERT", fmt.Sprintf("%s suppressed by cooldown (%.0fs left)", key, (cooldown-d.now().Sub(last)).Seconds()))
				continue
			}
		}

		if d.deliver(ctx, n, a) {
			d.lastSent[key] = d.now()
			if d.onResult != nil {
				d.onResult(a, n.Name(), true)
			}
		} else {
			if d.onResult != nil {
				d.onResult(a, n.Name(), false)
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, a GeoAlert) bool {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		err := n.Send(ctx, a)
		if err == nil {
			debugMsg("ALERT", fmt.Sprintf("%s alert sent via %s (attempt %d)", a.Kind, n.Name(), attempt))
			return true
		}
		lastErr = err
		debugMsg("ALERT", fmt.Sprintf("%s delivery via %s failed (attempt %d/%d): %v", a.Kind, n.Name(), attempt, d.cfg.MaxRetries, err))

		if attempt < d.cfg.MaxRetries && d.cfg.RetryBackoff > 0 {
			if !d.sleep(ctx, d.cfg.RetryBackoff*time.Duration(attempt)) {
				return false
			}
		}
	}
	debugMsg("ALERT", fmt.Sprintf("giving up on %s alert via %s: %v", a.Kind, n.Name(), lastErr))
	return false
}
