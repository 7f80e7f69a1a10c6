package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu    sync.Mutex
	name  string
	sent  []GeoAlert
	fails int // fail this many sends before succeeding
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(ctx context.Context, a GeoAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return ErrDeliveryFailure
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeNotifier) delivered() []GeoAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GeoAlert(nil), f.sent...)
}

func smokeAlert(conf float64, ts time.Time) GeoAlert {
	return GeoAlert{Kind: KindSmoke, Confidence: conf, TS: ts, Text: "smoke detected"}
}

func newTestDispatcher(cfg DispatcherConfig, n Notifier) *Dispatcher {
	d := NewDispatcher(cfg, []Notifier{n}, nil)
	d.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return d
}

func TestCooldownSuppressesCloseEvents(t *testing.T) {
	n := &fakeNotifier{name: "test"}
	d := newTestDispatcher(DispatcherConfig{
		Cooldowns:  map[string]time.Duration{KindSmoke: 60 * time.Second},
		MaxRetries: 1,
	}, n)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	d.SetClock(func() time.Time { return now })

	ctx := context.Background()
	d.process(ctx, smokeAlert(0.7, base))
	now = base.Add(10 * time.Second)
	d.process(ctx, smokeAlert(0.75, now))

	assert.Len(t, n.sent, 1, "second event 10s later is suppressed by the 60s cooldown")
}

func TestCooldownAllowsSpacedEvents(t *testing.T) {
	n := &fakeNotifier{name: "test"}
	d := newTestDispatcher(DispatcherConfig{
		Cooldowns:  map[string]time.Duration{KindSmoke: 60 * time.Second},
		MaxRetries: 1,
	}, n)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	d.SetClock(func() time.Time { return now })

	ctx := context.Background()
	d.process(ctx, smokeAlert(0.7, base))
	now = base.Add(70 * time.Second)
	d.process(ctx, smokeAlert(0.75, now))

	assert.Len(t, n.sent, 2, "events 70s apart both go out")
}

func TestCooldownIsPerKind(t *testing.T) {
	n := &fakeNotifier{name: "test"}
	d := newTestDispatcher(DispatcherConfig{
		Cooldowns:  map[string]time.Duration{KindSmoke: 60 * time.Second, KindFire: 60 * time.Second},
		MaxRetries: 1,
	}, n)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return base })

	ctx := context.Background()
	d.process(ctx, smokeAlert(0.7, base))
	d.process(ctx, GeoAlert{Kind: KindFire, Confidence: 0.9, TS: base})

	require.Len(t, n.sent, 2, "smoke cooldown does not suppress fire")
}

func TestEnqueueDropsNewestOnOverflow(t *testing.T) {
	// no worker draining: the queue fills and the newest alerts bounce
	d := NewDispatcher(DispatcherConfig{QueueSize: 2}, nil, nil)

	require.NoError(t, d.Enqueue(smokeAlert(0.7, time.Now())))
	require.NoError(t, d.Enqueue(smokeAlert(0.8, time.Now())))
	assert.ErrorIs(t, d.Enqueue(smokeAlert(0.9, time.Now())), ErrQueueOverflow)

	// the two survivors are the oldest
	first := <-d.queue
	assert.InDelta(t, 0.7, first.Confidence, 1e-9)
}

func TestEnqueueFiltersLowConfidence(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{QueueSize: 2, MinConf: 0.3}, nil, nil)

	require.NoError(t, d.Enqueue(smokeAlert(0.2, time.Now())))
	assert.Empty(t, d.queue)
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	n := &fakeNotifier{name: "test", fails: 2}
	d := newTestDispatcher(DispatcherConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}, n)

	d.process(context.Background(), smokeAlert(0.7, time.Now()))
	assert.Len(t, n.sent, 1, "third attempt lands")
}

func TestDeliveryGivesUpAfterRetries(t *testing.T) {
	n := &fakeNotifier{name: "test", fails: 99}

	var results []bool
	d := NewDispatcher(DispatcherConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}, []Notifier{n},
		func(a GeoAlert, channel string, delivered bool) {
			results = append(results, delivered)
		})
	d.sleep = func(ctx context.Context, _ time.Duration) bool { return true }

	d.process(context.Background(), smokeAlert(0.7, time.Now()))

	require.Equal(t, []bool{false}, results, "failure is reported once, alert dropped")
	assert.Empty(t, n.sent)

	// a failed delivery does not start the cooldown
	n.mu.Lock()
	n.fails = 0
	n.mu.Unlock()
	d.process(context.Background(), smokeAlert(0.8, time.Now()))
	assert.Len(t, n.sent, 1)
}

func TestRunDrainsQueueInOrder(t *testing.T) {
	n := &fakeNotifier{name: "test"}
	d := newTestDispatcher(DispatcherConfig{QueueSize: 4, MaxRetries: 1}, n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.Enqueue(smokeAlert(0.5, time.Now())))
	require.NoError(t, d.Enqueue(GeoAlert{Kind: KindFire, Confidence: 0.9, TS: time.Now()}))

	require.Eventually(t, func() bool { return len(n.delivered()) == 2 }, time.Second, 5*time.Millisecond)
	sent := n.delivered()
	assert.Equal(t, KindSmoke, sent[0].Kind)
	assert.Equal(t, KindFire, sent[1].Kind)
}
