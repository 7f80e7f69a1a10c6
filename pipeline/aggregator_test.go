package pipeline

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firewatch/detection"
)

func smokeDet(conf float64) detection.Detection {
	return detection.Detection{
		Class:      "smoke",
		Confidence: conf,
		Box:        image.Rect(100, 100, 300, 300),
		Stage:      detection.StageSmoke,
	}
}

func fireDet(conf float64) detection.Detection {
	return detection.Detection{
		Class:      "fire",
		Confidence: conf,
		Box:        image.Rect(120, 140, 260, 280),
		Stage:      detection.StageFire,
	}
}

func TestSmokeHysteresisN3(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{SmokeConf: 0.3, FireConf: 0.5, SmokeConsec: 3, FireHold: 3 * time.Second})

	ts := time.Now()
	for i := 0; i < 2; i++ {
		snap := agg.Update(detection.StageSmoke, []detection.Detection{smokeDet(0.8)}, ts)
		assert.False(t, snap.HasSmoke, "frame %d should not trip has_smoke yet", i+1)
	}
	snap := agg.Update(detection.StageSmoke, []detection.Detection{smokeDet(0.8)}, ts)
	assert.True(t, snap.HasSmoke)
	assert.Equal(t, 3, snap.SmokeConsec)

	// one clean frame resets everything
	snap = agg.Update(detection.StageSmoke, nil, ts)
	assert.False(t, snap.HasSmoke)
	assert.Zero(t, snap.SmokeConsec)
	assert.Zero(t, snap.SmokeMaxConf)
	assert.Empty(t, snap.SmokeBoxes)
}

func TestSmokeHysteresisN1(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{SmokeConf: 0.3, SmokeConsec: 1})

	snap := agg.Update(detection.StageSmoke, []detection.Detection{smokeDet(0.5)}, time.Now())
	assert.True(t, snap.HasSmoke, "N=1 trips on the first qualifying frame")

	snap = agg.Update(detection.StageSmoke, nil, time.Now())
	assert.False(t, snap.HasSmoke)
}

func TestSubThresholdDetectionsDoNotCount(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{SmokeConf: 0.3, SmokeConsec: 1})

	snap := agg.Update(detection.StageSmoke, []detection.Detection{smokeDet(0.2)}, time.Now())
	assert.False(t, snap.HasSmoke)
	assert.Zero(t, snap.SmokeBoxCount)
}

func TestFireHoldWindow(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{SmokeConf: 0.3, FireConf: 0.5, SmokeConsec: 2, FireHold: 3 * time.Second})

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	agg.SetClock(func() time.Time { return now })

	snap := agg.Update(detection.StageFire, []detection.Detection{fireDet(0.9)}, base)
	require.True(t, snap.HasFire)
	assert.InDelta(t, 0.9, snap.FireMaxConf, 1e-9)
	assert.Equal(t, base, snap.LastFireConfirm)

	// inside the hold window has_fire stays up even with no new confirms
	now = base.Add(2 * time.Second)
	assert.True(t, agg.Snapshot().HasFire)

	// past the window it decays
	now = base.Add(4 * time.Second)
	snap = agg.Snapshot()
	assert.False(t, snap.HasFire)
	assert.Zero(t, snap.FireMaxConf)
	assert.Empty(t, snap.FireBoxes)
}

func TestConcurrentStageWriters(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{SmokeConf: 0.3, FireConf: 0.5, SmokeConsec: 1, FireHold: time.Minute})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			agg.Update(detection.StageFire, []detection.Detection{fireDet(0.8)}, time.Now())
		}
	}()
	for i := 0; i < 500; i++ {
		agg.Update(detection.StageSmoke, []detection.Detection{smokeDet(0.6)}, time.Now())
		agg.Snapshot()
	}
	<-done

	snap := agg.Snapshot()
	assert.True(t, snap.HasSmoke)
	assert.True(t, snap.HasFire)
}

func TestSnapshotIsValueCopy(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{SmokeConf: 0.3, SmokeConsec: 1})
	agg.Update(detection.StageSmoke, []detection.Detection{smokeDet(0.7)}, time.Now())

	snap := agg.Snapshot()
	require.Len(t, snap.SmokeBoxes, 1)
	snap.SmokeBoxes[0] = Box{0, 0, 0, 0}
	snap.HasSmoke = false

	fresh := agg.Snapshot()
	assert.True(t, fresh.HasSmoke)
}
