package detection

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(conf float64, box image.Rectangle) Detection {
	return Detection{Class: "smoke", Confidence: conf, Box: box, Stage: StageSmoke}
}

func TestMaxConfidence(t *testing.T) {
	r := &Result{Detections: []Detection{
		det(0.42, image.Rect(0, 0, 10, 10)),
		det(0.71, image.Rect(5, 5, 20, 20)),
		det(0.13, image.Rect(30, 30, 40, 40)),
	}}
	assert.InDelta(t, 0.71, r.MaxConfidence(), 1e-9)

	empty := &Result{}
	assert.Zero(t, empty.MaxConfidence())
}

func TestFilterMinArea(t *testing.T) {
	// 1000x1000 frame, min area ratio 0.002 -> boxes under 2000px dropped
	dets := []Detection{
		det(0.5, image.Rect(0, 0, 40, 40)),   // 1600px, too small
		det(0.5, image.Rect(0, 0, 50, 50)),   // 2500px, kept
		det(0.5, image.Rect(0, 0, 200, 100)), // kept
	}
	kept := FilterMinArea(dets, 1000, 1000, 0.002)
	require.Len(t, kept, 2)
	assert.Equal(t, image.Rect(0, 0, 50, 50), kept[0].Box)
}

func TestUnionBoxes(t *testing.T) {
	_, ok := UnionBoxes(nil)
	assert.False(t, ok)

	union, ok := UnionBoxes([]Detection{
		det(0.5, image.Rect(10, 10, 50, 50)),
		det(0.5, image.Rect(40, 5, 120, 60)),
	})
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 5, 120, 60), union)
}

func TestExpandBoxClampsToFrame(t *testing.T) {
	// A box near the edge expands but never leaves the frame.
	box := ExpandBox(image.Rect(0, 0, 100, 100), 0.35, 640, 480)
	assert.GreaterOrEqual(t, box.Min.X, 0)
	assert.GreaterOrEqual(t, box.Min.Y, 0)
	assert.LessOrEqual(t, box.Max.X, 640)
	assert.LessOrEqual(t, box.Max.Y, 480)
	assert.True(t, image.Rect(0, 0, 100, 100).In(box))
}

func TestExpandBoxDegenerateFallsBackToFullFrame(t *testing.T) {
	box := ExpandBox(image.Rectangle{}, 0.35, 640, 480)
	assert.Equal(t, image.Rect(0, 0, 639, 479), box)
}
