package detection

import (
	"image"
	"time"
)

// Stage identifies which inference pass produced a detection.
type Stage int

const (
	StageSmoke Stage = iota + 1
	StageFire
)

func (s Stage) String() string {
	switch s {
	case StageSmoke:
		return "smoke"
	case StageFire:
		return "fire"
	default:
		return "unknown"
	}
}

// Detection is a single box reported by one inference pass, in source-image
// pixel coordinates.
type Detection struct {
	Class      string
	Confidence float64
	Box        image.Rectangle
	Stage      Stage
	FrameTS    time.Time
}

// Result carries all detections for one frame through one stage.
type Result struct {
	Detections []Detection
}

// MaxConfidence returns the highest confidence in the result, or 0.
func (r *Result) MaxConfidence() float64 {
	max := 0.0
	for _, d := range r.Detections {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return max
}

// FilterMinArea drops detections whose box area is below ratio of the frame
// area. Tiny boxes are sensor noise, not smoke plumes.
func FilterMinArea(dets []Detection, frameW, frameH int, ratio float64) []Detection {
	if ratio <= 0 {
		return dets
	}
	minArea := ratio * float64(frameW*frameH)
	kept := dets[:0]
	for _, d := range dets {
		area := float64(d.Box.Dx() * d.Box.Dy())
		if area >= minArea {
			kept = append(kept, d)
		}
	}
	return kept
}

// UnionBoxes returns the bounding rectangle covering every detection box.
// The second return is false when the slice is empty.
func UnionBoxes(dets []Detection) (image.Rectangle, bool) {
	if len(dets) == 0 {
		return image.Rectangle{}, false
	}
	u := dets[0].Box
	for _, d := range dets[1:] {
		u = u.Union(d.Box)
	}
	return u, true
}

// ExpandBox grows box by margin (a fraction of its own width/height) on every
// side and clamps the result to the frame. A degenerate result falls back to
// the full frame.
func ExpandBox(box image.Rectangle, margin float64, frameW, frameH int) image.Rectangle {
	dw := int(float64(box.Dx()) * margin)
	dh := int(float64(box.Dy()) * margin)

	x1 := clampInt(box.Min.X-dw, 0, frameW-1)
	y1 := clampInt(box.Min.Y-dh, 0, frameH-1)
	x2 := clampInt(box.Max.X+dw, 0, frameW-1)
	y2 := clampInt(box.Max.Y+dh, 0, frameH-1)

	if x2 <= x1+2 || y2 <= y1+2 {
		return image.Rect(0, 0, frameW-1, frameH-1)
	}
	return image.Rect(x1, y1, x2, y2)
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
