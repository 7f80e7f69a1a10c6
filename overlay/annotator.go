package overlay

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"firewatch/pipeline"

	"gocv.io/x/gocv"
)

// debugMsgFunc is set by the main package to use unified logging
var debugMsgFunc func(component, message string)

// SetDebugFunction allows main package to provide the debug logger
func SetDebugFunction(fn func(component, message string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

// Annotator draws detection overlays on frames for the live stream
// and for alert snapshots.
type Annotator struct {
	smokeColor  color.RGBA
	fireColor   color.RGBA
	textColor   color.RGBA
	bannerColor color.RGBA

	jpegQuality int
}

// NewAnnotator creates an annotator with the default palette.
func NewAnnotator() *Annotator {
	return &Annotator{
		smokeColor:  color.RGBA{0, 191, 255, 255}, // deep sky blue for smoke boxes
		fireColor:   color.RGBA{255, 69, 0, 255},  // orange-red for fire boxes
		textColor:   color.RGBA{255, 255, 255, 255},
		bannerColor: color.RGBA{0, 0, 0, 255},
		jpegQuality: 80,
	}
}

// Annotate draws the current detection state onto img in place.
// fps may be zero when unknown.
func (a *Annotator) Annotate(img *gocv.Mat, snap pipeline.Snapshot, fps float64) {
	for _, b := range snap.SmokeBoxes {
		a.drawBox(img, b.Rect(), a.smokeColor, fmt.Sprintf("smoke %.0f%%", snap.SmokeMaxConf*100))
	}
	for _, b := range snap.FireBoxes {
		a.drawBox(img, b.Rect(), a.fireColor, fmt.Sprintf("fire %.0f%%", snap.FireMaxConf*100))
	}

	y := 25
	if snap.HasFire {
		hold := time.Duration(0)
		if !snap.LastFireConfirm.IsZero() {
			hold = time.Since(snap.LastFireConfirm).Round(time.Second)
		}
		a.drawBanner(img, fmt.Sprintf("FIRE CONFIRMED conf=%.0f%% hold=%s", snap.FireMaxConf*100, hold), y, a.fireColor)
		y += 28
	} else if snap.HasSmoke {
		a.drawBanner(img, fmt.Sprintf("SMOKE WARNING conf=%.0f%% consec=%d", snap.SmokeMaxConf*100, snap.SmokeConsec), y, a.smokeColor)
		y += 28
	}

	if snap.SmokeDegraded || snap.FireDegraded {
		a.drawBanner(img, "DETECTOR DEGRADED", y, color.RGBA{255, 255, 0, 255})
		y += 28
	}

	if fps > 0 {
		gocv.PutText(img, fmt.Sprintf("%.1f FPS", fps),
			image.Point{img.Cols() - 110, 25},
			gocv.FontHersheySimplex, 0.6, a.textColor, 2)
	}
}

// RenderAlert decodes a JPEG frame, draws the given boxes and a kind
// banner, and re-encodes it. On any decode or encode failure the
// original frame is returned so an alert is never left without an
// image.
func (a *Annotator) RenderAlert(frame []byte, boxes []pipeline.Box, kind string, conf float64) []byte {
	img, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil || img.Empty() {
		debugMsg("OVERLAY", fmt.Sprintf("alert frame decode failed: %v", err))
		return frame
	}
	defer img.Close()

	col := a.smokeColor
	label := fmt.Sprintf("SMOKE %.0f%%", conf*100)
	if kind == "fire" {
		col = a.fireColor
		label = fmt.Sprintf("FIRE %.0f%%", conf*100)
	}

	for _, b := range boxes {
		a.drawBox(&img, b.Rect(), col, label)
	}
	a.drawBanner(&img, label, 25, col)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img,
		[]int{gocv.IMWriteJpegQuality, a.jpegQuality})
	if err != nil {
		debugMsg("OVERLAY", fmt.Sprintf("alert frame encode failed: %v", err))
		return frame
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out
}

func (a *Annotator) drawBox(img *gocv.Mat, rect image.Rectangle, col color.RGBA, label string) {
	gocv.Rectangle(img, rect, col, 2)

	labelPos := image.Point{rect.Min.X, rect.Min.Y - 6}
	if labelPos.Y < 15 {
		labelPos.Y = rect.Max.Y + 18
	}
	gocv.PutText(img, label, labelPos, gocv.FontHersheySimplex, 0.5, col, 1)
}

func (a *Annotator) drawBanner(img *gocv.Mat, text string, y int, col color.RGBA) {
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.7, 2)
	bg := image.Rect(5, y-size.Y-6, 15+size.X, y+8)
	gocv.Rectangle(img, bg, a.bannerColor, -1)
	gocv.PutText(img, text, image.Point{10, y}, gocv.FontHersheySimplex, 0.7, col, 2)
}
