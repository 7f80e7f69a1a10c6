package pipeline

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"firewatch/detection"
)

// SessionBurstDetector decodes burst JPEGs and runs the fire session on the
// ROI crop. Detection boxes come back translated to full-frame coordinates.
type SessionBurstDetector struct {
	session *detection.Session
}

// NewSessionBurstDetector wraps a fire-stage session.
func NewSessionBurstDetector(session *detection.Session) *SessionBurstDetector {
	return &SessionBurstDetector{session: session}
}

// DetectJPEG implements BurstDetector.
func (d *SessionBurstDetector) DetectJPEG(ctx context.Context, jpeg []byte, roi image.Rectangle) (*detection.Result, error) {
	mat, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode burst frame: %v", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decode burst frame: empty image")
	}

	bounds := image.Rect(0, 0, mat.Cols(), mat.Rows())
	roi = roi.Intersect(bounds)
	if roi.Dx() < 4 || roi.Dy() < 4 {
		roi = bounds
	}

	region := mat.Region(roi)
	crop := region.Clone()
	region.Close()
	defer crop.Close()

	res, err := d.session.Detect(ctx, crop)
	if err != nil {
		return res, err
	}

	for i := range res.Detections {
		res.Detections[i].Box = res.Detections[i].Box.Add(roi.Min)
	}
	return res, nil
}
