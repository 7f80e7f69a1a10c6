package detection

import (
	"image"
	"time"

	"gocv.io/x/gocv"
)

// decodeYOLOOutput turns a raw YOLO forward-pass matrix into detections in
// frame pixel coordinates. Frames are resized to the square network input
// without letterboxing, so the normalized box centers scale back by plain
// width/height ratios.
func decodeYOLOOutput(output gocv.Mat, spec ModelSpec, classNames []string, frameW, frameH int) []Detection {
	now := time.Now()

	var dets []Detection
	for i := 0; i < output.Rows(); i++ {
		row := output.RowRange(i, i+1)
		data := row.Clone()
		scores := data.ColRange(5, data.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(scores)
		classID := maxLoc.X
		confidence := float64(maxVal)

		if confidence >= spec.Confidence && classID < len(classNames) {
			className := classNames[classID]
			if spec.TargetClass == "" || className == spec.TargetClass {
				xNorm := data.GetFloatAt(0, 0)
				yNorm := data.GetFloatAt(0, 1)
				wNorm := data.GetFloatAt(0, 2)
				hNorm := data.GetFloatAt(0, 3)

				centerX := int(xNorm * float32(frameW))
				centerY := int(yNorm * float32(frameH))
				width := int(wNorm * float32(frameW))
				height := int(hNorm * float32(frameH))
				left := centerX - width/2
				top := centerY - height/2

				dets = append(dets, Detection{
					Class:      className,
					Confidence: confidence,
					Box:        image.Rect(left, top, left+width, top+height),
					Stage:      spec.Stage,
					FrameTS:    now,
				})
			}
		}

		scores.Close()
		data.Close()
		row.Close()
	}

	return dets
}
