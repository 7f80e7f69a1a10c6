package main

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// FrameBuffer keeps the last good frame so short RTSP glitches reuse it
// instead of dropping video.
type FrameBuffer struct {
	mu            sync.Mutex
	lastGoodFrame gocv.Mat
	errorCount    int
	maxErrors     int
	lastError     time.Time
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		lastGoodFrame: gocv.NewMat(),
		maxErrors:     3,
	}
}

func (fb *FrameBuffer) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.lastGoodFrame.Empty() {
		fb.lastGoodFrame.Close()
	}
}

func isValidFrame(frame gocv.Mat) bool {
	return !frame.Empty() && frame.Cols() > 0 && frame.Rows() > 0
}

// ProcessFrame validates a captured frame. The returned Mat is always a
// clone owned by the caller. After repeated invalid captures the last good
// frame is substituted so the pipeline keeps a picture.
func (fb *FrameBuffer) ProcessFrame(frame gocv.Mat) (gocv.Mat, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if !isValidFrame(frame) {
		fb.errorCount++
		fb.lastError = time.Now()
		if fb.errorCount >= fb.maxErrors && isValidFrame(fb.lastGoodFrame) {
			debugMsg("RECOVERY", "using last good frame due to invalid capture")
			return fb.lastGoodFrame.Clone(), true
		}
		return gocv.Mat{}, false
	}

	if isValidFrame(fb.lastGoodFrame) {
		fb.lastGoodFrame.Close()
	}
	fb.lastGoodFrame = frame.Clone()
	fb.errorCount = 0
	fb.lastError = time.Time{}
	return frame.Clone(), true
}
