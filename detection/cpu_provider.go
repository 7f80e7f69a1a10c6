package detection

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// CPUProvider implements YOLO inference using OpenCV CPU backend
type CPUProvider struct {
	net        gocv.Net
	spec       ModelSpec
	classNames []string
	mu         sync.Mutex
}

// Initialize initializes the CPU provider with model files
func (cp *CPUProvider) Initialize(spec ModelSpec) error {
	cp.spec = spec

	// Load the network
	cp.net = gocv.ReadNet(spec.WeightsPath, spec.ConfigPath)
	if cp.net.Empty() {
		return fmt.Errorf("failed to load YOLO network from %s and %s", spec.WeightsPath, spec.ConfigPath)
	}

	// Set CPU backend
	cp.net.SetPreferableBackend(gocv.NetBackendDefault)
	cp.net.SetPreferableTarget(gocv.NetTargetCPU)

	// Load class names
	namesBytes, err := os.ReadFile(spec.NamesPath)
	if err != nil {
		return fmt.Errorf("could not read class names: %v", err)
	}
	cp.classNames = strings.Split(strings.TrimSpace(string(namesBytes)), "\n")

	return nil
}

// Detect performs object detection on a frame using CPU
func (cp *CPUProvider) Detect(frame gocv.Mat) (*Result, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	sz := cp.spec.InputSize
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(sz, sz), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	cp.net.SetInput(blob, "")

	// Forward pass
	output := cp.net.Forward("")
	defer output.Close()

	dets := decodeYOLOOutput(output, cp.spec, cp.classNames, frame.Cols(), frame.Rows())
	return &Result{Detections: dets}, nil
}

// Close releases resources used by the CPU provider
func (cp *CPUProvider) Close() error {
	cp.net.Close()
	return nil
}

// GetProviderInfo returns information about the CPU provider
func (cp *CPUProvider) GetProviderInfo() ProviderInfo {
	return ProviderInfo{
		Type:         "CPU",
		Backend:      "OpenCV CPU",
		Device:       "CPU",
		EstimatedFPS: 10, // Conservative estimate for CPU inference
	}
}
