package detection

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// GPUProvider implements YOLO inference using OpenCV CUDA backend
type GPUProvider struct {
	net        gocv.Net
	spec       ModelSpec
	classNames []string
	mu         sync.Mutex
}

// Initialize initializes the GPU provider with model files
func (gp *GPUProvider) Initialize(spec ModelSpec) error {
	gp.spec = spec

	// Load the network
	gp.net = gocv.ReadNet(spec.WeightsPath, spec.ConfigPath)
	if gp.net.Empty() {
		return fmt.Errorf("failed to load YOLO network from %s and %s", spec.WeightsPath, spec.ConfigPath)
	}

	// Try to set CUDA backend
	gp.net.SetPreferableBackend(gocv.NetBackendCUDA)
	gp.net.SetPreferableTarget(gocv.NetTargetCUDA)

	// Load class names
	namesBytes, err := os.ReadFile(spec.NamesPath)
	if err != nil {
		return fmt.Errorf("could not read class names: %v", err)
	}
	gp.classNames = strings.Split(strings.TrimSpace(string(namesBytes)), "\n")

	return nil
}

// Detect performs object detection on a frame using GPU
func (gp *GPUProvider) Detect(frame gocv.Mat) (*Result, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	sz := gp.spec.InputSize
	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(sz, sz), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	gp.net.SetInput(blob, "")

	// Forward pass (this should run on GPU)
	output := gp.net.Forward("")
	defer output.Close()

	dets := decodeYOLOOutput(output, gp.spec, gp.classNames, frame.Cols(), frame.Rows())
	return &Result{Detections: dets}, nil
}

// Close releases resources used by the GPU provider
func (gp *GPUProvider) Close() error {
	gp.net.Close()
	return nil
}

// GetProviderInfo returns information about the GPU provider
func (gp *GPUProvider) GetProviderInfo() ProviderInfo {
	return ProviderInfo{
		Type:         "GPU",
		Backend:      "OpenCV CUDA",
		Device:       "NVIDIA GPU",
		EstimatedFPS: 120, // Optimistic estimate for GPU inference
	}
}
