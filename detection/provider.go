package detection

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Errors surfaced by a provider session. Callers distinguish a transient
// timeout (tick continues with an empty result) from a hardware fault
// (the stage is suspended and reported degraded).
var (
	ErrInferenceTimeout = errors.New("inference timeout")
	ErrHardwareFault    = errors.New("inference hardware fault")
)

// Global debug function for detection package
var debugMsgFunc func(string, string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string)) {
	debugMsgFunc = fn
}

// debugMsg is a wrapper that handles nil checks
func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

// ModelSpec names the files and tuning for one YOLO model.
type ModelSpec struct {
	WeightsPath string
	ConfigPath  string
	NamesPath   string
	InputSize   int
	Confidence  float64
	TargetClass string
	Stage       Stage
}

// InferenceProvider defines the interface for YOLO inference
type InferenceProvider interface {
	Initialize(spec ModelSpec) error
	Detect(frame gocv.Mat) (*Result, error)
	Close() error
	GetProviderInfo() ProviderInfo
}

// ProviderInfo contains information about the inference provider
type ProviderInfo struct {
	Type         string        // "GPU" or "CPU"
	Backend      string        // "CUDA", "OpenCL", "CPU"
	Device       string        // Device identifier
	EstimatedFPS int           // Estimated inference FPS
	InitTime     time.Duration // Time taken to initialize
}

// Session owns one execution context for one stage. The smoke and fire
// stages each get their own Session so a stall in one never blocks the
// other on a shared accelerator handle.
type Session struct {
	stage    Stage
	provider InferenceProvider
	info     ProviderInfo
	timeout  time.Duration

	faulted atomic.Bool

	mu sync.Mutex
}

// NewSession performs auto-detection and initializes the best available
// provider for the given model, GPU first with CPU fallback.
func NewSession(spec ModelSpec, timeout time.Duration) (*Session, error) {
	s := &Session{stage: spec.Stage, timeout: timeout}

	debugMsg("PROVIDER", fmt.Sprintf("Auto-detecting inference provider for %s stage...", spec.Stage))

	if hasGPUCapability() {
		gpu := &GPUProvider{}
		start := time.Now()
		if err := gpu.Initialize(spec); err == nil {
			// Test GPU inference to make sure it really works
			if testProvider(gpu, spec.InputSize) {
				s.provider = gpu
				s.info = gpu.GetProviderInfo()
				s.info.InitTime = time.Since(start)
				debugMsg("PROVIDER", fmt.Sprintf("%s stage on GPU (%v)", spec.Stage, s.info.InitTime))
				return s, nil
			}
			debugMsg("PROVIDER", fmt.Sprintf("%s stage GPU test inference failed, falling back to CPU", spec.Stage))
			gpu.Close()
		} else {
			debugMsg("PROVIDER", fmt.Sprintf("%s stage GPU initialization failed: %v, falling back to CPU", spec.Stage, err))
		}
	}

	cpu := &CPUProvider{}
	start := time.Now()
	if err := cpu.Initialize(spec); err != nil {
		return nil, fmt.Errorf("both GPU and CPU providers failed for %s stage: %v", spec.Stage, err)
	}
	s.provider = cpu
	s.info = cpu.GetProviderInfo()
	s.info.InitTime = time.Since(start)
	debugMsg("PROVIDER", fmt.Sprintf("%s stage on CPU (%v)", spec.Stage, s.info.InitTime))

	return s, nil
}

// Detect runs one inference with the session's deadline. A deadline miss
// returns an empty result and ErrInferenceTimeout. A provider error marks
// the session faulted and returns ErrHardwareFault; a faulted session
// rejects all further calls until ClearFault.
func (s *Session) Detect(ctx context.Context, frame gocv.Mat) (*Result, error) {
	if s.faulted.Load() {
		return &Result{}, ErrHardwareFault
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		s.mu.Lock()
		res, err := s.provider.Detect(frame)
		s.mu.Unlock()
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			s.faulted.Store(true)
			debugMsg("PROVIDER", fmt.Sprintf("%s stage hardware fault: %v", s.stage, out.err))
			return &Result{}, ErrHardwareFault
		}
		return out.res, nil
	case <-timer.C:
		debugMsg("PROVIDER", fmt.Sprintf("%s stage inference exceeded %v deadline", s.stage, s.timeout))
		return &Result{}, ErrInferenceTimeout
	case <-ctx.Done():
		return &Result{}, ctx.Err()
	}
}

// Faulted reports whether the session has hit a hardware fault.
func (s *Session) Faulted() bool {
	return s.faulted.Load()
}

// ClearFault re-arms a faulted session after operator acknowledgment.
func (s *Session) ClearFault() {
	s.faulted.Store(false)
}

// Info returns provider details for status reporting.
func (s *Session) Info() ProviderInfo {
	return s.info
}

// Close closes the underlying provider.
func (s *Session) Close() error {
	if s.provider != nil {
		return s.provider.Close()
	}
	return nil
}

// hasGPUCapability checks if GPU inference is possible
func hasGPUCapability() bool {
	// Check 1: NVIDIA GPU present
	if !hasNVIDIAGPU() {
		debugMsg("GPU_DETECT", "No NVIDIA GPU detected")
		return false
	}

	// Check 2: NVIDIA drivers loaded
	if !hasNVIDIADriver() {
		debugMsg("GPU_DETECT", "NVIDIA drivers not loaded")
		return false
	}

	// Check 3: CUDA itself is tested during GPU provider initialization
	debugMsg("GPU_DETECT", "Hardware checks passed, will test CUDA during initialization")
	return true
}

// hasNVIDIAGPU checks if NVIDIA GPU is present
func hasNVIDIAGPU() bool {
	cmd := exec.Command("lspci")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(output)), "nvidia")
}

// hasNVIDIADriver checks if NVIDIA drivers are loaded
func hasNVIDIADriver() bool {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err := cmd.Run(); err != nil {
		return false
	}

	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}

// testProvider performs a quick test inference to verify the provider works
func testProvider(provider InferenceProvider, inputSize int) bool {
	testFrame := gocv.NewMatWithSize(inputSize, inputSize, gocv.MatTypeCV8UC3)
	defer testFrame.Close()

	_, err := provider.Detect(testFrame)
	return err == nil
}
