package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
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

// Config controls the ffmpeg relay process.
type Config struct {
	InputURL  string
	OutputURL string
	ExtraArgs []string

	// HealthTimeout restarts ffmpeg when no output arrives for this long.
	HealthTimeout time.Duration
	// FrameStallTimeout restarts ffmpeg when the frame counter stops
	// advancing while output keeps flowing.
	FrameStallTimeout time.Duration
	RestartDelay      time.Duration
	BinPath           string
}

func (c *Config) applyDefaults() {
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 15 * time.Second
	}
	if c.FrameStallTimeout == 0 {
		c.FrameStallTimeout = 11 * time.Second
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = 2 * time.Second
	}
	if c.BinPath == "" {
		c.BinPath = "ffmpeg"
	}
}

var frameRegex = regexp.MustCompile(`frame=\s*(\d+)`)

// Relay supervises an ffmpeg process that restreams the camera feed,
// restarting it when it dies, goes quiet, or stalls on a frame.
type Relay struct {
	cfg Config

	mutex        sync.RWMutex
	cmd          *exec.Cmd
	isRunning    bool
	restartCount int
	startTime    time.Time
	lastOutput   time.Time
	forceRestart bool

	lastFrameNumber int
	lastFrameUpdate time.Time
	waitDone        chan error

	now func() time.Time
}

func New(cfg Config) *Relay {
	cfg.applyDefaults()
	return &Relay{
		cfg: cfg,
		now: time.Now,
	}
}

// Status reports supervisor state for the API.
func (r *Relay) Status() map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	st := map[string]interface{}{
		"running":  r.isRunning,
		"restarts": r.restartCount,
	}
	if r.isRunning {
		st["uptime"] = r.now().Sub(r.startTime).Round(time.Second).String()
	}
	return st
}

func (r *Relay) buildArgs() []string {
	args := []string{
		"-rtsp_transport", "tcp",
		"-i", r.cfg.InputURL,
		"-c", "copy",
		"-f", "rtsp",
	}
	args = append(args, r.cfg.ExtraArgs...)
	args = append(args, r.cfg.OutputURL)
	return args
}

// Run supervises the relay until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	healthInterval := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			r.stop()
			return ctx.Err()
		default:
		}

		if !r.running() {
			if r.restartCount > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.cfg.RestartDelay):
				}
			}
			if err := r.start(ctx); err != nil {
				debugMsg("RELAY", fmt.Sprintf("start failed: %v", err))
				r.mutex.Lock()
				r.restartCount++
				r.mutex.Unlock()
				continue
			}
		}

		select {
		case <-ctx.Done():
			r.stop()
			return ctx.Err()
		case <-time.After(healthInterval):
		}

		if !r.healthy() {
			debugMsg("RELAY", "relay unhealthy, restarting")
			r.stop()
		}
	}
}

func (r *Relay) running() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.isRunning
}

func (r *Relay) start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.isRunning {
		return fmt.Errorf("relay already running")
	}

	r.forceRestart = false
	r.lastFrameNumber = 0
	r.lastFrameUpdate = r.now()
	r.startTime = r.now()

	cmd := exec.CommandContext(ctx, r.cfg.BinPath, r.buildArgs()...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	debugMsg("RELAY", fmt.Sprintf("ffmpeg started pid=%d attempt=%d", cmd.Process.Pid, r.restartCount+1))

	r.cmd = cmd
	r.isRunning = true
	r.restartCount++
	r.lastOutput = r.now()

	waitDone := make(chan error, 1)
	r.waitDone = waitDone

	go r.monitorOutput(stderr)
	go func() {
		waitDone <- cmd.Wait()
		r.mutex.Lock()
		r.isRunning = false
		r.mutex.Unlock()
	}()

	return nil
}

func (r *Relay) monitorOutput(pipe io.ReadCloser) {
	defer pipe.Close()

	scanner := bufio.NewScanner(pipe)
	scanner.Split(scanCarriageLines)
	for scanner.Scan() {
		r.processLine(scanner.Text())
	}
}

// scanCarriageLines splits on \n and \r so ffmpeg's in-place progress
// updates arrive as individual lines.
func scanCarriageLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (r *Relay) processLine(line string) {
	if line == "" {
		return
	}

	r.mutex.Lock()
	if !r.forceRestart {
		r.lastOutput = r.now()
	}
	r.mutex.Unlock()

	if m := frameRegex.FindStringSubmatch(line); len(m) > 1 {
		frame, _ := strconv.Atoi(m[1])
		r.trackFrame(frame)
		return
	}

	lower := strings.ToLower(line)
	if (strings.Contains(lower, "error") || strings.Contains(lower, "failed")) && !isNonFatalWarning(line) {
		debugMsg("RELAY", "ffmpeg: "+line)
	}
}

// trackFrame forces a restart when the frame counter sits still past
// the stall timeout.
func (r *Relay) trackFrame(frame int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if frame > r.lastFrameNumber {
		r.lastFrameNumber = frame
		r.lastFrameUpdate = r.now()
		return
	}

	stalled := r.now().Sub(r.lastFrameUpdate)
	if stalled > r.cfg.FrameStallTimeout {
		debugMsg("RELAY", fmt.Sprintf("frame stuck at %d for %v, forcing restart", frame, stalled.Round(time.Second)))
		r.forceRestart = true
		r.lastOutput = r.now().Add(-r.cfg.HealthTimeout - time.Second)
	}
}

// isNonFatalWarning filters RTSP chatter that does not indicate a
// broken relay.
func isNonFatalWarning(line string) bool {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "rtsp") && (strings.Contains(lower, "max delay reached") ||
		(strings.Contains(lower, "missed") && strings.Contains(lower, "packets"))) {
		return true
	}
	if strings.Contains(lower, "flv") && strings.Contains(lower, "failed to update header") {
		return true
	}
	return false
}

func (r *Relay) healthy() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if !r.isRunning || r.cmd == nil {
		return false
	}

	if r.cmd.Process != nil {
		if err := r.cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return false
		}
	}

	return r.now().Sub(r.lastOutput) <= r.cfg.HealthTimeout
}

func (r *Relay) stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.isRunning || r.cmd == nil {
		return
	}

	uptime := r.now().Sub(r.startTime).Round(time.Second)
	debugMsg("RELAY", fmt.Sprintf("stopping ffmpeg pid=%d uptime=%v", r.cmd.Process.Pid, uptime))

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		debugMsg("RELAY", fmt.Sprintf("SIGTERM failed: %v", err))
	}

	select {
	case <-time.After(3 * time.Second):
		r.cmd.Process.Kill()
		<-r.waitDone
	case <-r.waitDone:
	}

	r.isRunning = false
}
