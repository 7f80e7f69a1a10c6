package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting for the firewatch pipeline. Values come
// from a JSON config file; Telegram credentials may be overridden from the
// environment (or a .env file) so they never need to live in the config file.
type Config struct {
	// Video input
	RTSPURL     string `json:"rtsp_url"`
	TargetFPS   int    `json:"target_fps"`
	HTTPPort    int    `json:"http_port"`
	SnapDir     string `json:"snap_dir"`
	DatabaseDir string `json:"database_dir"`

	// Stage-1 (smoke) model
	SmokeWeights   string  `json:"smoke_weights"`
	SmokeConfig    string  `json:"smoke_config"`
	SmokeNames     string  `json:"smoke_names"`
	SmokeInput     int     `json:"smoke_input"`
	SmokeConf      float64 `json:"smoke_conf"`
	SmokeMinArea   float64 `json:"smoke_min_area"`
	SmokeConsec    int     `json:"smoke_consec"`
	SmokeClassName string  `json:"smoke_class_name"`

	// Stage-2 (fire) model
	FireWeights   string  `json:"fire_weights"`
	FireConfig    string  `json:"fire_config"`
	FireNames     string  `json:"fire_names"`
	FireInput     int     `json:"fire_input"`
	FireConf      float64 `json:"fire_conf"`
	FireClassName string  `json:"fire_class_name"`
	FireConfirm   int     `json:"fire_confirm"`

	// Stage-2 scheduling
	BurstFrames       int     `json:"burst_frames"`
	BurstStride       int     `json:"burst_stride"`
	ROIMargin         float64 `json:"roi_margin"`
	FireCheckCooldown float64 `json:"fire_check_cooldown_sec"`
	FireHold          float64 `json:"fire_hold_sec"`
	InferTimeoutMs    int     `json:"infer_timeout_ms"`

	// Alerting
	TelegramToken      string  `json:"telegram_token"`
	TelegramChat       string  `json:"telegram_chat"`
	SmokeAlertCooldown float64 `json:"smoke_alert_cooldown_sec"`
	FireAlertCooldown  float64 `json:"fire_alert_cooldown_sec"`
	AlertMinConf       float64 `json:"alert_min_conf"`
	AlertQueueSize     int     `json:"alert_queue_size"`
	AlertMaxRetries    int     `json:"alert_max_retries"`

	// Autopilot link
	AutopilotAddr      string  `json:"autopilot_addr"`
	CommandTimeoutSec  float64 `json:"command_timeout_sec"`
	CommandMaxRetries  int     `json:"command_max_retries"`
	TelemetryStaleSec  float64 `json:"telemetry_stale_sec"`
	PauseMinConf       float64 `json:"pause_min_conf"`
	PauseConsecPolls   int     `json:"pause_consec_polls"`
	PauseCooldownSec   float64 `json:"pause_cooldown_sec"`
	HoldTimeoutSec     float64 `json:"hold_timeout_sec"`
	PauseOnEscalation  bool    `json:"pause_on_escalation"`
	NavigationAltitude float64 `json:"navigation_altitude_m"`

	// Optional RTSP relay (ffmpeg supervised subprocess)
	RelayEnabled       bool     `json:"relay_enabled"`
	RelayArgs          []string `json:"relay_args"`
	RelayHealthSeconds int      `json:"relay_health_seconds"`
	RelayRestartDelay  int      `json:"relay_restart_delay_seconds"`
}

// Default returns the configuration the pipeline runs with when a field is
// absent from the config file.
func Default() Config {
	return Config{
		RTSPURL:            "rtsp://127.0.0.1:8554/fire",
		TargetFPS:          15,
		HTTPPort:           5002,
		SnapDir:            "static/fire_snaps",
		DatabaseDir:        ".",
		SmokeInput:         416,
		SmokeConf:          0.30,
		SmokeMinArea:       0.002,
		SmokeConsec:        3,
		SmokeClassName:     "smoke",
		FireInput:          640,
		FireConf:           0.50,
		FireClassName:      "fire",
		FireConfirm:        2,
		BurstFrames:        6,
		BurstStride:        2,
		ROIMargin:          0.35,
		FireCheckCooldown:  3.0,
		FireHold:           3.0,
		InferTimeoutMs:     500,
		SmokeAlertCooldown: 15.0,
		FireAlertCooldown:  10.0,
		AlertMinConf:       0.3,
		AlertQueueSize:     10,
		AlertMaxRetries:    2,
		AutopilotAddr:      "127.0.0.1:5760",
		CommandTimeoutSec:  3.0,
		CommandMaxRetries:  3,
		TelemetryStaleSec:  5.0,
		PauseMinConf:       0.6,
		PauseConsecPolls:   2,
		PauseCooldownSec:   20.0,
		HoldTimeoutSec:     0, // disabled
		NavigationAltitude: 10,
		RelayHealthSeconds: 15,
		RelayRestartDelay:  5,
	}
}

// Load reads the JSON config file at path, layers it over Default, and then
// applies environment overrides. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %v", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %v", path, err)
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.TelegramChat = v
	}
	if v := os.Getenv("FIREWATCH_RTSP"); v != "" {
		c.RTSPURL = v
	}
	if v := os.Getenv("FIREWATCH_AUTOPILOT"); v != "" {
		c.AutopilotAddr = v
	}
}

// TelegramConfigured reports whether alert credentials are usable. Placeholder
// values from sample configs are treated as unset.
func (c *Config) TelegramConfigured() bool {
	if c.TelegramToken == "" || c.TelegramChat == "" {
		return false
	}
	return !containsPlaceholder(c.TelegramToken) && !containsPlaceholder(c.TelegramChat)
}

func containsPlaceholder(s string) bool {
	for i := 0; i+4 <= len(s); i++ {
		if s[i] == 'Y' || s[i] == 'y' {
			up := []byte{s[i], s[i+1], s[i+2], s[i+3]}
			for j := range up {
				if up[j] >= 'a' && up[j] <= 'z' {
					up[j] -= 'a' - 'A'
				}
			}
			if string(up) == "YOUR" {
				return true
			}
		}
	}
	return false
}

// CommandTimeout returns the autopilot ack timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSec * float64(time.Second))
}

// TelemetryStale returns the geo-tag staleness bound as a duration.
func (c *Config) TelemetryStale() time.Duration {
	return time.Duration(c.TelemetryStaleSec * float64(time.Second))
}

// InferTimeout returns the per-inference deadline as a duration.
func (c *Config) InferTimeout() time.Duration {
	return time.Duration(c.InferTimeoutMs) * time.Millisecond
}
