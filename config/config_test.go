package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.30, cfg.SmokeConf)
	assert.Equal(t, 0.50, cfg.FireConf)
	assert.Equal(t, 3, cfg.SmokeConsec)
	assert.Equal(t, 2, cfg.FireConfirm)
	assert.Equal(t, 6, cfg.BurstFrames)
	assert.Equal(t, 416, cfg.SmokeInput)
	assert.Equal(t, 640, cfg.FireInput)
	assert.Equal(t, 500*time.Millisecond, cfg.InferTimeout())
	assert.Equal(t, 3*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 5*time.Second, cfg.TelemetryStale())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"rtsp_url": "rtsp://drone.local:8554/cam",
		"smoke_conf": 0.25,
		"fire_confirm": 3,
		"pause_min_conf": 0.7
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rtsp://drone.local:8554/cam", cfg.RTSPURL)
	assert.Equal(t, 0.25, cfg.SmokeConf)
	assert.Equal(t, 3, cfg.FireConfirm)
	assert.Equal(t, 0.7, cfg.PauseMinConf)

	// Untouched fields keep defaults.
	assert.Equal(t, 0.50, cfg.FireConf)
	assert.Equal(t, 15, cfg.TargetFPS)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadBadJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"telegram_token": "file-token"}`)

	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")
	t.Setenv("FIREWATCH_RTSP", "rtsp://env.local/cam")
	t.Setenv("FIREWATCH_AUTOPILOT", "10.0.0.2:5760")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.TelegramToken)
	assert.Equal(t, "12345", cfg.TelegramChat)
	assert.Equal(t, "rtsp://env.local/cam", cfg.RTSPURL)
	assert.Equal(t, "10.0.0.2:5760", cfg.AutopilotAddr)
}

func TestTelegramConfigured(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.TelegramConfigured())

	cfg.TelegramToken = "123456:real-token"
	cfg.TelegramChat = "99887766"
	assert.True(t, cfg.TelegramConfigured())

	cfg.TelegramToken = "YOUR_BOT_TOKEN_HERE"
	assert.False(t, cfg.TelegramConfigured())

	cfg.TelegramToken = "123456:real-token"
	cfg.TelegramChat = "your_chat_id"
	assert.False(t, cfg.TelegramConfigured())
}
