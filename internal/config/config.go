package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"spotwatch/internal/gps"
	"spotwatch/internal/parking"
)

type Config struct {
	ServerAddr   string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	StopSpeedMPS       float64
	DepartSpeedMPS     float64
	StopDurationSec    int
	ConfirmTimeoutSec  int
	DeclineCooldownSec int

	SessionIdleTimeoutSec int
	SampleRatePerSec      float64
	SampleBurst           int
	DeriveMissingSpeed    bool

	WebhookSigningSecret string
	NotifyWebhookURL     string
	NotifyWebhookSecret  string
	WorkerPollIntervalMS int
}

// Load reads configuration from the environment after applying the .env
// file at path, if any. Variables already set in the environment win.
func Load(path string) (Config, error) {
	cfg := Config{
		ServerAddr:            ":8080",
		DatabasePath:          "spotwatch.db",
		LogLevel:              "info",
		LogFormat:             "text",
		StopSpeedMPS:          gps.DefaultStopSpeed,
		DepartSpeedMPS:        gps.DefaultDepartSpeed,
		StopDurationSec:       60,
		ConfirmTimeoutSec:     30,
		DeclineCooldownSec:    180,
		SessionIdleTimeoutSec: 900,
		SampleRatePerSec:      5,
		SampleBurst:           10,
		WorkerPollIntervalMS:  2000,
	}

	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg.ServerAddr = getenv("SERVER_ADDR", cfg.ServerAddr)
	cfg.DatabasePath = getenv("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.WebhookSigningSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	cfg.NotifyWebhookSecret = os.Getenv("NOTIFY_WEBHOOK_SECRET")

	floats := []struct {
		key    string
		target *float64
	}{
		{"STOP_SPEED_MPS", &cfg.StopSpeedMPS},
		{"DEPART_SPEED_MPS", &cfg.DepartSpeedMPS},
		{"SAMPLE_RATE_PER_SEC", &cfg.SampleRatePerSec},
	}
	for _, f := range floats {
		if v := os.Getenv(f.key); v != "" {
			if err := parseFloat(f.target, v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", f.key, err)
			}
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"STOP_DURATION_SEC", &cfg.StopDurationSec},
		{"CONFIRM_TIMEOUT_SEC", &cfg.ConfirmTimeoutSec},
		{"DECLINE_COOLDOWN_SEC", &cfg.DeclineCooldownSec},
		{"SESSION_IDLE_TIMEOUT_SEC", &cfg.SessionIdleTimeoutSec},
		{"SAMPLE_BURST", &cfg.SampleBurst},
		{"WORKER_POLL_INTERVAL_MS", &cfg.WorkerPollIntervalMS},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			if err := parseInt(i.target, v); err != nil {
				return Config{}, fmt.Errorf("%s: %w", i.key, err)
			}
		}
	}

	if v := os.Getenv("DERIVE_MISSING_SPEED"); v != "" {
		if err := parseBool(&cfg.DeriveMissingSpeed, v); err != nil {
			return Config{}, fmt.Errorf("DERIVE_MISSING_SPEED: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.StopSpeedMPS < 0 {
		return errors.New("STOP_SPEED_MPS: must not be negative")
	}
	if c.DepartSpeedMPS <= c.StopSpeedMPS {
		return errors.New("DEPART_SPEED_MPS: must be above STOP_SPEED_MPS")
	}
	if c.StopDurationSec <= 0 {
		return errors.New("STOP_DURATION_SEC: must be positive")
	}
	if c.ConfirmTimeoutSec <= 0 {
		return errors.New("CONFIRM_TIMEOUT_SEC: must be positive")
	}
	if c.DeclineCooldownSec < 0 {
		return errors.New("DECLINE_COOLDOWN_SEC: must not be negative")
	}
	if c.SampleRatePerSec < 0 {
		return errors.New("SAMPLE_RATE_PER_SEC: must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	return nil
}

// Policy returns the detector policy the configuration describes.
func (c Config) Policy() parking.Policy {
	return parking.Policy{
		Thresholds: gps.Thresholds{
			StopSpeed:   c.StopSpeedMPS,
			DepartSpeed: c.DepartSpeedMPS,
		},
		StopDuration:    time.Duration(c.StopDurationSec) * time.Second,
		ConfirmTimeout:  time.Duration(c.ConfirmTimeoutSec) * time.Second,
		DeclineCooldown: time.Duration(c.DeclineCooldownSec) * time.Second,
	}
}

// SampleLimit is the per-session sample rate. Zero disables limiting.
func (c Config) SampleLimit() rate.Limit {
	return rate.Limit(c.SampleRatePerSec)
}

func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSec) * time.Second
}

func (c Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalMS) * time.Millisecond
}

// Logger builds the root logger.
func (c Config) Logger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseInt(target *int, value string) error {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func parseFloat(target *float64, value string) error {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func parseBool(target *bool, value string) error {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}
