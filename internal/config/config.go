// Package config loads client settings from an optional YAML file and then
// ACTIVITYSYNC_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ACTIVITYSYNC_"

type Retry struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	BaseURL   string `yaml:"baseUrl"`
	StreamURL string `yaml:"streamUrl"`
	// Token is a bearer credential; TokenFile is watched for rotation and
	// wins when both are set.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"tokenFile"`

	DataDir       string `yaml:"dataDir"`
	QueueDSN      string `yaml:"queueDsn"`
	StateDSN      string `yaml:"stateDsn"`
	QueueCapacity int    `yaml:"queueCapacity"`

	BatchSize      int           `yaml:"batchSize"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
	FlushDebounce  time.Duration `yaml:"flushDebounce"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	Retry          Retry         `yaml:"retry"`

	AppVersion  string `yaml:"appVersion"`
	DeviceToken string `yaml:"deviceToken"`
	UserAgent   string `yaml:"userAgent"`

	Log Log `yaml:"log"`

	// Warnings lists env values that failed to parse and were ignored.
	Warnings []string `yaml:"-"`
}

func Default() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8080",
		DataDir:        ".activitysync",
		QueueCapacity:  1024,
		BatchSize:      10,
		FlushInterval:  30 * time.Second,
		FlushDebounce:  2 * time.Second,
		RequestTimeout: 15 * time.Second,
		Retry: Retry{
			Base:       time.Second,
			Max:        5 * time.Minute,
			Multiplier: 2,
		},
		Log: Log{Level: "info", Format: "console"},
	}
}

// Load applies defaults, then the YAML file at path (if any), then the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c *Config) applyEnv() {
	c.BaseURL = envOrDefault(envPrefix+"BASE_URL", c.BaseURL)
	c.StreamURL = envOrDefault(envPrefix+"STREAM_URL", c.StreamURL)
	c.Token = envOrDefault(envPrefix+"TOKEN", c.Token)
	c.TokenFile = envOrDefault(envPrefix+"TOKEN_FILE", c.TokenFile)
	c.DataDir = envOrDefault(envPrefix+"DATA_DIR", c.DataDir)
	c.QueueDSN = envOrDefault(envPrefix+"QUEUE_DSN", c.QueueDSN)
	c.StateDSN = envOrDefault(envPrefix+"STATE_DSN", c.StateDSN)
	c.QueueCapacity = c.intEnv(envPrefix+"QUEUE_CAPACITY", c.QueueCapacity)
	c.BatchSize = c.intEnv(envPrefix+"BATCH_SIZE", c.BatchSize)
	c.FlushInterval = c.durationEnv(envPrefix+"FLUSH_INTERVAL", c.FlushInterval)
	c.FlushDebounce = c.durationEnv(envPrefix+"FLUSH_DEBOUNCE", c.FlushDebounce)
	c.RequestTimeout = c.durationEnv(envPrefix+"REQUEST_TIMEOUT", c.RequestTimeout)
	c.Retry.Base = c.durationEnv(envPrefix+"RETRY_BASE", c.Retry.Base)
	c.Retry.Max = c.durationEnv(envPrefix+"RETRY_MAX", c.Retry.Max)
	c.Retry.Multiplier = c.floatEnv(envPrefix+"RETRY_MULTIPLIER", c.Retry.Multiplier)
	c.Retry.Jitter = c.floatEnv(envPrefix+"RETRY_JITTER", c.Retry.Jitter)
	c.AppVersion = envOrDefault(envPrefix+"APP_VERSION", c.AppVersion)
	c.DeviceToken = envOrDefault(envPrefix+"DEVICE_TOKEN", c.DeviceToken)
	c.UserAgent = envOrDefault(envPrefix+"USER_AGENT", c.UserAgent)
	c.Log.Level = envOrDefault(envPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault(envPrefix+"LOG_FORMAT", c.Log.Format)
}

func (c *Config) fillDerived() {
	if c.QueueDSN == "" {
		c.QueueDSN = filepath.Join(c.DataDir, "outbox.json")
	}
	if c.StateDSN == "" {
		c.StateDSN = filepath.Join(c.DataDir, "state")
	}
	if c.StreamURL == "" {
		if u, err := url.Parse(c.BaseURL); err == nil && u.Host != "" {
			switch u.Scheme {
			case "https":
				u.Scheme = "wss"
			default:
				u.Scheme = "ws"
			}
			u.Path = strings.TrimRight(u.Path, "/") + "/push/stream"
			c.StreamURL = u.String()
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("baseUrl must be an http(s) URL, got %q", c.BaseURL))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queueCapacity must be positive, got %d", c.QueueCapacity))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batchSize must be positive, got %d", c.BatchSize))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flushInterval must be positive"))
	}
	if c.Retry.Base <= 0 || c.Retry.Max < c.Retry.Base {
		errs = append(errs, fmt.Errorf("retry window invalid: base=%s max=%s", c.Retry.Base, c.Retry.Max))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be in [0,1), got %v", c.Retry.Jitter))
	}
	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (c *Config) intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback.String()))
		return fallback
	}
	return value
}

func (c *Config) floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %f", name, raw, fallback))
		return fallback
	}
	return value
}
