// Package config provides YAML-based configuration loading for cfq, with
// environment variable overrides applied on top of the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Failure policies for the transcode queue.
const (
	FailurePermanent        = "permanent"
	FailureRetry            = "retry"
	FailureRetryUnavailable = "retry-unavailable"
)

// Audio transcription backends.
const (
	AudioWhisper = "whisper"
	AudioGCP     = "gcp"
	AudioNone    = "none"
)

// Config is the top-level cfq configuration, loaded from cfq.yaml.
type Config struct {
	LogMode   string          `yaml:"log_mode"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Inference InferenceConfig `yaml:"inference"`
	Summary   SummaryConfig   `yaml:"summary"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Audio     AudioConfig     `yaml:"audio"`
	Reclaim   ReclaimConfig   `yaml:"reclaim"`
	Redis     RedisConfig     `yaml:"redis"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DatabaseConfig selects the GORM driver and DSN.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// StorageConfig controls the on-disk content store.
type StorageConfig struct {
	Root         string `yaml:"root"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// InferenceConfig points at the text-generation endpoint.
type InferenceConfig struct {
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Temperature is nil when unset so an explicit 0 is kept.
	Temperature *float64 `yaml:"temperature"`
}

// DefaultTemperature is the sampling temperature used when none is set.
const DefaultTemperature = 0.2

// SummaryConfig bounds the summarization prompt.
type SummaryConfig struct {
	MaxInputChars int `yaml:"max_input_chars"`
	TargetWords   int `yaml:"target_words"`
	IdleSleepSec  int `yaml:"idle_sleep_sec"`
}

// TranscodeConfig controls the transcode queue.
type TranscodeConfig struct {
	FailurePolicy string `yaml:"failure_policy"`
	IdleSleepSec  int    `yaml:"idle_sleep_sec"`
	MaxSheetRows  int    `yaml:"max_sheet_rows"`
}

// AudioConfig selects and tunes the speech-to-text backend.
type AudioConfig struct {
	Backend      string `yaml:"backend"`
	WhisperBin   string `yaml:"whisper_bin"`
	WhisperModel string `yaml:"whisper_model"`
	LanguageCode string `yaml:"language_code"`
	// CredentialsFile is only used by the gcp backend.
	CredentialsFile string `yaml:"credentials_file"`
}

// ReclaimConfig enables the stuck-claim sweep. Off by default: a killed
// worker leaves its row in processing until an operator intervenes.
type ReclaimConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TimeoutSec int    `yaml:"timeout_sec"`
	Schedule   string `yaml:"schedule"`
}

// RedisConfig enables upload wake-ups. Empty Addr disables them.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// DashboardConfig holds the ops API listen port.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file is not an error: defaults and environment apply.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config, applying environment
// overrides from the process environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with any set environment variables.
func (c *Config) applyEnv(getenv func(string) string) {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("CFQ_LOG_MODE", &c.LogMode)
	str("CFQ_DB_DRIVER", &c.Database.Driver)
	str("CFQ_DB_DSN", &c.Database.DSN)
	str("CFQ_STORAGE_ROOT", &c.Storage.Root)
	str("OLLAMA_URL", &c.Inference.URL)
	str("OLLAMA_MODEL", &c.Inference.Model)
	num("AI_TIMEOUT_SECONDS", &c.Inference.TimeoutSeconds)
	num("SUMMARY_MAX_INPUT_CHARS", &c.Summary.MaxInputChars)
	num("SUMMARY_TARGET_WORDS", &c.Summary.TargetWords)
	str("CFQ_AUDIO_BACKEND", &c.Audio.Backend)
	str("CFQ_FAILURE_POLICY", &c.Transcode.FailurePolicy)
	str("CFQ_REDIS_ADDR", &c.Redis.Addr)
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "cfq.db"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "storage/uploads"
	}
	if c.Storage.MaxFileBytes == 0 {
		c.Storage.MaxFileBytes = 100 * 1024 * 1024
	}
	if c.Inference.URL == "" {
		c.Inference.URL = "http://localhost:11434/api/generate"
	}
	if c.Inference.Model == "" {
		c.Inference.Model = "gpt-oss:20b"
	}
	if c.Inference.TimeoutSeconds == 0 {
		c.Inference.TimeoutSeconds = 600
	}
	if c.Inference.Temperature == nil {
		t := DefaultTemperature
		c.Inference.Temperature = &t
	}
	if c.Summary.MaxInputChars == 0 {
		c.Summary.MaxInputChars = 24000
	}
	if c.Summary.TargetWords == 0 {
		c.Summary.TargetWords = 150
	}
	if c.Summary.IdleSleepSec == 0 {
		c.Summary.IdleSleepSec = 15
	}
	if c.Transcode.FailurePolicy == "" {
		c.Transcode.FailurePolicy = FailurePermanent
	}
	if c.Transcode.IdleSleepSec == 0 {
		c.Transcode.IdleSleepSec = 10
	}
	if c.Transcode.MaxSheetRows == 0 {
		c.Transcode.MaxSheetRows = 1050
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = AudioWhisper
	}
	if c.Audio.WhisperBin == "" {
		c.Audio.WhisperBin = "whisper"
	}
	if c.Audio.WhisperModel == "" {
		c.Audio.WhisperModel = "base"
	}
	if c.Reclaim.TimeoutSec == 0 {
		c.Reclaim.TimeoutSec = 7200
	}
	if c.Reclaim.Schedule == "" {
		c.Reclaim.Schedule = "*/10 * * * *"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "cfq:uploads"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all values are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of sqlite, mysql, postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Inference.TimeoutSeconds < 0 {
		errs = append(errs, "inference.timeout_seconds must not be negative")
	}
	if c.Inference.Temperature != nil && *c.Inference.Temperature < 0 {
		errs = append(errs, "inference.temperature must not be negative")
	}
	if c.Summary.MaxInputChars < 2 {
		errs = append(errs, "summary.max_input_chars must be at least 2")
	}
	if c.Summary.TargetWords < 0 {
		errs = append(errs, "summary.target_words must not be negative")
	}
	switch c.Transcode.FailurePolicy {
	case FailurePermanent, FailureRetry, FailureRetryUnavailable:
	default:
		errs = append(errs, fmt.Sprintf("transcode.failure_policy %q is not one of permanent, retry, retry-unavailable", c.Transcode.FailurePolicy))
	}
	switch c.Audio.Backend {
	case AudioWhisper, AudioGCP, AudioNone:
	default:
		errs = append(errs, fmt.Sprintf("audio.backend %q is not one of whisper, gcp, none", c.Audio.Backend))
	}
	if c.Reclaim.TimeoutSec < 0 {
		errs = append(errs, "reclaim.timeout_sec must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
