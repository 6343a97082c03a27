package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/controller"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/ledger"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/scoring"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/state"
	"github.com/danielpatrickdp/adaptive-state/threshold-controller/internal/threshold"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// #region config
// Config is the daemon configuration file.
type Config struct {
	Settings   controller.Settings   `yaml:"settings"`
	Axes       []scoring.QualityAxis `yaml:"axes" validate:"omitempty,dive"`
	Thresholds map[string]float64    `yaml:"thresholds" validate:"omitempty,dive,gt=0,lte=1"`
	Ledger     LedgerConfig          `yaml:"ledger"`
	Monitor    MonitorConfig         `yaml:"monitor"`
	Tick       TickConfig            `yaml:"tick"`
	Storage    StorageConfig         `yaml:"storage"`
	Feed       FeedConfig            `yaml:"feed"`
	Server     ServerConfig          `yaml:"server"`
	Log        LogConfig             `yaml:"log"`
	Tracing    TracingConfig         `yaml:"tracing"`
}

// LedgerConfig sizes the history ledger.
type LedgerConfig struct {
	Capacity int    `yaml:"capacity" validate:"gte=1"`
	TopGrade string `yaml:"top_grade" validate:"required"`
}

// MonitorConfig holds the gate thresholds.
type MonitorConfig struct {
	MinSample      int     `yaml:"min_sample" validate:"gte=1"`
	EmergencyRatio float64 `yaml:"emergency_ratio" validate:"gt=0,lte=1"`
	FineTuneBand   float64 `yaml:"fine_tune_band" validate:"gte=0,lte=1"`
}

// TickConfig sets the periodic pass interval.
type TickConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=1s"`
}

// StorageConfig selects the persistence adapter.
type StorageConfig struct {
	Driver  string        `yaml:"driver" validate:"oneof=sqlite badger postgres memory"`
	Path    string        `yaml:"path" validate:"required_if=Driver sqlite,required_if=Driver badger"`
	DSN     string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAge  time.Duration `yaml:"max_age" validate:"gt=0"`
	// ProvenanceLog writes regime decisions to the sqlite file at Path.
	ProvenanceLog bool `yaml:"provenance_log"`
}

// FeedConfig selects feedback sources. Both may be empty.
type FeedConfig struct {
	File    string `yaml:"file"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject" validate:"required_with=NATSURL"`
}

// ServerConfig holds listen addresses; empty disables the endpoint.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TracingConfig enables the stdout span exporter.
type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

// #endregion config

// #region defaults
// Default returns the stock configuration: sqlite storage, one-minute
// ticks, metrics on :9108.
func Default() *Config {
	gw := state.DefaultGatewayConfig()
	lc := ledger.DefaultConfig()
	gc := gate.DefaultGateConfig()
	return &Config{
		Settings:   controller.DefaultSettings(),
		Axes:       scoring.DefaultAxes(),
		Thresholds: threshold.DefaultBases(),
		Ledger:     LedgerConfig{Capacity: lc.Capacity, TopGrade: lc.TopGrade},
		Monitor: MonitorConfig{
			MinSample:      gc.MinSample,
			EmergencyRatio: gc.EmergencyRatio,
			FineTuneBand:   gc.FineTuneBand,
		},
		Tick: TickConfig{Interval: time.Minute},
		Storage: StorageConfig{
			Driver:  "sqlite",
			Path:    "data/quality.db",
			Timeout: gw.Timeout,
			MaxAge:  gw.MaxAge,
		},
		Feed:   FeedConfig{Subject: "quality.feedback"},
		Server: ServerConfig{MetricsAddr: ":9108", GRPCAddr: ":50071"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// #endregion defaults

// #region load
// Load reads path over the defaults, applies environment overrides and
// validates. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	// Lists and maps from the file replace the defaults wholesale.
	var probe struct {
		Axes       []scoring.QualityAxis `yaml:"axes"`
		Thresholds map[string]float64    `yaml:"thresholds"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if probe.Axes != nil {
		cfg.Axes = nil
	}
	if probe.Thresholds != nil {
		cfg.Thresholds = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides storage and feed endpoints from the environment.
func (c *Config) ApplyEnv() {
	c.Storage.Driver = envOr("QC_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Path = envOr("QC_STORAGE_PATH", c.Storage.Path)
	c.Storage.DSN = envOr("QC_POSTGRES_DSN", c.Storage.DSN)
	c.Feed.NATSURL = envOr("QC_NATS_URL", c.Feed.NATSURL)
}

// Validate checks every field, including the controller settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := scoring.NewScorer(c.Axes, scoring.DefaultNeutralScore); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(c.Thresholds) == 0 {
		return fmt.Errorf("%w: no thresholds configured", ErrInvalid)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// #endregion load

// #region adapters
// ControllerOptions maps the file onto controller options. Runtime
// collaborators (clock, gateway, metrics, sink, logger) are left for the
// caller.
func (c *Config) ControllerOptions() controller.Options {
	opts := controller.DefaultOptions()
	opts.Settings = c.Settings
	opts.Axes = c.Axes
	opts.Bases = c.Thresholds
	opts.Ledger = ledger.Config{Capacity: c.Ledger.Capacity, TopGrade: c.Ledger.TopGrade}
	opts.Gate = gate.GateConfig{
		MinSample:      c.Monitor.MinSample,
		EmergencyRatio: c.Monitor.EmergencyRatio,
		FineTuneBand:   c.Monitor.FineTuneBand,
	}
	return opts
}

// GatewayConfig maps the storage section onto the persistence gateway.
func (c *Config) GatewayConfig() state.GatewayConfig {
	gw := state.DefaultGatewayConfig()
	gw.Timeout = c.Storage.Timeout
	gw.MaxAge = c.Storage.MaxAge
	return gw
}

// NewLogger builds the slog logger the log section describes.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion adapters
