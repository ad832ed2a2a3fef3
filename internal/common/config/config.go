// Package config provides configuration management for Vigil.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/vigil/internal/common/logger"
)

// Config holds all configuration sections for Vigil.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Database   DatabaseConfig       `mapstructure:"database"`
	NATS       NATSConfig           `mapstructure:"nats"`
	Backend    BackendConfig        `mapstructure:"backend"`
	Capture    CaptureConfig        `mapstructure:"capture"`
	Scheduler  SchedulerConfig      `mapstructure:"scheduler"`
	Detections DetectionsConfig     `mapstructure:"detections"`
	Agents     AgentsConfig         `mapstructure:"agents"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the agent store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BackendConfig points at the inference service.
type BackendConfig struct {
	URL            string  `mapstructure:"url"`
	RequestTimeout int     `mapstructure:"requestTimeout"` // in seconds, applies to control calls
	SubmitTimeout  int     `mapstructure:"submitTimeout"`  // in seconds, 0 means no timeout
	InitTimeout    int     `mapstructure:"initTimeout"`    // in seconds, bounds a model load
	ModelName      string  `mapstructure:"modelName"`
	Temperature    float64 `mapstructure:"temperature"`
	LoadIn4Bit     bool    `mapstructure:"loadIn4bit"`
	ShutdownOnExit bool    `mapstructure:"shutdownOnExit"`
}

// CaptureConfig selects and configures the capture source.
type CaptureConfig struct {
	Kind    string `mapstructure:"kind"` // file, http or static
	Dir     string `mapstructure:"dir"`
	Device  string `mapstructure:"device"` // file source device, empty picks the first
	URL     string `mapstructure:"url"`
	Timeout int    `mapstructure:"timeout"` // in milliseconds
	Watch   bool   `mapstructure:"watch"`
}

// SchedulerConfig controls scheduler cadences.
type SchedulerConfig struct {
	StatusPollInterval   int `mapstructure:"statusPollInterval"` // in milliseconds
	CountdownInterval    int `mapstructure:"countdownInterval"`  // in milliseconds
	OverrunWarnThreshold int `mapstructure:"overrunWarnThreshold"`
}

// DetectionsConfig controls the detection log.
type DetectionsConfig struct {
	Capacity int  `mapstructure:"capacity"`
	Persist  bool `mapstructure:"persist"`
}

// AgentsConfig holds agent bootstrap options.
type AgentsConfig struct {
	SeedFile string `mapstructure:"seedFile"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RequestTimeoutDuration returns the control-call timeout.
func (b *BackendConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

// SubmitTimeoutDuration returns the submit timeout, zero meaning unbounded.
func (b *BackendConfig) SubmitTimeoutDuration() time.Duration {
	return time.Duration(b.SubmitTimeout) * time.Second
}

// InitTimeoutDuration returns the model load timeout.
func (b *BackendConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(b.InitTimeout) * time.Second
}

// TimeoutDuration returns the capture timeout.
func (c *CaptureConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// StatusPollDuration returns the readiness reconciliation cadence.
func (s *SchedulerConfig) StatusPollDuration() time.Duration {
	return time.Duration(s.StatusPollInterval) * time.Millisecond
}

// CountdownDuration returns the countdown tick period.
func (s *SchedulerConfig) CountdownDuration() time.Duration {
	return time.Duration(s.CountdownInterval) * time.Millisecond
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./vigil.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vigil")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "vigil")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "vigil")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.requestTimeout", 30)
	v.SetDefault("backend.submitTimeout", 0)
	v.SetDefault("backend.initTimeout", 600)
	v.SetDefault("backend.modelName", "google/gemma-3n-E2B-it")
	v.SetDefault("backend.temperature", 0.8)
	v.SetDefault("backend.loadIn4bit", true)
	v.SetDefault("backend.shutdownOnExit", true)

	v.SetDefault("capture.kind", "file")
	v.SetDefault("capture.dir", "./frames")
	v.SetDefault("capture.device", "")
	v.SetDefault("capture.url", "")
	v.SetDefault("capture.timeout", 3000)
	v.SetDefault("capture.watch", true)

	v.SetDefault("scheduler.statusPollInterval", 2000)
	v.SetDefault("scheduler.countdownInterval", 1000)
	v.SetDefault("scheduler.overrunWarnThreshold", 3)

	v.SetDefault("detections.capacity", 1000)
	v.SetDefault("detections.persist", true)

	v.SetDefault("agents.seedFile", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.development", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VIGIL_ (e.g. VIGIL_BACKEND_URL).
// Config file should be named config.yaml and placed in the current directory or /etc/vigil/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv upper-cases keys but does not split camelCase
	_ = v.BindEnv("scheduler.statusPollInterval", "VIGIL_SCHEDULER_STATUS_POLL_INTERVAL")
	_ = v.BindEnv("scheduler.overrunWarnThreshold", "VIGIL_SCHEDULER_OVERRUN_WARN_THRESHOLD")
	_ = v.BindEnv("backend.requestTimeout", "VIGIL_BACKEND_REQUEST_TIMEOUT")
	_ = v.BindEnv("backend.submitTimeout", "VIGIL_BACKEND_SUBMIT_TIMEOUT")
	_ = v.BindEnv("agents.seedFile", "VIGIL_AGENTS_SEED_FILE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vigil/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host and database.dbName are required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Backend.URL == "" {
		errs = append(errs, "backend.url is required")
	}
	if cfg.Backend.RequestTimeout <= 0 {
		errs = append(errs, "backend.requestTimeout must be positive")
	}
	if cfg.Backend.InitTimeout <= 0 {
		errs = append(errs, "backend.initTimeout must be positive")
	}

	switch cfg.Capture.Kind {
	case "file":
		if cfg.Capture.Dir == "" {
			errs = append(errs, "capture.dir is required for the file capture source")
		}
	case "http":
		if cfg.Capture.URL == "" {
			errs = append(errs, "capture.url is required for the http capture source")
		}
	case "static":
	default:
		errs = append(errs, "capture.kind must be one of: file, http, static")
	}
	if cfg.Capture.Timeout <= 0 {
		errs = append(errs, "capture.timeout must be positive")
	}

	if cfg.Scheduler.StatusPollInterval <= 0 {
		errs = append(errs, "scheduler.statusPollInterval must be positive")
	}
	if cfg.Scheduler.CountdownInterval <= 0 {
		errs = append(errs, "scheduler.countdownInterval must be positive")
	}
	if cfg.Scheduler.OverrunWarnThreshold < 0 {
		errs = append(errs, "scheduler.overrunWarnThreshold must not be negative")
	}

	if cfg.Detections.Capacity <= 0 {
		errs = append(errs, "detections.capacity must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
