// Package config builds the engine configuration once at startup.
// Settings come from the environment (optionally seeded from a .env file),
// with an optional YAML file layered on top. Environment variables in the
// YAML file are expanded before parsing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration. It is constructed once and
// passed by reference; nothing reads the environment after startup.
type Config struct {
	DB         DBConfig      `yaml:"db"`
	Engine     EngineConfig  `yaml:"engine"`
	Client     ClientConfig  `yaml:"client"`
	Paths      PathsConfig   `yaml:"paths"`
	Logging    LoggingConfig `yaml:"logging"`
	Tracing    TracingConfig `yaml:"tracing"`
	HealthAddr string        `yaml:"health_addr"`
}

// DBConfig contains PostgreSQL connection settings.
type DBConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Name         string        `yaml:"name"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// EngineConfig contains dispatcher and runner settings.
type EngineConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	DrainTimeout          time.Duration `yaml:"drain_timeout"`
	MultiprocessThreshold int           `yaml:"multiprocess_threshold"`
	MinUsersPerProcess    int           `yaml:"min_users_per_process"`
	// SuccessRateFloor distinguishes completed from failed_requests on a
	// clean scheduler exit. Default 0: any clean run completes.
	SuccessRateFloor float64 `yaml:"success_rate_floor"`
}

// ClientConfig contains per-virtual-user HTTP client timeouts.
type ClientConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
}

// PathsConfig contains filesystem roots for uploads, datasets, and logs.
type PathsConfig struct {
	UploadDir string `yaml:"upload_dir"`
	DataDir   string `yaml:"data_dir"`
	LogDir    string `yaml:"log_dir"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		DB: DBConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "lmeterx",
			Name:         "lmeterx",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			ConnLifetime: 5 * time.Minute,
		},
		Engine: EngineConfig{
			PollInterval:          5 * time.Second,
			HeartbeatTimeout:      60 * time.Second,
			DrainTimeout:          30 * time.Second,
			MultiprocessThreshold: 1000,
			MinUsersPerProcess:    500,
			SuccessRateFloor:      0,
		},
		Client: ClientConfig{
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    120 * time.Second,
			TotalTimeout:   180 * time.Second,
		},
		Paths: PathsConfig{
			UploadDir: "upload_files",
			DataDir:   "data",
			LogDir:    "logs",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "lmeterx-engine",
			SampleRate:  1.0,
			Insecure:    true,
		},
		HealthAddr: ":5002",
	}
}

// Load builds the configuration from the environment and an optional YAML
// file. A missing .env file is not an error; a missing yamlPath is an error
// because it was explicitly provided.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays well-known environment variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.DB.Host, "DB_HOST")
	setInt(&c.DB.Port, "DB_PORT")
	setString(&c.DB.User, "DB_USER")
	setString(&c.DB.Password, "DB_PASSWORD")
	setString(&c.DB.Name, "DB_NAME")
	setInt(&c.Engine.MultiprocessThreshold, "MULTIPROCESS_THRESHOLD")
	setInt(&c.Engine.MinUsersPerProcess, "MIN_USERS_PER_PROCESS")
	setString(&c.Paths.UploadDir, "UPLOAD_DIR")
	setString(&c.Paths.DataDir, "DATA_DIR")
	setString(&c.Paths.LogDir, "LOG_DIR")
	setDuration(&c.Client.ConnectTimeout, "CONNECT_TIMEOUT")
	setDuration(&c.Client.ReadTimeout, "READ_TIMEOUT")
	setDuration(&c.Client.TotalTimeout, "TOTAL_TIMEOUT")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return fmt.Errorf("db host is required")
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		return fmt.Errorf("invalid db port: %d", c.DB.Port)
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.Engine.MultiprocessThreshold < 1 {
		return fmt.Errorf("engine.multiprocess_threshold must be >= 1")
	}
	if c.Engine.MinUsersPerProcess < 1 {
		return fmt.Errorf("engine.min_users_per_process must be >= 1")
	}
	if c.Engine.SuccessRateFloor < 0 || c.Engine.SuccessRateFloor > 1 {
		return fmt.Errorf("engine.success_rate_floor must be in [0,1]")
	}
	if c.Client.ConnectTimeout <= 0 || c.Client.ReadTimeout <= 0 || c.Client.TotalTimeout <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
