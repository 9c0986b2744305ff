// Package config handles tickd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./tickd.yaml, ~/.config/tickd/tickd.yaml, /etc/tickd/tickd.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tickd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tickd", "tickd.yaml"))
	}

	paths = append(paths, "/etc/tickd/tickd.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// An empty return with nil error means no file was found; Load(""), which
// falls back to environment variables only, is then appropriate.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all tickd configuration.
type Config struct {
	Signal    SignalConfig    `yaml:"signal"`
	Database  DatabaseConfig  `yaml:"database"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Engine    EngineConfig    `yaml:"engine"`
	RunDBPath string          `yaml:"run_db_path"`
	LogLevel  string          `yaml:"log_level"`
}

// SignalConfig describes the signal-cli sidecar the adapter shells out to.
type SignalConfig struct {
	// PhoneNumber is the account the bot is registered as, in
	// international format.
	PhoneNumber string `yaml:"phone_number"`
	// CLIPath is the signal-cli executable (default: "signal-cli" on PATH).
	CLIPath string `yaml:"cli_path"`
	// AttachmentDir is where getAttachment materialises files.
	AttachmentDir string `yaml:"attachment_dir"`
	// DefaultGroupID receives notifications for messages that arrived
	// outside a group. Optional; without it such notifications are dropped.
	DefaultGroupID string `yaml:"default_group_id"`
}

// DatabaseConfig describes the PostgreSQL connection.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// PoolSize bounds the shared connection pool (default 8).
	PoolSize int `yaml:"pool_size"`
}

// AnthropicConfig defines the vision model API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// SensorConfig tunes the Signal poller.
type SensorConfig struct {
	// Interval between ticks. Default 20m in production, 1m in test mode.
	Interval time.Duration `yaml:"interval"`
	// MaxMessages per receive call (default 10).
	MaxMessages int `yaml:"max_messages"`
	// TestMode disables the schedule window and tags emitted runs.
	TestMode bool `yaml:"test_mode"`
}

// EngineConfig tunes the per-message pipeline engine.
type EngineConfig struct {
	// Workers is the number of concurrent jobs (default 2).
	Workers int `yaml:"workers"`
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults, and overlays the documented process-env variables.
// An empty path skips the file and configures from the environment alone.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Signal: SignalConfig{
			CLIPath:       "signal-cli",
			AttachmentDir: filepath.Join(home, ".local", "share", "signal-cli", "attachments"),
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "receipt_processing",
			User:     "receipt_user",
			PoolSize: 8,
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		Sensor: SensorConfig{
			Interval:    20 * time.Minute,
			MaxMessages: 10,
		},
		Engine: EngineConfig{
			Workers: 2,
		},
		RunDBPath: "tickd-runs.db",
	}
}

// applyEnv overlays the process environment onto the config. Environment
// values win over file values so containerised deployments can run
// without a config file at all.
func (c *Config) applyEnv() {
	setStr(&c.Signal.PhoneNumber, "SIGNAL_PHONE_NUMBER")
	setStr(&c.Signal.CLIPath, "SIGNAL_CLI_PATH")
	setStr(&c.Signal.AttachmentDir, "SIGNAL_ATTACHMENT_DIR")
	setStr(&c.Signal.DefaultGroupID, "SIGNAL_DEFAULT_GROUP_ID")

	setStr(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setStr(&c.Database.Name, "DB_NAME")
	setStr(&c.Database.User, "DB_USER")
	setStr(&c.Database.Password, "DB_PASSWORD")

	setStr(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setStr(&c.Anthropic.Model, "ANTHROPIC_MODEL")

	setStr(&c.LogLevel, "TICKD_LOG_LEVEL")
	setStr(&c.RunDBPath, "TICKD_RUN_DB")

	if v := os.Getenv("TICKD_TEST_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sensor.TestMode = b
			if b {
				c.Sensor.Interval = time.Minute
			}
		}
	}
}

func setStr(dst *string, key string) {
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

// Validate checks the fields without which the service cannot start.
func (c *Config) Validate() error {
	if c.Signal.PhoneNumber == "" {
		return fmt.Errorf("signal.phone_number (or SIGNAL_PHONE_NUMBER) is required")
	}
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key (or ANTHROPIC_API_KEY) is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("database.password (or DB_PASSWORD) is required")
	}
	return nil
}

// DSN returns the PostgreSQL connection string with an explicit connect
// timeout. Statement behaviour inherits the connection defaults.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s connect_timeout=10",
		d.Host, d.Port, d.Name, d.User, d.Password,
	)
}
