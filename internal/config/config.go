package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "scoresync.yaml"

// envPrefix prefixes every environment override.
const envPrefix = "SCORESYNC_"

// Config represents the complete scoresync worker configuration.
type Config struct {
	Schema       SchemaConfig       `yaml:"schema" json:"schema"`
	Database     DatabaseConfig     `yaml:"database" json:"database"`
	Search       SearchConfig       `yaml:"search" json:"search"`
	Coordination CoordinationConfig `yaml:"coordination" json:"coordination"`
	Reader       ReaderConfig       `yaml:"reader" json:"reader"`
	Dispatch     DispatchConfig     `yaml:"dispatch" json:"dispatch"`
	Poll         PollConfig         `yaml:"poll" json:"poll"`
	Queue        QueueConfig        `yaml:"queue" json:"queue"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

// SchemaConfig names the schema generation this worker produces.
type SchemaConfig struct {
	// ID is the logical schema version. Required.
	ID string `yaml:"id" json:"id"`

	// Alias is the read alias shared by every schema generation.
	Alias string `yaml:"alias" json:"alias"`

	// ClosePrevious closes the index the alias pointed at before a switchover.
	ClosePrevious bool `yaml:"close_previous" json:"close_previous"`
}

// DatabaseConfig configures the relational system-of-record.
type DatabaseConfig struct {
	// Driver is one of sqlite (pure Go), sqlite3 (cgo) or postgres.
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// SearchConfig configures the search engine backend.
type SearchConfig struct {
	// DataDir holds physical indexes. Empty keeps everything in memory.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// MaxConcurrentBulk caps in-flight bulk requests; extra requests are rejected with 429.
	MaxConcurrentBulk int `yaml:"max_concurrent_bulk" json:"max_concurrent_bulk"`
}

// CoordinationConfig selects the shared schema registry backend.
type CoordinationConfig struct {
	// Backend is one of memory, sqlite or etcd.
	Backend     string        `yaml:"backend" json:"backend"`
	Endpoints   []string      `yaml:"endpoints" json:"endpoints"`
	Prefix      string        `yaml:"prefix" json:"prefix"`
	Path        string        `yaml:"path" json:"path"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// ReaderConfig configures the cursor chunk reader.
type ReaderConfig struct {
	ChunkSize  int           `yaml:"chunk_size" json:"chunk_size"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// MaxRetries bounds read retries at one position. Negative retries forever.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// DispatchConfig configures the bulk dispatch pipeline.
type DispatchConfig struct {
	BufferSize      int           `yaml:"buffer_size" json:"buffer_size"`
	Workers         int           `yaml:"workers" json:"workers"`
	ThrottleBackoff time.Duration `yaml:"throttle_backoff" json:"throttle_backoff"`
}

// PollConfig configures the schema poller.
type PollConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// QueueConfig configures the Kafka live-update source.
type QueueConfig struct {
	Brokers        []string `yaml:"brokers" json:"brokers"`
	Topic          string   `yaml:"topic" json:"topic"`
	Group          string   `yaml:"group" json:"group"`
	MaxPollRecords int      `yaml:"max_poll_records" json:"max_poll_records"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a Config with defaults applied. Schema.ID is left empty
// on purpose: every deployment must name its schema.
func NewConfig() *Config {
	home := stateDir()
	return &Config{
		Schema: SchemaConfig{
			Alias: "scores",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "scoresync.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Search: SearchConfig{
			DataDir:           filepath.Join(home, "indexes"),
			MaxConcurrentBulk: 4,
		},
		Coordination: CoordinationConfig{
			Backend:     "sqlite",
			Prefix:      "/scoresync",
			Path:        filepath.Join(home, "coordination.db"),
			DialTimeout: 5 * time.Second,
		},
		Reader: ReaderConfig{
			ChunkSize:  500,
			RetryDelay: 5 * time.Second,
			MaxRetries: -1,
		},
		Dispatch: DispatchConfig{
			BufferSize:      8,
			Workers:         4,
			ThrottleBackoff: time.Minute,
		},
		Poll: PollConfig{
			Interval: 5 * time.Second,
		},
		Queue: QueueConfig{
			Topic:          "score-updates",
			Group:          "scoresync",
			MaxPollRecords: 500,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".scoresync")
	}
	return filepath.Join(home, ".scoresync")
}

// Load reads configuration with increasing precedence:
//  1. Defaults
//  2. The YAML file at path, or ./scoresync.yaml when path is empty
//  3. Environment variables (SCORESYNC_*)
//
// The result is validated, so a missing schema id fails here rather than mid-run.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDeployment is Load for administrative commands that act on the whole
// deployment rather than on one schema, so schema.id may be empty.
func LoadDeployment(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateDeployment(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read(path string) (*Config, error) {
	cfg := NewConfig()

	explicit := path != ""
	if !explicit {
		path = FileName
	}
	if err := cfg.loadYAML(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// loadYAML decodes path over the current values, so keys absent from the file keep their defaults.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return serrors.New(serrors.ErrCodeConfigNotFound,
				fmt.Sprintf("config file %s not found", path), err)
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return serrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = splitList(v)
		}
	}

	str("SCHEMA_ID", &c.Schema.ID)
	str("ALIAS", &c.Schema.Alias)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("SEARCH_DATA_DIR", &c.Search.DataDir)
	str("COORD_BACKEND", &c.Coordination.Backend)
	list("COORD_ENDPOINTS", &c.Coordination.Endpoints)
	str("COORD_PATH", &c.Coordination.Path)
	num("CHUNK_SIZE", &c.Reader.ChunkSize)
	num("WORKERS", &c.Dispatch.Workers)
	num("BUFFER_SIZE", &c.Dispatch.BufferSize)
	list("KAFKA_BROKERS", &c.Queue.Brokers)
	str("KAFKA_TOPIC", &c.Queue.Topic)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv(envPrefix + "CLOSE_PREVIOUS"); v != "" {
		c.Schema.ClosePrevious = strings.EqualFold(v, "true") || v == "1"
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for required and out-of-range values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Schema.ID) == "" {
		return serrors.New(serrors.ErrCodeSchemaMissing, "schema id is required", nil).
			WithSuggestion("Set schema.id in " + FileName + " or " + envPrefix + "SCHEMA_ID")
	}
	return c.ValidateDeployment()
}

// ValidateDeployment checks everything except the presence of schema.id.
func (c *Config) ValidateDeployment() error {
	if strings.ContainsAny(c.Schema.ID, "-/ ") {
		return serrors.ConfigError(fmt.Sprintf("schema.id %q must not contain '-', '/' or spaces", c.Schema.ID), nil)
	}
	if c.Schema.Alias == "" {
		return serrors.ConfigError("schema.alias must not be empty", nil)
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		return serrors.ConfigError(fmt.Sprintf("database.driver must be 'sqlite', 'sqlite3' or 'postgres', got %q", c.Database.Driver), nil)
	}

	switch c.Coordination.Backend {
	case "memory", "sqlite":
	case "etcd":
		if len(c.Coordination.Endpoints) == 0 {
			return serrors.ConfigError("coordination.endpoints is required for the etcd backend", nil)
		}
	default:
		return serrors.ConfigError(fmt.Sprintf("coordination.backend must be 'memory', 'sqlite' or 'etcd', got %q", c.Coordination.Backend), nil)
	}

	if c.Reader.ChunkSize <= 0 {
		return serrors.ConfigError(fmt.Sprintf("reader.chunk_size must be positive, got %d", c.Reader.ChunkSize), nil)
	}
	if c.Dispatch.BufferSize <= 0 {
		return serrors.ConfigError(fmt.Sprintf("dispatch.buffer_size must be positive, got %d", c.Dispatch.BufferSize), nil)
	}
	if c.Dispatch.Workers <= 0 {
		return serrors.ConfigError(fmt.Sprintf("dispatch.workers must be positive, got %d", c.Dispatch.Workers), nil)
	}
	if c.Dispatch.ThrottleBackoff <= 0 {
		return serrors.ConfigError("dispatch.throttle_backoff must be positive", nil)
	}
	if c.Poll.Interval <= 0 {
		return serrors.ConfigError("poll.interval must be positive", nil)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return serrors.ConfigError(fmt.Sprintf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level), nil)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
