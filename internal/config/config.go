// Package config handles loading and parsing of BucketDesk configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bucketdesk/bucketdesk/internal/compress"
	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// Config is the top-level configuration for BucketDesk.
type Config struct {
	Server        ServerConfig                 `yaml:"server"`
	Logging       LoggingConfig                `yaml:"logging"`
	Transfer      TransferConfig               `yaml:"transfer"`
	History       HistoryConfig                `yaml:"history"`
	Presets       []compress.Preset            `yaml:"presets"`
	Profiles      map[string]provider.Envelope `yaml:"profiles"`
	Observability ObservabilityConfig          `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxBodySize is the maximum request body size in bytes. Uploads carry
	// file bodies inline, so this bounds the largest accepted file.
	MaxBodySize int64 `yaml:"max_body_size"`
}

// LoggingConfig holds log/slog settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// TransferConfig holds orchestrator and adapter limits.
type TransferConfig struct {
	// MaxConcurrent caps simultaneous upload/download steps.
	MaxConcurrent int `yaml:"max_concurrent"`
	// Workers is the number of goroutines draining the task queue.
	Workers int `yaml:"workers"`
	// CompressWorkers caps simultaneous compression jobs.
	CompressWorkers int `yaml:"compress_workers"`
	// CallTimeout bounds a single adapter call. Zero means no bound.
	CallTimeout Duration `yaml:"call_timeout"`
	// ConnectTimeout bounds TestConnection.
	ConnectTimeout Duration `yaml:"connect_timeout"`
	// JournalPath, when set, keeps the rename/move journal in a SQLite file
	// so interrupted relocations can be resumed after a restart.
	JournalPath string `yaml:"journal_path"`
	// Retention is how long a finished transfer request stays queryable
	// and resubmittable before it is evicted.
	Retention Duration `yaml:"retention"`
}

// HistoryConfig selects and configures the upload-history ledger.
type HistoryConfig struct {
	// Engine is one of sqlite, memory, dynamodb.
	Engine   string         `yaml:"engine"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// SQLiteConfig holds SQLite history settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// DynamoDBConfig holds DynamoDB history settings.
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// EndpointURL overrides the service endpoint (e.g. DynamoDB Local).
	EndpointURL string `yaml:"endpoint_url"`
}

// ObservabilityConfig toggles the metrics endpoint.
type ObservabilityConfig struct {
	Metrics bool `yaml:"metrics"`
}

// Duration is a time.Duration that unmarshals from a YAML string such as
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies defaults for unset values.
// If the primary path fails, it falls back to bucketdesk.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bucketdesk.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bucketdesk.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9300,
			ShutdownTimeout: 30,
			MaxBodySize:     64 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Transfer: TransferConfig{
			MaxConcurrent:  4,
			Workers:        4,
			ConnectTimeout: Duration(10 * time.Second),
			Retention:      Duration(time.Hour),
		},
		History: HistoryConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/history.db",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9300
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = 64 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Transfer.MaxConcurrent == 0 {
		cfg.Transfer.MaxConcurrent = 4
	}
	if cfg.Transfer.Workers == 0 {
		cfg.Transfer.Workers = cfg.Transfer.MaxConcurrent
	}
	if cfg.Transfer.CompressWorkers == 0 {
		cfg.Transfer.CompressWorkers = runtime.NumCPU()
	}
	if cfg.Transfer.ConnectTimeout == 0 {
		cfg.Transfer.ConnectTimeout = Duration(10 * time.Second)
	}
	if cfg.Transfer.Retention == 0 {
		cfg.Transfer.Retention = Duration(time.Hour)
	}
	if cfg.History.Engine == "" {
		cfg.History.Engine = "sqlite"
	}
	if cfg.History.SQLite.Path == "" {
		cfg.History.SQLite.Path = "./data/history.db"
	}
	if cfg.History.DynamoDB.Region == "" {
		cfg.History.DynamoDB.Region = "us-east-1"
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Transfer.MaxConcurrent < 1 {
		return bderr.Invalid("transfer.max_concurrent must be at least 1, got %d", c.Transfer.MaxConcurrent)
	}
	if c.Transfer.Workers < 1 || c.Transfer.CompressWorkers < 1 {
		return bderr.Invalid("transfer.workers and transfer.compress_workers must be at least 1")
	}
	switch c.History.Engine {
	case "sqlite", "memory":
	case "dynamodb":
		if c.History.DynamoDB.Table == "" {
			return bderr.Invalid("history.dynamodb.table is required for the dynamodb engine")
		}
	default:
		return bderr.Invalid("unknown history engine %q", c.History.Engine)
	}
	if _, err := compress.NewRegistry(c.Presets...); err != nil {
		return fmt.Errorf("presets: %w", err)
	}
	for name, env := range c.Profiles {
		if _, err := env.Config(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	return nil
}

// Profile returns the provider configuration stored under name.
func (c *Config) Profile(name string) (provider.Config, error) {
	env, ok := c.Profiles[name]
	if !ok {
		return nil, bderr.Invalid("unknown profile %q", name)
	}
	return env.Config()
}

// ProfileNames returns the configured profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
