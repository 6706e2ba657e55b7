// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Ingest() IngestConfig
	Analysis() AnalysisConfig
	Report() ReportConfig
	Sync() SyncConfig

	SetSyncConfig(sc SyncConfig)
}

// Config holds the entire application configuration. Fields are exported so
// viper can unmarshal into them; callers outside this package should go
// through the Interface getters.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	IngestCfg   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	AnalysisCfg AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	// SyncCfg gets its marching orders from CLI flags, not the config file.
	SyncCfg SyncConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Ingest() IngestConfig     { return c.IngestCfg }
func (c *Config) Analysis() AnalysisConfig { return c.AnalysisCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Sync() SyncConfig         { return c.SyncCfg }

func (c *Config) SetSyncConfig(sc SyncConfig) { c.SyncCfg = sc }

var _ Interface = (*Config)(nil)

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the graph database connection details.
type DatabaseConfig struct {
	URL            string `mapstructure:"url" yaml:"url"`
	MigrationsPath string `mapstructure:"migrations_path" yaml:"migrations_path"`
	// WriteRate throttles write transactions per second. Zero disables
	// throttling entirely.
	WriteRate  float64 `mapstructure:"write_rate" yaml:"write_rate"`
	WriteBurst int     `mapstructure:"write_burst" yaml:"write_burst"`
}

// IngestConfig tunes the graph ingestion pipeline.
type IngestConfig struct {
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	SweepLimit     int           `mapstructure:"sweep_limit" yaml:"sweep_limit"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// AnalysisConfig selects which rules run by default.
type AnalysisConfig struct {
	// Rules restricts analysis to the listed rule IDs. Empty means all
	// registered rules.
	Rules []string `mapstructure:"rules" yaml:"rules"`
}

// ReportConfig controls how analysis results are rendered and archived.
type ReportConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
	// ArchivePath is the SQLite file where past runs are recorded.
	// Empty disables archiving.
	ArchivePath string `mapstructure:"archive_path" yaml:"archive_path"`
}

// SyncConfig holds settings populated from CLI flags for a specific sync job.
type SyncConfig struct {
	Input  string
	Follow bool
	Mock   bool
	// Seed drives the synthetic dataset when Mock is set.
	Seed int64
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "atlas")
	v.SetDefault("logger.log_file", "atlas.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.write_rate", 0.0)
	v.SetDefault("database.write_burst", 1)

	// -- Ingest --
	v.SetDefault("ingest.batch_size", 1000)
	v.SetDefault("ingest.max_retries", 5)
	v.SetDefault("ingest.retry_base_delay", "1s")
	v.SetDefault("ingest.retry_max_delay", "30s")
	v.SetDefault("ingest.sweep_limit", 1000)
	v.SetDefault("ingest.concurrency", 4)

	// -- Analysis --
	v.SetDefault("analysis.rules", []string{})

	// -- Report --
	v.SetDefault("report.format", "json")
	v.SetDefault("report.output", "")
	v.SetDefault("report.archive_path", "atlas-history.db")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("database.url", "ATLAS_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.IngestCfg.Validate(); err != nil {
		return fmt.Errorf("ingest configuration invalid: %w", err)
	}
	if err := c.ReportCfg.Validate(); err != nil {
		return fmt.Errorf("report configuration invalid: %w", err)
	}
	if c.DatabaseCfg.WriteRate < 0 {
		return fmt.Errorf("database.write_rate must not be negative")
	}
	return nil
}

// Validate checks the ingestion tuning parameters.
func (i *IngestConfig) Validate() error {
	if i.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be a positive integer")
	}
	if i.MaxRetries < 1 {
		return fmt.Errorf("ingest.max_retries must be at least 1")
	}
	if i.RetryBaseDelay <= 0 {
		return fmt.Errorf("ingest.retry_base_delay must be a positive duration")
	}
	if i.SweepLimit <= 0 {
		return fmt.Errorf("ingest.sweep_limit must be a positive integer")
	}
	if i.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be a positive integer")
	}
	return nil
}

// Validate checks the report settings.
func (r *ReportConfig) Validate() error {
	switch r.Format {
	case "json", "xml", "console":
		return nil
	default:
		return fmt.Errorf("report.format must be one of json, xml, console; got %q", r.Format)
	}
}
