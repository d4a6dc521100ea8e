package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// GeneralConfig holds pipeline-wide settings.
type GeneralConfig struct {
	PipelineName string `yaml:"pipeline_name"`
	Environment  string `yaml:"environment"`
	Timezone     string `yaml:"timezone"`
	BatchSize    int    `yaml:"batch_size"`
	ParallelJobs int    `yaml:"parallel_jobs"`
}

// PoolConfig holds per-connection-class pool and timeout settings.
type PoolConfig struct {
	PoolSize              int `yaml:"pool_size"`
	PoolTimeoutSeconds    int `yaml:"pool_timeout"`
	PoolRecycleSeconds    int `yaml:"pool_recycle"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout"`
	ReadTimeoutSeconds    int `yaml:"read_timeout"`
	WriteTimeoutSeconds   int `yaml:"write_timeout"`
}

// PoolTimeout returns the connection acquisition timeout.
func (p PoolConfig) PoolTimeout() time.Duration {
	return time.Duration(p.PoolTimeoutSeconds) * time.Second
}

// PoolRecycle returns the connection max lifetime.
func (p PoolConfig) PoolRecycle() time.Duration {
	return time.Duration(p.PoolRecycleSeconds) * time.Second
}

// ConnectTimeout returns the dial timeout.
func (p PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutSeconds) * time.Second
}

// StageConfig gates and bounds one pipeline stage.
type StageConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutMinutes int  `yaml:"timeout_minutes"`
	ErrorThreshold int  `yaml:"error_threshold"`
}

// Timeout returns the stage deadline.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// LoggingConfig configures the zap logger built by internal/logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "console"
	File       string `yaml:"file"`   // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ErrorHandlingConfig configures the connection manager's retry loop.
type ErrorHandlingConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	RetryDelaySeconds  float64 `yaml:"retry_delay_seconds"`
	ExponentialBackoff bool    `yaml:"exponential_backoff"`
}

// RetryDelay returns the base backoff delay.
func (e ErrorHandlingConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelaySeconds * float64(time.Second))
}

// PipelineConfig is the decoded pipeline.yml.
type PipelineConfig struct {
	General       GeneralConfig          `yaml:"general"`
	Connections   map[string]PoolConfig  `yaml:"connections"` // keys: source, replication, analytics
	Stages        map[string]StageConfig `yaml:"stages"`      // keys: extract, load
	Logging       LoggingConfig          `yaml:"logging"`
	ErrorHandling ErrorHandlingConfig    `yaml:"error_handling"`
}

// DefaultPipelineConfig returns the configuration used when pipeline.yml is
// absent or partial.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		General: GeneralConfig{
			PipelineName: "etl_pipeline",
			Timezone:     "UTC",
			BatchSize:    5000,
			ParallelJobs: 2,
		},
		Connections: map[string]PoolConfig{
			"source":      {PoolSize: 5, PoolTimeoutSeconds: 30, PoolRecycleSeconds: 3600, ConnectTimeoutSeconds: 10, ReadTimeoutSeconds: 300, WriteTimeoutSeconds: 300},
			"replication": {PoolSize: 10, PoolTimeoutSeconds: 30, PoolRecycleSeconds: 3600, ConnectTimeoutSeconds: 10, ReadTimeoutSeconds: 300, WriteTimeoutSeconds: 300},
			"analytics":   {PoolSize: 10, PoolTimeoutSeconds: 30, PoolRecycleSeconds: 3600, ConnectTimeoutSeconds: 10, ReadTimeoutSeconds: 300, WriteTimeoutSeconds: 300},
		},
		Stages: map[string]StageConfig{
			"extract": {Enabled: true, TimeoutMinutes: 120, ErrorThreshold: 5},
			"load":    {Enabled: true, TimeoutMinutes: 180, ErrorThreshold: 5},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		ErrorHandling: ErrorHandlingConfig{
			MaxRetries:         3,
			RetryDelaySeconds:  1.0,
			ExponentialBackoff: true,
		},
	}
}

// ParsePipelineConfig decodes pipeline.yml, filling gaps with defaults.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing pipeline config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Pool returns the pool settings for a database type, falling back to
// defaults for classes the file omitted.
func (c *PipelineConfig) Pool(db DatabaseType) PoolConfig {
	if p, ok := c.Connections[db.String()]; ok {
		return p
	}
	return DefaultPipelineConfig().Connections[db.String()]
}

// Stage returns the settings for a named stage.
func (c *PipelineConfig) Stage(name string) StageConfig {
	if s, ok := c.Stages[name]; ok {
		return s
	}
	return DefaultPipelineConfig().Stages[name]
}

func (c *PipelineConfig) normalize() {
	def := DefaultPipelineConfig()
	if c.General.BatchSize <= 0 {
		c.General.BatchSize = def.General.BatchSize
	}
	if c.General.ParallelJobs <= 0 {
		c.General.ParallelJobs = def.General.ParallelJobs
	}
	if c.General.Timezone == "" {
		c.General.Timezone = def.General.Timezone
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.ErrorHandling.MaxRetries <= 0 {
		c.ErrorHandling.MaxRetries = def.ErrorHandling.MaxRetries
	}
	if c.ErrorHandling.RetryDelaySeconds <= 0 {
		c.ErrorHandling.RetryDelaySeconds = def.ErrorHandling.RetryDelaySeconds
	}
	for class, p := range c.Connections {
		d := def.Connections[class]
		if p.PoolSize <= 0 {
			p.PoolSize = d.PoolSize
		}
		if p.PoolTimeoutSeconds <= 0 {
			p.PoolTimeoutSeconds = d.PoolTimeoutSeconds
		}
		if p.PoolRecycleSeconds <= 0 {
			p.PoolRecycleSeconds = d.PoolRecycleSeconds
		}
		if p.ConnectTimeoutSeconds <= 0 {
			p.ConnectTimeoutSeconds = d.ConnectTimeoutSeconds
		}
		c.Connections[class] = p
	}
}
