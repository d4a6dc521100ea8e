package config

import (
	"testing"
	"time"
)

func TestParsePipelineConfigDefaults(t *testing.T) {
	cfg, err := ParsePipelineConfig(nil)
	if err != nil {
		t.Fatalf("ParsePipelineConfig(nil) error: %v", err)
	}
	if cfg.General.BatchSize != 5000 {
		t.Errorf("default batch_size = %d, want 5000", cfg.General.BatchSize)
	}
	if cfg.General.ParallelJobs != 2 {
		t.Errorf("default parallel_jobs = %d, want 2", cfg.General.ParallelJobs)
	}
	if cfg.ErrorHandling.MaxRetries != 3 {
		t.Errorf("default max_retries = %d, want 3", cfg.ErrorHandling.MaxRetries)
	}
	if got := cfg.ErrorHandling.RetryDelay(); got != time.Second {
		t.Errorf("default retry delay = %v, want 1s", got)
	}
}

func TestParsePipelineConfigOverride(t *testing.T) {
	data := []byte(`
general:
  pipeline_name: dental_nightly
  batch_size: 20000
  parallel_jobs: 6
connections:
  analytics:
    pool_size: 4
stages:
  load:
    enabled: true
    timeout_minutes: 45
logging:
  level: debug
  format: console
`)
	cfg, err := ParsePipelineConfig(data)
	if err != nil {
		t.Fatalf("ParsePipelineConfig() error: %v", err)
	}
	if cfg.General.PipelineName != "dental_nightly" {
		t.Errorf("pipeline_name = %q", cfg.General.PipelineName)
	}
	if cfg.General.BatchSize != 20000 {
		t.Errorf("batch_size = %d, want 20000", cfg.General.BatchSize)
	}

	// Overridden class keeps its value, gaps fill from defaults.
	pool := cfg.Pool(Analytics)
	if pool.PoolSize != 4 {
		t.Errorf("analytics pool_size = %d, want 4", pool.PoolSize)
	}
	if pool.PoolTimeoutSeconds != 30 {
		t.Errorf("analytics pool_timeout = %d, want default 30", pool.PoolTimeoutSeconds)
	}

	// Unlisted class falls back entirely.
	if got := cfg.Pool(Source).PoolSize; got != 5 {
		t.Errorf("source pool_size = %d, want default 5", got)
	}

	if got := cfg.Stage("load").Timeout(); got != 45*time.Minute {
		t.Errorf("load timeout = %v, want 45m", got)
	}
	if got := cfg.Stage("extract").TimeoutMinutes; got != 120 {
		t.Errorf("extract timeout_minutes = %d, want default 120", got)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestClampBatchSize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 1000},
		{999, 1000},
		{1000, 1000},
		{5000, 5000},
		{100000, 100000},
		{250000, 100000},
	}
	for _, tt := range tests {
		if got := ClampBatchSize(tt.in); got != tt.want {
			t.Errorf("ClampBatchSize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
