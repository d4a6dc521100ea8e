package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/odxtools/odetl/internal/etlerr"
)

// FileProvider reads pipeline.yml and tables.yml from a directory and builds
// the env map from the process environment overlaid on the matching
// .env_<environment> file. Everything loads once at construction.
type FileProvider struct {
	dir      string
	strict   bool
	pipeline *PipelineConfig
	tables   *TableSet
	env      map[string]string
}

// FileOption adjusts FileProvider construction.
type FileOption func(*FileProvider)

// WithStrictTables controls strict tables.yml decoding. Strict (the default)
// rejects unknown or mistyped fields; disable it for forward compatibility
// with newer analyzer output.
func WithStrictTables(strict bool) FileOption {
	return func(p *FileProvider) { p.strict = strict }
}

// NewFileProvider loads all configuration from dir.
func NewFileProvider(dir string, opts ...FileOption) (*FileProvider, error) {
	p := &FileProvider{dir: dir, strict: true}
	for _, opt := range opts {
		opt(p)
	}

	p.env = processEnv()
	if tag, err := ParseEnvironment(p.env[EnvVarName]); err == nil {
		if err := p.mergeEnvFile(filepath.Join(dir, ".env_"+string(tag))); err != nil {
			return nil, err
		}
	}
	// An unset or invalid ETL_ENVIRONMENT is not the provider's problem;
	// Settings fails fast on it before reading anything else.

	pipePath := filepath.Join(dir, "pipeline.yml")
	data, err := os.ReadFile(pipePath)
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindConfiguration, "config.file", "pipeline config %s: %w", pipePath, err)
	}
	p.pipeline, err = ParsePipelineConfig(data)
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindConfiguration, "config.file", "pipeline config %s: %w", pipePath, err)
	}

	tablePath := filepath.Join(dir, "tables.yml")
	data, err = os.ReadFile(tablePath)
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindConfiguration, "config.file", "table config %s: %w", tablePath, err)
	}
	p.tables, err = ParseTables(data, p.strict)
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindConfiguration, "config.file", "table config %s: %w", tablePath, err)
	}

	return p, nil
}

// Pipeline returns the decoded pipeline.yml.
func (p *FileProvider) Pipeline() (*PipelineConfig, error) { return p.pipeline, nil }

// Tables returns the decoded tables.yml.
func (p *FileProvider) Tables() (*TableSet, error) { return p.tables, nil }

// Env returns the merged environment map.
func (p *FileProvider) Env() map[string]string { return p.env }

// mergeEnvFile loads a dotenv file beneath the process environment: process
// values win on conflict. A missing file is fine.
func (p *FileProvider) mergeEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return etlerr.Newf(etlerr.KindConfiguration, "config.file", "env file %s: %w", path, err)
	}
	for _, key := range v.AllKeys() {
		// viper lowercases keys; env var names are upper case.
		name := strings.ToUpper(key)
		if _, exists := p.env[name]; !exists {
			p.env[name] = v.GetString(key)
		}
	}
	return nil
}

func processEnv() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
