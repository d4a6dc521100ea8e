package config

// StaticProvider holds configuration supplied at construction and never
// touches the filesystem or process environment. Used by tests.
type StaticProvider struct {
	pipeline *PipelineConfig
	tables   *TableSet
	env      map[string]string
}

// NewStaticProvider builds a provider over fixed values. Nil pipeline or
// tables fall back to empty defaults.
func NewStaticProvider(pipeline *PipelineConfig, tables *TableSet, env map[string]string) *StaticProvider {
	if pipeline == nil {
		pipeline = DefaultPipelineConfig()
	}
	if tables == nil {
		tables = &TableSet{Tables: map[string]*TableConfig{}}
	}
	if env == nil {
		env = map[string]string{}
	}
	return &StaticProvider{pipeline: pipeline, tables: tables, env: env}
}

// Pipeline returns the fixed pipeline config.
func (p *StaticProvider) Pipeline() (*PipelineConfig, error) { return p.pipeline, nil }

// Tables returns the fixed table set.
func (p *StaticProvider) Tables() (*TableSet, error) { return p.tables, nil }

// Env returns the fixed environment map.
func (p *StaticProvider) Env() map[string]string { return p.env }
