package config

// Provider supplies the three configuration sections: the pipeline config,
// the per-table config set, and the environment map. Implementations must be
// safe for concurrent reads; returned values are treated as read-only.
type Provider interface {
	Pipeline() (*PipelineConfig, error)
	Tables() (*TableSet, error)
	Env() map[string]string
}

// NewTableSet builds a TableSet from an in-memory table map, applying the
// same defaulting and validation as ParseTables.
func NewTableSet(tables map[string]*TableConfig) (*TableSet, error) {
	set := &TableSet{Tables: tables}
	if set.Tables == nil {
		set.Tables = map[string]*TableConfig{}
	}
	for name, t := range set.Tables {
		if err := t.normalize(name); err != nil {
			return nil, err
		}
	}
	return set, nil
}
