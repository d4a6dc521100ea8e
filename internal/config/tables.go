package config

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Batch size bounds shared by the config layer and the optimizer.
const (
	MinBatchSize     = 1000
	MaxBatchSize     = 100000
	DefaultBatchSize = 5000

	DefaultTimeGapThresholdDays = 30
	DefaultPriority             = 5
)

// ClampBatchSize bounds a batch size to [MinBatchSize, MaxBatchSize].
func ClampBatchSize(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// Priority is a processing priority 1..10 (lower runs earlier). YAML accepts
// an integer or the aliases high/medium/low.
type Priority int

// UnmarshalYAML accepts integers, numeric strings, and the named aliases.
func (p *Priority) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int":
		var n int
		if err := value.Decode(&n); err != nil {
			return err
		}
		*p = Priority(n)
		return nil
	case "!!str":
		switch strings.ToLower(strings.TrimSpace(value.Value)) {
		case "high":
			*p = Priority(1)
		case "medium":
			*p = Priority(5)
		case "low":
			*p = Priority(10)
		default:
			n, err := strconv.Atoi(value.Value)
			if err != nil {
				return fmt.Errorf("invalid processing_priority %q", value.Value)
			}
			*p = Priority(n)
		}
		return nil
	default:
		return fmt.Errorf("invalid processing_priority node (line %d)", value.Line)
	}
}

func (p Priority) clamp() Priority {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// ColumnSpec describes one column as captured by the schema analyzer.
type ColumnSpec struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Nullable   bool   `yaml:"nullable"`
	PrimaryKey bool   `yaml:"primary_key"`
}

// Monitoring carries per-table alerting hints. The pipeline only annotates
// logs with them; routing is external.
type Monitoring struct {
	AlertOnFailure        bool `yaml:"alert_on_failure"`
	AlertOnSlowExtraction bool `yaml:"alert_on_slow_extraction"`
}

// TableConfig is the per-table decision record from tables.yml. It is
// analyzer-owned and read-only to the pipeline.
type TableConfig struct {
	TableName                string              `yaml:"table_name"`
	Importance               TableImportance     `yaml:"table_importance"`
	Strategy                 ExtractionStrategy  `yaml:"extraction_strategy"`
	Category                 PerformanceCategory `yaml:"performance_category"`
	Priority                 Priority            `yaml:"processing_priority"`
	EstimatedRows            int64               `yaml:"estimated_rows"`
	EstimatedSizeMB          float64             `yaml:"estimated_size_mb"`
	BatchSize                int                 `yaml:"batch_size"`
	PrimaryIncrementalColumn *string             `yaml:"primary_incremental_column"`
	IncrementalColumns       []string            `yaml:"incremental_columns"`
	TimeGapThresholdDays     int                 `yaml:"time_gap_threshold_days"`
	Monitoring               Monitoring          `yaml:"monitoring"`
	SchemaHash               string              `yaml:"schema_hash"`
	PrimaryKeys              []string            `yaml:"primary_keys"`
	Columns                  []ColumnSpec        `yaml:"columns"`
}

// PrimaryColumn returns the primary incremental column, treating YAML null
// and the literal "none" both as absent.
func (t *TableConfig) PrimaryColumn() (string, bool) {
	if t.PrimaryIncrementalColumn == nil {
		return "", false
	}
	col := strings.TrimSpace(*t.PrimaryIncrementalColumn)
	if col == "" || strings.EqualFold(col, "none") {
		return "", false
	}
	return col, true
}

// ColumnNames returns the ordered column list.
func (t *TableConfig) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether name is a configured column. Every identifier
// interpolated into SQL must pass this whitelist.
func (t *TableConfig) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// PrimaryKeyColumns returns the primary key, preferring the explicit
// primary_keys list and falling back to column flags.
func (t *TableConfig) PrimaryKeyColumns() []string {
	if len(t.PrimaryKeys) > 0 {
		return t.PrimaryKeys
	}
	var keys []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

func (t *TableConfig) normalize(name string) error {
	if t.TableName == "" {
		t.TableName = name
	} else if name != "" && t.TableName != name {
		return fmt.Errorf("table %q: table_name field %q disagrees with map key", name, t.TableName)
	}
	if t.Importance == "" {
		t.Importance = ImportanceStandard
	}
	if t.Strategy == "" {
		t.Strategy = FullTable
	}
	if t.Category == "" {
		t.Category = CategorySmall
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	t.Priority = t.Priority.clamp()
	if t.BatchSize == 0 {
		t.BatchSize = DefaultBatchSize
	}
	t.BatchSize = ClampBatchSize(t.BatchSize)
	if t.TimeGapThresholdDays <= 0 {
		t.TimeGapThresholdDays = DefaultTimeGapThresholdDays
	}
	return t.validate()
}

func (t *TableConfig) validate() error {
	if !t.Importance.valid() {
		return fmt.Errorf("table %q: invalid table_importance %q", t.TableName, t.Importance)
	}
	if !t.Strategy.valid() {
		return fmt.Errorf("table %q: invalid extraction_strategy %q", t.TableName, t.Strategy)
	}
	if !t.Category.valid() {
		return fmt.Errorf("table %q: invalid performance_category %q", t.TableName, t.Category)
	}
	if t.EstimatedRows < 0 {
		return fmt.Errorf("table %q: negative estimated_rows", t.TableName)
	}
	if t.EstimatedSizeMB < 0 {
		return fmt.Errorf("table %q: negative estimated_size_mb", t.TableName)
	}
	if col, ok := t.PrimaryColumn(); ok && len(t.Columns) > 0 && !t.HasColumn(col) {
		return fmt.Errorf("table %q: primary_incremental_column %q is not a configured column", t.TableName, col)
	}
	for _, col := range t.IncrementalColumns {
		if len(t.Columns) > 0 && !t.HasColumn(col) {
			return fmt.Errorf("table %q: incremental column %q is not a configured column", t.TableName, col)
		}
	}
	return nil
}

// TableMetadata is the read-only metadata block of tables.yml.
type TableMetadata struct {
	GeneratedAt          string `yaml:"generated_at"`
	SourceDatabase       string `yaml:"source_database"`
	TotalTables          int    `yaml:"total_tables"`
	ConfigurationVersion string `yaml:"configuration_version"`
	AnalyzerVersion      string `yaml:"analyzer_version"`
	SchemaHash           string `yaml:"schema_hash"`
	AnalysisTimestamp    string `yaml:"analysis_timestamp"`
	Environment          string `yaml:"environment"`
}

// TableSet is the decoded tables.yml.
type TableSet struct {
	Metadata TableMetadata           `yaml:"metadata"`
	Tables   map[string]*TableConfig `yaml:"tables"`
}

// Get returns the config for a table.
func (s *TableSet) Get(name string) (*TableConfig, bool) {
	t, ok := s.Tables[name]
	return t, ok
}

// Names returns all table names, sorted.
func (s *TableSet) Names() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseTables decodes tables.yml. In strict mode unknown or mistyped fields
// are an error; strict=false ignores unknown fields for forward
// compatibility with newer analyzer output.
func ParseTables(data []byte, strict bool) (*TableSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)

	var set TableSet
	if err := dec.Decode(&set); err != nil {
		if err == io.EOF {
			return &TableSet{Tables: map[string]*TableConfig{}}, nil
		}
		return nil, fmt.Errorf("parsing table config: %w", err)
	}
	if set.Tables == nil {
		set.Tables = map[string]*TableConfig{}
	}
	for name, t := range set.Tables {
		if t == nil {
			return nil, fmt.Errorf("table %q: empty config", name)
		}
		if err := t.normalize(name); err != nil {
			return nil, err
		}
	}
	return &set, nil
}
