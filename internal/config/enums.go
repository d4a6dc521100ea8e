package config

import (
	"fmt"
	"strings"
)

// Environment is the pipeline execution environment. It is resolved from
// ETL_ENVIRONMENT only; there is no default.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvTest       Environment = "test"
)

// EnvVarName is the variable that selects the environment.
const EnvVarName = "ETL_ENVIRONMENT"

// ParseEnvironment validates an ETL_ENVIRONMENT value.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case EnvProduction:
		return EnvProduction, nil
	case EnvTest:
		return EnvTest, nil
	default:
		return "", fmt.Errorf("%s must be %q or %q, got %q", EnvVarName, EnvProduction, EnvTest, s)
	}
}

// Prefix returns the env-var prefix for this environment ("TEST_" in test).
func (e Environment) Prefix() string {
	if e == EnvTest {
		return "TEST_"
	}
	return ""
}

// DatabaseType identifies one of the three databases the pipeline touches.
type DatabaseType int

const (
	Source DatabaseType = iota
	Replication
	Analytics
)

func (d DatabaseType) String() string {
	switch d {
	case Source:
		return "source"
	case Replication:
		return "replication"
	case Analytics:
		return "analytics"
	default:
		return fmt.Sprintf("DatabaseType(%d)", int(d))
	}
}

// AnalyticsSchema identifies a PostgreSQL schema in the analytics warehouse.
type AnalyticsSchema string

const (
	SchemaRaw          AnalyticsSchema = "raw"
	SchemaStaging      AnalyticsSchema = "staging"
	SchemaIntermediate AnalyticsSchema = "intermediate"
	SchemaMarts        AnalyticsSchema = "marts"
)

// TableImportance is the analyzer's business classification of a table.
type TableImportance string

const (
	ImportanceCritical  TableImportance = "critical"
	ImportanceImportant TableImportance = "important"
	ImportanceAudit     TableImportance = "audit"
	ImportanceReference TableImportance = "reference"
	ImportanceStandard  TableImportance = "standard"
)

func (i TableImportance) valid() bool {
	switch i {
	case ImportanceCritical, ImportanceImportant, ImportanceAudit, ImportanceReference, ImportanceStandard:
		return true
	}
	return false
}

// ExtractionStrategy selects how a table is copied out of the source.
type ExtractionStrategy string

const (
	FullTable          ExtractionStrategy = "full_table"
	Incremental        ExtractionStrategy = "incremental"
	IncrementalChunked ExtractionStrategy = "incremental_chunked"
)

func (s ExtractionStrategy) valid() bool {
	switch s {
	case FullTable, Incremental, IncrementalChunked:
		return true
	}
	return false
}

// PerformanceCategory is the coarse size bucket driving batch sizing and
// load strategy selection.
type PerformanceCategory string

const (
	CategoryTiny   PerformanceCategory = "tiny"
	CategorySmall  PerformanceCategory = "small"
	CategoryMedium PerformanceCategory = "medium"
	CategoryLarge  PerformanceCategory = "large"
	CategoryXLarge PerformanceCategory = "xlarge"
)

func (c PerformanceCategory) valid() bool {
	switch c {
	case CategoryTiny, CategorySmall, CategoryMedium, CategoryLarge, CategoryXLarge:
		return true
	}
	return false
}
