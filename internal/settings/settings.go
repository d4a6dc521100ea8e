package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/etlerr"
)

// ConnectionParams is a resolved set of connection parameters for one
// database.
type ConnectionParams struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Schema   config.AnalyticsSchema // analytics only
}

var envVarBases = map[config.DatabaseType]string{
	config.Source:      "OPENDENTAL_SOURCE",
	config.Replication: "MYSQL_REPLICATION",
	config.Analytics:   "POSTGRES_ANALYTICS",
}

// Settings is the environment-aware facade over a config.Provider. It is a
// plain value wired explicitly into the replicator, loader and factory;
// there is no process-global instance.
type Settings struct {
	env      config.Environment
	provider config.Provider
	pipeline *config.PipelineConfig
	tables   *config.TableSet
}

// New resolves the environment tag and loads configuration. An unset or
// invalid ETL_ENVIRONMENT fails before any database configuration is read.
func New(provider config.Provider) (*Settings, error) {
	tag, ok := provider.Env()[config.EnvVarName]
	if !ok || strings.TrimSpace(tag) == "" {
		return nil, etlerr.Newf(etlerr.KindEnvironment, "settings.new",
			"%s is not set; set it to %q or %q", config.EnvVarName, config.EnvProduction, config.EnvTest)
	}
	env, err := config.ParseEnvironment(tag)
	if err != nil {
		return nil, etlerr.New(etlerr.KindEnvironment, "settings.new", err)
	}

	pipeline, err := provider.Pipeline()
	if err != nil {
		return nil, etlerr.New(etlerr.KindConfiguration, "settings.new", err)
	}
	tables, err := provider.Tables()
	if err != nil {
		return nil, etlerr.New(etlerr.KindConfiguration, "settings.new", err)
	}

	return &Settings{env: env, provider: provider, pipeline: pipeline, tables: tables}, nil
}

// Environment returns the resolved environment tag.
func (s *Settings) Environment() config.Environment { return s.env }

// Pipeline returns the pipeline configuration with defaults applied.
func (s *Settings) Pipeline() *config.PipelineConfig { return s.pipeline }

// TableConfig returns the configuration for one table.
func (s *Settings) TableConfig(name string) (*config.TableConfig, bool) {
	return s.tables.Get(name)
}

// Tables returns all table configurations, sorted by name.
func (s *Settings) Tables() []*config.TableConfig {
	names := s.tables.Names()
	out := make([]*config.TableConfig, 0, len(names))
	for _, name := range names {
		cfg, _ := s.tables.Get(name)
		out = append(out, cfg)
	}
	return out
}

// Metadata returns the tables.yml metadata block.
func (s *Settings) Metadata() config.TableMetadata { return s.tables.Metadata }

// DatabaseConfig resolves connection parameters for a database from the
// environment map, using TEST_-prefixed names in the test environment. An
// explicit schema overrides POSTGRES_ANALYTICS_SCHEMA for analytics.
func (s *Settings) DatabaseConfig(db config.DatabaseType, schema ...config.AnalyticsSchema) (*ConnectionParams, error) {
	base, ok := envVarBases[db]
	if !ok {
		return nil, etlerr.Newf(etlerr.KindConfiguration, "settings.database", "unknown database type %v", db)
	}
	prefix := s.env.Prefix()
	env := s.provider.Env()

	get := func(suffix string) (string, error) {
		name := prefix + base + "_" + suffix
		val, ok := env[name]
		if !ok || strings.TrimSpace(val) == "" {
			return "", etlerr.Newf(etlerr.KindEnvironment, "settings.database",
				"required variable %s is not set for the %s database", name, db)
		}
		return val, nil
	}

	params := &ConnectionParams{}
	var err error
	if params.Host, err = get("HOST"); err != nil {
		return nil, err
	}
	portStr, err := get("PORT")
	if err != nil {
		return nil, err
	}
	if params.Port, err = strconv.Atoi(strings.TrimSpace(portStr)); err != nil {
		return nil, etlerr.Newf(etlerr.KindEnvironment, "settings.database",
			"%s%s_PORT is not a number: %q", prefix, base, portStr)
	}
	if params.Database, err = get("DB"); err != nil {
		return nil, err
	}
	if params.User, err = get("USER"); err != nil {
		return nil, err
	}
	if params.Password, err = get("PASSWORD"); err != nil {
		return nil, err
	}

	if db == config.Analytics {
		switch {
		case len(schema) > 0:
			params.Schema = schema[0]
		case env[prefix+base+"_SCHEMA"] != "":
			params.Schema = config.AnalyticsSchema(env[prefix+base+"_SCHEMA"])
		default:
			params.Schema = config.SchemaRaw
		}
	}
	return params, nil
}

// Validate checks that every required variable for every database is present
// and non-empty under the current environment.
func (s *Settings) Validate() error {
	env := s.provider.Env()
	prefix := s.env.Prefix()

	var missing []string
	for _, db := range []config.DatabaseType{config.Source, config.Replication, config.Analytics} {
		suffixes := []string{"HOST", "PORT", "DB", "USER", "PASSWORD"}
		if db == config.Analytics {
			suffixes = append(suffixes, "SCHEMA")
		}
		for _, suffix := range suffixes {
			name := prefix + envVarBases[db] + "_" + suffix
			if strings.TrimSpace(env[name]) == "" {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return etlerr.Newf(etlerr.KindEnvironment, "settings.validate",
			"missing required variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// String identifies the settings in logs without leaking credentials.
func (s *Settings) String() string {
	return fmt.Sprintf("settings(env=%s, tables=%d)", s.env, len(s.tables.Tables))
}
