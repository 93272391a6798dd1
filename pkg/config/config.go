package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the quarry engine.
// Configuration can come from a YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (passwords) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// SchemaDir is the directory holding YAML model definitions loaded at
	// startup.
	SchemaDir string `yaml:"schema_dir" env:"SCHEMA_DIR" env-default:"schema"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"quarry"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"quarry"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds the optional shared-cache invalidation backend. When Host
// is empty the engine runs with process-local invalidation only.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// EngineConfig exposes the tunable heuristics of the storage engine. The
// defaults were measured against PostgreSQL; both thresholds are
// workload-dependent and deliberately configurable.
type EngineConfig struct {
	// SubqueryThreshold is the estimated row count of a related table above
	// which the domain compiler prefers a correlated IN subquery over a
	// join, so the planner can use the related table's indexes.
	SubqueryThreshold int64 `yaml:"subquery_threshold" env:"ENGINE_SUBQUERY_THRESHOLD" env-default:"10000"`

	// UnionOr enables splitting top-level OR domains that mix local and
	// relation leaves into a UNION of per-branch selects.
	UnionOr bool `yaml:"union_or" env:"ENGINE_UNION_OR" env-default:"true"`

	// TreeRebuildFactor biases the incremental-vs-rebuild choice for
	// nested-set maintenance: incremental surgery is used while
	// n*(1+n/2) < rows*factor for n touched nodes.
	TreeRebuildFactor float64 `yaml:"tree_rebuild_factor" env:"ENGINE_TREE_REBUILD_FACTOR" env-default:"1.0"`

	// InsertBatchWidth caps how many rows one multi-row INSERT carries.
	InsertBatchWidth int `yaml:"insert_batch_width" env:"ENGINE_INSERT_BATCH_WIDTH" env-default:"500"`

	// MaxINWidth caps id lists in IN clauses; search results larger than
	// this skip eager cache population.
	MaxINWidth int `yaml:"max_in_width" env:"ENGINE_MAX_IN_WIDTH" env-default:"1000"`

	// RecordCacheSize is the per-process LRU capacity in records.
	RecordCacheSize int `yaml:"record_cache_size" env:"ENGINE_RECORD_CACHE_SIZE" env-default:"8192"`

	// RowEstimateTTL is how long cached table row-count estimates live.
	RowEstimateTTL time.Duration `yaml:"row_estimate_ttl" env:"ENGINE_ROW_ESTIMATE_TTL" env-default:"5m"`

	// HistoryWindowFunctions selects the window-function ranking for as-of
	// queries. Disable for backends without window support to fall back to
	// the max-timestamp self-join.
	HistoryWindowFunctions bool `yaml:"history_window_functions" env:"ENGINE_HISTORY_WINDOW_FUNCTIONS" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time and set on the
// returned Config. When config.yaml does not exist, configuration comes from
// the environment alone.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.Engine.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}

	return cfg, nil
}

func (c *EngineConfig) validate() error {
	if c.SubqueryThreshold < 0 {
		return fmt.Errorf("subquery_threshold must not be negative")
	}
	if c.InsertBatchWidth <= 0 {
		return fmt.Errorf("insert_batch_width must be positive")
	}
	if c.MaxINWidth <= 0 {
		return fmt.Errorf("max_in_width must be positive")
	}
	if c.TreeRebuildFactor <= 0 {
		return fmt.Errorf("tree_rebuild_factor must be positive")
	}
	return nil
}

// Defaults returns an EngineConfig with the stock tuning, for tests and
// embedded use.
func Defaults() *EngineConfig {
	return &EngineConfig{
		SubqueryThreshold:      10000,
		UnionOr:                true,
		TreeRebuildFactor:      1.0,
		InsertBatchWidth:       500,
		MaxINWidth:             1000,
		RecordCacheSize:        8192,
		RowEstimateTTL:         5 * time.Minute,
		HistoryWindowFunctions: true,
	}
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
