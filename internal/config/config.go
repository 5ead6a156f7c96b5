// Package config loads the searchsync command configuration from a file,
// SEARCHSYNC_ environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/getpup/searchsync/checkpoint/sqlstore"
)

// EnvPrefix prefixes every environment variable, e.g. SEARCHSYNC_MONGODB_URI.
const EnvPrefix = "searchsync"

// Checkpoint drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
	DriverPebble   = "pebble"
)

type Config struct {
	MongoDB      MongoDBConfig      `mapstructure:"mongodb"`
	Index        IndexConfig        `mapstructure:"index"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	ChangeStream ChangeStreamConfig `mapstructure:"changestream"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Log          LogConfig          `mapstructure:"log"`
}

type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type IndexConfig struct {
	ID         string `mapstructure:"id"`
	Generation int64  `mapstructure:"generation"`
	// MaxDocuments bounds the in-process index (0 = unlimited).
	MaxDocuments int `mapstructure:"maxDocuments"`
}

type CheckpointConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is the connection string of SQL drivers and the directory of pebble.
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type SchedulerConfig struct {
	DecodeWorkers int `mapstructure:"decodeWorkers"`
	IndexWorkers  int `mapstructure:"indexWorkers"`
}

type ChangeStreamConfig struct {
	BatchSize           int32         `mapstructure:"batchSize"`
	MaxAwaitTime        time.Duration `mapstructure:"maxAwaitTime"`
	DisableNaturalOrder bool          `mapstructure:"disableNaturalOrder"`
	RetryInterval       time.Duration `mapstructure:"retryInterval"`
	MaxRetryInterval    time.Duration `mapstructure:"maxRetryInterval"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding set
// up. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("index.generation", 1)
	v.SetDefault("checkpoint.driver", DriverMemory)
	v.SetDefault("checkpoint.table", sqlstore.DefaultTableConfig().CheckpointsTable)
	v.SetDefault("changestream.maxAwaitTime", time.Second)
	v.SetDefault("changestream.retryInterval", time.Second)
	v.SetDefault("changestream.maxRetryInterval", 30*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Keys without defaults still need to be known for AutomaticEnv to
	// reach them through Unmarshal.
	for _, key := range []string{
		"mongodb.database", "mongodb.collection", "index.id", "index.maxDocuments",
		"checkpoint.dsn", "scheduler.decodeWorkers", "scheduler.indexWorkers",
		"changestream.batchSize", "changestream.disableNaturalOrder",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads the config file at path, if any, and decodes v.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.MongoDB.URI == "" {
		errs = append(errs, errors.New("mongodb.uri is required"))
	}
	if c.MongoDB.Database == "" {
		errs = append(errs, errors.New("mongodb.database is required"))
	}
	if c.MongoDB.Collection == "" {
		errs = append(errs, errors.New("mongodb.collection is required"))
	}
	if c.Index.ID == "" {
		errs = append(errs, errors.New("index.id is required"))
	}
	if c.Index.Generation < 1 {
		errs = append(errs, errors.New("index.generation must be positive"))
	}

	switch c.Checkpoint.Driver {
	case DriverMemory:
	case DriverPostgres, DriverMySQL, DriverSQLite, DriverPebble:
		if c.Checkpoint.DSN == "" {
			errs = append(errs, fmt.Errorf("checkpoint.dsn is required for driver %s", c.Checkpoint.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.driver %q is not one of memory|postgres|mysql|sqlite3|pebble", c.Checkpoint.Driver))
	}

	if c.Scheduler.DecodeWorkers < 0 || c.Scheduler.IndexWorkers < 0 {
		errs = append(errs, errors.New("scheduler workers must not be negative"))
	}
	if c.ChangeStream.BatchSize < 0 {
		errs = append(errs, errors.New("changestream.batchSize must not be negative"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text|json", c.Log.Format))
	}
	return errors.Join(errs...)
}
