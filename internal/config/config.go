package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/goliatone/go-entity-lab/cache"
	"github.com/goliatone/go-entity-lab/internal/logging"
	"github.com/goliatone/go-entity-lab/persistence"
)

// EnvPrefix prefixes every environment override, e.g. ENTITYLAB_DATABASE_DSN.
const EnvPrefix = "ENTITYLAB"

// Config is the lab configuration: the persistence unit, its cache tiers and
// logging.
type Config struct {
	Database DatabaseConfig
	Cache    CacheConfig
	Log      logging.Config
}

type DatabaseConfig struct {
	Name            string
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SchemaAction    string // none, create, create-drop
	ShowSQL         bool
	SlowQuery       time.Duration
	MappingFiles    []string
}

type CacheConfig struct {
	SecondLevel          bool
	Query                bool
	Backend              string // memory, redis
	Capacity             int
	NumShards            int
	TTL                  time.Duration
	EvictionPercentage   int
	MissingRecordStorage bool
	Redis                RedisConfig
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultConfig mirrors persistence.DefaultUnit with console logging.
func DefaultConfig() Config {
	unit := persistence.DefaultUnit()
	return Config{
		Database: DatabaseConfig{
			Name:            unit.Name,
			Dialect:         unit.Dialect,
			DSN:             unit.DSN,
			MaxOpenConns:    unit.MaxOpenConns,
			MaxIdleConns:    unit.MaxIdleConns,
			ConnMaxLifetime: unit.ConnMaxLifetime,
			SchemaAction:    string(unit.SchemaAction),
			ShowSQL:         unit.ShowSQL,
			SlowQuery:       unit.SlowQuery,
		},
		Cache: CacheConfig{
			SecondLevel:          unit.SecondLevelCache,
			Query:                unit.QueryCache,
			Backend:              unit.Cache.Backend,
			Capacity:             unit.Cache.Capacity,
			NumShards:            unit.Cache.NumShards,
			TTL:                  unit.Cache.TTL,
			EvictionPercentage:   unit.Cache.EvictionPercentage,
			MissingRecordStorage: unit.Cache.MissingRecordStorage,
			Redis: RedisConfig{
				KeyPrefix: "entitylab",
			},
		},
		Log: logging.DefaultConfig(),
	}
}

// Options selects where Load looks. An empty ConfigFile searches for
// entitylab.yaml in the working directory and ./config.
type Options struct {
	ConfigFile string
	EnvFiles   []string
}

// Load reads the config file, then .env files, then ENTITYLAB_ variables.
// Later sources win. Missing optional files are skipped.
func Load(opts Options) (*Config, error) {
	envFiles := opts.EnvFiles
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading env file %s: %w", file, err)
		}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("entitylab")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Database: DatabaseConfig{
			Name:            v.GetString("database.name"),
			Dialect:         v.GetString("database.dialect"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			SchemaAction:    v.GetString("database.schema_action"),
			ShowSQL:         v.GetBool("database.show_sql"),
			SlowQuery:       v.GetDuration("database.slow_query"),
			MappingFiles:    v.GetStringSlice("database.mapping_files"),
		},
		Cache: CacheConfig{
			SecondLevel:          v.GetBool("cache.second_level"),
			Query:                v.GetBool("cache.query"),
			Backend:              v.GetString("cache.backend"),
			Capacity:             v.GetInt("cache.capacity"),
			NumShards:            v.GetInt("cache.num_shards"),
			TTL:                  v.GetDuration("cache.ttl"),
			EvictionPercentage:   v.GetInt("cache.eviction_percentage"),
			MissingRecordStorage: v.GetBool("cache.missing_record_storage"),
			Redis: RedisConfig{
				Addr:      v.GetString("cache.redis.addr"),
				Password:  v.GetString("cache.redis.password"),
				DB:        v.GetInt("cache.redis.db"),
				KeyPrefix: v.GetString("cache.redis.key_prefix"),
			},
		},
		Log: logging.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.dialect", d.Database.Dialect)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.schema_action", d.Database.SchemaAction)
	v.SetDefault("database.show_sql", d.Database.ShowSQL)
	v.SetDefault("database.slow_query", d.Database.SlowQuery)
	v.SetDefault("database.mapping_files", d.Database.MappingFiles)

	v.SetDefault("cache.second_level", d.Cache.SecondLevel)
	v.SetDefault("cache.query", d.Cache.Query)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.num_shards", d.Cache.NumShards)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.eviction_percentage", d.Cache.EvictionPercentage)
	v.SetDefault("cache.missing_record_storage", d.Cache.MissingRecordStorage)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", d.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)
	v.SetDefault("cache.redis.key_prefix", d.Cache.Redis.KeyPrefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
}

// Unit converts the database and cache sections to a persistence unit.
func (c Config) Unit() persistence.Unit {
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Backend = c.Cache.Backend
	cacheCfg.Capacity = c.Cache.Capacity
	cacheCfg.NumShards = c.Cache.NumShards
	cacheCfg.TTL = c.Cache.TTL
	cacheCfg.EvictionPercentage = c.Cache.EvictionPercentage
	cacheCfg.MissingRecordStorage = c.Cache.MissingRecordStorage
	if c.Cache.Backend == cache.BackendRedis {
		cacheCfg.Redis = &cache.RedisConfig{
			Addr:      c.Cache.Redis.Addr,
			Password:  c.Cache.Redis.Password,
			DB:        c.Cache.Redis.DB,
			KeyPrefix: c.Cache.Redis.KeyPrefix,
		}
	}

	return persistence.Unit{
		Name:             c.Database.Name,
		Dialect:          c.Database.Dialect,
		DSN:              c.Database.DSN,
		MaxOpenConns:     c.Database.MaxOpenConns,
		MaxIdleConns:     c.Database.MaxIdleConns,
		ConnMaxLifetime:  c.Database.ConnMaxLifetime,
		SchemaAction:     persistence.SchemaAction(c.Database.SchemaAction),
		ShowSQL:          c.Database.ShowSQL,
		SlowQuery:        c.Database.SlowQuery,
		SecondLevelCache: c.Cache.SecondLevel,
		QueryCache:       c.Cache.Query,
		Cache:            cacheCfg,
		MappingFiles:     c.Database.MappingFiles,
	}
}

// Validate checks the log section, then the persistence unit.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return &ConfigError{Field: "Log.Format", Message: "must be json or console"}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ConfigError{Field: "Log.Level", Message: "must be debug, info, warn or error"}
	}

	if err := c.Unit().Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}
