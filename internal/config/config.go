// Package config loads the tessera binary's configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/jacentio/tessera/unitofwork"
)

// Backend names accepted by TESSERA_BACKEND.
const (
	BackendDynamoDB = "dynamodb"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds all configuration for the binary.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Backend selects the storage backend.
	Backend string `env:"TESSERA_BACKEND" envDefault:"dynamodb"`

	// MaxCommands limits the commands per batch; 0 disables the limit.
	MaxCommands int `env:"TESSERA_MAX_COMMANDS" envDefault:"100"`

	// BatchTimeout bounds one batch submission; 0 disables it.
	BatchTimeout time.Duration `env:"TESSERA_BATCH_TIMEOUT" envDefault:"25s"`

	// RelationshipSpecs lists parent-child relationships as
	// "parent_table:child_table:foreign_key", with a trailing "?" on the
	// foreign key for optional relationships.
	RelationshipSpecs []string `env:"TESSERA_RELATIONSHIPS" envSeparator:","`

	// PushgatewayURL, when set, receives the batch metrics after every
	// invocation.
	PushgatewayURL string `env:"TESSERA_PUSHGATEWAY_URL"`
	MetricsJob     string `env:"TESSERA_METRICS_JOB" envDefault:"tessera"`

	Dynamo DynamoConfig
	Redis  RedisConfig
	Badger BadgerConfig
}

// DynamoConfig holds DynamoDB backend configuration.
type DynamoConfig struct {
	TablePrefix string `env:"DYNAMO_TABLE_PREFIX"`
	IDAttribute string `env:"DYNAMO_ID_ATTRIBUTE" envDefault:"id"`
	MaxItems    int    `env:"DYNAMO_MAX_ITEMS" envDefault:"100"`

	// UniqueTable holds unique-value claims for UniqueSpecs.
	UniqueTable string `env:"DYNAMO_UNIQUE_TABLE" envDefault:"tessera_unique_constraints"`

	// UniqueSpecs lists unique columns as "table.column".
	UniqueSpecs []string `env:"DYNAMO_UNIQUE_COLUMNS" envSeparator:","`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string `env:"REDIS_PASS"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"tessera:"`

	PoolSize    int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
}

// BadgerConfig holds embedded badger configuration.
type BadgerConfig struct {
	Dir      string `env:"BADGER_DIR" envDefault:"/tmp/tessera"`
	InMemory bool   `env:"BADGER_IN_MEMORY" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.LogFormat)
	}

	switch c.Backend {
	case BackendDynamoDB:
		if c.Dynamo.MaxItems < 1 || c.Dynamo.MaxItems > 100 {
			return fmt.Errorf("dynamo max items must be between 1 and 100, got %d", c.Dynamo.MaxItems)
		}
		if _, err := c.Dynamo.UniqueColumns(); err != nil {
			return err
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case BackendBadger:
		if c.Badger.Dir == "" && !c.Badger.InMemory {
			return fmt.Errorf("badger dir is required unless in-memory")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}

	if c.MaxCommands < 0 {
		return fmt.Errorf("max commands must not be negative")
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("batch timeout must not be negative")
	}
	if c.PushgatewayURL != "" && c.MetricsJob == "" {
		return fmt.Errorf("metrics job is required with a pushgateway")
	}
	if _, err := c.Relationships(); err != nil {
		return err
	}
	return nil
}

// Relationships parses RelationshipSpecs.
func (c *Config) Relationships() ([]unitofwork.Relationship, error) {
	rels := make([]unitofwork.Relationship, 0, len(c.RelationshipSpecs))
	for _, spec := range c.RelationshipSpecs {
		parts := strings.Split(strings.TrimSpace(spec), ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid relationship %q (want parent:child:foreign_key)", spec)
		}
		fk, optional := strings.CutSuffix(parts[2], "?")
		if fk == "" {
			return nil, fmt.Errorf("invalid relationship %q (empty foreign key)", spec)
		}
		rels = append(rels, unitofwork.Relationship{
			ParentTable: parts[0],
			ChildTable:  parts[1],
			ForeignKey:  fk,
			Optional:    optional,
		})
	}
	return rels, nil
}

// UniqueColumns parses UniqueSpecs into columns per table.
func (d *DynamoConfig) UniqueColumns() (map[string][]string, error) {
	if len(d.UniqueSpecs) == 0 {
		return nil, nil
	}
	unique := make(map[string][]string)
	for _, spec := range d.UniqueSpecs {
		table, column, ok := strings.Cut(strings.TrimSpace(spec), ".")
		if !ok || table == "" || column == "" {
			return nil, fmt.Errorf("invalid unique column %q (want table.column)", spec)
		}
		unique[table] = append(unique[table], column)
	}
	return unique, nil
}
