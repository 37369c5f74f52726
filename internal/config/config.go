// Package config loads engine configuration from defaults, an optional YAML
// file and SHELFLIFE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHELFLIFE_STORAGE_DRIVER.
const EnvPrefix = "SHELFLIFE"

// Storage drivers accepted by storage.driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Backup drivers accepted by backup.driver.
const (
	BackupMemory = "memory"
	BackupFS     = "fs"
	BackupS3     = "s3"
)

// Config is the complete engine configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Log       LogConfig       `mapstructure:"log"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// StorageConfig selects and locates the record store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	BadgerDir   string `mapstructure:"badger_dir"`
}

// EngineConfig tunes lifecycle behavior.
type EngineConfig struct {
	NotificationWindowDays int    `mapstructure:"notification_window_days"`
	CascadePolicy          string `mapstructure:"cascade_policy"`
	ReviewerGroup          string `mapstructure:"reviewer_group"`
	BatchIDPrefix          string `mapstructure:"batch_id_prefix"`
}

// LogConfig selects the logger mode: development or production.
type LogConfig struct {
	Mode string `mapstructure:"mode"`
}

// BackupConfig selects where snapshots are written.
type BackupConfig struct {
	Driver string   `mapstructure:"driver"`
	Prefix string   `mapstructure:"prefix"`
	FSDir  string   `mapstructure:"fs_dir"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config locates an S3 compatible bucket. Static credentials are optional;
// the default AWS credential chain is used when they are empty.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// DirectoryConfig maps principals to contact identities and reviewer groups
// to their members. Keys are case-insensitive and stored lower-cased.
type DirectoryConfig struct {
	Contacts map[string]string   `mapstructure:"contacts"`
	Groups   map[string][]string `mapstructure:"groups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "shelflife.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.badger_dir", "shelflife-data")
	v.SetDefault("engine.notification_window_days", 60)
	v.SetDefault("engine.cascade_policy", "skip_rejected")
	v.SetDefault("engine.reviewer_group", "")
	v.SetDefault("engine.batch_id_prefix", "BATCH")
	v.SetDefault("log.mode", "production")
	v.SetDefault("backup.driver", BackupFS)
	v.SetDefault("backup.prefix", "snapshots")
	v.SetDefault("backup.fs_dir", "shelflife-backups")
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.region", "us-east-1")
	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.access_key_id", "")
	v.SetDefault("backup.s3.secret_access_key", "")
	v.SetDefault("backup.s3.use_path_style", false)
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverBadger:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Engine.NotificationWindowDays <= 0 {
		errs = append(errs, fmt.Errorf("engine.notification_window_days must be positive, got %d", c.Engine.NotificationWindowDays))
	}
	switch c.Engine.CascadePolicy {
	case "", "skip_rejected", "include_rejected":
	default:
		errs = append(errs, fmt.Errorf("unknown engine.cascade_policy %q", c.Engine.CascadePolicy))
	}
	switch c.Log.Mode {
	case "", "development", "production":
	default:
		errs = append(errs, fmt.Errorf("unknown log.mode %q", c.Log.Mode))
	}
	switch c.Backup.Driver {
	case "", BackupMemory:
	case BackupFS:
		if c.Backup.FSDir == "" {
			errs = append(errs, errors.New("backup.fs_dir is required for the fs backup driver"))
		}
	case BackupS3:
		if c.Backup.S3.Bucket == "" {
			errs = append(errs, errors.New("backup.s3.bucket is required for the s3 backup driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backup.driver %q", c.Backup.Driver))
	}
	return errors.Join(errs...)
}
