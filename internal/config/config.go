package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Source    SourceConfig    `mapstructure:"source"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Schedules SchedulesConfig `mapstructure:"schedules"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// CORSOrigins lists allowed origins; empty allows all.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // local, s3, r2, s3compatible, minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	LocalDir  string `mapstructure:"local_dir"`
}

type SourceConfig struct {
	Type         string        `mapstructure:"type"` // http, manifest
	Name         string        `mapstructure:"name"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ManifestPath string        `mapstructure:"manifest_path"`
}

type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	Jitter      time.Duration `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type SyncConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	LockMaxAttempts   int           `mapstructure:"lock_max_attempts"`
	ContinuationDelay time.Duration `mapstructure:"continuation_delay"`
	AssetWorkers      int           `mapstructure:"asset_workers"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

type CacheConfig struct {
	Backend           string                   `mapstructure:"backend"` // memory, db
	DefaultTTL        time.Duration            `mapstructure:"default_ttl"`
	TTL               map[string]time.Duration `mapstructure:"ttl"`
	EvictionThreshold string                   `mapstructure:"eviction_threshold"`
	DecaySchedule     string                   `mapstructure:"decay_schedule"`
}

type DedupConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size"`
	PayloadEncoding string        `mapstructure:"payload_encoding"` // raw, base64
	SpoolDir        string        `mapstructure:"spool_dir"`
	OrphanGrace     time.Duration `mapstructure:"orphan_grace"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

// SchedulesConfig maps entity kinds to cron expressions that trigger a sync.
type SchedulesConfig map[string]string

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and connection strings come from the environment.
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	v.BindEnv("source.base_url", "SOURCE_BASE_URL")
	v.BindEnv("source.api_key", "SOURCE_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/catalogsync.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "./data/blobs")
	v.SetDefault("storage.bucket", "catalog-assets")

	v.SetDefault("source.type", "manifest")
	v.SetDefault("source.name", "catalog")
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("source.manifest_path", "./data/export")

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.lease_duration", 5*time.Minute)
	v.SetDefault("sync.lock_max_attempts", 5)
	v.SetDefault("sync.continuation_delay", time.Second)
	v.SetDefault("sync.asset_workers", 4)
	v.SetDefault("sync.retry.base", 2*time.Second)
	v.SetDefault("sync.retry.cap", 60*time.Second)
	v.SetDefault("sync.retry.jitter", time.Second)
	v.SetDefault("sync.retry.max_attempts", 3)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.ttl", map[string]time.Duration{
		"stock":    2 * time.Minute,
		"price":    10 * time.Minute,
		"category": 24 * time.Hour,
		"taxonomy": 24 * time.Hour,
		"count":    15 * time.Minute,
	})
	v.SetDefault("cache.eviction_threshold", "medium")
	v.SetDefault("cache.decay_schedule", "*/15 * * * *")

	v.SetDefault("dedup.chunk_size", 64*1024)
	v.SetDefault("dedup.payload_encoding", "raw")
	v.SetDefault("dedup.orphan_grace", 72*time.Hour)
	v.SetDefault("dedup.sweep_schedule", "0 3 * * *")
}

// Validate checks the fields that have no safe default.
func (c *Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batch_size must be positive")
	}
	if c.Sync.LeaseDuration <= 0 {
		return fmt.Errorf("config: sync.lease_duration must be positive")
	}
	switch c.Source.Type {
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("config: source.base_url is required for http sources")
		}
	case "manifest":
		if c.Source.ManifestPath == "" {
			return fmt.Errorf("config: source.manifest_path is required for manifest sources")
		}
	default:
		return fmt.Errorf("config: unknown source.type %q", c.Source.Type)
	}
	switch c.Dedup.PayloadEncoding {
	case "raw", "base64":
	default:
		return fmt.Errorf("config: unknown dedup.payload_encoding %q", c.Dedup.PayloadEncoding)
	}
	switch c.Cache.Backend {
	case "memory", "db":
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}
	return nil
}
