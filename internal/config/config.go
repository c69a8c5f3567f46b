package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                = 8080
	defaultDataDir             = "data"
	defaultLogLevel            = "info"
	defaultLogFormat           = "console"
	defaultMaxConcurrentBuilds = 2
	defaultCacheTTL            = 24 * time.Hour
	defaultSweepInterval       = time.Hour
	defaultJobTTL              = 48 * time.Hour
	defaultMaxJobs             = 10000
	defaultFetchTimeout        = 60 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultOrdersCollection    = "orders"
	defaultFilesRelation       = "conebeam_files"

	envPrefix = "CONEBEAM_"
)

// RecordStoreConfig points at the record store holding orders.
type RecordStoreConfig struct {
	URL              string `yaml:"url"`
	Token            string `yaml:"token"`
	OrdersCollection string `yaml:"orders_collection"`
	FilesRelation    string `yaml:"files_relation"`
}

// BlobConfig points at the blob store serving order files.
type BlobConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port                int               `yaml:"port"`
	DataDir             string            `yaml:"data_dir"`
	LogLevel            string            `yaml:"log_level"`
	LogFormat           string            `yaml:"log_format"`
	MaxConcurrentBuilds int               `yaml:"max_concurrent_builds"`
	CacheTTL            time.Duration     `yaml:"cache_ttl"`
	SweepInterval       time.Duration     `yaml:"sweep_interval"`
	JobTTL              time.Duration     `yaml:"job_ttl"`
	MaxJobs             int               `yaml:"max_jobs"`
	FetchTimeout        time.Duration     `yaml:"fetch_timeout"`
	ShutdownTimeout     time.Duration     `yaml:"shutdown_timeout"`
	RecordStore         RecordStoreConfig `yaml:"record_store"`
	Blob                BlobConfig        `yaml:"blob"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                defaultPort,
		DataDir:             defaultDataDir,
		LogLevel:            defaultLogLevel,
		LogFormat:           defaultLogFormat,
		MaxConcurrentBuilds: defaultMaxConcurrentBuilds,
		CacheTTL:            defaultCacheTTL,
		SweepInterval:       defaultSweepInterval,
		JobTTL:              defaultJobTTL,
		MaxJobs:             defaultMaxJobs,
		FetchTimeout:        defaultFetchTimeout,
		ShutdownTimeout:     defaultShutdownTimeout,
		RecordStore: RecordStoreConfig{
			OrdersCollection: defaultOrdersCollection,
			FilesRelation:    defaultFilesRelation,
		},
	}
}

// Load reads YAML config from the provided path, then applies .env files and
// CONEBEAM_* environment overrides. If the file does not exist or is empty,
// defaults are used with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := loadEnvFiles(); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Level returns the parsed zerolog level. Load guarantees it is valid.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// loadEnvFiles loads optional .env and .env.local files; .env.local wins.
func loadEnvFiles() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("load .env.local: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return err
	}
	if cfg.MaxConcurrentBuilds, err = envInt("MAX_CONCURRENT_BUILDS", cfg.MaxConcurrentBuilds); err != nil {
		return err
	}
	if cfg.CacheTTL, err = envDuration("CACHE_TTL", cfg.CacheTTL); err != nil {
		return err
	}
	if cfg.FetchTimeout, err = envDuration("FETCH_TIMEOUT", cfg.FetchTimeout); err != nil {
		return err
	}
	cfg.DataDir = envString("DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)
	cfg.RecordStore.URL = envString("RECORD_STORE_URL", cfg.RecordStore.URL)
	cfg.RecordStore.Token = envString("RECORD_STORE_TOKEN", cfg.RecordStore.Token)
	cfg.Blob.BaseURL = envString("BLOB_BASE_URL", cfg.Blob.BaseURL)
	cfg.Blob.Token = envString("BLOB_TOKEN", cfg.Blob.Token)
	return nil
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RecordStore.OrdersCollection == "" {
		cfg.RecordStore.OrdersCollection = defaultOrdersCollection
	}
	if cfg.RecordStore.FilesRelation == "" {
		cfg.RecordStore.FilesRelation = defaultFilesRelation
	}
	cfg.RecordStore.URL = strings.TrimRight(strings.TrimSpace(cfg.RecordStore.URL), "/")
	cfg.Blob.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Blob.BaseURL), "/")
}

func validate(cfg Config) error {
	// values < 1 are not allowed
	if cfg.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("invalid max_concurrent_builds: %d (must be >= 1)", cfg.MaxConcurrentBuilds)
	}
	if cfg.MaxJobs < 1 {
		return fmt.Errorf("invalid max_jobs: %d (must be >= 1)", cfg.MaxJobs)
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("invalid cache_ttl: %s (must be > 0)", cfg.CacheTTL)
	}
	if cfg.JobTTL <= 0 {
		return fmt.Errorf("invalid job_ttl: %s (must be > 0)", cfg.JobTTL)
	}
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("invalid fetch_timeout: %s (must be > 0)", cfg.FetchTimeout)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q (console or json)", cfg.LogFormat)
	}
	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, v)
	}
	return d, nil
}
