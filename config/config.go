package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Klinesync KlinesyncConfig `yaml:"klinesync"`
	Source    SourceConfig    `yaml:"source"`
	Sync      SyncConfig      `yaml:"sync"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type KlinesyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SourceConfig describes the remote data mirror and its symbol catalog.
type SourceConfig struct {
	// BaseURL is the market root, e.g. https://data.binance.vision/data/futures/um
	BaseURL string `yaml:"base_url"`
	// Catalog selects the symbol listing: "download_options" or "exchange_info".
	Catalog    string `yaml:"catalog"`
	CatalogURL string `yaml:"catalog_url"`
	BizType    string `yaml:"biz_type"`
	ProductID  int    `yaml:"product_id"`
	// ExchangeInfoURL is the futures REST root used by the exchange_info catalog.
	ExchangeInfoURL string               `yaml:"exchange_info_url"`
	ConnectionPool  ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SyncConfig struct {
	Pairs        []string `yaml:"pairs"`
	Intervals    []string `yaml:"intervals"`
	PairNotation string   `yaml:"pair_notation"`
	// MaxInFlight bounds concurrent segment downloads per pair; 0 is unbounded.
	MaxInFlight       int           `yaml:"max_in_flight"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	// FallbackStart is used for pairs without an archive, YYYY-MM-DD.
	// Empty means two years before today.
	FallbackStart string `yaml:"fallback_start"`
	Progress      bool   `yaml:"progress"`
}

type StorageConfig struct {
	Backend string             `yaml:"backend"`
	Local   LocalStorageConfig `yaml:"local"`
	S3      S3Config           `yaml:"s3"`
}

type LocalStorageConfig struct {
	Dir string `yaml:"dir"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	PrometheusAddr string           `yaml:"prometheus_addr"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

const (
	BackendLocal = "local"
	BackendS3    = "s3"

	CatalogDownloadOptions = "download_options"
	CatalogExchangeInfo    = "exchange_info"
)

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Klinesync: KlinesyncConfig{Name: "klinesync", Version: "dev"},
		Source: SourceConfig{
			BaseURL:         "https://data.binance.vision/data/futures/um",
			Catalog:         CatalogDownloadOptions,
			CatalogURL:      "https://www.binance.com/bapi/bigdata/v1/public/bigdata/finance/exchange/listDownloadOptions",
			BizType:         "FUTURES_UM",
			ProductID:       1,
			ExchangeInfoURL: "https://fapi.binance.com",
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    64,
				MaxConnsPerHost: 64,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		Sync: SyncConfig{
			Intervals:      []string{"5m"},
			PairNotation:   "ccxt",
			RequestTimeout: 60 * time.Second,
			Progress:       true,
		},
		Storage: StorageConfig{
			Backend: BackendLocal,
			Local:   LocalStorageConfig{Dir: "./tickers"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads a YAML file on top of Default. An empty path returns the
// defaults with environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(config *Config) {
	if v := os.Getenv("KLINESYNC_DATA_DIR"); v != "" {
		config.Storage.Local.Dir = strings.TrimSpace(v)
	}
	if config.Storage.Backend != BackendS3 {
		return
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = strings.TrimSpace(v)
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if cfg.Klinesync.Name == "" {
		return fmt.Errorf("klinesync.name is required")
	}

	if cfg.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}

	switch cfg.Source.Catalog {
	case CatalogDownloadOptions:
		if cfg.Source.CatalogURL == "" {
			return fmt.Errorf("source.catalog_url is required for the %s catalog", CatalogDownloadOptions)
		}
	case CatalogExchangeInfo:
	default:
		return fmt.Errorf("source.catalog '%s' is invalid", cfg.Source.Catalog)
	}

	if cfg.Sync.MaxInFlight < 0 {
		return fmt.Errorf("sync.max_in_flight must not be negative")
	}
	if cfg.Sync.RequestsPerSecond < 0 {
		return fmt.Errorf("sync.requests_per_second must not be negative")
	}
	if cfg.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be greater than 0")
	}
	if len(cfg.Sync.Intervals) == 0 {
		return fmt.Errorf("sync.intervals must not be empty")
	}
	if _, err := cfg.Sync.FallbackStartDate(); err != nil {
		return fmt.Errorf("sync.fallback_start: %w", err)
	}

	switch cfg.Storage.Backend {
	case BackendLocal:
		if cfg.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required")
		}
	case BackendS3:
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when the s3 backend is selected")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when the s3 backend is selected")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	default:
		return fmt.Errorf("storage.backend '%s' is invalid", cfg.Storage.Backend)
	}

	return nil
}

// FallbackStartDate parses FallbackStart. An empty value gives the zero time.
func (c SyncConfig) FallbackStartDate() (time.Time, error) {
	if c.FallbackStart == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, c.FallbackStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("start date '%s' is not a YYYY-MM-DD date", c.FallbackStart)
	}
	return t, nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
