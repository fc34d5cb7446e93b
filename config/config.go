package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bitmexflow/models"
)

const (
	DefaultConfigPath      = "config.yml"
	DefaultInstrumentsPath = "instruments.yml"
)

type Config struct {
	Bitmexflow BitmexflowConfig `yaml:"bitmexflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Status     StatusConfig     `yaml:"status"`
	Reader     ReaderConfig     `yaml:"reader"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
}

type BitmexflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type ReaderConfig struct {
	PingInterval     time.Duration   `yaml:"ping_interval"`
	ReadTimeout      time.Duration   `yaml:"read_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MinDelay       time.Duration `yaml:"min_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Factor         float64       `yaml:"factor"`
	DialsPerMinute int           `yaml:"dials_per_minute"`
}

type GatewayConfig struct {
	DepthOrdering string `yaml:"depth_ordering"`
}

type WriterConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	DeadLetter     DeadLetter    `yaml:"dead_letter"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
}

type DeadLetter struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

// ConnString renders the postgres connection string. An explicit dsn wins.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	} else {
		u.User = url.User(p.User)
	}
	query := url.Values{}
	query.Set("sslmode", p.SSLMode)
	u.RawQuery = query.Encode()
	return u.String()
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "BitmexFlow"},
		},
		Status: StatusConfig{Address: ":8080"},
		Reader: ReaderConfig{
			PingInterval:     5 * time.Second,
			ReadTimeout:      30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				MinDelay:       time.Second,
				MaxDelay:       30 * time.Second,
				Factor:         2,
				DialsPerMinute: 30,
			},
		},
		Gateway: GatewayConfig{DepthOrdering: string(models.OrderWire)},
		Writer: WriterConfig{
			QueueSize:      10000,
			EnqueueTimeout: time.Second,
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
				Factor:      2,
			},
			DeadLetter: DeadLetter{
				Path:       "logs/dead_letter.jsonl",
				MaxSizeMB:  100,
				MaxBackups: 10,
				MaxAge:     30,
			},
		},
		Storage: StorageConfig{
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				SSLMode:         "disable",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				AutoMigrate:     true,
			},
			S3: S3Config{
				Prefix:        "bitmexflow",
				FlushInterval: time.Minute,
				BatchSize:     5000,
				UploadTimeout: 30 * time.Second,
			},
		},
	}
}

// LoadConfig reads the application config. When APP_ENV names an environment
// with its own file next to path (config.production.yml for config.yml), that
// file is used instead.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		config.Storage.Postgres.Password = v
	}

	if config.Storage.S3.Enabled || config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
			if config.Metrics.CloudWatch.Region == "" {
				config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
			}
		}
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Bitmexflow.Name == "" {
		return fmt.Errorf("bitmexflow.name is required")
	}
	if cfg.Bitmexflow.Version == "" {
		return fmt.Errorf("bitmexflow.version is required")
	}

	if strings.EqualFold(cfg.Logging.Level, "report") && cfg.Logging.ReportInterval <= 0 {
		return fmt.Errorf("logging.report_interval must be greater than 0")
	}

	if _, err := models.ParseDepthOrdering(cfg.Gateway.DepthOrdering); err != nil {
		return fmt.Errorf("gateway.depth_ordering: %w", err)
	}

	if cfg.Reader.PingInterval <= 0 {
		return fmt.Errorf("reader.ping_interval must be greater than 0")
	}
	if cfg.Reader.ReadTimeout <= cfg.Reader.PingInterval {
		return fmt.Errorf("reader.read_timeout must be greater than reader.ping_interval")
	}
	if cfg.Reader.Reconnect.MinDelay <= 0 {
		return fmt.Errorf("reader.reconnect.min_delay must be greater than 0")
	}
	if cfg.Reader.Reconnect.MaxDelay < cfg.Reader.Reconnect.MinDelay {
		return fmt.Errorf("reader.reconnect.max_delay must not be less than min_delay")
	}

	if cfg.Writer.QueueSize <= 0 {
		return fmt.Errorf("writer.queue_size must be greater than 0")
	}
	if cfg.Writer.EnqueueTimeout < 0 {
		return fmt.Errorf("writer.enqueue_timeout must not be negative")
	}
	if cfg.Writer.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("writer.retry.max_attempts must be greater than 0")
	}
	if cfg.Writer.Retry.MaxDelay < cfg.Writer.Retry.BaseDelay {
		return fmt.Errorf("writer.retry.max_delay must not be less than base_delay")
	}
	if cfg.Writer.DeadLetter.Path == "" {
		return fmt.Errorf("writer.dead_letter.path is required")
	}

	pg := cfg.Storage.Postgres
	if pg.DSN == "" {
		if pg.Host == "" || pg.Database == "" || pg.User == "" {
			return fmt.Errorf("storage.postgres requires dsn or host, database and user")
		}
	}

	if cfg.Status.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Status.Address); err != nil {
			return fmt.Errorf("status.address %q is invalid: %w", cfg.Status.Address, err)
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
		if cfg.Storage.S3.UploadTimeout <= 0 {
			return fmt.Errorf("storage.s3.upload_timeout must be greater than 0")
		}
		if cfg.Storage.S3.BatchSize <= 0 {
			return fmt.Errorf("storage.s3.batch_size must be greater than 0")
		}
	}

	return nil
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
