package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bitmexflow/models"
)

const minimalConfig = `bitmexflow:
  name: "TestApp"
  version: "1.0"
storage:
  postgres:
    host: db
    database: market
    user: feed
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(appEnvVar, "")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	path := writeFile(t, t.TempDir(), "config.yml", minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bitmexflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bitmexflow.Name)
	}
	if cfg.Writer.QueueSize != 10000 {
		t.Errorf("unexpected default queue size: %d", cfg.Writer.QueueSize)
	}
	if cfg.Reader.PingInterval != 5*time.Second {
		t.Errorf("unexpected default ping interval: %v", cfg.Reader.PingInterval)
	}
	if cfg.Gateway.DepthOrdering != string(models.OrderWire) {
		t.Errorf("unexpected default depth ordering: %s", cfg.Gateway.DepthOrdering)
	}
	want := "postgres://feed@db:5432/market?sslmode=disable"
	if got := cfg.Storage.Postgres.ConnString(); got != want {
		t.Errorf("ConnString() = %q, want %q", got, want)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv(appEnvVar, "")
	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("S3_BUCKET", " bitmex-archive ")

	content := minimalConfig + `  s3:
    enabled: true
    bucket: placeholder
gateway:
  depth_ordering: price
writer:
  queue_size: 16
  retry:
    max_attempts: 3
    base_delay: 10ms
    max_delay: 1s
`
	path := writeFile(t, t.TempDir(), "config.yml", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Postgres.Password != "s3cret" {
		t.Errorf("password not overridden: %q", cfg.Storage.Postgres.Password)
	}
	if cfg.Storage.S3.Bucket != "bitmex-archive" {
		t.Errorf("bucket not overridden: %q", cfg.Storage.S3.Bucket)
	}
	if cfg.Storage.S3.Region != "eu-west-1" {
		t.Errorf("region not overridden: %q", cfg.Storage.S3.Region)
	}
	if cfg.Gateway.DepthOrdering != "price" {
		t.Errorf("unexpected depth ordering: %s", cfg.Gateway.DepthOrdering)
	}
	if cfg.Writer.QueueSize != 16 || cfg.Writer.Retry.MaxAttempts != 3 {
		t.Errorf("writer settings not applied: %+v", cfg.Writer)
	}
	if cfg.Writer.EnqueueTimeout != time.Second {
		t.Errorf("unset enqueue_timeout lost its default: %v", cfg.Writer.EnqueueTimeout)
	}
}

func TestLoadConfigDSNOverride(t *testing.T) {
	t.Setenv(appEnvVar, "")
	t.Setenv("POSTGRES_DSN", "postgres://feed@db/market")

	path := writeFile(t, t.TempDir(), "config.yml", "bitmexflow:\n  name: a\n  version: b\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Storage.Postgres.ConnString(); got != "postgres://feed@db/market" {
		t.Errorf("unexpected ConnString: %s", got)
	}
}

func TestLoadConfigEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yml", minimalConfig)
	writeFile(t, dir, "config.production.yml", minimalConfig+"writer:\n  queue_size: 42\n")

	t.Setenv(appEnvVar, "prod")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Writer.QueueSize != 42 {
		t.Errorf("expected production file to be used, queue size %d", cfg.Writer.QueueSize)
	}

	t.Setenv(appEnvVar, "staging")
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Writer.QueueSize != 10000 {
		t.Errorf("expected base file for staging, queue size %d", cfg.Writer.QueueSize)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Bitmexflow.Name = "" }},
		{"bad ordering", func(c *Config) { c.Gateway.DepthOrdering = "random" }},
		{"read timeout below ping", func(c *Config) { c.Reader.ReadTimeout = time.Second }},
		{"reconnect max below min", func(c *Config) { c.Reader.Reconnect.MaxDelay = time.Millisecond }},
		{"report without interval", func(c *Config) { c.Logging.Level = "report"; c.Logging.ReportInterval = 0 }},
		{"zero queue", func(c *Config) { c.Writer.QueueSize = 0 }},
		{"zero attempts", func(c *Config) { c.Writer.Retry.MaxAttempts = 0 }},
		{"no dead letter", func(c *Config) { c.Writer.DeadLetter.Path = "" }},
		{"no database", func(c *Config) { c.Storage.Postgres.Database = "" }},
		{"bad status address", func(c *Config) { c.Status.Enabled = true; c.Status.Address = "8080" }},
		{"cloudwatch without region", func(c *Config) { c.Metrics.CloudWatch.Enabled = true }},
		{"s3 without bucket", func(c *Config) { c.Storage.S3.Enabled = true; c.Storage.S3.Region = "us-east-1" }},
		{"s3 without upload timeout", func(c *Config) {
			c.Storage.S3.Enabled = true
			c.Storage.S3.Region = "us-east-1"
			c.Storage.S3.Bucket = "bitmex-archive"
			c.Storage.S3.UploadTimeout = 0
		}},
		{"s3 bad bucket", func(c *Config) {
			c.Storage.S3.Enabled = true
			c.Storage.S3.Region = "us-east-1"
			c.Storage.S3.Bucket = "Bad_Bucket"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Bitmexflow = BitmexflowConfig{Name: "a", Version: "b"}
			cfg.Storage.Postgres.Database = "market"
			cfg.Storage.Postgres.User = "feed"
			if err := validateConfig(&cfg); err != nil {
				t.Fatalf("baseline config invalid: %v", err)
			}
			tc.mutate(&cfg)
			if err := validateConfig(&cfg); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestAppEnvironment(t *testing.T) {
	cases := map[string]string{
		"":           EnvironmentDevelopment,
		"PROD":       EnvironmentProduction,
		" stagging ": EnvironmentStaging,
		"qa":         "qa",
	}
	for in, want := range cases {
		t.Setenv(appEnvVar, in)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsProductionLike(EnvironmentStaging) || IsProductionLike(EnvironmentDevelopment) {
		t.Error("IsProductionLike returned unexpected values")
	}
}

const instrumentsYAML = `instruments:
  - exchange: BitMEX
    instmt_name: XBTUSD
    instmt_code: XBTUSD
    link: wss://www.bitmex.com/realtime?subscribe=orderBook10:XBTUSD,trade:XBTUSD
    order_book_fields_mapping:
      timestamp: TIMESTAMP
      bids: BIDS
      asks: ASKS
    trades_fields_mapping:
      timestamp: TIMESTAMP
      trdMatchID: TRADE_ID
      side: TRADE_SIDE
      price: TRADE_PRICE
      size: trade_volume
`

func TestLoadInstruments(t *testing.T) {
	t.Setenv(appEnvVar, "")
	path := writeFile(t, t.TempDir(), "instruments.yml", instrumentsYAML)

	cfg, err := LoadInstruments(path)
	if err != nil {
		t.Fatalf("LoadInstruments failed: %v", err)
	}
	if len(cfg.Instruments) != 1 {
		t.Fatalf("expected 1 instrument, got %d", len(cfg.Instruments))
	}
	inst := cfg.Instruments[0]
	if role, ok := inst.TradesFieldsMap.Lookup("trdMatchID"); !ok || role != models.RoleTradeID {
		t.Errorf("trdMatchID resolved to %v, %v", role, ok)
	}
	if role, ok := inst.TradesFieldsMap.Lookup("size"); !ok || role != models.RoleTradeVolume {
		t.Errorf("size resolved to %v, %v", role, ok)
	}
	if role, ok := inst.OrderBookFieldsMap.Lookup("bids"); !ok || role != models.RoleBids {
		t.Errorf("bids resolved to %v, %v", role, ok)
	}
}

func TestLoadInstrumentsErrors(t *testing.T) {
	t.Setenv(appEnvVar, "")
	dir := t.TempDir()

	unknown := writeFile(t, dir, "unknown.yml", `instruments:
  - exchange: BitMEX
    instmt_name: XBTUSD
    instmt_code: XBTUSD
    link: wss://example
    trades_fields_mapping:
      size: QUANTITY
`)
	if _, err := LoadInstruments(unknown); !errors.Is(err, models.ErrUnknownFieldRole) {
		t.Errorf("expected ErrUnknownFieldRole, got %v", err)
	}

	crossed := writeFile(t, dir, "crossed.yml", `instruments:
  - exchange: BitMEX
    instmt_name: XBTUSD
    instmt_code: XBTUSD
    link: wss://example
    order_book_fields_mapping:
      side: TRADE_SIDE
`)
	if _, err := LoadInstruments(crossed); !errors.Is(err, models.ErrUnrecognizedField) {
		t.Errorf("expected ErrUnrecognizedField, got %v", err)
	}

	empty := writeFile(t, dir, "empty.yml", "instruments: []\n")
	if _, err := LoadInstruments(empty); err == nil {
		t.Error("expected error for empty instruments file")
	}

	dup := writeFile(t, dir, "dup.yml", instrumentsYAML+`  - exchange: BitMEX
    instmt_name: XBTUSD2
    instmt_code: XBTUSD
    link: wss://example
`)
	if _, err := LoadInstruments(dup); err == nil {
		t.Error("expected error for duplicate instrument")
	}
}
