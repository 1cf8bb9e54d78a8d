// Package config loads the service configuration once at startup: an
// optional .env file, an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database           DatabaseConfig    `yaml:"database"`
	HTTP               HTTPConfig        `yaml:"http"`
	Ledger             LedgerConfig      `yaml:"ledger"`
	Snapshot           SnapshotConfig    `yaml:"snapshot"`
	Local              LocalConfig       `yaml:"local"`
	ObjectStore        ObjectStoreConfig `yaml:"object_store"`
	SMTP               SMTPConfig        `yaml:"smtp"`
	Mirror             MirrorConfig      `yaml:"mirror"`
	Scheduler          SchedulerConfig   `yaml:"scheduler"`
	Incident           IncidentConfig    `yaml:"incident"`
	Kafka              KafkaConfig       `yaml:"kafka"`
	RateLimitPerMinute int               `yaml:"rate_limit_per_minute"`
	LogLevel           string            `yaml:"log_level"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LedgerConfig struct {
	// EnabledDefault seeds the toggle when none has been stored.
	EnabledDefault bool `yaml:"enabled_default"`
}

type SnapshotConfig struct {
	PrimaryChannel  string        `yaml:"primary_channel"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	PDFEnabled      bool          `yaml:"pdf_enabled"`
	ChromiumPath    string        `yaml:"chromium_path"`
	ChromiumTimeout time.Duration `yaml:"chromium_timeout"`
}

type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type ObjectStoreConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Endpoint   string        `yaml:"endpoint"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	Bucket     string        `yaml:"bucket"`
	Prefix     string        `yaml:"prefix"`
	UseSSL     bool          `yaml:"use_ssl"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	UseTLS   bool          `yaml:"use_tls"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
}

type MirrorConfig struct {
	LocalEnabled  bool   `yaml:"local_enabled"`
	LocalPath     string `yaml:"local_path"`
	ObjectEnabled bool   `yaml:"object_enabled"`
	ObjectKey     string `yaml:"object_key"`
}

type SchedulerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
}

type IncidentConfig struct {
	WindowDays int `yaml:"window_days"`
	Threshold  int `yaml:"threshold"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "file:assetledger.db?_busy_timeout=5000"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Snapshot: SnapshotConfig{
			PrimaryChannel:  "local",
			DeliveryTimeout: 2 * time.Minute,
			ChromiumTimeout: 30 * time.Second,
		},
		Local: LocalConfig{Enabled: true, Dir: "data/snapshots"},
		ObjectStore: ObjectStoreConfig{
			Bucket:     "audit-archives",
			Prefix:     "audit-snapshots",
			UseSSL:     true,
			Timeout:    time.Minute,
			MaxRetries: 3,
		},
		SMTP:      SMTPConfig{Port: 587, UseTLS: true, Timeout: 30 * time.Second},
		Mirror:    MirrorConfig{LocalEnabled: true, LocalPath: "data/audit_snapshot_mirror.csv", ObjectKey: "audit-snapshots/mirror.csv"},
		Scheduler: SchedulerConfig{PollInterval: time.Minute, MaxConcurrentJobs: 2},
		Incident:  IncidentConfig{WindowDays: 180, Threshold: 3},
		Kafka:     KafkaConfig{Topic: "asset-domain-events", GroupID: "assetledger"},

		RateLimitPerMinute: 10,
		LogLevel:           "info",
	}
}

// Options locates the optional files. Empty paths are skipped.
type Options struct {
	EnvFile  string
	YAMLFile string
}

// Load returns every problem found rather than stopping at the first one.
func Load(opts Options) (Config, error) {
	cfg := Default()
	var errs []error

	if opts.EnvFile != "" {
		// Variables already present in the process environment win.
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("load %s: %w", opts.EnvFile, err))
		}
	}
	if opts.YAMLFile != "" {
		data, err := os.ReadFile(opts.YAMLFile)
		if err != nil {
			errs = append(errs, fmt.Errorf("read config file: %w", err))
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("parse config file %s: %w", opts.YAMLFile, err))
		}
	}

	env := &envReader{}
	env.str("DATABASE_DRIVER", &cfg.Database.Driver)
	env.str("DATABASE_DSN", &cfg.Database.DSN)
	env.str("HTTP_ADDR", &cfg.HTTP.Addr)
	env.boolean("LEDGER_ENABLED_DEFAULT", &cfg.Ledger.EnabledDefault)

	env.str("SNAPSHOT_PRIMARY_CHANNEL", &cfg.Snapshot.PrimaryChannel)
	env.duration("SNAPSHOT_DELIVERY_TIMEOUT", &cfg.Snapshot.DeliveryTimeout)
	env.boolean("SNAPSHOT_PDF_ENABLED", &cfg.Snapshot.PDFEnabled)
	env.str("CHROMIUM_PATH", &cfg.Snapshot.ChromiumPath)
	env.duration("CHROMIUM_TIMEOUT", &cfg.Snapshot.ChromiumTimeout)

	env.boolean("LOCAL_DELIVERY_ENABLED", &cfg.Local.Enabled)
	env.str("LOCAL_DELIVERY_DIR", &cfg.Local.Dir)

	env.boolean("OBJECT_STORE_ENABLED", &cfg.ObjectStore.Enabled)
	env.str("S3_ENDPOINT", &cfg.ObjectStore.Endpoint)
	env.str("S3_ACCESS_KEY", &cfg.ObjectStore.AccessKey)
	env.str("S3_SECRET_KEY", &cfg.ObjectStore.SecretKey)
	env.str("AUDIT_S3_BUCKET", &cfg.ObjectStore.Bucket)
	env.str("S3_PREFIX", &cfg.ObjectStore.Prefix)
	env.boolean("S3_USE_SSL", &cfg.ObjectStore.UseSSL)
	env.duration("S3_TIMEOUT", &cfg.ObjectStore.Timeout)
	env.integer("S3_MAX_RETRIES", &cfg.ObjectStore.MaxRetries)

	env.str("SMTP_HOST", &cfg.SMTP.Host)
	env.integer("SMTP_PORT", &cfg.SMTP.Port)
	env.str("SMTP_USERNAME", &cfg.SMTP.Username)
	env.str("SMTP_PASSWORD", &cfg.SMTP.Password)
	env.boolean("SMTP_USE_TLS", &cfg.SMTP.UseTLS)
	env.str("SMTP_FROM", &cfg.SMTP.From)
	env.duration("SMTP_TIMEOUT", &cfg.SMTP.Timeout)

	env.boolean("MIRROR_LOCAL_ENABLED", &cfg.Mirror.LocalEnabled)
	env.str("MIRROR_LOCAL_PATH", &cfg.Mirror.LocalPath)
	env.boolean("MIRROR_OBJECT_ENABLED", &cfg.Mirror.ObjectEnabled)
	env.str("MIRROR_OBJECT_KEY", &cfg.Mirror.ObjectKey)

	env.duration("SCHEDULER_POLL_INTERVAL", &cfg.Scheduler.PollInterval)
	env.integer("MAX_CONCURRENT_JOBS", &cfg.Scheduler.MaxConcurrentJobs)

	env.integer("INCIDENT_WINDOW_DAYS", &cfg.Incident.WindowDays)
	env.integer("INCIDENT_THRESHOLD", &cfg.Incident.Threshold)

	env.boolean("KAFKA_ENABLED", &cfg.Kafka.Enabled)
	env.list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	env.str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	env.str("KAFKA_GROUP_ID", &cfg.Kafka.GroupID)

	env.integer("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	env.str("LOG_LEVEL", &cfg.LogLevel)

	errs = append(errs, env.errs...)
	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}
	switch c.Snapshot.PrimaryChannel {
	case "local":
		if !c.Local.Enabled {
			errs = append(errs, errors.New("snapshot.primary_channel: local delivery is disabled"))
		}
	case "object_store":
		if !c.ObjectStore.Enabled {
			errs = append(errs, errors.New("snapshot.primary_channel: object store is disabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot.primary_channel: unknown channel %q", c.Snapshot.PrimaryChannel))
	}
	if c.ObjectStore.Enabled || c.Mirror.ObjectEnabled {
		if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("object_store: endpoint and bucket are required"))
		}
	}
	if c.Mirror.ObjectEnabled && c.Mirror.ObjectKey == "" {
		errs = append(errs, errors.New("mirror.object_key: required"))
	}
	if c.Mirror.LocalEnabled && c.Mirror.LocalPath == "" {
		errs = append(errs, errors.New("mirror.local_path: required"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval: must be positive"))
	}
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent_jobs: must be positive"))
	}
	if c.Incident.WindowDays <= 0 || c.Incident.Threshold <= 0 {
		errs = append(errs, errors.New("incident: window_days and threshold must be positive"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka: brokers and topic are required when enabled"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (c Config) IncidentWindow() time.Duration {
	return time.Duration(c.Incident.WindowDays) * 24 * time.Hour
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// envReader applies set variables over the current values and collects
// parse errors instead of silently keeping defaults.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = i
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
