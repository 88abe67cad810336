package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for tsm-ingest
type Config struct {
	Log      LogConfig
	MQTT     MQTTConfig
	Storage  StorageConfig
	ConfigDB ConfigDBConfig
	DBAPI    DBAPIConfig
	Journal  JournalConfig
	Mapping  MappingConfig
	Server   ServerConfig
	Shutdown ShutdownConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// MQTTConfig describes the broker connection the dispatch loop subscribes with.
type MQTTConfig struct {
	Broker              string
	Username            string
	Password            string
	ClientID            string
	QoS                 int
	CleanSession        bool
	Topic               string        // topic the dispatch loop consumes
	TopicDataParsed     string        // topic notified after observations were stored
	TopicNotification   string        // object storage notification topic (reparse target)
	KeepAlive           time.Duration // MQTT keep-alive
	ConnectTimeout      time.Duration
	HealthcheckInterval time.Duration // how often a ping is published to ourselves
	HealthcheckTimeout  time.Duration // silence after which the subscriber is reported stuck
	TLSEnabled          bool
	TLSCACert           string
	TLSInsecure         bool
}

type StorageConfig struct {
	Backend     string // s3 or local
	LocalPath   string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool
	MaxFileSize int64 // Largest raw file accepted for parsing, in bytes
}

type ConfigDBConfig struct {
	DSN      string
	MaxConns int
}

type DBAPIConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	// Circuit breaker guarding the upsert endpoint
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

type JournalConfig struct {
	Enabled bool
	Errors  string // raise, warn or ignore
}

type MappingConfig struct {
	Dir string
}

type ServerConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type ShutdownConfig struct {
	Timeout time.Duration
}

// Load loads configuration from environment and config file
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tsm-ingest")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tsm-ingest/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	maxFileSize, err := ParseSize(v.GetString("storage.max_file_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid storage.max_file_size: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		MQTT: MQTTConfig{
			Broker:              v.GetString("mqtt.broker"),
			Username:            v.GetString("mqtt.username"),
			Password:            v.GetString("mqtt.password"),
			ClientID:            v.GetString("mqtt.client_id"),
			QoS:                 v.GetInt("mqtt.qos"),
			CleanSession:        v.GetBool("mqtt.clean_session"),
			Topic:               v.GetString("mqtt.topic"),
			TopicDataParsed:     v.GetString("mqtt.topic_data_parsed"),
			TopicNotification:   v.GetString("mqtt.topic_notification"),
			KeepAlive:           v.GetDuration("mqtt.keepalive"),
			ConnectTimeout:      v.GetDuration("mqtt.connect_timeout"),
			HealthcheckInterval: v.GetDuration("mqtt.healthcheck_interval"),
			HealthcheckTimeout:  v.GetDuration("mqtt.healthcheck_timeout"),
			TLSEnabled:          v.GetBool("mqtt.tls_enabled"),
			TLSCACert:           v.GetString("mqtt.tls_ca_cert"),
			TLSInsecure:         v.GetBool("mqtt.tls_insecure"),
		},
		Storage: StorageConfig{
			Backend:     v.GetString("storage.backend"),
			LocalPath:   v.GetString("storage.local_path"),
			S3Region:    v.GetString("storage.s3_region"),
			S3Endpoint:  v.GetString("storage.s3_endpoint"),
			S3AccessKey: v.GetString("storage.s3_access_key"),
			S3SecretKey: v.GetString("storage.s3_secret_key"),
			S3UseSSL:    v.GetBool("storage.s3_use_ssl"),
			S3PathStyle: v.GetBool("storage.s3_path_style"),
			MaxFileSize: maxFileSize,
		},
		ConfigDB: ConfigDBConfig{
			DSN:      v.GetString("configdb.dsn"),
			MaxConns: v.GetInt("configdb.max_conns"),
		},
		DBAPI: DBAPIConfig{
			BaseURL:            strings.TrimRight(v.GetString("dbapi.base_url"), "/"),
			AuthToken:          v.GetString("dbapi.auth_token"),
			Timeout:            v.GetDuration("dbapi.timeout"),
			BreakerMaxFailures: v.GetInt("dbapi.breaker_max_failures"),
			BreakerTimeout:     v.GetDuration("dbapi.breaker_timeout"),
		},
		Journal: JournalConfig{
			Enabled: v.GetBool("journal.enabled"),
			Errors:  strings.ToLower(v.GetString("journal.errors")),
		},
		Mapping: MappingConfig{
			Dir: v.GetString("mapping.dir"),
		},
		Server: ServerConfig{
			Enabled: v.GetBool("server.enabled"),
			Host:    v.GetString("server.host"),
			Port:    v.GetInt("server.port"),
		},
		Shutdown: ShutdownConfig{
			Timeout: v.GetDuration("shutdown.timeout"),
		},
	}

	if cfg.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		cfg.MQTT.ClientID = "tsm-ingest-" + host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topic", "object_storage_notification")
	v.SetDefault("mqtt.topic_data_parsed", "data_parsed")
	v.SetDefault("mqtt.topic_notification", "object_storage_notification")
	v.SetDefault("mqtt.keepalive", "60s")
	v.SetDefault("mqtt.connect_timeout", "30s")
	v.SetDefault("mqtt.healthcheck_interval", "60s")
	v.SetDefault("mqtt.healthcheck_timeout", "600s")
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.tls_ca_cert", "")
	v.SetDefault("mqtt.tls_insecure", false)

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.local_path", "./data/raw")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_access_key", "")
	v.SetDefault("storage.s3_secret_key", "")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", true)
	v.SetDefault("storage.max_file_size", "256MB")

	v.SetDefault("configdb.dsn", "")
	v.SetDefault("configdb.max_conns", 4)

	v.SetDefault("dbapi.base_url", "http://localhost:8001")
	v.SetDefault("dbapi.auth_token", "")
	v.SetDefault("dbapi.timeout", "60s")
	v.SetDefault("dbapi.breaker_max_failures", 5)
	v.SetDefault("dbapi.breaker_timeout", "30s")

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.errors", "warn")

	v.SetDefault("mapping.dir", "/tmp/datastream_mapping")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	v.SetDefault("shutdown.timeout", "30s")
}

// Validate checks cross-field constraints that defaults cannot express.
func (cfg *Config) Validate() error {
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.HealthcheckInterval <= 0 {
		return fmt.Errorf("mqtt.healthcheck_interval must be positive")
	}
	if cfg.MQTT.HealthcheckTimeout < cfg.MQTT.HealthcheckInterval {
		return fmt.Errorf("mqtt.healthcheck_timeout (%s) must not be shorter than mqtt.healthcheck_interval (%s)",
			cfg.MQTT.HealthcheckTimeout, cfg.MQTT.HealthcheckInterval)
	}

	switch cfg.Storage.Backend {
	case "s3", "local":
	default:
		return fmt.Errorf("unsupported storage.backend %q (use s3 or local)", cfg.Storage.Backend)
	}
	if cfg.Storage.MaxFileSize <= 0 {
		return fmt.Errorf("storage.max_file_size must be positive")
	}

	if _, err := url.ParseRequestURI(cfg.DBAPI.BaseURL); err != nil {
		return fmt.Errorf("invalid dbapi.base_url: %w", err)
	}

	switch cfg.Journal.Errors {
	case "raise", "warn", "ignore":
	default:
		return fmt.Errorf("journal.errors must be one of raise, warn, ignore, got %q", cfg.Journal.Errors)
	}

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		return fmt.Errorf("invalid server.port %d", cfg.Server.Port)
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
