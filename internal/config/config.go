package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BusNATS  = "nats"
	BusRedis = "redis"
)

type Config struct {
	DBDriver         string        `yaml:"db_driver" validate:"oneof=pgx sqlite3"`
	DatabaseURL      string        `yaml:"database_url" validate:"required"`
	DBConnectTimeout time.Duration `yaml:"db_connect_timeout"`

	Bus            string        `yaml:"bus" validate:"oneof=nats redis"`
	NATSURL        string        `yaml:"nats_url"`
	NATSStreamName string        `yaml:"nats_stream_name"`
	NATSSubject    string        `yaml:"nats_subject"`
	NATSDurable    string        `yaml:"nats_durable"`
	NATSMaxDeliver int           `yaml:"nats_max_deliver" validate:"gte=-1"`
	NATSAckWait    time.Duration `yaml:"nats_ack_wait"`

	RedisAddress        string        `yaml:"redis_address"`
	RedisPassword       string        `yaml:"redis_password"`
	RedisDatabase       int           `yaml:"redis_database" validate:"gte=0"`
	RedisQueue          string        `yaml:"redis_queue"`
	RedisReturnRejected time.Duration `yaml:"redis_return_rejected"`
	RedisMaxDeliver     int           `yaml:"redis_max_deliver" validate:"gte=0"`

	Workers     int    `yaml:"workers" validate:"gt=0"`
	MetricsAddr string `yaml:"metrics_addr"`

	StagingDir       string `yaml:"staging_dir"`
	PlaceholderRoute int64  `yaml:"placeholder_route"`
	DefaultDirection string `yaml:"default_direction" validate:"oneof=Out Back Unknown"`

	LogJSON bool `yaml:"log_json"`
	Debug   bool `yaml:"debug"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DBDriver = getenvDefault("DB_DRIVER", "pgx")

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && cfg.DBDriver == "pgx" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	if dsn == "" {
		dsn = "./transit.db"
	}
	cfg.DatabaseURL = dsn

	var err error
	if cfg.DBConnectTimeout, err = seconds("DB_CONNECT_TIMEOUT_SEC", 60); err != nil {
		return nil, err
	}

	cfg.Bus = strings.ToLower(getenvDefault("BUS", BusNATS))
	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSStreamName = getenvDefault("NATS_STREAM_NAME", "TRANSIT")
	cfg.NATSSubject = getenvDefault("NATS_SUBJECT", "transit.events")
	cfg.NATSDurable = getenvDefault("NATS_DURABLE", "transit-ingest")
	if v := os.Getenv("NATS_MAX_DELIVER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n == 0 || n < -1 {
			return nil, fmt.Errorf("invalid NATS_MAX_DELIVER: %q", v)
		}
		cfg.NATSMaxDeliver = n
	} else {
		cfg.NATSMaxDeliver = 10
	}
	if cfg.NATSAckWait, err = seconds("NATS_ACK_WAIT_SEC", 30); err != nil {
		return nil, err
	}

	cfg.RedisAddress = getenvDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DATABASE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DATABASE: %q", v)
		}
		cfg.RedisDatabase = n
	}
	cfg.RedisQueue = getenvDefault("REDIS_QUEUE", "transit-events")
	if cfg.RedisReturnRejected, err = seconds("REDIS_RETURN_REJECTED_SEC", 30); err != nil {
		return nil, err
	}
	// 0 disables the cap; nacked payloads then return to the queue indefinitely.
	if v := os.Getenv("REDIS_MAX_DELIVER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_MAX_DELIVER: %q", v)
		}
		cfg.RedisMaxDeliver = n
	} else {
		cfg.RedisMaxDeliver = 10
	}

	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid WORKERS: %q", v)
		}
		cfg.Workers = n
	} else {
		cfg.Workers = 8
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.StagingDir = getenvDefault("STAGING_DIR", "./data")
	if v := os.Getenv("PLACEHOLDER_ROUTE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid PLACEHOLDER_ROUTE: %q", v)
		}
		cfg.PlaceholderRoute = n
	} else {
		cfg.PlaceholderRoute = -1
	}
	cfg.DefaultDirection = getenvDefault("DEFAULT_DIRECTION", "Out")

	cfg.LogJSON = strings.EqualFold(os.Getenv("LOG_FORMAT"), "json")
	cfg.Debug = truthy(os.Getenv("DEBUG"))

	// Optional YAML file overrides the environment.
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func seconds(key string, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
