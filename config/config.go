/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults()
  2. YAML file passed to Load (missing file is not an error)
  3. .env file in the working directory, if present
  4. Environment variables:
       DATABASE_DRIVER   sqlite | postgres
       DATABASE_URL      PostgreSQL connection URL
       SQLITE_PATH       SQLite file (":memory:" for a throwaway db)
       PORT              HTTP port
       REDIS_ADDRESS     enables Redis row locks when set
       KAFKA_BROKERS     comma separated; enables the outbox publisher when set
       LOG_LEVEL         logrus level name

EXAMPLE (jobsheet.yaml):
  database:
    driver: postgres
    postgres:
      host: db.internal
      database: jobsheet
  redis:
    enabled: true
    address: redis.internal:6379
  messaging:
    enabled: true
    kafka:
      brokers: [kafka-1:9092, kafka-2:9092]
*/
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Web       WebConfig       `yaml:"web"`
	Messaging MessagingConfig `yaml:"messaging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	URL      string         `yaml:"url"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockWait time.Duration `yaml:"lock_wait"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MessagingConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Kafka               KafkaConfig   `yaml:"kafka"`
	EventsTopic         string        `yaml:"events_topic"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "jobsheet.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "jobsheet",
				User:     "jobsheet",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			LockTTL:  30 * time.Second,
			LockWait: 5 * time.Second,
		},
		Web: WebConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Messaging: MessagingConfig{
			Kafka:               KafkaConfig{Brokers: []string{"localhost:9092"}},
			EventsTopic:         "jobsheet.events",
			OutboxDrainInterval: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults, then applies .env and the environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
		if os.Getenv("DATABASE_DRIVER") == "" {
			c.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Database.SQLite.Path = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Web.Port = port
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Messaging.Kafka.Brokers = splitList(v)
		c.Messaging.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port: %d out of range", c.Web.Port))
	}
	if c.Messaging.Enabled && len(c.Messaging.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("messaging.kafka.brokers: required when messaging is enabled"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval: must be positive"))
	}
	return errors.Join(errs...)
}

// IsPostgres reports whether the PostgreSQL driver is selected.
func (d DatabaseConfig) IsPostgres() bool {
	return d.Driver == "postgres" || d.Driver == "pgx"
}

// DSN returns the connection string for the selected driver.
func (d DatabaseConfig) DSN() string {
	if !d.IsPostgres() {
		return d.SQLite.Path
	}
	if d.URL != "" {
		return d.URL
	}
	p := d.Postgres
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: url.Values{"sslmode": []string{p.SSLMode}}.Encode(),
	}
	return u.String()
}

// Addr is the HTTP listen address.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
