package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Name           string        `yaml:"name"`
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

// DSN returns a postgres:// connection URL understood by pgx.
func (c PostgresConfig) DSN() string {
	return c.URL("postgres")
}

// URL builds a connection URL with the given scheme. Credentials and the
// database name are escaped.
func (c PostgresConfig) URL(scheme string) string {
	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}
	return (&url.URL{
		Scheme:   scheme,
		User:     user,
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}).String()
}

type RedisConfig struct {
	URL            string        `yaml:"url"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type RabbitMQConfig struct {
	URL            string `yaml:"url"`
	OrdersExchange string `yaml:"orders_exchange"`
}

type Config struct {
	App      AppConfig      `yaml:"app"`
	Log      LogConfig      `yaml:"log"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

var ErrMissingRequired = errors.New("missing required config value")

func defaults() Config {
	return Config{
		App: AppConfig{
			Name:           "storefront",
			Port:           "8080",
			RequestTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Postgres: PostgresConfig{
			Port:            "5432",
			SSLMode:         "disable",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Redis: RedisConfig{
			IdempotencyTTL: 24 * time.Hour,
		},
		RabbitMQ: RabbitMQConfig{
			OrdersExchange: "storefront.orders",
		},
	}
}

// NewConfig builds the configuration from CONFIG_PATH (optional YAML file),
// a .env file in the working directory (optional) and the process environment,
// in increasing order of precedence.
func NewConfig() (*Config, error) {
	return Load(os.Getenv("CONFIG_PATH"), ".env")
}

func Load(yamlPath, envPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		file, err := os.Open(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", yamlPath, err)
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.App.Port, "APP_PORT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Postgres.Host, "DB_HOST")
	setString(&cfg.Postgres.Port, "DB_PORT")
	setString(&cfg.Postgres.User, "DB_USER")
	setString(&cfg.Postgres.Password, "DB_PASSWORD")
	setString(&cfg.Postgres.DBName, "DB_NAME")
	setString(&cfg.Postgres.SSLMode, "DB_SSLMODE")
	setString(&cfg.Postgres.MigrationsPath, "MIGRATIONS_PATH")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.RabbitMQ.URL, "RABBITMQ_URL")
	setString(&cfg.RabbitMQ.OrdersExchange, "ORDER_EVENTS_EXCHANGE")

	if v := os.Getenv("LOG_PRETTY"); v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_PRETTY %q: %w", v, err)
		}
		cfg.Log.Pretty = pretty
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", &cfg.App.RequestTimeout},
		{"DB_MAX_CONN_LIFETIME", &cfg.Postgres.MaxConnLifetime},
		{"IDEMPOTENCY_TTL", &cfg.Redis.IdempotencyTTL},
	} {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", d.key, v, err)
			}
			*d.dst = parsed
		}
	}

	for _, n := range []struct {
		key string
		dst *int32
	}{
		{"DB_MAX_CONNS", &cfg.Postgres.MaxConns},
		{"DB_MIN_CONNS", &cfg.Postgres.MinConns},
	} {
		if v := os.Getenv(n.key); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", n.key, v, err)
			}
			*n.dst = int32(parsed)
		}
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	required := map[string]string{
		"DB_HOST": c.Postgres.Host,
		"DB_USER": c.Postgres.User,
		"DB_NAME": c.Postgres.DBName,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("%w: %s", ErrMissingRequired, key)
		}
	}

	if c.Postgres.MinConns > c.Postgres.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.Postgres.MinConns, c.Postgres.MaxConns)
	}

	return nil
}
