package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Cart    CartConfig    `yaml:"cart"`
	Log     LogConfig     `yaml:"log"`

	// Catalog is provisioned at startup. Existing products are left untouched.
	Catalog []ProductSeed `yaml:"catalog"`
}

type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Isolation       string        `yaml:"isolation"`
	Migrate         bool          `yaml:"migrate"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	PoolSize int           `yaml:"pool_size"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	BreakerFailures    uint32        `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

type CartConfig struct {
	ConflictRetries int `yaml:"conflict_retries"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type ProductSeed struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Price string `yaml:"price"`
	Stock int    `yaml:"stock"`
}

func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		ShutdownTimeout: 5 * time.Second,
		Storage: StorageConfig{
			Driver:          DriverMySQL,
			DSN:             "root:root@tcp(localhost:3306)/cartinventory?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			Isolation:       "read-committed",
			Migrate:         true,
		},
		Redis: RedisConfig{
			Enabled:            true,
			Addr:               "localhost:6379",
			PoolSize:           100,
			CacheTTL:           15 * time.Minute,
			BreakerFailures:    5,
			BreakerOpenTimeout: 10 * time.Second,
		},
		Cart: CartConfig{ConflictRetries: 2},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := decode(f, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getEnv("GRPC_ADDR", cfg.GRPCAddr)
	cfg.Storage.Driver = getEnv("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = getEnv("MYSQL_DSN", cfg.Storage.DSN)
	cfg.Storage.Isolation = getEnv("MYSQL_ISOLATION", cfg.Storage.Isolation)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REDIS_ENABLED: %w", err)
		}
		cfg.Redis.Enabled = enabled
	}
	if v := os.Getenv("CONFLICT_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONFLICT_RETRIES: %w", err)
		}
		cfg.Cart.ConflictRetries = n
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMySQL:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the mysql driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Cart.ConflictRetries < 0 {
		return fmt.Errorf("cart.conflict_retries must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	seen := make(map[string]bool, len(c.Catalog))
	for _, p := range c.Catalog {
		if p.ID == "" || p.Stock < 0 {
			return fmt.Errorf("catalog entry %q: id is required and stock must not be negative", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("catalog entry %q is listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger(w io.Writer, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if strings.EqualFold(c.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("service", service).Logger()
}
