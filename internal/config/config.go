package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is assembled from three layers: defaults, an optional YAML file
// (CONFIG_FILE), then environment variables, which win. A .env file is
// loaded first when present.
type Config struct {
	HTTPAddr       string
	StorageBackend string // memory | postgres
	PostgresDSN    string
	KafkaBrokers   []string
	StorageTimeout time.Duration
	MaxRetries     int
	HistoryPage    int
}

// fileConfig is the YAML shape; durations ride as strings so "5s" style
// values parse.
type fileConfig struct {
	HTTPAddr       *string  `yaml:"http_addr"`
	StorageBackend *string  `yaml:"storage_backend"`
	PostgresDSN    *string  `yaml:"postgres_dsn"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	StorageTimeout *string  `yaml:"storage_timeout"`
	MaxRetries     *int     `yaml:"max_retries"`
	HistoryPage    *int     `yaml:"history_page_size"`
}

func applyFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.HTTPAddr != nil {
		cfg.HTTPAddr = *fc.HTTPAddr
	}
	if fc.StorageBackend != nil {
		cfg.StorageBackend = *fc.StorageBackend
	}
	if fc.PostgresDSN != nil {
		cfg.PostgresDSN = *fc.PostgresDSN
	}
	if fc.KafkaBrokers != nil {
		cfg.KafkaBrokers = fc.KafkaBrokers
	}
	if fc.StorageTimeout != nil {
		d, err := time.ParseDuration(*fc.StorageTimeout)
		if err != nil {
			return fmt.Errorf("parse storage_timeout: %w", err)
		}
		cfg.StorageTimeout = d
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.HistoryPage != nil {
		cfg.HistoryPage = *fc.HistoryPage
	}
	return nil
}

func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		StorageBackend: "memory",
		StorageTimeout: 5 * time.Second,
		MaxRetries:     3,
		HistoryPage:    20,
	}
}

// Load builds the effective configuration.
func Load() (Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("STORAGE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse STORAGE_TIMEOUT: %w", err)
		}
		cfg.StorageTimeout = d
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("HISTORY_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse HISTORY_PAGE_SIZE: %w", err)
		}
		cfg.HistoryPage = n
	}

	switch cfg.StorageBackend {
	case "memory":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("postgres backend requires POSTGRES_DSN")
		}
	default:
		return Config{}, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	return cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
