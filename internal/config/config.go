// Package config loads gateway configuration from environment variables
// with an optional YAML overlay, and watches the overlay file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither environment nor file provides a value.
const (
	DefaultPort         = 8080
	DefaultCacheTTL     = 30 * time.Second
	DefaultTokenTTL     = time.Hour
	DefaultProbeTimeout = 5 * time.Second
	DefaultLoginRPS     = 1.0
	DefaultLoginBurst   = 5
)

// Config holds the full gateway configuration. Registry credentials come
// from the environment only; the YAML overlay carries runtime tunables.
type Config struct {
	Port           int
	RegistryURL    string
	APIKey         string
	EncryptionKey  string
	CacheTTL       time.Duration
	TokenTTL       time.Duration
	ProbeTimeout   time.Duration
	AllowedOrigins []string
	LoginRPS       float64
	LoginBurst     int
	LogLevel       string
	LogFormat      string
}

// fileConfig is the YAML overlay shape. Every field is optional; zero
// values leave the corresponding Config field untouched.
type fileConfig struct {
	Port           int      `yaml:"port"`
	CacheTTL       Duration `yaml:"cacheTTL"`
	TokenTTL       Duration `yaml:"tokenTTL"`
	ProbeTimeout   Duration `yaml:"probeTimeout"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	LoginRPS       float64  `yaml:"loginRPS"`
	LoginBurst     int      `yaml:"loginBurst"`
	LogLevel       string   `yaml:"logLevel"`
	LogFormat      string   `yaml:"logFormat"`
}

// FromEnv builds a configuration from environment variables and defaults.
func FromEnv() *Config {
	cfg := &Config{
		Port:           envInt("PORT", DefaultPort),
		RegistryURL:    strings.TrimSuffix(os.Getenv("BACKENDS_REGISTRY_URL"), "/"),
		APIKey:         os.Getenv("API_KEY"),
		EncryptionKey:  os.Getenv("ENCRYPTION_KEY"),
		CacheTTL:       envDurationMS("CACHE_TTL_MS", DefaultCacheTTL),
		TokenTTL:       envDurationMS("TOKEN_TTL_MS", DefaultTokenTTL),
		ProbeTimeout:   envDurationMS("PROBE_TIMEOUT_MS", DefaultProbeTimeout),
		AllowedOrigins: splitOrigins(os.Getenv("ALLOWED_ORIGINS")),
		LoginRPS:       envFloat("LOGIN_RATE_LIMIT_RPS", DefaultLoginRPS),
		LoginBurst:     envInt("LOGIN_RATE_LIMIT_BURST", DefaultLoginBurst),
		LogLevel:       envString("LOG_LEVEL", "info"),
		LogFormat:      envString("LOG_FORMAT", "json"),
	}
	return cfg
}

// ApplyFile overlays values from a YAML file onto the configuration.
// Missing file fields keep their current values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if file.Port != 0 {
		c.Port = file.Port
	}
	if file.CacheTTL != 0 {
		c.CacheTTL = file.CacheTTL.Duration()
	}
	if file.TokenTTL != 0 {
		c.TokenTTL = file.TokenTTL.Duration()
	}
	if file.ProbeTimeout != 0 {
		c.ProbeTimeout = file.ProbeTimeout.Duration()
	}
	if len(file.AllowedOrigins) > 0 {
		c.AllowedOrigins = file.AllowedOrigins
	}
	if file.LoginRPS != 0 {
		c.LoginRPS = file.LoginRPS
	}
	if file.LoginBurst != 0 {
		c.LoginBurst = file.LoginBurst
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		c.LogFormat = file.LogFormat
	}

	return nil
}

// Validate checks that the configuration is usable. Registry URL and API
// key are required; a short encryption key is reported but not fatal since
// token decryption degrades to passthrough.
func (c *Config) Validate() error {
	var errs []error

	if c.RegistryURL == "" {
		errs = append(errs, errors.New("BACKENDS_REGISTRY_URL is required"))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}

	return errors.Join(errs...)
}

// WeakEncryptionKey reports whether the encryption key is missing or
// shorter than 32 characters.
func (c *Config) WeakEncryptionKey() bool {
	return len(c.EncryptionKey) < 32
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDurationMS reads a millisecond count. Values come from deployments
// that express every TTL in milliseconds.
func envDurationMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
