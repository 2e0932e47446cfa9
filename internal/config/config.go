package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment variables that override config.toml.
const (
	EnvAPIURL      = "NEXUS_API_URL"
	EnvWSURL       = "NEXUS_WS_URL"
	EnvMetricsAddr = "NEXUS_METRICS_ADDR"
)

// Config represents the global ~/.nexus/config.toml.
type Config struct {
	DefaultSession string        `toml:"default_session"`
	Server         ServerConfig  `toml:"server"`
	Chat           ChatConfig    `toml:"chat"`
	Metrics        MetricsConfig `toml:"metrics"`
}

// ServerConfig locates the NexusChat backend.
type ServerConfig struct {
	APIURL string `toml:"api_url" validate:"required,url"`
	// WSURL defaults to APIURL with a ws scheme and the /socket path.
	WSURL string `toml:"ws_url,omitempty" validate:"omitempty,url"`
}

// ChatConfig tunes the reconciliation core.
type ChatConfig struct {
	HistoryPageSize   int      `toml:"history_page_size" validate:"min=1,max=500"`
	AckTimeout        Duration `toml:"ack_timeout"`
	SynthesizeUnknown bool     `toml:"synthesize_unknown"`
}

// MetricsConfig controls the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// Duration is a time.Duration written as "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{APIURL: "http://localhost:8080"},
		Chat: ChatConfig{
			HistoryPageSize:   50,
			AckTimeout:        Duration{10 * time.Second},
			SynthesizeUnknown: true,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve builds the effective configuration: defaults, then path if it
// exists, then envPath (a .env file, optional), then the process
// environment. The result is validated.
func Resolve(path, envPath string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	env := map[string]string{}
	if envPath != "" {
		vals, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
		for k, v := range vals {
			env[k] = v
		}
	}
	for _, k := range []string{EnvAPIURL, EnvWSURL, EnvMetricsAddr} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	if v, ok := env[EnvAPIURL]; ok {
		cfg.Server.APIURL = v
	}
	if v, ok := env[EnvWSURL]; ok {
		cfg.Server.WSURL = v
	}
	if v, ok := env[EnvMetricsAddr]; ok {
		cfg.Metrics.Addr = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and returns readable messages.
func (c *Config) Validate() error {
	var msgs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			msgs = append(msgs, formatFieldError(fe))
		}
	}
	if c.Chat.AckTimeout.Duration <= 0 {
		msgs = append(msgs, "chat.ack_timeout must be positive")
	}
	if len(msgs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be an absolute URL", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// WebSocketURL returns the real-time endpoint.
func (c *Config) WebSocketURL() (string, error) {
	if c.Server.WSURL != "" {
		return c.Server.WSURL, nil
	}
	u, err := url.Parse(c.Server.APIURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/socket"
	u.RawQuery = ""
	return u.String(), nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
