// Package config loads the client and bridge settings from a file, applies
// HELLOGPT_* environment overrides and validates them.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/zackledotcom/hellogpt/internal/logging"
)

// Duration is a time.Duration written as a Go duration string ("1s", "2m30s")
// in every supported file format.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the client and its HTTP bridge.
type Config struct {
	BaseURL               string   `json:"base_url" yaml:"base_url" toml:"base_url"`
	RequestTimeout        Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	ConnectTimeout        Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	ResponseHeaderTimeout Duration `json:"response_header_timeout" yaml:"response_header_timeout" toml:"response_header_timeout"`

	MaxRetries   int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	MaxJitter    Duration `json:"max_jitter" yaml:"max_jitter" toml:"max_jitter"`

	HealthInterval    Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	FallbackThreshold int      `json:"fallback_threshold" yaml:"fallback_threshold" toml:"fallback_threshold"`
	FallbackTimeout   Duration `json:"fallback_timeout" yaml:"fallback_timeout" toml:"fallback_timeout"`
	LoadPollInterval  Duration `json:"load_poll_interval" yaml:"load_poll_interval" toml:"load_poll_interval"`

	DefaultModel    string   `json:"default_model" yaml:"default_model" toml:"default_model"`
	FallbackModels  []string `json:"fallback_models" yaml:"fallback_models" toml:"fallback_models"`
	EmbeddingModel  string   `json:"embedding_model" yaml:"embedding_model" toml:"embedding_model"`
	EmbeddingDims   int      `json:"embedding_dims" yaml:"embedding_dims" toml:"embedding_dims"`
	FallbackEnabled bool     `json:"fallback_enabled" yaml:"fallback_enabled" toml:"fallback_enabled"`

	ListenAddr  string   `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat   string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	// BridgeTimeout bounds a whole unary bridge request, retries included.
	// Zero leaves it bounded only by the caller's disconnect.
	BridgeTimeout Duration `json:"bridge_timeout" yaml:"bridge_timeout" toml:"bridge_timeout"`
}

// Defaults returns the configuration used for unset fields.
func Defaults() Config {
	return Config{
		BaseURL:               "http://localhost:11434/api",
		RequestTimeout:        Duration(30 * time.Second),
		ConnectTimeout:        Duration(5 * time.Second),
		ResponseHeaderTimeout: Duration(30 * time.Second),
		MaxRetries:            3,
		InitialDelay:          Duration(time.Second),
		MaxDelay:              Duration(30 * time.Second),
		MaxJitter:             Duration(time.Second),
		HealthInterval:        Duration(10 * time.Second),
		FallbackThreshold:     3,
		FallbackTimeout:       Duration(60 * time.Second),
		LoadPollInterval:      Duration(2 * time.Second),
		DefaultModel:          "llama3",
		EmbeddingDims:         384,
		FallbackEnabled:       true,
		ListenAddr:            "127.0.0.1:8088",
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q: must be an absolute http(s) URL", c.BaseURL))
	}
	for name, d := range map[string]Duration{
		"request_timeout":    c.RequestTimeout,
		"connect_timeout":    c.ConnectTimeout,
		"initial_delay":      c.InitialDelay,
		"max_delay":          c.MaxDelay,
		"health_interval":    c.HealthInterval,
		"fallback_timeout":   c.FallbackTimeout,
		"load_poll_interval": c.LoadPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	if c.ResponseHeaderTimeout < 0 {
		errs = append(errs, errors.New("response_header_timeout: must not be negative"))
	}
	if c.BridgeTimeout < 0 {
		errs = append(errs, errors.New("bridge_timeout: must not be negative"))
	}
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, errors.New("max_delay: must not be below initial_delay"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries: must not be negative"))
	}
	if c.FallbackThreshold < 1 {
		errs = append(errs, errors.New("fallback_threshold: must be at least 1"))
	}
	if c.EmbeddingDims < 1 {
		errs = append(errs, errors.New("embedding_dims: must be at least 1"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr: required"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log_format %q: must be json or console", c.LogFormat))
	}
	return errors.Join(errs...)
}
