package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HELLOGPT_"

// ApplyEnv overrides cfg from HELLOGPT_<FIELD> variables, FIELD being the
// upper-cased file key (HELLOGPT_BASE_URL, HELLOGPT_MAX_RETRIES, ...).
// lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	num := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	dur := func(p *Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p = Duration(d)
			return nil
		}
	}
	flag := func(p *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*p = b
			return nil
		}
	}
	list := func(p *[]string) func(string) error {
		return func(v string) error {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*p = out
			return nil
		}
	}

	setters := []struct {
		key string
		set func(string) error
	}{
		{"BASE_URL", str(&cfg.BaseURL)},
		{"REQUEST_TIMEOUT", dur(&cfg.RequestTimeout)},
		{"CONNECT_TIMEOUT", dur(&cfg.ConnectTimeout)},
		{"RESPONSE_HEADER_TIMEOUT", dur(&cfg.ResponseHeaderTimeout)},
		{"MAX_RETRIES", num(&cfg.MaxRetries)},
		{"INITIAL_DELAY", dur(&cfg.InitialDelay)},
		{"MAX_DELAY", dur(&cfg.MaxDelay)},
		{"MAX_JITTER", dur(&cfg.MaxJitter)},
		{"HEALTH_INTERVAL", dur(&cfg.HealthInterval)},
		{"FALLBACK_THRESHOLD", num(&cfg.FallbackThreshold)},
		{"FALLBACK_TIMEOUT", dur(&cfg.FallbackTimeout)},
		{"LOAD_POLL_INTERVAL", dur(&cfg.LoadPollInterval)},
		{"DEFAULT_MODEL", str(&cfg.DefaultModel)},
		{"FALLBACK_MODELS", list(&cfg.FallbackModels)},
		{"EMBEDDING_MODEL", str(&cfg.EmbeddingModel)},
		{"EMBEDDING_DIMS", num(&cfg.EmbeddingDims)},
		{"FALLBACK_ENABLED", flag(&cfg.FallbackEnabled)},
		{"LISTEN_ADDR", str(&cfg.ListenAddr)},
		{"BRIDGE_TIMEOUT", dur(&cfg.BridgeTimeout)},
		{"LOG_LEVEL", str(&cfg.LogLevel)},
		{"LOG_FORMAT", str(&cfg.LogFormat)},
		{"CORS_ENABLED", flag(&cfg.CORSEnabled)},
		{"CORS_ORIGINS", list(&cfg.CORSOrigins)},
	}
	var errs []error
	for _, s := range setters {
		v, ok := lookup(EnvPrefix + s.key)
		if !ok {
			continue
		}
		if err := s.set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, s.key, err))
		}
	}
	return errors.Join(errs...)
}
