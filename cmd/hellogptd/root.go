package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zackledotcom/hellogpt/internal/client"
	"github.com/zackledotcom/hellogpt/internal/common/fsutil"
	"github.com/zackledotcom/hellogpt/internal/config"
	"github.com/zackledotcom/hellogpt/internal/events"
	"github.com/zackledotcom/hellogpt/internal/httpapi"
	"github.com/zackledotcom/hellogpt/internal/logging"
	"github.com/zackledotcom/hellogpt/internal/retry"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

const (
	appName = "hellogpt"
	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 5 * time.Second
)

type rootOptions struct {
	configPath string
	logLevel   string
	baseURL    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "hellogptd",
		Short:         "Resilient local bridge to an Ollama-compatible inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (.yaml, .yml, .json, .toml); defaults to the first config.* in the user config dir. HELLOGPT_* env vars override it")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (overrides config)")
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "Inference server API base URL (overrides config)")

	root.AddCommand(
		newServeCmd(opts),
		newCheckCmd(opts),
		newModelsCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// resolve loads the effective configuration: defaults, file, environment,
// then command line flags.
// Without --config the user config directory is searched.
func (o *rootOptions) resolve() (config.Config, error) {
	if o.configPath == "" {
		o.configPath = fsutil.FindConfig(appName)
	} else {
		p, err := fsutil.ExpandHome(o.configPath)
		if err != nil {
			return config.Defaults(), err
		}
		o.configPath = p
	}
	cfg, err := config.Resolve(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	return cfg, cfg.Validate()
}

// logger builds the process logger. Records are filtered by the zerolog
// global level so the level can change at runtime.
func logger(cfg config.Config, w io.Writer) (zerolog.Logger, error) {
	log, err := logging.New("debug", cfg.LogFormat, w)
	if err != nil {
		return log, err
	}
	return log, applyLevel(cfg.LogLevel)
}

func applyLevel(level string) error {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func clientConfig(cfg config.Config, log zerolog.Logger) client.Config {
	return client.Config{
		BaseURL:               cfg.BaseURL,
		RequestTimeout:        cfg.RequestTimeout.D(),
		ConnectTimeout:        cfg.ConnectTimeout.D(),
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout.D(),
		MaxRetries:            cfg.MaxRetries,
		Retry: retry.Policy{
			InitialDelay: cfg.InitialDelay.D(),
			MaxDelay:     cfg.MaxDelay.D(),
			MaxJitter:    cfg.MaxJitter.D(),
		},
		HealthInterval:    cfg.HealthInterval.D(),
		FallbackThreshold: cfg.FallbackThreshold,
		FallbackTimeout:   cfg.FallbackTimeout.D(),
		LoadPollInterval:  cfg.LoadPollInterval.D(),
		DefaultModel:      cfg.DefaultModel,
		FallbackModels:    cfg.FallbackModels,
		EmbeddingModel:    cfg.EmbeddingModel,
		EmbeddingDims:     cfg.EmbeddingDims,
		FallbackReplies:   cfg.FallbackEnabled,
		Logger:            log,
		Publisher:         events.Logger{Log: log},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			log, err := logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, cfg, log)
		},
	}
}

// configureBridge applies the bridge settings. Unary requests are bounded by
// bridge_timeout, never by request_timeout: the latter bounds one backend
// call and the queue may retry several.
func configureBridge(ctx context.Context, cfg config.Config, log zerolog.Logger) {
	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMessageTimeout(cfg.BridgeTimeout.D())
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, nil, nil)
}

func serve(ctx context.Context, opts *rootOptions, cfg config.Config, log zerolog.Logger) error {
	cli, err := client.New(clientConfig(cfg, log))
	if err != nil {
		return err
	}
	defer cli.Close()

	configureBridge(ctx, cfg, log)

	cli.Start(ctx)

	if opts.configPath != "" {
		go func() {
			err := config.Watch(ctx, opts.configPath, func(next config.Config) {
				// Only the log level is applied live; everything else needs a restart.
				level := next.LogLevel
				if opts.logLevel != "" {
					level = opts.logLevel
				}
				if err := applyLevel(level); err != nil {
					log.Warn().Err(err).Msg("config reload: log level")
					return
				}
				log.Info().Str("log_level", level).Msg("config reloaded")
			}, func(err error) {
				log.Warn().Err(err).Msg("config reload failed")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewMux(cli),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("backend", cfg.BaseURL).Msg("hellogptd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the inference server once and print the connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			cli, err := client.New(clientConfig(cfg, zerolog.Nop()))
			if err != nil {
				return err
			}
			defer cli.Close()
			st := cli.CheckConnection(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return err
			}
			if st.Status != types.Connected {
				return fmt.Errorf("%s unreachable: %s", cfg.BaseURL, st.LastError)
			}
			return nil
		},
	}
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed on the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			cli, err := client.New(clientConfig(cfg, zerolog.Nop()))
			if err != nil {
				return err
			}
			defer cli.Close()
			models, err := cli.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range models {
				fmt.Fprintf(out, "%s\t%d\n", m.Name, m.Size)
			}
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
