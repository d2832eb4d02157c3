package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wakeword/internal/config"
	"github.com/MrWong99/wakeword/internal/observe"
)

// localStreamID names the listener serve runs over a non-websocket source.
const localStreamID = "local"

func newServeCmd(root *rootOptions) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detection server",
		Long: `Run the HTTP server:

  GET /v1/stream   websocket audio stream (query: codec, sample_rate,
                   channels, stream_id); detections are sent back as JSON
  GET /healthz     liveness probe
  GET /readyz      readiness probe (models loaded, event sink reachable)
  GET /metrics     Prometheus metrics

When audio.source is not websocket, a listener also runs over that source.
The config file is watched; log level, debounce, policy and model changes
apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address; overrides server.listen_addr")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, listenAddr string) error {
	ctx := cmd.Context()
	cfg, err := root.loadConfig(cmd)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	slog.Info("wakeword starting",
		"version", version,
		"config", root.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registry:       promReg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, cmd.InOrStdin())
	a, err := root.newApp(ctx, cfg, reg)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if _, statErr := root.fs.Stat(root.configPath); statErr == nil {
		w, err := config.NewWatcher(root.configPath, func(old, new *config.Config) {
			diff := config.Diff(old, new)
			if !diff.Changed() {
				return
			}
			if diff.LogLevelChanged && root.logLevel == "" {
				lvl, _ := parseLevel(diff.NewLogLevel)
				root.level.Set(lvl)
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			if err := a.ApplyConfig(ctx, new, diff); err != nil {
				slog.Error("config reload rejected", "err", err)
			}
		}, config.WithFS(root.fs))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("server listening (TLS)", "addr", srv.Addr)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("server listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if cfg.Audio.Source != config.SourceWebSocket {
		g.Go(func() error {
			src, err := reg.CreateSource(cfg.Audio)
			if err != nil {
				return fmt.Errorf("open %s source: %w", cfg.Audio.Source, err)
			}
			err = a.Listen(gctx, localStreamID, src, printHooks(cmd.OutOrStdout()))
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("local audio source finished", "source", cfg.Audio.Source)
			return nil
		})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return a.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}
