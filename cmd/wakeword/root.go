package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/MrWong99/wakeword/internal/config"
)

// rootOptions holds the persistent flags and state shared by all commands.
type rootOptions struct {
	configPath string
	logLevel   string

	// level backs the process logger so the config watcher can change it.
	level *slog.LevelVar

	// fs is used for config, catalog and model files.
	fs afero.Fs
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{level: new(slog.LevelVar), fs: afero.NewOsFs()}

	cmd := &cobra.Command{
		Use:   "wakeword",
		Short: "Streaming wake-word detection",
		Long: `wakeword runs microWakeWord-style detectors over 16 kHz audio.

Models are described by manifests in the catalog directory (catalog.dir).
Every command reads config.yaml when present and falls back to defaults
otherwise.

Examples:
  # Scan a recording with every configured model
  wakeword detect recording.wav

  # Listen on the microphone (build with -tags portaudio)
  wakeword listen --source portaudio

  # Accept websocket streams on :9090/v1/stream
  wakeword serve --config config.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.logLevel != "" {
				lvl, err := parseLevel(config.LogLevel(opts.logLevel))
				if err != nil {
					return err
				}
				opts.level.Set(lvl)
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), opts.level))
			return nil
		},
	}
	cmd.SetIn(os.Stdin)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides server.log_level")

	cmd.AddCommand(
		newServeCmd(opts),
		newListenCmd(opts),
		newDetectCmd(opts),
		newCatalogCmd(opts),
		newModelCmd(opts),
	)
	return cmd
}

// loadConfig reads the config file. A missing file is only an error when
// --config was given explicitly; otherwise the defaults are used.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFS(o.fs, o.configPath)
	switch {
	case err == nil:
		slog.Debug("config loaded", "path", o.configPath)
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		slog.Debug("no config file, using defaults", "path", o.configPath)
		if cfg, err = config.LoadFromReader(strings.NewReader("")); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config file %q not found", o.configPath)
	default:
		return nil, err
	}

	if o.logLevel == "" {
		lvl, _ := parseLevel(cfg.Server.LogLevel)
		o.level.Set(lvl)
	}
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(level config.LogLevel) (slog.Level, error) {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug, nil
	case config.LogInfo, "":
		return slog.LevelInfo, nil
	case config.LogWarn:
		return slog.LevelWarn, nil
	case config.LogError:
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q; valid values: debug, info, warn, error", level)
}
