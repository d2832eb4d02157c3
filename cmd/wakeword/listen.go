package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MrWong99/wakeword/internal/app"
	"github.com/MrWong99/wakeword/internal/config"
	"github.com/MrWong99/wakeword/internal/events"
	"github.com/MrWong99/wakeword/pkg/catalog"
)

type listenOptions struct {
	source string
	path   string
	models []string
}

func newListenCmd(root *rootOptions) *cobra.Command {
	opts := &listenOptions{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Listen on the configured audio source and print detections",
		Long: `Run every configured model over a live audio source until it ends or
the process is interrupted. Detections are printed and recorded to the
configured event sinks.

Examples:
  # Microphone (build with -tags portaudio)
  wakeword listen --source portaudio

  # Raw PCM from another program
  arecord -q -f S16_LE -r 16000 -c 1 | wakeword listen --source pcm`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runListen(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.source, "source", "", "audio source (wav, pcm, portaudio); overrides audio.source")
	f.StringVar(&opts.path, "path", "", "input file for wav and pcm sources; overrides audio.path")
	f.StringArrayVarP(&opts.models, "model", "m", nil, "model id to run (repeatable); overrides detection.models")
	return cmd
}

func runListen(cmd *cobra.Command, root *rootOptions, opts *listenOptions) error {
	ctx := cmd.Context()
	cfg, err := root.loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.source != "" {
		cfg.Audio.Source = config.SourceKind(opts.source)
	}
	if opts.path != "" {
		cfg.Audio.Path = opts.path
	}
	if len(opts.models) > 0 {
		cfg.Detection.Models = opts.models
	}
	if cfg.Audio.Source == config.SourceWebSocket {
		return errors.New("the websocket source is served by 'wakeword serve'; pass --source to listen locally")
	}

	reg := config.NewRegistry()
	registerBuiltins(reg, cmd.InOrStdin())
	a, err := root.newApp(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer shutdown(a)

	src, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	err = a.Listen(ctx, uuid.NewString(), src, printHooks(out))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printHooks reports a stream's models and detections on out.
func printHooks(out io.Writer) app.Hooks {
	return app.Hooks{
		OnReady: func(models []catalog.Descriptor) {
			words := make([]string, len(models))
			for i, d := range models {
				words[i] = fmt.Sprintf("%q (%s)", d.WakeWord, d.ID)
			}
			fmt.Fprintf(out, "listening for %s\n", strings.Join(words, ", "))
		},
		OnDetected: func(d events.Detection) {
			fmt.Fprintf(out, "%s  %s  %q  %.3f\n", d.At.Local().Format(time.TimeOnly), d.Model, d.WakeWord, d.Probability)
		},
	}
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}
