package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/wakeword/internal/app"
	"github.com/MrWong99/wakeword/internal/config"
	"github.com/MrWong99/wakeword/internal/events"
	"github.com/MrWong99/wakeword/pkg/audio"
)

type detectOptions struct {
	models     []string
	catalogDir string
	sampleRate int
	channels   int
}

func newDetectCmd(root *rootOptions) *cobra.Command {
	opts := &detectOptions{}
	cmd := &cobra.Command{
		Use:   "detect <file>",
		Short: "Scan a WAV or raw PCM file for wake words",
		Long: `Scan a recording and print every detection with its offset.

WAV files may use any sample rate, bit depth and channel count; they are
converted to 16 kHz mono. Other files are read as raw little-endian int16
PCM in the format given by --sample-rate and --channels (default: the
audio section of the config).

Detections are not recorded to the configured event sinks.

Examples:
  wakeword detect recording.wav
  wakeword detect --model okay_nabu --model hey_jarvis recording.wav
  wakeword detect --sample-rate 48000 --channels 2 capture.raw`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd, root, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&opts.models, "model", "m", nil, "model id to run (repeatable); overrides detection.models")
	f.StringVar(&opts.catalogDir, "catalog-dir", "", "model catalog directory; overrides catalog.dir")
	f.IntVar(&opts.sampleRate, "sample-rate", 0, "sample rate of raw PCM input")
	f.IntVar(&opts.channels, "channels", 0, "channel count of raw PCM input")
	return cmd
}

func runDetect(cmd *cobra.Command, root *rootOptions, opts *detectOptions, path string) error {
	ctx := cmd.Context()
	cfg, err := root.loadConfig(cmd)
	if err != nil {
		return err
	}
	opts.apply(cfg)

	reg := config.NewRegistry()
	registerBuiltins(reg, cmd.InOrStdin())
	a, err := root.newApp(ctx, cfg, reg, app.WithSink(events.Discard))
	if err != nil {
		return err
	}
	defer shutdown(a)

	src, err := root.openFile(path, cfg.Audio)
	if err != nil {
		return err
	}
	hits, err := a.Detect(ctx, src)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "no wake word detected")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OFFSET\tMODEL\tWAKE WORD\tSCORE")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.3fs\t%s\t%s\t%.3f\n", h.Offset.Seconds(), h.Model, h.WakeWord, h.Score)
	}
	return tw.Flush()
}

func (o *detectOptions) apply(cfg *config.Config) {
	if len(o.models) > 0 {
		cfg.Detection.Models = o.models
	}
	if o.catalogDir != "" {
		cfg.Catalog.Dir = o.catalogDir
	}
	if o.sampleRate > 0 {
		cfg.Audio.SampleRate = o.sampleRate
	}
	if o.channels > 0 {
		cfg.Audio.Channels = o.channels
	}
}

// openFile opens a WAV file by extension, anything else as raw PCM in the
// format of ac.
func (o *rootOptions) openFile(path string, ac config.AudioConfig) (audio.Source, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		src, err := audio.OpenWAV(o.fs, path)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	f, err := o.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	src, err := audio.NewPCMSource(f, audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return src, nil
}

// newApp creates the application on the command's filesystem.
func (o *rootOptions) newApp(ctx context.Context, cfg *config.Config, reg *config.Registry, extra ...app.Option) (*app.App, error) {
	opts := append([]app.Option{app.WithFS(o.fs)}, extra...)
	return app.New(ctx, cfg, reg, opts...)
}
