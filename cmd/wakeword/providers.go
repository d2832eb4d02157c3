package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/wakeword/internal/config"
	"github.com/MrWong99/wakeword/pkg/audio"
	"github.com/MrWong99/wakeword/pkg/inference"
	"github.com/MrWong99/wakeword/pkg/inference/logistic"
)

// registerBuiltins wires the backends and audio sources that ship with
// wakeword into reg. stdin feeds the pcm source when audio.path is "-" or
// empty.
func registerBuiltins(reg *config.Registry, stdin io.Reader) {
	// ── Backends ──────────────────────────────────────────────────────────────

	reg.RegisterBackend("logistic", func(config.ProviderEntry) (inference.Backend, error) {
		return logistic.Backend{}, nil
	})

	// ── Sources ───────────────────────────────────────────────────────────────

	reg.RegisterSource(config.SourceWAV, func(c config.AudioConfig) (audio.Source, error) {
		src, err := audio.OpenWAV(nil, c.Path)
		if err != nil {
			return nil, err
		}
		slog.Debug("wav source opened", "path", c.Path, "rate", src.Format.SampleRate, "channels", src.Format.Channels, "bits", src.BitDepth)
		return src, nil
	})

	reg.RegisterSource(config.SourcePCM, func(c config.AudioConfig) (audio.Source, error) {
		f := audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
		var r io.ReadCloser = io.NopCloser(stdin)
		if c.Path != "" && c.Path != "-" {
			file, err := os.Open(c.Path)
			if err != nil {
				return nil, fmt.Errorf("open pcm: %w", err)
			}
			r = file
		}
		src, err := audio.NewPCMSource(r, f)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		return src, nil
	})

	reg.RegisterSource(config.SourcePortAudio, func(c config.AudioConfig) (audio.Source, error) {
		mic, err := audio.OpenMicrophone(c.ChunkSamples)
		if err != nil {
			return nil, err
		}
		return mic, nil
	})

	for _, name := range reg.Backends() {
		slog.Debug("registered backend", "name", name)
	}
}
