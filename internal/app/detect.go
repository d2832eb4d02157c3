package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/wakeword/pkg/audio"
	"github.com/MrWong99/wakeword/pkg/catalog"
	"github.com/MrWong99/wakeword/pkg/classifier"
)

// Hit is one detection in a recording.
type Hit struct {
	Model    string
	WakeWord string

	// Offset is the position in the recording of the chunk that completed
	// the detection.
	Offset time.Duration
	Score  float64
}

// Detect reads src to the end and runs every model over the recording.
// Hits are ordered by model, then offset. No debounce is applied beyond
// each model's policy. src is closed.
func (a *App) Detect(ctx context.Context, src audio.Source) ([]Hit, error) {
	samples, err := readAll(ctx, src)
	if err != nil {
		return nil, err
	}

	cfg := a.Config()
	opts := a.classifierOptions(cfg)
	chunk := cfg.Audio.ChunkSamples
	if chunk <= 0 {
		chunk = audio.ChunkSamples
	}

	var hits []Hit
	for _, desc := range a.Models() {
		err := classifier.With(ctx, desc, a.backend, func(c *classifier.Classifier) error {
			found, err := scan(c, desc, samples, chunk)
			hits = append(hits, found...)
			return err
		}, opts(desc)...)
		if err != nil {
			return hits, fmt.Errorf("app: detect %q: %w", desc.ID, err)
		}
	}
	return hits, nil
}

func scan(c *classifier.Classifier, desc catalog.Descriptor, samples []int16, chunk int) ([]Hit, error) {
	var hits []Hit
	for pos := 0; pos < len(samples); pos += chunk {
		end := min(pos+chunk, len(samples))
		detected, err := c.ProcessAudio(samples[pos:end])
		if err != nil {
			return hits, err
		}
		if detected {
			hits = append(hits, Hit{
				Model:    desc.ID,
				WakeWord: desc.WakeWord,
				Offset:   audio.Duration(end),
				Score:    c.LastScore(),
			})
		}
	}
	return hits, nil
}

func readAll(ctx context.Context, src audio.Source) ([]int16, error) {
	defer src.Close()
	var out []int16
	buf := make([]int16, 4096)
	for {
		n, err := src.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("app: read audio: %w", err)
		}
	}
}
