package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/MrWong99/wakeword/pkg/classifier"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the inference backends shipped with wakeword.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = []string{"logistic"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFS] with the OS filesystem.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS reads and validates the configuration file at path on fs.
func LoadFS(fs afero.Fs, path string) (*Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults. Events are logged
// unless a Postgres sink is configured.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = DefaultCatalogDir
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourceWebSocket
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSamples == 0 {
		cfg.Audio.ChunkSamples = 160
	}
	if cfg.Detection.Backend.Name == "" {
		cfg.Detection.Backend.Name = DefaultBackend
	}
	if cfg.Detection.Debounce == 0 {
		cfg.Detection.Debounce = DefaultDebounce
	}
	if cfg.Events.PostgresDSN == "" && cfg.Events.File == "" {
		cfg.Events.Log = true
	}
	if cfg.Events.Breaker.MaxFailures == 0 {
		cfg.Events.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Events.Breaker.ResetTimeout == 0 {
		cfg.Events.Breaker.ResetTimeout = DefaultResetTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.Source != "" && !a.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: wav, pcm, websocket, portaudio", a.Source))
	}
	if a.Source == SourceWAV && a.Path == "" {
		errs = append(errs, errors.New("audio.path is required when source is wav"))
	}
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", a.SampleRate))
	}
	if a.Channels < 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must not be negative", a.Channels))
	}
	if a.ChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_samples %d must not be negative", a.ChunkSamples))
	}

	// Detection
	d := cfg.Detection
	validateBackendName(d.Backend.Name)
	if d.Policy != nil {
		if err := d.Policy.Apply(classifier.DefaultPolicy()).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("detection.policy: %w", err))
		}
	}
	seen := make(map[string]int, len(d.Models))
	for i, id := range d.Models {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("detection.models[%d] is empty", i))
			continue
		}
		if prev, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("detection.models[%d] %q is a duplicate of detection.models[%d]", i, id, prev))
		}
		seen[id] = i
	}

	// Events
	if cfg.Events.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("events.breaker.max_failures %d must not be negative", cfg.Events.Breaker.MaxFailures))
	}
	if cfg.Events.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("events.breaker.reset_timeout %s must not be negative", cfg.Events.Breaker.ResetTimeout))
	}
	if !cfg.Events.Log && cfg.Events.PostgresDSN == "" && cfg.Events.File == "" {
		slog.Warn("no event sink configured; detections will not be recorded")
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not one of
// [ValidBackendNames].
func validateBackendName(name string) {
	if name == "" || slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown inference backend; may be a typo or a third-party backend",
		"name", name,
		"known", ValidBackendNames,
	)
}

// ModelIDs returns the models the listener should run: Detection.Models, or
// just the selected model when that list is empty.
func (c *Config) ModelIDs() []string {
	if len(c.Detection.Models) > 0 {
		return slices.Clone(c.Detection.Models)
	}
	if c.Catalog.Selected != "" {
		return []string{c.Catalog.Selected}
	}
	return nil
}
