package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes get their own flag; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DebounceChanged bool
	PolicyChanged   bool

	// ModelsChanged is true when the set of models to run changed, either
	// through detection.models or catalog.selected.
	ModelsChanged bool
	Added         []string
	Removed       []string

	// RestartRequired names the changed sections that only take effect on
	// restart (e.g. "server.listen_addr").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DebounceChanged || d.PolicyChanged || d.ModelsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Detection.Debounce != new.Detection.Debounce {
		d.DebounceChanged = true
	}
	if !old.Detection.Policy.Equal(new.Detection.Policy) {
		d.PolicyChanged = true
	}

	// Models, keyed by id.
	oldIDs, newIDs := old.ModelIDs(), new.ModelIDs()
	for _, id := range newIDs {
		if !slices.Contains(oldIDs, id) {
			d.Added = append(d.Added, id)
		}
	}
	for _, id := range oldIDs {
		if !slices.Contains(newIDs, id) {
			d.Removed = append(d.Removed, id)
		}
	}
	d.ModelsChanged = len(d.Added) > 0 || len(d.Removed) > 0 || old.Catalog.Selected != new.Catalog.Selected

	// Restart-only sections.
	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalPtr(old.Server.TLS, new.Server.TLS))
	restart("catalog.dir", old.Catalog.Dir != new.Catalog.Dir)
	restart("audio", !equalAudio(old.Audio, new.Audio))
	restart("detection.backend", old.Detection.Backend.Name != new.Detection.Backend.Name)
	restart("events", old.Events != new.Events)

	return d
}

func equalAudio(a, b AudioConfig) bool {
	return a.Source == b.Source &&
		a.Path == b.Path &&
		a.SampleRate == b.SampleRate &&
		a.Channels == b.Channels &&
		a.ChunkSamples == b.ChunkSamples
}
