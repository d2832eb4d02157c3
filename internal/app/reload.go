package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/wakeword/internal/config"
)

// ApplyConfig takes a reloaded config. Debounce, policy and model changes
// apply to streams started afterwards; running streams keep their
// classifiers. Sections listed in diff.RestartRequired are logged and
// ignored. On a model resolution error the previous config stays active.
func (a *App) ApplyConfig(ctx context.Context, newCfg *config.Config, diff config.ConfigDiff) error {
	for _, section := range diff.RestartRequired {
		slog.Warn("config change requires restart", "section", section)
	}

	a.mu.RLock()
	merged := *a.cfg
	a.mu.RUnlock()

	merged.Server.LogLevel = newCfg.Server.LogLevel
	merged.Detection.Debounce = newCfg.Detection.Debounce
	merged.Detection.Policy = newCfg.Detection.Policy
	merged.Detection.Models = newCfg.Detection.Models
	merged.Catalog.Selected = newCfg.Catalog.Selected

	models := a.Models()
	if diff.ModelsChanged {
		a.cache.Invalidate()
		res, err := a.cache.Load(ctx)
		if err != nil {
			return fmt.Errorf("app: reload catalog: %w", err)
		}
		if models, err = resolveModels(res, &merged); err != nil {
			return fmt.Errorf("app: reload models: %w", err)
		}
		slog.Info("wake-word models reloaded", "added", diff.Added, "removed", diff.Removed)
	}

	a.mu.Lock()
	a.cfg = &merged
	a.models = models
	a.mu.Unlock()

	if diff.DebounceChanged || diff.PolicyChanged {
		slog.Info("detection settings reloaded",
			"debounce", merged.Detection.Debounce,
			"policy_overridden", merged.Detection.Policy != nil,
			"active_streams", a.streams.Count(),
		)
	}
	return nil
}
