package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// Watcher keeps a registry in sync with a manifest file.
type Watcher struct {
	path     string
	registry *Registry
	builder  *Builder
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the manifest at path.
func NewWatcher(path string, reg *Registry, builder *Builder, tel *telemetry.Telemetry) *Watcher {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		registry: reg,
		builder:  builder,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("registry-watcher").WithField("manifest", path),
		debounce: 500 * time.Millisecond,
	}
}

// WithDebounce sets how long the watcher waits for a burst of writes to settle.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Reload reads the manifest and replaces the provider table. A manifest that
// fails to load or build leaves the current table in place.
func (w *Watcher) Reload() error {
	n, err := w.reload()
	w.tel.Metrics.RecordRegistryReload(err == nil)
	if err != nil {
		return fmt.Errorf("failed to reload providers: %w", err)
	}
	w.logger.WithField("providers", n).Info("provider table reloaded")
	return nil
}

func (w *Watcher) reload() (int, error) {
	m, err := LoadManifest(w.path)
	if err != nil {
		return 0, err
	}
	plugins, err := w.builder.Build(m)
	if err != nil {
		return 0, err
	}
	return len(plugins), w.registry.Replace(plugins...)
}

// Run watches the manifest until ctx is done. The directory is watched rather
// than the file so that editors replacing the file are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch manifest directory: %w", err)
	}
	w.logger.Info("watching provider manifest")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("manifest changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.WithError(err).Error("keeping previous provider table")
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}
