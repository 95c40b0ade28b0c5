package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/clarapipe/dicom-adapter/aepolicy"
)

// Watcher reloads path into registry whenever fsnotify reports it changed.
// Editors typically replace a file rather than write in place, which
// fsnotify surfaces as Remove followed by Create; Run re-adds the
// watch on Remove so the reload keeps working after a save.
type Watcher struct {
	path     string
	registry *aepolicy.Registry
	logger   *slog.Logger
}

// NewWatcher builds a Watcher that keeps registry in sync with path.
func NewWatcher(path string, registry *aepolicy.Registry, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, registry: registry, logger: logger}
}

// Run loads path once, then blocks reloading registry on every subsequent
// change until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				_ = fw.Add(w.path)
			}
			if err := w.reload(); err != nil {
				w.logger.ErrorContext(ctx, "config: reload failed, keeping previous configuration", "path", w.path, "error", err)
				continue
			}
			w.logger.InfoContext(ctx, "config: reloaded AE tables", "path", w.path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.registry.Reload(cfg.CallingTable(), cfg.CalledTable())
	return nil
}
