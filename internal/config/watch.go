package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher reloads the configuration when the config file or a pack changes.
// Reload runs only after events stop arriving for the debounce window.
type Watcher struct {
	path     string
	packsDir string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	log      *zap.Logger
	debounce time.Duration
}

// NewWatcher watches the directory holding path and, when present, the
// packs dir of cfg. onChange receives every successfully validated reload.
func NewWatcher(path string, cfg *Config, onChange func(*Config), log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path == "" {
		path = DefaultPath()
	}
	path = expandHome(path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		packsDir: cfg.PacksDir,
		watcher:  fw,
		onChange: onChange,
		log:      log,
		debounce: defaultDebounce,
	}

	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if w.packsDir != "" {
		if _, err := os.Stat(w.packsDir); err == nil {
			if err := fw.Add(w.packsDir); err != nil {
				log.Warn("cannot watch packs dir", zap.String("dir", w.packsDir), zap.Error(err))
			}
		}
	}
	return w, nil
}

// Run blocks until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("config change", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config watcher error", zap.Error(err))

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if filepath.Clean(event.Name) == filepath.Clean(w.path) {
		return true
	}
	return w.packsDir != "" &&
		filepath.Dir(filepath.Clean(event.Name)) == filepath.Clean(w.packsDir) &&
		isYAMLFile(event.Name)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload rejected, keeping previous", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.log.Info("config reloaded", zap.String("path", w.path), zap.Int("patterns", len(cfg.DetectionPatterns)))
	w.onChange(cfg)
}
