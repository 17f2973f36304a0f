package configuration

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrWatcherAlreadyRunning = errors.New("settings watcher is already running")
)

// Watcher reloads a YAML settings file whenever it changes and pushes the result into a Settings instance.
//
// Keys that are missing from the file keep their current value.
type Watcher struct {
	log logger.Logger

	path     string
	settings *Settings

	watcher *fsnotify.Watcher
	done    chan struct{}
	mu      sync.Mutex
}

func NewWatcher(path string, settings *Settings) *Watcher {
	watcher := &Watcher{
		path:     filepath.Clean(path),
		settings: settings,
	}
	config.InitLogger(&watcher.log, watcher)
	return watcher
}

// Load reads the settings file once and applies it.
func (w *Watcher) Load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read settings file \"%s\"", w.path)
	}

	raw := make(map[string]interface{})
	if err = yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrapf(err, "failed to parse settings file \"%s\"", w.path)
	}

	values := w.settings.Get()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &values,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return err
	}

	if err = decoder.Decode(raw); err != nil {
		return errors.Wrapf(err, "invalid settings in \"%s\"", w.path)
	}

	if failed := w.settings.Update(values); failed > 0 {
		w.log.Warn("%d settings consumer(s) failed to apply the settings loaded from \"%s\"", failed, w.path)
	}

	return nil
}

// Start loads the file and begins watching its directory. Editors commonly replace files by renaming, so the
// directory is watched rather than the file itself.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return ErrWatcherAlreadyRunning
	}

	if err := w.Load(); err != nil {
		return err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}

	if err = fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		return errors.Wrapf(err, "failed to watch \"%s\"", filepath.Dir(w.path))
	}

	w.watcher = fsWatcher
	w.done = make(chan struct{})
	go w.loop(fsWatcher, w.done)

	w.log.Info("Watching settings file \"%s\"", w.path)
	return nil
}

func (w *Watcher) loop(fsWatcher *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if err := w.Load(); err != nil {
				w.log.Error("Failed to reload settings: %v", err)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Settings file watcher error: %v", err)
		}
	}
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}

	close(w.done)
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
