package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes a configuration file change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called after a configuration file changes and passes
// validation. Handlers run on their own goroutines and must not block.
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a raw configuration map before it is applied.
type Validator func(raw map[string]interface{}) error

// Watcher hot-reloads YAML files in the config directory. Components
// register handlers per file (models.yaml carries pricing and provider
// rate tables) and get notified on every change.
type Watcher struct {
	dir      string
	configs  map[string]map[string]interface{}
	handlers map[string][]ChangeHandler

	validators map[string]Validator

	watcher *fsnotify.Watcher
	started bool
	stopCh  chan struct{}
	logger  *zap.Logger
	mu      sync.RWMutex
	eventMu sync.Mutex

	// Polling fallback for filesystems where fsnotify is unreliable.
	pollInterval  time.Duration
	enablePolling bool
}

// NewWatcher creates a watcher over dir. The directory is created when
// missing so a fresh deployment can start before any file is written.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &Watcher{
		dir:          dir,
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]Validator),
		watcher:      fsw,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
	}, nil
}

// Start loads every config file in the directory and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	// Initial load happens outside w.mu; loadFile takes the lock itself.
	if err := w.loadAll(); err != nil {
		return fmt.Errorf("load initial configs: %w", err)
	}

	w.mu.Lock()
	w.started = true
	loaded := len(w.configs)
	polling := w.enablePolling
	w.mu.Unlock()

	go w.watchLoop()
	if polling {
		go w.pollLoop()
	}

	w.logger.Info("Config watcher started",
		zap.String("dir", w.dir),
		zap.Int("files", loaded),
		zap.Bool("polling", polling),
	)
	return nil
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	close(w.stopCh)
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Error closing file watcher", zap.Error(err))
	}
	w.started = false
	w.logger.Info("Config watcher stopped")
	return nil
}

// OnChange registers a handler for a specific file name.
func (w *Watcher) OnChange(filename string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], handler)
}

// SetValidator registers a validator for a specific file name. Files that
// fail validation keep their previous contents.
func (w *Watcher) SetValidator(filename string, v Validator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validators[filename] = v
}

// Get returns a copy of the last loaded contents of filename.
func (w *Watcher) Get(filename string) (map[string]interface{}, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cfg, ok := w.configs[filename]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// Reload re-reads a single file and notifies its handlers.
func (w *Watcher) Reload(filename string) error {
	return w.loadFile(filepath.Join(w.dir, filename), "manual_reload")
}

// EnablePolling turns on the polling fallback with the given interval.
// Must be called before Start.
func (w *Watcher) EnablePolling(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enablePolling = true
	w.pollInterval = interval
}

func (w *Watcher) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	lastMod := make(map[string]time.Time)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce(lastMod)
		}
	}
}

func (w *Watcher) pollOnce(lastMod map[string]time.Time) {
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAMLFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if info.ModTime().After(lastMod[name]) {
			lastMod[name] = info.ModTime()
			return w.loadFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		w.logger.Error("Config polling check failed", zap.Error(err))
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.eventMu.Lock()
	defer w.eventMu.Unlock()

	if !isYAMLFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		return
	default:
		action = event.Op.String()
	}

	if action == "delete" || action == "rename" {
		w.handleRemoval(filename)
		return
	}

	// Editors often issue several rapid writes; settle briefly first.
	time.Sleep(50 * time.Millisecond)
	if err := w.loadFile(event.Name, action); err != nil {
		w.logger.Error("Failed to reload config file",
			zap.String("file", filename),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (w *Watcher) loadAll() error {
	return filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAMLFile(path) {
			return nil
		}
		return w.loadFile(path, "initial_load")
	})
}

func (w *Watcher) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	filename := filepath.Base(path)
	cfg := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	w.mu.RLock()
	validator := w.validators[filename]
	w.mu.RUnlock()
	if validator != nil {
		if err := validator(cfg); err != nil {
			return fmt.Errorf("validate %s: %w", filename, err)
		}
	}

	w.mu.Lock()
	w.configs[filename] = cfg
	w.mu.Unlock()

	w.notify(filename, action, cfg)

	w.logger.Info("Configuration loaded",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("keys", len(cfg)),
	)
	return nil
}

func (w *Watcher) handleRemoval(filename string) {
	w.mu.Lock()
	last := w.configs[filename]
	delete(w.configs, filename)
	w.mu.Unlock()

	// Handlers receive the last known contents so they can decide whether
	// to keep running on stale settings or reset to defaults.
	w.notify(filename, "delete", last)
	w.logger.Info("Configuration file removed", zap.String("file", filename))
}

// notify dispatches the change to registered handlers without holding any
// lock, so a handler may call back into the watcher.
func (w *Watcher) notify(filename, action string, cfg map[string]interface{}) {
	w.mu.RLock()
	handlers := make([]ChangeHandler, len(w.handlers[filename]))
	copy(handlers, w.handlers[filename])
	w.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var cfgCopy map[string]interface{}
	if cfg != nil {
		cfgCopy = make(map[string]interface{}, len(cfg))
		for k, v := range cfg {
			cfgCopy[k] = v
		}
	}
	event := ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    cfgCopy,
		Timestamp: time.Now(),
	}

	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				w.logger.Error("Config change handler error",
					zap.String("file", filename),
					zap.String("action", action),
					zap.Error(err),
				)
			}
		}()
	}
}

func isYAMLFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}
