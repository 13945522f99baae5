package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// DefaultDebounceDelay coalesces the burst of events an editor save produces.
const DefaultDebounceDelay = 100 * time.Millisecond

// Callback receives every accepted configuration after the initial one.
type Callback func(*Config)

// ErrorCallback receives load, validation and watch failures.
type ErrorCallback func(error)

// Watcher reloads the configuration file when it changes on disk. Only
// configurations that parse and validate reach the callback; a rejected
// edit leaves the previous configuration in force.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange Callback
	onError  ErrorCallback
	logger   observability.Logger
	debounce time.Duration
	types    []string

	current atomic.Pointer[Config]

	// digest identifies the file content behind current.
	mu     sync.Mutex
	digest [sha256.Size]byte

	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the file must stay quiet before a reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = delay
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the callback for rejected reloads.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// WithInterceptorTypes sets the interceptor types reloaded configurations
// are validated against.
func WithInterceptorTypes(types ...string) WatcherOption {
	return func(w *Watcher) {
		w.types = types
	}
}

// NewWatcher creates a watcher for the file at path. Nothing is read until
// Start.
func NewWatcher(path string, callback Callback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:     absPath,
		fs:       fsw,
		onChange: callback,
		logger:   observability.NopLogger(),
		debounce: DefaultDebounceDelay,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the file once and then follows its changes until ctx ends or
// Stop is called. The initial configuration is available from LastConfig
// and is not passed to the callback.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}

	cfg, digest, err := w.read()
	if err != nil {
		w.running.Store(false)
		return err
	}
	w.accept(cfg, digest)

	// Editors replace files by rename, so the parent directory is watched.
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		w.running.Store(false)
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	go w.loop(ctx)
	return nil
}

// Stop ends the watch loop and releases the file watcher. It is safe to
// call on a watcher that never started.
func (w *Watcher) Stop() error {
	if w.running.CompareAndSwap(true, false) {
		close(w.stop)
		<-w.done
	}
	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}

// LastConfig returns the configuration currently in force.
func (w *Watcher) LastConfig() *Config {
	return w.current.Load()
}

// ForceReload reads the file now and passes the result to the callback
// even when the content did not change.
func (w *Watcher) ForceReload() error {
	cfg, digest, err := w.read()
	if err != nil {
		return err
	}
	w.accept(cfg, digest)
	if w.onChange != nil {
		w.onChange(cfg)
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("configuration watcher stopped", observability.String("reason", "context done"))
			return
		case <-w.stop:
			w.logger.Info("configuration watcher stopped")
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(w.debounce)
			}
		case <-timer.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.fail("configuration watch failed", err)
		}
	}
}

// relevant reports whether event may have changed the watched file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	w.logger.Debug("configuration file changed",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)
	return true
}

// reload applies the file if it validates and differs from the content in
// force.
func (w *Watcher) reload() {
	cfg, digest, err := w.read()
	if err != nil {
		w.fail("configuration rejected, keeping the previous one", err)
		return
	}

	w.mu.Lock()
	unchanged := digest == w.digest
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug("configuration content unchanged", observability.String("path", w.path))
		return
	}

	w.accept(cfg, digest)
	w.logger.Info("configuration reloaded", observability.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// read loads and validates the file, returning the digest of its raw bytes.
func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("failed to read config file %s: %w", w.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	if err := Validate(cfg, w.types...); err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}

func (w *Watcher) accept(cfg *Config, digest [sha256.Size]byte) {
	w.mu.Lock()
	w.digest = digest
	w.mu.Unlock()
	w.current.Store(cfg)
}

func (w *Watcher) fail(msg string, err error) {
	w.logger.Error(msg, observability.String("path", w.path), observability.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}
