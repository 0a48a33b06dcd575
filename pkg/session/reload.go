package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/xdt/pkg/config"
	"github.com/openfroyo/xdt/pkg/typesource"
)

// DefaultReloadDelay is the quiet period after a change before a reload.
const DefaultReloadDelay = 500 * time.Millisecond

// watchedExtensions are the files whose changes trigger a reload.
var watchedExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".cue":  true,
	".star": true,
	".wasm": true,
	".so":   true,
}

// ConfigFunc produces the configuration for each session a Reloader opens.
type ConfigFunc func() (*config.Config, error)

// Reloader keeps a session open and replaces it when the configuration or a
// unit it loaded changes on disk. The replaced session is closed.
type Reloader struct {
	// Delay debounces bursts of file system events. Zero is DefaultReloadDelay.
	Delay time.Duration

	// OnReload, when set, is called after every reload attempt with the new
	// session or the error that kept the previous one in place.
	OnReload func(s *Session, err error)

	load   ConfigFunc
	opts   []Option
	logger zerolog.Logger

	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Session
	watcher *fsnotify.Watcher
	watched map[string]bool
	timer   *time.Timer
	closed  bool
}

// NewReloader creates a reloader that opens sessions from load with opts.
func NewReloader(load ConfigFunc, logger zerolog.Logger, opts ...Option) *Reloader {
	return &Reloader{
		load:    load,
		opts:    opts,
		logger:  logger.With().Str("component", "reloader").Logger(),
		watched: make(map[string]bool),
	}
}

// Start opens the first session and begins watching. It fails when the first
// session cannot be opened. Watching stops when ctx is done or on Close.
func (r *Reloader) Start(ctx context.Context) error {
	s, err := r.open(ctx)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = s.Close(ctx)
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	r.mu.Lock()
	r.current = s
	r.watcher = watcher
	r.mu.Unlock()

	r.watchSession(s)
	go r.processEvents(ctx, watcher)

	r.logger.Info().
		Int("paths", r.watchedCount()).
		Msg("Started watching sources")

	return nil
}

// Current returns the active session.
func (r *Reloader) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload replaces the active session now.
func (r *Reloader) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	s, err := r.open(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Reload failed, keeping previous session")
		r.notify(nil, err)
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = s.Close(ctx)
		return ErrClosed
	}
	previous := r.current
	r.current = s
	r.mu.Unlock()

	if previous != nil {
		if err := previous.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close previous session")
		}
	}
	r.watchSession(s)

	r.logger.Info().Int("sources", len(s.Sources())).Msg("Session reloaded")
	r.notify(s, nil)
	return nil
}

// open loads the configuration and eagerly loads every source so that load
// failures are reported at reload time. Failed sources do not fail the open.
func (r *Reloader) open(ctx context.Context) (*Session, error) {
	cfg, err := r.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	s, err := Open(ctx, cfg, r.opts...)
	if err != nil {
		return nil, err
	}

	if err := s.LoadAll(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Some sources failed to load")
	}
	return s, nil
}

func (r *Reloader) notify(s *Session, err error) {
	if r.OnReload != nil {
		r.OnReload(s, err)
	}
}

// watchSession adds the directories s depends on to the watcher.
func (r *Reloader) watchSession(s *Session) {
	var dirs []string
	if s.cfg.Path != "" {
		dirs = append(dirs, filepath.Dir(s.cfg.Path))
	}
	dirs = append(dirs, s.cfg.SearchPaths...)
	for _, info := range s.Sources() {
		if info.Kind == typesource.SourcePath {
			dirs = append(dirs, filepath.Dir(info.Location))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return
	}

	for _, dir := range dirs {
		dir = filepath.Clean(dir)
		if r.watched[dir] {
			continue
		}
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			r.logger.Debug().Str("path", dir).Msg("Skipping missing directory")
			continue
		}
		if err := r.watcher.Add(dir); err != nil {
			r.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
			continue
		}
		r.watched[dir] = true
	}
}

func (r *Reloader) watchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watched)
}

// processEvents processes file system events and triggers reloads.
func (r *Reloader) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	delay := r.Delay
	if delay == 0 {
		delay = DefaultReloadDelay
	}

	for {
		select {
		case <-ctx.Done():
			r.stopTimer()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !watchedExtensions[filepath.Ext(event.Name)] {
				continue
			}

			r.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Source file changed")

			r.mu.Lock()
			if r.timer != nil {
				r.timer.Stop()
			}
			if !r.closed {
				r.timer = time.AfterFunc(delay, func() {
					_ = r.Reload(ctx)
				})
			}
			r.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (r *Reloader) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// Close stops watching and closes the active session.
func (r *Reloader) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	watcher := r.watcher
	current := r.current
	r.current = nil
	r.mu.Unlock()

	// Wait for a reload that already started.
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	var errs []error
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close watcher: %w", err))
		}
	}
	if current != nil {
		if err := current.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
