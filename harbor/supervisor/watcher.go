package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ManifestWatcher emits an event when the manifest file changes on disk.
// It watches the parent directory rather than the file itself so editor
// save-via-rename is caught, and coalesces event bursts.
type ManifestWatcher struct {
	fw       *fsnotify.Watcher
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	events   chan struct{}
}

// NewManifestWatcher starts watching path's directory. Call Run to receive
// events and Close when done.
func NewManifestWatcher(path string, logger zerolog.Logger) (*ManifestWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &ManifestWatcher{
		fw:       fw,
		path:     abs,
		debounce: 200 * time.Millisecond,
		logger:   logger.With().Str("component", "manifest-watcher").Logger(),
		events:   make(chan struct{}, 1),
	}, nil
}

// Events signals at most one pending change; callers re-read the manifest
// on receive.
func (m *ManifestWatcher) Events() <-chan struct{} { return m.events }

// Run pumps filesystem events until ctx is done.
func (m *ManifestWatcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case ev, ok := <-m.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != m.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				fire = timer.C
			} else {
				timer.Reset(m.debounce)
			}
		case <-fire:
			m.logger.Debug().Str("path", m.path).Msg("manifest changed")
			select {
			case m.events <- struct{}{}:
			default:
			}
		case err, ok := <-m.fw.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Msg("watcher error")
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Close releases the underlying watcher.
func (m *ManifestWatcher) Close() error { return m.fw.Close() }
