// Package watcher notifies when a single file changes on disk.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// FileWatcher calls OnChange after the watched file is written, created or
// replaced. The parent directory is watched so rename-over saves are seen.
type FileWatcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	path     string
	debounce time.Duration
}

// New starts watching path. The file does not need to exist yet, but its
// directory does.
func New(path string, debounce time.Duration, onChange func()) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &FileWatcher{
		fsw:      fsw,
		onChange: onChange,
		path:     abs,
		debounce: debounce,
	}, nil
}

// Run delivers change notifications until ctx is done, then releases the
// underlying watcher.
func (w *FileWatcher) Run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("File watcher error")
		case <-fire:
			fire = nil
			log.Debug().Str("path", w.path).Msg("Watched file changed")
			w.onChange()
		}
	}
}

func (w *FileWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
