package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce lets an editor finish a burst of writes before reacting.
const DefaultDebounce = 500 * time.Millisecond

// AnchorWatcher calls a handler whenever the anchor file settles after a
// change. The directory is watched rather than the file so that saves that
// replace the file by rename are seen too.
type AnchorWatcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	handler  func(path string)
	log      *slog.Logger
}

// NewAnchorWatcher starts watching the directory of path. Call Run to
// deliver events.
func NewAnchorWatcher(path string, debounce time.Duration, handler func(path string)) (*AnchorWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &AnchorWatcher{
		path:     abs,
		debounce: debounce,
		watcher:  w,
		handler:  handler,
		log:      slog.Default(),
	}, nil
}

// Run blocks until ctx is done, then releases the watcher.
func (aw *AnchorWatcher) Run(ctx context.Context) error {
	defer aw.watcher.Close()
	aw.log.Info("watching anchor file", "path", aw.path, "debounce", aw.debounce)

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
			return nil

		case event, ok := <-aw.watcher.Events:
			if !ok {
				return nil
			}
			if !aw.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(aw.debounce)
			} else {
				timer.Reset(aw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			aw.log.Debug("anchor file changed", "path", aw.path)
			aw.handler(aw.path)

		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return nil
			}
			aw.log.Error("anchor watcher error", "error", err)
		}
	}
}

func (aw *AnchorWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != aw.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create) != 0
}
