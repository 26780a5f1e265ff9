package delta

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// InboxWatcher signals when new delta files land in the inbox directory.
// It only signals; processing stays on the cycle loop so the delta
// processor never runs concurrently with the reconciler.
type InboxWatcher struct {
	dir    string
	logger *slog.Logger
	events chan struct{}
}

// NewInboxWatcher watches dir for dropped delta files.
func NewInboxWatcher(dir string, logger *slog.Logger) *InboxWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InboxWatcher{
		dir:    dir,
		logger: logger,
		events: make(chan struct{}, 1),
	}
}

// Events is signaled after a debounced burst of inbox writes.
func (w *InboxWatcher) Events() <-chan struct{} {
	return w.events
}

// Start begins watching until ctx is canceled.
func (w *InboxWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch inbox %s: %w", w.dir, err)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Debounce bursts: submitters often drop several files at once.
		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			if !pending {
				return
			}
			pending = false
			select {
			case w.events <- struct{}{}:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if !strings.HasSuffix(filepath.Base(ev.Name), ".json") {
					continue
				}
				pending = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(150 * time.Millisecond)
					timerC = timer.C
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("inbox watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	return nil
}
