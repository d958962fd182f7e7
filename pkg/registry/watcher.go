package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// minDebounce is the shortest allowed quiet period between a filesystem
// event and the triggered reload. Definition edits often arrive as
// bursts (editor temp files, git checkouts); the debounce collapses a
// burst into one reload.
const minDebounce = time.Second

// watcher drives debounced hot-reload of the definitions directory.
type watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	events   chan ReloadEvent
}

// Watch starts watching the definitions directory. Changed definitions
// are re-validated and swapped in atomically; a failed reload keeps the
// previous snapshot and emits a reload_failed event. The returned
// channel is closed when ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) (<-chan ReloadEvent, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(r.cfg.DefinitionsDir); err != nil {
		fsw.Close()
		return nil, err
	}

	debounce := time.Duration(r.cfg.DebounceMS) * time.Millisecond
	if debounce < minDebounce {
		debounce = minDebounce
	}

	w := &watcher{
		fsw:      fsw,
		debounce: debounce,
		events:   make(chan ReloadEvent, 8),
	}
	r.watcher = w

	go w.run(ctx, r)
	slog.Info("Registry watcher started",
		"dir", r.cfg.DefinitionsDir, "debounce", debounce)
	return w.events, nil
}

func (w *watcher) run(ctx context.Context, r *Registry) {
	defer w.fsw.Close()
	defer close(w.events)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevantOp(ev.Op) || !isDefinitionFile(ev.Name) {
				continue
			}
			// Restart the quiet-period timer on every relevant event.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("Registry watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload(r)
		}
	}
}

func (w *watcher) reload(r *Registry) {
	count, err := r.ScanAndLoad()
	if err != nil {
		slog.Error("Registry reload failed, keeping previous snapshot", "error", err)
		w.emit(ReloadEvent{Kind: "reload_failed", Err: err})
		return
	}
	slog.Info("Registry reloaded", "agents", count)
	w.emit(ReloadEvent{Kind: "reload", Agents: count})
}

// emit never blocks: a slow consumer drops reload notifications, it
// does not stall the watcher.
func (w *watcher) emit(ev ReloadEvent) {
	select {
	case w.events <- ev:
	default:
	}
}

func relevantOp(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write) ||
		op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename)
}
