package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// ReloadEvent is one settled change to config.yaml. Ops is every fsnotify
// operation folded into it.
type ReloadEvent struct {
	Path string
	Ops  fsnotify.Op
	// Changes counts the raw filesystem events coalesced into this reload.
	Changes int
}

// Watcher reports changes to config.yaml. It watches the home directory so an
// editor's rename-into-place is seen as well, and folds a burst of writes into
// a single reload once the file has been quiet for Debounce.
type Watcher struct {
	Debounce time.Duration

	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Debounce: defaultReloadDebounce,
		homeDir:  homeDir,
		logger:   logger.With("component", "config"),
		events:   make(chan ReloadEvent, 4),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.homeDir, err)
	}
	go w.loop(ctx, fsw, ConfigPath(w.homeDir))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	// settle is nil (never ready) while nothing is pending.
	var settle <-chan time.Time
	var pending *ReloadEvent

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if pending == nil {
				pending = &ReloadEvent{Path: target}
			}
			pending.Ops |= ev.Op
			pending.Changes++
			settle = time.After(debounce)
		case <-settle:
			settle = nil
			select {
			case w.events <- *pending:
				w.logger.Info("config file changed", "path", pending.Path, "ops", pending.Ops.String(), "changes", pending.Changes)
			default:
				w.logger.Warn("config reload pending, change dropped", "path", pending.Path)
			}
			pending = nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
