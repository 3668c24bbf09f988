package spotify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
)

// StateReader is what the watcher polls.
type StateReader interface {
	PlayerState(ctx context.Context, opts ...spotify.RequestOption) (*spotify.PlayerState, error)
}

// Watcher polls the player and reports when music starts or stops. A
// failed poll counts as stopped.
type Watcher struct {
	reader   StateReader
	interval time.Duration
	onChange func(playing bool)
	logger   *slog.Logger

	mu      sync.Mutex
	playing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWatcher(reader StateReader, interval time.Duration, onChange func(playing bool), logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &Watcher{reader: reader, interval: interval, onChange: onChange, logger: logger}
}

// Start is a no-op while the watcher is already running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(runCtx, w.done)
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) Playing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.playing
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("spotify_watcher_started")
	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("spotify_watcher_stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	state, err := w.reader.PlayerState(ctx)
	playing := err == nil && state != nil && state.Playing
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("spotify_watcher_poll_failed", "error", err.Error())
	}
	if ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	changed := playing != w.playing
	w.playing = playing
	w.mu.Unlock()
	if changed {
		w.logger.Info("spotify_playback_changed", "playing", playing)
		w.onChange(playing)
	}
}
