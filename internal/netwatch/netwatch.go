// Package netwatch notices when the server becomes reachable again and
// asks the realtime connection to reconnect.
package netwatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Reconnector is the part of the realtime connection the watcher drives.
type Reconnector interface {
	Connect(ctx context.Context) error
}

// Watcher polls a health URL and calls Connect on every offline to online
// transition. It starts out assuming the network is online.
type Watcher struct {
	url      string
	interval time.Duration
	client   *http.Client
	target   Reconnector
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
}

// New creates a watcher for healthURL, typically the server's /health/live.
func New(healthURL string, interval time.Duration, target Reconnector, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := interval
	if timeout > 3*time.Second {
		timeout = 3 * time.Second
	}
	return &Watcher{
		url:      healthURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		target:   target,
		logger:   logger.With("component", "netwatch"),
		online:   true,
	}
}

// Online reports the result of the latest probe.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Run probes until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	up := w.probe(ctx)

	w.mu.Lock()
	was := w.online
	w.online = up
	w.mu.Unlock()

	switch {
	case was && !up:
		w.logger.Info("server unreachable", "url", w.url)
	case !was && up:
		w.logger.Info("server reachable again, reconnecting", "url", w.url)
		if err := w.target.Connect(ctx); err != nil {
			w.logger.Warn("reconnect on network recovery failed", "error", err)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}
