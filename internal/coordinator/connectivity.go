package coordinator

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = 5 * time.Second

// Connectivity is the "network available" signal polled before each provider
// attempt.
type Connectivity interface {
	Available() bool
}

// Always is a Connectivity that never changes.
type Always bool

func (a Always) Available() bool { return bool(a) }

// Monitor holds the current connectivity state and notifies subscribers on
// every change.
type Monitor struct {
	available atomic.Bool

	mu   sync.Mutex
	subs []func(available bool)
	log  *zap.Logger
}

func NewMonitor(initial bool, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{log: log}
	m.available.Store(initial)
	return m
}

func (m *Monitor) Available() bool {
	return m.available.Load()
}

// Set updates the state. Subscribers run synchronously, only on a change.
func (m *Monitor) Set(available bool) {
	if m.available.Swap(available) == available {
		return
	}
	m.log.Info("Connectivity changed", zap.Bool("available", available))

	m.mu.Lock()
	subs := append([]func(bool){}, m.subs...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(available)
	}
}

func (m *Monitor) Subscribe(fn func(available bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Probe issues a HEAD request to url every interval until ctx is done. Any
// HTTP response counts as connected; a transport error counts as offline.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration) {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.Set(m.probeOnce(ctx, client, url))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, client *http.Client, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		m.log.Warn("Invalid probe URL", zap.String("url", url), zap.Error(err))
		return m.Available()
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.Available()
		}
		m.log.Debug("Connectivity probe failed", zap.String("url", url), zap.Error(err))
		return false
	}
	resp.Body.Close()
	return true
}
