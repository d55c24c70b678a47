// Package connectivity tracks whether the remote service is reachable and
// publishes online/offline transitions to subscribers. The reconciler
// drains the offline queue on every offline→online transition; the submit
// path consults the current state once, synchronously, at submit time.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the current connectivity verdict.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Monitor polls a probe URL at a fixed interval and derives the
// connectivity state from whether the probe answers at all. Any HTTP
// response, including an error status, counts as online — the probe
// measures reachability, not health.
//
// The state can also be forced with SetState, for environments that have
// their own signal (and for tests).
type Monitor struct {
	probeURL string
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	subs  []chan State
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClient sets the HTTP client used for probing. The default client
// carries a 5s timeout so a hung probe cannot stall the poll loop.
func WithClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithInitialState sets the state before the first probe completes.
// Default: Offline.
func WithInitialState(s State) Option {
	return func(m *Monitor) { m.state = s }
}

// NewMonitor creates a Monitor for the given probe URL.
func NewMonitor(probeURL string, opts ...Option) *Monitor {
	m := &Monitor{
		probeURL: probeURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   slog.Default(),
		state:    Offline,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Online
}

// Subscribe returns a channel that receives every state transition.
// The channel is buffered; a slow subscriber drops transitions rather
// than blocking the monitor. Only changes are delivered, never repeats
// of the current state.
func (m *Monitor) Subscribe() <-chan State {
	ch := make(chan State, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// SetState forces the connectivity state. Subscribers are notified only
// when the state actually changes.
func (m *Monitor) SetState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	subs := make([]chan State, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "state", s.String())
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			// Subscriber is behind; it will observe the state on the
			// next transition it manages to receive.
		}
	}
}

// Watch polls the probe URL at the given interval until ctx is cancelled.
// Run it in a goroutine:
//
//	go monitor.Watch(ctx, 15*time.Second)
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("connectivity watcher started", "probe", m.probeURL, "interval", interval)

	// Initial probe so the state does not wait a full interval.
	m.SetState(m.probe(ctx))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity watcher stopped")
			return
		case <-ticker.C:
			m.SetState(m.probe(ctx))
		}
	}
}

func (m *Monitor) probe(ctx context.Context) State {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("connectivity: bad probe url", "url", m.probeURL, "error", err)
		return Offline
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Offline
	}
	resp.Body.Close()
	return Online
}
