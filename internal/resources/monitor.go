// Package resources periodically probes configured inference backends
// and caches their availability, so the Executor can skip dispatching
// tasks whose backend is down without blocking on a live check.
package resources

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/taskforge/internal/backend"
)

// Status is the cached probe result for one backend.
type Status struct {
	BackendID string
	Online    bool
	CheckedAt time.Time
	Metadata  map[string]any
	SkipUntil time.Time
}

type Monitor struct {
	registry   *backend.Registry
	httpClient *http.Client
	limiter    *rate.Limiter
	skipFor    time.Duration

	mu     sync.RWMutex
	status map[string]*Status

	stop chan struct{}
	done chan struct{}
}

func New(registry *backend.Registry, probeTimeout, skipFor time.Duration) *Monitor {
	return &Monitor{
		registry:   registry,
		httpClient: &http.Client{Timeout: probeTimeout},
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		skipFor:    skipFor,
		status:     make(map[string]*Status),
	}
}

// Start runs an immediate probe of every backend, then repeats on
// interval until Stop is called.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	m.CheckAll(ctx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

// CheckAll forces an immediate refresh of every configured backend.
func (m *Monitor) CheckAll(ctx context.Context) {
	now := time.Now().UTC()
	for _, cfg := range m.registry.List() {
		m.mu.RLock()
		existing := m.status[cfg.ID]
		m.mu.RUnlock()
		if existing != nil && now.Before(existing.SkipUntil) {
			continue
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		status := m.probe(ctx, cfg)
		m.mu.Lock()
		m.status[cfg.ID] = status
		m.mu.Unlock()
	}
}

func (m *Monitor) probe(ctx context.Context, cfg *backend.Config) *Status {
	now := time.Now().UTC()
	s := &Status{BackendID: cfg.ID, CheckedAt: now}

	switch cfg.CheckMode {
	case "api_key_only":
		s.Online = os.Getenv(cfg.APIKeyEnv) != ""
	default:
		if cfg.HealthURL != "" {
			if meta, ok := m.probeHTTP(ctx, cfg.HealthURL); ok {
				s.Online = true
				s.Metadata = meta
				break
			}
		}
		s.Online = m.probeTCP(cfg.TCPAddr)
	}

	if !s.Online {
		s.SkipUntil = now.Add(m.skipFor)
		slog.Warn("backend unavailable", "backend_id", cfg.ID, "skip_until", s.SkipUntil)
	}
	return s
}

func (m *Monitor) probeHTTP(ctx context.Context, url string) (map[string]any, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true
	}
	var meta map[string]any
	if json.Unmarshal(body, &meta) != nil {
		return nil, true
	}
	return meta, true
}

func (m *Monitor) probeTCP(addr string) bool {
	if addr == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, m.httpClient.Timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// IsAvailable is a synchronous cache lookup; it never blocks on I/O.
func (m *Monitor) IsAvailable(backendID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.status[backendID]
	return ok && s.Online
}

// Snapshot returns a copy of every cached status, for the admin API.
func (m *Monitor) Snapshot() []*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Status, 0, len(m.status))
	for _, s := range m.status {
		clone := *s
		out = append(out, &clone)
	}
	return out
}
