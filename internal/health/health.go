// Package health aggregates liveness and readiness checks over the storage
// substrates and exposes them as HTTP probe handlers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

type CheckResult struct {
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Report struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checks on demand with a shared per-check timeout.
type Manager struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (m *Manager) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every registered probe and reports unhealthy if any fails.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]CheckResult, len(checks)),
		Timestamp:  time.Now().UTC(),
	}
	for name, fn := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := fn(checkCtx)
		cancel()

		result := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			report.Status = StatusUnhealthy
			m.logger.Warn("Health check failed", zap.String("component", name), zap.Error(err))
		}
		report.Components[name] = result
	}
	return report
}

// RegisterStorage adds probes for both substrates of the provider.
func (m *Manager) RegisterStorage(store *storage.Provider) {
	m.Register("postgres", store.PingSQL)
	m.Register("redis", store.PingKV)
}

// LivenessHandler always answers 200. Process-up is the only liveness signal;
// dependency failures are a readiness concern.
func (m *Manager) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
}

// ReadinessHandler runs all checks and answers 503 if any dependency is down.
func (m *Manager) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
