// Package health runs readiness checks against the service's dependencies and reports them
// through the standard gRPC health service and the HTTP /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// Report is the outcome of one round of checks.
type Report struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Serving reports whether every check passed.
func (r Report) Serving() bool { return len(r.Failures) == 0 }

// Monitor runs named checks and mirrors the result into a gRPC health server.
type Monitor struct {
	srv      *health.Server
	services []string
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   Report
}

// NewMonitor returns a Monitor updating srv for the overall status ("") and each of services.
// srv may be nil when only the HTTP endpoint is used.
func NewMonitor(srv *health.Server, log *zap.Logger, services ...string) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		srv:      srv,
		services: services,
		timeout:  2 * time.Second,
		log:      log,
		checks:   make(map[string]CheckFunc),
		last:     Report{Status: "SERVING"},
	}
}

// Add registers a check under name. A nil check is ignored.
func (m *Monitor) Add(name string, check CheckFunc) {
	if check == nil {
		return
	}
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Check runs every check once, stores the report and updates the gRPC health server.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	report := Report{Status: "SERVING"}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			if report.Failures == nil {
				report.Failures = make(map[string]string)
			}
			report.Failures[name] = err.Error()
			m.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
		}
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !report.Serving() {
		report.Status = "NOT_SERVING"
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if m.srv != nil {
		m.srv.SetServingStatus("", status)
		for _, svc := range m.services {
			m.srv.SetServingStatus(svc, status)
		}
	}
	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so load balancers drain before the server stops.
func (m *Monitor) Shutdown() {
	if m.srv != nil {
		m.srv.Shutdown()
	}
}

// ServeHTTP runs the checks and writes the report: 200 when serving, 503 otherwise.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !report.Serving() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
