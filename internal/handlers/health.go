package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/click4coverage/api/internal/platform/httpx"
)

// BuildInfo describes the running binary for the health payload.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// ReadyCheck probes one dependency for the readiness endpoint.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandlers serves the /healthz and /readyz endpoints.
type HealthHandlers struct {
	build  BuildInfo
	clock  func() time.Time
	checks []ReadyCheck
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo attaches build metadata to the health payload.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithReadyChecks registers dependency probes run by /readyz.
func WithReadyChecks(checks ...ReadyCheck) HealthOption {
	return func(h *HealthHandlers) {
		h.checks = append(h.checks, checks...)
	}
}

// NewHealthHandlers constructs health handlers with optional build metadata
// and readiness probes.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports process liveness and build metadata.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    "ok",
		"timestamp": now.Format(time.RFC3339),
		"uptime":    now.Sub(h.build.StartedAt).String(),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commit"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz runs the registered dependency probes and fails on the first error.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for _, check := range h.checks {
		if check.Check == nil {
			continue
		}
		if err := check.Check(ctx); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("not_ready", check.Name+" unavailable", http.StatusServiceUnavailable))
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ready"})
}
