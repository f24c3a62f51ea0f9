package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/scamadvisory/mailrisk/internal/logging"
)

// Status represents the health of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one component's result
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Response is the overall health document
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker probes one dependency
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler serves health, readiness and liveness endpoints for the
// diagnostics service.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

// RegisterChecker adds a dependency check under name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// SetMetadata records a static fact shown in health responses, such as
// which reputation providers hold credentials.
func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady flips the readiness gate once startup completes.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Handler) snapshot() (map[string]Checker, map[string]string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	return checkers, metadata
}

// HealthHandler runs every registered check and aggregates the worst state.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checkers, metadata := h.snapshot()

	resp := Response{
		Timestamp: time.Now().UTC(),
		Checks:    []Check{},
		Metadata:  metadata,
		Status:    StatusHealthy,
	}
	for name, checker := range checkers {
		check := checker.Check(ctx)
		check.Name = name
		resp.Checks = append(resp.Checks, check)
		switch {
		case check.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case check.Status == StatusDegraded && resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler reports whether startup completed.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	h.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
	})
}

// LivenessHandler answers OK while the process is up.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now().UTC(),
	})
}

// FuncChecker adapts a plain probe function, e.g. a redis ping or a
// dataset presence test.
type FuncChecker struct {
	okMessage string
	probe     func(ctx context.Context) error
}

func NewFuncChecker(okMessage string, probe func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{okMessage: okMessage, probe: probe}
}

func (c *FuncChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{
		Status:      StatusHealthy,
		Message:     c.okMessage,
		LastChecked: start.UTC(),
	}
	if c.probe != nil {
		if err := c.probe(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		}
	}
	check.DurationMS = time.Since(start).Milliseconds()
	return check
}
