// Package health provides the liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Check is implemented by components that can report their health.
type Check interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Config identifies the service in health responses.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Timeout        time.Duration
}

// Checker provides health check endpoints
type Checker struct {
	config Config
	logger zerolog.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewChecker creates a new health checker
func NewChecker(config Config, logger zerolog.Logger) *Checker {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Checker{
		config: config,
		logger: logger.With().Str("component", "health-checker").Logger(),
		checks: make(map[string]Check),
	}
}

// AddCheck registers a named component check.
func (c *Checker) AddCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service,omitempty"`
	Version    string            `json:"version,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// Run evaluates every registered check.
func (c *Checker) Run(ctx context.Context) HealthResponse {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	response := HealthResponse{
		Status:     "healthy",
		Service:    c.config.ServiceName,
		Version:    c.config.ServiceVersion,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: make(map[string]string, len(names)),
	}
	for _, name := range names {
		if err := checks[name].HealthCheck(ctx); err != nil {
			c.logger.Debug().Err(err).Str("check", name).Msg("Health check failed")
			response.Components[name] = "unhealthy: " + err.Error()
			response.Status = "degraded"
			continue
		}
		response.Components[name] = "healthy"
	}
	return response
}

// HealthHandler returns the overall health status
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := c.Run(r.Context())

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// LivenessHandler returns 200 if the process is running
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessHandler returns 200 if every check passes
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := c.Run(r.Context())

	if response.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":     "not_ready",
			"timestamp":  response.Timestamp,
			"components": response.Components,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": response.Timestamp,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
