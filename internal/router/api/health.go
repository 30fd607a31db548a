package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/internal/router/health"
)

// HealthCheckHandler handles infrastructure health check endpoint
// GET /health
type HealthCheckHandler struct {
	infraHealth *health.InfrastructureHealthService
}

// NewHealthCheckHandler creates a new health check handler
func NewHealthCheckHandler(infraHealth *health.InfrastructureHealthService) *HealthCheckHandler {
	return &HealthCheckHandler{
		infraHealth: infraHealth,
	}
}

// ServeHTTP handles the health check request
func (h *HealthCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result := h.infraHealth.CheckHealth()

	w.Header().Set("Content-Type", "application/json")
	if result.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(result)
}

// KubernetesHealthHandler handles Kubernetes-style health probes
// GET /health/live - Liveness probe
// GET /health/ready - Readiness probe
// GET /health/startup - Startup probe
type KubernetesHealthHandler struct {
	infraHealth  *health.InfrastructureHealthService
	brokerHealth *health.BrokerHealthService
}

// NewKubernetesHealthHandler creates a new Kubernetes health handler
func NewKubernetesHealthHandler(
	infraHealth *health.InfrastructureHealthService,
	brokerHealth *health.BrokerHealthService,
) *KubernetesHealthHandler {
	return &KubernetesHealthHandler{
		infraHealth:  infraHealth,
		brokerHealth: brokerHealth,
	}
}

// Liveness handles the liveness probe. It only verifies the process can
// serve requests; external dependencies are deliberately not checked, so
// a broker outage never triggers a restart loop.
func (h *KubernetesHealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	status := health.NewHealthyStatus("ALIVE")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// Readiness handles the readiness probe. The instance is ready when its
// infrastructure is operational and the broker is reachable.
func (h *KubernetesHealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	var issues []string

	if h.infraHealth != nil {
		infraHealth := h.infraHealth.CheckHealth()
		if !infraHealth.Healthy && infraHealth.Issues != nil {
			issues = append(issues, infraHealth.Issues...)
		}
	}

	if h.brokerHealth != nil {
		brokerIssues := h.brokerHealth.CheckBrokerConnectivity()
		issues = append(issues, brokerIssues...)
	}

	ready := len(issues) == 0

	var status *health.ReadinessStatus
	if ready {
		status = health.NewHealthyStatus("READY")
	} else {
		status = health.NewUnhealthyStatus("NOT_READY", issues)
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Startup handles the startup probe
// Similar to readiness but with more lenient timeout/failure thresholds
func (h *KubernetesHealthHandler) Startup(w http.ResponseWriter, r *http.Request) {
	// For now, startup is the same as readiness
	h.Readiness(w, r)
}

// RegisterRoutes registers all health probe routes on the given router
func (h *KubernetesHealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health/live", h.Liveness)
	r.Get("/health/ready", h.Readiness)
	r.Get("/health/startup", h.Startup)
}
