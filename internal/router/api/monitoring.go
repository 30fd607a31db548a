package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/warning"
)

// MonitoringHandler serves the /monitoring/* surface consumed by the
// dashboard and by operators. Collaborators are injected through narrow
// interfaces so the handler can be wired with whatever subset a binary
// actually runs; endpoints whose provider is absent return empty results.
type MonitoringHandler struct {
	healthStatus    *health.HealthStatusService
	poolMetrics     health.PoolMetricsProvider
	queueMetrics    health.QueueStatsGetter
	warnings        WarningReader
	warningMutator  WarningMutator
	circuitBreakers health.CircuitBreakerGetter
	breakerMutator  CircuitBreakerMutator
	inFlightGetter  InFlightMessagesGetter
	standbyService  StandbyStatusGetter
	trafficService  TrafficStatusGetter
	adminAuth       *AdminAuth
}

// WarningReader provides the read side of the warning store.
// warning.Service satisfies it.
type WarningReader interface {
	GetAllWarnings() []warning.Warning
	GetUnacknowledgedWarnings() []warning.Warning
	GetWarningsBySeverity(severity string) []warning.Warning
}

// WarningMutator provides warning mutations. warning.Service satisfies it.
type WarningMutator interface {
	AcknowledgeWarning(id string) bool
	ClearAllWarnings()
	ClearOldWarnings(hoursOld int)
}

// CircuitBreakerMutator provides per-breaker inspection and resets.
// breaker.Registry satisfies it.
type CircuitBreakerMutator interface {
	GetCircuitBreakerStats(name string) *health.CircuitBreakerStats
	Reset(name string) bool
	ResetAll() int
}

// InFlightMessagesGetter provides views of the in-pipeline registry.
// manager.QueueManager satisfies it.
type InFlightMessagesGetter interface {
	GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage
}

// StandbyStatusGetter provides standby status info. standby.Service
// satisfies it.
type StandbyStatusGetter interface {
	IsEnabled() bool
	GetStatus() *health.StandbyStatus
}

// TrafficStatusGetter provides traffic management status. traffic.Service
// satisfies it.
type TrafficStatusGetter interface {
	IsEnabled() bool
	GetStatus() *health.TrafficStatus
}

// NewMonitoringHandler creates a monitoring handler with the mandatory
// providers. The rest are attached with the Set* methods before
// RegisterRoutes is called.
func NewMonitoringHandler(
	healthStatus *health.HealthStatusService,
	poolMetrics health.PoolMetricsProvider,
) *MonitoringHandler {
	return &MonitoringHandler{
		healthStatus: healthStatus,
		poolMetrics:  poolMetrics,
	}
}

// SetQueueMetrics sets the queue metrics provider
func (h *MonitoringHandler) SetQueueMetrics(qm health.QueueStatsGetter) {
	h.queueMetrics = qm
}

// SetWarningService sets the warning read and mutation providers
func (h *MonitoringHandler) SetWarningService(wr WarningReader, wm WarningMutator) {
	h.warnings = wr
	h.warningMutator = wm
}

// SetCircuitBreakerService sets the circuit breaker providers
func (h *MonitoringHandler) SetCircuitBreakerService(cb health.CircuitBreakerGetter, cbm CircuitBreakerMutator) {
	h.circuitBreakers = cb
	h.breakerMutator = cbm
}

// SetInFlightGetter sets the in-flight messages provider
func (h *MonitoringHandler) SetInFlightGetter(ifg InFlightMessagesGetter) {
	h.inFlightGetter = ifg
}

// SetStandbyService sets the standby service
func (h *MonitoringHandler) SetStandbyService(ss StandbyStatusGetter) {
	h.standbyService = ss
}

// SetTrafficService sets the traffic management service
func (h *MonitoringHandler) SetTrafficService(ts TrafficStatusGetter) {
	h.trafficService = ts
}

// SetAdminAuth gates the mutation routes behind bearer auth. Must be set
// before RegisterRoutes.
func (h *MonitoringHandler) SetAdminAuth(auth *AdminAuth) {
	h.adminAuth = auth
}

// RegisterRoutes registers all monitoring routes on the given router.
// Mutations are grouped so admin auth, when configured, covers exactly
// the routes that change state.
func (h *MonitoringHandler) RegisterRoutes(r chi.Router) {
	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/health", h.GetHealthStatus)
		r.Get("/queue-stats", h.GetQueueStats)
		r.Get("/pool-stats", h.GetPoolStats)
		r.Get("/warnings", h.GetAllWarnings)
		r.Get("/warnings/unacknowledged", h.GetUnacknowledgedWarnings)
		r.Get("/warnings/severity/{severity}", h.GetWarningsBySeverity)
		r.Get("/circuit-breakers", h.GetCircuitBreakerStats)
		r.Get("/circuit-breakers/{name}/state", h.GetCircuitBreakerState)
		r.Get("/in-flight-messages", h.GetInFlightMessages)
		r.Get("/standby-status", h.GetStandbyStatus)
		r.Get("/traffic-status", h.GetTrafficStatus)
		r.Get("/dashboard", h.GetDashboard)

		r.Group(func(r chi.Router) {
			if h.adminAuth != nil {
				r.Use(h.adminAuth.RequireAdmin)
			}
			r.Post("/warnings/{id}/acknowledge", h.AcknowledgeWarning)
			r.Delete("/warnings", h.ClearAllWarnings)
			r.Delete("/warnings/old", h.ClearOldWarnings)
			r.Post("/circuit-breakers/{name}/reset", h.ResetCircuitBreaker)
			r.Post("/circuit-breakers/reset-all", h.ResetAllCircuitBreakers)
		})
	})
}

// GetHealthStatus handles GET /monitoring/health
// @Summary Aggregated health status
// @Description Returns infrastructure, broker, pool, queue and warning state in one document
// @Tags Monitoring
// @Produce json
// @Success 200 {object} health.HealthStatus
// @Router /monitoring/health [get]
func (h *MonitoringHandler) GetHealthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.healthStatus.GetHealthStatus())
}

// GetQueueStats handles GET /monitoring/queue-stats
// @Summary Per-queue throughput statistics
// @Tags Monitoring
// @Produce json
// @Success 200 {object} map[string]health.QueueStats
// @Router /monitoring/queue-stats [get]
func (h *MonitoringHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]*health.QueueStats)
	if h.queueMetrics != nil {
		stats = h.queueMetrics.GetAllQueueStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetPoolStats handles GET /monitoring/pool-stats
// @Summary Per-pool processing statistics
// @Tags Monitoring
// @Produce json
// @Success 200 {object} map[string]health.PoolStats
// @Router /monitoring/pool-stats [get]
func (h *MonitoringHandler) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]*health.PoolStats)
	if h.poolMetrics != nil {
		stats = h.poolMetrics.GetAllPoolStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetAllWarnings handles GET /monitoring/warnings
// @Summary List all warnings
// @Tags Monitoring
// @Produce json
// @Param severity query string false "Filter by severity (INFO/WARNING/ERROR/CRITICAL)"
// @Param unacknowledged query bool false "Only unacknowledged warnings"
// @Success 200 {array} warning.Warning
// @Router /monitoring/warnings [get]
func (h *MonitoringHandler) GetAllWarnings(w http.ResponseWriter, r *http.Request) {
	warnings := []warning.Warning{}
	if h.warnings != nil {
		switch {
		case r.URL.Query().Get("severity") != "":
			warnings = h.warnings.GetWarningsBySeverity(r.URL.Query().Get("severity"))
		case r.URL.Query().Has("unacknowledged"):
			warnings = h.warnings.GetUnacknowledgedWarnings()
		default:
			warnings = h.warnings.GetAllWarnings()
		}
	}
	writeJSON(w, http.StatusOK, warnings)
}

// GetUnacknowledgedWarnings handles GET /monitoring/warnings/unacknowledged
// @Summary List unacknowledged warnings
// @Tags Monitoring
// @Produce json
// @Success 200 {array} warning.Warning
// @Router /monitoring/warnings/unacknowledged [get]
func (h *MonitoringHandler) GetUnacknowledgedWarnings(w http.ResponseWriter, r *http.Request) {
	warnings := []warning.Warning{}
	if h.warnings != nil {
		warnings = h.warnings.GetUnacknowledgedWarnings()
	}
	writeJSON(w, http.StatusOK, warnings)
}

// GetWarningsBySeverity handles GET /monitoring/warnings/severity/{severity}
// @Summary List warnings by severity
// @Tags Monitoring
// @Produce json
// @Param severity path string true "Severity (INFO, WARNING, ERROR, CRITICAL)"
// @Success 200 {array} warning.Warning
// @Router /monitoring/warnings/severity/{severity} [get]
func (h *MonitoringHandler) GetWarningsBySeverity(w http.ResponseWriter, r *http.Request) {
	severity := chi.URLParam(r, "severity")

	warnings := []warning.Warning{}
	if h.warnings != nil {
		warnings = h.warnings.GetWarningsBySeverity(severity)
	}
	writeJSON(w, http.StatusOK, warnings)
}

// AcknowledgeWarning handles POST /monitoring/warnings/{id}/acknowledge
// @Summary Acknowledge a warning
// @Tags Monitoring
// @Produce json
// @Param id path string true "Warning ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Security BearerAuth
// @Router /monitoring/warnings/{id}/acknowledge [post]
func (h *MonitoringHandler) AcknowledgeWarning(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.warningMutator != nil && h.warningMutator.AcknowledgeWarning(id) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status":  "error",
		"message": "Warning not found",
	})
}

// ClearAllWarnings handles DELETE /monitoring/warnings
// @Summary Clear all warnings
// @Tags Monitoring
// @Produce json
// @Success 200 {object} map[string]string
// @Security BearerAuth
// @Router /monitoring/warnings [delete]
func (h *MonitoringHandler) ClearAllWarnings(w http.ResponseWriter, r *http.Request) {
	if h.warningMutator != nil {
		h.warningMutator.ClearAllWarnings()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// ClearOldWarnings handles DELETE /monitoring/warnings/old?hours=24
// @Summary Clear warnings older than a cutoff
// @Tags Monitoring
// @Produce json
// @Param hours query int false "Age cutoff in hours (default 24)"
// @Success 200 {object} map[string]string
// @Security BearerAuth
// @Router /monitoring/warnings/old [delete]
func (h *MonitoringHandler) ClearOldWarnings(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if hoursParam := r.URL.Query().Get("hours"); hoursParam != "" {
		if parsed, err := strconv.Atoi(hoursParam); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	if h.warningMutator != nil {
		h.warningMutator.ClearOldWarnings(hours)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// GetCircuitBreakerStats handles GET /monitoring/circuit-breakers
// @Summary Per-endpoint circuit breaker statistics
// @Tags Monitoring
// @Produce json
// @Success 200 {object} map[string]health.CircuitBreakerStats
// @Router /monitoring/circuit-breakers [get]
func (h *MonitoringHandler) GetCircuitBreakerStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]*health.CircuitBreakerStats)
	if h.circuitBreakers != nil {
		stats = h.circuitBreakers.GetAllCircuitBreakerStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetCircuitBreakerState handles GET /monitoring/circuit-breakers/{name}/state
// @Summary Current state of one circuit breaker
// @Tags Monitoring
// @Produce json
// @Param name path string true "Breaker name (endpoint host)"
// @Success 200 {object} map[string]string
// @Router /monitoring/circuit-breakers/{name}/state [get]
func (h *MonitoringHandler) GetCircuitBreakerState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	state := "UNKNOWN"
	if h.breakerMutator != nil {
		if stats := h.breakerMutator.GetCircuitBreakerStats(name); stats != nil {
			state = stats.State
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": state})
}

// ResetCircuitBreaker handles POST /monitoring/circuit-breakers/{name}/reset
// @Summary Reset one circuit breaker to closed
// @Tags Monitoring
// @Produce json
// @Param name path string true "Breaker name (endpoint host)"
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Security BearerAuth
// @Router /monitoring/circuit-breakers/{name}/reset [post]
func (h *MonitoringHandler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if h.breakerMutator != nil && h.breakerMutator.Reset(name) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status":  "error",
		"message": "Circuit breaker not found",
	})
}

// ResetAllCircuitBreakers handles POST /monitoring/circuit-breakers/reset-all
// @Summary Reset every circuit breaker to closed
// @Tags Monitoring
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /monitoring/circuit-breakers/reset-all [post]
func (h *MonitoringHandler) ResetAllCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	reset := 0
	if h.breakerMutator != nil {
		reset = h.breakerMutator.ResetAll()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "reset": reset})
}

// GetInFlightMessages handles GET /monitoring/in-flight-messages?limit=100&messageId=xxx
// @Summary Snapshot of messages currently in the pipeline
// @Tags Monitoring
// @Produce json
// @Param limit query int false "Maximum entries returned (default 100)"
// @Param messageId query string false "Filter to a single message ID"
// @Success 200 {array} health.InFlightMessage
// @Router /monitoring/in-flight-messages [get]
func (h *MonitoringHandler) GetInFlightMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	messageID := r.URL.Query().Get("messageId")

	messages := []*health.InFlightMessage{}
	if h.inFlightGetter != nil {
		messages = h.inFlightGetter.GetInFlightMessages(limit, messageID)
	}
	writeJSON(w, http.StatusOK, messages)
}

// GetStandbyStatus handles GET /monitoring/standby-status
// @Summary Hot-standby role and lock state
// @Tags Monitoring
// @Produce json
// @Success 200 {object} health.StandbyStatus
// @Router /monitoring/standby-status [get]
func (h *MonitoringHandler) GetStandbyStatus(w http.ResponseWriter, r *http.Request) {
	if h.standbyService == nil || !h.standbyService.IsEnabled() {
		writeJSON(w, http.StatusOK, map[string]bool{"standbyEnabled": false})
		return
	}
	writeJSON(w, http.StatusOK, h.standbyService.GetStatus())
}

// GetTrafficStatus handles GET /monitoring/traffic-status
// @Summary Traffic management status
// @Tags Monitoring
// @Produce json
// @Success 200 {object} health.TrafficStatus
// @Router /monitoring/traffic-status [get]
func (h *MonitoringHandler) GetTrafficStatus(w http.ResponseWriter, r *http.Request) {
	if h.trafficService == nil || !h.trafficService.IsEnabled() {
		writeJSON(w, http.StatusOK, health.TrafficStatus{
			Enabled: false,
			Message: "Traffic management not available",
		})
		return
	}
	writeJSON(w, http.StatusOK, h.trafficService.GetStatus())
}

// GetDashboard handles GET /monitoring/dashboard
// Returns the monitoring dashboard HTML page
func (h *MonitoringHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
