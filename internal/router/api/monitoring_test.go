package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/warning"
)

// MockPoolMetricsProvider implements pool metrics for testing
type MockPoolMetricsProvider struct {
	stats        map[string]*health.PoolStats
	lastActivity map[string]*time.Time
}

func (m *MockPoolMetricsProvider) GetAllPoolStats() map[string]*health.PoolStats {
	if m.stats != nil {
		return m.stats
	}
	return map[string]*health.PoolStats{
		"pool1": {PoolCode: "pool1", TotalProcessed: 100},
	}
}

func (m *MockPoolMetricsProvider) GetLastActivityTimestamp(poolCode string) *time.Time {
	if m.lastActivity != nil {
		return m.lastActivity[poolCode]
	}
	return nil
}

// MockQueueStatsGetter implements queue stats for testing
type MockQueueStatsGetter struct {
	stats map[string]*health.QueueStats
}

func (m *MockQueueStatsGetter) GetAllQueueStats() map[string]*health.QueueStats {
	if m.stats != nil {
		return m.stats
	}
	return map[string]*health.QueueStats{
		"queue1": {Name: "queue1", TotalMessages: 50},
	}
}

func (m *MockQueueStatsGetter) GetTotalQueueDepth() int64 {
	return 0
}

func (m *MockQueueStatsGetter) GetThroughput() float64 {
	return 0.0
}

// MockBreakerMutator implements CircuitBreakerMutator for testing
type MockBreakerMutator struct {
	stats      map[string]*health.CircuitBreakerStats
	resetCalls []string
	resetAll   int
}

func (m *MockBreakerMutator) GetCircuitBreakerStats(name string) *health.CircuitBreakerStats {
	return m.stats[name]
}

func (m *MockBreakerMutator) Reset(name string) bool {
	m.resetCalls = append(m.resetCalls, name)
	_, ok := m.stats[name]
	return ok
}

func (m *MockBreakerMutator) ResetAll() int {
	m.resetAll++
	return len(m.stats)
}

// MockInFlightGetter implements InFlightMessagesGetter for testing
type MockInFlightGetter struct {
	messages []*health.InFlightMessage
	lastCall struct {
		limit     int
		messageID string
	}
}

func (m *MockInFlightGetter) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	m.lastCall.limit = limit
	m.lastCall.messageID = messageID
	return m.messages
}

// MockStandbyService implements StandbyStatusGetter for testing
type MockStandbyService struct {
	enabled bool
	status  *health.StandbyStatus
}

func (m *MockStandbyService) IsEnabled() bool {
	return m.enabled
}

func (m *MockStandbyService) GetStatus() *health.StandbyStatus {
	return m.status
}

// MockTrafficService implements TrafficStatusGetter for testing
type MockTrafficService struct {
	enabled bool
	status  *health.TrafficStatus
}

func (m *MockTrafficService) IsEnabled() bool {
	return m.enabled
}

func (m *MockTrafficService) GetStatus() *health.TrafficStatus {
	return m.status
}

// newTestRouter registers the handler on a fresh chi router so tests
// exercise the real route and method matching.
func newTestRouter(h *MonitoringHandler) chi.Router {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestNewMonitoringHandler(t *testing.T) {
	healthSvc := &health.HealthStatusService{}
	poolMetrics := &MockPoolMetricsProvider{}

	handler := NewMonitoringHandler(healthSvc, poolMetrics)

	if handler == nil {
		t.Fatal("NewMonitoringHandler returned nil")
	}
}

func TestMonitoringHandler_GetPoolStats(t *testing.T) {
	poolMetrics := &MockPoolMetricsProvider{
		stats: map[string]*health.PoolStats{
			"pool1": {PoolCode: "pool1", TotalProcessed: 100},
			"pool2": {PoolCode: "pool2", TotalProcessed: 200},
		},
	}

	handler := &MonitoringHandler{
		poolMetrics: poolMetrics,
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/pool-stats", nil)
	w := httptest.NewRecorder()

	handler.GetPoolStats(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result map[string]*health.PoolStats
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if len(result) != 2 {
		t.Errorf("Expected 2 pools, got %d", len(result))
	}
}

func TestMonitoringHandler_GetQueueStats(t *testing.T) {
	queueMetrics := &MockQueueStatsGetter{
		stats: map[string]*health.QueueStats{
			"queue1": {Name: "queue1", TotalMessages: 50},
		},
	}

	handler := &MonitoringHandler{
		queueMetrics: queueMetrics,
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/queue-stats", nil)
	w := httptest.NewRecorder()

	handler.GetQueueStats(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result map[string]*health.QueueStats
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if len(result) != 1 {
		t.Errorf("Expected 1 queue, got %d", len(result))
	}
}

func TestMonitoringHandler_GetAllWarnings(t *testing.T) {
	ws := warning.NewInMemoryService()
	ws.SetCoalesceWindow(0)
	ws.AddWarning("MEDIATION", warning.SeverityError, "Test error", "test")
	ws.AddWarning("QUEUE_BACKLOG", warning.SeverityWarning, "Test warning", "test")

	handler := &MonitoringHandler{}
	handler.SetWarningService(ws, ws)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/warnings", nil)
	w := httptest.NewRecorder()

	handler.GetAllWarnings(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result []warning.Warning
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if len(result) != 2 {
		t.Errorf("Expected 2 warnings, got %d", len(result))
	}
}

func TestMonitoringHandler_GetAllWarnings_QueryFilters(t *testing.T) {
	ws := warning.NewInMemoryService()
	ws.SetCoalesceWindow(0)
	ws.AddWarning("MEDIATION", warning.SeverityError, "Test error", "test")
	ws.AddWarning("QUEUE_BACKLOG", warning.SeverityWarning, "Test warning", "test")
	ws.AcknowledgeWarning(ws.GetAllWarnings()[0].ID)

	handler := &MonitoringHandler{}
	handler.SetWarningService(ws, ws)

	cases := []struct {
		query string
		want  int
	}{
		{"?severity=ERROR", 1},
		{"?severity=CRITICAL", 0},
		{"?unacknowledged", 1},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/monitoring/warnings"+tc.query, nil)
		w := httptest.NewRecorder()

		handler.GetAllWarnings(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", tc.query, w.Code)
		}

		var result []warning.Warning
		if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
			t.Fatalf("%s: failed to unmarshal response: %v", tc.query, err)
		}
		if len(result) != tc.want {
			t.Errorf("%s: expected %d warnings, got %d", tc.query, tc.want, len(result))
		}
	}
}

func TestMonitoringHandler_GetWarningsBySeverity(t *testing.T) {
	ws := warning.NewInMemoryService()
	ws.SetCoalesceWindow(0)
	ws.AddWarning("MEDIATION", warning.SeverityError, "Test error", "test")
	ws.AddWarning("QUEUE_BACKLOG", warning.SeverityWarning, "Test warning", "test")

	handler := &MonitoringHandler{}
	handler.SetWarningService(ws, ws)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/warnings/severity/ERROR", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result []warning.Warning
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if len(result) != 1 {
		t.Fatalf("Expected 1 ERROR warning, got %d", len(result))
	}
	if result[0].Severity != warning.SeverityError {
		t.Errorf("Expected ERROR severity, got %s", result[0].Severity)
	}
}

func TestMonitoringHandler_AcknowledgeWarning(t *testing.T) {
	ws := warning.NewInMemoryService()
	ws.AddWarning("MEDIATION", warning.SeverityError, "Test error", "test")
	id := ws.GetAllWarnings()[0].ID

	handler := &MonitoringHandler{}
	handler.SetWarningService(ws, ws)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/monitoring/warnings/"+id+"/acknowledge", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	if len(ws.GetUnacknowledgedWarnings()) != 0 {
		t.Error("Warning should be acknowledged")
	}

	// Unknown ID yields 404
	req = httptest.NewRequest(http.MethodPost, "/monitoring/warnings/no-such-id/acknowledge", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown warning, got %d", w.Code)
	}
}

func TestMonitoringHandler_ClearOldWarnings(t *testing.T) {
	ws := warning.NewInMemoryService()
	ws.AddWarning("MEDIATION", warning.SeverityError, "Test error", "test")

	handler := &MonitoringHandler{}
	handler.SetWarningService(ws, ws)
	router := newTestRouter(handler)

	// hours=1: the warning was just added, so it survives
	req := httptest.NewRequest(http.MethodDelete, "/monitoring/warnings/old?hours=1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if len(ws.GetAllWarnings()) != 1 {
		t.Error("Recent warning should survive ClearOldWarnings")
	}
}

func TestMonitoringHandler_CircuitBreakerState(t *testing.T) {
	mutator := &MockBreakerMutator{
		stats: map[string]*health.CircuitBreakerStats{
			"api.example.com": {Name: "api.example.com", State: "OPEN"},
		},
	}

	handler := &MonitoringHandler{}
	handler.SetCircuitBreakerService(nil, mutator)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/circuit-breakers/api.example.com/state", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result["state"] != "OPEN" {
		t.Errorf("Expected state OPEN, got %s", result["state"])
	}

	// Unknown breaker reports UNKNOWN
	req = httptest.NewRequest(http.MethodGet, "/monitoring/circuit-breakers/other/state", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	json.Unmarshal(w.Body.Bytes(), &result)
	if result["state"] != "UNKNOWN" {
		t.Errorf("Expected state UNKNOWN, got %s", result["state"])
	}
}

func TestMonitoringHandler_ResetCircuitBreaker(t *testing.T) {
	mutator := &MockBreakerMutator{
		stats: map[string]*health.CircuitBreakerStats{
			"api.example.com": {Name: "api.example.com", State: "OPEN"},
		},
	}

	handler := &MonitoringHandler{}
	handler.SetCircuitBreakerService(nil, mutator)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/monitoring/circuit-breakers/api.example.com/reset", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if len(mutator.resetCalls) != 1 || mutator.resetCalls[0] != "api.example.com" {
		t.Errorf("Expected reset call for api.example.com, got %v", mutator.resetCalls)
	}

	// Unknown breaker yields 404
	req = httptest.NewRequest(http.MethodPost, "/monitoring/circuit-breakers/other/reset", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown breaker, got %d", w.Code)
	}
}

func TestMonitoringHandler_ResetAllCircuitBreakers(t *testing.T) {
	mutator := &MockBreakerMutator{
		stats: map[string]*health.CircuitBreakerStats{
			"a": {Name: "a"},
			"b": {Name: "b"},
		},
	}

	handler := &MonitoringHandler{}
	handler.SetCircuitBreakerService(nil, mutator)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/monitoring/circuit-breakers/reset-all", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if mutator.resetAll != 1 {
		t.Errorf("Expected one ResetAll call, got %d", mutator.resetAll)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result["reset"].(float64) != 2 {
		t.Errorf("Expected reset count 2, got %v", result["reset"])
	}
}

func TestMonitoringHandler_GetInFlightMessages(t *testing.T) {
	getter := &MockInFlightGetter{
		messages: []*health.InFlightMessage{
			{MessageID: "msg-1", PoolCode: "POOL-A", AgeMs: 1200},
		},
	}

	handler := &MonitoringHandler{}
	handler.SetInFlightGetter(getter)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/in-flight-messages?limit=5&messageId=msg-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	if getter.lastCall.limit != 5 {
		t.Errorf("Expected limit 5, got %d", getter.lastCall.limit)
	}
	if getter.lastCall.messageID != "msg-1" {
		t.Errorf("Expected messageId msg-1, got %q", getter.lastCall.messageID)
	}

	var result []*health.InFlightMessage
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(result) != 1 || result[0].MessageID != "msg-1" {
		t.Errorf("Unexpected in-flight payload: %+v", result)
	}
}

func TestMonitoringHandler_GetInFlightMessages_DefaultLimit(t *testing.T) {
	getter := &MockInFlightGetter{}

	handler := &MonitoringHandler{}
	handler.SetInFlightGetter(getter)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/in-flight-messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if getter.lastCall.limit != 100 {
		t.Errorf("Expected default limit 100, got %d", getter.lastCall.limit)
	}
}

func TestMonitoringHandler_GetStandbyStatus_Disabled(t *testing.T) {
	standbySvc := &MockStandbyService{
		enabled: false,
	}

	handler := &MonitoringHandler{
		standbyService: standbySvc,
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/standby-status", nil)
	w := httptest.NewRecorder()

	handler.GetStandbyStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if result["standbyEnabled"] != false {
		t.Error("Expected standbyEnabled to be false")
	}
}

func TestMonitoringHandler_GetStandbyStatus_Enabled(t *testing.T) {
	standbySvc := &MockStandbyService{
		enabled: true,
		status: &health.StandbyStatus{
			StandbyEnabled: true,
			InstanceID:     "instance-123",
			Role:           "PRIMARY",
			RedisAvailable: true,
		},
	}

	handler := &MonitoringHandler{
		standbyService: standbySvc,
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/standby-status", nil)
	w := httptest.NewRecorder()

	handler.GetStandbyStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result health.StandbyStatus
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if !result.StandbyEnabled {
		t.Error("Expected standbyEnabled to be true")
	}

	if result.Role != "PRIMARY" {
		t.Errorf("Expected role PRIMARY, got %s", result.Role)
	}
}

func TestMonitoringHandler_GetTrafficStatus_Disabled(t *testing.T) {
	trafficSvc := &MockTrafficService{
		enabled: false,
	}

	handler := &MonitoringHandler{
		trafficService: trafficSvc,
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/traffic-status", nil)
	w := httptest.NewRecorder()

	handler.GetTrafficStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result health.TrafficStatus
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if result.Enabled {
		t.Error("Expected enabled to be false")
	}
}

func TestMonitoringHandler_GetTrafficStatus_Enabled(t *testing.T) {
	trafficSvc := &MockTrafficService{
		enabled: true,
		status: &health.TrafficStatus{
			Enabled:      true,
			StrategyType: "aws-alb",
			Registered:   true,
		},
	}

	handler := &MonitoringHandler{
		trafficService: trafficSvc,
	}

	req := httptest.NewRequest(http.MethodGet, "/monitoring/traffic-status", nil)
	w := httptest.NewRecorder()

	handler.GetTrafficStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var result health.TrafficStatus
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	if !result.Enabled {
		t.Error("Expected enabled to be true")
	}

	if result.StrategyType != "aws-alb" {
		t.Errorf("Expected strategy aws-alb, got %s", result.StrategyType)
	}
}

func TestMonitoringHandler_RouteMethodMatching(t *testing.T) {
	handler := &MonitoringHandler{}
	router := newTestRouter(handler)

	// POST to a GET-only route is rejected by the router
	req := httptest.NewRequest(http.MethodPost, "/monitoring/pool-stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	// GET to a POST-only route likewise
	req = httptest.NewRequest(http.MethodGet, "/monitoring/circuit-breakers/reset-all", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestMonitoringHandler_NilServices(t *testing.T) {
	handler := &MonitoringHandler{}

	// GetPoolStats with nil poolMetrics
	req := httptest.NewRequest(http.MethodGet, "/monitoring/pool-stats", nil)
	w := httptest.NewRecorder()
	handler.GetPoolStats(w, req)
	if w.Code != http.StatusOK {
		t.Error("Should return 200 with empty map")
	}

	// GetQueueStats with nil queueMetrics
	req = httptest.NewRequest(http.MethodGet, "/monitoring/queue-stats", nil)
	w = httptest.NewRecorder()
	handler.GetQueueStats(w, req)
	if w.Code != http.StatusOK {
		t.Error("Should return 200 with empty map")
	}

	// GetAllWarnings with nil warning service
	req = httptest.NewRequest(http.MethodGet, "/monitoring/warnings", nil)
	w = httptest.NewRecorder()
	handler.GetAllWarnings(w, req)
	if w.Code != http.StatusOK {
		t.Error("Should return 200 with empty array")
	}

	var result []warning.Warning
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Error("Expected empty JSON array, not null")
	}
}

func TestMonitoringHandler_GetDashboard(t *testing.T) {
	handler := &MonitoringHandler{}
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/dashboard", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Expected HTML content type, got %s", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("Dashboard body should not be empty")
	}
}
