// Package mediator provides HTTP webhook mediation
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

const (
	// DefaultTimeout bounds a mediation call when the pool sets no timeout.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 64 * 1024
)

// errServerFailure marks a completed call whose status should count as a
// circuit breaker failure.
var errServerFailure = errors.New("mediation target returned a server error")

// HTTPMediator mediates messages via HTTP webhooks.
//
// Each message is attempted exactly once per delivery: a retryable failure
// is NACK'd by the pool and comes back through broker redelivery, so the
// mediator itself never loops.
type HTTPMediator struct {
	client   *http.Client
	breakers *breaker.Registry
	timeout  time.Duration
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout for HTTP requests when the pool does not set its own.
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev)
	HTTPVersion HTTPVersion

	// CircuitBreaker settings, applied per mediation target
	CircuitBreaker breaker.Config
}

// DefaultHTTPMediatorConfig returns sensible defaults for production
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:        DefaultTimeout,
		HTTPVersion:    HTTPVersion2,
		CircuitBreaker: breaker.DefaultConfig(),
	}
}

// DevHTTPMediatorConfig returns config suitable for development
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Create transport with base settings
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		// Force HTTP/1.1 by disabling HTTP/2
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	// No client-level timeout: each request carries a context deadline, so a
	// pool-level timeout can exceed the mediator default.
	client := &http.Client{
		Transport: transport,
	}

	return &HTTPMediator{
		client:   client,
		breakers: breaker.NewRegistry(cfg.CircuitBreaker),
		timeout:  timeout,
	}
}

// Breakers exposes the per-target circuit breaker registry for the
// monitoring endpoints.
func (m *HTTPMediator) Breakers() *breaker.Registry {
	return m.breakers
}

// Process delivers a message to its mediation target and classifies the
// result. It never returns nil.
func (m *HTTPMediator) Process(msg *pool.Message) *pool.MediationOutcome {
	if msg == nil || msg.Pointer == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Detail: "nil message",
			Err:    errors.New("nil message"),
		}
	}

	ptr := msg.Pointer
	if ptr.MediationTarget == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Detail: "no mediation target",
			Err:    errors.New("no target URL"),
		}
	}

	result, err := m.breakers.Execute(ptr.MediationTarget, func() (interface{}, error) {
		return m.executeOnce(msg)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Warn("Circuit breaker open, deferring message",
				"messageId", ptr.ID,
				"breaker", m.breakers.KeyFor(ptr.MediationTarget))
			return &pool.MediationOutcome{
				Result:       pool.MediationResultErrorProcess,
				DelaySeconds: m.breakers.OpenStateDelaySeconds(),
				Detail:       "circuit breaker open",
				Err:          err,
			}
		}

		// A completed call that fed the breaker a failure still carries
		// its classified outcome
		if outcome, ok := result.(*pool.MediationOutcome); ok && outcome != nil {
			return outcome
		}
		return m.transportOutcome(ptr, err)
	}

	if outcome, ok := result.(*pool.MediationOutcome); ok && outcome != nil {
		return outcome
	}
	return &pool.MediationOutcome{
		Result: pool.MediationResultErrorProcess,
		Detail: "mediation produced no outcome",
	}
}

// executeOnce performs a single HTTP POST to the mediation target.
//
// The returned error is the circuit breaker failure signal: transport errors
// and 5xx statuses (except 501) count against the target, everything else is
// a completed call.
func (m *HTTPMediator) executeOnce(msg *pool.Message) (*pool.MediationOutcome, error) {
	ptr := msg.Pointer

	timeout := m.timeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload, err := json.Marshal(model.ProcessRequest{MessageID: ptr.ID})
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Detail: "failed to encode process request",
			Err:    err,
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ptr.MediationTarget, bytes.NewReader(payload))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Detail: "invalid mediation target",
			Err:    err,
		}, nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-FlowCatalyst-MessageId", ptr.ID)
	if ptr.MessageGroupID != "" {
		req.Header.Set("X-FlowCatalyst-MessageGroup", ptr.MessageGroupID)
	}
	if ptr.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+ptr.AuthToken)
	}

	slog.Debug("Executing HTTP mediation",
		"messageId", ptr.ID,
		"target", ptr.MediationTarget)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	// Track HTTP duration
	metrics.MediatorHTTPDuration.WithLabelValues(ptr.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	// Track HTTP request count by status
	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	slog.Debug("HTTP response received",
		"messageId", ptr.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	outcome := m.classifyResponse(ptr, resp.StatusCode, resp.Header, body)
	if isServerFailure(resp.StatusCode) {
		return outcome, errServerFailure
	}
	return outcome, nil
}

// isServerFailure reports whether a status counts against the target's
// circuit breaker. 501 means the target will never handle the call, which
// is a configuration problem rather than an outage.
func isServerFailure(statusCode int) bool {
	return statusCode >= 500 && statusCode != http.StatusNotImplemented
}

// classifyResponse maps an HTTP status and response body to an outcome:
//
//	2xx with envelope status SUCCESS (or no envelope)  -> SUCCESS
//	2xx with envelope status ERROR                     -> ERROR_PROCESS
//	400, 429, 5xx except 501                           -> ERROR_PROCESS
//	401, 403, 404, 501, remaining 4xx                  -> ERROR_CONFIG
func (m *HTTPMediator) classifyResponse(ptr *model.MessagePointer, statusCode int, header http.Header, body []byte) *pool.MediationOutcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return m.classifyEnvelope(ptr, statusCode, body)

	case statusCode == http.StatusBadRequest:
		slog.Warn("Mediation target rejected request",
			"messageId", ptr.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Detail:     "target rejected request",
		}

	case statusCode == http.StatusTooManyRequests:
		return &pool.MediationOutcome{
			Result:       pool.MediationResultErrorProcess,
			StatusCode:   statusCode,
			DelaySeconds: retryAfterSeconds(header, body),
			Detail:       "target rate limited the request",
		}

	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusNotFound,
		statusCode == http.StatusNotImplemented:
		slog.Warn("Mediation misconfigured - will not retry",
			"messageId", ptr.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
			Detail:     http.StatusText(statusCode),
		}

	case statusCode >= 500:
		slog.Warn("Mediation target server error",
			"messageId", ptr.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Detail:     http.StatusText(statusCode),
		}

	case statusCode >= 400:
		slog.Warn("Client error - will not retry",
			"messageId", ptr.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
			Detail:     http.StatusText(statusCode),
		}

	default:
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Detail:     "unexpected status",
		}
	}
}

// classifyEnvelope refines a 2xx response using the body envelope. Targets
// that return an empty or non-envelope body are treated as successful: the
// envelope refines the HTTP status, it does not gate it.
func (m *HTTPMediator) classifyEnvelope(ptr *model.MessagePointer, statusCode int, body []byte) *pool.MediationOutcome {
	success := &pool.MediationOutcome{
		Result:     pool.MediationResultSuccess,
		StatusCode: statusCode,
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return success
	}

	var envelope model.MediationResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return success
	}
	if !envelope.Status.IsError() {
		return success
	}

	outcome := &pool.MediationOutcome{
		Result:     pool.MediationResultErrorProcess,
		StatusCode: statusCode,
		Detail:     envelope.ErrorDescription,
	}
	if envelope.DelaySeconds != nil {
		outcome.DelaySeconds = envelope.RetryDelay()
	}
	slog.Info("Target reported processing error, will redeliver",
		"messageId", ptr.ID,
		"status", string(envelope.Status),
		"delaySeconds", outcome.DelaySeconds,
		"description", envelope.ErrorDescription)
	return outcome
}

// retryAfterSeconds derives the redelivery delay for a 429 from the
// Retry-After header, falling back to a delaySeconds field in the body.
// Zero means the router default applies.
func retryAfterSeconds(header http.Header, body []byte) int {
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return model.ClampDelaySeconds(seconds)
		}
	}

	if len(body) > 0 {
		var envelope model.MediationResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.DelaySeconds != nil && *envelope.DelaySeconds > 0 {
			return model.ClampDelaySeconds(*envelope.DelaySeconds)
		}
	}
	return 0
}

// transportOutcome classifies a request that never produced a response.
// Connection failures and timeouts are transient: the broker redelivers.
func (m *HTTPMediator) transportOutcome(ptr *model.MessagePointer, err error) *pool.MediationOutcome {
	detail := "connection failure"

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		detail = "mediation timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		detail = "mediation timed out"
	}

	slog.Warn("Mediation transport failure",
		"messageId", ptr.ID,
		"target", ptr.MediationTarget,
		"detail", detail,
		"error", err)

	return &pool.MediationOutcome{
		Result: pool.MediationResultErrorProcess,
		Detail: detail,
		Err:    err,
	}
}
