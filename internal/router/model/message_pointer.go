// Package model provides the wire-level data structures for the message router.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MediationType identifies the mechanism used to deliver a message to its target.
type MediationType string

const (
	// MediationTypeHTTP delivers messages via HTTP POST to the mediation target.
	MediationTypeHTTP MediationType = "HTTP"
)

// MediationStatus is the outcome a mediation target reports in its response body.
type MediationStatus string

const (
	MediationStatusSuccess MediationStatus = "SUCCESS"
	MediationStatusError   MediationStatus = "ERROR"

	// MediationStatusErrorServer is a deprecated alias for ERROR still sent
	// by older processing endpoints. Treated identically to ERROR; the
	// original value is surfaced in logs for legacy log parsing.
	MediationStatusErrorServer MediationStatus = "ERROR_SERVER"
)

// IsError reports whether the status is ERROR or its deprecated
// ERROR_SERVER alias.
func (s MediationStatus) IsError() bool {
	return s == MediationStatusError || s == MediationStatusErrorServer
}

const (
	// DefaultMessageGroup is assigned to pointers that carry no explicit group.
	DefaultMessageGroup = "default"

	// MaxDelaySeconds is the maximum redelivery delay (12 hours, the SQS limit).
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is the redelivery delay applied when a retryable
	// failure carries no explicit delay.
	DefaultDelaySeconds = 30
)

// ErrInvalidPointer indicates a message body that cannot become a valid
// MessagePointer: malformed JSON, missing required fields, or an unknown
// mediation type. Such messages are poison and must never be redelivered.
var ErrInvalidPointer = errors.New("invalid message pointer")

// MessagePointer contains routing and mediation information.
// It is a lightweight reference: the payload stays in the system of record,
// and the mediator delivers the ID to the processing endpoint, which loads
// the full message itself.
type MessagePointer struct {
	// ID is the business identifier (typically a dispatch job ID),
	// used for deduplication across the pipeline.
	ID string `json:"id"`

	// PoolCode selects the processing pool that will mediate this message.
	PoolCode string `json:"poolCode"`

	// AuthToken is the credential passed to the mediation target (HMAC-SHA256).
	AuthToken string `json:"authToken,omitempty"`

	// MediationType selects the mediator implementation.
	MediationType MediationType `json:"mediationType"`

	// MediationTarget is the endpoint URL the mediator delivers to.
	MediationTarget string `json:"mediationTarget"`

	// MessageGroupID orders messages: pointers sharing a group are processed
	// one at a time in arrival order, while different groups run concurrently.
	// Examples:
	//   - "order-12345" - all events for this order process in FIFO order
	//   - empty string  - assigned to DefaultMessageGroup
	MessageGroupID string `json:"messageGroupId,omitempty"`

	// --- Internal fields (not serialized to the broker) ---

	// BatchID identifies the broker poll batch this pointer arrived in.
	// Used to enforce FIFO barriers within a batch.
	BatchID string `json:"-"`

	// BrokerMessageID is the broker-assigned delivery ID, distinct from the
	// business ID above. A redelivery carries the same ID on SQS and a fresh
	// one on brokers that reassign per delivery.
	BrokerMessageID string `json:"-"`
}

// NewMessagePointer builds a pointer for publishing, applying the same
// defaults DecodePointer applies on the consuming side.
func NewMessagePointer(id, poolCode, authToken string, mediationType MediationType, mediationTarget, messageGroupID string) *MessagePointer {
	if mediationType == "" {
		mediationType = MediationTypeHTTP
	}
	if messageGroupID == "" {
		messageGroupID = DefaultMessageGroup
	}
	return &MessagePointer{
		ID:              id,
		PoolCode:        poolCode,
		AuthToken:       authToken,
		MediationType:   mediationType,
		MediationTarget: mediationTarget,
		MessageGroupID:  messageGroupID,
	}
}

// DecodePointer parses a broker message body into a MessagePointer and
// applies defaults. All failures wrap ErrInvalidPointer so callers can
// distinguish poison messages from transient errors.
func DecodePointer(data []byte) (*MessagePointer, error) {
	var p MessagePointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPointer, err)
	}
	if p.MediationType == "" {
		p.MediationType = MediationTypeHTTP
	}
	if p.MessageGroupID == "" {
		p.MessageGroupID = DefaultMessageGroup
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode serializes the pointer for publishing. Internal routing fields
// (batch ID, broker message ID) are never included.
func (p *MessagePointer) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Validate checks required fields and the mediation type.
func (p *MessagePointer) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPointer)
	}
	if p.PoolCode == "" {
		return fmt.Errorf("%w: missing poolCode", ErrInvalidPointer)
	}
	if p.MediationTarget == "" {
		return fmt.Errorf("%w: missing mediationTarget", ErrInvalidPointer)
	}
	switch p.MediationType {
	case MediationTypeHTTP:
		return nil
	default:
		return fmt.Errorf("%w: unknown mediationType %q", ErrInvalidPointer, p.MediationType)
	}
}

// ProcessRequest is the payload the HTTP mediator POSTs to a processing
// endpoint. The endpoint loads the full message by ID.
type ProcessRequest struct {
	// MessageID is the dispatch job ID to process
	MessageID string `json:"messageId"`
}

// MediationResponse is the body a mediation target returns. A 2xx response
// whose Status is ERROR still counts as a processing failure; DelaySeconds
// optionally hints when the message should be redelivered.
//
// Targets that return 2xx with an empty or unparseable body are treated as
// successful: the envelope refines the HTTP status, it does not gate it.
type MediationResponse struct {
	// Status is SUCCESS or ERROR.
	Status MediationStatus `json:"status"`

	// Message is optional human-readable detail for a success.
	Message string `json:"message,omitempty"`

	// ErrorDescription explains an ERROR status.
	ErrorDescription string `json:"errorDescription,omitempty"`

	// ErrorDetails carries structured diagnostic fields for an ERROR status.
	ErrorDetails map[string]any `json:"errorDetails,omitempty"`

	// DelaySeconds is the requested redelivery delay (only used on ERROR).
	// Valid range 1-43200; nil falls back to DefaultDelaySeconds.
	DelaySeconds *int `json:"delaySeconds,omitempty"`
}

// NewSuccessResponse creates the envelope a target returns for a processed message.
func NewSuccessResponse(message string) *MediationResponse {
	return &MediationResponse{
		Status:  MediationStatusSuccess,
		Message: message,
	}
}

// NewErrorResponse creates the envelope a target returns for a failed message.
// delaySeconds <= 0 leaves the redelivery delay at the router default.
func NewErrorResponse(description string, delaySeconds int) *MediationResponse {
	resp := &MediationResponse{
		Status:           MediationStatusError,
		ErrorDescription: description,
	}
	if delaySeconds > 0 {
		resp.DelaySeconds = &delaySeconds
	}
	return resp
}

// RetryDelay returns the clamped redelivery delay for an error response,
// falling back to DefaultDelaySeconds when the target supplied none.
func (r *MediationResponse) RetryDelay() int {
	if r == nil || r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds
	}
	return ClampDelaySeconds(*r.DelaySeconds)
}

// ClampDelaySeconds bounds a redelivery delay to [1, MaxDelaySeconds].
func ClampDelaySeconds(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return seconds
}
