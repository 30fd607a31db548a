package dispatchjob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries the hex-encoded HMAC-SHA256 signature
	SignatureHeader = "X-FlowCatalyst-Signature"

	// TimestampHeader carries the unix-seconds timestamp the signature covers
	TimestampHeader = "X-FlowCatalyst-Timestamp"

	// maxPastSkewSeconds is how old a signed request may be before it is
	// rejected as a possible replay
	maxPastSkewSeconds = 300

	// maxFutureSkewSeconds is how far ahead of our clock a timestamp may
	// run before it is rejected
	maxFutureSkewSeconds = 60
)

// Webhook verification failures, in check order.
var (
	ErrSignatureMissing  = errors.New("signature or timestamp header missing")
	ErrTimestampInvalid  = errors.New("timestamp is not a unix-seconds integer")
	ErrTimestampStale    = errors.New("timestamp outside the accepted window")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// SignedWebhookRequest contains all the data needed to send a signed webhook request
type SignedWebhookRequest struct {
	Payload     string
	Signature   string
	Timestamp   string
	BearerToken string
}

// WebhookSigner signs outbound webhook requests and verifies inbound ones.
//
// The signature is HMAC-SHA256 over timestamp || body, hex-encoded. The
// timestamp is unix seconds, carried in TimestampHeader, and bounds how
// long a captured request stays replayable.
type WebhookSigner struct{}

// NewWebhookSigner creates a new webhook signer
func NewWebhookSigner() *WebhookSigner {
	return &WebhookSigner{}
}

// Sign signs a webhook payload with the provided credentials.
//
// The returned request carries the payload, its signature, the timestamp
// the signature covers, and the bearer token for the Authorization header.
func (s *WebhookSigner) Sign(payload, authToken, signingSecret string) *SignedWebhookRequest {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	return &SignedWebhookRequest{
		Payload:     payload,
		Signature:   s.hmacSHA256Hex(timestamp+payload, signingSecret),
		Timestamp:   timestamp,
		BearerToken: authToken,
	}
}

// Verify checks the signature alone, in constant time. Freshness is the
// caller's concern; most callers want VerifyRequest instead.
func (s *WebhookSigner) Verify(payload, timestamp, signature, signingSecret string) bool {
	expected := s.hmacSHA256Hex(timestamp+payload, signingSecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyRequest applies the full inbound checks: headers present, timestamp
// parseable and within the accepted window (maxPastSkewSeconds behind to
// maxFutureSkewSeconds ahead of our clock), signature valid.
func (s *WebhookSigner) VerifyRequest(payload, timestamp, signature, signingSecret string) error {
	if timestamp == "" || signature == "" {
		return ErrSignatureMissing
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrTimestampInvalid
	}

	age := time.Now().Unix() - ts
	if age > maxPastSkewSeconds || -age > maxFutureSkewSeconds {
		return ErrTimestampStale
	}

	if !s.Verify(payload, timestamp, signature, signingSecret) {
		return ErrSignatureMismatch
	}
	return nil
}

// hmacSHA256Hex computes HMAC-SHA256 and returns hex-encoded result (lowercase)
func (s *WebhookSigner) hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
