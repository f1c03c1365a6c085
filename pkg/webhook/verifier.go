// Package webhook authenticates inbound provider webhook deliveries and
// rejects replays.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/ledgerowl/pkg/cipherbox"
	"github.com/wisbric/ledgerowl/pkg/provider"
)

// Validation error codes.
const (
	CodeSignatureMissing    = "WEBHOOK_SIGNATURE_MISSING"
	CodeSignatureInvalid    = "WEBHOOK_SIGNATURE_INVALID"
	CodeMalformedPayload    = "WEBHOOK_MALFORMED_PAYLOAD"
	CodeReplayAttack        = "WEBHOOK_REPLAY_ATTACK"
	CodeTimestampOutOfRange = "WEBHOOK_TIMESTAMP_OUT_OF_RANGE"
)

const (
	// GenericSignatureHeader is accepted for every provider.
	GenericSignatureHeader = "X-Webhook-Signature"
	// DeliveryIDHeader carries an explicit delivery id.
	DeliveryIDHeader = "X-Webhook-Delivery-Id"
	// TimestampHeader carries the delivery time when the payload has none.
	TimestampHeader = "X-Webhook-Timestamp"

	DefaultDedupWindow        = 10 * time.Minute
	DefaultTimestampTolerance = 5 * time.Minute
)

// ValidationError rejects a single delivery. It is never retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

// IsCode reports whether err is a *ValidationError with the given code.
func IsCode(err error, code string) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == code
}

// Result describes an authenticated delivery.
type Result struct {
	Provider   string
	DeliveryID string
	Payload    map[string]any
	Timestamp  time.Time

	// ReplayCheckSkipped is set when the replay cache was unavailable and
	// the delivery was let through without a replay check.
	ReplayCheckSkipped bool
}

// Config configures a Verifier.
type Config struct {
	// Secrets maps provider name to its signing secret.
	Secrets map[string]string
	// DefaultSecret signs providers without an entry in Secrets.
	DefaultSecret string
	// Headers maps provider name to the signature headers it may use, in
	// order of preference. GenericSignatureHeader is always tried last.
	Headers map[string][]string

	DedupWindow        time.Duration
	TimestampTolerance time.Duration
}

// HeadersFromDefinitions collects the signature header of every provider.
func HeadersFromDefinitions(defs map[string]provider.Definition) map[string][]string {
	headers := make(map[string][]string, len(defs))
	for name, def := range defs {
		if def.WebhookSignatureHeader != "" {
			headers[name] = []string{def.WebhookSignatureHeader}
		} else {
			headers[name] = nil
		}
	}
	return headers
}

// Verifier authenticates webhook deliveries. It is safe for concurrent use.
type Verifier struct {
	cfg      Config
	cache    ReplayCache
	logger   *slog.Logger
	now      func() time.Time
	results  *prometheus.CounterVec
	degraded *prometheus.CounterVec
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

// WithLogger sets the verifier logger.
func WithLogger(l *slog.Logger) Option { return func(v *Verifier) { v.logger = l } }

// WithMetrics counts verification results and degraded replay checks.
func WithMetrics(results, degraded *prometheus.CounterVec) Option {
	return func(v *Verifier) {
		v.results = results
		v.degraded = degraded
	}
}

// NewVerifier creates a Verifier backed by cache.
func NewVerifier(cfg Config, cache ReplayCache, opts ...Option) *Verifier {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = DefaultTimestampTolerance
	}
	v := &Verifier{cfg: cfg, cache: cache, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Supports reports whether deliveries for providerName are accepted.
func (v *Verifier) Supports(providerName string) bool {
	_, ok := v.cfg.Headers[providerName]
	return ok
}

// Verify runs the signature, payload, replay and timestamp gates in that
// order and stops at the first failure.
func (v *Verifier) Verify(ctx context.Context, providerName string, body []byte, headers http.Header) (*Result, error) {
	res, err := v.verify(ctx, providerName, body, headers)
	v.count(providerName, err)
	return res, err
}

func (v *Verifier) verify(ctx context.Context, providerName string, body []byte, headers http.Header) (*Result, error) {
	signature := v.signatureHeader(providerName, headers)
	if signature == "" {
		v.logger.Warn("webhook signature missing", "event", "webhook_signature_missing", "provider", providerName)
		return nil, &ValidationError{Code: CodeSignatureMissing, Message: "signature header is missing"}
	}

	secret := v.secret(providerName)
	if secret == "" {
		v.logger.Error("no webhook secret configured", "provider", providerName)
		return nil, &ValidationError{Code: CodeSignatureInvalid, Message: "signature cannot be verified"}
	}

	expected := cipherbox.HMACSHA256([]byte(secret), body)
	provided, ok := decodeSignature(signature)
	if !ok || !cipherbox.Equal(expected, provided) {
		v.logger.Warn("webhook signature invalid", "event", "webhook_signature_invalid", "provider", providerName)
		return nil, &ValidationError{Code: CodeSignatureInvalid, Message: "signature does not match"}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, &ValidationError{Code: CodeMalformedPayload, Message: "body is not a JSON object"}
	}

	res := &Result{
		Provider:   providerName,
		DeliveryID: deliveryID(headers, payload, body),
		Payload:    payload,
	}

	existed, err := v.cache.GetOrInsert(ctx, replayKey(providerName, res.DeliveryID), v.cfg.DedupWindow)
	switch {
	case err != nil:
		res.ReplayCheckSkipped = true
		if v.degraded != nil {
			v.degraded.WithLabelValues(providerName).Inc()
		}
		v.logger.Warn("replay cache unavailable, accepting webhook without replay check",
			"event", "webhook_replay_check_degraded", "provider", providerName,
			"delivery_id", res.DeliveryID, "error", err)
	case existed:
		v.logger.Warn("webhook replay rejected",
			"event", "webhook_replay_rejected", "provider", providerName, "delivery_id", res.DeliveryID)
		return nil, &ValidationError{Code: CodeReplayAttack, Message: "delivery " + res.DeliveryID + " was already processed"}
	}

	if ts, ok := timestamp(headers, payload); ok {
		res.Timestamp = ts
		if skew := v.now().Sub(ts); skew > v.cfg.TimestampTolerance || skew < -v.cfg.TimestampTolerance {
			v.logger.Warn("webhook timestamp out of range",
				"event", "webhook_timestamp_rejected", "provider", providerName, "skew", skew.String())
			return nil, &ValidationError{Code: CodeTimestampOutOfRange, Message: "timestamp is outside the accepted window"}
		}
	}

	return res, nil
}

// Release forgets a delivery so the provider's retry is not taken for a
// replay. Used when processing fails after verification.
func (v *Verifier) Release(ctx context.Context, providerName, deliveryID string) error {
	return v.cache.Delete(ctx, replayKey(providerName, deliveryID))
}

func (v *Verifier) signatureHeader(providerName string, headers http.Header) string {
	for _, h := range v.cfg.Headers[providerName] {
		if s := strings.TrimSpace(headers.Get(h)); s != "" {
			return s
		}
	}
	return strings.TrimSpace(headers.Get(GenericSignatureHeader))
}

func (v *Verifier) secret(providerName string) string {
	if s := v.cfg.Secrets[providerName]; s != "" {
		return s
	}
	return v.cfg.DefaultSecret
}

func (v *Verifier) count(providerName string, err error) {
	if v.results == nil {
		return
	}
	result := "accepted"
	var ve *ValidationError
	if errors.As(err, &ve) {
		result = strings.ToLower(strings.TrimPrefix(ve.Code, "WEBHOOK_"))
	} else if err != nil {
		result = "error"
	}
	v.results.WithLabelValues(providerName, result).Inc()
}

func replayKey(providerName, deliveryID string) string {
	return providerName + ":" + deliveryID
}

// decodeSignature accepts hex or base64, optionally prefixed with "sha256=".
func decodeSignature(s string) ([]byte, bool) {
	s = strings.TrimPrefix(s, "sha256=")
	if len(s) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}

// deliveryID prefers an explicit header, then well-known payload fields,
// and finally a digest of the body.
func deliveryID(headers http.Header, payload map[string]any, body []byte) string {
	if id := strings.TrimSpace(headers.Get(DeliveryIDHeader)); id != "" {
		return id
	}
	for _, k := range []string{"deliveryId", "eventId", "id"} {
		switch v := payload[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func timestamp(headers http.Header, payload map[string]any) (time.Time, bool) {
	if h := headers.Get(TimestampHeader); h != "" {
		return parseTimestamp(h)
	}
	for _, k := range []string{"timestamp", "eventDateUtc", "createdAt"} {
		if v, ok := payload[k]; ok {
			return parseTimestamp(v)
		}
	}
	return time.Time{}, false
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return unixTime(n), true
	case float64:
		return unixTime(int64(t)), true
	}
	return time.Time{}, false
}

// unixTime reads seconds, or milliseconds for values above 1e12.
func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
