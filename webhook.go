package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature"

// maxWebhookBody bounds the bytes read from one webhook request.
const maxWebhookBody = 4 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a hex HMAC-SHA256 signature of body, with
// or without a "sha256=" prefix. Uses constant-time comparison.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEvents decodes a webhook body: either one event object or an
// array of events.
func ParseWebhookEvents(body []byte) ([]ChatEvent, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var raws []json.RawMessage
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
		}
		events := make([]ChatEvent, 0, len(raws))
		for _, raw := range raws {
			ev, err := DecodeEvent(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil
	}
	ev, err := DecodeEvent(body)
	if err != nil {
		return nil, err
	}
	return []ChatEvent{ev}, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies signed event deliveries and hands them to an EventSink.
type Webhook struct {
	secret string
	sink   EventSink
	logger *zap.Logger
}

// NewWebhook creates a webhook receiver.
func NewWebhook(secret string, sink EventSink, logger *zap.Logger) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{secret: secret, sink: sink, logger: logger}, nil
}

// Handle processes a webhook request (verify + decode + deliver).
// Returns the status code and response body for the caller to write.
func (w *Webhook) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		w.logger.Warn("webhook_signature_invalid")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	events, err := ParseWebhookEvents(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.sink.HandleEvents(ctx, events...); err != nil {
		w.logger.Error("webhook_events_failed", zap.Int("events", len(events)), zap.Error(err))
		var pe *PersistenceError
		if errors.As(err, &pe) {
			return http.StatusServiceUnavailable, map[string]string{"error": err.Error()}
		}
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]any{"ok": true, "events": len(events)}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhook("secret", engine, logger)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		defer r.Body.Close()
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
