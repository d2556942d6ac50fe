package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestEvent() map[string]any {
	return map[string]any{
		"type":      "message.new",
		"createdAt": "2026-01-01T00:00:00Z",
		"cid":       "messaging:general",
		"user":      map[string]any{"id": "user-001", "name": "Test User"},
		"message": map[string]any{
			"id":        "msg-001",
			"cid":       "messaging:general",
			"text":      "Hello from test",
			"user":      map[string]any{"id": "user-001"},
			"createdAt": "2026-01-01T00:00:00Z",
		},
		"totalUnreadCount": 3,
		"unreadChannels":   1,
	}
}

func makeTestEventString() string {
	b, _ := json.Marshal(makeTestEvent())
	return string(b)
}

type recordingSink struct {
	mu     sync.Mutex
	events []ChatEvent
	err    error
}

func (s *recordingSink) HandleEvents(_ context.Context, events ...ChatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) received() []ChatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatEvent(nil), s.events...)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestEventString()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature([]byte(body), sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestEventString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature([]byte(body), sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestEventString()
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature([]byte(body), sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestEventString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature([]byte(body), sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestEventString()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature([]byte(body+"tampered"), sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature(nil, "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature([]byte("body"), "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature([]byte("body"), "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature([]byte("body"), "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseWebhookEvents
// ============================================================================

func TestParseWebhookEvents(t *testing.T) {
	t.Run("single event", func(t *testing.T) {
		events, err := ParseWebhookEvents([]byte(makeTestEventString()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		ev, ok := events[0].(*NewMessageEvent)
		if !ok {
			t.Fatalf("expected *NewMessageEvent, got %T", events[0])
		}
		if ev.Message.Text != "Hello from test" {
			t.Fatalf("unexpected text: %s", ev.Message.Text)
		}
		if ev.TotalUnreadCount != 3 {
			t.Fatalf("expected total unread 3, got %d", ev.TotalUnreadCount)
		}
	})

	t.Run("array of events", func(t *testing.T) {
		body := "[" + makeTestEventString() + `,{"type":"typing.start","cid":"messaging:general","user":{"id":"u2"}}]`
		events, err := ParseWebhookEvents([]byte(body))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		if _, ok := events[1].(*TypingStartEvent); !ok {
			t.Fatalf("expected *TypingStartEvent, got %T", events[1])
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookEvents([]byte("not json")); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := ParseWebhookEvents([]byte(`{"cid":"messaging:general"}`))
		if err == nil || !strings.Contains(err.Error(), "missing type") {
			t.Fatalf("expected missing type error, got: %v", err)
		}
	})
}

// ============================================================================
// NewWebhook
// ============================================================================

func TestNewWebhook(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewWebhook("", &recordingSink{}, nil); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("nil sink", func(t *testing.T) {
		if _, err := NewWebhook(testSecret, nil, nil); err == nil {
			t.Fatal("expected error for nil sink")
		}
	})

	t.Run("valid creation", func(t *testing.T) {
		wh, err := NewWebhook(testSecret, &recordingSink{}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wh == nil {
			t.Fatal("expected non-nil webhook")
		}
	})
}

// ============================================================================
// Webhook.Handle
// ============================================================================

func TestWebhookHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid signature", func(t *testing.T) {
		sink := &recordingSink{}
		wh, _ := NewWebhook(testSecret, sink, nil)
		status, data := wh.Handle(ctx, []byte(makeTestEventString()), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
		if len(sink.received()) != 0 {
			t.Fatal("sink must not see unverified events")
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, &recordingSink{}, nil)
		body := `{"cid": "messaging:general"}`
		status, _ := wh.Handle(ctx, []byte(body), makeTestSignature(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("delivered", func(t *testing.T) {
		sink := &recordingSink{}
		wh, _ := NewWebhook(testSecret, sink, nil)
		body := makeTestEventString()
		status, _ := wh.Handle(ctx, []byte(body), makeTestSignature(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if got := sink.received(); len(got) != 1 {
			t.Fatalf("expected 1 delivered event, got %d", len(got))
		}
	})

	t.Run("persistence failure", func(t *testing.T) {
		sink := &recordingSink{err: &PersistenceError{Op: "store", Err: errors.New("disk full")}}
		wh, _ := NewWebhook(testSecret, sink, nil)
		body := makeTestEventString()
		status, data := wh.Handle(ctx, []byte(body), makeTestSignature(body, testSecret))
		if status != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", status)
		}
		m := data.(map[string]string)
		if !strings.Contains(m["error"], "disk full") {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("sink error", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, &recordingSink{err: errors.New("Something broke")}, nil)
		body := makeTestEventString()
		status, _ := wh.Handle(ctx, []byte(body), makeTestSignature(body, testSecret))
		if status != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", status)
		}
	})
}

// ============================================================================
// Webhook.HTTPHandler
// ============================================================================

func TestWebhookHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, &recordingSink{}, nil)
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := NewWebhook(testSecret, &recordingSink{}, nil)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(makeTestEventString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("engine applies delivered event", func(t *testing.T) {
		repo := NewMemoryRepository()
		engine := NewEngine(User{ID: "me"}, repo)
		ctx := context.Background()
		if err := repo.InsertChannels(ctx, []Channel{{CID: "messaging:general", Type: "messaging", ID: "general"}}); err != nil {
			t.Fatalf("seed: %v", err)
		}

		wh, _ := NewWebhook(testSecret, engine, nil)
		body := makeTestEventString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}

		ch, err := engine.Channel(ctx, "messaging:general")
		if err != nil {
			t.Fatalf("channel: %v", err)
		}
		if ch.LastMessage == nil || ch.LastMessage.ID != "msg-001" {
			t.Fatalf("expected last message msg-001, got %+v", ch.LastMessage)
		}
		if ch.UnreadCount != 1 {
			t.Fatalf("expected unread 1, got %d", ch.UnreadCount)
		}
	})
}
