package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL), WithTimeout(5*time.Second))
}

func TestClientQueryChannels(t *testing.T) {
	var got QueryChannelsRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("expected bearer token, got %q", auth)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected a request id")
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"channels": []map[string]any{
				{"cid": "messaging:a", "type": "messaging", "id": "a", "ownCapabilities": []string{"send-message"}},
				{"cid": "messaging:b", "type": "messaging", "id": "b", "ownCapabilities": []string{}},
			},
		})
	})

	channels, err := client.QueryChannels(context.Background(), QueryChannelsRequest{
		Filter: Filter{"members": map[string]any{"$in": []string{"u1"}}},
		Limit:  2,
		Watch:  true,
	})
	if err != nil {
		t.Fatalf("QueryChannels: %v", err)
	}
	if len(channels) != 2 || channels[0].CID != "messaging:a" {
		t.Fatalf("unexpected channels: %+v", channels)
	}
	if !channels[0].HasCapability(CapabilitySendMessage) {
		t.Error("expected send-message capability")
	}
	if channels[1].OwnCapabilities == nil {
		t.Error("an empty capability list must decode as empty, not missing")
	}
	if got.Limit != 2 || !got.Watch {
		t.Errorf("request not forwarded: %+v", got)
	}
}

func TestClientAPIError(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"code":"FORBIDDEN","message":"not a member"}`))
		})
		err := client.MarkRead(context.Background(), "messaging:a", "m1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T: %v", err, err)
		}
		if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "FORBIDDEN" {
			t.Fatalf("unexpected error: %+v", apiErr)
		}
	})

	t.Run("plain body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := client.QueryChannel(context.Background(), "messaging:a", true)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.Message != http.StatusText(http.StatusBadGateway) {
			t.Fatalf("unexpected message: %q", apiErr.Message)
		}
	})

	t.Run("invalid cid", func(t *testing.T) {
		client := NewClient("t")
		if err := client.MarkRead(context.Background(), "no-colon", ""); err == nil {
			t.Fatal("expected error for invalid cid")
		}
	})
}

func TestClientSendReaction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/m1/reaction" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Reaction      Reaction `json:"reaction"`
			EnforceUnique bool     `json:"enforceUnique"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if !body.EnforceUnique || body.Reaction.Type != "like" {
			t.Errorf("unexpected body: %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"reaction": body.Reaction,
			"message":  map[string]any{"id": "m1", "reactionCounts": map[string]int{"like": 2}},
		})
	})

	r, msg, err := client.SendReaction(context.Background(), Reaction{MessageID: "m1", Type: "like"}, true)
	if err != nil {
		t.Fatalf("SendReaction: %v", err)
	}
	if r.Type != "like" || msg.ReactionCounts["like"] != 2 {
		t.Fatalf("unexpected result: %+v %+v", r, msg)
	}
}

func TestClientUploadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	content := strings.Repeat("chat sync upload ", 1024)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/messaging/a/file" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != content {
			t.Errorf("file content mismatch: %d bytes", len(data))
		}
		if header.Filename != "notes.txt" {
			t.Errorf("unexpected file name %q", header.Filename)
		}
		if mt := r.FormValue("mimeType"); mt != "text/plain" {
			t.Errorf("unexpected mime type %q", mt)
		}
		json.NewEncoder(w).Encode(map[string]string{"file": "https://cdn.example.com/notes.txt"})
	})

	var last, total int64
	url, err := client.UploadFile(context.Background(), "messaging:a", Attachment{LocalPath: path}, func(uploaded, size int64) {
		last, total = uploaded, size
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if url != "https://cdn.example.com/notes.txt" {
		t.Fatalf("unexpected url %q", url)
	}
	if total == 0 || last != total {
		t.Fatalf("expected progress to reach total, got %d/%d", last, total)
	}

	t.Run("images go to the image endpoint", func(t *testing.T) {
		img := filepath.Join(dir, "photo.png")
		os.WriteFile(img, []byte("\x89PNG"), 0o600)
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasSuffix(r.URL.Path, "/image") {
				t.Errorf("expected image endpoint, got %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(map[string]string{"file": "https://cdn.example.com/photo.png"})
		})
		if _, err := client.UploadFile(context.Background(), "messaging:a", Attachment{LocalPath: img}, nil); err != nil {
			t.Fatalf("UploadFile: %v", err)
		}
	})

	t.Run("missing local file", func(t *testing.T) {
		if _, err := client.UploadFile(context.Background(), "messaging:a", Attachment{}, nil); err == nil {
			t.Fatal("expected error without a local path")
		}
	})
}

func TestClientSyncHistory(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChannelCIDs []string `json:"channelCids"`
			LastSyncAt  string   `json:"lastSyncAt"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.ChannelCIDs) != 1 || body.LastSyncAt != "2026-03-01T12:00:00Z" {
			t.Errorf("unexpected body: %+v", body)
		}
		w.Write([]byte(`{"events":[
			{"type":"message.new","cid":"messaging:a","message":{"id":"m1","text":"hi"}},
			{"cid":"messaging:a"},
			{"type":"custom.thing","cid":"messaging:a"}
		]}`))
	})

	events, err := client.SyncHistory(context.Background(), []string{"messaging:a"}, since)
	if err != nil {
		t.Fatalf("SyncHistory: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 decodable events, got %d", len(events))
	}
	if _, ok := events[0].(*NewMessageEvent); !ok {
		t.Errorf("expected *NewMessageEvent, got %T", events[0])
	}
	if u, ok := events[1].(*UnknownEvent); !ok || u.Type != "custom.thing" {
		t.Errorf("expected UnknownEvent custom.thing, got %T", events[1])
	}
}

func TestClientWSURL(t *testing.T) {
	cases := []struct {
		base, token, want string
	}{
		{"https://chat.example.com", "abc", "wss://chat.example.com/connect?token=abc"},
		{"http://localhost:3030/", "", "ws://localhost:3030/connect"},
	}
	for _, tc := range cases {
		got := NewClient(tc.token, WithBaseURL(tc.base)).WSURL()
		if got != tc.want {
			t.Errorf("WSURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestGuessMimeType(t *testing.T) {
	cases := map[string]string{
		"readme.md":  "text/markdown",
		"photo.png":  "image/png",
		"notes.txt":  "text/plain",
		"binary":     "application/octet-stream",
		"clip.webm":  "video/webm",
		"config.yml": "text/yaml",
	}
	for name, want := range cases {
		if got := guessMimeType(name); got != want {
			t.Errorf("guessMimeType(%q) = %q, want %q", name, got, want)
		}
	}
}
