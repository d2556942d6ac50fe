package chatsync

import (
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("message.new", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{
			"type": "message.new",
			"cid": "messaging:a",
			"createdAt": "2026-05-01T12:00:00Z",
			"user": {"id": "u-alice"},
			"message": {"id": "m1", "cid": "messaging:a", "text": "hi", "user": {"id": "u-alice"}},
			"totalUnreadCount": 3,
			"unreadChannels": 2
		}`))
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		msg, ok := ev.(*NewMessageEvent)
		if !ok {
			t.Fatalf("expected *NewMessageEvent, got %T", ev)
		}
		if msg.CID != "messaging:a" || msg.Message.Text != "hi" || !msg.CreatedAt.Equal(testNow) {
			t.Errorf("unexpected event %+v", msg)
		}
		if total, channels := msg.UnreadCounts(); total != 3 || channels != 2 {
			t.Errorf("unexpected unread counts %d/%d", total, channels)
		}
		if ev.Meta().Type != EventMessageNew {
			t.Errorf("unexpected type %q", ev.Meta().Type)
		}
	})

	t.Run("user.banned depends on the channel", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"user.banned","cid":"messaging:a","user":{"id":"u-bob"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := ev.(*ChannelUserBannedEvent); !ok {
			t.Errorf("expected *ChannelUserBannedEvent, got %T", ev)
		}
		ev, err = DecodeEvent([]byte(`{"type":"user.banned","user":{"id":"u-bob"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := ev.(*GlobalUserBannedEvent); !ok {
			t.Errorf("expected *GlobalUserBannedEvent, got %T", ev)
		}
		ev, _ = DecodeEvent([]byte(`{"type":"user.unbanned","user":{"id":"u-bob"}}`))
		if _, ok := ev.(*GlobalUserUnbannedEvent); !ok {
			t.Errorf("expected *GlobalUserUnbannedEvent, got %T", ev)
		}
	})

	t.Run("health check connects", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"type":"health.check","me":{"id":"u-me"}}`))
		if err != nil {
			t.Fatal(err)
		}
		c, ok := ev.(*ConnectedEvent)
		if !ok {
			t.Fatalf("expected *ConnectedEvent, got %T", ev)
		}
		if c.OwnUser().ID != "u-me" {
			t.Errorf("unexpected own user %+v", c.OwnUser())
		}
	})

	t.Run("unknown types are kept", func(t *testing.T) {
		raw := `{"type":"poll.closed","cid":"messaging:a"}`
		ev, err := DecodeEvent([]byte(raw))
		if err != nil {
			t.Fatal(err)
		}
		u, ok := ev.(*UnknownEvent)
		if !ok {
			t.Fatalf("expected *UnknownEvent, got %T", ev)
		}
		if u.Type != "poll.closed" || string(u.Raw) != raw {
			t.Errorf("unexpected unknown event %+v", u)
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, raw := range []string{`not json`, `{"cid":"messaging:a"}`, `{"type":"message.new","message":"oops"}`} {
			if _, err := DecodeEvent([]byte(raw)); err == nil {
				t.Errorf("expected an error for %s", raw)
			}
		}
	})
}
