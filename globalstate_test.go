package chatsync

import "testing"

func TestGlobalStateTyping(t *testing.T) {
	const cid = "messaging:general"
	g := NewGlobalState()

	g.setTyping(cid, TypingEvent{Users: []User{testAlice}})
	ev, ok := g.Typing().Value()[cid]
	if !ok || len(ev.Users) != 1 || ev.Users[0].ID != testAlice.ID || ev.CID != cid {
		t.Fatalf("expected Alice typing in %s, got %+v (present %v)", cid, ev, ok)
	}

	g.setTyping(cid, TypingEvent{Users: nil})
	if _, ok := g.Typing().Value()[cid]; ok {
		t.Fatalf("an empty participant list must remove the entry, got %+v", g.Typing().Value())
	}

	before := g.Typing().Value()
	g.setTyping("messaging:other", TypingEvent{Users: []User{}})
	if got := g.Typing().Value(); len(got) != 0 || len(before) != 0 {
		t.Fatalf("expected no typing entries, got %+v", got)
	}

	g.setTyping(cid, TypingEvent{Users: []User{testAlice, testBob}})
	g.Clear()
	if got := g.Typing().Value(); len(got) != 0 {
		t.Fatalf("Clear must drop typing, got %+v", got)
	}
}
