package chatsync

import (
	"slices"
	"testing"
)

func channelAt(cid string, lastMessageSec int) Channel {
	ch := Channel{CID: cid, Name: cid}
	if lastMessageSec >= 0 {
		ch.LastMessageAt = at(lastMessageSec)
	}
	return ch
}

func TestQuerySortComparator(t *testing.T) {
	a := channelAt("messaging:a", 10)
	b := channelAt("messaging:b", 20)
	c := channelAt("messaging:c", -1)
	c.CreatedAt = at(30)
	c.UnreadCount = 4
	c.MemberCount = 9

	sorted := func(q QuerySort, list ...Channel) []string {
		list = slices.Clone(list)
		slices.SortFunc(list, q.Comparator())
		return mapIDs(list, channelCID)
	}

	cases := []struct {
		name string
		sort QuerySort
		want []string
	}{
		{"default is newest message first", nil, []string{"messaging:b", "messaging:a", "messaging:c"}},
		{"last updated uses creation without messages", QuerySort{{Field: SortLastUpdated, Direction: -1}}, []string{"messaging:c", "messaging:b", "messaging:a"}},
		{"unread first", QuerySort{{Field: SortHasUnread, Direction: -1}}, []string{"messaging:c", "messaging:a", "messaging:b"}},
		{"member count ascending", QuerySort{{Field: SortMemberCount, Direction: 1}}, []string{"messaging:a", "messaging:b", "messaging:c"}},
		{"unknown fields fall back to cid", QuerySort{{Field: "color", Direction: 1}}, []string{"messaging:a", "messaging:b", "messaging:c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sorted(tc.sort, c, a, b); !slices.Equal(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQueryChannelsStateKinds(t *testing.T) {
	s := NewQueryChannelsState(QuerySpec{Filter: Filter{"type": "messaging"}})
	if k := s.ChannelsStateData().Kind; k != ChannelsNoQueryActive {
		t.Fatalf("expected no_query_active, got %s", k)
	}
	if s.Channels() != nil {
		t.Fatal("expected nil channels before the first result")
	}

	s.SetLoading(true)
	if k := s.ChannelsStateData().Kind; k != ChannelsLoading {
		t.Fatalf("expected loading, got %s", k)
	}

	s.SetChannels(nil)
	s.SetLoading(false)
	data := s.ChannelsStateData()
	if data.Kind != ChannelsNoResults || data.Channels == nil || len(data.Channels) != 0 {
		t.Fatalf("expected no_results with an empty list, got %+v", data)
	}

	s.SetLoading(true)
	if k := s.ChannelsStateData().Kind; k != ChannelsLoading {
		t.Fatalf("an empty list while loading reports loading, got %s", k)
	}
	s.SetLoading(false)

	s.AddChannels(channelAt("messaging:a", 1), channelAt("messaging:b", 2))
	if got := s.CIDs(); !slices.Equal(got, []string{"messaging:b", "messaging:a"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if k := s.ChannelsStateData().Kind; k != ChannelsResult {
		t.Fatalf("expected result, got %s", k)
	}

	s.clear()
	if k := s.ChannelsStateData().Kind; k != ChannelsNoQueryActive {
		t.Fatalf("expected no_query_active after clear, got %s", k)
	}
}

func TestQueryChannelsStateUpdates(t *testing.T) {
	s := NewQueryChannelsState(QuerySpec{})
	s.SetChannels([]Channel{channelAt("messaging:a", 1), channelAt("messaging:b", 2), channelAt("messaging:c", 3)})

	s.AddChannels(channelAt("messaging:a", 9))
	if got := s.CIDs(); !slices.Equal(got, []string{"messaging:a", "messaging:c", "messaging:b"}) {
		t.Fatalf("a new message must move the channel up, got %v", got)
	}

	s.RefreshChannels(channelAt("messaging:b", 10), channelAt("messaging:z", 99))
	if got := s.CIDs(); !slices.Equal(got, []string{"messaging:b", "messaging:a", "messaging:c"}) {
		t.Fatalf("unexpected order after refresh %v", got)
	}
	if s.has("messaging:z") {
		t.Fatal("refresh must not add channels")
	}

	s.RemoveChannels("messaging:a", "messaging:missing")
	if got := s.CIDs(); !slices.Equal(got, []string{"messaging:b", "messaging:c"}) {
		t.Fatalf("unexpected list after remove %v", got)
	}

	s.SetActiveLocations(map[string][]Location{"messaging:c": {{MessageID: "loc", CID: "messaging:c"}}})
	for _, ch := range s.Channels() {
		if ch.CID == "messaging:c" && len(ch.ActiveLiveLocations) != 1 {
			t.Errorf("expected a live location on messaging:c")
		}
	}

	published := s.Channels()
	s.AddChannels(channelAt("messaging:d", 100))
	if len(published) != 2 {
		t.Fatal("published snapshots must not change")
	}
}

func TestNextPageRequest(t *testing.T) {
	s := NewQueryChannelsState(QuerySpec{})
	if _, ok := s.NextPageRequest(); ok {
		t.Fatal("expected no request before the first query")
	}
	s.SetCurrentRequest(QueryChannelsRequest{Limit: 20, Watch: true})
	s.SetChannelsOffset(40)
	req, ok := s.NextPageRequest()
	if !ok || req.Offset != 40 || req.Limit != 20 || !req.Watch {
		t.Fatalf("unexpected next page %+v", req)
	}
}

func TestQuerySpecKey(t *testing.T) {
	a := QuerySpec{Filter: Filter{"type": "messaging", "members": []string{"u1"}}}
	b := QuerySpec{Filter: Filter{"members": []string{"u1"}, "type": "messaging"}}
	if a.Key() != b.Key() {
		t.Fatalf("equal specs must share a key: %s vs %s", a.Key(), b.Key())
	}
	c := QuerySpec{Filter: a.Filter, Sort: QuerySort{{Field: SortName, Direction: 1}}}
	if a.Key() == c.Key() {
		t.Fatal("a different sort must change the key")
	}
}
