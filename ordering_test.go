package chatsync

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
)

func TestCompareMessages(t *testing.T) {
	cases := []struct {
		name string
		a, b Message
		want int
	}{
		{
			name: "own messages keep compose order",
			a:    Message{ID: "a", User: testMe, CreatedLocallyAt: at(1), CreatedAt: at(9)},
			b:    Message{ID: "b", User: testMe, CreatedLocallyAt: at(2), CreatedAt: at(5)},
			want: -1,
		},
		{
			name: "different authors use server time",
			a:    Message{ID: "a", User: testMe, CreatedLocallyAt: at(1), CreatedAt: at(9)},
			b:    Message{ID: "b", User: testAlice, CreatedAt: at(5)},
			want: 1,
		},
		{
			name: "unconfirmed falls back to local time",
			a:    Message{ID: "a", User: testAlice, CreatedAt: at(3)},
			b:    Message{ID: "b", User: testMe, CreatedLocallyAt: at(4)},
			want: -1,
		},
		{
			name: "id breaks ties",
			a:    Message{ID: "b", User: testAlice, CreatedAt: at(3)},
			b:    Message{ID: "a", User: testBob, CreatedAt: at(3)},
			want: 1,
		},
		{
			name: "no time sorts first",
			a:    Message{ID: "z", User: testAlice},
			b:    Message{ID: "a", User: testBob, CreatedAt: at(0)},
			want: -1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CompareMessages(&tc.a, &tc.b); got != tc.want {
				t.Errorf("CompareMessages = %d, want %d", got, tc.want)
			}
			if got := CompareMessages(&tc.b, &tc.a); got != -tc.want {
				t.Errorf("reverse CompareMessages = %d, want %d", got, -tc.want)
			}
		})
	}
}

type rank struct {
	id  string
	key int
}

func rankID(r rank) string         { return r.id }
func rankCompare(a, b rank) int    { return compareInt(a.key, b.key) }
func rankIDs(list []rank) []string { return mapIDs(list, rankID) }

func mapIDs[T any](list []T, id func(T) string) []string {
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = id(v)
	}
	return out
}

func TestUpsertSorted(t *testing.T) {
	list := []rank{{"a", 1}, {"b", 2}, {"c", 2}, {"d", 4}}

	cases := []struct {
		name string
		item rank
		want []string
	}{
		{"insert in the middle", rank{"x", 3}, []string{"a", "b", "c", "x", "d"}},
		{"insert after equal keys", rank{"x", 2}, []string{"a", "b", "c", "x", "d"}},
		{"insert at the front", rank{"x", 0}, []string{"x", "a", "b", "c", "d"}},
		{"replace in place", rank{"b", 2}, []string{"a", "b", "c", "d"}},
		{"move on key change", rank{"a", 5}, []string{"b", "c", "d", "a"}},
		{"move back", rank{"d", 0}, []string{"d", "a", "b", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := rankIDs(UpsertSorted(list, tc.item, rankID, rankCompare))
			if !slices.Equal(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	if got := rankIDs(list); !slices.Equal(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("input list modified: %v", got)
	}
	if got := UpsertSorted(nil, rank{"x", 1}, rankID, rankCompare); len(got) != 1 {
		t.Fatalf("insert into empty list: %v", got)
	}
}

// upsertAll inserts items one at a time.
func upsertAll[T any](items []T, id func(T) string, cmp func(a, b T) int) []T {
	var out []T
	for _, it := range items {
		out = UpsertSorted(out, it, id, cmp)
	}
	return out
}

func TestUpsertSortedMatchesSort(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 50; round++ {
		n := 1 + rng.IntN(40)

		ranks := make([]rank, n)
		for i := range ranks {
			ranks[i] = rank{id: fmt.Sprintf("r%02d", i), key: rng.IntN(8)}
		}
		want := slices.Clone(ranks)
		slices.SortStableFunc(want, rankCompare)
		if got := upsertAll(ranks, rankID, rankCompare); !slices.Equal(rankIDs(got), rankIDs(want)) {
			t.Fatalf("round %d ranks: got %v, want %v", round, rankIDs(got), rankIDs(want))
		}

		channels := make([]Channel, n)
		for i := range channels {
			ch := channelAt(fmt.Sprintf("messaging:%02d", rng.IntN(1000)*100+i), rng.IntN(20)-2)
			ch.MemberCount = rng.IntN(4)
			channels[i] = ch
		}
		for _, q := range []QuerySort{
			DefaultQuerySort,
			{{Field: SortMemberCount, Direction: 1}, {Field: SortLastMessageAt, Direction: -1}},
		} {
			cmp := q.Comparator()
			want := slices.Clone(channels)
			slices.SortStableFunc(want, cmp)
			got := upsertAll(channels, channelCID, cmp)
			if !slices.Equal(mapIDs(got, channelCID), mapIDs(want, channelCID)) {
				t.Fatalf("round %d sort %v: got %v, want %v", round, q, mapIDs(got, channelCID), mapIDs(want, channelCID))
			}
		}
	}
}

func TestUpsertSortedMessages(t *testing.T) {
	var msgs []Message
	for _, m := range []Message{
		{ID: "m3", User: testAlice, CreatedAt: at(3)},
		{ID: "m1", User: testAlice, CreatedAt: at(1)},
		{ID: "m2", User: testBob, CreatedAt: at(2)},
		{ID: "m1", User: testAlice, CreatedAt: at(1), Text: "edited"},
	} {
		msgs = UpsertSorted(msgs, m, messageID, compareMessageValues)
	}
	if got := mapIDs(msgs, messageID); !slices.Equal(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if msgs[0].Text != "edited" {
		t.Errorf("expected the edit to replace m1, got %q", msgs[0].Text)
	}
}
