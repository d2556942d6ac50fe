package chatsync

import (
	"sort"
	"strings"
	"time"
)

// CompareMessages is the message total order.
//
// Two messages by the same author that both carry a local send time are
// ordered by it, so a user's own messages keep compose order regardless of
// server latency. Otherwise the server time wins, falling back to the local
// send time while unconfirmed. The id breaks remaining ties.
func CompareMessages(a, b *Message) int {
	if a.User.ID != "" && a.User.ID == b.User.ID && a.CreatedLocallyAt != nil && b.CreatedLocallyAt != nil {
		if c := compareTime(a.CreatedLocallyAt, b.CreatedLocallyAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	}
	if c := compareTime(a.sentAt(), b.sentAt()); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// compareTime orders nil before any time.
func compareTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

func laterOf(a, b *time.Time) *time.Time {
	if compareTime(a, b) >= 0 {
		return a
	}
	return b
}

func messageID(m Message) string { return m.ID }

func compareMessageValues(a, b Message) int { return CompareMessages(&a, &b) }

// UpsertSorted inserts or replaces item in the sorted list and returns a new
// slice; list itself is never modified.
//
// A new item goes after every element that compares equal to it. An existing
// item with the same id is replaced in place when its sort key is unchanged,
// otherwise it is removed and reinserted at its new position.
func UpsertSorted[T any, K comparable](list []T, item T, id func(T) K, cmp func(a, b T) int) []T {
	key := id(item)
	existing := -1
	for i := range list {
		if id(list[i]) == key {
			existing = i
			break
		}
	}

	if existing >= 0 && cmp(list[existing], item) == 0 {
		out := make([]T, len(list))
		copy(out, list)
		out[existing] = item
		return out
	}

	rest := list
	if existing >= 0 {
		rest = make([]T, 0, len(list)-1)
		rest = append(rest, list[:existing]...)
		rest = append(rest, list[existing+1:]...)
	}

	pos := sort.Search(len(rest), func(i int) bool { return cmp(rest[i], item) > 0 })
	out := make([]T, 0, len(rest)+1)
	out = append(out, rest[:pos]...)
	out = append(out, item)
	out = append(out, rest[pos:]...)
	return out
}

// removeByID returns list without the element whose id is key.
func removeByID[T any, K comparable](list []T, key K, id func(T) K) []T {
	out := make([]T, 0, len(list))
	for _, v := range list {
		if id(v) != key {
			out = append(out, v)
		}
	}
	return out
}
