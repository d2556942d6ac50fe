package chatsync

import (
	"time"
)

// GlobalState holds the cross-channel aggregates of one user session:
// unread counts, ban status, mutes and who is typing where.
//
// A GlobalState is created once and handed to the Engine. Consumers may hold
// on to it across sessions; Clear resets every field without replacing the
// holder.
type GlobalState struct {
	user                *StateFlow[*User]
	totalUnreadCount    *StateFlow[int]
	channelUnreadCount  *StateFlow[int]
	unreadThreadsCount  *StateFlow[int]
	banned              *StateFlow[bool]
	mutedUsers          *StateFlow[[]Mute]
	channelMutes        *StateFlow[[]ChannelMute]
	typing              *StateFlow[map[string]TypingEvent]
	activeLiveLocations *StateFlow[[]Location]
}

// NewGlobalState returns an empty holder.
func NewGlobalState() *GlobalState {
	return &GlobalState{
		user:                NewStateFlow[*User](nil, nil),
		totalUnreadCount:    NewStateFlow(0, func(a, b int) bool { return a == b }),
		channelUnreadCount:  NewStateFlow(0, func(a, b int) bool { return a == b }),
		unreadThreadsCount:  NewStateFlow(0, func(a, b int) bool { return a == b }),
		banned:              NewStateFlow(false, func(a, b bool) bool { return a == b }),
		mutedUsers:          NewStateFlow[[]Mute](nil, nil),
		channelMutes:        NewStateFlow[[]ChannelMute](nil, nil),
		typing:              NewStateFlow(map[string]TypingEvent{}, nil),
		activeLiveLocations: NewStateFlow[[]Location](nil, nil),
	}
}

func (g *GlobalState) User() Observable[*User]                     { return g.user }
func (g *GlobalState) TotalUnreadCount() Observable[int]           { return g.totalUnreadCount }
func (g *GlobalState) ChannelUnreadCount() Observable[int]         { return g.channelUnreadCount }
func (g *GlobalState) UnreadThreadsCount() Observable[int]         { return g.unreadThreadsCount }
func (g *GlobalState) Banned() Observable[bool]                    { return g.banned }
func (g *GlobalState) MutedUsers() Observable[[]Mute]              { return g.mutedUsers }
func (g *GlobalState) ChannelMutes() Observable[[]ChannelMute]     { return g.channelMutes }
func (g *GlobalState) Typing() Observable[map[string]TypingEvent]  { return g.typing }
func (g *GlobalState) ActiveLiveLocations() Observable[[]Location] { return g.activeLiveLocations }

// IsChannelMuted reports whether cid is muted for the current user at now.
func (g *GlobalState) IsChannelMuted(cid string, now time.Time) bool {
	for _, m := range g.channelMutes.Value() {
		if m.CID == cid && m.activeAt(now) {
			return true
		}
	}
	return false
}

// IsUserMuted reports whether userID is muted by the current user.
func (g *GlobalState) IsUserMuted(userID string) bool {
	for _, m := range g.mutedUsers.Value() {
		if m.Target.ID == userID {
			return true
		}
	}
	return false
}

// Clear resets every field to its zero value. Subscribers stay attached and
// observe the reset.
func (g *GlobalState) Clear() {
	g.user.Set(nil)
	g.totalUnreadCount.Set(0)
	g.channelUnreadCount.Set(0)
	g.unreadThreadsCount.Set(0)
	g.banned.Set(false)
	g.mutedUsers.Set(nil)
	g.channelMutes.Set(nil)
	g.typing.Set(map[string]TypingEvent{})
	g.activeLiveLocations.Set(nil)
}

// ── Producer side ─────────────────────────────────────────

func (g *GlobalState) setUser(u User) {
	g.user.Set(&u)
	g.banned.Set(u.Banned)
	g.mutedUsers.Set(u.Mutes)
	g.channelMutes.Set(u.ChannelMutes)
}

func (g *GlobalState) setUnreadCounts(total, channels int) {
	g.totalUnreadCount.Set(total)
	g.channelUnreadCount.Set(channels)
}

func (g *GlobalState) setUnreadThreads(n int) { g.unreadThreadsCount.Set(n) }

func (g *GlobalState) setBanned(b bool) { g.banned.Set(b) }

func (g *GlobalState) setMutedUsers(m []Mute) { g.mutedUsers.Set(m) }

func (g *GlobalState) setChannelMutes(m []ChannelMute) { g.channelMutes.Set(m) }

// setTyping stores the typing participants of cid. An empty participant list
// removes the entry, so the map never holds a channel nobody types in.
func (g *GlobalState) setTyping(cid string, ev TypingEvent) {
	g.typing.Update(func(cur map[string]TypingEvent) map[string]TypingEvent {
		_, had := cur[cid]
		if len(ev.Users) == 0 && !had {
			return cur
		}
		next := make(map[string]TypingEvent, len(cur)+1)
		for k, v := range cur {
			next[k] = v
		}
		if len(ev.Users) == 0 {
			delete(next, cid)
		} else {
			ev.CID = cid
			next[cid] = ev
		}
		return next
	})
}

func (g *GlobalState) setActiveLiveLocations(locs []Location) { g.activeLiveLocations.Set(locs) }

// liveLocationsByCID groups the active live locations per channel.
func (g *GlobalState) liveLocationsByCID(now time.Time) map[string][]Location {
	out := map[string][]Location{}
	for _, l := range g.activeLiveLocations.Value() {
		if l.EndAt != nil && !l.EndAt.After(now) {
			continue
		}
		out[l.CID] = append(out[l.CID], l)
	}
	return out
}
