package chatsync

import (
	"time"
)

// Merge helpers. Every function takes values and returns new values; slices
// and maps of the inputs are never written, since published snapshots share
// them.

// ── Messages in channels ─────────────────────────────────

func upsertChannelMessage(ch Channel, msg Message) Channel {
	ch.Messages = UpsertSorted(ch.Messages, msg, messageID, compareMessageValues)
	return ch
}

func channelHasMessage(ch Channel, id string) bool {
	for _, m := range ch.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// updateLastMessage points LastMessage at msg when msg is newer than the
// current last message, or is the current last message itself. LastMessageAt
// never moves backwards.
func updateLastMessage(ch Channel, msg Message) Channel {
	at := msg.sentAt()
	if at == nil || msg.isThreadOnlyReply() {
		return ch
	}
	isCurrent := ch.LastMessage != nil && ch.LastMessage.ID == msg.ID
	if isCurrent || ch.LastMessageAt == nil || at.After(*ch.LastMessageAt) {
		m := msg
		ch.LastMessage = &m
		t := *laterOf(ch.LastMessageAt, at)
		ch.LastMessageAt = &t
	}
	return ch
}

// shouldCountUnread decides whether msg adds to the current user's unread
// count in ch.
func shouldCountUnread(ch Channel, msg Message, currentUserID string, muted bool) bool {
	if muted || msg.User.ID == currentUserID || msg.Silent || msg.Shadowed || msg.isThreadOnlyReply() {
		return false
	}
	if msg.Type == MessageTypeSystem || msg.Type == MessageTypeEphemeral || msg.Type == MessageTypeError {
		return false
	}
	if msg.CreatedAt == nil {
		return false
	}
	if read, ok := ch.ReadFor(currentUserID); ok && !msg.CreatedAt.After(read.LastRead) {
		return false
	}
	return true
}

func incrementUnread(ch Channel, currentUser User) Channel {
	reads := make([]ChannelUserRead, 0, len(ch.Read)+1)
	found := false
	for _, r := range ch.Read {
		if r.User.ID == currentUser.ID {
			r.UnreadMessages++
			found = true
		}
		reads = append(reads, r)
	}
	if !found {
		reads = append(reads, ChannelUserRead{User: currentUser, UnreadMessages: 1})
	}
	ch.Read = reads
	ch.UnreadCount++
	return ch
}

// updateRead replaces the cursor of read.User. The current user's cursor
// never moves back to an older read.
func updateRead(ch Channel, read ChannelUserRead, currentUserID string) Channel {
	reads := make([]ChannelUserRead, 0, len(ch.Read)+1)
	replaced := false
	for _, r := range ch.Read {
		if r.User.ID != read.User.ID {
			reads = append(reads, r)
			continue
		}
		replaced = true
		if r.User.ID == currentUserID && read.LastRead.Before(r.LastRead) {
			reads = append(reads, r)
			continue
		}
		reads = append(reads, read)
	}
	if !replaced {
		reads = append(reads, read)
	}
	ch.Read = reads
	if read.User.ID == currentUserID {
		if cur, ok := ch.ReadFor(currentUserID); ok {
			ch.UnreadCount = cur.UnreadMessages
		}
	}
	return ch
}

func markMessageDeleted(m Message, at time.Time, hard bool) Message {
	t := at
	m.DeletedAt = &t
	m.Type = MessageTypeDeleted
	if hard {
		m.Text = ""
		m.Attachments = nil
	}
	return m
}

// truncateChannel drops messages sent at or before at.
func truncateChannel(ch Channel, at time.Time, systemMessage *Message) Channel {
	kept := make([]Message, 0, len(ch.Messages))
	for _, m := range ch.Messages {
		if s := m.sentAt(); s != nil && s.After(at) {
			kept = append(kept, m)
		}
	}
	ch.Messages = kept
	t := at
	ch.TruncatedAt = &t
	ch.LastMessage = nil
	if n := len(kept); n > 0 {
		last := kept[n-1]
		ch.LastMessage = &last
	}
	ch.UnreadCount = 0
	if systemMessage != nil {
		ch = upsertChannelMessage(ch, *systemMessage)
		ch = updateLastMessage(ch, *systemMessage)
	}
	return ch
}

// ── Channels ──────────────────────────────────────────────

// mergeChannelFromEvent applies the fields of a channel carried by an event
// on top of the cached copy. Locally accumulated state (messages, reads,
// membership, capabilities) is kept; LastMessageAt never regresses.
func mergeChannelFromEvent(cached, incoming Channel) Channel {
	out := cached
	out.Name = incoming.Name
	out.Image = incoming.Image
	out.Frozen = incoming.Frozen
	out.Disabled = incoming.Disabled
	out.Hidden = incoming.Hidden
	out.Team = incoming.Team
	out.Config = incoming.Config
	out.ExtraData = incoming.ExtraData
	out.MemberCount = incoming.MemberCount
	if incoming.CreatedBy.ID != "" {
		out.CreatedBy = incoming.CreatedBy
	}
	if len(incoming.Members) > 0 {
		out.Members = incoming.Members
	}
	if incoming.OwnCapabilities != nil {
		out.OwnCapabilities = incoming.OwnCapabilities
	}
	if incoming.UpdatedAt != nil {
		out.UpdatedAt = incoming.UpdatedAt
	}
	if incoming.DeletedAt != nil {
		out.DeletedAt = incoming.DeletedAt
	}
	out.LastMessageAt = laterOf(cached.LastMessageAt, incoming.LastMessageAt)
	return out
}

// newChannelFromEvent prepares a channel payload for first insertion.
func newChannelFromEvent(cid string, incoming Channel) Channel {
	if incoming.CID == "" {
		incoming.CID = cid
	}
	if incoming.Type == "" || incoming.ID == "" {
		if t, id, err := SplitCID(incoming.CID); err == nil {
			incoming.Type, incoming.ID = t, id
		}
	}
	return incoming
}

func upsertMember(ch Channel, member Member, currentUserID string) Channel {
	members := make([]Member, 0, len(ch.Members)+1)
	found := false
	for _, m := range ch.Members {
		if m.User.ID == member.User.ID {
			members = append(members, member)
			found = true
			continue
		}
		members = append(members, m)
	}
	if !found {
		members = append(members, member)
		ch.MemberCount++
	}
	ch.Members = members
	if member.User.ID == currentUserID {
		m := member
		ch.Membership = &m
	}
	return ch
}

func removeMember(ch Channel, userID, currentUserID string) Channel {
	before := len(ch.Members)
	ch.Members = removeByID(ch.Members, userID, func(m Member) string { return m.User.ID })
	if len(ch.Members) < before && ch.MemberCount > 0 {
		ch.MemberCount--
	}
	if userID == currentUserID {
		ch.Membership = nil
	}
	return ch
}

func setMemberBanned(ch Channel, userID string, banned, shadow bool, expires *time.Time, currentUserID string) Channel {
	members := make([]Member, 0, len(ch.Members))
	for _, m := range ch.Members {
		if m.User.ID == userID {
			m.Banned = banned && !shadow
			m.ShadowBanned = banned && shadow
			m.BanExpires = expires
			if userID == currentUserID {
				mm := m
				ch.Membership = &mm
			}
		}
		members = append(members, m)
	}
	ch.Members = members
	return ch
}

// ── Reactions ─────────────────────────────────────────────

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func decrement(m map[string]int, key string, by int) {
	m[key] -= by
	if m[key] <= 0 {
		delete(m, key)
	}
}

func withoutReaction(list []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(list))
	for _, x := range list {
		if !x.sameIdentity(r) {
			out = append(out, x)
		}
	}
	return out
}

func findReaction(list []Reaction, r Reaction) (Reaction, bool) {
	for _, x := range list {
		if x.sameIdentity(r) {
			return x, true
		}
	}
	return Reaction{}, false
}

// addOwnReaction adds r to the own and latest lists and updates the
// aggregates. With enforceUnique every other reaction of the same user is
// removed first. Adding a reaction that is already held only refreshes it.
func addOwnReaction(m Message, r Reaction, enforceUnique bool) Message {
	counts := copyCounts(m.ReactionCounts)
	scores := copyCounts(m.ReactionScores)
	own := append([]Reaction(nil), m.OwnReactions...)
	latest := append([]Reaction(nil), m.LatestReactions...)

	if enforceUnique {
		for _, o := range m.OwnReactions {
			if o.UserID != r.UserID || o.Type == r.Type {
				continue
			}
			own = withoutReaction(own, o)
			latest = withoutReaction(latest, o)
			decrement(counts, o.Type, 1)
			decrement(scores, o.Type, o.score())
		}
	}

	if prev, ok := findReaction(own, r); ok {
		scores[r.Type] += r.score() - prev.score()
		if scores[r.Type] <= 0 {
			delete(scores, r.Type)
		}
		own = withoutReaction(own, r)
		latest = withoutReaction(latest, r)
	} else if prev, ok := findReaction(latest, r); ok {
		scores[r.Type] += r.score() - prev.score()
		latest = withoutReaction(latest, r)
	} else {
		counts[r.Type]++
		scores[r.Type] += r.score()
	}
	own = append(own, r)
	latest = append(latest, r)

	m.OwnReactions = own
	m.LatestReactions = latest
	m.ReactionCounts = counts
	m.ReactionScores = scores
	return m
}

// removeOwnReaction removes r from both lists and, if it was held, from the
// aggregates.
func removeOwnReaction(m Message, r Reaction) Message {
	prev, inOwn := findReaction(m.OwnReactions, r)
	if !inOwn {
		prev, inOwn = findReaction(m.LatestReactions, r)
	}
	if !inOwn {
		return m
	}
	counts := copyCounts(m.ReactionCounts)
	scores := copyCounts(m.ReactionScores)
	decrement(counts, r.Type, 1)
	decrement(scores, r.Type, prev.score())
	m.OwnReactions = withoutReaction(m.OwnReactions, r)
	m.LatestReactions = withoutReaction(m.LatestReactions, r)
	m.ReactionCounts = counts
	m.ReactionScores = scores
	return m
}

// mergeServerMessage takes the server's view of a message and keeps the
// locally known own reactions, which event payloads do not carry.
func mergeServerMessage(cached *Message, incoming Message) Message {
	if cached == nil {
		return incoming
	}
	if len(incoming.OwnReactions) == 0 {
		incoming.OwnReactions = cached.OwnReactions
	}
	if incoming.CreatedLocallyAt == nil {
		incoming.CreatedLocallyAt = cached.CreatedLocallyAt
	}
	if incoming.SyncStatus == "" {
		incoming.SyncStatus = SyncStatusCompleted
	}
	return incoming
}

// ── Users ─────────────────────────────────────────────────

type userLookup func(id string) (User, bool)

func refreshUser(u User, lookup userLookup) User {
	if u.ID == "" {
		return u
	}
	if latest, ok := lookup(u.ID); ok {
		return latest
	}
	return u
}

func refreshReactionUsers(list []Reaction, lookup userLookup) []Reaction {
	if len(list) == 0 {
		return list
	}
	out := make([]Reaction, len(list))
	for i, r := range list {
		if r.User != nil {
			u := refreshUser(*r.User, lookup)
			r.User = &u
		}
		out[i] = r
	}
	return out
}

// refreshMessageUsers replaces every embedded user of m with its latest
// known version.
func refreshMessageUsers(m Message, lookup userLookup) Message {
	m.User = refreshUser(m.User, lookup)
	if len(m.MentionedUsers) > 0 {
		mentioned := make([]User, len(m.MentionedUsers))
		for i, u := range m.MentionedUsers {
			mentioned[i] = refreshUser(u, lookup)
		}
		m.MentionedUsers = mentioned
	}
	m.OwnReactions = refreshReactionUsers(m.OwnReactions, lookup)
	m.LatestReactions = refreshReactionUsers(m.LatestReactions, lookup)
	return m
}

// refreshChannelUsers replaces every embedded user of ch with its latest
// known version.
func refreshChannelUsers(ch Channel, lookup userLookup) Channel {
	ch.CreatedBy = refreshUser(ch.CreatedBy, lookup)
	if len(ch.Members) > 0 {
		members := make([]Member, len(ch.Members))
		for i, m := range ch.Members {
			m.User = refreshUser(m.User, lookup)
			members[i] = m
		}
		ch.Members = members
	}
	if ch.Membership != nil {
		m := *ch.Membership
		m.User = refreshUser(m.User, lookup)
		ch.Membership = &m
	}
	if len(ch.Watchers) > 0 {
		watchers := make([]User, len(ch.Watchers))
		for i, u := range ch.Watchers {
			watchers[i] = refreshUser(u, lookup)
		}
		ch.Watchers = watchers
	}
	if len(ch.Read) > 0 {
		reads := make([]ChannelUserRead, len(ch.Read))
		for i, r := range ch.Read {
			r.User = refreshUser(r.User, lookup)
			reads[i] = r
		}
		ch.Read = reads
	}
	if len(ch.Messages) > 0 {
		msgs := make([]Message, len(ch.Messages))
		for i, m := range ch.Messages {
			msgs[i] = refreshMessageUsers(m, lookup)
		}
		ch.Messages = msgs
	}
	if ch.LastMessage != nil {
		lm := refreshMessageUsers(*ch.LastMessage, lookup)
		ch.LastMessage = &lm
	}
	return ch
}

// channelUsers collects the users embedded in ch, keyed by id.
func channelUsers(ch Channel, into map[string]User) {
	add := func(u User) {
		if u.ID != "" {
			into[u.ID] = u
		}
	}
	add(ch.CreatedBy)
	for _, m := range ch.Members {
		add(m.User)
	}
	for _, u := range ch.Watchers {
		add(u)
	}
	for _, r := range ch.Read {
		add(r.User)
	}
	for _, m := range ch.Messages {
		messageUsers(m, into)
	}
}

func messageUsers(m Message, into map[string]User) {
	if m.User.ID != "" {
		into[m.User.ID] = m.User
	}
	for _, u := range m.MentionedUsers {
		if u.ID != "" {
			into[u.ID] = u
		}
	}
	for _, r := range m.LatestReactions {
		if r.User != nil && r.User.ID != "" {
			into[r.User.ID] = *r.User
		}
	}
}
