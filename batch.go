package chatsync

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
)

// EventBatch is a group of events reconciled and committed together.
// FromHistorySync marks a backlog replayed after a reconnect; its unread
// totals are stale and are not applied to the global state.
type EventBatch struct {
	Events          []ChatEvent
	FromHistorySync bool
}

// Drop reasons reported to metrics and logs.
const (
	dropChannelNotLoaded = "channel_not_loaded"
	dropMessageNotLoaded = "message_not_loaded"
	dropUnknownType      = "unknown_type"
)

// ============================================================================
// Declare
// ============================================================================

// batchBuilder collects what a batch of events will touch.
type batchBuilder struct {
	channelsToFetch  map[string]struct{}
	channelsToRemove map[string]struct{}
	messagesToFetch  map[string]struct{}
	users            map[string]User
	markAllRead      bool
}

func newBatchBuilder() *batchBuilder {
	return &batchBuilder{
		channelsToFetch:  make(map[string]struct{}),
		channelsToRemove: make(map[string]struct{}),
		messagesToFetch:  make(map[string]struct{}),
		users:            make(map[string]User),
	}
}

func (b *batchBuilder) fetchChannel(cid string) {
	if cid != "" {
		b.channelsToFetch[cid] = struct{}{}
	}
}

func (b *batchBuilder) addUser(u User) {
	if u.ID != "" {
		b.users[u.ID] = u
	}
}

func (b *batchBuilder) declare(ev ChatEvent) {
	if e, ok := ev.(cidEvent); ok {
		b.fetchChannel(e.ChannelCID())
	}
	if e, ok := ev.(userEvent); ok {
		b.addUser(e.EventUser())
	}
	if m := eventMessage(ev); m != nil && m.ID != "" {
		b.messagesToFetch[m.ID] = struct{}{}
		messageUsers(*m, b.users)
	}
	if ch := eventChannel(ev); ch != nil {
		channelUsers(*ch, b.users)
	}

	switch e := ev.(type) {
	case *MemberAddedEvent:
		b.addUser(e.Member.User)
	case *MemberUpdatedEvent:
		b.addUser(e.Member.User)
	case *NotificationAddedToChannelEvent:
		b.addUser(e.Member.User)
	case *ChannelDeletedEvent:
		b.channelsToRemove[e.CID] = struct{}{}
	case *NotificationChannelDeletedEvent:
		b.channelsToRemove[e.CID] = struct{}{}
	case *GlobalUserBannedEvent:
		u := e.User
		u.Banned = true
		b.addUser(u)
	case *GlobalUserUnbannedEvent:
		u := e.User
		u.Banned = false
		b.addUser(u)
	case *MarkAllReadEvent:
		b.markAllRead = true
	}
}

// cids returns every channel the batch touches, sorted.
func (b *batchBuilder) cids() []string {
	out := make([]string, 0, len(b.channelsToFetch)+len(b.channelsToRemove))
	for cid := range b.channelsToFetch {
		out = append(out, cid)
	}
	for cid := range b.channelsToRemove {
		if _, ok := b.channelsToFetch[cid]; !ok {
			out = append(out, cid)
		}
	}
	slices.Sort(out)
	return out
}

func (b *batchBuilder) messageIDs() []string {
	out := make([]string, 0, len(b.messagesToFetch))
	for id := range b.messagesToFetch {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// eventMessage returns the message carried by ev, if any.
func eventMessage(ev ChatEvent) *Message {
	switch e := ev.(type) {
	case *NewMessageEvent:
		return &e.Message
	case *MessageUpdatedEvent:
		return &e.Message
	case *MessageDeletedEvent:
		return &e.Message
	case *NotificationMessageNewEvent:
		return &e.Message
	case *ReactionNewEvent:
		return &e.Message
	case *ReactionUpdatedEvent:
		return &e.Message
	case *ReactionDeletedEvent:
		return &e.Message
	case *ChannelTruncatedEvent:
		return e.Message
	case *ChannelUpdatedEvent:
		return e.Message
	}
	return nil
}

// eventChannel returns the channel payload carried by ev, if any.
func eventChannel(ev ChatEvent) *Channel {
	switch e := ev.(type) {
	case *NotificationMessageNewEvent:
		return &e.Channel
	case *NotificationAddedToChannelEvent:
		return &e.Channel
	case *ChannelUpdatedEvent:
		return &e.Channel
	case *ChannelVisibleEvent:
		return e.Channel
	}
	return nil
}

// ============================================================================
// Load, apply, commit
// ============================================================================

// eventBatchUpdate is the working set of one batch. It is owned by a single
// goroutine holding the locks of every channel it touches.
type eventBatchUpdate struct {
	currentUser User
	repo        Repository
	logger      *zap.Logger
	metrics     *Metrics
	isMuted     func(cid, authorID string) bool

	loaded   map[string]Channel
	channels map[string]Channel
	messages map[string]Message
	users    map[string]User

	dirtyChannels map[string]struct{}
	dirtyMessages map[string]struct{}
	truncations   map[string]time.Time
	hardDeletes   []string
}

// commitResult is what a committed batch changed.
type commitResult struct {
	channels map[string]Channel
	users    []User
}

func newEventBatchUpdate(currentUser User, repo Repository, logger *zap.Logger, metrics *Metrics, isMuted func(cid, authorID string) bool) *eventBatchUpdate {
	return &eventBatchUpdate{
		currentUser:   currentUser,
		repo:          repo,
		logger:        logger,
		metrics:       metrics,
		isMuted:       isMuted,
		loaded:        make(map[string]Channel),
		channels:      make(map[string]Channel),
		messages:      make(map[string]Message),
		users:         make(map[string]User),
		dirtyChannels: make(map[string]struct{}),
		dirtyMessages: make(map[string]struct{}),
		truncations:   make(map[string]time.Time),
	}
}

// load fills the working set with the declared channels and messages.
func (u *eventBatchUpdate) load(ctx context.Context, b *batchBuilder, cids []string) error {
	for id, usr := range b.users {
		u.users[id] = usr
	}
	if len(cids) > 0 {
		channels, err := u.repo.SelectChannels(ctx, cids)
		if err != nil {
			return &PersistenceError{Op: "select channels", Err: err}
		}
		for _, ch := range channels {
			u.loaded[ch.CID] = ch
			u.channels[ch.CID] = ch
		}
	}
	if ids := b.messageIDs(); len(ids) > 0 {
		msgs, err := u.repo.SelectMessages(ctx, ids)
		if err != nil {
			return &PersistenceError{Op: "select messages", Err: err}
		}
		for _, m := range msgs {
			u.messages[m.ID] = m
		}
	}
	return nil
}

func (u *eventBatchUpdate) putChannel(ch Channel) {
	u.channels[ch.CID] = ch
	u.dirtyChannels[ch.CID] = struct{}{}
}

func (u *eventBatchUpdate) putMessage(m Message) {
	u.messages[m.ID] = m
	u.dirtyMessages[m.ID] = struct{}{}
}

// message finds id in the working set, including loaded channel messages.
func (u *eventBatchUpdate) message(id string) *Message {
	if m, ok := u.messages[id]; ok {
		return &m
	}
	for _, ch := range u.channels {
		for _, m := range ch.Messages {
			if m.ID == id {
				return &m
			}
		}
	}
	return nil
}

// workingChannel returns the working copy of cid with the event's channel
// payload merged in. Only events for a membership the user just gained may
// create a channel that is not cached.
func (u *eventBatchUpdate) workingChannel(cid string, ev ChatEvent) (Channel, bool) {
	ch, ok := u.channels[cid]
	payload := eventChannel(ev)
	switch {
	case ok && payload != nil && payload.CID != "":
		return mergeChannelFromEvent(ch, *payload), true
	case ok:
		return ch, true
	case payload != nil && createsChannel(ev):
		return newChannelFromEvent(cid, *payload), true
	}
	return Channel{}, false
}

// apply runs one event against the working set. It returns the drop reason,
// or "" when the event was applied.
func (u *eventBatchUpdate) apply(ev ChatEvent) string {
	switch e := ev.(type) {
	case *ConnectedEvent, *GlobalUserBannedEvent, *GlobalUserUnbannedEvent,
		*UserUpdatedEvent, *UserPresenceChangedEvent,
		*NotificationMutesUpdatedEvent, *NotificationChannelMutesUpdatedEvent,
		*TypingStartEvent, *TypingStopEvent:
		// Users were collected on declare; the rest is global state.
		return ""
	case *MarkAllReadEvent:
		for _, ch := range u.channels {
			u.putChannel(updateRead(ch, u.ownRead(e.CreatedAt, ""), u.currentUser.ID))
		}
		return ""
	case *UnknownEvent:
		return dropUnknownType
	}

	ce, ok := ev.(cidEvent)
	if !ok {
		return dropUnknownType
	}
	cid := ce.ChannelCID()
	ch, ok := u.workingChannel(cid, ev)
	if !ok {
		return dropChannelNotLoaded
	}
	uid := u.currentUser.ID

	switch e := ev.(type) {
	case *NewMessageEvent:
		if e.WatcherCount > 0 {
			ch.WatcherCount = e.WatcherCount
		}
		ch = u.applyNewMessage(ch, e.Message)
	case *NotificationMessageNewEvent:
		ch = u.applyNewMessage(ch, e.Message)
	case *MessageUpdatedEvent:
		msg := mergeServerMessage(u.message(e.Message.ID), withCID(e.Message, cid))
		u.putMessage(msg)
		ch = upsertMessageInChannel(ch, msg)
		ch = updateLastMessage(ch, msg)
	case *MessageDeletedEvent:
		ch = u.applyMessageDeleted(ch, e)

	case *MessageReadEvent:
		ch = updateRead(ch, ChannelUserRead{User: e.User, LastRead: e.CreatedAt, LastReadMessageID: e.LastReadMessageID}, uid)
	case *NotificationMarkReadEvent:
		read := u.ownRead(e.CreatedAt, e.LastReadMessageID)
		if e.User.ID != "" {
			read.User = e.User
		}
		ch = updateRead(ch, read, uid)

	case *NotificationAddedToChannelEvent:
		if e.Member.User.ID != "" {
			ch = upsertMember(ch, e.Member, uid)
		}
		ch.Hidden = false
	case *NotificationRemovedFromChannelEvent:
		id := e.Member.User.ID
		if id == "" {
			id = uid
		}
		ch = removeMember(ch, id, uid)
	case *MemberAddedEvent:
		ch = upsertMember(ch, e.Member, uid)
	case *MemberUpdatedEvent:
		ch = upsertMember(ch, e.Member, uid)
	case *MemberRemovedEvent:
		id := e.Member.User.ID
		if id == "" {
			id = e.User.ID
		}
		ch = removeMember(ch, id, uid)

	case *ChannelUpdatedEvent:
		if e.Message != nil {
			msg := withCID(*e.Message, cid)
			u.putMessage(msg)
			ch = upsertMessageInChannel(ch, msg)
			ch = updateLastMessage(ch, msg)
		}
	case *ChannelDeletedEvent:
		ch = u.applyChannelDeleted(ch, e.Channel.DeletedAt, e.CreatedAt)
	case *NotificationChannelDeletedEvent:
		ch = u.applyChannelDeleted(ch, e.Channel.DeletedAt, e.CreatedAt)
	case *ChannelTruncatedEvent:
		at := e.CreatedAt
		if e.Channel.TruncatedAt != nil {
			at = *e.Channel.TruncatedAt
		}
		var system *Message
		if e.Message != nil {
			m := withCID(*e.Message, cid)
			system = &m
		}
		ch = truncateChannel(ch, at, system)
		u.dropMessagesBefore(cid, at)
		if system != nil {
			u.putMessage(*system)
		}
	case *ChannelHiddenEvent:
		ch.Hidden = true
		if e.ClearHistory {
			at := e.CreatedAt
			ch.HiddenMessagesBefore = &at
			ch = keepMessagesAfter(ch, at)
			u.dropMessagesBefore(cid, at)
		}
	case *ChannelVisibleEvent:
		ch.Hidden = false

	case *ChannelUserBannedEvent:
		ch = setMemberBanned(ch, e.User.ID, true, e.Shadow, e.Expiration, uid)
	case *ChannelUserUnbannedEvent:
		ch = setMemberBanned(ch, e.User.ID, false, false, nil, uid)

	case *ReactionNewEvent:
		return u.applyReaction(ch, e.Message, e.Reaction, reactionAdded)
	case *ReactionUpdatedEvent:
		return u.applyReaction(ch, e.Message, e.Reaction, reactionUpdated)
	case *ReactionDeletedEvent:
		return u.applyReaction(ch, e.Message, e.Reaction, reactionRemoved)

	default:
		return dropUnknownType
	}
	u.putChannel(ch)
	return ""
}

func createsChannel(ev ChatEvent) bool {
	switch ev.(type) {
	case *NotificationAddedToChannelEvent, *NotificationMessageNewEvent, *ChannelVisibleEvent:
		return true
	}
	return false
}

func withCID(m Message, cid string) Message {
	if m.CID == "" {
		m.CID = cid
	}
	return m
}

func (u *eventBatchUpdate) ownRead(at time.Time, lastReadMessageID string) ChannelUserRead {
	return ChannelUserRead{User: u.currentUser, LastRead: at, LastReadMessageID: lastReadMessageID}
}

func (u *eventBatchUpdate) applyNewMessage(ch Channel, incoming Message) Channel {
	incoming = withCID(incoming, ch.CID)
	cached := u.message(incoming.ID)
	msg := mergeServerMessage(cached, incoming)
	u.putMessage(msg)
	if !msg.isThreadOnlyReply() {
		ch = upsertChannelMessage(ch, msg)
		ch.Hidden = false
	}
	ch = updateLastMessage(ch, msg)
	if cached == nil && shouldCountUnread(ch, msg, u.currentUser.ID, u.isMuted(ch.CID, msg.User.ID)) {
		ch = incrementUnread(ch, u.currentUser)
	}
	return ch
}

func (u *eventBatchUpdate) applyMessageDeleted(ch Channel, e *MessageDeletedEvent) Channel {
	id := e.Message.ID
	msg := mergeServerMessage(u.message(id), withCID(e.Message, ch.CID))
	at := e.CreatedAt
	if msg.DeletedAt != nil {
		at = *msg.DeletedAt
	}
	msg = markMessageDeleted(msg, at, e.HardDelete)

	if !e.HardDelete {
		u.putMessage(msg)
		ch = upsertMessageInChannel(ch, msg)
		return ch
	}
	delete(u.messages, id)
	delete(u.dirtyMessages, id)
	u.hardDeletes = append(u.hardDeletes, id)
	ch.Messages = removeByID(ch.Messages, id, messageID)
	if ch.LastMessage != nil && ch.LastMessage.ID == id {
		ch.LastMessage = nil
		if n := len(ch.Messages); n > 0 {
			last := ch.Messages[n-1]
			ch.LastMessage = &last
		}
	}
	return ch
}

func (u *eventBatchUpdate) applyChannelDeleted(ch Channel, deletedAt *time.Time, eventAt time.Time) Channel {
	at := eventAt
	if deletedAt != nil {
		at = *deletedAt
	}
	ch.DeletedAt = &at
	ch = keepMessagesAfter(ch, at)
	u.dropMessagesBefore(ch.CID, at)
	return ch
}

// dropMessagesBefore forgets pending writes of cid's messages sent at or
// before at and schedules their deletion after the commit.
func (u *eventBatchUpdate) dropMessagesBefore(cid string, at time.Time) {
	for id, m := range u.messages {
		if m.CID != cid {
			continue
		}
		if s := m.sentAt(); s == nil || !s.After(at) {
			delete(u.messages, id)
			delete(u.dirtyMessages, id)
		}
	}
	if prev, ok := u.truncations[cid]; !ok || at.After(prev) {
		u.truncations[cid] = at
	}
}

func keepMessagesAfter(ch Channel, at time.Time) Channel {
	kept := make([]Message, 0, len(ch.Messages))
	for _, m := range ch.Messages {
		if s := m.sentAt(); s != nil && s.After(at) {
			kept = append(kept, m)
		}
	}
	ch.Messages = kept
	return ch
}

// upsertMessageInChannel replaces msg in the channel's list and refreshes
// LastMessage when it points at msg. Thread-only replies are only replaced
// when the list already holds them.
func upsertMessageInChannel(ch Channel, msg Message) Channel {
	if !msg.isThreadOnlyReply() || channelHasMessage(ch, msg.ID) {
		ch = upsertChannelMessage(ch, msg)
	}
	if ch.LastMessage != nil && ch.LastMessage.ID == msg.ID {
		m := msg
		ch.LastMessage = &m
	}
	return ch
}

type reactionChange int

const (
	reactionAdded reactionChange = iota
	reactionUpdated
	reactionRemoved
)

// applyReaction takes the server aggregates from the event message. Own
// reactions are not part of event payloads; they come from the cache and are
// adjusted when the current user reacted.
func (u *eventBatchUpdate) applyReaction(ch Channel, incoming Message, r Reaction, change reactionChange) string {
	cached := u.message(incoming.ID)
	if incoming.ID == "" {
		if cached == nil {
			return dropMessageNotLoaded
		}
		incoming = *cached
	}
	msg := mergeServerMessage(cached, withCID(incoming, ch.CID))
	var own []Reaction
	if cached != nil {
		own = cached.OwnReactions
	}
	if r.UserID == "" && r.User != nil {
		r.UserID = r.User.ID
	}
	if r.UserID == u.currentUser.ID {
		switch change {
		case reactionAdded, reactionUpdated:
			if r.EnforceUnique {
				own = []Reaction{r}
			} else {
				own = append(withoutReaction(own, r), r)
			}
		case reactionRemoved:
			own = withoutReaction(own, r)
		}
	}
	msg.OwnReactions = own
	u.putMessage(msg)
	u.putChannel(upsertMessageInChannel(ch, msg))
	return ""
}

// enrichCapabilities restores the capability list that event payloads do
// not carry from the copy loaded at the start of the batch. A channel with
// no known list is written with an empty one and reported.
func (u *eventBatchUpdate) enrichCapabilities(ch Channel) Channel {
	if ch.OwnCapabilities != nil {
		return ch
	}
	if cached, ok := u.loaded[ch.CID]; ok && cached.OwnCapabilities != nil {
		ch.OwnCapabilities = cached.OwnCapabilities
		return ch
	}
	u.logger.Warn("capabilities_missing", zap.String("cid", ch.CID))
	u.metrics.capabilityMissing()
	ch.OwnCapabilities = []string{}
	return ch
}

// commit writes the working set and the batch's removals as one unit.
func (u *eventBatchUpdate) commit(ctx context.Context) (commitResult, error) {
	delete(u.users, u.currentUser.ID)
	lookup := func(id string) (User, bool) {
		usr, ok := u.users[id]
		return usr, ok
	}

	res := commitResult{channels: make(map[string]Channel, len(u.dirtyChannels))}
	channels := make([]Channel, 0, len(u.dirtyChannels))
	for _, cid := range sortedKeys(u.dirtyChannels) {
		ch := u.enrichCapabilities(u.channels[cid])
		ch = refreshChannelUsers(ch, lookup)
		u.channels[cid] = ch
		res.channels[cid] = ch
		channels = append(channels, ch)
	}
	messages := make([]Message, 0, len(u.dirtyMessages))
	for _, id := range sortedKeys(u.dirtyMessages) {
		messages = append(messages, refreshMessageUsers(u.messages[id], lookup))
	}
	for _, id := range sortedKeys(u.users) {
		res.users = append(res.users, u.users[id])
	}

	batch := StateBatch{
		Users:             res.users,
		Channels:          channels,
		Messages:          messages,
		TruncatedBefore:   u.truncations,
		DeletedMessageIDs: u.hardDeletes,
	}
	if !batch.empty() {
		if err := u.repo.StoreBatch(ctx, batch); err != nil {
			u.metrics.commitFailed()
			u.logger.Error("batch_commit_failed",
				zap.Int("channels", len(channels)),
				zap.Int("truncations", len(u.truncations)),
				zap.Int("deletes", len(u.hardDeletes)),
				zap.Error(err),
			)
			return commitResult{}, &PersistenceError{Op: "store state for channels", Err: err}
		}
	}

	u.logger.Debug("batch_committed",
		zap.Int("channels", len(channels)),
		zap.Int("messages", len(messages)),
		zap.Int("users", len(res.users)),
	)
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
