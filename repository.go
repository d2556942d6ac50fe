package chatsync

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// Repository interfaces
// ============================================================================

// ChannelRepository stores channels. Channel messages are stored alongside in
// the message table and re-attached on select.
type ChannelRepository interface {
	SelectChannels(ctx context.Context, cids []string) ([]Channel, error)
	InsertChannels(ctx context.Context, channels []Channel) error
	DeleteChannelMessagesBefore(ctx context.Context, cid string, before time.Time) error
}

type MessageRepository interface {
	SelectMessages(ctx context.Context, ids []string) ([]Message, error)
	InsertMessages(ctx context.Context, messages []Message) error
	DeleteMessages(ctx context.Context, ids []string) error
}

type UserRepository interface {
	SelectUsers(ctx context.Context, ids []string) ([]User, error)
	InsertUsers(ctx context.Context, users []User) error
	InsertCurrentUser(ctx context.Context, user User) error
	SelectCurrentUser(ctx context.Context) (*User, error)
}

type QueryChannelsRepository interface {
	SelectQuerySpec(ctx context.Context, key string) (*QueryChannelsSpec, error)
	InsertQuerySpec(ctx context.Context, spec QueryChannelsSpec) error
}

type SyncStateRepository interface {
	SelectSyncState(ctx context.Context, userID string) (*SyncState, error)
	InsertSyncState(ctx context.Context, state SyncState) error
}

// Repository is the persistence collaborator of the engine. Implementations
// re-hydrate embedded users from the user table on every select, so a stored
// user update reaches every channel and message that references it.
type Repository interface {
	ChannelRepository
	MessageRepository
	UserRepository
	QueryChannelsRepository
	SyncStateRepository

	// StoreStateForChannels writes users, channels and messages as one
	// atomic unit: either all of it is visible afterwards or none of it.
	StoreStateForChannels(ctx context.Context, users []User, channels []Channel, messages []Message) error

	// StoreBatch is StoreStateForChannels plus the removals of the same
	// batch, applied after the writes and within the same atomic unit.
	StoreBatch(ctx context.Context, batch StateBatch) error

	// Clear drops everything, e.g. on logout.
	Clear(ctx context.Context) error
}

// StateBatch is one atomic repository write.
type StateBatch struct {
	Users    []User
	Channels []Channel
	Messages []Message

	// TruncatedBefore removes, per cid, every message sent at or before
	// the given time.
	TruncatedBefore map[string]time.Time
	// DeletedMessageIDs are removed outright.
	DeletedMessageIDs []string
}

func (b StateBatch) empty() bool {
	return len(b.Users) == 0 && len(b.Channels) == 0 && len(b.Messages) == 0 &&
		len(b.TruncatedBefore) == 0 && len(b.DeletedMessageIDs) == 0
}

// splitChannel separates the messages of ch for the message table. The
// caller's slice is left untouched.
func splitChannel(ch Channel) (Channel, []Message) {
	msgs := slices.Clone(ch.Messages)
	ch.Messages = nil
	for i := range msgs {
		if msgs[i].CID == "" {
			msgs[i].CID = ch.CID
		}
	}
	return ch, msgs
}

func sortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, compareMessageValues)
}

// ============================================================================
// MemoryRepository
// ============================================================================

// MemoryRepository is a goroutine-safe in-memory Repository.
type MemoryRepository struct {
	mu          sync.RWMutex
	channels    map[string]Channel
	messages    map[string]Message
	byChannel   map[string]map[string]struct{}
	users       map[string]User
	currentUser *User
	querySpecs  map[string]QueryChannelsSpec
	syncStates  map[string]SyncState
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{}
	r.reset()
	return r
}

func (r *MemoryRepository) reset() {
	r.channels = make(map[string]Channel)
	r.messages = make(map[string]Message)
	r.byChannel = make(map[string]map[string]struct{})
	r.users = make(map[string]User)
	r.currentUser = nil
	r.querySpecs = make(map[string]QueryChannelsSpec)
	r.syncStates = make(map[string]SyncState)
}

func (r *MemoryRepository) lookupUser(id string) (User, bool) {
	u, ok := r.users[id]
	return u, ok
}

// ── Channels ──────────────────────────────────────────────

func (r *MemoryRepository) SelectChannels(_ context.Context, cids []string) ([]Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Channel, 0, len(cids))
	for _, cid := range cids {
		ch, ok := r.channels[cid]
		if !ok {
			continue
		}
		var msgs []Message
		for id := range r.byChannel[cid] {
			msgs = append(msgs, r.messages[id])
		}
		sortMessages(msgs)
		ch.Messages = msgs
		out = append(out, refreshChannelUsers(ch, r.lookupUser))
	}
	return out, nil
}

func (r *MemoryRepository) InsertChannels(_ context.Context, channels []Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putChannels(channels)
	return nil
}

func (r *MemoryRepository) putChannels(channels []Channel) {
	for _, ch := range channels {
		stripped, msgs := splitChannel(ch)
		r.channels[ch.CID] = stripped
		r.putMessages(msgs)
	}
}

func (r *MemoryRepository) DeleteChannelMessagesBefore(_ context.Context, cid string, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteMessagesBefore(cid, before)
	return nil
}

func (r *MemoryRepository) deleteMessagesBefore(cid string, before time.Time) {
	for id := range r.byChannel[cid] {
		m := r.messages[id]
		if s := m.sentAt(); s == nil || !s.After(before) {
			delete(r.messages, id)
			delete(r.byChannel[cid], id)
		}
	}
}

// ── Messages ──────────────────────────────────────────────

func (r *MemoryRepository) SelectMessages(_ context.Context, ids []string) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.messages[id]; ok {
			out = append(out, refreshMessageUsers(m, r.lookupUser))
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertMessages(_ context.Context, messages []Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putMessages(messages)
	return nil
}

func (r *MemoryRepository) putMessages(messages []Message) {
	for _, m := range messages {
		if prev, ok := r.messages[m.ID]; ok && prev.CID != m.CID {
			delete(r.byChannel[prev.CID], m.ID)
		}
		r.messages[m.ID] = m
		if m.CID == "" {
			continue
		}
		set, ok := r.byChannel[m.CID]
		if !ok {
			set = make(map[string]struct{})
			r.byChannel[m.CID] = set
		}
		set[m.ID] = struct{}{}
	}
}

func (r *MemoryRepository) DeleteMessages(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteMessages(ids)
	return nil
}

func (r *MemoryRepository) deleteMessages(ids []string) {
	for _, id := range ids {
		if m, ok := r.messages[id]; ok {
			delete(r.byChannel[m.CID], id)
			delete(r.messages, id)
		}
	}
}

// ── Users ─────────────────────────────────────────────────

func (r *MemoryRepository) SelectUsers(_ context.Context, ids []string) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertUsers(_ context.Context, users []User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putUsers(users)
	return nil
}

func (r *MemoryRepository) putUsers(users []User) {
	for _, u := range users {
		if u.ID != "" {
			r.users[u.ID] = u
		}
	}
}

func (r *MemoryRepository) InsertCurrentUser(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentUser = &user
	return nil
}

func (r *MemoryRepository) SelectCurrentUser(_ context.Context) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.currentUser == nil {
		return nil, nil
	}
	u := *r.currentUser
	return &u, nil
}

// ── Queries and sync state ───────────────────────────────

func (r *MemoryRepository) SelectQuerySpec(_ context.Context, key string) (*QueryChannelsSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.querySpecs[key]
	if !ok {
		return nil, nil
	}
	spec.CIDs = append([]string(nil), spec.CIDs...)
	return &spec, nil
}

func (r *MemoryRepository) InsertQuerySpec(_ context.Context, spec QueryChannelsSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec.CIDs = append([]string(nil), spec.CIDs...)
	r.querySpecs[spec.Key] = spec
	return nil
}

func (r *MemoryRepository) SelectSyncState(_ context.Context, userID string) (*SyncState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.syncStates[userID]
	if !ok {
		return nil, nil
	}
	s.ActiveChannelIDs = append([]string(nil), s.ActiveChannelIDs...)
	return &s, nil
}

func (r *MemoryRepository) InsertSyncState(_ context.Context, state SyncState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state.ActiveChannelIDs = append([]string(nil), state.ActiveChannelIDs...)
	r.syncStates[state.UserID] = state
	return nil
}

// ── Batch ─────────────────────────────────────────────────

func (r *MemoryRepository) StoreStateForChannels(ctx context.Context, users []User, channels []Channel, messages []Message) error {
	return r.StoreBatch(ctx, StateBatch{Users: users, Channels: channels, Messages: messages})
}

func (r *MemoryRepository) StoreBatch(_ context.Context, b StateBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putUsers(b.Users)
	r.putChannels(b.Channels)
	r.putMessages(b.Messages)
	for _, cid := range sortedKeys(b.TruncatedBefore) {
		r.deleteMessagesBefore(cid, b.TruncatedBefore[cid])
	}
	r.deleteMessages(b.DeletedMessageIDs)
	return nil
}

func (r *MemoryRepository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	return nil
}
