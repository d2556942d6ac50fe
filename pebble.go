package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// ============================================================================
// PebbleRepository
// ============================================================================

// Key layout:
//
//	ch:<cid>              channel without messages
//	msg:<id>              message
//	chmsg:<cid>/<id>      index of a channel's messages (empty value)
//	user:<id>             user
//	me                    current user
//	qs:<key>              persisted query result
//	sync:<userID>         sync state
const (
	prefixChannel      = "ch:"
	prefixMessage      = "msg:"
	prefixChannelIndex = "chmsg:"
	prefixUser         = "user:"
	prefixQuerySpec    = "qs:"
	prefixSyncState    = "sync:"
	keyCurrentUser     = "me"
)

// PebbleRepository is a durable Repository on top of a Pebble database.
// Multi-entity writes are applied as one synced batch.
type PebbleRepository struct {
	db     *pebble.DB
	sync   bool
	logger *zap.Logger
}

// PebbleOption configures a PebbleRepository.
type PebbleOption func(*PebbleRepository)

// WithPebbleLogger sets the logger.
func WithPebbleLogger(l *zap.Logger) PebbleOption {
	return func(r *PebbleRepository) { r.logger = l }
}

// WithPebbleNoSync makes writes skip fsync. Meant for tests and caches.
func WithPebbleNoSync() PebbleOption {
	return func(r *PebbleRepository) { r.sync = false }
}

// OpenPebbleRepository opens or creates the database at path.
func OpenPebbleRepository(path string, opts ...PebbleOption) (*PebbleRepository, error) {
	r := &PebbleRepository{sync: true, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		r.logger.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	r.db = db
	r.logger.Info("pebble_opened", zap.String("path", path))
	return r, nil
}

// Close closes the database.
func (r *PebbleRepository) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *PebbleRepository) writeOpt() *pebble.WriteOptions {
	if r.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func channelIndexPrefix(cid string) []byte {
	return []byte(prefixChannelIndex + cid + "/")
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (r *PebbleRepository) getJSON(key string, v any) (bool, error) {
	data, closer, err := r.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set([]byte(key), data, nil)
}

// batchGetJSON reads key through b, seeing the batch's own writes on top of
// the database.
func batchGetJSON(b *pebble.Batch, key string, v any) (bool, error) {
	data, closer, err := b.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// apply fills an indexed batch and commits it in one write.
func (r *PebbleRepository) apply(op string, fill func(b *pebble.Batch) error) error {
	b := r.db.NewIndexedBatch()
	defer b.Close()
	if err := fill(b); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := r.db.Apply(b, r.writeOpt()); err != nil {
		r.logger.Error("pebble_apply_batch_failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// userCache memoizes user lookups for one select call.
type userCache struct {
	r    *PebbleRepository
	seen map[string]*User
}

func (c *userCache) lookup(id string) (User, bool) {
	if u, ok := c.seen[id]; ok {
		if u == nil {
			return User{}, false
		}
		return *u, true
	}
	var u User
	found, err := c.r.getJSON(prefixUser+id, &u)
	if err != nil || !found {
		c.seen[id] = nil
		return User{}, false
	}
	c.seen[id] = &u
	return u, true
}

func (r *PebbleRepository) newUserCache() *userCache {
	return &userCache{r: r, seen: make(map[string]*User)}
}

// ── Channels ──────────────────────────────────────────────

func (r *PebbleRepository) SelectChannels(ctx context.Context, cids []string) ([]Channel, error) {
	users := r.newUserCache()
	out := make([]Channel, 0, len(cids))
	for _, cid := range cids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ch Channel
		found, err := r.getJSON(prefixChannel+cid, &ch)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		msgs, err := r.channelMessages(cid)
		if err != nil {
			return nil, err
		}
		ch.Messages = msgs
		out = append(out, refreshChannelUsers(ch, users.lookup))
	}
	return out, nil
}

func (r *PebbleRepository) channelMessageIDs(cid string) ([]string, error) {
	prefix := channelIndexPrefix(cid)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", prefix, err)
	}
	defer iter.Close()
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(bytes.TrimPrefix(iter.Key(), prefix)))
	}
	return ids, iter.Error()
}

func (r *PebbleRepository) channelMessages(cid string) ([]Message, error) {
	ids, err := r.channelMessageIDs(cid)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		var m Message
		found, err := r.getJSON(prefixMessage+id, &m)
		if err != nil {
			return nil, err
		}
		if found {
			msgs = append(msgs, m)
		}
	}
	sortMessages(msgs)
	return msgs, nil
}

func (r *PebbleRepository) InsertChannels(_ context.Context, channels []Channel) error {
	return r.apply("insert channels", func(b *pebble.Batch) error {
		return putChannels(b, channels)
	})
}

func putChannels(b *pebble.Batch, channels []Channel) error {
	for _, ch := range channels {
		stripped, msgs := splitChannel(ch)
		if err := setJSON(b, prefixChannel+ch.CID, stripped); err != nil {
			return err
		}
		if err := putMessages(b, msgs); err != nil {
			return err
		}
	}
	return nil
}

func (r *PebbleRepository) DeleteChannelMessagesBefore(_ context.Context, cid string, before time.Time) error {
	return r.apply("delete channel messages", func(b *pebble.Batch) error {
		return deleteMessagesBefore(b, cid, before)
	})
}

func deleteMessagesBefore(b *pebble.Batch, cid string, before time.Time) error {
	prefix := channelIndexPrefix(cid)
	iter, err := b.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", prefix, err)
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(bytes.TrimPrefix(iter.Key(), prefix)))
	}
	if err := errors.Join(iter.Error(), iter.Close()); err != nil {
		return err
	}
	for _, id := range ids {
		var m Message
		found, err := batchGetJSON(b, prefixMessage+id, &m)
		if err != nil {
			return err
		}
		if !found {
			if err := b.Delete(append(channelIndexPrefix(cid), id...), nil); err != nil {
				return err
			}
			continue
		}
		if s := m.sentAt(); s != nil && s.After(before) {
			continue
		}
		if err := deleteMessage(b, m); err != nil {
			return err
		}
	}
	return nil
}

// ── Messages ──────────────────────────────────────────────

func (r *PebbleRepository) SelectMessages(ctx context.Context, ids []string) ([]Message, error) {
	users := r.newUserCache()
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var m Message
		found, err := r.getJSON(prefixMessage+id, &m)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, refreshMessageUsers(m, users.lookup))
		}
	}
	return out, nil
}

func (r *PebbleRepository) InsertMessages(_ context.Context, messages []Message) error {
	return r.apply("insert messages", func(b *pebble.Batch) error {
		return putMessages(b, messages)
	})
}

func putMessages(b *pebble.Batch, messages []Message) error {
	for _, m := range messages {
		var prev Message
		found, err := batchGetJSON(b, prefixMessage+m.ID, &prev)
		if err != nil {
			return err
		}
		if found && prev.CID != "" && prev.CID != m.CID {
			if err := b.Delete(append(channelIndexPrefix(prev.CID), m.ID...), nil); err != nil {
				return err
			}
		}
		if err := setJSON(b, prefixMessage+m.ID, m); err != nil {
			return err
		}
		if m.CID == "" {
			continue
		}
		key := append(channelIndexPrefix(m.CID), m.ID...)
		if err := b.Set(key, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func deleteMessage(b *pebble.Batch, m Message) error {
	if err := b.Delete([]byte(prefixMessage+m.ID), nil); err != nil {
		return err
	}
	if m.CID == "" {
		return nil
	}
	return b.Delete(append(channelIndexPrefix(m.CID), m.ID...), nil)
}

func (r *PebbleRepository) DeleteMessages(_ context.Context, ids []string) error {
	return r.apply("delete messages", func(b *pebble.Batch) error {
		return deleteMessages(b, ids)
	})
}

func deleteMessages(b *pebble.Batch, ids []string) error {
	for _, id := range ids {
		var m Message
		found, err := batchGetJSON(b, prefixMessage+id, &m)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := deleteMessage(b, m); err != nil {
			return err
		}
	}
	return nil
}

// ── Users ─────────────────────────────────────────────────

func (r *PebbleRepository) SelectUsers(_ context.Context, ids []string) ([]User, error) {
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		var u User
		found, err := r.getJSON(prefixUser+id, &u)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *PebbleRepository) InsertUsers(_ context.Context, users []User) error {
	return r.apply("insert users", func(b *pebble.Batch) error {
		return putUsers(b, users)
	})
}

func putUsers(b *pebble.Batch, users []User) error {
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if err := setJSON(b, prefixUser+u.ID, u); err != nil {
			return err
		}
	}
	return nil
}

func (r *PebbleRepository) InsertCurrentUser(_ context.Context, user User) error {
	return r.apply("insert current user", func(b *pebble.Batch) error {
		return setJSON(b, keyCurrentUser, user)
	})
}

func (r *PebbleRepository) SelectCurrentUser(_ context.Context) (*User, error) {
	var u User
	found, err := r.getJSON(keyCurrentUser, &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// ── Queries and sync state ───────────────────────────────

func (r *PebbleRepository) SelectQuerySpec(_ context.Context, key string) (*QueryChannelsSpec, error) {
	var spec QueryChannelsSpec
	found, err := r.getJSON(prefixQuerySpec+key, &spec)
	if err != nil || !found {
		return nil, err
	}
	return &spec, nil
}

func (r *PebbleRepository) InsertQuerySpec(_ context.Context, spec QueryChannelsSpec) error {
	return r.apply("insert query spec", func(b *pebble.Batch) error {
		return setJSON(b, prefixQuerySpec+spec.Key, spec)
	})
}

func (r *PebbleRepository) SelectSyncState(_ context.Context, userID string) (*SyncState, error) {
	var s SyncState
	found, err := r.getJSON(prefixSyncState+userID, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

func (r *PebbleRepository) InsertSyncState(_ context.Context, state SyncState) error {
	return r.apply("insert sync state", func(b *pebble.Batch) error {
		return setJSON(b, prefixSyncState+state.UserID, state)
	})
}

// ── Batch ─────────────────────────────────────────────────

func (r *PebbleRepository) StoreStateForChannels(ctx context.Context, users []User, channels []Channel, messages []Message) error {
	return r.StoreBatch(ctx, StateBatch{Users: users, Channels: channels, Messages: messages})
}

func (r *PebbleRepository) StoreBatch(_ context.Context, sb StateBatch) error {
	return r.apply("store state for channels", func(b *pebble.Batch) error {
		if err := putUsers(b, sb.Users); err != nil {
			return err
		}
		if err := putChannels(b, sb.Channels); err != nil {
			return err
		}
		if err := putMessages(b, sb.Messages); err != nil {
			return err
		}
		for _, cid := range sortedKeys(sb.TruncatedBefore) {
			if err := deleteMessagesBefore(b, cid, sb.TruncatedBefore[cid]); err != nil {
				return err
			}
		}
		return deleteMessages(b, sb.DeletedMessageIDs)
	})
}

func (r *PebbleRepository) Clear(_ context.Context) error {
	return r.apply("clear", func(b *pebble.Batch) error {
		return b.DeleteRange([]byte{0x00}, []byte{0xff}, nil)
	})
}

// Stats counts stored entities per table.
func (r *PebbleRepository) Stats() (map[string]int, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	stats := map[string]int{"channels": 0, "messages": 0, "users": 0, "queries": 0}
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		switch {
		case bytes.HasPrefix(k, []byte(prefixChannelIndex)):
		case bytes.HasPrefix(k, []byte(prefixChannel)):
			stats["channels"]++
		case bytes.HasPrefix(k, []byte(prefixMessage)):
			stats["messages"]++
		case bytes.HasPrefix(k, []byte(prefixUser)):
			stats["users"]++
		case bytes.HasPrefix(k, []byte(prefixQuerySpec)):
			stats["queries"]++
		}
	}
	return stats, iter.Error()
}

// AllChannelCIDs lists every stored channel id.
func (r *PebbleRepository) AllChannelCIDs() ([]string, error) {
	prefix := []byte(prefixChannel)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var cids []string
	for iter.First(); iter.Valid(); iter.Next() {
		cids = append(cids, string(bytes.TrimPrefix(iter.Key(), prefix)))
	}
	return cids, iter.Error()
}
