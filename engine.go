package chatsync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoQuery is returned by LoadMoreChannels for a query that never ran.
var ErrNoQuery = errors.New("query has not run")

// EventSink consumes decoded events in arrival order.
type EventSink interface {
	HandleEvents(ctx context.Context, events ...ChatEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, events ...ChatEvent) error

func (f EventSinkFunc) HandleEvents(ctx context.Context, events ...ChatEvent) error {
	return f(ctx, events...)
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles events and local writes for one user session.
type Engine struct {
	currentUserID string
	repo          Repository
	api           ChatAPI
	global        *GlobalState
	logger        *zap.Logger
	metrics       *Metrics
	now           func() time.Time

	markReadThrottle  *Throttle
	keystrokeThrottle *Throttle
	handlerFactory    ChatEventHandlerFactory

	userMu      sync.RWMutex
	currentUser User

	channelLocks *keyedMutex
	globalMu     sync.Mutex
	typing       *typingTracker
	watchGroup   singleflight.Group

	queriesMu sync.RWMutex
	queries   map[string]*queryRegistry

	users *StateFlow[map[string]User]

	watchedMu sync.Mutex
	watched   map[string]struct{}
}

type queryRegistry struct {
	state   *QueryChannelsState
	handler ChatEventHandler
}

var _ EventSink = (*Engine)(nil)

type EngineOption func(*Engine)

func WithAPI(api ChatAPI) EngineOption {
	return func(e *Engine) { e.api = api }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithGlobalState hands an existing holder to the engine, e.g. one that UI
// code already observes.
func WithGlobalState(g *GlobalState) EngineOption {
	return func(e *Engine) { e.global = g }
}

// WithMarkReadThrottle replaces the process-wide DefaultMarkReadThrottle.
func WithMarkReadThrottle(t *Throttle) EngineOption {
	return func(e *Engine) { e.markReadThrottle = t }
}

func WithChatEventHandlerFactory(f ChatEventHandlerFactory) EngineOption {
	return func(e *Engine) { e.handlerFactory = f }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates the engine of currentUser's session.
func NewEngine(currentUser User, repo Repository, opts ...EngineOption) *Engine {
	e := &Engine{
		currentUserID:     currentUser.ID,
		currentUser:       currentUser,
		repo:              repo,
		global:            NewGlobalState(),
		logger:            zap.NewNop(),
		now:               time.Now,
		markReadThrottle:  DefaultMarkReadThrottle,
		keystrokeThrottle: NewThrottle(DefaultCooldown),
		handlerFactory:    DefaultChatEventHandler,
		channelLocks:      newKeyedMutex(),
		typing:            newTypingTracker(),
		queries:           make(map[string]*queryRegistry),
		users:             NewStateFlow(map[string]User{}, nil),
		watched:           make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("user_id", e.currentUserID))
	return e
}

func (e *Engine) CurrentUserID() string     { return e.currentUserID }
func (e *Engine) GlobalState() *GlobalState { return e.global }

// Users is the table of every user the session has seen, keyed by id.
func (e *Engine) Users() Observable[map[string]User] { return e.users }

func (e *Engine) CurrentUser() User {
	e.userMu.RLock()
	defer e.userMu.RUnlock()
	return e.currentUser
}

func (e *Engine) setCurrentUser(u User) {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	e.currentUser = u
}

// QueryState returns the registry of spec, creating it on first use.
func (e *Engine) QueryState(spec QuerySpec) *QueryChannelsState {
	return e.registry(spec).state
}

func (e *Engine) registry(spec QuerySpec) *queryRegistry {
	key := spec.Key()
	e.queriesMu.RLock()
	reg, ok := e.queries[key]
	e.queriesMu.RUnlock()
	if ok {
		return reg
	}

	e.queriesMu.Lock()
	defer e.queriesMu.Unlock()
	if reg, ok := e.queries[key]; ok {
		return reg
	}
	state := NewQueryChannelsState(spec)
	reg = &queryRegistry{state: state, handler: e.handlerFactory(state.CIDs, e.currentUserID)}
	e.queries[key] = reg
	return reg
}

func (e *Engine) registries() []*queryRegistry {
	e.queriesMu.RLock()
	defer e.queriesMu.RUnlock()
	out := make([]*queryRegistry, 0, len(e.queries))
	for _, reg := range e.queries {
		out = append(out, reg)
	}
	return out
}

// ============================================================================
// Event handling
// ============================================================================

// HandleEvents reconciles events received from the realtime connection.
func (e *Engine) HandleEvents(ctx context.Context, events ...ChatEvent) error {
	return e.HandleBatch(ctx, EventBatch{Events: events})
}

// HandleBatch declares, loads, applies and commits one batch, then updates
// the global state and the query registries. Events of one channel are
// applied in order.
func (e *Engine) HandleBatch(ctx context.Context, batch EventBatch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	start := time.Now()
	defer e.metrics.observeBatch(start)

	b := newBatchBuilder()
	for _, ev := range batch.Events {
		b.declare(ev)
	}
	if b.markAllRead {
		for _, reg := range e.registries() {
			for _, cid := range reg.state.CIDs() {
				b.fetchChannel(cid)
			}
		}
	}
	cids := b.cids()
	unlock := e.channelLocks.lock(cids...)
	defer unlock()

	if !batch.FromHistorySync {
		e.updateGlobalState(ctx, batch.Events)
	}
	e.updateTyping(batch.Events)

	update := newEventBatchUpdate(e.CurrentUser(), e.repo, e.logger, e.metrics, e.isMuted)
	if err := update.load(ctx, b, cids); err != nil {
		e.logger.Error("batch_load_failed", zap.Error(err))
		return err
	}
	for _, ev := range batch.Events {
		meta := ev.Meta()
		if reason := update.apply(ev); reason != "" {
			e.metrics.eventDropped(reason)
			fields := []zap.Field{zap.String("type", meta.Type), zap.String("reason", reason)}
			if ce, ok := ev.(cidEvent); ok {
				fields = append(fields, zap.String("cid", ce.ChannelCID()))
			}
			e.logger.Debug("event_dropped", fields...)
			continue
		}
		e.metrics.eventApplied(meta.Type)
	}
	res, err := update.commit(ctx)
	if err != nil {
		return err
	}

	e.publishUsers(res.users)
	e.updateRegistries(ctx, batch.Events, res)
	return nil
}

func (e *Engine) isMuted(cid, authorID string) bool {
	return e.global.IsChannelMuted(cid, e.now()) || e.global.IsUserMuted(authorID)
}

// updateGlobalState applies unread totals, bans, mutes and the current user.
func (e *Engine) updateGlobalState(ctx context.Context, events []ChatEvent) {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()

	for _, ev := range events {
		if c, ok := ev.(unreadCountsEvent); ok {
			e.global.setUnreadCounts(c.UnreadCounts())
		}
		if o, ok := ev.(ownUserEvent); ok {
			e.applyOwnUser(ctx, ev, o.OwnUser())
		}
		switch ev := ev.(type) {
		case *NotificationMarkReadEvent:
			e.global.setUnreadThreads(ev.UnreadThreads)
		case *MarkAllReadEvent:
			e.markedAllRead(ctx, ev.CreatedAt)
		case *GlobalUserBannedEvent:
			if ev.User.ID == e.currentUserID {
				e.global.setBanned(true)
			}
		case *GlobalUserUnbannedEvent:
			if ev.User.ID == e.currentUserID {
				e.global.setBanned(false)
			}
		case *UserUpdatedEvent:
			if ev.User.ID == e.currentUserID {
				u := ev.User
				e.setCurrentUser(u)
				e.global.user.Set(&u)
			}
		}
	}
}

func (e *Engine) applyOwnUser(ctx context.Context, ev ChatEvent, me User) {
	if me.ID == "" || me.ID != e.currentUserID {
		return
	}
	switch ev.(type) {
	case *ConnectedEvent:
		e.setCurrentUser(me)
		e.global.setUser(me)
		e.global.setUnreadCounts(me.TotalUnreadCount, me.UnreadChannels)
		e.global.setUnreadThreads(me.UnreadThreads)
		if err := e.repo.InsertCurrentUser(ctx, me); err != nil {
			e.logger.Warn("current_user_store_failed", zap.Error(err))
		}
	case *NotificationMutesUpdatedEvent:
		e.global.setMutedUsers(me.Mutes)
	case *NotificationChannelMutesUpdatedEvent:
		e.global.setChannelMutes(me.ChannelMutes)
	}
}

func (e *Engine) updateTyping(events []ChatEvent) {
	for _, ev := range events {
		if cid, te, ok := e.typing.apply(ev, e.currentUserID); ok {
			e.global.setTyping(cid, te)
		}
	}
}

// updateRegistries classifies each event for every query and then refreshes
// the channels the queries already hold.
func (e *Engine) updateRegistries(ctx context.Context, events []ChatEvent, res commitResult) {
	fetched := map[string]Channel{}
	for _, reg := range e.registries() {
		for _, ev := range events {
			ce, ok := ev.(cidEvent)
			if !ok {
				continue
			}
			cid := ce.ChannelCID()
			var cached *Channel
			if ch, ok := res.channels[cid]; ok {
				cached = &ch
			}
			switch r := reg.handler.HandleChatEvent(ev, reg.state.Spec().Filter, cached).(type) {
			case AddChannel:
				reg.state.AddChannels(r.Channel)
			case RemoveChannel:
				reg.state.RemoveChannels(r.CID)
			case WatchAndAddChannel:
				ch, ok := fetched[r.CID]
				if !ok {
					var err error
					ch, err = e.watchAndAdd(ctx, r.CID)
					if err != nil {
						e.logger.Warn("watch_and_add_failed", zap.String("cid", r.CID), zap.Error(err))
						continue
					}
					fetched[r.CID] = ch
				}
				reg.state.AddChannels(ch)
			}
		}
	}

	// Fetched channels supersede what the batch committed for them.
	committed := make([]Channel, 0, len(res.channels))
	for _, cid := range sortedKeys(res.channels) {
		if ch, ok := fetched[cid]; ok {
			committed = append(committed, ch)
			continue
		}
		committed = append(committed, res.channels[cid])
	}
	for _, reg := range e.registries() {
		reg.state.RefreshChannels(committed...)
		reg.state.RefreshUsers(res.users)
	}
}

// watchAndAdd fetches and watches cid once, however many registries ask for
// it. The caller holds the lock of cid.
func (e *Engine) watchAndAdd(ctx context.Context, cid string) (Channel, error) {
	v, err, _ := e.watchGroup.Do(cid, func() (any, error) {
		return e.fetchChannel(ctx, cid)
	})
	if err != nil {
		return Channel{}, err
	}
	return v.(Channel), nil
}

// fetchChannel queries and watches cid and stores the result. The caller
// holds the lock of cid.
func (e *Engine) fetchChannel(ctx context.Context, cid string) (Channel, error) {
	if e.api == nil {
		return Channel{}, ErrNoAPI
	}
	ch, err := e.api.QueryChannel(ctx, cid, true)
	if err != nil {
		return Channel{}, &NetworkError{Op: "query channel", Err: err}
	}
	if ch.CID == "" {
		ch.CID = cid
	}
	if err := e.storeChannels(ctx, ch); err != nil {
		return Channel{}, err
	}
	e.addWatched(ctx, cid)
	return ch, nil
}

// storeChannels persists full channel responses with their users.
func (e *Engine) storeChannels(ctx context.Context, channels ...Channel) error {
	users := map[string]User{}
	for _, ch := range channels {
		channelUsers(ch, users)
	}
	delete(users, e.currentUserID)
	list := make([]User, 0, len(users))
	for _, id := range sortedKeys(users) {
		list = append(list, users[id])
	}
	if err := e.repo.StoreStateForChannels(ctx, list, channels, nil); err != nil {
		e.metrics.commitFailed()
		return &PersistenceError{Op: "store channels", Err: err}
	}
	e.publishUsers(list)
	return nil
}

// publishUsers merges users into the user table.
func (e *Engine) publishUsers(users []User) {
	if len(users) == 0 {
		return
	}
	e.users.Update(func(cur map[string]User) map[string]User {
		next := make(map[string]User, len(cur)+len(users))
		for k, v := range cur {
			next[k] = v
		}
		for _, u := range users {
			next[u.ID] = u
		}
		return next
	})
}

// publishChannels refreshes the registries that hold channels.
func (e *Engine) publishChannels(channels ...Channel) {
	for _, reg := range e.registries() {
		reg.state.RefreshChannels(channels...)
	}
}

// ============================================================================
// Queries
// ============================================================================

// QueryChannels runs one page of a channel-list query. The registry first
// shows the persisted result of the query, if any, then the network page.
func (e *Engine) QueryChannels(ctx context.Context, req QueryChannelsRequest) (*QueryChannelsState, error) {
	if req.Sort == nil {
		req.Sort = DefaultQuerySort
	}
	spec := req.Spec()
	state := e.registry(spec).state
	state.SetCurrentRequest(req)

	first := req.IsFirstPage()
	if first {
		state.SetLoading(true)
		defer state.SetLoading(false)
		e.serveOffline(ctx, state)
	} else {
		state.SetLoadingMore(true)
		defer state.SetLoadingMore(false)
	}

	if e.api == nil {
		if state.ChannelsStateData().Kind != ChannelsResult {
			state.SetChannels([]Channel{})
		}
		return state, nil
	}

	channels, err := e.api.QueryChannels(ctx, req)
	if err != nil {
		e.logger.Warn("query_channels_failed", zap.String("query", spec.Key()), zap.Error(err))
		return state, &NetworkError{Op: "query channels", Err: err}
	}
	cids := make([]string, len(channels))
	for i, ch := range channels {
		cids[i] = ch.CID
	}

	unlock := e.channelLocks.lock(cids...)
	err = e.storeChannels(ctx, channels...)
	unlock()
	if err != nil {
		return state, err
	}
	if err := e.storeQuerySpec(ctx, spec, cids, first); err != nil {
		e.logger.Warn("query_spec_store_failed", zap.Error(err))
	}

	if first {
		state.SetChannels(channels)
	} else {
		state.AddChannels(channels...)
	}
	state.SetActiveLocations(e.global.liveLocationsByCID(e.now()))
	state.SetChannelsOffset(req.Offset + len(channels))
	state.SetEndOfChannels(req.Limit > 0 && len(channels) < req.Limit)
	if req.Watch {
		for _, cid := range cids {
			e.addWatched(ctx, cid)
		}
	}
	e.logger.Debug("channels_queried", zap.Int("offset", req.Offset), zap.Int("count", len(channels)))
	return state, nil
}

// serveOffline shows the last persisted result of the query.
func (e *Engine) serveOffline(ctx context.Context, state *QueryChannelsState) {
	spec, err := e.repo.SelectQuerySpec(ctx, state.Spec().Key())
	if err != nil || spec == nil || len(spec.CIDs) == 0 {
		return
	}
	channels, err := e.repo.SelectChannels(ctx, spec.CIDs)
	if err != nil {
		e.logger.Warn("offline_channels_load_failed", zap.Error(err))
		return
	}
	if len(channels) > 0 {
		state.SetChannels(channels)
	}
}

func (e *Engine) storeQuerySpec(ctx context.Context, spec QuerySpec, cids []string, first bool) error {
	key := spec.Key()
	all := cids
	if !first {
		prev, err := e.repo.SelectQuerySpec(ctx, key)
		if err != nil {
			return err
		}
		if prev != nil {
			all = slices.Clone(prev.CIDs)
			for _, cid := range cids {
				if !slices.Contains(all, cid) {
					all = append(all, cid)
				}
			}
		}
	}
	return e.repo.InsertQuerySpec(ctx, QueryChannelsSpec{Key: key, Spec: spec, CIDs: all})
}

// LoadMoreChannels fetches the next page of spec. It does nothing once the
// end of the list was reached.
func (e *Engine) LoadMoreChannels(ctx context.Context, spec QuerySpec) (*QueryChannelsState, error) {
	if spec.Sort == nil {
		spec.Sort = DefaultQuerySort
	}
	state := e.registry(spec).state
	req, ok := state.NextPageRequest()
	if !ok {
		return state, precondition("load more channels", ErrNoQuery)
	}
	if state.EndOfChannels().Value() {
		return state, nil
	}
	return e.QueryChannels(ctx, req)
}

// ============================================================================
// Watching
// ============================================================================

// Watch fetches cid, starts watching it and records it in the sync state.
func (e *Engine) Watch(ctx context.Context, cid string) (Channel, error) {
	unlock := e.channelLocks.lock(cid)
	defer unlock()
	ch, err := e.fetchChannel(ctx, cid)
	if err != nil {
		return Channel{}, err
	}
	e.publishChannels(ch)
	return ch, nil
}

// StopWatching removes cid from the watched set.
func (e *Engine) StopWatching(ctx context.Context, cid string) error {
	e.watchedMu.Lock()
	_, ok := e.watched[cid]
	delete(e.watched, cid)
	e.watchedMu.Unlock()
	if !ok {
		return nil
	}
	return e.saveActiveChannels(ctx)
}

// WatchedCIDs lists the watched channels, sorted.
func (e *Engine) WatchedCIDs() []string {
	e.watchedMu.Lock()
	defer e.watchedMu.Unlock()
	return sortedKeys(e.watched)
}

func (e *Engine) addWatched(ctx context.Context, cid string) {
	e.watchedMu.Lock()
	_, had := e.watched[cid]
	e.watched[cid] = struct{}{}
	e.watchedMu.Unlock()
	if had {
		return
	}
	if err := e.saveActiveChannels(ctx); err != nil {
		e.logger.Warn("sync_state_store_failed", zap.Error(err))
	}
}

// ============================================================================
// Reads
// ============================================================================

// Channel returns the stored state of cid.
func (e *Engine) Channel(ctx context.Context, cid string) (Channel, error) {
	channels, err := e.repo.SelectChannels(ctx, []string{cid})
	if err != nil {
		return Channel{}, &PersistenceError{Op: "select channels", Err: err}
	}
	if len(channels) == 0 {
		return Channel{}, precondition("channel", ErrChannelNotFound)
	}
	return channels[0], nil
}

// SetActiveLiveLocations publishes the live locations being shared and
// attaches them to the channels of every query.
func (e *Engine) SetActiveLiveLocations(locs []Location) {
	e.global.setActiveLiveLocations(locs)
	byCID := e.global.liveLocationsByCID(e.now())
	for _, reg := range e.registries() {
		reg.state.SetActiveLocations(byCID)
	}
}

// Clear resets the session on logout. Holders of the GlobalState and of
// query states stay valid and observe the reset.
func (e *Engine) Clear(ctx context.Context) error {
	e.globalMu.Lock()
	e.global.Clear()
	e.globalMu.Unlock()

	for _, reg := range e.registries() {
		reg.state.clear()
	}
	e.typing.clear()
	e.users.Set(map[string]User{})
	e.watchedMu.Lock()
	e.watched = make(map[string]struct{})
	e.watchedMu.Unlock()

	if err := e.repo.Clear(ctx); err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	e.logger.Info("session_cleared")
	return nil
}

// ============================================================================
// keyedMutex
// ============================================================================

// keyedMutex serializes work per key. Multiple keys are always locked in
// sorted order, so batches touching overlapping channels cannot deadlock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// lock acquires every key and returns the release func.
func (k *keyedMutex) lock(keys ...string) func() {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	entries := make([]*keyedEntry, len(keys))
	k.mu.Lock()
	for i, key := range keys {
		ent, ok := k.locks[key]
		if !ok {
			ent = &keyedEntry{}
			k.locks[key] = ent
		}
		ent.refs++
		entries[i] = ent
	}
	k.mu.Unlock()

	for _, ent := range entries {
		ent.mu.Lock()
	}
	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		k.mu.Lock()
		for i, key := range keys {
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, key)
			}
		}
		k.mu.Unlock()
	}
}

// ============================================================================
// typingTracker
// ============================================================================

// typingTracker keeps who types where, in start order.
type typingTracker struct {
	mu    sync.Mutex
	byCID map[string][]User
}

func newTypingTracker() *typingTracker {
	return &typingTracker{byCID: make(map[string][]User)}
}

// apply returns the new participants of the event's channel, or false when
// the event does not change them. The current user's own typing is ignored.
func (t *typingTracker) apply(ev ChatEvent, currentUserID string) (string, TypingEvent, bool) {
	var (
		cid   string
		user  User
		start bool
	)
	switch e := ev.(type) {
	case *TypingStartEvent:
		cid, user, start = e.CID, e.User, true
	case *TypingStopEvent:
		cid, user = e.CID, e.User
	default:
		return "", TypingEvent{}, false
	}
	if cid == "" || user.ID == "" || user.ID == currentUserID {
		return "", TypingEvent{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.byCID[cid]
	next := removeByID(cur, user.ID, func(u User) string { return u.ID })
	if start {
		next = append(next, user)
	}
	if len(next) == 0 {
		delete(t.byCID, cid)
	} else {
		t.byCID[cid] = next
	}
	return cid, TypingEvent{CID: cid, Users: next}, true
}

func (t *typingTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCID = make(map[string][]User)
}
