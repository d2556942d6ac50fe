package chatsync

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Sorting
// ============================================================================

// Channel sort fields.
const (
	SortLastMessageAt = "last_message_at"
	SortLastUpdated   = "last_updated"
	SortCreatedAt     = "created_at"
	SortUpdatedAt     = "updated_at"
	SortMemberCount   = "member_count"
	SortUnreadCount   = "unread_count"
	SortHasUnread     = "has_unread"
	SortName          = "name"
	SortCID           = "cid"
)

// DefaultQuerySort orders channels by most recent message first.
var DefaultQuerySort = QuerySort{{Field: SortLastMessageAt, Direction: -1}}

// Comparator returns the channel order of q. The cid is always appended as
// the final key, so the order is total. Unknown fields are ignored.
func (q QuerySort) Comparator() func(a, b Channel) int {
	fields := q
	if len(fields) == 0 {
		fields = DefaultQuerySort
	}
	fields = append(slices.Clone(fields), SortField{Field: SortCID, Direction: 1})
	return func(a, b Channel) int {
		for _, f := range fields {
			c := compareChannelField(f.Field, &a, &b)
			if f.Direction < 0 {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

func compareChannelField(field string, a, b *Channel) int {
	switch field {
	case SortLastMessageAt:
		return compareTime(a.LastMessageAt, b.LastMessageAt)
	case SortLastUpdated:
		return compareTime(lastUpdated(a), lastUpdated(b))
	case SortCreatedAt:
		return compareTime(a.CreatedAt, b.CreatedAt)
	case SortUpdatedAt:
		return compareTime(a.UpdatedAt, b.UpdatedAt)
	case SortMemberCount:
		return compareInt(a.MemberCount, b.MemberCount)
	case SortUnreadCount:
		return compareInt(a.UnreadCount, b.UnreadCount)
	case SortHasUnread:
		return compareInt(min(a.UnreadCount, 1), min(b.UnreadCount, 1))
	case SortName:
		return strings.Compare(a.Name, b.Name)
	case SortCID:
		return strings.Compare(a.CID, b.CID)
	}
	return 0
}

func lastUpdated(ch *Channel) *time.Time {
	return laterOf(ch.LastMessageAt, ch.CreatedAt)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func channelCID(ch Channel) string { return ch.CID }

// ============================================================================
// Channels state
// ============================================================================

// ChannelsStateKind is the phase of a channel-list query.
type ChannelsStateKind int

const (
	// ChannelsNoQueryActive: the query never ran.
	ChannelsNoQueryActive ChannelsStateKind = iota
	// ChannelsLoading: the first request is in flight and nothing is known.
	ChannelsLoading
	// ChannelsNoResults: the query ran and matched nothing.
	ChannelsNoResults
	// ChannelsResult: Channels holds the sorted result.
	ChannelsResult
)

func (k ChannelsStateKind) String() string {
	switch k {
	case ChannelsLoading:
		return "loading"
	case ChannelsNoResults:
		return "no_results"
	case ChannelsResult:
		return "result"
	}
	return "no_query_active"
}

// ChannelsStateData is the read model of a channel list.
type ChannelsStateData struct {
	Kind     ChannelsStateKind
	Channels []Channel
}

// QueryChannelsState is the live, sorted result of one (filter, sort) query
// plus its pagination state.
type QueryChannelsState struct {
	spec QuerySpec
	cmp  func(a, b Channel) int

	mu             sync.Mutex
	raw            map[string]Channel // nil until the first result
	sorted         []Channel
	locations      map[string][]Location
	channelsOffset int
	currentRequest *QueryChannelsRequest

	loading       *StateFlow[bool]
	loadingMore   *StateFlow[bool]
	endOfChannels *StateFlow[bool]
	state         *StateFlow[ChannelsStateData]
}

// NewQueryChannelsState creates the registry of spec.
func NewQueryChannelsState(spec QuerySpec) *QueryChannelsState {
	eqBool := func(a, b bool) bool { return a == b }
	return &QueryChannelsState{
		spec:          spec,
		cmp:           spec.Sort.Comparator(),
		loading:       NewStateFlow(false, eqBool),
		loadingMore:   NewStateFlow(false, eqBool),
		endOfChannels: NewStateFlow(false, eqBool),
		state:         NewStateFlow(ChannelsStateData{Kind: ChannelsNoQueryActive}, nil),
	}
}

// ── Read side ─────────────────────────────────────────────

func (s *QueryChannelsState) Spec() QuerySpec                              { return s.spec }
func (s *QueryChannelsState) ChannelsState() Observable[ChannelsStateData] { return s.state }
func (s *QueryChannelsState) Loading() Observable[bool]                    { return s.loading }
func (s *QueryChannelsState) LoadingMore() Observable[bool]                { return s.loadingMore }
func (s *QueryChannelsState) EndOfChannels() Observable[bool]              { return s.endOfChannels }

// ChannelsStateData returns the current read model.
func (s *QueryChannelsState) ChannelsStateData() ChannelsStateData { return s.state.Value() }

// Channels returns the sorted channels, or nil before the first result.
func (s *QueryChannelsState) Channels() []Channel {
	return s.state.Value().Channels
}

// CIDs returns the cids currently in the list, in list order.
func (s *QueryChannelsState) CIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sorted))
	for i, ch := range s.sorted {
		out[i] = ch.CID
	}
	return out
}

func (s *QueryChannelsState) has(cid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.raw[cid]
	return ok
}

// ChannelsOffset is the offset of the next page.
func (s *QueryChannelsState) ChannelsOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelsOffset
}

// NextPageRequest is the current request with Offset moved to the tracked
// channels offset. It returns false before any request was made.
func (s *QueryChannelsState) NextPageRequest() (QueryChannelsRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentRequest == nil {
		return QueryChannelsRequest{}, false
	}
	req := *s.currentRequest
	req.Offset = s.channelsOffset
	return req, true
}

// ── Setters ───────────────────────────────────────────────

func (s *QueryChannelsState) SetLoading(v bool) {
	s.loading.Set(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked()
}

func (s *QueryChannelsState) SetLoadingMore(v bool)   { s.loadingMore.Set(v) }
func (s *QueryChannelsState) SetEndOfChannels(v bool) { s.endOfChannels.Set(v) }

func (s *QueryChannelsState) SetChannelsOffset(offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelsOffset = offset
}

func (s *QueryChannelsState) SetCurrentRequest(req QueryChannelsRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRequest = &req
}

// ── Raw map updates ───────────────────────────────────────

// SetChannels replaces the result wholesale.
func (s *QueryChannelsState) SetChannels(channels []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = make(map[string]Channel, len(channels))
	for _, ch := range channels {
		s.raw[ch.CID] = ch
	}
	s.sorted = make([]Channel, 0, len(s.raw))
	for _, ch := range s.raw {
		s.sorted = append(s.sorted, ch)
	}
	slices.SortFunc(s.sorted, s.cmp)
	s.publishLocked()
}

// AddChannels inserts or replaces channels.
func (s *QueryChannelsState) AddChannels(channels ...Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		s.raw = make(map[string]Channel, len(channels))
	}
	for _, ch := range channels {
		s.putLocked(ch)
	}
	s.publishLocked()
}

func (s *QueryChannelsState) putLocked(ch Channel) {
	s.raw[ch.CID] = ch
	s.sorted = UpsertSorted(s.sorted, ch, channelCID, s.cmp)
}

// RemoveChannels drops cids from the result.
func (s *QueryChannelsState) RemoveChannels(cids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, cid := range cids {
		if _, ok := s.raw[cid]; !ok {
			continue
		}
		delete(s.raw, cid)
		s.sorted = removeByID(s.sorted, cid, channelCID)
		changed = true
	}
	if changed {
		s.publishLocked()
	}
}

// RefreshChannels replaces the channels the list already holds and ignores
// the rest.
func (s *QueryChannelsState) RefreshChannels(channels ...Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, ch := range channels {
		if _, ok := s.raw[ch.CID]; !ok {
			continue
		}
		s.putLocked(ch)
		changed = true
	}
	if changed {
		s.publishLocked()
	}
}

// RefreshUsers updates the embedded copies of users in every held channel.
func (s *QueryChannelsState) RefreshUsers(users []User) {
	if len(users) == 0 {
		return
	}
	byID := make(map[string]User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	lookup := func(id string) (User, bool) {
		u, ok := byID[id]
		return u, ok
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range s.sorted {
		ch = refreshChannelUsers(ch, lookup)
		s.sorted[i] = ch
		s.raw[ch.CID] = ch
	}
	s.publishLocked()
}

// SetActiveLocations sets the live locations shown per channel.
func (s *QueryChannelsState) SetActiveLocations(byCID map[string][]Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = byCID
	s.publishLocked()
}

// publishLocked recomputes the read model. Published lists are copies of
// s.sorted.
func (s *QueryChannelsState) publishLocked() {
	switch {
	case len(s.raw) == 0 && s.loading.Value():
		s.state.Set(ChannelsStateData{Kind: ChannelsLoading})
	case s.raw == nil:
		s.state.Set(ChannelsStateData{Kind: ChannelsNoQueryActive})
	case len(s.raw) == 0:
		s.state.Set(ChannelsStateData{Kind: ChannelsNoResults, Channels: []Channel{}})
	default:
		out := make([]Channel, len(s.sorted))
		for i, ch := range s.sorted {
			ch.ActiveLiveLocations = s.locations[ch.CID]
			out[i] = ch
		}
		s.state.Set(ChannelsStateData{Kind: ChannelsResult, Channels: out})
	}
}

// clear forgets every result, returning to NoQueryActive.
func (s *QueryChannelsState) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = nil
	s.sorted = nil
	s.locations = nil
	s.channelsOffset = 0
	s.currentRequest = nil
	s.loading.Set(false)
	s.loadingMore.Set(false)
	s.endOfChannels.Set(false)
	s.publishLocked()
}
