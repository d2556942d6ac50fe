package chatsync

import (
	"slices"
)

// ============================================================================
// Handling results
// ============================================================================

// EventHandlingResult is what a query registry does with one event:
// AddChannel, RemoveChannel, WatchAndAddChannel or SkipEvent.
type EventHandlingResult interface {
	isEventHandlingResult()
}

// AddChannel inserts or replaces Channel in the registry.
type AddChannel struct{ Channel Channel }

// RemoveChannel drops CID from the registry.
type RemoveChannel struct{ CID string }

// WatchAndAddChannel fetches and watches CID before inserting it; the event
// alone does not carry enough of the channel.
type WatchAndAddChannel struct{ CID string }

// SkipEvent leaves the registry unchanged.
type SkipEvent struct{}

func (AddChannel) isEventHandlingResult()         {}
func (RemoveChannel) isEventHandlingResult()      {}
func (WatchAndAddChannel) isEventHandlingResult() {}
func (SkipEvent) isEventHandlingResult()          {}

// ============================================================================
// Handlers
// ============================================================================

// ChatEventHandler classifies events for one channel-list query. cached is
// the committed state of the event's channel, or nil when it is not known
// locally.
type ChatEventHandler interface {
	HandleChatEvent(event ChatEvent, filter Filter, cached *Channel) EventHandlingResult
}

// ChatEventHandlerFunc adapts a function to ChatEventHandler.
type ChatEventHandlerFunc func(event ChatEvent, filter Filter, cached *Channel) EventHandlingResult

func (f ChatEventHandlerFunc) HandleChatEvent(event ChatEvent, filter Filter, cached *Channel) EventHandlingResult {
	return f(event, filter, cached)
}

// ChatEventHandlerFactory builds the handler of one registry. visible returns
// the cids the registry currently holds.
type ChatEventHandlerFactory func(visible func() []string, currentUserID string) ChatEventHandler

// defaultHandler is the standard inclusion policy.
type defaultHandler struct {
	visible       func() []string
	currentUserID string
}

// DefaultChatEventHandler returns the standard policy: channels enter the
// list when the current user joins them or a cached channel gets a message,
// and leave it when the user is removed or the channel is deleted or hidden.
func DefaultChatEventHandler(visible func() []string, currentUserID string) ChatEventHandler {
	return &defaultHandler{visible: visible, currentUserID: currentUserID}
}

func (h *defaultHandler) isVisible(cid string) bool {
	return slices.Contains(h.visible(), cid)
}

func (h *defaultHandler) addIfHidden(cid string, cached *Channel) EventHandlingResult {
	if h.isVisible(cid) {
		return SkipEvent{}
	}
	if cached == nil {
		return WatchAndAddChannel{CID: cid}
	}
	return AddChannel{Channel: *cached}
}

func (h *defaultHandler) removeIfVisible(cid string) EventHandlingResult {
	if h.isVisible(cid) {
		return RemoveChannel{CID: cid}
	}
	return SkipEvent{}
}

func (h *defaultHandler) HandleChatEvent(event ChatEvent, _ Filter, cached *Channel) EventHandlingResult {
	switch e := event.(type) {
	case *NewMessageEvent:
		if e.Message.Type == MessageTypeSystem || h.isVisible(e.CID) || cached == nil {
			return SkipEvent{}
		}
		return AddChannel{Channel: *cached}

	case *NotificationAddedToChannelEvent:
		return WatchAndAddChannel{CID: e.CID}
	case *NotificationMessageNewEvent:
		return WatchAndAddChannel{CID: e.CID}

	case *MemberAddedEvent:
		if e.Member.User.ID != h.currentUserID {
			return SkipEvent{}
		}
		return h.addIfHidden(e.CID, cached)

	case *MemberRemovedEvent:
		if e.Member.User.ID != h.currentUserID && e.User.ID != h.currentUserID {
			return SkipEvent{}
		}
		return h.removeIfVisible(e.CID)
	case *NotificationRemovedFromChannelEvent:
		return h.removeIfVisible(e.CID)

	case *MemberUpdatedEvent:
		if e.Member.User.ID != h.currentUserID || cached == nil {
			return SkipEvent{}
		}
		ch := upsertMember(*cached, e.Member, h.currentUserID)
		return AddChannel{Channel: ch}

	case *ChannelDeletedEvent:
		return h.removeIfVisible(e.CID)
	case *NotificationChannelDeletedEvent:
		return h.removeIfVisible(e.CID)
	case *ChannelHiddenEvent:
		if e.User.ID != "" && e.User.ID != h.currentUserID {
			return SkipEvent{}
		}
		return h.removeIfVisible(e.CID)

	case *ChannelVisibleEvent:
		if cached == nil || h.isVisible(e.CID) {
			return SkipEvent{}
		}
		return AddChannel{Channel: *cached}
	}
	return SkipEvent{}
}

// ── Filter policy ─────────────────────────────────────────

// ChannelMatcher reports whether ch belongs to the result of filter.
type ChannelMatcher func(ch Channel, filter Filter) bool

type filterHandler struct {
	base    *defaultHandler
	matches ChannelMatcher
}

// NewFilterChatEventHandler returns a ChatEventHandlerFactory whose handlers
// apply the default rules, and additionally keep the list consistent with
// matches: a channel only enters when it matches, and a channel update that
// stops matching removes it.
func NewFilterChatEventHandler(matches ChannelMatcher) ChatEventHandlerFactory {
	return func(visible func() []string, currentUserID string) ChatEventHandler {
		return &filterHandler{
			base:    &defaultHandler{visible: visible, currentUserID: currentUserID},
			matches: matches,
		}
	}
}

func (h *filterHandler) HandleChatEvent(event ChatEvent, filter Filter, cached *Channel) EventHandlingResult {
	if e, ok := event.(*ChannelUpdatedEvent); ok && cached != nil {
		switch visible := h.base.isVisible(e.CID); {
		case visible && !h.matches(*cached, filter):
			return RemoveChannel{CID: e.CID}
		case !visible && h.matches(*cached, filter):
			return AddChannel{Channel: *cached}
		}
		return SkipEvent{}
	}
	res := h.base.HandleChatEvent(event, filter, cached)
	if add, ok := res.(AddChannel); ok && !h.matches(add.Channel, filter) {
		return SkipEvent{}
	}
	return res
}
