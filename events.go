package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Event types
// ============================================================================

const (
	EventHealthCheck                    = "health.check"
	EventMessageNew                     = "message.new"
	EventMessageUpdated                 = "message.updated"
	EventMessageDeleted                 = "message.deleted"
	EventMessageRead                    = "message.read"
	EventNotificationMessageNew         = "notification.message_new"
	EventNotificationAddedToChannel     = "notification.added_to_channel"
	EventNotificationRemovedFromChannel = "notification.removed_from_channel"
	EventNotificationChannelDeleted     = "notification.channel_deleted"
	EventNotificationMarkRead           = "notification.mark_read"
	EventNotificationMarkAllRead        = "notification.mark_read_all"
	EventNotificationMutesUpdated       = "notification.mutes_updated"
	EventNotificationChannelMutes       = "notification.channel_mutes_updated"
	EventMemberAdded                    = "member.added"
	EventMemberUpdated                  = "member.updated"
	EventMemberRemoved                  = "member.removed"
	EventChannelUpdated                 = "channel.updated"
	EventChannelDeleted                 = "channel.deleted"
	EventChannelTruncated               = "channel.truncated"
	EventChannelHidden                  = "channel.hidden"
	EventChannelVisible                 = "channel.visible"
	EventUserBanned                     = "user.banned"
	EventUserUnbanned                   = "user.unbanned"
	EventUserUpdated                    = "user.updated"
	EventUserPresenceChanged            = "user.presence.changed"
	EventReactionNew                    = "reaction.new"
	EventReactionUpdated                = "reaction.updated"
	EventReactionDeleted                = "reaction.deleted"
	EventTypingStart                    = "typing.start"
	EventTypingStop                     = "typing.stop"
)

// EventMeta is carried by every event.
type EventMeta struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m EventMeta) Meta() EventMeta { return m }

// ChatEvent is one typed event from the realtime stream or the sync backlog.
type ChatEvent interface {
	Meta() EventMeta
}

// Capability interfaces, used to declare the work of a batch.

type cidEvent interface{ ChannelCID() string }

type userEvent interface{ EventUser() User }

type ownUserEvent interface{ OwnUser() User }

type unreadCountsEvent interface{ UnreadCounts() (total, channels int) }

// ============================================================================
// Connection
// ============================================================================

// ConnectedEvent is the first frame of a realtime connection.
type ConnectedEvent struct {
	EventMeta
	ConnectionID string `json:"connectionId"`
	Me           User   `json:"me"`
}

func (e *ConnectedEvent) OwnUser() User { return e.Me }

// ============================================================================
// Messages
// ============================================================================

type NewMessageEvent struct {
	EventMeta
	CID              string  `json:"cid"`
	User             User    `json:"user"`
	Message          Message `json:"message"`
	WatcherCount     int     `json:"watcherCount,omitempty"`
	TotalUnreadCount int     `json:"totalUnreadCount"`
	UnreadChannels   int     `json:"unreadChannels"`
}

func (e *NewMessageEvent) ChannelCID() string       { return e.CID }
func (e *NewMessageEvent) EventUser() User          { return e.User }
func (e *NewMessageEvent) UnreadCounts() (int, int) { return e.TotalUnreadCount, e.UnreadChannels }

type MessageUpdatedEvent struct {
	EventMeta
	CID     string  `json:"cid"`
	User    User    `json:"user"`
	Message Message `json:"message"`
}

func (e *MessageUpdatedEvent) ChannelCID() string { return e.CID }
func (e *MessageUpdatedEvent) EventUser() User    { return e.User }

type MessageDeletedEvent struct {
	EventMeta
	CID        string  `json:"cid"`
	User       User    `json:"user"`
	Message    Message `json:"message"`
	HardDelete bool    `json:"hardDelete,omitempty"`
}

func (e *MessageDeletedEvent) ChannelCID() string { return e.CID }

type NotificationMessageNewEvent struct {
	EventMeta
	CID              string  `json:"cid"`
	Channel          Channel `json:"channel"`
	Message          Message `json:"message"`
	TotalUnreadCount int     `json:"totalUnreadCount"`
	UnreadChannels   int     `json:"unreadChannels"`
}

func (e *NotificationMessageNewEvent) ChannelCID() string       { return e.CID }
func (e *NotificationMessageNewEvent) UnreadCounts() (int, int) { return e.TotalUnreadCount, e.UnreadChannels }

// ============================================================================
// Reads
// ============================================================================

type MessageReadEvent struct {
	EventMeta
	CID               string `json:"cid"`
	User              User   `json:"user"`
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
}

func (e *MessageReadEvent) ChannelCID() string { return e.CID }
func (e *MessageReadEvent) EventUser() User    { return e.User }

type NotificationMarkReadEvent struct {
	EventMeta
	CID               string `json:"cid"`
	User              User   `json:"user"`
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
	TotalUnreadCount  int    `json:"totalUnreadCount"`
	UnreadChannels    int    `json:"unreadChannels"`
	UnreadThreads     int    `json:"unreadThreads"`
}

func (e *NotificationMarkReadEvent) ChannelCID() string       { return e.CID }
func (e *NotificationMarkReadEvent) UnreadCounts() (int, int) { return e.TotalUnreadCount, e.UnreadChannels }

type MarkAllReadEvent struct {
	EventMeta
	User             User `json:"user"`
	TotalUnreadCount int  `json:"totalUnreadCount"`
	UnreadChannels   int  `json:"unreadChannels"`
}

func (e *MarkAllReadEvent) UnreadCounts() (int, int) { return e.TotalUnreadCount, e.UnreadChannels }

// ============================================================================
// Channels and members
// ============================================================================

type NotificationAddedToChannelEvent struct {
	EventMeta
	CID              string  `json:"cid"`
	Channel          Channel `json:"channel"`
	Member           Member  `json:"member"`
	TotalUnreadCount int     `json:"totalUnreadCount"`
	UnreadChannels   int     `json:"unreadChannels"`
}

func (e *NotificationAddedToChannelEvent) ChannelCID() string       { return e.CID }
func (e *NotificationAddedToChannelEvent) UnreadCounts() (int, int) { return e.TotalUnreadCount, e.UnreadChannels }

type NotificationRemovedFromChannelEvent struct {
	EventMeta
	CID     string  `json:"cid"`
	User    User    `json:"user"`
	Channel Channel `json:"channel"`
	Member  Member  `json:"member"`
}

func (e *NotificationRemovedFromChannelEvent) ChannelCID() string { return e.CID }

type NotificationChannelDeletedEvent struct {
	EventMeta
	CID     string  `json:"cid"`
	Channel Channel `json:"channel"`
}

func (e *NotificationChannelDeletedEvent) ChannelCID() string { return e.CID }

type MemberAddedEvent struct {
	EventMeta
	CID    string `json:"cid"`
	User   User   `json:"user"`
	Member Member `json:"member"`
}

func (e *MemberAddedEvent) ChannelCID() string { return e.CID }
func (e *MemberAddedEvent) EventUser() User    { return e.User }

type MemberUpdatedEvent struct {
	EventMeta
	CID    string `json:"cid"`
	User   User   `json:"user"`
	Member Member `json:"member"`
}

func (e *MemberUpdatedEvent) ChannelCID() string { return e.CID }
func (e *MemberUpdatedEvent) EventUser() User    { return e.User }

type MemberRemovedEvent struct {
	EventMeta
	CID    string `json:"cid"`
	User   User   `json:"user"`
	Member Member `json:"member"`
}

func (e *MemberRemovedEvent) ChannelCID() string { return e.CID }

type ChannelUpdatedEvent struct {
	EventMeta
	CID     string   `json:"cid"`
	Channel Channel  `json:"channel"`
	Message *Message `json:"message,omitempty"`
	User    *User    `json:"user,omitempty"`
}

func (e *ChannelUpdatedEvent) ChannelCID() string { return e.CID }

type ChannelDeletedEvent struct {
	EventMeta
	CID     string  `json:"cid"`
	Channel Channel `json:"channel"`
}

func (e *ChannelDeletedEvent) ChannelCID() string { return e.CID }

type ChannelTruncatedEvent struct {
	EventMeta
	CID     string   `json:"cid"`
	Channel Channel  `json:"channel"`
	Message *Message `json:"message,omitempty"`
}

func (e *ChannelTruncatedEvent) ChannelCID() string { return e.CID }

type ChannelHiddenEvent struct {
	EventMeta
	CID          string `json:"cid"`
	User         User   `json:"user"`
	ClearHistory bool   `json:"clearHistory,omitempty"`
}

func (e *ChannelHiddenEvent) ChannelCID() string { return e.CID }

type ChannelVisibleEvent struct {
	EventMeta
	CID     string   `json:"cid"`
	User    User     `json:"user"`
	Channel *Channel `json:"channel,omitempty"`
}

func (e *ChannelVisibleEvent) ChannelCID() string { return e.CID }

// ============================================================================
// Users
// ============================================================================

// ChannelUserBannedEvent is a user.banned event scoped to one channel.
type ChannelUserBannedEvent struct {
	EventMeta
	CID        string     `json:"cid"`
	User       User       `json:"user"`
	Shadow     bool       `json:"shadow,omitempty"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

func (e *ChannelUserBannedEvent) ChannelCID() string { return e.CID }

type ChannelUserUnbannedEvent struct {
	EventMeta
	CID  string `json:"cid"`
	User User   `json:"user"`
}

func (e *ChannelUserUnbannedEvent) ChannelCID() string { return e.CID }

// GlobalUserBannedEvent is a user.banned event without a channel.
type GlobalUserBannedEvent struct {
	EventMeta
	User User `json:"user"`
}

func (e *GlobalUserBannedEvent) EventUser() User { return e.User }

type GlobalUserUnbannedEvent struct {
	EventMeta
	User User `json:"user"`
}

func (e *GlobalUserUnbannedEvent) EventUser() User { return e.User }

type UserUpdatedEvent struct {
	EventMeta
	User User `json:"user"`
}

func (e *UserUpdatedEvent) EventUser() User { return e.User }

type UserPresenceChangedEvent struct {
	EventMeta
	User User `json:"user"`
}

func (e *UserPresenceChangedEvent) EventUser() User { return e.User }

type NotificationMutesUpdatedEvent struct {
	EventMeta
	Me User `json:"me"`
}

func (e *NotificationMutesUpdatedEvent) OwnUser() User { return e.Me }

type NotificationChannelMutesUpdatedEvent struct {
	EventMeta
	Me User `json:"me"`
}

func (e *NotificationChannelMutesUpdatedEvent) OwnUser() User { return e.Me }

// ============================================================================
// Reactions
// ============================================================================

type ReactionNewEvent struct {
	EventMeta
	CID      string   `json:"cid"`
	User     User     `json:"user"`
	Message  Message  `json:"message"`
	Reaction Reaction `json:"reaction"`
}

func (e *ReactionNewEvent) ChannelCID() string { return e.CID }
func (e *ReactionNewEvent) EventUser() User    { return e.User }

type ReactionUpdatedEvent struct {
	EventMeta
	CID      string   `json:"cid"`
	User     User     `json:"user"`
	Message  Message  `json:"message"`
	Reaction Reaction `json:"reaction"`
}

func (e *ReactionUpdatedEvent) ChannelCID() string { return e.CID }
func (e *ReactionUpdatedEvent) EventUser() User    { return e.User }

type ReactionDeletedEvent struct {
	EventMeta
	CID      string   `json:"cid"`
	User     User     `json:"user"`
	Message  Message  `json:"message"`
	Reaction Reaction `json:"reaction"`
}

func (e *ReactionDeletedEvent) ChannelCID() string { return e.CID }
func (e *ReactionDeletedEvent) EventUser() User    { return e.User }

// ============================================================================
// Typing
// ============================================================================

type TypingStartEvent struct {
	EventMeta
	CID      string `json:"cid"`
	User     User   `json:"user"`
	ParentID string `json:"parentId,omitempty"`
}

func (e *TypingStartEvent) ChannelCID() string { return e.CID }

type TypingStopEvent struct {
	EventMeta
	CID      string `json:"cid"`
	User     User   `json:"user"`
	ParentID string `json:"parentId,omitempty"`
}

func (e *TypingStopEvent) ChannelCID() string { return e.CID }

// UnknownEvent keeps events this package does not understand.
type UnknownEvent struct {
	EventMeta
	Raw json.RawMessage `json:"-"`
}

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent decodes one flat JSON event ({"type": ..., ...fields}).
func DecodeEvent(data []byte) (ChatEvent, error) {
	var head struct {
		Type string `json:"type"`
		CID  string `json:"cid"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}

	var ev ChatEvent
	switch head.Type {
	case EventHealthCheck:
		ev = &ConnectedEvent{}
	case EventMessageNew:
		ev = &NewMessageEvent{}
	case EventMessageUpdated:
		ev = &MessageUpdatedEvent{}
	case EventMessageDeleted:
		ev = &MessageDeletedEvent{}
	case EventMessageRead:
		ev = &MessageReadEvent{}
	case EventNotificationMessageNew:
		ev = &NotificationMessageNewEvent{}
	case EventNotificationAddedToChannel:
		ev = &NotificationAddedToChannelEvent{}
	case EventNotificationRemovedFromChannel:
		ev = &NotificationRemovedFromChannelEvent{}
	case EventNotificationChannelDeleted:
		ev = &NotificationChannelDeletedEvent{}
	case EventNotificationMarkRead:
		ev = &NotificationMarkReadEvent{}
	case EventNotificationMarkAllRead:
		ev = &MarkAllReadEvent{}
	case EventNotificationMutesUpdated:
		ev = &NotificationMutesUpdatedEvent{}
	case EventNotificationChannelMutes:
		ev = &NotificationChannelMutesUpdatedEvent{}
	case EventMemberAdded:
		ev = &MemberAddedEvent{}
	case EventMemberUpdated:
		ev = &MemberUpdatedEvent{}
	case EventMemberRemoved:
		ev = &MemberRemovedEvent{}
	case EventChannelUpdated:
		ev = &ChannelUpdatedEvent{}
	case EventChannelDeleted:
		ev = &ChannelDeletedEvent{}
	case EventChannelTruncated:
		ev = &ChannelTruncatedEvent{}
	case EventChannelHidden:
		ev = &ChannelHiddenEvent{}
	case EventChannelVisible:
		ev = &ChannelVisibleEvent{}
	case EventUserBanned:
		if head.CID != "" {
			ev = &ChannelUserBannedEvent{}
		} else {
			ev = &GlobalUserBannedEvent{}
		}
	case EventUserUnbanned:
		if head.CID != "" {
			ev = &ChannelUserUnbannedEvent{}
		} else {
			ev = &GlobalUserUnbannedEvent{}
		}
	case EventUserUpdated:
		ev = &UserUpdatedEvent{}
	case EventUserPresenceChanged:
		ev = &UserPresenceChangedEvent{}
	case EventReactionNew:
		ev = &ReactionNewEvent{}
	case EventReactionUpdated:
		ev = &ReactionUpdatedEvent{}
	case EventReactionDeleted:
		ev = &ReactionDeletedEvent{}
	case EventTypingStart:
		ev = &TypingStartEvent{}
	case EventTypingStop:
		ev = &TypingStopEvent{}
	default:
		u := &UnknownEvent{Raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, &u.EventMeta); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return u, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return ev, nil
}
