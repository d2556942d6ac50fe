package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Users
// ============================================================================

// User is shared by id. Channels and messages embed copies that are refreshed
// from the user table whenever a newer version is known.
type User struct {
	ID               string         `json:"id"`
	Name             string         `json:"name,omitempty"`
	Image            string         `json:"image,omitempty"`
	Role             string         `json:"role,omitempty"`
	Online           bool           `json:"online,omitempty"`
	Invisible        bool           `json:"invisible,omitempty"`
	Banned           bool           `json:"banned,omitempty"`
	LastActive       *time.Time     `json:"lastActive,omitempty"`
	CreatedAt        *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt        *time.Time     `json:"updatedAt,omitempty"`
	TotalUnreadCount int            `json:"totalUnreadCount,omitempty"`
	UnreadChannels   int            `json:"unreadChannels,omitempty"`
	UnreadThreads    int            `json:"unreadThreads,omitempty"`
	Mutes            []Mute         `json:"mutes,omitempty"`
	ChannelMutes     []ChannelMute  `json:"channelMutes,omitempty"`
	ExtraData        map[string]any `json:"extraData,omitempty"`
}

// Mute is a user muted by the current user.
type Mute struct {
	UserID    string     `json:"userId"`
	Target    User       `json:"target"`
	CreatedAt time.Time  `json:"createdAt"`
	Expires   *time.Time `json:"expires,omitempty"`
}

// ChannelMute is a channel muted by the current user.
type ChannelMute struct {
	UserID    string     `json:"userId"`
	CID       string     `json:"cid"`
	CreatedAt time.Time  `json:"createdAt"`
	Expires   *time.Time `json:"expires,omitempty"`
}

func (m ChannelMute) activeAt(now time.Time) bool {
	return m.Expires == nil || m.Expires.After(now)
}

// ============================================================================
// Channels
// ============================================================================

// Capabilities granted by the server on full channel responses.
const (
	CapabilitySendMessage    = "send-message"
	CapabilitySendReaction   = "send-reaction"
	CapabilityReadEvents     = "read-events"
	CapabilityTypingEvents   = "typing-events"
	CapabilityUploadFile     = "upload-file"
	CapabilityDeleteChannel  = "delete-channel"
	CapabilityUpdateChannel  = "update-channel"
	CapabilityMuteChannel    = "mute-channel"
	CapabilityFreezeChannel  = "freeze-channel"
	CapabilityDeleteAnyMsg   = "delete-any-message"
	CapabilityDeleteOwnMsg   = "delete-own-message"
	CapabilityQuoteMessage   = "quote-message"
	CapabilitySendReply      = "send-reply"
	CapabilityUpdateOwnMsg   = "update-own-message"
	CapabilityPinMessage     = "pin-message"
	CapabilitySearchMessages = "search-messages"
)

// ChannelConfig is the channel type configuration.
type ChannelConfig struct {
	Name          string `json:"name,omitempty"`
	TypingEvents  bool   `json:"typingEvents"`
	ReadEvents    bool   `json:"readEvents"`
	ConnectEvents bool   `json:"connectEvents"`
	Reactions     bool   `json:"reactions"`
	Replies       bool   `json:"replies"`
	Uploads       bool   `json:"uploads"`
	Mutes         bool   `json:"mutes"`
	MaxMessageLen int    `json:"maxMessageLength,omitempty"`
}

// Member is a channel membership record.
type Member struct {
	User               User       `json:"user"`
	Role               string     `json:"role,omitempty"`
	ChannelRole        string     `json:"channelRole,omitempty"`
	Banned             bool       `json:"banned,omitempty"`
	ShadowBanned       bool       `json:"shadowBanned,omitempty"`
	BanExpires         *time.Time `json:"banExpires,omitempty"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
	InviteAcceptedAt   *time.Time `json:"inviteAcceptedAt,omitempty"`
	NotificationsMuted bool       `json:"notificationsMuted,omitempty"`
}

// ChannelUserRead is the read cursor of one user in one channel.
type ChannelUserRead struct {
	User              User      `json:"user"`
	LastRead          time.Time `json:"lastRead"`
	UnreadMessages    int       `json:"unreadMessages"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
}

// Channel is the cached view of one channel.
//
// OwnCapabilities distinguishes "not provided" (nil, typical for event
// payloads) from "provided and empty" (non-nil, zero length).
type Channel struct {
	CID                  string            `json:"cid"`
	ID                   string            `json:"id"`
	Type                 string            `json:"type"`
	Name                 string            `json:"name,omitempty"`
	Image                string            `json:"image,omitempty"`
	CreatedBy            User              `json:"createdBy"`
	Frozen               bool              `json:"frozen,omitempty"`
	Disabled             bool              `json:"disabled,omitempty"`
	Hidden               bool              `json:"hidden,omitempty"`
	HiddenMessagesBefore *time.Time        `json:"hiddenMessagesBefore,omitempty"`
	MemberCount          int               `json:"memberCount"`
	Members              []Member          `json:"members,omitempty"`
	Membership           *Member           `json:"membership,omitempty"`
	Watchers             []User            `json:"watchers,omitempty"`
	WatcherCount         int               `json:"watcherCount,omitempty"`
	Read                 []ChannelUserRead `json:"read,omitempty"`
	Messages             []Message         `json:"messages,omitempty"`
	LastMessage          *Message          `json:"lastMessage,omitempty"`
	LastMessageAt        *time.Time        `json:"lastMessageAt,omitempty"`
	UnreadCount          int               `json:"unreadCount"`
	Config               ChannelConfig     `json:"config"`
	OwnCapabilities      []string          `json:"ownCapabilities"`
	Team                 string            `json:"team,omitempty"`
	CreatedAt            *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt            *time.Time        `json:"updatedAt,omitempty"`
	DeletedAt            *time.Time        `json:"deletedAt,omitempty"`
	TruncatedAt          *time.Time        `json:"truncatedAt,omitempty"`
	ActiveLiveLocations  []Location        `json:"-"`
	ExtraData            map[string]any    `json:"extraData,omitempty"`
}

// HasCapability reports whether the server granted capability c.
func (ch *Channel) HasCapability(c string) bool {
	for _, have := range ch.OwnCapabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ReadFor returns the read cursor of userID, if any.
func (ch *Channel) ReadFor(userID string) (ChannelUserRead, bool) {
	for _, r := range ch.Read {
		if r.User.ID == userID {
			return r, true
		}
	}
	return ChannelUserRead{}, false
}

// BuildCID joins a channel type and id.
func BuildCID(channelType, id string) string {
	return channelType + ":" + id
}

// SplitCID splits "type:id".
func SplitCID(cid string) (channelType, id string, err error) {
	i := strings.IndexByte(cid, ':')
	if i <= 0 || i == len(cid)-1 {
		return "", "", fmt.Errorf("invalid cid %q", cid)
	}
	return cid[:i], cid[i+1:], nil
}

// ============================================================================
// Messages
// ============================================================================

// Message types.
const (
	MessageTypeRegular   = "regular"
	MessageTypeSystem    = "system"
	MessageTypeEphemeral = "ephemeral"
	MessageTypeError     = "error"
	MessageTypeDeleted   = "deleted"
	MessageTypeReply     = "reply"
)

// SyncStatus tracks local-first writes.
type SyncStatus string

const (
	SyncStatusCompleted           SyncStatus = "completed"
	SyncStatusNeeded              SyncStatus = "sync_needed"
	SyncStatusInProgress          SyncStatus = "in_progress"
	SyncStatusAwaitingAttachments SyncStatus = "awaiting_attachments"
	SyncStatusFailedPermanently   SyncStatus = "failed_permanently"
)

// Message is a chat message.
type Message struct {
	ID               string         `json:"id"`
	CID              string         `json:"cid"`
	Text             string         `json:"text"`
	Type             string         `json:"type,omitempty"`
	User             User           `json:"user"`
	ParentID         string         `json:"parentId,omitempty"`
	ShowInChannel    bool           `json:"showInChannel,omitempty"`
	ReplyCount       int            `json:"replyCount,omitempty"`
	Silent           bool           `json:"silent,omitempty"`
	Shadowed         bool           `json:"shadowed,omitempty"`
	Pinned           bool           `json:"pinned,omitempty"`
	MentionedUsers   []User         `json:"mentionedUsers,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	OwnReactions     []Reaction     `json:"ownReactions,omitempty"`
	LatestReactions  []Reaction     `json:"latestReactions,omitempty"`
	ReactionCounts   map[string]int `json:"reactionCounts,omitempty"`
	ReactionScores   map[string]int `json:"reactionScores,omitempty"`
	SyncStatus       SyncStatus     `json:"syncStatus,omitempty"`
	CreatedAt        *time.Time     `json:"createdAt,omitempty"`
	CreatedLocallyAt *time.Time     `json:"createdLocallyAt,omitempty"`
	UpdatedAt        *time.Time     `json:"updatedAt,omitempty"`
	UpdatedLocallyAt *time.Time     `json:"updatedLocallyAt,omitempty"`
	DeletedAt        *time.Time     `json:"deletedAt,omitempty"`
	ExtraData        map[string]any `json:"extraData,omitempty"`
}

// sentAt is the server time, or the local time when the server has not
// confirmed the message yet.
func (m *Message) sentAt() *time.Time {
	if m.CreatedAt != nil {
		return m.CreatedAt
	}
	return m.CreatedLocallyAt
}

// lastUpdateTime is the latest of created/updated/deleted.
func (m *Message) lastUpdateTime() time.Time {
	var t time.Time
	for _, c := range []*time.Time{m.CreatedAt, m.CreatedLocallyAt, m.UpdatedAt, m.UpdatedLocallyAt, m.DeletedAt} {
		if c != nil && c.After(t) {
			t = *c
		}
	}
	return t
}

func (m *Message) isThreadOnlyReply() bool {
	return m.ParentID != "" && !m.ShowInChannel
}

// AllAttachmentsUploaded reports whether every attachment reached Success.
// A message without attachments trivially qualifies.
func (m *Message) AllAttachmentsUploaded() bool {
	for _, a := range m.Attachments {
		if a.UploadState.Status != UploadSuccess {
			return false
		}
	}
	return true
}

// ============================================================================
// Reactions
// ============================================================================

// Reaction is identified by (MessageID, UserID, Type).
type Reaction struct {
	MessageID     string     `json:"messageId"`
	UserID        string     `json:"userId"`
	User          *User      `json:"user,omitempty"`
	Type          string     `json:"type"`
	Score         int        `json:"score"`
	EnforceUnique bool       `json:"enforceUnique,omitempty"`
	SyncStatus    SyncStatus `json:"syncStatus,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
}

func (r Reaction) sameIdentity(o Reaction) bool {
	return r.MessageID == o.MessageID && r.UserID == o.UserID && r.Type == o.Type
}

func (r Reaction) score() int {
	if r.Score == 0 {
		return 1
	}
	return r.Score
}

// ============================================================================
// Attachments
// ============================================================================

// UploadStatus is the state of an attachment upload.
type UploadStatus string

const (
	UploadIdle       UploadStatus = "idle"
	UploadInProgress UploadStatus = "in_progress"
	UploadSuccess    UploadStatus = "success"
	UploadFailed     UploadStatus = "failed"
)

// UploadState is Idle | InProgress(Uploaded, Total) | Success | Failed(Error).
type UploadState struct {
	Status   UploadStatus `json:"status"`
	Uploaded int64        `json:"uploaded,omitempty"`
	Total    int64        `json:"total,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func uploadIdle() UploadState { return UploadState{Status: UploadIdle} }

func uploadInProgress(uploaded, total int64) UploadState {
	return UploadState{Status: UploadInProgress, Uploaded: uploaded, Total: total}
}

func uploadSuccess() UploadState { return UploadState{Status: UploadSuccess} }

func uploadFailed(err error) UploadState {
	return UploadState{Status: UploadFailed, Error: err.Error()}
}

// Attachment is a file or link attached to a message. LocalPath is set for
// attachments that still need uploading.
type Attachment struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type,omitempty"`
	Title       string         `json:"title,omitempty"`
	Name        string         `json:"name,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	FileSize    int64          `json:"fileSize,omitempty"`
	AssetURL    string         `json:"assetUrl,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	ThumbURL    string         `json:"thumbUrl,omitempty"`
	LocalPath   string         `json:"localPath,omitempty"`
	UploadState UploadState    `json:"uploadState"`
	ExtraData   map[string]any `json:"extraData,omitempty"`
}

// ============================================================================
// Typing, locations
// ============================================================================

// TypingEvent lists the users currently typing in a channel.
type TypingEvent struct {
	CID   string `json:"cid"`
	Users []User `json:"users"`
}

// Location is a live location shared in a channel.
type Location struct {
	MessageID string     `json:"messageId"`
	CID       string     `json:"cid"`
	UserID    string     `json:"userId"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	EndAt     *time.Time `json:"endAt,omitempty"`
}

// ============================================================================
// Queries
// ============================================================================

// Filter is an opaque channel filter, e.g. {"members": {"$in": ["u1"]}}.
type Filter map[string]any

// SortField orders channels by one field. Direction is 1 (asc) or -1 (desc).
type SortField struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// QuerySort is an ordered list of sort fields.
type QuerySort []SortField

// QuerySpec identifies a channel-list query.
type QuerySpec struct {
	Filter Filter    `json:"filter"`
	Sort   QuerySort `json:"sort"`
}

// Key is stable for equal specs: encoding/json sorts map keys.
func (q QuerySpec) Key() string {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Sprintf("%v|%v", q.Filter, q.Sort)
	}
	return string(b)
}

// QueryChannelsRequest is one page of a channel-list query.
type QueryChannelsRequest struct {
	Filter       Filter    `json:"filter"`
	Sort         QuerySort `json:"sort,omitempty"`
	Offset       int       `json:"offset"`
	Limit        int       `json:"limit"`
	MessageLimit int       `json:"messageLimit,omitempty"`
	MemberLimit  int       `json:"memberLimit,omitempty"`
	Watch        bool      `json:"watch"`
	State        bool      `json:"state"`
	Presence     bool      `json:"presence,omitempty"`
}

// IsFirstPage reports whether the request starts at offset 0.
func (r QueryChannelsRequest) IsFirstPage() bool { return r.Offset == 0 }

// Spec returns the (filter, sort) identity of the request.
func (r QueryChannelsRequest) Spec() QuerySpec {
	return QuerySpec{Filter: r.Filter, Sort: r.Sort}
}

// QueryChannelsSpec is the persisted result set of a query.
type QueryChannelsSpec struct {
	Key  string    `json:"key"`
	Spec QuerySpec `json:"spec"`
	CIDs []string  `json:"cids"`
}

// ============================================================================
// Sync state
// ============================================================================

// SyncState records what to ask for after a reconnect.
type SyncState struct {
	UserID           string     `json:"userId"`
	ActiveChannelIDs []string   `json:"activeChannelIds"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty"`
	MarkedAllReadAt  *time.Time `json:"markedAllReadAt,omitempty"`
}
