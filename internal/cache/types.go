package cache

// MessageType classifies message content.
type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeFile  MessageType = "FILE"
	TypeVoice MessageType = "VOICE"
	TypeVideo MessageType = "VIDEO"
)

// MessageStatus tracks the client-side delivery state of an optimistic
// message. Server-confirmed messages carry an empty or "confirmed" status.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Conversation represents a cached conversation with its counterpart-user
// summary flattened into columns. All timestamps are Unix milliseconds.
type Conversation struct {
	ID string

	UserID         string
	UserName       string
	UserAvatar     string
	UserOnline     bool
	UserLastActive int64

	LastMsgID       string
	LastMsgContent  string
	LastMsgAt       int64
	LastMsgSenderID string
	LastMsgRead     bool

	UnreadCount  int
	LastActivity int64

	Cached     bool
	LastSync   int64
	Prefetched bool
}

// Message represents a cached message. Exactly one of ReceiverID (private
// chat) or RoomID (group chat) is meaningful; ConversationID is always the
// cache grouping key. Optimistic, OperationID, Status, Cached and Compressed
// are client-side transients, never part of server truth.
type Message struct {
	ID             string
	ConversationID string

	SenderID     string
	SenderName   string
	SenderAvatar string
	ReceiverID   string
	RoomID       string

	Type    MessageType
	Content string

	FileName string
	FileSize int64
	FileURL  string

	ReplyToID string

	IsEdited bool
	EditedAt int64
	IsRead   bool
	ReadAt   int64

	CreatedAt int64
	UpdatedAt int64

	Optimistic  bool
	OperationID string
	Status      MessageStatus
	Cached      bool
	Compressed  bool
}

// ConversationPatch is an explicit partial update for a conversation.
// Nil fields are left untouched.
type ConversationPatch struct {
	UserName       *string
	UserAvatar     *string
	UserOnline     *bool
	UserLastActive *int64

	LastMsgID       *string
	LastMsgContent  *string
	LastMsgAt       *int64
	LastMsgSenderID *string
	LastMsgRead     *bool

	UnreadCount  *int
	LastActivity *int64
	Prefetched   *bool
}

// MessagePatch is an explicit partial update for a message. Nil fields are
// left untouched.
type MessagePatch struct {
	Content   *string
	Type      *MessageType
	IsEdited  *bool
	EditedAt  *int64
	IsRead    *bool
	ReadAt    *int64
	UpdatedAt *int64

	Optimistic *bool
	Status     *MessageStatus
}

// Apply merges the non-nil patch fields onto the message.
func (m *Message) Apply(p MessagePatch) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Type != nil {
		m.Type = *p.Type
	}
	if p.IsEdited != nil {
		m.IsEdited = *p.IsEdited
	}
	if p.EditedAt != nil {
		m.EditedAt = *p.EditedAt
	}
	if p.IsRead != nil {
		m.IsRead = *p.IsRead
	}
	if p.ReadAt != nil {
		m.ReadAt = *p.ReadAt
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.Optimistic != nil {
		m.Optimistic = *p.Optimistic
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
}

// Apply merges the non-nil patch fields onto the conversation.
func (c *Conversation) Apply(p ConversationPatch) {
	if p.UserName != nil {
		c.UserName = *p.UserName
	}
	if p.UserAvatar != nil {
		c.UserAvatar = *p.UserAvatar
	}
	if p.UserOnline != nil {
		c.UserOnline = *p.UserOnline
	}
	if p.UserLastActive != nil {
		c.UserLastActive = *p.UserLastActive
	}
	if p.LastMsgID != nil {
		c.LastMsgID = *p.LastMsgID
	}
	if p.LastMsgContent != nil {
		c.LastMsgContent = *p.LastMsgContent
	}
	if p.LastMsgAt != nil {
		c.LastMsgAt = *p.LastMsgAt
	}
	if p.LastMsgSenderID != nil {
		c.LastMsgSenderID = *p.LastMsgSenderID
	}
	if p.LastMsgRead != nil {
		c.LastMsgRead = *p.LastMsgRead
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	if p.LastActivity != nil {
		c.LastActivity = *p.LastActivity
	}
	if p.Prefetched != nil {
		c.Prefetched = *p.Prefetched
	}
}
