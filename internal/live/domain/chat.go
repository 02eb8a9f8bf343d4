package domain

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceOffline PresenceStatus = "OFFLINE"
)

// Participant is a member of a conversation as listed by the chat API.
type Participant struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// MessageSummary is the preview of the last message in a conversation.
type MessageSummary struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Type           string    `json:"type,omitempty"`
	PreviewText    string    `json:"previewText,omitempty"`
	SentAt         Timestamp `json:"sentAt"`
}

// Conversation is a row of GET /chat/conversations. LastMessage uses the
// summary shape, the full message body is not needed for a list.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	LastMessage  *MessageSummary  `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	CreatedAt    Timestamp        `json:"createdAt"`
	UpdatedAt    Timestamp        `json:"updatedAt"`
}

// ConversationUpdate is pushed on /user/queue/conversations whenever a
// conversation the user belongs to changes.
type ConversationUpdate struct {
	ConversationID   string           `json:"conversationId"`
	ConversationType ConversationType `json:"conversationType"`
	ConversationName string           `json:"conversationName,omitempty"`
	LastMessage      *MessageSummary  `json:"lastMessage,omitempty"`
	UnreadCount      int              `json:"unreadCount"`
	UpdatedAt        Timestamp        `json:"updatedAt"`
	Participants     []Participant    `json:"participants,omitempty"`
}

// Presence is pushed on /user/queue/presence.
type Presence struct {
	UserID   int64          `json:"userId"`
	Username string         `json:"username,omitempty"`
	Status   PresenceStatus `json:"status"`
	LastSeen *Timestamp     `json:"lastSeen,omitempty"`
}

// ChatMessage is a message delivered on a conversation topic.
type ChatMessage struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Type           string    `json:"type,omitempty"`
	Content        string    `json:"content"`
	SentAt         Timestamp `json:"sentAt"`
}

// SendMessage is the payload published to /app/chat.send.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// Typing is the payload published to /app/chat.typing and received on
// /topic/typing.<conversationId>.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         int64  `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}
