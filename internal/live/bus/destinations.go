package bus

// Destinations served by the chat backend.
const (
	PresenceQueue      = "/user/queue/presence"
	ConversationsQueue = "/user/queue/conversations"
	MessagesQueue      = "/user/queue/messages"

	SendDestination   = "/app/chat.send"
	TypingDestination = "/app/chat.typing"
)

// ConversationDestination is the topic carrying messages of one conversation.
func ConversationDestination(conversationID string) string {
	return "/topic/conversation/" + conversationID
}

// TypingTopic carries typing indicators for one conversation.
func TypingTopic(conversationID string) string {
	return "/topic/typing." + conversationID
}

// InboxDestination is the private message queue of a subject.
func InboxDestination(subject string) string {
	return "/user/" + subject + "/queue/messages"
}
