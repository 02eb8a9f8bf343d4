package gateway

import (
	"context"
	"net/url"
	"strconv"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
)

// ListConversations returns every conversation the user belongs to.
func (g *Gateway) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if err := g.GetJSON(ctx, "/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns one page of a conversation's history.
func (g *Gateway) ListMessages(ctx context.Context, conversationID string, page, size int) ([]domain.ChatMessage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var out []domain.ChatMessage
	if err := g.GetJSON(ctx, "/chat/conversations/"+url.PathEscape(conversationID)+"/messages", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead clears the unread count of a conversation.
func (g *Gateway) MarkRead(ctx context.Context, conversationID string) error {
	return g.PostJSON(ctx, "/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// ListPresence returns the presence of everyone the user shares a
// conversation with.
func (g *Gateway) ListPresence(ctx context.Context) ([]domain.Presence, error) {
	var out []domain.Presence
	if err := g.GetJSON(ctx, "/chat/presence", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
