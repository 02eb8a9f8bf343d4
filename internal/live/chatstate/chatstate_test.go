package chatstate_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tabline/internal/live/chatstate"
	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/pkg/slogx"
)

func at(minute int) domain.Timestamp {
	return domain.Timestamp{Time: time.Date(2025, 3, 1, 12, minute, 0, 0, time.UTC)}
}

func ids(list []domain.Conversation) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func newStore() *chatstate.Store {
	return chatstate.New(slogx.Discard())
}

func TestConversationsSortedNewestFirst(t *testing.T) {
	s := newStore()
	s.SetConversations([]domain.Conversation{
		{ID: "a", UpdatedAt: at(1)},
		{ID: "b", UpdatedAt: at(3)},
		{ID: "c", UpdatedAt: at(2)},
	})
	require.Equal(t, []string{"b", "c", "a"}, ids(s.Conversations()))

	require.True(t, s.AddMessage(domain.ChatMessage{ID: "m1", ConversationID: "a", SenderID: 7, Content: "hi", SentAt: at(9)}))
	require.False(t, s.AddMessage(domain.ChatMessage{ID: "m1", ConversationID: "a", SenderID: 7, Content: "hi", SentAt: at(9)}))
	require.Equal(t, []string{"a", "b", "c"}, ids(s.Conversations()))

	c, ok := s.Conversation("a")
	require.True(t, ok)
	require.NotNil(t, c.LastMessage)
	require.Equal(t, "hi", c.LastMessage.PreviewText)
	require.True(t, c.UpdatedAt.Equal(at(9).Time))
	require.Len(t, s.Messages("a"), 1)
}

func TestUnreadSkipsActiveConversation(t *testing.T) {
	s := newStore()
	s.SetConversations([]domain.Conversation{{ID: "a"}, {ID: "b"}})

	s.SetActive("a")
	s.IncrementUnread("a")
	s.IncrementUnread("b")
	s.IncrementUnread("b")
	s.IncrementUnread("missing")

	a, _ := s.Conversation("a")
	b, _ := s.Conversation("b")
	require.Zero(t, a.UnreadCount)
	require.Equal(t, 2, b.UnreadCount)

	s.SetActive("b")
	b, _ = s.Conversation("b")
	require.Zero(t, b.UnreadCount)
	require.Equal(t, "b", s.Active())
}

func TestApplyUpdateUpserts(t *testing.T) {
	s := newStore()
	s.SetConversations([]domain.Conversation{{ID: "a", UpdatedAt: at(5)}})

	s.ApplyUpdate(domain.ConversationUpdate{
		ConversationID:   "n",
		ConversationType: domain.ConversationGroup,
		ConversationName: "lunch",
		UnreadCount:      3,
		UpdatedAt:        at(6),
	})
	require.Equal(t, []string{"n", "a"}, ids(s.Conversations()))

	n, ok := s.Conversation("n")
	require.True(t, ok)
	require.Equal(t, "lunch", n.Name)
	require.Equal(t, 3, n.UnreadCount)

	s.ApplyUpdate(domain.ConversationUpdate{ConversationID: "a", UnreadCount: 1, UpdatedAt: at(7)})
	require.Equal(t, []string{"a", "n"}, ids(s.Conversations()))
}

func TestPresence(t *testing.T) {
	s := newStore()

	s.SetPresence(domain.Presence{UserID: 2, Status: domain.PresenceOnline})
	s.SetPresence(domain.Presence{UserID: 1, Status: domain.PresenceOnline})
	s.SetPresence(domain.Presence{UserID: 3, Status: domain.PresenceOffline})
	s.SetPresence(domain.Presence{UserID: 0, Status: domain.PresenceOnline})

	require.True(t, s.IsOnline(1))
	require.False(t, s.IsOnline(3))
	require.Equal(t, []int64{1, 2}, s.OnlineUsers())

	s.SetPresence(domain.Presence{UserID: 2, Status: domain.PresenceOffline})
	require.Equal(t, []int64{1}, s.OnlineUsers())
}

func TestMessageTailIsBounded(t *testing.T) {
	s := newStore()
	for i := range 250 {
		s.AddMessage(domain.ChatMessage{ID: fmt.Sprint(i), ConversationID: "a"})
	}

	msgs := s.Messages("a")
	require.Len(t, msgs, 200)
	require.Equal(t, "50", msgs[0].ID)
	require.Equal(t, "249", msgs[len(msgs)-1].ID)
}

func TestResetAndWatch(t *testing.T) {
	s := newStore()

	var kinds []chatstate.EventKind
	cancel := s.Watch(func(ev chatstate.Event) { kinds = append(kinds, ev.Kind) })

	s.SetConversations([]domain.Conversation{{ID: "a"}})
	s.SetActive("a")
	s.SetPresence(domain.Presence{UserID: 1, Status: domain.PresenceOnline})
	s.Reset()
	cancel()
	s.Reset()

	require.Equal(t, []chatstate.EventKind{
		chatstate.ConversationsReplaced,
		chatstate.ConversationChanged,
		chatstate.PresenceChanged,
		chatstate.Reset,
	}, kinds)
	require.Empty(t, s.Conversations())
	require.Empty(t, s.Active())
	require.Empty(t, s.OnlineUsers())
}

func TestMergeHistoryKeepsLiveMessages(t *testing.T) {
	s := newStore()
	require.True(t, s.AddMessage(domain.ChatMessage{ID: "m3", ConversationID: "a", Content: "live"}))
	require.True(t, s.AddMessage(domain.ChatMessage{ID: "m4", ConversationID: "a", Content: "newest"}))

	s.MergeHistory("a", []domain.ChatMessage{
		{ID: "m1", ConversationID: "a", Content: "old"},
		{ID: "m2", ConversationID: "a", Content: "older page end"},
		{ID: "m3", ConversationID: "a", Content: "live"},
	})

	var got []string
	for _, m := range s.Messages("a") {
		got = append(got, m.ID)
	}
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, got)
}
