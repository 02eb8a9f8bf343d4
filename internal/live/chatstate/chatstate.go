// Package chatstate is the in-memory cache of conversations, presence and
// recent messages that the live connection keeps up to date.
package chatstate

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/pkg/notify"
)

// maxMessages bounds the per-conversation message tail.
const maxMessages = 200

type EventKind int

const (
	ConversationsReplaced EventKind = iota
	ConversationChanged
	MessageAdded
	PresenceChanged
	Reset
)

// Event describes one change to the cache.
type Event struct {
	Kind           EventKind
	ConversationID string
	UserID         int64
}

type Store struct {
	mu            sync.RWMutex
	conversations []domain.Conversation
	active        string
	online        map[int64]bool
	messages      map[string][]domain.ChatMessage

	changes *notify.Notifier[Event]
}

func New(logger *slog.Logger) *Store {
	return &Store{
		online:   map[int64]bool{},
		messages: map[string][]domain.ChatMessage{},
		changes:  notify.New[Event](logger),
	}
}

// Watch registers fn for every change. fn runs after the lock is released.
func (s *Store) Watch(fn func(Event)) (cancel func()) {
	return s.changes.Listen(fn)
}

// SetConversations replaces the conversation list, newest first.
func (s *Store) SetConversations(list []domain.Conversation) {
	s.mu.Lock()
	s.conversations = slices.Clone(list)
	sortByUpdated(s.conversations)
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: ConversationsReplaced})
}

func (s *Store) Conversations() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conversations)
}

func (s *Store) Conversation(id string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i], true
	}
	return domain.Conversation{}, false
}

// SetActive marks the conversation being viewed and clears its unread count.
// An empty id means none.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	s.active = id
	if i := s.indexLocked(id); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: ConversationChanged, ConversationID: id})
}

func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// AddMessage appends msg to its conversation's tail and makes it the
// conversation's last message. A message whose id is already in the tail is
// ignored and AddMessage reports false.
func (s *Store) AddMessage(msg domain.ChatMessage) bool {
	s.mu.Lock()
	if msg.ID != "" && slices.ContainsFunc(s.messages[msg.ConversationID], func(m domain.ChatMessage) bool { return m.ID == msg.ID }) {
		s.mu.Unlock()
		return false
	}

	tail := append(s.messages[msg.ConversationID], msg)
	if len(tail) > maxMessages {
		tail = slices.Clone(tail[len(tail)-maxMessages:])
	}
	s.messages[msg.ConversationID] = tail

	if i := s.indexLocked(msg.ConversationID); i >= 0 {
		c := &s.conversations[i]
		c.LastMessage = summarize(msg)
		if !msg.SentAt.IsZero() {
			c.UpdatedAt = msg.SentAt
		}
		sortByUpdated(s.conversations)
	}
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: MessageAdded, ConversationID: msg.ConversationID})
	return true
}

// MergeHistory installs a page of history, oldest first, under the messages
// already held for the conversation. Live messages that arrived before the
// page are kept after it and duplicates are dropped.
func (s *Store) MergeHistory(conversationID string, history []domain.ChatMessage) {
	s.mu.Lock()
	seen := make(map[string]bool, len(history))
	merged := make([]domain.ChatMessage, 0, len(history)+len(s.messages[conversationID]))
	for _, m := range history {
		if m.ID != "" {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		merged = append(merged, m)
	}
	for _, m := range s.messages[conversationID] {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		merged = append(merged, m)
	}
	if len(merged) > maxMessages {
		merged = merged[len(merged)-maxMessages:]
	}
	s.messages[conversationID] = merged
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: ConversationChanged, ConversationID: conversationID})
}

func (s *Store) Messages(conversationID string) []domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID])
}

// IncrementUnread bumps the unread count unless the conversation is active.
func (s *Store) IncrementUnread(conversationID string) {
	s.mu.Lock()
	i := s.indexLocked(conversationID)
	changed := i >= 0 && conversationID != s.active
	if changed {
		s.conversations[i].UnreadCount++
	}
	s.mu.Unlock()

	if changed {
		s.changes.Emit(Event{Kind: ConversationChanged, ConversationID: conversationID})
	}
}

func (s *Store) ResetUnread(conversationID string) {
	s.mu.Lock()
	if i := s.indexLocked(conversationID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: ConversationChanged, ConversationID: conversationID})
}

// ApplyUpdate merges a pushed conversation update, adding the conversation
// when it is new.
func (s *Store) ApplyUpdate(u domain.ConversationUpdate) {
	s.mu.Lock()
	i := s.indexLocked(u.ConversationID)
	if i < 0 {
		s.conversations = append(s.conversations, domain.Conversation{
			ID:        u.ConversationID,
			CreatedAt: u.UpdatedAt,
		})
		i = len(s.conversations) - 1
	}

	c := &s.conversations[i]
	if u.ConversationType != "" {
		c.Type = u.ConversationType
	}
	if u.ConversationName != "" {
		c.Name = u.ConversationName
	}
	if len(u.Participants) > 0 {
		c.Participants = slices.Clone(u.Participants)
	}
	if u.LastMessage != nil {
		lm := *u.LastMessage
		c.LastMessage = &lm
	}
	if !u.UpdatedAt.IsZero() {
		c.UpdatedAt = u.UpdatedAt
	}
	if u.ConversationID == s.active {
		c.UnreadCount = 0
	} else {
		c.UnreadCount = u.UnreadCount
	}
	sortByUpdated(s.conversations)
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: ConversationChanged, ConversationID: u.ConversationID})
}

func (s *Store) SetPresence(p domain.Presence) {
	if p.UserID == 0 || p.Status == "" {
		return
	}

	s.mu.Lock()
	s.online[p.UserID] = p.Status == domain.PresenceOnline
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: PresenceChanged, UserID: p.UserID})
}

func (s *Store) IsOnline(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}

// OnlineUsers returns the ids currently known to be online, ascending.
func (s *Store) OnlineUsers() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int64, 0, len(s.online))
	for id, up := range s.online {
		if up {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Reset drops everything, used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.conversations = nil
	s.active = ""
	s.online = map[int64]bool{}
	s.messages = map[string][]domain.ChatMessage{}
	s.mu.Unlock()

	s.changes.Emit(Event{Kind: Reset})
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.conversations, func(c domain.Conversation) bool { return c.ID == id })
}

func sortByUpdated(list []domain.Conversation) {
	slices.SortStableFunc(list, func(a, b domain.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt.Time)
	})
}

func summarize(m domain.ChatMessage) *domain.MessageSummary {
	return &domain.MessageSummary{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Type:           m.Type,
		PreviewText:    m.Content,
		SentAt:         m.SentAt,
	}
}
