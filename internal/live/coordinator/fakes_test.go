package coordinator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/tabline/internal/live/bus"
	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/pkg/notify"
	"github.com/aussiebroadwan/tabline/pkg/slogx"
)

type fakeSub struct {
	destination string
	handler     bus.Handler
}

// fakeBus mimics the manager's registry rules: subscriptions die with the
// connection and nothing works while disconnected.
type fakeBus struct {
	mu           sync.Mutex
	calls        []string
	next         int
	connected    bool
	subs         map[string]fakeSub
	reconnectErr error

	connects *notify.Notifier[bus.ConnectEvent]
	inbox    *notify.Notifier[bus.Message]
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:     map[string]fakeSub{},
		connects: notify.New[bus.ConnectEvent](slogx.Discard()),
		inbox:    notify.New[bus.Message](slogx.Discard()),
	}
}

func (b *fakeBus) record(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *fakeBus) Connect(_ context.Context, cred bus.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("connect %s", cred.Token)
	b.connected = true
	return nil
}

func (b *fakeBus) Reconnect(_ context.Context, cred bus.Credentials) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("reconnect %s", cred.Token)

	var dests []string
	for _, s := range b.subs {
		dests = append(dests, s.destination)
	}
	b.subs = map[string]fakeSub{}
	if b.reconnectErr != nil {
		b.connected = false
		return dests, b.reconnectErr
	}
	b.connected = true
	return dests, nil
}

func (b *fakeBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("disconnect")
	b.connected = false
	b.subs = map[string]fakeSub{}
}

func (b *fakeBus) Subscribe(destination string, h bus.Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return "", bus.ErrNotConnected
	}
	b.next++
	id := fmt.Sprintf("sub-%d", b.next)
	b.subs[id] = fakeSub{destination: destination, handler: h}
	b.record("subscribe %s", destination)
	return id, nil
}

func (b *fakeBus) SubscribeConversation(conversationID string, h bus.Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return "", bus.ErrNotConnected
	}
	id := "conversation-" + conversationID
	b.subs[id] = fakeSub{destination: bus.ConversationDestination(conversationID), handler: h}
	b.record("conversation %s", conversationID)
	return id, nil
}

func (b *fakeBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	b.record("unsubscribe %s", id)
}

func (b *fakeBus) Send(destination string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return bus.ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.record("send %s %s", destination, body)
	return nil
}

func (b *fakeBus) OnConnect(fn func(bus.ConnectEvent)) func() { return b.connects.Listen(fn) }
func (b *fakeBus) OnInbox(fn func(bus.Message)) func()        { return b.inbox.Listen(fn) }

// drop simulates a lost connection recovered by automatic reconnect.
func (b *fakeBus) drop() {
	b.mu.Lock()
	b.subs = map[string]fakeSub{}
	b.record("auto-reconnect")
	b.mu.Unlock()

	b.connects.Emit(bus.ConnectEvent{Auto: true})
}

func (b *fakeBus) deliver(destination string, payload any) int {
	body, _ := json.Marshal(payload)
	msg := bus.Message{Destination: destination, Body: body}

	b.mu.Lock()
	var handlers []bus.Handler
	for _, s := range b.subs {
		if s.destination == destination {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

func (b *fakeBus) deliverInbox(payload any) {
	body, _ := json.Marshal(payload)
	b.inbox.Emit(bus.Message{Destination: "/user/42/queue/messages", Body: body})
}

func (b *fakeBus) setReconnectErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectErr = err
}

func (b *fakeBus) log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBus) count(call string) int {
	n := 0
	for _, c := range b.log() {
		if c == call {
			n++
		}
	}
	return n
}

func (b *fakeBus) waitCount(t *testing.T, call string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.count(call) >= n },
		2*time.Second, 5*time.Millisecond, "want %d x %q, log: %v", n, call, b.log())
}

func (b *fakeBus) hasPrefix(prefix string) bool {
	for _, c := range b.log() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeAPI struct {
	hits atomic.Int32
	list []domain.Conversation

	mu          sync.Mutex
	history     map[string][]domain.ChatMessage // newest first, like the API
	presence    []domain.Presence
	historyErr  error
	presenceErr error
	historyAsks []string
	reads       []string
}

func (a *fakeAPI) ListConversations(context.Context) ([]domain.Conversation, error) {
	a.hits.Add(1)
	return a.list, nil
}

func (a *fakeAPI) ListMessages(_ context.Context, conversationID string, page, size int) ([]domain.ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.historyAsks = append(a.historyAsks, fmt.Sprintf("%s page=%d size=%d", conversationID, page, size))
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	return append([]domain.ChatMessage(nil), a.history[conversationID]...), nil
}

func (a *fakeAPI) MarkRead(_ context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, conversationID)
	return nil
}

func (a *fakeAPI) ListPresence(context.Context) ([]domain.Presence, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.presenceErr != nil {
		return nil, a.presenceErr
	}
	return a.presence, nil
}

func (a *fakeAPI) marked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reads...)
}

func (a *fakeAPI) asked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.historyAsks...)
}
