// Package coordinator keeps the bus connection in step with the credential
// store. It is the only caller of the bus Reconnect.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/tabline/internal/live/bus"
	"github.com/aussiebroadwan/tabline/internal/live/chatstate"
	"github.com/aussiebroadwan/tabline/internal/live/credentials"
	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/pkg/cryptox"
	"github.com/aussiebroadwan/tabline/pkg/notify"
	"github.com/aussiebroadwan/tabline/pkg/slogx"
)

const (
	DefaultOpTimeout = 15 * time.Second

	// HistoryPageSize is how many messages are backfilled when a
	// conversation is opened.
	HistoryPageSize = 50
)

var (
	// ErrStopped is returned by calls made after Run has returned.
	ErrStopped = errors.New("coordinator: stopped")

	ErrEmptyConversation = errors.New("coordinator: empty conversation id")
)

type Bus interface {
	Connect(ctx context.Context, cred bus.Credentials) error
	Reconnect(ctx context.Context, cred bus.Credentials) ([]string, error)
	Disconnect()
	Subscribe(destination string, h bus.Handler) (string, error)
	SubscribeConversation(conversationID string, h bus.Handler) (string, error)
	Unsubscribe(id string)
	Send(destination string, payload any) error
	OnConnect(fn func(bus.ConnectEvent)) (cancel func())
	OnInbox(fn func(bus.Message)) (cancel func())
}

type Credentials interface {
	Watch(fn func(credentials.Change)) (cancel func())
	Credential() domain.Credential
}

// Conversations is the slice of the chat API the coordinator uses to
// rehydrate caches and backfill opened conversations.
type Conversations interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, size int) ([]domain.ChatMessage, error)
	MarkRead(ctx context.Context, conversationID string) error
	ListPresence(ctx context.Context) ([]domain.Presence, error)
}

type Config struct {
	Logger *slog.Logger
	// OpTimeout bounds each connect, reconnect and rehydrate.
	OpTimeout time.Duration
}

type Coordinator struct {
	bus    Bus
	creds  Credentials
	api    Conversations
	state  *chatstate.Store
	logger *slog.Logger

	opTimeout time.Duration
	events    *queue[event]
	done      chan struct{}
	running   atomic.Bool

	initialized atomic.Bool

	// owned by the loop
	token   string
	subject string
	subIDs  []string
	open    map[string][]string // conversation id -> subscription ids

	messages *notify.Notifier[domain.ChatMessage]
	typing   *notify.Notifier[domain.Typing]
}

type eventKind int

const (
	eventChange eventKind = iota
	eventAutoReconnect
	eventOpen
	eventClose
)

type event struct {
	kind           eventKind
	change         credentials.Change
	conversationID string
	reply          chan error
}

func New(cfg Config, b Bus, creds Credentials, api Conversations, state *chatstate.Store) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	return &Coordinator{
		bus:       b,
		creds:     creds,
		api:       api,
		state:     state,
		logger:    cfg.Logger.With("component", "coordinator"),
		opTimeout: cfg.OpTimeout,
		events:    newQueue[event](),
		done:      make(chan struct{}),
		open:      map[string][]string{},
		messages:  notify.New[domain.ChatMessage](cfg.Logger),
		typing:    notify.New[domain.Typing](cfg.Logger),
	}
}

// OnMessage registers fn for every chat message received, from the inbox or
// an open conversation.
func (c *Coordinator) OnMessage(fn func(domain.ChatMessage)) (cancel func()) {
	return c.messages.Listen(fn)
}

func (c *Coordinator) OnTyping(fn func(domain.Typing)) (cancel func()) {
	return c.typing.Listen(fn)
}

// Initialized reports whether the live session is set up for the current
// credential.
func (c *Coordinator) Initialized() bool { return c.initialized.Load() }

// Run processes credential and bus events until ctx is done, then
// disconnects the bus. A session already present in the store is picked up
// straight away.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("coordinator: already running")
	}
	defer close(c.done)

	ctx = slogx.WithContext(ctx, c.logger)

	stopCreds := c.creds.Watch(func(ch credentials.Change) {
		c.events.push(event{kind: eventChange, change: ch})
	})
	defer stopCreds()

	stopBus := c.bus.OnConnect(func(ev bus.ConnectEvent) {
		if ev.Auto {
			c.events.push(event{kind: eventAutoReconnect})
		}
	})
	defer stopBus()

	stopInbox := c.bus.OnInbox(c.handleInbox)
	defer stopInbox()

	if cur := c.creds.Credential(); !cur.IsZero() {
		c.handleChange(ctx, credentials.Change{Kind: credentials.ChangeSet, Current: cur})
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.failPending()
			return nil
		case <-c.events.wake:
			for _, ev := range c.events.drain() {
				c.handle(ctx, ev)
			}
		}
	}
}

// OpenConversation subscribes to a conversation's messages and typing
// indicators and keeps them subscribed across reconnects. The conversation
// becomes the active one: its history is backfilled and it is marked read.
func (c *Coordinator) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrEmptyConversation
	}
	return c.call(ctx, event{kind: eventOpen, conversationID: conversationID})
}

// CloseConversation drops the conversation's subscriptions. If it was the
// active conversation there is no active conversation afterwards.
func (c *Coordinator) CloseConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrEmptyConversation
	}
	return c.call(ctx, event{kind: eventClose, conversationID: conversationID})
}

func (c *Coordinator) call(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case <-c.done:
		return ErrStopped
	default:
	}

	c.events.push(ev)
	select {
	case err := <-ev.reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage publishes a chat message over the bus.
func (c *Coordinator) SendMessage(conversationID, content string) error {
	return c.bus.Send(bus.SendDestination, domain.SendMessage{
		ConversationID: conversationID,
		Content:        content,
	})
}

func (c *Coordinator) SendTyping(conversationID string, typing bool) error {
	return c.bus.Send(bus.TypingDestination, domain.Typing{
		ConversationID: conversationID,
		IsTyping:       typing,
	})
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventChange:
		c.handleChange(ctx, ev.change)
	case eventAutoReconnect:
		c.handleAutoReconnect()
	case eventOpen:
		ev.reply <- c.openConversation(ctx, ev.conversationID)
	case eventClose:
		c.closeConversation(ev.conversationID)
		ev.reply <- nil
	default:
		if ev.reply != nil {
			ev.reply <- fmt.Errorf("coordinator: unknown event kind %d", ev.kind)
		}
	}
}

func (c *Coordinator) handleChange(ctx context.Context, ch credentials.Change) {
	switch {
	case ch.Kind == credentials.ChangeCleared:
		c.teardown()
		c.state.Reset()
		c.open = map[string][]string{}
	case !c.initialized.Load():
		c.initialize(ctx, ch.Current)
	case ch.Current.AccessToken != c.token:
		c.rotate(ctx, ch.Current)
	}
}

func (c *Coordinator) initialize(ctx context.Context, cred domain.Credential) {
	ctx = slogx.WithSubject(ctx, cred.SubjectID)
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	logger := slogx.FromContext(ctx)
	logger.InfoContext(ctx, "initializing live session")

	c.rehydrate(opCtx)

	if err := c.bus.Connect(opCtx, busCredentials(cred)); err != nil {
		logger.ErrorContext(ctx, "live session connect failed", "error", err)
		c.initialized.Store(false)
		return
	}

	c.token = cred.AccessToken
	c.subject = cred.SubjectID
	c.initialized.Store(true)
	c.setupSubscriptions()
	if active := c.state.Active(); active != "" {
		if _, ok := c.open[active]; ok {
			c.backfill(opCtx, active)
		}
	}
	logger.InfoContext(ctx, "live session ready")
}

// rotate moves the bus onto a refreshed token. On failure the session is
// left uninitialized until the next credential change.
func (c *Coordinator) rotate(ctx context.Context, cred domain.Credential) {
	ctx = slogx.WithSubject(ctx, cred.SubjectID)
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	logger := slogx.FromContext(ctx)
	logger.InfoContext(ctx, "token changed, reconnecting",
		"token", cryptox.ShortFingerprint(cred.AccessToken),
	)

	for _, id := range c.subIDs {
		c.bus.Unsubscribe(id)
	}
	c.subIDs = nil
	for id, ids := range c.open {
		for _, sid := range ids {
			c.bus.Unsubscribe(sid)
		}
		c.open[id] = nil
	}

	if _, err := c.bus.Reconnect(opCtx, busCredentials(cred)); err != nil {
		logger.ErrorContext(ctx, "reconnect after token change failed", "error", err)
		c.initialized.Store(false)
		c.token = ""
		return
	}

	c.token = cred.AccessToken
	c.subject = cred.SubjectID
	c.setupSubscriptions()
	c.rehydrate(opCtx)
}

// handleAutoReconnect re-issues subscriptions after the bus recovered from a
// drop on its own. The drop already discarded the old ones.
func (c *Coordinator) handleAutoReconnect() {
	if !c.initialized.Load() {
		return
	}
	c.logger.Info("bus recovered, restoring subscriptions", "conversations", len(c.open))

	c.subIDs = nil
	for id := range c.open {
		c.open[id] = nil
	}
	c.setupSubscriptions()
}

func (c *Coordinator) teardown() {
	if c.initialized.Load() {
		c.logger.Info("tearing down live session")
	}

	c.bus.Disconnect()
	c.initialized.Store(false)
	c.token = ""
	c.subject = ""
	c.subIDs = nil
	for id := range c.open {
		c.open[id] = nil
	}
}

func (c *Coordinator) setupSubscriptions() {
	c.subscribe(bus.PresenceQueue, c.handlePresence)
	c.subscribe(bus.ConversationsQueue, c.handleConversationUpdate)
	if c.subject == "" {
		// without a subject there is no per-subject inbox on the bus
		c.subscribe(bus.MessagesQueue, c.handleInbox)
	}

	for id := range c.open {
		if err := c.subscribeConversation(id); err != nil {
			c.logger.Warn("resubscribing conversation failed", "conversation", id, "error", err)
		}
	}
}

func (c *Coordinator) subscribe(destination string, h bus.Handler) {
	id, err := c.bus.Subscribe(destination, h)
	if err != nil {
		c.logger.Warn("subscribe failed", "destination", destination, "error", err)
		return
	}
	c.subIDs = append(c.subIDs, id)
}

func (c *Coordinator) openConversation(ctx context.Context, id string) error {
	c.state.SetActive(id)

	if ids := c.open[id]; len(ids) == 0 {
		c.open[id] = nil
		if c.initialized.Load() {
			if err := c.subscribeConversation(id); err != nil {
				return err
			}
		}
	}

	if c.initialized.Load() {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		c.backfill(opCtx, id)
	}
	return nil
}

// backfill loads the newest page of history and marks the conversation read.
// Failures are logged, the live subscription is already in place.
func (c *Coordinator) backfill(ctx context.Context, id string) {
	logger := slogx.FromContext(ctx)

	page, err := c.api.ListMessages(ctx, id, 0, HistoryPageSize)
	if err != nil {
		logger.WarnContext(ctx, "message backfill failed", "conversation", id, "error", err)
	} else {
		// the API pages newest first
		slices.Reverse(page)
		c.state.MergeHistory(id, page)
	}

	if err := c.api.MarkRead(ctx, id); err != nil {
		logger.WarnContext(ctx, "mark read failed", "conversation", id, "error", err)
		return
	}
	c.state.ResetUnread(id)
}

func (c *Coordinator) subscribeConversation(id string) error {
	msgID, err := c.bus.SubscribeConversation(id, c.handleConversationMessage)
	if err != nil {
		return err
	}
	ids := []string{msgID}

	typingID, err := c.bus.Subscribe(bus.TypingTopic(id), c.handleTyping)
	if err != nil {
		c.logger.Warn("typing subscribe failed", "conversation", id, "error", err)
	} else {
		ids = append(ids, typingID)
	}

	c.open[id] = ids
	return nil
}

func (c *Coordinator) closeConversation(id string) {
	ids, ok := c.open[id]
	if !ok {
		if c.state.Active() == id {
			c.state.SetActive("")
		}
		return
	}
	delete(c.open, id)
	for _, sid := range ids {
		c.bus.Unsubscribe(sid)
	}
	if c.state.Active() == id {
		c.state.SetActive("")
	}
}

// rehydrate reloads the conversation list and presence. Each half fails on
// its own without blocking the connect.
func (c *Coordinator) rehydrate(ctx context.Context) {
	logger := slogx.FromContext(ctx)

	list, err := c.api.ListConversations(ctx)
	if err != nil {
		logger.WarnContext(ctx, "conversation rehydrate failed", "error", err)
	} else {
		c.state.SetConversations(list)
		if active := c.state.Active(); active != "" {
			c.state.ResetUnread(active)
		}
	}

	presence, err := c.api.ListPresence(ctx)
	if err != nil {
		logger.WarnContext(ctx, "presence rehydrate failed", "error", err)
		return
	}
	for _, p := range presence {
		c.state.SetPresence(p)
	}
}

func (c *Coordinator) failPending() {
	for _, ev := range c.events.drain() {
		if ev.reply != nil {
			ev.reply <- ErrStopped
		}
	}
}

// Handlers below run on the bus read loop, not the coordinator loop. They
// only touch the chat state, which has its own locking.

func (c *Coordinator) handleInbox(msg bus.Message) {
	var m domain.ChatMessage
	if msg.Raw || msg.Decode(&m) != nil || m.ConversationID == "" {
		c.logger.Warn("ignoring malformed inbox message", "destination", msg.Destination)
		return
	}

	if !c.state.AddMessage(m) {
		return
	}
	if m.ConversationID != c.state.Active() && !c.isSelf(m.SenderID) {
		c.state.IncrementUnread(m.ConversationID)
	}
	c.messages.Emit(m)
}

func (c *Coordinator) handleConversationMessage(msg bus.Message) {
	var m domain.ChatMessage
	if msg.Raw || msg.Decode(&m) != nil {
		c.logger.Warn("ignoring malformed conversation message", "destination", msg.Destination)
		return
	}
	if m.ConversationID == "" {
		return
	}
	if c.state.AddMessage(m) {
		c.messages.Emit(m)
	}
}

func (c *Coordinator) handlePresence(msg bus.Message) {
	var p domain.Presence
	if msg.Raw || msg.Decode(&p) != nil {
		return
	}
	c.state.SetPresence(p)
}

func (c *Coordinator) handleConversationUpdate(msg bus.Message) {
	var u domain.ConversationUpdate
	if msg.Raw || msg.Decode(&u) != nil || u.ConversationID == "" {
		return
	}
	c.state.ApplyUpdate(u)
}

func (c *Coordinator) handleTyping(msg bus.Message) {
	var t domain.Typing
	if msg.Raw || msg.Decode(&t) != nil {
		return
	}
	c.typing.Emit(t)
}

func (c *Coordinator) isSelf(senderID int64) bool {
	cur := c.creds.Credential().SubjectID
	return cur != "" && cur == strconv.FormatInt(senderID, 10)
}

func busCredentials(cred domain.Credential) bus.Credentials {
	return bus.Credentials{Token: cred.AccessToken, Subject: cred.SubjectID}
}
