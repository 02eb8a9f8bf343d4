// Package bus keeps one authenticated STOMP connection to the chat broker
// alive and routes its frames to subscription handlers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/aussiebroadwan/tabline/internal/live/metrics"
	"github.com/aussiebroadwan/tabline/pkg/cryptox"
	"github.com/aussiebroadwan/tabline/pkg/idx"
	"github.com/aussiebroadwan/tabline/pkg/notify"
)

const (
	DefaultHeartbeat            = 30 * time.Second
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHandshakeTimeout     = 10 * time.Second
)

// State of the single bus connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Credentials authenticate one connection. Subject, when set, gets its
// private inbox subscribed automatically.
type Credentials struct {
	Token   string
	Subject string
}

type Config struct {
	// URL of the raw websocket endpoint, e.g. ws://localhost:8080/ws/websocket.
	URL string
	// Host header of the CONNECT frame. Defaults to the URL host.
	Host string

	// Heartbeat is offered in both directions. Negative turns heart-beats off.
	Heartbeat            time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration

	Dialer *websocket.Dialer
	// HTTPHeader is sent with the websocket upgrade request.
	HTTPHeader http.Header
	// ConnectHeaders are added to every CONNECT frame, for brokers that want
	// login/passcode next to the bearer token.
	ConnectHeaders map[string]string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) withDefaults() {
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnectEvent is emitted every time a connection is established. Auto is
// true when it came from automatic reconnection after a drop.
type ConnectEvent struct {
	Auto    bool
	Session string
}

// DisconnectEvent is emitted when a live connection goes away. Expected is
// true for Disconnect and Reconnect.
type DisconnectEvent struct {
	Err      error
	Expected bool
}

type subKind int

const (
	kindAdhoc subKind = iota
	kindConversation
	kindInbox
)

type subscription struct {
	id             string
	destination    string
	handler        Handler
	kind           subKind
	conversationID string
	conn           *conn
}

// connectCall is shared by every Connect that arrives while one is in flight.
type connectCall struct {
	done chan struct{}
	err  error
}

func (c *connectCall) finish(err error) {
	c.err = err
	close(c.done)
}

func (c *connectCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns the bus connection. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	state         State
	conn          *conn
	connecting    *connectCall
	cred          Credentials
	closed        bool
	generation    uint64
	subs          map[string]*subscription
	conversations map[string]string // conversation id -> subscription id

	// convMu keeps the UNSUBSCRIBE/SUBSCRIBE pair of one conversation
	// replacement together on the wire.
	convMu sync.Mutex

	policy    *reconnectPolicy
	attempt   int
	retry     *time.Timer
	afterFunc func(time.Duration, func()) *time.Timer

	connected    *notify.Notifier[ConnectEvent]
	disconnected *notify.Notifier[DisconnectEvent]
	errs         *notify.Notifier[error]
	inbox        *notify.Notifier[Message]
}

func NewManager(cfg Config) *Manager {
	cfg.withDefaults()

	return &Manager{
		cfg:           cfg,
		logger:        cfg.Logger.With("component", "bus"),
		metrics:       cfg.Metrics,
		subs:          map[string]*subscription{},
		conversations: map[string]string{},
		policy:        newReconnectPolicy(cfg.ReconnectDelay, cfg.MaxReconnectAttempts),
		afterFunc:     time.AfterFunc,
		connected:     notify.New[ConnectEvent](cfg.Logger),
		disconnected:  notify.New[DisconnectEvent](cfg.Logger),
		errs:          notify.New[error](cfg.Logger),
		inbox:         notify.New[Message](cfg.Logger),
	}
}

// OnConnect registers fn for every established connection.
func (m *Manager) OnConnect(fn func(ConnectEvent)) (cancel func()) {
	return m.connected.Listen(fn)
}

func (m *Manager) OnDisconnect(fn func(DisconnectEvent)) (cancel func()) {
	return m.disconnected.Listen(fn)
}

// OnError receives STOMP ERROR frames, failed handshakes and
// ErrReconnectExhausted.
func (m *Manager) OnError(fn func(error)) (cancel func()) {
	return m.errs.Listen(fn)
}

// OnInbox receives messages from the subject's private inbox.
func (m *Manager) OnInbox(fn func(Message)) (cancel func()) {
	return m.inbox.Listen(fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

// Connect establishes the connection. It returns nil straight away when
// already connected and joins the pending attempt when one is in flight.
func (m *Manager) Connect(ctx context.Context, cred Credentials) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if call := m.connecting; call != nil {
		m.mu.Unlock()
		return call.wait(ctx)
	}

	m.stopRetryLocked()
	m.closed = false
	m.cred = cred
	call, gen := m.beginLocked()
	m.mu.Unlock()

	return m.establish(ctx, cred, call, gen, false)
}

func (m *Manager) beginLocked() (*connectCall, uint64) {
	call := &connectCall{done: make(chan struct{})}
	m.connecting = call
	m.state = StateConnecting
	return call, m.generation
}

func (m *Manager) establish(ctx context.Context, cred Credentials, call *connectCall, gen uint64, auto bool) error {
	m.logger.Info("bus connecting",
		"url", redactURL(m.cfg.URL),
		"token", cryptox.ShortFingerprint(cred.Token),
		"auto", auto,
	)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	c, err := dial(dctx, dialConfig{
		URL:           m.cfg.URL,
		Host:          m.cfg.Host,
		Heartbeat:     max(m.cfg.Heartbeat, 0),
		Dialer:        m.cfg.Dialer,
		Header:        m.cfg.HTTPHeader,
		ConnectHeader: m.cfg.ConnectHeaders,
	}, cred.Token, m.logger)
	cancel()

	m.mu.Lock()
	if m.connecting == call {
		m.connecting = nil
	}
	if err == nil && gen != m.generation {
		// Disconnect or Reconnect ran while we were dialing.
		c.close()
		err = ErrDisconnected
	}
	if err != nil {
		if gen == m.generation && m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()

		call.finish(err)
		m.logger.Warn("bus connect failed", "error", err, "auto", auto)
		if !errors.Is(err, ErrDisconnected) {
			m.errs.Emit(err)
		}
		return err
	}

	m.conn = c
	m.state = StateConnected
	m.attempt = 0
	m.policy.reset()

	var inbox *subscription
	if cred.Subject != "" {
		inbox = &subscription{
			id:          "inbox-" + cred.Subject,
			destination: InboxDestination(cred.Subject),
			handler:     m.inbox.Emit,
			kind:        kindInbox,
			conn:        c,
		}
		m.subs[inbox.id] = inbox
	}
	n := len(m.subs)
	m.mu.Unlock()

	go m.readLoop(c)
	go c.heartbeatLoop()

	if inbox != nil {
		if err := c.write(subscribeFrame(inbox.id, inbox.destination)); err != nil {
			m.logger.Warn("inbox subscribe failed", "destination", inbox.destination, "error", err)
		}
	}

	m.metrics.SetBusConnected(true)
	m.metrics.SetBusSubscriptions(n)
	m.logger.Info("bus connected",
		"session", c.session,
		"version", c.version,
		"heartbeat_send", c.sendEvery,
		"heartbeat_recv", c.recvEvery,
	)

	call.finish(nil)
	m.connected.Emit(ConnectEvent{Auto: auto, Session: c.session})
	return nil
}

// Reconnect swaps the connection over to a new credential. Every existing
// subscription is unsubscribed and the old connection closed before the new
// one is opened. The destinations that were active are returned so the
// caller can decide what to subscribe again; nothing is restored here.
func (m *Manager) Reconnect(ctx context.Context, cred Credentials) ([]string, error) {
	m.mu.Lock()
	for m.connecting != nil {
		call := m.connecting
		m.mu.Unlock()
		_ = call.wait(ctx)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.mu.Lock()
	}

	destinations := m.destinationsLocked()
	old, subs := m.detachLocked()
	m.mu.Unlock()

	m.logger.Info("bus reconnecting with new credentials",
		"token", cryptox.ShortFingerprint(cred.Token),
		"subscriptions", len(subs),
	)
	m.teardown(old, subs)

	if err := m.Connect(ctx, cred); err != nil {
		m.metrics.Reconnect("credentials", "failure")
		return destinations, err
	}
	m.metrics.Reconnect("credentials", "success")
	return destinations, nil
}

// Disconnect unsubscribes everything and closes the connection. No automatic
// reconnection happens until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	old, subs := m.detachLocked()
	m.mu.Unlock()

	m.teardown(old, subs)
	if old != nil {
		m.logger.Info("bus disconnected")
	}
}

// detachLocked forgets the current connection and all subscriptions and
// invalidates any pending timer or in-flight connect.
func (m *Manager) detachLocked() (*conn, []*subscription) {
	old := m.conn
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	m.conn = nil
	m.state = StateDisconnected
	m.subs = map[string]*subscription{}
	m.conversations = map[string]string{}
	m.generation++
	m.stopRetryLocked()
	m.attempt = 0
	m.policy.reset()
	return old, subs
}

func (m *Manager) teardown(old *conn, subs []*subscription) {
	if old == nil {
		return
	}

	for _, s := range subs {
		if s.conn != old {
			continue
		}
		if err := old.write(unsubscribeFrame(s.id)); err != nil {
			m.logger.Debug("unsubscribe on teardown failed", "id", s.id, "error", err)
			break
		}
	}
	old.shutdown()

	m.metrics.SetBusConnected(false)
	m.metrics.SetBusSubscriptions(0)
	m.disconnected.Emit(DisconnectEvent{Expected: true})
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// Subscribe starts delivering frames for destination to h and returns the
// subscription id.
func (m *Manager) Subscribe(destination string, h Handler) (string, error) {
	sub := &subscription{
		id:          idx.Prefixed("sub"),
		destination: destination,
		handler:     h,
		kind:        kindAdhoc,
	}

	m.mu.Lock()
	c := m.conn
	if m.state != StateConnected || c == nil {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	sub.conn = c
	m.subs[sub.id] = sub
	n := len(m.subs)
	m.mu.Unlock()

	if err := c.write(subscribeFrame(sub.id, destination)); err != nil {
		m.forget(sub)
		return "", fmt.Errorf("bus: subscribe %s: %w", destination, err)
	}

	m.metrics.SetBusSubscriptions(n)
	m.logger.Debug("subscribed", "id", sub.id, "destination", destination)
	return sub.id, nil
}

// SubscribeConversation subscribes to a conversation topic. A previous
// subscription for the same conversation is replaced, never duplicated.
func (m *Manager) SubscribeConversation(conversationID string, h Handler) (string, error) {
	sub := &subscription{
		id:             "conversation-" + conversationID,
		destination:    ConversationDestination(conversationID),
		handler:        h,
		kind:           kindConversation,
		conversationID: conversationID,
	}

	m.convMu.Lock()
	defer m.convMu.Unlock()

	m.mu.Lock()
	c := m.conn
	if m.state != StateConnected || c == nil {
		m.mu.Unlock()
		return "", ErrNotConnected
	}

	var prev *subscription
	if id, ok := m.conversations[conversationID]; ok {
		prev = m.subs[id]
		delete(m.subs, id)
	}
	sub.conn = c
	m.subs[sub.id] = sub
	m.conversations[conversationID] = sub.id
	n := len(m.subs)
	m.mu.Unlock()

	if prev != nil && prev.conn == c {
		if err := c.write(unsubscribeFrame(prev.id)); err != nil {
			m.logger.Debug("unsubscribe of replaced conversation failed", "id", prev.id, "error", err)
		}
	}
	if err := c.write(subscribeFrame(sub.id, sub.destination)); err != nil {
		m.forget(sub)
		return "", fmt.Errorf("bus: subscribe conversation %s: %w", conversationID, err)
	}

	m.metrics.SetBusSubscriptions(n)
	return sub.id, nil
}

func (m *Manager) forget(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[sub.id] != sub {
		return
	}
	delete(m.subs, sub.id)
	if sub.kind == kindConversation && m.conversations[sub.conversationID] == sub.id {
		delete(m.conversations, sub.conversationID)
	}
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, id)
	if sub.kind == kindConversation && m.conversations[sub.conversationID] == id {
		delete(m.conversations, sub.conversationID)
	}
	c := m.conn
	n := len(m.subs)
	m.mu.Unlock()

	m.metrics.SetBusSubscriptions(n)
	if c == nil || sub.conn != c {
		return
	}
	if err := c.write(unsubscribeFrame(id)); err != nil {
		m.logger.Debug("unsubscribe failed", "id", id, "error", err)
	}
}

func (m *Manager) UnsubscribeConversation(conversationID string) {
	m.convMu.Lock()
	defer m.convMu.Unlock()

	m.mu.Lock()
	id, ok := m.conversations[conversationID]
	m.mu.Unlock()

	if ok {
		m.Unsubscribe(id)
	}
}

// Send publishes payload as JSON. Byte slices and json.RawMessage go out
// unchanged. Nothing is queued while disconnected.
func (m *Manager) Send(destination string, payload any) error {
	m.mu.Lock()
	c := m.conn
	connected := m.state == StateConnected && c != nil
	m.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bus: encode payload for %s: %w", destination, err)
		}
		body = b
	}

	if err := c.write(sendFrame(destination, body)); err != nil {
		return fmt.Errorf("bus: send %s: %w", destination, err)
	}
	m.metrics.FrameSent()
	return nil
}

// ActiveDestinations lists the destinations of live subscriptions, sorted.
func (m *Manager) ActiveDestinations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destinationsLocked()
}

func (m *Manager) destinationsLocked() []string {
	out := make([]string, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.destination)
	}
	sort.Strings(out)
	return out
}

// ActiveConversations lists conversation ids with a live subscription.
func (m *Manager) ActiveConversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) HasInbox() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.subs {
		if s.kind == kindInbox {
			return true
		}
	}
	return false
}

func (m *Manager) readLoop(c *conn) {
	for {
		f, err := c.readFrame()
		if err != nil {
			m.handleDrop(c, err)
			return
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			m.metrics.FrameReceived()
			m.dispatch(c, f)
		case frame.RECEIPT:
			c.receipt(f.Header.Get("receipt-id"))
		case frame.ERROR:
			perr := protocolErrorFrom(f)
			m.logger.Error("bus error frame", "message", perr.Message, "detail", perr.Detail)
			m.errs.Emit(perr)
		default:
			m.logger.Debug("ignoring frame", "command", f.Command)
		}
	}
}

func (m *Manager) dispatch(c *conn, f *frame.Frame) {
	id := f.Header.Get(hdrSubscription)

	m.mu.Lock()
	sub := m.subs[id]
	m.mu.Unlock()

	// Frames for a subscription of an older connection are dropped so no
	// handler sees the same frame twice across a reconnect.
	if sub == nil || sub.conn != c {
		m.logger.Debug("frame for unknown subscription", "subscription", id)
		return
	}

	payload, raw := decodePayload(f.Body)
	if raw {
		m.metrics.DecodeFailure()
		m.logger.Warn("delivering undecodable frame body raw",
			"destination", f.Header.Get(hdrDestination),
			"subscription", id,
		)
	}

	msg := Message{
		Destination:    f.Header.Get(hdrDestination),
		SubscriptionID: id,
		MessageID:      f.Header.Get(hdrMessageID),
		ContentType:    f.Header.Get(hdrContentType),
		Body:           f.Body,
		Payload:        payload,
		Raw:            raw,
	}
	m.invoke(sub, msg)
}

func (m *Manager) invoke(sub *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription handler panicked",
				"subscription", sub.id,
				"destination", sub.destination,
				"panic", r,
			)
		}
	}()
	sub.handler(msg)
}

// handleDrop runs when the read loop of c fails. Drops of connections that
// were already replaced or torn down are ignored.
func (m *Manager) handleDrop(c *conn, cause error) {
	c.close()

	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	dropped := len(m.subs)
	m.subs = map[string]*subscription{}
	m.conversations = map[string]string{}
	m.mu.Unlock()

	m.metrics.SetBusConnected(false)
	m.metrics.SetBusSubscriptions(0)
	m.logger.Warn("bus connection lost", "error", cause, "subscriptions", dropped)
	m.disconnected.Emit(DisconnectEvent{Err: cause})

	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected || m.retry != nil || m.connecting != nil {
		m.mu.Unlock()
		return
	}

	delay, ok := m.policy.next()
	if !ok {
		attempts := m.attempt
		m.attempt = 0
		m.policy.reset()
		m.mu.Unlock()

		m.logger.Error("bus reconnect attempts exhausted", "attempts", attempts)
		m.metrics.Reconnect("auto", "exhausted")
		m.errs.Emit(ErrReconnectExhausted)
		return
	}

	m.attempt++
	attempt, gen := m.attempt, m.generation
	m.retry = m.afterFunc(delay, func() { m.autoReconnect(gen, attempt) })
	m.mu.Unlock()

	m.logger.Info("bus reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (m *Manager) autoReconnect(gen uint64, attempt int) {
	m.mu.Lock()
	m.retry = nil
	if m.closed || gen != m.generation || m.state != StateDisconnected || m.connecting != nil {
		m.mu.Unlock()
		return
	}
	cred := m.cred
	call, gen := m.beginLocked()
	m.mu.Unlock()

	err := m.establish(context.Background(), cred, call, gen, true)
	if err == nil {
		m.metrics.Reconnect("auto", "success")
		return
	}
	m.metrics.Reconnect("auto", "failure")

	var perr *ProtocolError
	if errors.As(err, &perr) {
		m.logger.Error("bus reconnect rejected by server, giving up", "attempt", attempt, "error", err)
		return
	}
	if errors.Is(err, ErrDisconnected) {
		return
	}
	m.scheduleReconnect()
}
