package bus

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testBroker is a minimal STOMP-over-websocket server. It records every
// client frame in one ordered log.
type testBroker struct {
	srv *httptest.Server

	mu        sync.Mutex
	conns     []*brokerConn
	events    []string
	tokens    []string
	reject    string
	heartbeat string
	gate      chan struct{}
	beats     int
	nextMsg   int
}

type brokerConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]string // id -> destination
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	b := &testBroker{heartbeat: "0,0"}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.serve(ws)
	}))
	t.Cleanup(b.close)
	return b
}

func (b *testBroker) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/websocket"
}

func (b *testBroker) serve(ws *websocket.Conn) {
	bc := &brokerConn{ws: ws, subs: map[string]string{}}
	defer ws.Close()

	f, ok := b.read(bc)
	if !ok || f.Command != frame.CONNECT {
		return
	}
	token := strings.TrimPrefix(f.Header.Get(hdrAuthorization), "Bearer ")

	b.mu.Lock()
	b.events = append(b.events, "CONNECT "+token)
	b.tokens = append(b.tokens, token)
	reject, hb, gate := b.reject, b.heartbeat, b.gate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if reject != "" {
		b.write(bc, frame.New(frame.ERROR, hdrMessage, reject))
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, bc)
	b.mu.Unlock()
	defer b.forget(bc)
	b.write(bc, frame.New(frame.CONNECTED, "version", "1.2", "heart-beat", hb, "session", "s-"+token))

	for {
		f, ok := b.read(bc)
		if !ok {
			return
		}
		if f == nil {
			b.mu.Lock()
			b.beats++
			b.mu.Unlock()
			continue
		}

		b.mu.Lock()
		switch f.Command {
		case frame.SUBSCRIBE:
			bc.subs[f.Header.Get(hdrID)] = f.Header.Get(hdrDestination)
			b.events = append(b.events, "SUBSCRIBE "+f.Header.Get(hdrID)+" "+f.Header.Get(hdrDestination))
		case frame.UNSUBSCRIBE:
			delete(bc.subs, f.Header.Get(hdrID))
			b.events = append(b.events, "UNSUBSCRIBE "+f.Header.Get(hdrID))
		case frame.SEND:
			b.events = append(b.events, "SEND "+f.Header.Get(hdrDestination)+" "+string(f.Body))
		case frame.DISCONNECT:
			b.events = append(b.events, "DISCONNECT")
		}
		b.mu.Unlock()

		if f.Command == frame.DISCONNECT {
			if id := f.Header.Get(hdrReceipt); id != "" {
				b.write(bc, frame.New(frame.RECEIPT, "receipt-id", id))
			}
			return
		}
	}
}

func (b *testBroker) read(bc *brokerConn) (*frame.Frame, bool) {
	_, data, err := bc.ws.ReadMessage()
	if err != nil {
		return nil, false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, true
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, false
	}
	return f, true
}

func (b *testBroker) write(bc *brokerConn, f *frame.Frame) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return
	}
	bc.wmu.Lock()
	defer bc.wmu.Unlock()
	_ = bc.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// publish sends body to every live subscription on destination and reports
// how many frames went out.
func (b *testBroker) publish(destination, body string) int {
	return b.publishBatch(destination, body)
}

// publishBatch packs one MESSAGE per body into a single websocket message
// per subscriber, separated by heart-beat EOLs, the way a batching broker
// does. It reports how many subscribers were written to.
func (b *testBroker) publishBatch(destination string, bodies ...string) int {
	type target struct {
		bc *brokerConn
		id string
	}

	b.mu.Lock()
	var targets []target
	for _, bc := range b.conns {
		for id, dest := range bc.subs {
			if dest == destination {
				targets = append(targets, target{bc, id})
			}
		}
	}
	msgIDs := make([]string, len(bodies))
	for i := range bodies {
		b.nextMsg++
		msgIDs[i] = "m-" + strconv.Itoa(b.nextMsg)
	}
	b.mu.Unlock()

	for _, tg := range targets {
		var buf bytes.Buffer
		w := frame.NewWriter(&buf)
		for i, body := range bodies {
			if i > 0 {
				buf.WriteByte('\n')
			}
			f := frame.New(frame.MESSAGE,
				hdrDestination, destination,
				hdrSubscription, tg.id,
				hdrMessageID, msgIDs[i],
				hdrContentType, "application/json",
			)
			f.Body = []byte(body)
			if err := w.Write(f); err != nil {
				return 0
			}
		}

		tg.bc.wmu.Lock()
		_ = tg.bc.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
		tg.bc.wmu.Unlock()
	}
	return len(targets)
}

// drop kills every live connection without a goodbye.
func (b *testBroker) drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, bc := range conns {
		_ = bc.ws.UnderlyingConn().Close()
	}
}

func (b *testBroker) forget(bc *brokerConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.conns {
		if c == bc {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			return
		}
	}
}

func (b *testBroker) close() {
	b.drop()
	b.srv.Close()
}

func (b *testBroker) setReject(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = msg
}

func (b *testBroker) setHeartbeat(v string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeat = v
}

func (b *testBroker) holdHandshakes() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.gate = nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

func (b *testBroker) connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

func (b *testBroker) heartbeats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beats
}

func (b *testBroker) log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *testBroker) hasEvent(ev string) bool {
	for _, e := range b.log() {
		if e == ev {
			return true
		}
	}
	return false
}

func (b *testBroker) waitEvent(t *testing.T, ev string) {
	t.Helper()
	require.Eventually(t, func() bool { return b.hasEvent(ev) }, 2*time.Second, 5*time.Millisecond, "broker never saw %q, log: %v", ev, b.log())
}

func indexOf(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}
