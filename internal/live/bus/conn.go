package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	receiptWait    = 2 * time.Second
	disconnectID   = "disconnect"
	heartbeatSlack = 2 // read deadline = server interval * heartbeatSlack
)

// conn is one live STOMP session carried over a websocket, one frame per
// text message.
type conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	// negotiated heart-beat intervals, 0 when off
	sendEvery time.Duration
	recvEvery time.Duration

	version string
	session string
	server  string

	done      chan struct{}
	closeOnce sync.Once

	receiptMu sync.Mutex
	receipts  map[string]chan struct{}

	// frames that arrived batched in one websocket message, read loop only
	pending []*frame.Frame
}

type dialConfig struct {
	URL           string
	Host          string
	Heartbeat     time.Duration
	Dialer        *websocket.Dialer
	Header        http.Header
	ConnectHeader map[string]string
}

// dial opens the websocket and completes the STOMP handshake. An ERROR frame
// in place of CONNECTED comes back as *ProtocolError.
func dial(ctx context.Context, cfg dialConfig, token string, logger *slog.Logger) (*conn, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", redactURL(cfg.URL), err)
	}

	c := &conn{
		ws:       ws,
		logger:   logger,
		done:     make(chan struct{}),
		receipts: map[string]chan struct{}{},
	}

	// Abort a handshake the caller stopped waiting for.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}

	host := cfg.Host
	if host == "" {
		host = hostOf(cfg.URL)
	}
	if err := c.write(connectFrame(host, token, cfg.Heartbeat, cfg.ConnectHeader)); err != nil {
		c.close()
		return nil, fmt.Errorf("bus: send CONNECT: %w", err)
	}

	f, err := c.readFrame()
	for err == nil && f == nil {
		f, err = c.readFrame()
	}
	if err != nil {
		c.close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bus: handshake: %w", err)
	}

	switch f.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		c.close()
		return nil, protocolErrorFrom(f)
	default:
		c.close()
		return nil, fmt.Errorf("bus: handshake: unexpected %s frame", f.Command)
	}

	serverSend, serverRecv, err := parseHeartBeat(f.Header.Get(hdrHeartBeat))
	if err != nil {
		c.close()
		return nil, err
	}
	c.sendEvery, c.recvEvery = negotiateHeartBeat(cfg.Heartbeat, cfg.Heartbeat, serverSend, serverRecv)
	c.version = f.Header.Get("version")
	c.session = f.Header.Get("session")
	c.server = f.Header.Get("server")

	_ = ws.SetReadDeadline(time.Time{})
	return c, nil
}

// readFrame returns the next frame, or nil for a heart-beat. A websocket
// message may carry several frames; they are handed out one per call.
func (c *conn) readFrame() (*frame.Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}

	if c.recvEvery > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.recvEvery * heartbeatSlack))
	}

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && c.recvEvery > 0 {
				return nil, fmt.Errorf("%w: %w", ErrHeartbeatTimeout, err)
			}
			return nil, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}

		frames, err := splitFrames(data)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, nil
		}
		c.pending = frames[1:]
		return frames[0], nil
	}
}

// splitFrames decodes every frame in one websocket message. Heart-beat EOLs
// between frames are skipped.
func splitFrames(data []byte) ([]*frame.Frame, error) {
	if len(bytes.TrimSpace(bytes.TrimRight(data, "\x00"))) == 0 {
		return nil, nil
	}

	var frames []*frame.Frame
	r := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, fmt.Errorf("bus: malformed frame: %w", err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func (c *conn) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	return c.writeRaw(buf.Bytes())
}

func (c *conn) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// heartbeatLoop sends an EOL every negotiated interval until the connection
// closes.
func (c *conn) heartbeatLoop() {
	if c.sendEvery <= 0 {
		return
	}

	ticker := time.NewTicker(c.sendEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeRaw([]byte("\n")); err != nil {
				c.logger.Debug("heart-beat write failed", "error", err)
				return
			}
		}
	}
}

func (c *conn) expectReceipt(id string) <-chan struct{} {
	ch := make(chan struct{})
	c.receiptMu.Lock()
	c.receipts[id] = ch
	c.receiptMu.Unlock()
	return ch
}

func (c *conn) receipt(id string) {
	c.receiptMu.Lock()
	ch, ok := c.receipts[id]
	delete(c.receipts, id)
	c.receiptMu.Unlock()
	if ok {
		close(ch)
	}
}

// shutdown sends DISCONNECT and waits briefly for the server to confirm it
// processed everything before it, then closes the socket.
func (c *conn) shutdown() {
	select {
	case <-c.done:
		return
	default:
	}

	ack := c.expectReceipt(disconnectID)
	f := disconnectFrame()
	f.Header.Set(hdrReceipt, disconnectID)

	if err := c.write(f); err == nil {
		timer := time.NewTimer(receiptWait)
		select {
		case <-ack:
		case <-c.done:
		case <-timer.C:
			c.logger.Debug("no receipt for DISCONNECT")
		}
		timer.Stop()
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// redactURL drops any query string, which is where tokens sometimes end up.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
