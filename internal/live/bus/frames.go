package bus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// STOMP 1.2 header names used by the manager.
const (
	hdrAcceptVersion = "accept-version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrAuthorization = "Authorization"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrAck           = "ack"
	hdrSubscription  = "subscription"
	hdrMessageID     = "message-id"
	hdrContentType   = "content-type"
	hdrContentLength = "content-length"
	hdrMessage       = "message"
	hdrReceipt       = "receipt"
)

const acceptVersions = "1.2,1.1"

func connectFrame(host, token string, heartbeat time.Duration, extra map[string]string) *frame.Frame {
	f := frame.New(frame.CONNECT,
		hdrAcceptVersion, acceptVersions,
		hdrHost, host,
		hdrHeartBeat, formatHeartBeat(heartbeat, heartbeat),
	)
	if token != "" {
		f.Header.Set(hdrAuthorization, "Bearer "+token)
	}
	for k, v := range extra {
		f.Header.Set(k, v)
	}
	return f
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		hdrID, id,
		hdrDestination, destination,
		hdrAck, "auto",
	)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, hdrID, id)
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		hdrDestination, destination,
		hdrContentType, "application/json",
		hdrContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return f
}

func disconnectFrame() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}

func formatHeartBeat(send, recv time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(recv.Milliseconds(), 10)
}

// parseHeartBeat reads a "cx,cy" heart-beat header value.
func parseHeartBeat(v string) (send, recv time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}

	a, b, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0, fmt.Errorf("bus: invalid heart-beat %q", v)
	}

	x, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	if err != nil || x < 0 {
		return 0, 0, fmt.Errorf("bus: invalid heart-beat %q", v)
	}
	y, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err != nil || y < 0 {
		return 0, 0, fmt.Errorf("bus: invalid heart-beat %q", v)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// negotiateHeartBeat applies the STOMP rule: each direction runs at the
// slower of what one side offers and the other wants, and is off if either
// side says 0.
func negotiateHeartBeat(clientSend, clientRecv, serverSend, serverRecv time.Duration) (send, recv time.Duration) {
	if clientSend > 0 && serverRecv > 0 {
		send = max(clientSend, serverRecv)
	}
	if clientRecv > 0 && serverSend > 0 {
		recv = max(clientRecv, serverSend)
	}
	return send, recv
}

func protocolErrorFrom(f *frame.Frame) *ProtocolError {
	msg := f.Header.Get(hdrMessage)
	if msg == "" {
		msg = "connection rejected"
	}
	return &ProtocolError{Message: msg, Detail: strings.TrimSpace(string(f.Body))}
}
