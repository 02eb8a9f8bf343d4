package bus

import (
	"encoding/json"
)

// Message is one MESSAGE frame delivered to a subscription handler.
type Message struct {
	Destination    string
	SubscriptionID string
	MessageID      string
	ContentType    string
	Body           []byte

	// Payload is the JSON-decoded body, or the body as a string when it was
	// not valid JSON. A malformed frame is delivered, never dropped.
	Payload any

	// Raw is true when Payload holds the undecoded body.
	Raw bool
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Handler receives messages for one subscription. Handlers run one at a time
// on the connection's read loop and must not block for long.
type Handler func(Message)

func decodePayload(body []byte) (any, bool) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body), true
	}
	return v, false
}
