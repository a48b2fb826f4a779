package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindMemberJoined   Kind = "member_joined"
	KindMemberLeft     Kind = "member_left"
	KindNewThread      Kind = "new_thread"
	KindThreadUpdated  Kind = "thread_updated"
	KindNewMessage     Kind = "new_message"
	KindMessageUpdated Kind = "message_updated"
	KindMessageDeleted Kind = "message_deleted"
	KindTyping         Kind = "typing"
	KindStopTyping     Kind = "stop_typing"

	// Control frames, only ever sent to a single connection.
	KindError   Kind = "error"
	KindWelcome Kind = "welcome"
)

var publishable = map[Kind]bool{
	KindMemberJoined:   true,
	KindMemberLeft:     true,
	KindNewThread:      true,
	KindThreadUpdated:  true,
	KindNewMessage:     true,
	KindMessageUpdated: true,
	KindMessageDeleted: true,
	KindTyping:         true,
	KindStopTyping:     true,
}

// Publishable reports whether events of kind k may be fanned out on a channel.
func (k Kind) Publishable() bool { return publishable[k] }

// Event is an immutable domain event addressed to one channel.
type Event struct {
	Kind      Kind
	Channel   ChannelKey
	Payload   json.RawMessage
	Timestamp time.Time
}

// NewEvent marshals body as the event payload. A nil body becomes {}.
func NewEvent(kind Kind, channel ChannelKey, body any) (Event, error) {
	if !kind.Publishable() {
		return Event{}, fmt.Errorf("unknown event type %q", kind)
	}
	payload, err := marshalPayload(body)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:      kind,
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

func marshalPayload(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !isJSONObject(v) {
			return nil, fmt.Errorf("payload must be a JSON object")
		}
		return v, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if !isJSONObject(b) {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return b, nil
}

func isJSONObject(b []byte) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(b, &obj) == nil && obj != nil
}
