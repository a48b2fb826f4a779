package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is a decoded inbound client request.
type Action interface {
	action() string
}

type SubscribeCommunity struct{ CommunityID string }

type SubscribeThread struct{ ThreadID string }

type Unsubscribe struct{ Channel ChannelKey }

type Typing struct{ ThreadID, UserID string }

type StopTyping struct{ ThreadID, UserID string }

func (SubscribeCommunity) action() string { return "join_community" }
func (SubscribeThread) action() string    { return "join_thread" }
func (Unsubscribe) action() string        { return "unsubscribe" }
func (Typing) action() string             { return "typing" }
func (StopTyping) action() string         { return "stop_typing" }

type inboundAction struct {
	Action      string `json:"action"`
	CommunityID string `json:"community_id"`
	ThreadID    string `json:"thread_id"`
	UserID      string `json:"user_id"`
	Channel     string `json:"channel"`
}

// DecodeAction parses one inbound frame. Every failure wraps ErrInvalidAction
// (or ErrInvalidChannel for a bad explicit channel key).
func DecodeAction(raw []byte) (Action, error) {
	var in inboundAction
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidAction)
	}
	switch in.Action {
	case "join_community", "leave_community":
		if err := validIdentifier(in.CommunityID); err != nil {
			return nil, fmt.Errorf("%w: community_id: %v", ErrInvalidAction, err)
		}
		if in.Action == "leave_community" {
			return Unsubscribe{Channel: CommunityChannel(in.CommunityID)}, nil
		}
		return SubscribeCommunity{CommunityID: in.CommunityID}, nil
	case "join_thread", "leave_thread":
		if err := validIdentifier(in.ThreadID); err != nil {
			return nil, fmt.Errorf("%w: thread_id: %v", ErrInvalidAction, err)
		}
		if in.Action == "leave_thread" {
			return Unsubscribe{Channel: ThreadChannel(in.ThreadID)}, nil
		}
		return SubscribeThread{ThreadID: in.ThreadID}, nil
	case "unsubscribe", "leave":
		key, err := ParseChannel(in.Channel)
		if err != nil {
			return nil, err
		}
		return Unsubscribe{Channel: key}, nil
	case "typing", "stop_typing":
		if err := validIdentifier(in.ThreadID); err != nil {
			return nil, fmt.Errorf("%w: thread_id: %v", ErrInvalidAction, err)
		}
		if in.Action == "stop_typing" {
			return StopTyping{ThreadID: in.ThreadID, UserID: in.UserID}, nil
		}
		return Typing{ThreadID: in.ThreadID, UserID: in.UserID}, nil
	case "":
		return nil, fmt.Errorf("%w: missing action", ErrInvalidAction)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, in.Action)
	}
}

// envelope is the outbound wire format, shared by clients and the broker.
type envelope struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func EncodeEvent(ev Event) []byte {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	b, _ := json.Marshal(envelope{Type: ev.Kind, Payload: payload, Timestamp: ev.Timestamp.UTC()})
	return b
}

func EncodeError(reason string) []byte {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	return EncodeEvent(Event{Kind: KindError, Payload: payload, Timestamp: time.Now()})
}

// decodeEvent is the inverse of EncodeEvent for frames arriving on channel.
func decodeEvent(channel ChannelKey, raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Publishable() {
		return Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}
	if !isJSONObject(env.Payload) {
		return Event{}, fmt.Errorf("payload of %s is not an object", env.Type)
	}
	if env.Timestamp.IsZero() {
		return Event{}, fmt.Errorf("missing timestamp")
	}
	return Event{Kind: env.Type, Channel: channel, Payload: env.Payload, Timestamp: env.Timestamp}, nil
}
