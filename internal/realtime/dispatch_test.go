package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Action
	}{
		{"join community", `{"action":"join_community","community_id":"7"}`, SubscribeCommunity{CommunityID: "7"}},
		{"join thread", `{"action":"join_thread","thread_id":"42"}`, SubscribeThread{ThreadID: "42"}},
		{"leave community", `{"action":"leave_community","community_id":"7"}`, Unsubscribe{Channel: "community:7"}},
		{"leave thread", `{"action":"leave_thread","thread_id":"42"}`, Unsubscribe{Channel: "thread:42"}},
		{"unsubscribe", `{"action":"unsubscribe","channel":"thread:42"}`, Unsubscribe{Channel: "thread:42"}},
		{"typing", `{"action":"typing","thread_id":"42","user_id":"u1"}`, Typing{ThreadID: "42", UserID: "u1"}},
		{"typing without user", `{"action":"typing","thread_id":"42"}`, Typing{ThreadID: "42"}},
		{"stop typing", `{"action":"stop_typing","thread_id":"42","user_id":"u1"}`, StopTyping{ThreadID: "42", UserID: "u1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAction([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeAction_Invalid(t *testing.T) {
	invalid := map[string]string{
		"not json":         `{"action":`,
		"not an object":    `["join_thread"]`,
		"missing action":   `{"thread_id":"42"}`,
		"unknown action":   `{"action":"dance"}`,
		"missing thread":   `{"action":"join_thread"}`,
		"blank community":  `{"action":"join_community","community_id":" "}`,
		"typing no thread": `{"action":"typing","user_id":"u1"}`,
		"stop without id":  `{"action":"stop_typing"}`,
	}
	for name, raw := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAction([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidAction)
		})
	}

	_, err := DecodeAction([]byte(`{"action":"unsubscribe","channel":"room:1"}`))
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestEncodeEvent(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Kind:      KindNewMessage,
		Channel:   ThreadChannel("42"),
		Payload:   json.RawMessage(`{"id":"m1","text":"hello"}`),
		Timestamp: ts,
	}

	assert.JSONEq(t,
		`{"type":"new_message","payload":{"id":"m1","text":"hello"},"timestamp":"2024-05-01T12:00:00Z"}`,
		string(EncodeEvent(ev)))

	back, err := decodeEvent(ev.Channel, EncodeEvent(ev))
	require.NoError(t, err)
	assert.Equal(t, ev.Kind, back.Kind)
	assert.Equal(t, ev.Channel, back.Channel)
	assert.True(t, ts.Equal(back.Timestamp))
	assert.JSONEq(t, string(ev.Payload), string(back.Payload))
}

func TestEncodeError(t *testing.T) {
	var env struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(EncodeError("invalid action: unknown action"), &env))
	assert.Equal(t, "error", env.Type)
	assert.Equal(t, "invalid action: unknown action", env.Payload["reason"])
}

func TestDecodeEvent_Malformed(t *testing.T) {
	key := ThreadChannel("1")
	for name, raw := range map[string]string{
		"garbage":       `not json`,
		"unknown type":  `{"type":"explode","payload":{},"timestamp":"2024-05-01T12:00:00Z"}`,
		"control frame": `{"type":"error","payload":{},"timestamp":"2024-05-01T12:00:00Z"}`,
		"array payload": `{"type":"new_message","payload":[1],"timestamp":"2024-05-01T12:00:00Z"}`,
		"no payload":    `{"type":"new_message","timestamp":"2024-05-01T12:00:00Z"}`,
		"no timestamp":  `{"type":"new_message","payload":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEvent(key, []byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(KindMemberJoined, CommunityChannel("1"), map[string]string{"user_id": "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(ev.Payload))
	assert.False(t, ev.Timestamp.IsZero())

	ev, err = NewEvent(KindThreadUpdated, ThreadChannel("1"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(ev.Payload))

	_, err = NewEvent(KindWelcome, ThreadChannel("1"), nil)
	assert.Error(t, err, "control frames are not publishable")

	_, err = NewEvent(KindNewMessage, ThreadChannel("1"), []int{1})
	assert.Error(t, err, "payload must be an object")

	_, err = NewEvent(KindNewMessage, ThreadChannel("1"), json.RawMessage(`"text"`))
	assert.Error(t, err)
}
