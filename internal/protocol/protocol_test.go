package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nexuschat/nexus/internal/chat"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	frame := []byte(`{"event":"message","data":{"id":"m1","content":"hi","senderId":"u2","conversationId":"c1","createdAt":"2024-01-02T03:04:05Z"}}`)

	evt, err := Decode(frame)
	require.NoError(t, err)

	msg, ok := evt.(MessageEvent)
	require.True(t, ok, "got %T, want MessageEvent", evt)
	require.Equal(t, "m1", msg.ID)
	require.Equal(t, "c1", msg.ConversationID)
	require.Equal(t, Message, msg.Name())
}

func TestDecodeMessageRead(t *testing.T) {
	frame := []byte(`{"event":"messageRead","data":{"conversationId":"c1","readBy":"u2","lastReadMessageId":"m9"}}`)

	evt, err := Decode(frame)
	require.NoError(t, err)

	rr, ok := evt.(MessageReadEvent)
	require.True(t, ok)
	require.Equal(t, "u2", rr.ReadBy)
	require.Equal(t, "m9", rr.LastReadMessageID)
}

func TestDecodeRejectsUnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event":"typing","data":{}}`))
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{"event":`},
		{"message without data", `{"event":"message"}`},
		{"message without id", `{"event":"message","data":{"content":"x"}}`},
		{"read without reader", `{"event":"messageRead","data":{"conversationId":"c1"}}`},
		{"ack without id", `{"event":"ack","data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)
		})
	}
}

func TestEncodeSendMessageCarriesAckID(t *testing.T) {
	frame, err := Encode(SendMessageRequest{RecipientID: "u2", Content: "hi"}, 7)
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, SendMessage, env.Event)
	require.Equal(t, uint64(7), env.ID)

	evt, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, SendMessageRequest{RecipientID: "u2", Content: "hi"}, evt)
}

func TestEncodeValidatesSendMessage(t *testing.T) {
	tests := []struct {
		name string
		req  SendMessageRequest
	}{
		{"no target", SendMessageRequest{Content: "hi"}},
		{"both targets", SendMessageRequest{RecipientID: "u2", GroupID: "g1", Content: "hi"}},
		{"blank content", SendMessageRequest{RecipientID: "u2", Content: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.req, 1)
			require.Error(t, err)
		})
	}
}

func TestAckMessage(t *testing.T) {
	data, _ := json.Marshal(chat.Message{ID: "m123", Content: "hi", SenderID: "u1"})

	m, err := AckMessage(AckEvent{ID: 1, Data: data})
	require.NoError(t, err)
	require.Equal(t, "m123", m.ID)

	_, err = AckMessage(AckEvent{ID: 1, Error: "recipient blocked"})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, "recipient blocked", rejected.Reason)
}
