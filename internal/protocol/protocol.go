package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nexuschat/nexus/internal/chat"
)

// Name is the wire name of a real-time event.
type Name string

const (
	// Client to server.
	SendMessage Name = "sendMessage"
	MarkAsRead  Name = "markAsRead"

	// Server to client.
	Message     Name = "message"
	MessageRead Name = "messageRead"
	Ack         Name = "ack"
)

// ErrUnknownEvent is returned by Decode for event names outside the contract.
var ErrUnknownEvent = errors.New("unknown event")

// Event is implemented by every payload type of the contract.
type Event interface {
	Name() Name
}

// Envelope is the frame carried over the WebSocket.
type Envelope struct {
	Event Name            `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// SendMessageRequest asks the server to persist and route a message.
// Exactly one of RecipientID and GroupID is set.
type SendMessageRequest struct {
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Content     string `json:"content"`
}

func (SendMessageRequest) Name() Name { return SendMessage }

// Validate checks the request before it reaches the wire.
func (r SendMessageRequest) Validate() error {
	if (r.RecipientID == "") == (r.GroupID == "") {
		return errors.New("sendMessage: exactly one of recipientId and groupId is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return errors.New("sendMessage: content is empty")
	}
	return nil
}

// MarkAsReadRequest tells the server the user has read a conversation.
type MarkAsReadRequest struct {
	ConversationID string `json:"conversationId"`
}

func (MarkAsReadRequest) Name() Name { return MarkAsRead }

// MessageEvent is a new message notification, including echoes of own sends.
type MessageEvent struct {
	chat.Message
}

func (MessageEvent) Name() Name { return Message }

// MessageReadEvent announces that ReadBy read a conversation.
type MessageReadEvent struct {
	chat.ReadReceipt
}

func (MessageReadEvent) Name() Name { return MessageRead }

// AckEvent resolves a client request carrying the same id.
type AckEvent struct {
	ID    uint64
	Data  json.RawMessage
	Error string
}

func (AckEvent) Name() Name { return Ack }

// Err returns the server rejection, if any.
func (a AckEvent) Err() error {
	if a.Error == "" {
		return nil
	}
	return &RejectedError{Reason: a.Error}
}

// RejectedError is the error indicator carried by a failed ack.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "server rejected request: " + e.Reason
}

// Encode wraps an event in an envelope. id is zero for fire-and-forget frames.
func Encode(evt Event, id uint64) ([]byte, error) {
	if v, ok := evt.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	var data any = evt
	switch e := evt.(type) {
	case MessageEvent:
		data = e.Message
	case MessageReadEvent:
		data = e.ReadReceipt
	case AckEvent:
		return json.Marshal(Envelope{Event: Ack, ID: e.ID, Data: e.Data, Error: e.Error})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.Name(), err)
	}
	return json.Marshal(Envelope{Event: evt.Name(), ID: id, Data: raw})
}

// Decode parses a frame into its typed event.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Event {
	case Message:
		var m chat.Message
		if err := unmarshalData(env, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("decode %s: missing id", env.Event)
		}
		return MessageEvent{Message: m}, nil
	case MessageRead:
		var r chat.ReadReceipt
		if err := unmarshalData(env, &r); err != nil {
			return nil, err
		}
		if r.ConversationID == "" || r.ReadBy == "" {
			return nil, fmt.Errorf("decode %s: missing conversationId or readBy", env.Event)
		}
		return MessageReadEvent{ReadReceipt: r}, nil
	case Ack:
		if env.ID == 0 {
			return nil, fmt.Errorf("decode %s: missing id", env.Event)
		}
		return AckEvent{ID: env.ID, Data: env.Data, Error: env.Error}, nil
	case SendMessage:
		var r SendMessageRequest
		if err := unmarshalData(env, &r); err != nil {
			return nil, err
		}
		return r, nil
	case MarkAsRead:
		var r MarkAsReadRequest
		if err := unmarshalData(env, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
}

// DecodeEnvelope returns the raw envelope, used by peers that need the ack id
// of a client request.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}

// AckMessage decodes the persisted message carried by a sendMessage ack.
func AckMessage(a AckEvent) (chat.Message, error) {
	if err := a.Err(); err != nil {
		return chat.Message{}, err
	}
	var m chat.Message
	if err := json.Unmarshal(a.Data, &m); err != nil {
		return chat.Message{}, fmt.Errorf("decode ack message: %w", err)
	}
	if m.ID == "" {
		return chat.Message{}, errors.New("decode ack message: missing id")
	}
	return m, nil
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return nil
}
