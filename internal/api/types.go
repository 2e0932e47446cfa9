package api

import (
	"encoding/json"
	"time"

	"github.com/nexuschat/nexus/internal/chat"
)

type GetSessionStatusRequest struct{}

type GetSessionStatusResponse struct {
	Session       string    `json:"session"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	Since         time.Time `json:"since"`
	UptimeMs      int64     `json:"uptimeMs"`
	User          chat.User `json:"user"`
	Conversations int       `json:"conversations"`
	TotalUnread   int       `json:"totalUnread"`
	FailedSends   int       `json:"failedSends"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User chat.User `json:"user"`
}

type LogoutRequest struct{}

type LogoutResponse struct {
	Message string `json:"message"`
}

type GetSyncStatusRequest struct{}

type GetSyncStatusResponse struct {
	Status     string    `json:"status"`
	Connected  bool      `json:"connected"`
	LastResync time.Time `json:"lastResync,omitzero"`
}

type ResyncRequest struct{}

type ResyncResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

type ListChatsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListChatsResponse struct {
	Conversations []chat.ConversationPreview `json:"conversations"`
	TotalUnread   int                        `json:"totalUnread"`
}

type ListContactsRequest struct{}

type ListContactsResponse struct {
	Contacts []chat.Contact `json:"contacts"`
}

// OpenChatRequest selects a conversation by id, or a peer or group that may
// not have one yet.
type OpenChatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	PeerID         string `json:"peerId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	Title          string `json:"title,omitempty"`
}

type OpenChatResponse struct {
	Target   chat.Target    `json:"target"`
	Messages []chat.Message `json:"messages"`
}

type CloseChatRequest struct{}

type CloseChatResponse struct{}

type ListMessagesRequest struct{}

type ListMessagesResponse struct {
	Target   chat.Target    `json:"target"`
	Phase    string         `json:"phase"`
	Messages []chat.Message `json:"messages"`
}

type SendTextRequest struct {
	Text string `json:"text"`
}

// SendTextResponse carries the settled message. A delivery failure is not a
// call error: Message is then in the failed state and Error says why.
type SendTextResponse struct {
	Message chat.Message `json:"message"`
	Error   string       `json:"error,omitempty"`
}

type RetryMessageRequest struct {
	ClientMsgID string `json:"clientMsgId"`
}

// WatchRequest filters the events of a Watch call by kind prefix. Empty
// selects the service's defaults.
type WatchRequest struct {
	Kinds []string `json:"kinds,omitempty"`
}

// Event is one bus event forwarded to a watcher.
type Event struct {
	ID         string          `json:"id"`
	Session    string          `json:"session"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
