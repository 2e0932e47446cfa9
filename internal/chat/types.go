package chat

import "time"

// DeliveryState tracks an outgoing message through the optimistic send path.
type DeliveryState string

const (
	Pending DeliveryState = "pending"
	Sent    DeliveryState = "sent"
	Failed  DeliveryState = "failed"
)

// ConversationType distinguishes one-to-one threads from group threads.
type ConversationType string

const (
	Private ConversationType = "private"
	Group   ConversationType = "group"
)

// Message is a single chat message. ID may be a temporary client id until
// the server acknowledges the send.
type Message struct {
	ID             string        `json:"id"`
	Content        string        `json:"content"`
	SenderID       string        `json:"senderId"`
	RecipientID    string        `json:"recipientId,omitempty"`
	GroupID        string        `json:"groupId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	IsRead         bool          `json:"isRead"`
	DeliveryState  DeliveryState `json:"deliveryState,omitempty"`
}

// Summary returns the preview form of the message.
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:        m.ID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		SenderID:  m.SenderID,
		IsRead:    m.IsRead,
	}
}

// MessageSummary is the last-message excerpt shown in a conversation preview.
type MessageSummary struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  string    `json:"senderId"`
	IsRead    bool      `json:"isRead"`
}

// Participant is the display identity of a user or group.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ConversationPreview is one sidebar row.
type ConversationPreview struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	Creator     *Participant     `json:"creator,omitempty"`
	Recipient   *Participant     `json:"recipient,omitempty"`
	Group       *Participant     `json:"group,omitempty"`
	LastMessage *MessageSummary  `json:"lastMessage"`
	UnreadCount int              `json:"unreadCount"`
}

// Clone returns a deep copy so snapshots never alias reducer state.
func (p ConversationPreview) Clone() ConversationPreview {
	out := p
	if p.Creator != nil {
		c := *p.Creator
		out.Creator = &c
	}
	if p.Recipient != nil {
		r := *p.Recipient
		out.Recipient = &r
	}
	if p.Group != nil {
		g := *p.Group
		out.Group = &g
	}
	if p.LastMessage != nil {
		lm := *p.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// Peer returns the participant of a private conversation that is not self.
func (p ConversationPreview) Peer(selfID string) *Participant {
	if p.Creator != nil && p.Creator.ID != selfID {
		return p.Creator
	}
	if p.Recipient != nil && p.Recipient.ID != selfID {
		return p.Recipient
	}
	return nil
}

// Target identifies the currently open conversation. ConversationID is empty
// until the server assigns one (first message to a new contact).
type Target struct {
	ConversationID string `json:"conversationId,omitempty"`
	PeerID         string `json:"peerId,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	Title          string `json:"title,omitempty"`
}

// IsGroup reports whether the target is a group conversation.
func (t Target) IsGroup() bool {
	return t.GroupID != ""
}

// IsZero reports whether no conversation is identified.
func (t Target) IsZero() bool {
	return t.ConversationID == "" && t.PeerID == "" && t.GroupID == ""
}

// TargetFor builds the Target that opens the given preview.
func TargetFor(p ConversationPreview, selfID string) Target {
	t := Target{ConversationID: p.ID}
	if p.Type == Group {
		if p.Group != nil {
			t.GroupID = p.Group.ID
			t.Title = p.Group.Name
		}
		if t.GroupID == "" {
			t.GroupID = p.ID
		}
		return t
	}
	if peer := p.Peer(selfID); peer != nil {
		t.PeerID = peer.ID
		t.Title = peer.Name
	}
	return t
}

// ReadReceipt is the payload of a messageRead event.
type ReadReceipt struct {
	ConversationID    string `json:"conversationId"`
	ReadBy            string `json:"readBy"`
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
}

// User is the authenticated account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Contact is an entry of the user's address book.
type Contact struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}
