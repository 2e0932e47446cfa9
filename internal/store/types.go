package store

// Credentials is the persisted login of the session. There is at most one row.
type Credentials struct {
	Token     string
	UserID    string
	Username  string
	Name      string
	Email     string
	ExpiresAt int64 // unix seconds, 0 when unknown
}

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is an outgoing message and its delivery progress.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	RecipientID    string
	GroupID        string
	Body           string
	Status         string
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      int64
}
