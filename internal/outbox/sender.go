package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/metrics"
	"github.com/nexuschat/nexus/internal/protocol"
	"github.com/nexuschat/nexus/internal/store"
	"go.uber.org/zap"
)

// Bus event kinds published for every settled send.
const (
	KindSendAck    = "chat.send_ack"
	KindSendFailed = "chat.send_failed"
)

const defaultAckTimeout = 10 * time.Second

// ErrAlreadySent is returned when a client message id was already delivered.
var ErrAlreadySent = errors.New("outbox: message already sent")

// Emitter sends an event and waits for its ack.
type Emitter interface {
	Emit(ctx context.Context, evt protocol.Event) (protocol.AckEvent, error)
}

// SendAck is the payload of KindSendAck.
type SendAck struct {
	ClientMsgID string
	Message     chat.Message
}

// SendFailure is the payload of KindSendFailed.
type SendFailure struct {
	ClientMsgID string
	Error       string
}

// Sender delivers outgoing messages over the real-time connection and
// records each attempt in the outbox table.
type Sender struct {
	db         *store.DB
	emitter    Emitter
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
	ackTimeout time.Duration
}

// NewSender creates a new outbox sender. A zero ackTimeout takes the default.
func NewSender(db *store.DB, emitter Emitter, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, ackTimeout time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Sender{
		db:         db,
		emitter:    emitter,
		bus:        b,
		metrics:    m,
		logger:     logger,
		ackTimeout: ackTimeout,
	}
}

// Recover fails entries a previous daemon left unsettled. Nothing is resent
// automatically; the user retries explicitly.
func (s *Sender) Recover() error {
	n, err := s.db.FailInterrupted()
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		s.logger.Warn("failed interrupted sends", zap.Int64("count", n))
	}
	return nil
}

// Send delivers content to target and returns the server's record of the
// message. clientMsgID identifies the attempt; sending a failed id again is
// a retry of the same row.
func (s *Sender) Send(ctx context.Context, clientMsgID string, target chat.Target, content string) (chat.Message, error) {
	req := protocol.SendMessageRequest{Content: content}
	if target.IsGroup() {
		req.GroupID = target.GroupID
	} else {
		req.RecipientID = target.PeerID
	}
	if err := req.Validate(); err != nil {
		return chat.Message{}, err
	}

	existing, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("read outbox: %w", err)
	}
	switch {
	case existing == nil:
		if err := s.db.QueueOutbox(&store.OutboxEntry{
			ClientMsgID:    clientMsgID,
			ConversationID: target.ConversationID,
			RecipientID:    req.RecipientID,
			GroupID:        req.GroupID,
			Body:           content,
		}); err != nil {
			return chat.Message{}, fmt.Errorf("queue outbox: %w", err)
		}
	case existing.Status == store.OutboxSent:
		return chat.Message{}, ErrAlreadySent
	}

	if err := s.db.MarkOutboxSending(clientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()
	ack, err := s.emitter.Emit(ctx, req)
	var msg chat.Message
	if err == nil {
		msg, err = protocol.AckMessage(ack)
	}
	if err != nil {
		s.fail(clientMsgID, err)
		return chat.Message{}, err
	}
	if msg.DeliveryState == "" {
		msg.DeliveryState = chat.Sent
	}

	if err := s.db.MarkOutboxSent(clientMsgID, msg.ID, msg.ConversationID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	}
	s.metrics.Send(metrics.SendSent, time.Since(started))
	s.logger.Info("message sent", zap.String("client_msg_id", clientMsgID), zap.String("server_msg_id", msg.ID))
	if s.bus != nil {
		s.bus.Emit(KindSendAck, SendAck{ClientMsgID: clientMsgID, Message: msg})
	}
	return msg, nil
}

// Failed returns the failed entry for clientMsgID so it can be retried.
func (s *Sender) Failed(clientMsgID string) (*store.OutboxEntry, error) {
	e, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	if e == nil {
		return nil, fmt.Errorf("outbox: no message %q", clientMsgID)
	}
	if e.Status != store.OutboxFailed {
		return nil, fmt.Errorf("outbox: message %q is %s, not failed", clientMsgID, e.Status)
	}
	return e, nil
}

func (s *Sender) fail(clientMsgID string, err error) {
	result := metrics.SendFailed
	var rejected *protocol.RejectedError
	if errors.As(err, &rejected) {
		result = metrics.SendRejected
	}
	s.metrics.Send(result, 0)
	s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", clientMsgID))
	if dbErr := s.db.MarkOutboxFailed(clientMsgID, err.Error()); dbErr != nil {
		s.logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("client_msg_id", clientMsgID))
	}
	if s.bus != nil {
		s.bus.Emit(KindSendFailed, SendFailure{ClientMsgID: clientMsgID, Error: err.Error()})
	}
}
