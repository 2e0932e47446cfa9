// Package stream holds the message list of the currently open conversation.
//
// A Stream is a plain state container: it is not safe for concurrent use and
// is mutated only through its methods by the sync engine.
package stream

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexuschat/nexus/internal/chat"
)

// TempIDPrefix marks ids generated locally for optimistic sends.
const TempIDPrefix = "tmp-"

// Stream is the ordered, de-duplicated message list of one conversation.
type Stream struct {
	selfID string
	target chat.Target
	msgs   []chat.Message
	index  map[string]int

	loading     bool
	buffered    []chat.Message
	readPending bool
	// settled holds ids of local sends confirmed or failed while loading.
	settled map[string]bool

	now func() time.Time
}

// New creates an empty stream for the user selfID.
func New(selfID string) *Stream {
	return &Stream{
		selfID: selfID,
		index:  make(map[string]int),
		now:    time.Now,
	}
}

// SetSelf updates the current user id.
func (s *Stream) SetSelf(selfID string) {
	s.selfID = selfID
}

// Target returns the conversation the stream currently belongs to.
func (s *Stream) Target() chat.Target {
	return s.target
}

// SetTarget records a server-assigned conversation id without clearing.
func (s *Stream) SetTarget(t chat.Target) {
	s.target = t
}

// Reset clears the list and scopes the stream to target. Until LoadInitial
// or AbortLoad is called, incoming messages are buffered so REST history is
// always applied first.
func (s *Stream) Reset(target chat.Target) {
	s.target = target
	s.msgs = nil
	s.index = make(map[string]int)
	s.loading = !target.IsZero()
	s.buffered = nil
	s.readPending = false
	s.settled = nil
}

// Loading reports whether the stream awaits its initial page.
func (s *Stream) Loading() bool {
	return s.loading
}

// BeginReload starts a reload of the current conversation without clearing
// the list. Incoming messages are buffered until LoadInitial or AbortLoad.
func (s *Stream) BeginReload() {
	if s.target.IsZero() {
		return
	}
	s.loading = true
}

// LoadInitial replaces the list with msgs, ascending by time, then replays
// anything buffered since Reset. Local sends that are unsettled, or were
// settled during the load, are kept after the history unless the page
// already holds them.
func (s *Stream) LoadInitial(msgs []chat.Message) {
	local := s.msgs
	s.msgs = make([]chat.Message, 0, len(msgs)+len(local))
	s.index = make(map[string]int, len(msgs)+len(local))
	for _, m := range msgs {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		if m.DeliveryState == "" {
			m.DeliveryState = chat.Sent
		}
		s.index[m.ID] = len(s.msgs)
		s.msgs = append(s.msgs, m)
	}
	for _, m := range local {
		if !s.keepLocal(m) {
			continue
		}
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.index[m.ID] = len(s.msgs)
		s.msgs = append(s.msgs, m)
	}
	s.finishLoad()
}

// AbortLoad ends the loading phase without history, used when the REST load
// fails. The list stays as it was after Reset.
func (s *Stream) AbortLoad() {
	s.finishLoad()
}

func (s *Stream) keepLocal(m chat.Message) bool {
	return strings.HasPrefix(m.ID, TempIDPrefix) || m.DeliveryState != chat.Sent || s.settled[m.ID]
}

func (s *Stream) settle(id string) {
	if !s.loading {
		return
	}
	if s.settled == nil {
		s.settled = make(map[string]bool)
	}
	s.settled[id] = true
}

func (s *Stream) finishLoad() {
	s.loading = false
	s.settled = nil
	buffered := s.buffered
	s.buffered = nil
	for _, m := range buffered {
		s.ApplyIncoming(m)
	}
	if s.readPending {
		s.readPending = false
		s.MarkAllRead()
	}
}

// Belongs reports whether m is part of the stream's conversation.
func (s *Stream) Belongs(m chat.Message) bool {
	t := s.target
	if t.IsZero() {
		return false
	}
	if t.ConversationID != "" && m.ConversationID != "" {
		return t.ConversationID == m.ConversationID
	}
	if t.IsGroup() {
		return m.GroupID == t.GroupID
	}
	if m.GroupID != "" {
		return false
	}
	if m.SenderID == t.PeerID {
		return true
	}
	return m.SenderID == s.selfID && m.RecipientID == t.PeerID
}

// ApplyIncoming appends m if it belongs to the conversation and its id is not
// already present. It reports whether the list changed.
func (s *Stream) ApplyIncoming(m chat.Message) bool {
	if !s.Belongs(m) {
		return false
	}
	if s.loading {
		s.buffered = append(s.buffered, m)
		return false
	}
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	if m.DeliveryState == "" {
		m.DeliveryState = chat.Sent
	}
	s.index[m.ID] = len(s.msgs)
	s.msgs = append(s.msgs, m)
	return true
}

// AppendPending synthesizes and appends the local echo of an outgoing
// message. The returned message carries the temporary id used to settle it.
func (s *Stream) AppendPending(content string) chat.Message {
	m := chat.Message{
		ID:             TempIDPrefix + uuid.NewString(),
		Content:        content,
		SenderID:       s.selfID,
		RecipientID:    s.target.PeerID,
		GroupID:        s.target.GroupID,
		ConversationID: s.target.ConversationID,
		CreatedAt:      s.now(),
		DeliveryState:  chat.Pending,
	}
	s.index[m.ID] = len(s.msgs)
	s.msgs = append(s.msgs, m)
	return m
}

// RestorePending appends m as a pending entry, keeping its id. It is used to
// bring back a failed send that was dropped by a reload. It reports false
// when the id is already present.
func (s *Stream) RestorePending(m chat.Message) bool {
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	m.DeliveryState = chat.Pending
	s.index[m.ID] = len(s.msgs)
	s.msgs = append(s.msgs, m)
	return true
}

// ConfirmSend replaces the pending entry tempID with the server record in
// the same position. If the server record already arrived as a broadcast,
// the temporary entry is dropped so exactly one entry remains.
func (s *Stream) ConfirmSend(tempID string, confirmed chat.Message) bool {
	i, ok := s.index[tempID]
	if !ok {
		return false
	}
	confirmed.DeliveryState = chat.Sent
	s.settle(confirmed.ID)
	if j, exists := s.index[confirmed.ID]; exists && j != i {
		s.msgs[j] = confirmed
		s.removeAt(i)
		return true
	}
	delete(s.index, tempID)
	s.msgs[i] = confirmed
	s.index[confirmed.ID] = i
	return true
}

// FailSend marks the pending entry tempID as failed in place.
func (s *Stream) FailSend(tempID string) bool {
	i, ok := s.index[tempID]
	if !ok {
		return false
	}
	s.msgs[i].DeliveryState = chat.Failed
	s.settle(tempID)
	return true
}

// MarkPending moves a failed entry back to pending for a retry.
func (s *Stream) MarkPending(tempID string) (chat.Message, bool) {
	i, ok := s.index[tempID]
	if !ok || s.msgs[i].DeliveryState != chat.Failed {
		return chat.Message{}, false
	}
	s.msgs[i].DeliveryState = chat.Pending
	return s.msgs[i], true
}

// MarkAllRead sets IsRead on every message. During loading the mark is
// deferred until history is in place.
func (s *Stream) MarkAllRead() {
	if s.loading {
		s.readPending = true
		return
	}
	for i := range s.msgs {
		s.msgs[i].IsRead = true
	}
}

// Get returns the message with id.
func (s *Stream) Get(id string) (chat.Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return chat.Message{}, false
	}
	return s.msgs[i], true
}

// Messages returns a copy of the list.
func (s *Stream) Messages() []chat.Message {
	return append([]chat.Message(nil), s.msgs...)
}

// Len returns the number of messages.
func (s *Stream) Len() int {
	return len(s.msgs)
}

func (s *Stream) removeAt(i int) {
	delete(s.index, s.msgs[i].ID)
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	for k := i; k < len(s.msgs); k++ {
		s.index[s.msgs[k].ID] = k
	}
}
