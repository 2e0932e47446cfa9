// Package directory keeps the sidebar list of conversation previews ordered
// by most recent activity.
package directory

import (
	"time"

	"github.com/nexuschat/nexus/internal/chat"
)

// Options tunes how the directory treats events for unknown conversations.
type Options struct {
	// SynthesizeUnknown creates a minimal preview at the front when a
	// message references a conversation that is not in the list. When false
	// such events are dropped.
	SynthesizeUnknown bool
}

// Directory is the ordered preview list. Not safe for concurrent use.
type Directory struct {
	selfID   string
	opts     Options
	previews []chat.ConversationPreview
	now      func() time.Time
}

// New creates an empty directory for the user selfID.
func New(selfID string, opts Options) *Directory {
	return &Directory{selfID: selfID, opts: opts, now: time.Now}
}

// SetSelf updates the current user id.
func (d *Directory) SetSelf(selfID string) {
	d.selfID = selfID
}

// LoadInitial replaces the list wholesale. Duplicate ids keep the first
// (most recent) entry.
func (d *Directory) LoadInitial(list []chat.ConversationPreview) {
	d.previews = make([]chat.ConversationPreview, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, p := range list {
		if p.ID == "" || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		d.previews = append(d.previews, p.Clone())
	}
}

// ApplyIncomingMessage updates the preview the message belongs to and moves
// it to the front. Unread count grows only for messages from other users.
// It reports whether the directory changed.
func (d *Directory) ApplyIncomingMessage(m chat.Message) bool {
	i := d.locate(m.ConversationID, m.GroupID)
	if i < 0 {
		if !d.opts.SynthesizeUnknown || (m.ConversationID == "" && m.GroupID == "") {
			return false
		}
		d.previews = append([]chat.ConversationPreview{d.synthesize(m)}, d.previews...)
		i = 0
	}

	p := &d.previews[i]
	p.LastMessage = m.Summary()
	if m.SenderID != d.selfID {
		p.UnreadCount++
	}
	d.moveToFront(i)
	return true
}

// ApplyReadReceipt applies a messageRead event. A peer reading my last
// message flips its read flag; me reading (from any device) clears unread.
func (d *Directory) ApplyReadReceipt(conversationID, readerID string) bool {
	i := d.locate(conversationID, "")
	if i < 0 {
		return false
	}
	p := &d.previews[i]
	if readerID == d.selfID {
		if p.UnreadCount == 0 {
			return false
		}
		p.UnreadCount = 0
		return true
	}
	if p.LastMessage != nil && p.LastMessage.SenderID == d.selfID && !p.LastMessage.IsRead {
		p.LastMessage.IsRead = true
		return true
	}
	return false
}

// ApplySentMessage records a message I just sent to target so the sidebar
// updates without waiting for the broadcast.
func (d *Directory) ApplySentMessage(target chat.Target, content, serverID string) bool {
	return d.ApplySent(target, chat.Message{
		ID:             serverID,
		Content:        content,
		SenderID:       d.selfID,
		RecipientID:    target.PeerID,
		GroupID:        target.GroupID,
		ConversationID: target.ConversationID,
		CreatedAt:      d.now(),
	})
}

// ApplySent is ApplySentMessage with the full server record.
func (d *Directory) ApplySent(target chat.Target, m chat.Message) bool {
	convID := target.ConversationID
	if convID == "" {
		convID = m.ConversationID
	}
	i := d.locate(convID, target.GroupID)
	if i < 0 {
		if !d.opts.SynthesizeUnknown || (convID == "" && target.GroupID == "") {
			return false
		}
		m.ConversationID = convID
		p := d.synthesize(m)
		if target.Title != "" {
			if p.Type == chat.Group {
				p.Group.Name = target.Title
			} else if p.Recipient != nil {
				p.Recipient.Name = target.Title
			}
		}
		d.previews = append([]chat.ConversationPreview{p}, d.previews...)
		i = 0
	}
	d.previews[i].LastMessage = m.Summary()
	d.moveToFront(i)
	return true
}

// ClearUnread zeroes the unread count of a conversation the user opened.
func (d *Directory) ClearUnread(conversationID string) bool {
	i := d.locate(conversationID, "")
	if i < 0 || d.previews[i].UnreadCount == 0 {
		return false
	}
	d.previews[i].UnreadCount = 0
	return true
}

// Find returns the preview with id.
func (d *Directory) Find(id string) (chat.ConversationPreview, bool) {
	i := d.locate(id, "")
	if i < 0 {
		return chat.ConversationPreview{}, false
	}
	return d.previews[i].Clone(), true
}

// Previews returns a deep copy of the ordered list.
func (d *Directory) Previews() []chat.ConversationPreview {
	out := make([]chat.ConversationPreview, len(d.previews))
	for i, p := range d.previews {
		out[i] = p.Clone()
	}
	return out
}

// TotalUnread sums unread counts across conversations.
func (d *Directory) TotalUnread() int {
	n := 0
	for _, p := range d.previews {
		n += p.UnreadCount
	}
	return n
}

// locate finds a preview by conversation id, falling back to the group id.
func (d *Directory) locate(conversationID, groupID string) int {
	if conversationID != "" {
		for i, p := range d.previews {
			if p.ID == conversationID {
				return i
			}
		}
	}
	if groupID != "" {
		for i, p := range d.previews {
			if p.ID == groupID || (p.Group != nil && p.Group.ID == groupID) {
				return i
			}
		}
	}
	return -1
}

func (d *Directory) moveToFront(i int) {
	if i == 0 {
		return
	}
	p := d.previews[i]
	copy(d.previews[1:i+1], d.previews[:i])
	d.previews[0] = p
}

func (d *Directory) synthesize(m chat.Message) chat.ConversationPreview {
	if m.GroupID != "" {
		id := m.ConversationID
		if id == "" {
			id = m.GroupID
		}
		return chat.ConversationPreview{
			ID:    id,
			Type:  chat.Group,
			Group: &chat.Participant{ID: m.GroupID},
		}
	}
	p := chat.ConversationPreview{
		ID:      m.ConversationID,
		Type:    chat.Private,
		Creator: &chat.Participant{ID: m.SenderID},
	}
	recipient := m.RecipientID
	if recipient == "" && m.SenderID != d.selfID {
		recipient = d.selfID
	}
	p.Recipient = &chat.Participant{ID: recipient}
	return p
}
