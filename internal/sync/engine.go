// Package sync reconciles server truth with local optimistic state: it owns
// the conversation directory, the open conversation's message stream and
// the selection lifecycle, and routes real-time events into both.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/directory"
	"github.com/nexuschat/nexus/internal/logging"
	"github.com/nexuschat/nexus/internal/metrics"
	"github.com/nexuschat/nexus/internal/protocol"
	"github.com/nexuschat/nexus/internal/rest"
	"github.com/nexuschat/nexus/internal/store"
	"github.com/nexuschat/nexus/internal/stream"
	"github.com/nexuschat/nexus/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Bus event kinds published on state changes.
const (
	KindDirectoryUpdated = "chat.directory_updated"
	KindMessagesUpdated  = "chat.messages_updated"
	KindSelectionChanged = "chat.selection_changed"
)

var (
	// ErrNoSelection is returned by sends when no conversation is open.
	ErrNoSelection = errors.New("no conversation selected")
	// ErrEmptyMessage is returned by sends of blank content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrUnknownConversation is returned when selecting an id the directory
	// does not hold.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrSuperseded is returned by a selection whose history arrived after
	// another selection replaced it. The late response was discarded.
	ErrSuperseded = errors.New("selection superseded")
	// ErrNotFailed is returned when retrying a message that is not failed.
	ErrNotFailed = errors.New("message is not in failed state")
)

// Phase is the selection state of the engine.
type Phase string

const (
	NoSelection         Phase = "no_selection"
	ConversationLoading Phase = "conversation_loading"
	ConversationReady   Phase = "conversation_ready"
)

// Backend is the REST surface the engine reads.
type Backend interface {
	Me(ctx context.Context) (chat.User, error)
	RecentMessages(ctx context.Context) ([]chat.ConversationPreview, error)
	Messages(ctx context.Context, p rest.Page) ([]chat.Message, error)
	Contacts(ctx context.Context) ([]chat.Contact, error)
}

// Transport is the real-time surface the engine subscribes to.
type Transport interface {
	On(name protocol.Name, h transport.Handler) func()
	Notify(evt protocol.Event) error
}

// Sender delivers an outgoing message and returns the server record. Failed
// looks up an earlier send that did not go through.
type Sender interface {
	Send(ctx context.Context, clientMsgID string, target chat.Target, content string) (chat.Message, error)
	Failed(clientMsgID string) (*store.OutboxEntry, error)
}

// Cache persists the directory between runs.
type Cache interface {
	ReplacePreviews(list []chat.ConversationPreview) error
	ListPreviews() ([]chat.ConversationPreview, error)
}

// Options tunes the engine.
type Options struct {
	HistoryPageSize   int
	SynthesizeUnknown bool
}

// Deps are the collaborators of an Engine. Bus, Metrics, Cache and Logger
// may be nil.
type Deps struct {
	Backend   Backend
	Transport Transport
	Sender    Sender
	Cache     Cache
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Boot reports how Start seeded the engine.
type Boot struct {
	User chat.User
	// FromCache is set when the directory fetch failed and the cached
	// directory was loaded instead.
	FromCache    bool
	DirectoryErr error
}

// DirectoryUpdate is the payload of KindDirectoryUpdated.
type DirectoryUpdate struct {
	TotalUnread int
}

// MessagesUpdate is the payload of KindMessagesUpdated.
type MessagesUpdate struct {
	Target chat.Target
}

// SelectionChange is the payload of KindSelectionChanged.
type SelectionChange struct {
	Target chat.Target
	Phase  Phase
}

// Engine is the session orchestrator. All reducer access is serialized by
// mu; network calls are made without holding it.
type Engine struct {
	backend Backend
	conn    Transport
	sender  Sender
	cache   Cache
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	mu     gosync.Mutex
	self   chat.User
	dir    *directory.Directory
	stream *stream.Stream
	phase  Phase
	epoch  uint64
	unsubs []func()
}

// NewEngine creates an engine with empty state.
func NewEngine(d Deps, opts Options) *Engine {
	d.Logger = logging.OrNop(d.Logger)
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	return &Engine{
		backend: d.Backend,
		conn:    d.Transport,
		sender:  d.Sender,
		cache:   d.Cache,
		bus:     d.Bus,
		metrics: d.Metrics,
		logger:  d.Logger,
		opts:    opts,
		dir:     directory.New("", directory.Options{SynthesizeUnknown: opts.SynthesizeUnknown}),
		stream:  stream.New(""),
		phase:   NoSelection,
	}
}

// Start fetches the current user and the directory concurrently, seeds the
// reducers and subscribes to real-time events for the session. A failed
// directory fetch falls back to the cache; a failed user fetch is fatal.
func (e *Engine) Start(ctx context.Context) (Boot, error) {
	var (
		user   chat.User
		list   []chat.ConversationPreview
		dirErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := e.backend.Me(gctx)
		if err != nil {
			return fmt.Errorf("fetch current user: %w", err)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		started := time.Now()
		l, err := e.backend.RecentMessages(gctx)
		e.metrics.ObserveFetch("directory", started)
		if err != nil {
			if rest.IsUnauthorized(err) {
				return fmt.Errorf("fetch directory: %w", err)
			}
			dirErr = err
			return nil
		}
		list = l
		return nil
	})
	if err := g.Wait(); err != nil {
		return Boot{}, err
	}

	boot := Boot{User: user, DirectoryErr: dirErr}
	if dirErr != nil {
		e.logger.Warn("directory fetch failed, using cache", zap.Error(dirErr))
		boot.FromCache = true
		list = e.cachedPreviews()
	}

	e.mu.Lock()
	e.self = user
	e.dir.SetSelf(user.ID)
	e.stream.SetSelf(user.ID)
	e.dir.LoadInitial(list)
	total := e.dir.TotalUnread()
	if e.unsubs == nil {
		e.unsubs = []func(){
			e.conn.On(protocol.Message, e.handleMessage),
			e.conn.On(protocol.MessageRead, e.handleMessageRead),
		}
	}
	e.mu.Unlock()

	if !boot.FromCache {
		e.persist(list)
	}
	e.publishDirectory(total)
	e.logger.Info("engine started",
		zap.String("user_id", user.ID),
		zap.Int("conversations", len(list)),
		zap.Bool("from_cache", boot.FromCache))
	return boot, nil
}

// Stop unsubscribes from real-time events, saves the directory and clears
// all state. The engine can be started again.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	list := e.dir.Previews()
	started := e.self.ID != ""
	e.epoch++
	e.self = chat.User{}
	e.dir = directory.New("", directory.Options{SynthesizeUnknown: e.opts.SynthesizeUnknown})
	e.stream = stream.New("")
	e.phase = NoSelection
	e.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	if started {
		e.persist(list)
	}
}

// Self returns the authenticated user.
func (e *Engine) Self() chat.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Previews returns a snapshot of the directory.
func (e *Engine) Previews() []chat.ConversationPreview {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.Previews()
}

// TotalUnread sums the directory's unread counts.
func (e *Engine) TotalUnread() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir.TotalUnread()
}

// Active returns the open conversation and the selection phase.
func (e *Engine) Active() (chat.Target, Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream.Target(), e.phase
}

// Messages returns a snapshot of the open conversation's messages.
func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream.Messages()
}

// Contacts lists the user's contacts, used to open a conversation with
// someone not yet in the directory.
func (e *Engine) Contacts(ctx context.Context) ([]chat.Contact, error) {
	return e.backend.Contacts(ctx)
}

// SelectConversation opens target: the stream is reset, history is fetched
// and loaded, and for private conversations with a known id a read receipt
// is emitted and the unread count cleared. A target carrying only a
// conversation id is completed from the directory.
func (e *Engine) SelectConversation(ctx context.Context, target chat.Target) (chat.Target, error) {
	e.mu.Lock()
	resolved, err := e.resolveLocked(target)
	if err != nil {
		e.mu.Unlock()
		return chat.Target{}, err
	}
	e.epoch++
	epoch := e.epoch
	e.stream.Reset(resolved)
	e.phase = ConversationLoading
	e.mu.Unlock()

	e.publishSelection(resolved, ConversationLoading)
	e.logger.Debug("conversation selected",
		zap.String("conversation_id", resolved.ConversationID),
		zap.String("peer_id", resolved.PeerID),
		zap.String("group_id", resolved.GroupID))

	return e.load(ctx, resolved, epoch, "history")
}

// Deselect closes the open conversation from any phase.
func (e *Engine) Deselect() {
	e.mu.Lock()
	e.epoch++
	e.stream.Reset(chat.Target{})
	e.phase = NoSelection
	e.mu.Unlock()

	e.publishSelection(chat.Target{}, NoSelection)
}

// load fetches one page of history for target and applies it unless the
// selection moved on. The stream must already be loading.
func (e *Engine) load(ctx context.Context, target chat.Target, epoch uint64, fetch string) (chat.Target, error) {
	page := rest.Page{Limit: e.opts.HistoryPageSize}
	if target.IsGroup() {
		page.GroupID = target.GroupID
	} else {
		page.RecipientID = target.PeerID
	}
	started := time.Now()
	msgs, fetchErr := e.backend.Messages(ctx, page)
	e.metrics.ObserveFetch(fetch, started)

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		e.metrics.StaleFetch(fetch)
		e.logger.Debug("discarded stale history", zap.String("peer_id", target.PeerID), zap.String("group_id", target.GroupID))
		return chat.Target{}, ErrSuperseded
	}
	if fetchErr != nil {
		e.stream.AbortLoad()
		e.phase = ConversationReady
		e.mu.Unlock()
		e.logger.Warn("history fetch failed", zap.Error(fetchErr), zap.String("conversation_id", target.ConversationID))
		e.publishSelection(target, ConversationReady)
		e.publishMessages(target)
		return target, fmt.Errorf("load history: %w", fetchErr)
	}

	e.stream.LoadInitial(msgs)
	if target.ConversationID == "" {
		for _, m := range msgs {
			if m.ConversationID != "" {
				target.ConversationID = m.ConversationID
				e.stream.SetTarget(target)
				break
			}
		}
	}
	e.phase = ConversationReady
	markRead := !target.IsGroup() && target.ConversationID != ""
	var total int
	if markRead {
		e.dir.ClearUnread(target.ConversationID)
		total = e.dir.TotalUnread()
	}
	e.mu.Unlock()

	if markRead {
		if err := e.conn.Notify(protocol.MarkAsReadRequest{ConversationID: target.ConversationID}); err != nil {
			e.logger.Warn("read receipt not sent", zap.Error(err), zap.String("conversation_id", target.ConversationID))
		}
		e.publishDirectory(total)
	}
	e.publishSelection(target, ConversationReady)
	e.publishMessages(target)
	return target, nil
}

// SendMessage appends an optimistic entry, delivers it and settles the entry
// in place with the server record or the failed state. The returned message
// is the settled entry.
func (e *Engine) SendMessage(ctx context.Context, content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	e.mu.Lock()
	if e.phase == NoSelection {
		e.mu.Unlock()
		return chat.Message{}, ErrNoSelection
	}
	target := e.stream.Target()
	pending := e.stream.AppendPending(content)
	e.mu.Unlock()

	e.publishMessages(target)
	return e.deliver(ctx, pending, target)
}

// RetryMessage resends a failed entry of the open conversation in place. A
// failed send no longer in the list, because the conversation was reloaded
// since, is restored from the outbox when it belongs to the open
// conversation.
func (e *Engine) RetryMessage(ctx context.Context, tempID string) (chat.Message, error) {
	e.mu.Lock()
	m, ok := e.stream.MarkPending(tempID)
	target := e.stream.Target()
	e.mu.Unlock()

	if !ok {
		var err error
		if m, err = e.restoreFailed(tempID, target); err != nil {
			return chat.Message{}, fmt.Errorf("retry %s: %w", tempID, err)
		}
	}

	e.publishMessages(target)
	return e.deliver(ctx, m, target)
}

func (e *Engine) restoreFailed(tempID string, target chat.Target) (chat.Message, error) {
	entry, err := e.sender.Failed(tempID)
	if err != nil {
		e.logger.Debug("no failed send to restore", zap.String("client_msg_id", tempID), zap.Error(err))
		return chat.Message{}, ErrNotFailed
	}
	if target.IsZero() || entry.RecipientID != target.PeerID || entry.GroupID != target.GroupID {
		return chat.Message{}, ErrNotFailed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	m := chat.Message{
		ID:             tempID,
		Content:        entry.Body,
		SenderID:       e.self.ID,
		RecipientID:    entry.RecipientID,
		GroupID:        entry.GroupID,
		ConversationID: target.ConversationID,
		CreatedAt:      time.UnixMilli(entry.CreatedAt),
	}
	if !sameConversation(e.stream.Target(), target) || !e.stream.RestorePending(m) {
		return chat.Message{}, ErrSuperseded
	}
	m.DeliveryState = chat.Pending
	return m, nil
}

func (e *Engine) deliver(ctx context.Context, pending chat.Message, target chat.Target) (chat.Message, error) {
	confirmed, err := e.sender.Send(ctx, pending.ID, target, pending.Content)

	e.mu.Lock()
	if err != nil {
		e.stream.FailSend(pending.ID)
		e.mu.Unlock()
		e.publishMessages(target)
		pending.DeliveryState = chat.Failed
		return pending, err
	}

	e.stream.ConfirmSend(pending.ID, confirmed)
	sent := target
	if sent.ConversationID == "" && confirmed.ConversationID != "" {
		sent.ConversationID = confirmed.ConversationID
		if cur := e.stream.Target(); sameConversation(cur, target) {
			e.stream.SetTarget(sent)
		}
	}
	e.dir.ApplySent(sent, confirmed)
	total := e.dir.TotalUnread()
	e.mu.Unlock()

	e.publishMessages(sent)
	e.publishDirectory(total)
	confirmed.DeliveryState = chat.Sent
	return confirmed, nil
}

// Resync refetches the directory and reloads the open conversation without
// clearing it. Used after the connection comes back, when events may have
// been missed.
func (e *Engine) Resync(ctx context.Context) error {
	started := time.Now()
	list, err := e.backend.RecentMessages(ctx)
	e.metrics.ObserveFetch("directory", started)
	if err != nil {
		return fmt.Errorf("resync directory: %w", err)
	}

	e.mu.Lock()
	e.dir.LoadInitial(list)
	total := e.dir.TotalUnread()
	target, phase := e.stream.Target(), e.phase
	var epoch uint64
	if phase != NoSelection {
		e.epoch++
		epoch = e.epoch
		e.stream.BeginReload()
		e.phase = ConversationLoading
	}
	e.mu.Unlock()

	e.persist(list)
	e.publishDirectory(total)
	if phase == NoSelection {
		return nil
	}
	if _, err := e.load(ctx, target, epoch, "resync_history"); err != nil && !errors.Is(err, ErrSuperseded) {
		return err
	}
	return nil
}

func (e *Engine) handleMessage(evt protocol.Event) {
	me, ok := evt.(protocol.MessageEvent)
	if !ok {
		return
	}
	e.metrics.EventReceived(string(protocol.Message))
	m := me.Message

	e.mu.Lock()
	dirChanged := e.dir.ApplyIncomingMessage(m)
	streamChanged := e.stream.ApplyIncoming(m)
	target := e.stream.Target()
	total := e.dir.TotalUnread()
	e.mu.Unlock()

	if !dirChanged {
		e.logger.Debug("message for unknown conversation dropped",
			zap.String("msg_id", m.ID), zap.String("conversation_id", m.ConversationID))
	}
	if dirChanged {
		e.publishDirectory(total)
	}
	if streamChanged {
		e.publishMessages(target)
	}
}

func (e *Engine) handleMessageRead(evt protocol.Event) {
	re, ok := evt.(protocol.MessageReadEvent)
	if !ok {
		return
	}
	e.metrics.EventReceived(string(protocol.MessageRead))
	r := re.ReadReceipt

	e.mu.Lock()
	dirChanged := e.dir.ApplyReadReceipt(r.ConversationID, r.ReadBy)
	target := e.stream.Target()
	streamChanged := false
	if target.ConversationID != "" && target.ConversationID == r.ConversationID && r.ReadBy != e.self.ID && !target.IsGroup() {
		e.stream.MarkAllRead()
		streamChanged = true
	}
	total := e.dir.TotalUnread()
	e.mu.Unlock()

	if dirChanged {
		e.publishDirectory(total)
	}
	if streamChanged {
		e.publishMessages(target)
	}
}

// resolveLocked completes a target from the directory.
func (e *Engine) resolveLocked(t chat.Target) (chat.Target, error) {
	if t.IsZero() {
		return chat.Target{}, ErrUnknownConversation
	}
	if t.PeerID == "" && t.GroupID == "" {
		p, ok := e.dir.Find(t.ConversationID)
		if !ok {
			return chat.Target{}, fmt.Errorf("%w %q", ErrUnknownConversation, t.ConversationID)
		}
		return chat.TargetFor(p, e.self.ID), nil
	}
	if t.ConversationID != "" {
		return t, nil
	}
	// A peer or group without an id may already have a conversation.
	for _, p := range e.dir.Previews() {
		known := chat.TargetFor(p, e.self.ID)
		if sameConversation(known, t) {
			if t.Title == "" {
				t.Title = known.Title
			}
			t.ConversationID = known.ConversationID
			break
		}
	}
	return t, nil
}

func (e *Engine) cachedPreviews() []chat.ConversationPreview {
	if e.cache == nil {
		return nil
	}
	list, err := e.cache.ListPreviews()
	if err != nil {
		e.logger.Error("read directory cache", zap.Error(err))
		return nil
	}
	return list
}

func (e *Engine) persist(list []chat.ConversationPreview) {
	if e.cache == nil {
		return
	}
	if err := e.cache.ReplacePreviews(list); err != nil {
		e.logger.Error("write directory cache", zap.Error(err))
	}
}

func (e *Engine) publishDirectory(total int) {
	e.metrics.SetUnread(total)
	if e.bus != nil {
		e.bus.Emit(KindDirectoryUpdated, DirectoryUpdate{TotalUnread: total})
	}
}

func (e *Engine) publishMessages(t chat.Target) {
	if e.bus != nil {
		e.bus.Emit(KindMessagesUpdated, MessagesUpdate{Target: t})
	}
}

func (e *Engine) publishSelection(t chat.Target, p Phase) {
	if e.bus != nil {
		e.bus.Emit(KindSelectionChanged, SelectionChange{Target: t, Phase: p})
	}
}

// sameConversation compares targets by peer or group.
func sameConversation(a, b chat.Target) bool {
	if a.IsGroup() || b.IsGroup() {
		return a.GroupID == b.GroupID
	}
	return a.PeerID != "" && a.PeerID == b.PeerID
}
