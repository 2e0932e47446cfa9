package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexuschat/nexus/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNotConnected is returned by Emit and Notify when no connection is live.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrDisconnected fails acks that were pending when the connection dropped.
	ErrDisconnected = errors.New("transport: connection lost before ack")
	// ErrAckTimeout is returned when the ack does not arrive before the deadline.
	ErrAckTimeout = errors.New("transport: ack timeout")
	// ErrUnauthorized is returned when the server refuses the bearer token.
	ErrUnauthorized = errors.New("transport: unauthorized")
)

// State is the connection state reported to OnStateChange callbacks.
type State string

const (
	Connected    State = "connected"
	Disconnected State = "disconnected"
	Reconnecting State = "reconnecting"
	Unauthorized State = "unauthorized"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second

	maxMessageSize = 512 * 1024
)

// Handler receives decoded server events on the read goroutine.
type Handler func(protocol.Event)

// Options configures a Conn. Zero durations take defaults.
type Options struct {
	URL        string
	Dialer     *websocket.Dialer
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type handlerEntry struct {
	id int
	fn Handler
}

type ackResult struct {
	ack protocol.AckEvent
	err error
}

// Conn is the single real-time connection of an authenticated session.
type Conn struct {
	opts   Options
	logger *zap.Logger

	connectMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	token     string
	gen       uint64
	closed    bool
	reconnect context.CancelFunc
	pending   map[uint64]chan ackResult

	writeMu sync.Mutex
	nextAck atomic.Uint64

	hmu         sync.RWMutex
	handlers    map[protocol.Name][]handlerEntry
	stateFns    []handlerState
	nextHandler int
}

type handlerState struct {
	id int
	fn func(State)
}

// New creates an unconnected Conn.
func New(opts Options, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	return &Conn{
		opts:     opts,
		logger:   logger,
		pending:  make(map[uint64]chan ackResult),
		handlers: make(map[protocol.Name][]handlerEntry),
	}
}

// Connect opens the connection for token. Calling it again with the same
// token while connected or reconnecting is a no-op; a different token
// replaces the current connection.
func (c *Conn) Connect(ctx context.Context, token string) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.token == token && !c.closed && (c.ws != nil || c.reconnect != nil) {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.stopLocked(ErrDisconnected)
	c.token = token
	c.mu.Unlock()

	ws, err := c.dial(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.emitState(Unauthorized)
		}
		return err
	}
	c.install(ws)
	return nil
}

// Connected reports whether a live connection exists.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Close tears the connection down and stops reconnecting. Pending acks fail
// with ErrDisconnected.
func (c *Conn) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	wasLive := c.ws != nil || c.reconnect != nil
	c.closed = true
	c.token = ""
	c.stopLocked(ErrDisconnected)
	c.mu.Unlock()

	if wasLive {
		c.emitState(Disconnected)
	}
	return nil
}

// On subscribes handler to events named name. The returned func removes the
// subscription and must be called on teardown.
func (c *Conn) On(name protocol.Name, handler Handler) func() {
	c.hmu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[name] = append(c.handlers[name], handlerEntry{id: id, fn: handler})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		entries := c.handlers[name]
		for i, e := range entries {
			if e.id == id {
				c.handlers[name] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for connection state changes.
func (c *Conn) OnStateChange(fn func(State)) func() {
	c.hmu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.stateFns = append(c.stateFns, handlerState{id: id, fn: fn})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		for i, s := range c.stateFns {
			if s.id == id {
				c.stateFns = append(c.stateFns[:i:i], c.stateFns[i+1:]...)
				return
			}
		}
	}
}

// Emit sends evt and waits for its ack. It resolves exactly once: with the
// ack, with the server rejection, or with an error when the connection is
// missing, drops, or ctx ends first.
func (c *Conn) Emit(ctx context.Context, evt protocol.Event) (protocol.AckEvent, error) {
	id := c.nextAck.Add(1)
	frame, err := protocol.Encode(evt, id)
	if err != nil {
		return protocol.AckEvent{}, err
	}

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return protocol.AckEvent{}, ErrNotConnected
	}
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ws, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.AckEvent{}, fmt.Errorf("emit %s: %w", evt.Name(), err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return protocol.AckEvent{}, res.err
		}
		return res.ack, res.ack.Err()
	case <-ctx.Done():
		c.mu.Lock()
		_, stillPending := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !stillPending {
			// Resolved concurrently with cancellation.
			res := <-ch
			if res.err != nil {
				return protocol.AckEvent{}, res.err
			}
			return res.ack, res.ack.Err()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.AckEvent{}, ErrAckTimeout
		}
		return protocol.AckEvent{}, ctx.Err()
	}
}

// Notify sends evt without waiting for an ack.
func (c *Conn) Notify(evt protocol.Event) error {
	frame, err := protocol.Encode(evt, 0)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	if err := c.write(ws, frame); err != nil {
		return fmt.Errorf("notify %s: %w", evt.Name(), err)
	}
	return nil
}

func (c *Conn) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return ws, nil
}

// install makes ws the live connection and starts its loops.
func (c *Conn) install(ws *websocket.Conn) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.ws = ws
	if c.reconnect != nil {
		c.reconnect()
		c.reconnect = nil
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go c.readLoop(ws, gen, done)
	go c.pingLoop(ws, done)

	c.logger.Info("realtime connection established", zap.String("url", c.opts.URL))
	c.emitState(Connected)
}

// stopLocked closes the live connection, cancels reconnecting and fails
// pending acks. c.mu must be held.
func (c *Conn) stopLocked(cause error) {
	c.gen++
	if c.reconnect != nil {
		c.reconnect()
		c.reconnect = nil
	}
	if c.ws != nil {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		c.ws = nil
	}
	c.failPendingLocked(cause)
}

func (c *Conn) failPendingLocked(cause error) {
	for id, ch := range c.pending {
		ch <- ackResult{err: cause}
		delete(c.pending, id)
	}
}

func (c *Conn) write(ws *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.dropped(gen, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		evt, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if ack, ok := evt.(protocol.AckEvent); ok {
			c.resolve(ack)
			continue
		}
		c.dispatch(evt)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Conn) resolve(ack protocol.AckEvent) {
	c.mu.Lock()
	ch, ok := c.pending[ack.ID]
	delete(c.pending, ack.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown request", zap.Uint64("ack_id", ack.ID))
		return
	}
	ch <- ackResult{ack: ack}
}

func (c *Conn) dispatch(evt protocol.Event) {
	c.hmu.RLock()
	entries := append([]handlerEntry(nil), c.handlers[evt.Name()]...)
	c.hmu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	for _, e := range entries {
		e.fn(evt)
	}
}

func (c *Conn) emitState(s State) {
	c.hmu.RLock()
	fns := append([]handlerState(nil), c.stateFns...)
	c.hmu.RUnlock()
	for _, f := range fns {
		f.fn(s)
	}
}

// dropped handles a read failure on the connection of generation gen.
func (c *Conn) dropped(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.failPendingLocked(ErrDisconnected)
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnect = cancel
	token := c.token
	c.mu.Unlock()

	c.logger.Warn("realtime connection lost", zap.Error(cause))
	c.emitState(Reconnecting)
	go c.reconnectLoop(ctx, token)
}

func (c *Conn) reconnectLoop(ctx context.Context, token string) {
	delay := c.opts.MinBackoff
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	// Spend the initial burst so the first attempt waits one interval.
	limiter.Allow()

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		ws, err := c.dial(ctx, token)
		if err == nil {
			c.connectMu.Lock()
			c.mu.Lock()
			current := ctx.Err() == nil && !c.closed && c.token == token
			c.mu.Unlock()
			if current {
				c.install(ws)
			} else {
				_ = ws.Close()
			}
			c.connectMu.Unlock()
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			c.logger.Warn("reconnect refused, token rejected")
			c.mu.Lock()
			if ctx.Err() == nil {
				c.reconnect = nil
			}
			c.mu.Unlock()
			c.emitState(Unauthorized)
			return
		}

		c.logger.Info("reconnect attempt failed", zap.Int("attempt", attempt), zap.Duration("next_in", delay), zap.Error(err))
		delay = min(delay*2, c.opts.MaxBackoff)
		limiter.SetLimit(rate.Every(delay))
	}
}
