package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexuschat/nexus/internal/auth"
	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/logging"
	"github.com/nexuschat/nexus/internal/rest"
	"github.com/nexuschat/nexus/internal/status"
	intsync "github.com/nexuschat/nexus/internal/sync"
	"github.com/nexuschat/nexus/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultRetryEvery = 5 * time.Second

// ErrSessionActive is returned by Login while a session is running.
var ErrSessionActive = errors.New("session already active")

// errFromCache keeps the start loop retrying the directory after a boot that
// had to fall back to the cache.
var errFromCache = errors.New("directory loaded from cache")

// Realtime is the connection the runner opens for a session.
type Realtime interface {
	Connect(ctx context.Context, token string) error
	Close() error
}

// Runner drives the session lifecycle: restore or wait for a login, start
// the engine, connect, and retry at a fixed pace while the backend is
// unreachable.
type Runner struct {
	auth       *auth.Manager
	conn       Realtime
	engine     *intsync.Engine
	machine    *status.Machine
	logger     *zap.Logger
	retryEvery time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner. A zero retryEvery takes the default.
func NewRunner(am *auth.Manager, conn Realtime, engine *intsync.Engine, machine *status.Machine, logger *zap.Logger, retryEvery time.Duration) *Runner {
	if retryEvery <= 0 {
		retryEvery = defaultRetryEvery
	}
	return &Runner{
		auth:       am,
		conn:       conn,
		engine:     engine,
		machine:    machine,
		logger:     logging.OrNop(logger),
		retryEvery: retryEvery,
	}
}

// Boot restores the stored login and starts the session, or leaves the
// daemon waiting in AuthRequired.
func (r *Runner) Boot() error {
	tok, user, err := r.auth.Restore()
	switch {
	case errors.Is(err, auth.ErrLoggedOut):
		r.logger.Info("no stored login, auth required")
		return r.machine.TransitionWithReason(status.AuthRequired, "not logged in")
	case err != nil:
		_ = r.machine.TransitionWithReason(status.Error, err.Error())
		return err
	}
	r.logger.Info("login restored", zap.String("user_id", user.ID))
	r.start(tok)
	return nil
}

// Login authenticates and starts a session.
func (r *Runner) Login(ctx context.Context, email, password string) (chat.User, error) {
	if r.running() {
		return chat.User{}, ErrSessionActive
	}
	tok, user, err := r.auth.Login(ctx, email, password)
	if err != nil {
		return chat.User{}, err
	}
	r.start(tok)
	return user, nil
}

// Logout ends the session and forgets the stored login.
func (r *Runner) Logout(ctx context.Context) error {
	return r.end(ctx, "logged out")
}

// AuthLost ends the session after the server refused the token. It does not
// wait for the teardown.
func (r *Runner) AuthLost() {
	go func() {
		if err := r.end(context.Background(), "login expired"); err != nil {
			r.logger.Warn("clear login", zap.Error(err))
		}
	}()
}

// Stop halts the session for daemon shutdown. The login is kept.
func (r *Runner) Stop() {
	r.halt()
	r.engine.Stop()
	_ = r.conn.Close()
}

func (r *Runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Runner) start(tok auth.Token) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.run(ctx, tok)
	}()
}

// halt cancels the start loop and waits for it.
func (r *Runner) halt() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Runner) end(ctx context.Context, reason string) error {
	r.halt()
	_ = r.conn.Close()
	r.engine.Stop()
	err := r.auth.Logout(ctx)
	if serr := r.machine.Ensure(status.AuthRequired, reason); serr != nil {
		r.logger.Warn("status transition", zap.Error(serr))
	}
	r.logger.Info("session ended", zap.String("reason", reason))
	return err
}

func (r *Runner) run(ctx context.Context, tok auth.Token) {
	limiter := rate.NewLimiter(rate.Every(r.retryEvery), 1)
	connected := false
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		var err error
		if connected {
			// Only the directory is missing; keep the session and refetch.
			err = r.engine.Resync(ctx)
		} else {
			_ = r.machine.Ensure(status.Connecting, "")
			connected, err = r.connect(ctx, tok)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			_ = r.machine.Ensure(status.Ready, "")
			return
		}
		if rest.IsUnauthorized(err) || errors.Is(err, transport.ErrUnauthorized) {
			r.logger.Warn("token rejected", zap.Error(err))
			r.AuthLost()
			return
		}
		r.logger.Warn("session start incomplete", zap.Int("attempt", attempt), zap.Duration("retry_in", r.retryEvery), zap.Error(err))
		_ = r.machine.Ensure(status.Degraded, err.Error())
	}
}

// connect starts the engine and opens the real-time connection. It reports
// whether the connection is up; a nil error with the directory served from
// cache is reported as errFromCache.
func (r *Runner) connect(ctx context.Context, tok auth.Token) (bool, error) {
	boot, err := r.engine.Start(ctx)
	if err != nil {
		return false, err
	}
	if err := r.auth.UpdateUser(tok, boot.User); err != nil {
		r.logger.Warn("store user profile", zap.Error(err))
	}
	_ = r.machine.Ensure(status.Syncing, "")

	if err := r.conn.Connect(ctx, tok.Raw); err != nil {
		return false, fmt.Errorf("connect realtime: %w", err)
	}
	if boot.FromCache {
		return true, errFromCache
	}
	return true, nil
}
