package sync

import (
	"context"
	"time"

	"github.com/nexuschat/nexus/internal/logging"
	"github.com/nexuschat/nexus/internal/metrics"
	"github.com/nexuschat/nexus/internal/status"
	"github.com/nexuschat/nexus/internal/transport"
	"go.uber.org/zap"
)

// CheckpointLastResync is the sync_state key holding the last successful
// resync time.
const CheckpointLastResync = "last_resync"

// Resyncer reloads state after events may have been missed.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// StateSource reports transport connection changes.
type StateSource interface {
	OnStateChange(fn func(transport.State)) func()
}

// Checkpointer persists sync checkpoints.
type Checkpointer interface {
	SetCheckpoint(key, value string) error
}

// Reconciler follows the connection lifecycle and resyncs the engine after
// the transport comes back from a drop.
type Reconciler struct {
	engine  Resyncer
	db      Checkpointer
	machine *status.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger

	// authLost is called when the server refuses the token.
	authLost func()
}

// NewReconciler creates a reconciler. db, m and authLost may be nil.
func NewReconciler(engine Resyncer, db Checkpointer, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger, authLost func()) *Reconciler {
	logger = logging.OrNop(logger)
	return &Reconciler{
		engine:   engine,
		db:       db,
		machine:  machine,
		metrics:  m,
		logger:   logger,
		authLost: authLost,
	}
}

// Run consumes state changes from src until ctx is done. Callbacks are
// queued so the transport's goroutines never wait on a resync.
func (r *Reconciler) Run(ctx context.Context, src StateSource) {
	states := make(chan transport.State, 16)
	off := src.OnStateChange(func(s transport.State) {
		select {
		case states <- s:
		default:
			r.logger.Warn("connection state dropped", zap.String("state", string(s)))
		}
	})
	defer off()

	lost := false
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			switch s {
			case transport.Reconnecting:
				lost = true
				r.ensure(status.Reconnecting, "connection lost")
			case transport.Connected:
				if !lost {
					continue
				}
				lost = false
				r.metrics.Reconnected()
				r.Resync(ctx)
			case transport.Unauthorized:
				lost = false
				r.ensure(status.AuthRequired, "token rejected by server")
				if r.authLost != nil {
					r.authLost()
				}
			}
		}
	}
}

// Resync reloads the directory and the open conversation, moving the status
// through Syncing to Ready or Degraded. It reports whether the reload
// succeeded.
func (r *Reconciler) Resync(ctx context.Context) bool {
	r.ensure(status.Syncing, "resync")
	if err := r.engine.Resync(ctx); err != nil {
		r.logger.Warn("resync failed", zap.Error(err))
		r.metrics.Resync("failed")
		r.ensure(status.Degraded, err.Error())
		return false
	}
	r.metrics.Resync("ok")
	if r.db != nil {
		if err := r.db.SetCheckpoint(CheckpointLastResync, time.Now().UTC().Format(time.RFC3339)); err != nil {
			r.logger.Error("record resync checkpoint", zap.Error(err))
		}
	}
	r.ensure(status.Ready, "")
	return true
}

func (r *Reconciler) ensure(to status.State, reason string) {
	if r.machine == nil {
		return
	}
	if err := r.machine.Ensure(to, reason); err != nil {
		r.logger.Debug("status transition skipped", zap.Error(err))
	}
}
