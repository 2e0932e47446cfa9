package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/nexuschat/nexus/internal/api"
	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/session"
	"github.com/nexuschat/nexus/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
)

// Server manages the gRPC server lifecycle for a session daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	sessionSvc *api.SessionService,
	syncSvc *api.SyncService,
	chatSvc *api.ChatService,
	messageSvc *api.MessageService,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logger)))
	sessionSvc.Register(srv)
	syncSvc.Register(srv)
	chatSvc.Register(srv)
	messageSvc.Register(srv)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// chatServices answer only while a session is loaded.
var chatServices = []string{api.ChatServiceName, api.MessageServiceName}

// TrackHealth mirrors the session status into the health service until ctx
// ends. The daemon itself reports SERVING as long as it runs.
func (s *Server) TrackHealth(ctx context.Context, b *bus.Bus, machine *status.Machine) {
	ch, unsub := b.Subscribe(status.KindChanged, 16)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.setChatHealth(machine.Current())

	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.setChatHealth(change.To)
				}
			}
		}
	}()
}

func (s *Server) setChatHealth(state status.State) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	switch state {
	case status.Syncing, status.Ready, status.Reconnecting, status.Degraded:
		serving = healthpb.HealthCheckResponse_SERVING
	}
	for _, name := range chatServices {
		s.health.SetServingStatus(name, serving)
	}
}

func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", grpcstatus.Code(err).String()),
			zap.Duration("took", time.Since(started)))
		return resp, err
	}
}
