package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/rest"
	"github.com/nexuschat/nexus/internal/status"
	"github.com/nexuschat/nexus/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Session starts and ends the authenticated session of the daemon.
type Session interface {
	Login(ctx context.Context, email, password string) (chat.User, error)
	Logout(ctx context.Context) error
}

// SessionServiceServer is the server API of SessionService.
type SessionServiceServer interface {
	GetSessionStatus(context.Context, *GetSessionStatusRequest) (*GetSessionStatusResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
}

// SessionService reports daemon status and handles login and logout.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	session     Session
	engine      ChatEngine
	db          *store.DB
	logger      *zap.Logger
}

// NewSessionService creates a new session service. engine and db may be nil.
func NewSessionService(sessionName string, machine *status.Machine, session Session, engine ChatEngine, db *store.DB, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		session:     session,
		engine:      engine,
		db:          db,
		logger:      logger,
	}
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetSessionStatus", SessionServiceServer.GetSessionStatus),
		unary(SessionServiceName, "Login", SessionServiceServer.Login),
		unary(SessionServiceName, "Logout", SessionServiceServer.Logout),
	},
}

// Register adds the service to srv.
func (s *SessionService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&sessionServiceDesc, s)
}

func (s *SessionService) GetSessionStatus(_ context.Context, _ *GetSessionStatusRequest) (*GetSessionStatusResponse, error) {
	current, reason, since := s.machine.Snapshot()

	resp := &GetSessionStatusResponse{
		Session:       s.sessionName,
		Status:        string(current),
		StatusMessage: reason,
		Since:         since,
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
	}

	if s.engine != nil {
		resp.User = s.engine.Self()
		resp.Conversations = len(s.engine.Previews())
		resp.TotalUnread = s.engine.TotalUnread()
	}
	if s.db != nil {
		if failed, err := s.db.OutboxByStatus(store.OutboxFailed); err == nil {
			resp.FailedSends = len(failed)
		}
	}

	return resp, nil
}

func (s *SessionService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "email and password are required")
	}
	if current := s.machine.Current(); current != status.AuthRequired {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "login not possible in state %s", current)
	}
	user, err := s.session.Login(ctx, req.Email, req.Password)
	if err != nil {
		s.logger.Warn("login failed", zap.Error(err))
		var se *rest.StatusError
		if errors.As(err, &se) && (se.Code == http.StatusBadRequest || se.Code == http.StatusUnauthorized) {
			return nil, grpcstatus.Error(codes.Unauthenticated, "invalid email or password")
		}
		return nil, grpcstatus.Errorf(codes.Internal, "login: %v", err)
	}
	return &LoginResponse{User: user}, nil
}

func (s *SessionService) Logout(ctx context.Context, _ *LogoutRequest) (*LogoutResponse, error) {
	if s.machine.Current() == status.AuthRequired {
		return &LogoutResponse{Message: "not logged in"}, nil
	}
	if err := s.session.Logout(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "logout: %v", err)
	}
	return &LogoutResponse{Message: "logged out"}, nil
}

// requireSession rejects chat calls while no session is loaded.
func requireSession(m *status.Machine) error {
	switch current := m.Current(); current {
	case status.Syncing, status.Ready, status.Reconnecting, status.Degraded:
		return nil
	default:
		return grpcstatus.Errorf(codes.FailedPrecondition, "session not ready (%s)", current)
	}
}
