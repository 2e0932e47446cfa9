package api

import (
	"context"
	"time"

	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/status"
	intsync "github.com/nexuschat/nexus/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Resyncer reloads the session state on demand.
type Resyncer interface {
	Resync(ctx context.Context) bool
}

// Link reports whether the real-time connection is up.
type Link interface {
	Connected() bool
}

// Checkpoints reads sync checkpoints.
type Checkpoints interface {
	Checkpoint(key string) (string, time.Time, error)
}

// SyncServiceServer is the server API of SyncService.
type SyncServiceServer interface {
	GetSyncStatus(context.Context, *GetSyncStatusRequest) (*GetSyncStatusResponse, error)
	Resync(context.Context, *ResyncRequest) (*ResyncResponse, error)
	WatchSyncEvents(*WatchRequest, EventStream) error
}

// SyncService reports the connection and triggers resyncs.
type SyncService struct {
	resyncer    Resyncer
	link        Link
	checkpoints Checkpoints
	bus         *bus.Bus
	machine     *status.Machine
	sessionName string
	logger      *zap.Logger
}

// NewSyncService creates a new sync service. link and checkpoints may be nil.
func NewSyncService(resyncer Resyncer, link Link, checkpoints Checkpoints, b *bus.Bus, machine *status.Machine, sessionName string, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		resyncer:    resyncer,
		link:        link,
		checkpoints: checkpoints,
		bus:         b,
		machine:     machine,
		sessionName: sessionName,
		logger:      logger,
	}
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "GetSyncStatus", SyncServiceServer.GetSyncStatus),
		unary(SyncServiceName, "Resync", SyncServiceServer.Resync),
	},
	Streams: []grpc.StreamDesc{
		watchStream("WatchSyncEvents", SyncServiceServer.WatchSyncEvents),
	},
}

// Register adds the service to srv.
func (s *SyncService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&syncServiceDesc, s)
}

func (s *SyncService) GetSyncStatus(_ context.Context, _ *GetSyncStatusRequest) (*GetSyncStatusResponse, error) {
	resp := &GetSyncStatusResponse{Status: string(s.machine.Current())}
	if s.link != nil {
		resp.Connected = s.link.Connected()
	}
	if s.checkpoints != nil {
		if _, at, err := s.checkpoints.Checkpoint(intsync.CheckpointLastResync); err == nil {
			resp.LastResync = at
		}
	}
	return resp, nil
}

func (s *SyncService) Resync(ctx context.Context, _ *ResyncRequest) (*ResyncResponse, error) {
	switch current := s.machine.Current(); current {
	case status.Ready, status.Degraded:
	default:
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "cannot resync in state %s", current)
	}
	ok := s.resyncer.Resync(ctx)
	return &ResyncResponse{Success: ok, Status: string(s.machine.Current())}, nil
}

func (s *SyncService) WatchSyncEvents(req *WatchRequest, stream EventStream) error {
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = []string{status.KindChanged}
	}
	return forward(s.bus, s.sessionName, kinds, stream, s.logger)
}
