package api

import (
	"context"
	"strings"

	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/outbox"
	"github.com/nexuschat/nexus/internal/status"
	intsync "github.com/nexuschat/nexus/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// MessageServiceServer is the server API of MessageService.
type MessageServiceServer interface {
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SendText(context.Context, *SendTextRequest) (*SendTextResponse, error)
	RetryMessage(context.Context, *RetryMessageRequest) (*SendTextResponse, error)
	WatchMessageEvents(*WatchRequest, EventStream) error
}

// MessageService serves the open conversation and sends into it.
type MessageService struct {
	engine      ChatEngine
	machine     *status.Machine
	bus         *bus.Bus
	sessionName string
	logger      *zap.Logger
}

// NewMessageService creates a new message service backed by the engine.
func NewMessageService(engine ChatEngine, machine *status.Machine, b *bus.Bus, sessionName string, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{engine: engine, machine: machine, bus: b, sessionName: sessionName, logger: logger}
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "ListMessages", MessageServiceServer.ListMessages),
		unary(MessageServiceName, "SendText", MessageServiceServer.SendText),
		unary(MessageServiceName, "RetryMessage", MessageServiceServer.RetryMessage),
	},
	Streams: []grpc.StreamDesc{
		watchStream("WatchMessageEvents", MessageServiceServer.WatchMessageEvents),
	},
}

// Register adds the service to srv.
func (s *MessageService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&messageServiceDesc, s)
}

func (s *MessageService) ListMessages(_ context.Context, _ *ListMessagesRequest) (*ListMessagesResponse, error) {
	if err := requireSession(s.machine); err != nil {
		return nil, err
	}
	target, phase := s.engine.Active()
	return &ListMessagesResponse{
		Target:   target,
		Phase:    string(phase),
		Messages: s.engine.Messages(),
	}, nil
}

func (s *MessageService) SendText(ctx context.Context, req *SendTextRequest) (*SendTextResponse, error) {
	if err := requireSession(s.machine); err != nil {
		return nil, err
	}
	m, err := s.engine.SendMessage(ctx, req.Text)
	return settled("send", m, err)
}

func (s *MessageService) RetryMessage(ctx context.Context, req *RetryMessageRequest) (*SendTextResponse, error) {
	if err := requireSession(s.machine); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ClientMsgID)
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "clientMsgId is required")
	}
	m, err := s.engine.RetryMessage(ctx, id)
	return settled("retry", m, err)
}

func (s *MessageService) WatchMessageEvents(req *WatchRequest, stream EventStream) error {
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = []string{intsync.KindMessagesUpdated, outbox.KindSendAck, outbox.KindSendFailed}
	}
	return forward(s.bus, s.sessionName, kinds, stream, s.logger)
}

// settled turns a send result into a response. A message that reached the
// list is returned even when delivery failed; errors before that are call
// errors.
func settled(op string, m chat.Message, err error) (*SendTextResponse, error) {
	if err == nil {
		return &SendTextResponse{Message: m}, nil
	}
	if m.ID == "" {
		return nil, toStatus(op, err)
	}
	return &SendTextResponse{Message: m, Error: err.Error()}, nil
}
