package api

import (
	"context"
	"strings"

	"github.com/nexuschat/nexus/internal/bus"
	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/status"
	intsync "github.com/nexuschat/nexus/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// ChatEngine is the reconciled chat state served to clients.
type ChatEngine interface {
	Self() chat.User
	Previews() []chat.ConversationPreview
	TotalUnread() int
	Contacts(ctx context.Context) ([]chat.Contact, error)
	SelectConversation(ctx context.Context, target chat.Target) (chat.Target, error)
	Deselect()
	Active() (chat.Target, intsync.Phase)
	Messages() []chat.Message
	SendMessage(ctx context.Context, content string) (chat.Message, error)
	RetryMessage(ctx context.Context, tempID string) (chat.Message, error)
}

// ChatServiceServer is the server API of ChatService.
type ChatServiceServer interface {
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	ListContacts(context.Context, *ListContactsRequest) (*ListContactsResponse, error)
	OpenChat(context.Context, *OpenChatRequest) (*OpenChatResponse, error)
	CloseChat(context.Context, *CloseChatRequest) (*CloseChatResponse, error)
	WatchChatUpdates(*WatchRequest, EventStream) error
}

// ChatService serves the conversation directory and the selection.
type ChatService struct {
	engine      ChatEngine
	machine     *status.Machine
	bus         *bus.Bus
	sessionName string
	logger      *zap.Logger
}

// NewChatService creates a new chat service backed by the engine.
func NewChatService(engine ChatEngine, machine *status.Machine, b *bus.Bus, sessionName string, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{engine: engine, machine: machine, bus: b, sessionName: sessionName, logger: logger}
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListChats", ChatServiceServer.ListChats),
		unary(ChatServiceName, "ListContacts", ChatServiceServer.ListContacts),
		unary(ChatServiceName, "OpenChat", ChatServiceServer.OpenChat),
		unary(ChatServiceName, "CloseChat", ChatServiceServer.CloseChat),
	},
	Streams: []grpc.StreamDesc{
		watchStream("WatchChatUpdates", ChatServiceServer.WatchChatUpdates),
	},
}

// Register adds the service to srv.
func (s *ChatService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&chatServiceDesc, s)
}

func (s *ChatService) ListChats(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	if err := requireSession(s.machine); err != nil {
		return nil, err
	}
	list := s.engine.Previews()
	if req.Limit > 0 && len(list) > req.Limit {
		list = list[:req.Limit]
	}
	return &ListChatsResponse{
		Conversations: list,
		TotalUnread:   s.engine.TotalUnread(),
	}, nil
}

func (s *ChatService) ListContacts(ctx context.Context, _ *ListContactsRequest) (*ListContactsResponse, error) {
	if err := requireSession(s.machine); err != nil {
		return nil, err
	}
	contacts, err := s.engine.Contacts(ctx)
	if err != nil {
		return nil, toStatus("list contacts", err)
	}
	return &ListContactsResponse{Contacts: contacts}, nil
}

func (s *ChatService) OpenChat(ctx context.Context, req *OpenChatRequest) (*OpenChatResponse, error) {
	if err := requireSession(s.machine); err != nil {
		return nil, err
	}
	target := chat.Target{
		ConversationID: strings.TrimSpace(req.ConversationID),
		PeerID:         strings.TrimSpace(req.PeerID),
		GroupID:        strings.TrimSpace(req.GroupID),
		Title:          req.Title,
	}
	if target.IsZero() {
		return nil, grpcstatus.Error(codes.InvalidArgument, "one of conversationId, peerId or groupId is required")
	}
	if target.PeerID != "" && target.GroupID != "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "peerId and groupId are exclusive")
	}

	opened, err := s.engine.SelectConversation(ctx, target)
	if err != nil {
		return nil, toStatus("open chat", err)
	}
	return &OpenChatResponse{Target: opened, Messages: s.engine.Messages()}, nil
}

func (s *ChatService) CloseChat(_ context.Context, _ *CloseChatRequest) (*CloseChatResponse, error) {
	s.engine.Deselect()
	return &CloseChatResponse{}, nil
}

func (s *ChatService) WatchChatUpdates(req *WatchRequest, stream EventStream) error {
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = []string{intsync.KindDirectoryUpdated, intsync.KindSelectionChanged}
	}
	return forward(s.bus, s.sessionName, kinds, stream, s.logger)
}
