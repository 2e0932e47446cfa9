// Package client is the nexusctl side of the daemon API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nexuschat/nexus/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to one session daemon over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, req, resp any) error {
	return c.conn.Invoke(ctx, api.FullMethod(service, method), req, resp, grpc.CallContentSubtype(api.CodecName))
}

func (c *Client) SessionStatus(ctx context.Context) (*api.GetSessionStatusResponse, error) {
	resp := new(api.GetSessionStatusResponse)
	return resp, c.invoke(ctx, api.SessionServiceName, "GetSessionStatus", &api.GetSessionStatusRequest{}, resp)
}

func (c *Client) Login(ctx context.Context, email, password string) (*api.LoginResponse, error) {
	resp := new(api.LoginResponse)
	return resp, c.invoke(ctx, api.SessionServiceName, "Login", &api.LoginRequest{Email: email, Password: password}, resp)
}

func (c *Client) Logout(ctx context.Context) (*api.LogoutResponse, error) {
	resp := new(api.LogoutResponse)
	return resp, c.invoke(ctx, api.SessionServiceName, "Logout", &api.LogoutRequest{}, resp)
}

func (c *Client) SyncStatus(ctx context.Context) (*api.GetSyncStatusResponse, error) {
	resp := new(api.GetSyncStatusResponse)
	return resp, c.invoke(ctx, api.SyncServiceName, "GetSyncStatus", &api.GetSyncStatusRequest{}, resp)
}

func (c *Client) Resync(ctx context.Context) (*api.ResyncResponse, error) {
	resp := new(api.ResyncResponse)
	return resp, c.invoke(ctx, api.SyncServiceName, "Resync", &api.ResyncRequest{}, resp)
}

func (c *Client) ListChats(ctx context.Context, limit int) (*api.ListChatsResponse, error) {
	resp := new(api.ListChatsResponse)
	return resp, c.invoke(ctx, api.ChatServiceName, "ListChats", &api.ListChatsRequest{Limit: limit}, resp)
}

func (c *Client) ListContacts(ctx context.Context) (*api.ListContactsResponse, error) {
	resp := new(api.ListContactsResponse)
	return resp, c.invoke(ctx, api.ChatServiceName, "ListContacts", &api.ListContactsRequest{}, resp)
}

func (c *Client) OpenChat(ctx context.Context, req *api.OpenChatRequest) (*api.OpenChatResponse, error) {
	resp := new(api.OpenChatResponse)
	return resp, c.invoke(ctx, api.ChatServiceName, "OpenChat", req, resp)
}

func (c *Client) CloseChat(ctx context.Context) error {
	return c.invoke(ctx, api.ChatServiceName, "CloseChat", &api.CloseChatRequest{}, &api.CloseChatResponse{})
}

func (c *Client) ListMessages(ctx context.Context) (*api.ListMessagesResponse, error) {
	resp := new(api.ListMessagesResponse)
	return resp, c.invoke(ctx, api.MessageServiceName, "ListMessages", &api.ListMessagesRequest{}, resp)
}

func (c *Client) SendText(ctx context.Context, text string) (*api.SendTextResponse, error) {
	resp := new(api.SendTextResponse)
	return resp, c.invoke(ctx, api.MessageServiceName, "SendText", &api.SendTextRequest{Text: text}, resp)
}

func (c *Client) RetryMessage(ctx context.Context, clientMsgID string) (*api.SendTextResponse, error) {
	resp := new(api.SendTextResponse)
	return resp, c.invoke(ctx, api.MessageServiceName, "RetryMessage", &api.RetryMessageRequest{ClientMsgID: clientMsgID}, resp)
}

// Watch streams events of one service's Watch method to fn until ctx ends,
// the daemon closes the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, service, method string, kinds []string, fn func(*api.Event) error) error {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(service, method), grpc.CallContentSubtype(api.CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&api.WatchRequest{Kinds: kinds}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(api.Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

// Health runs the standard gRPC health check for service ("" for the
// daemon as a whole).
func (c *Client) Health(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	return healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}
