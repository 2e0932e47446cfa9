package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/nexuschat/nexus/internal/api"
	"github.com/nexuschat/nexus/internal/chat"
	"github.com/nexuschat/nexus/internal/client"
	"github.com/nexuschat/nexus/internal/config"
	"github.com/nexuschat/nexus/internal/protocol"
	"github.com/nexuschat/nexus/internal/session"
	"github.com/nexuschat/nexus/internal/status"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// backend is a NexusChat server stand-in: the REST routes the daemon calls
// plus the /socket endpoint, which acks every sendMessage.
type backend struct {
	srv   *httptest.Server
	token string

	mu      sync.Mutex
	reads   []string
	sent    int
	logouts int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	b := &backend{token: raw}

	self := chat.User{ID: "u1", Username: "ana", Name: "Ana", Email: "ana@example.com"}
	now := time.Now().UTC()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"user": self, "accessToken": b.token})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.logouts++
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, self)
	})
	mux.HandleFunc("GET /api/chat/recent-messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []chat.ConversationPreview{{
			ID:          "c1",
			Type:        chat.Private,
			Creator:     &chat.Participant{ID: "u1", Name: "Ana"},
			Recipient:   &chat.Participant{ID: "u2", Name: "Bruno"},
			LastMessage: &chat.MessageSummary{ID: "m2", Content: "are you there?", CreatedAt: now, SenderID: "u2"},
			UnreadCount: 2,
		}})
	})
	mux.HandleFunc("GET /api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		// Newest first, as the server answers.
		writeJSON(w, []chat.Message{
			{ID: "m2", Content: "are you there?", SenderID: "u2", RecipientID: "u1", ConversationID: "c1", CreatedAt: now},
			{ID: "m1", Content: "hi", SenderID: "u2", RecipientID: "u1", ConversationID: "c1", CreatedAt: now.Add(-time.Minute)},
		})
	})
	mux.HandleFunc("GET /api/contacts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []chat.Contact{{ID: "u2", Username: "bruno", Name: "Bruno"}})
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+b.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go b.serve(ws)
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) serve(ws *websocket.Conn) {
	defer func() { _ = ws.Close() }()
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(frame)
		if err != nil {
			continue
		}
		switch env.Event {
		case protocol.MarkAsRead:
			var req protocol.MarkAsReadRequest
			_ = json.Unmarshal(env.Data, &req)
			b.mu.Lock()
			b.reads = append(b.reads, req.ConversationID)
			b.mu.Unlock()
		case protocol.SendMessage:
			var req protocol.SendMessageRequest
			_ = json.Unmarshal(env.Data, &req)
			b.mu.Lock()
			b.sent++
			id := fmt.Sprintf("srv-%d", b.sent)
			b.mu.Unlock()
			data, _ := json.Marshal(chat.Message{
				ID:             id,
				Content:        req.Content,
				SenderID:       "u1",
				RecipientID:    req.RecipientID,
				ConversationID: "c1",
				CreatedAt:      time.Now().UTC(),
			})
			out, err := protocol.Encode(protocol.AckEvent{ID: env.ID, Data: data}, 0)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}
}

func (b *backend) readsOf() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reads...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// shortHome points NEXUS_HOME at a short directory; Unix socket paths are
// limited to about 104 bytes on macOS.
func shortHome(t *testing.T, prefix string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", prefix)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, c *client.Client, want status.State) {
	t.Helper()
	eventually(t, "status "+string(want), func() bool {
		resp, err := c.SessionStatus(context.Background())
		return err == nil && resp.Status == string(want)
	})
}

func TestDaemonEndToEnd(t *testing.T) {
	home := shortHome(t, "nexus-e2e-*")
	be := newBackend(t)

	cfg := config.Default()
	cfg.Server.APIURL = be.srv.URL
	cfg.Chat.AckTimeout = config.Duration{Duration: 2 * time.Second}
	socketPath := filepath.Join(home, "d.sock")

	app := fxtest.New(t,
		Module(Params{SessionName: "e2e", SocketPath: socketPath, Config: cfg, RetryEvery: 50 * time.Millisecond}),
		fx.NopLogger,
	)
	app.RequireStart()
	defer app.RequireStop()

	c, err := client.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Nothing stored yet: the daemon waits for a login.
	waitStatus(t, c, status.AuthRequired)
	if _, err := c.ListChats(ctx, 0); err == nil {
		t.Fatal("ListChats succeeded without a session")
	}

	login, err := c.Login(ctx, "ana@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if login.User.ID != "u1" {
		t.Errorf("login user = %+v", login.User)
	}
	waitStatus(t, c, status.Ready)

	chats, err := c.ListChats(ctx, 0)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats.Conversations) != 1 || chats.TotalUnread != 2 {
		t.Fatalf("chats = %+v, want c1 with 2 unread", chats)
	}

	opened, err := c.OpenChat(ctx, &api.OpenChatRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	if opened.Target.PeerID != "u2" || len(opened.Messages) != 2 || opened.Messages[0].ID != "m1" {
		t.Errorf("opened = %+v, want peer u2 with m1, m2", opened)
	}
	eventually(t, "markAsRead c1", func() bool {
		reads := be.readsOf()
		return len(reads) == 1 && reads[0] == "c1"
	})

	chats, err = c.ListChats(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if chats.TotalUnread != 0 {
		t.Errorf("total unread after open = %d, want 0", chats.TotalUnread)
	}

	sent, err := c.SendText(ctx, "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sent.Error != "" || sent.Message.ID != "srv-1" || sent.Message.DeliveryState != chat.Sent {
		t.Errorf("sent = %+v, want acked srv-1", sent)
	}

	msgs, err := c.ListMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(msgs.Messages); n != 3 || msgs.Messages[n-1].ID != "srv-1" {
		t.Errorf("messages = %+v, want srv-1 appended", msgs.Messages)
	}

	chats, err = c.ListChats(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if last := chats.Conversations[0].LastMessage; last == nil || last.Content != "hello" {
		t.Errorf("preview last message = %+v, want hello", last)
	}

	eventually(t, "chat service serving", func() bool {
		resp, err := c.Health(ctx, api.ChatServiceName)
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	})

	if _, err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	waitStatus(t, c, status.AuthRequired)
	be.mu.Lock()
	if be.logouts != 1 {
		t.Errorf("backend logouts = %d, want 1", be.logouts)
	}
	be.mu.Unlock()
	eventually(t, "chat service not serving", func() bool {
		resp, err := c.Health(ctx, api.ChatServiceName)
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	})
	daemon, err := c.Health(ctx, "")
	if err != nil || daemon.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("daemon health = %v, %v", daemon, err)
	}
}

func TestDaemonRestoresLogin(t *testing.T) {
	home := shortHome(t, "nexus-restore-*")
	be := newBackend(t)

	cfg := config.Default()
	cfg.Server.APIURL = be.srv.URL
	socketPath := filepath.Join(home, "d.sock")
	params := Params{SessionName: "restore", SocketPath: socketPath, Config: cfg, RetryEvery: 50 * time.Millisecond}

	first := fxtest.New(t, Module(params), fx.NopLogger)
	first.RequireStart()
	c, err := client.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, status.AuthRequired)
	if _, err := c.Login(context.Background(), "ana@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, status.Ready)
	_ = c.Close()
	first.RequireStop()

	// The second daemon finds the stored token and the cached directory.
	second := fxtest.New(t, Module(params), fx.NopLogger)
	second.RequireStart()
	defer second.RequireStop()

	c, err = client.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	waitStatus(t, c, status.Ready)

	st, err := c.SessionStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.User.ID != "u1" || st.Conversations != 1 {
		t.Errorf("status = %+v, want restored user with one conversation", st)
	}
}

// TestFxModuleWiring verifies the dependency graph resolves without starting
// anything.
func TestFxModuleWiring(t *testing.T) {
	home := shortHome(t, "nexus-fx-*")
	p := Params{SessionName: "fxtest", SocketPath: filepath.Join(home, "d.sock")}
	if err := fx.ValidateApp(Module(p), fx.NopLogger); err != nil {
		t.Fatalf("fx graph: %v", err)
	}
}

func TestServerSocketPermissions(t *testing.T) {
	home := shortHome(t, "nexus-sock-*")
	socketPath := filepath.Join(home, "d.sock")

	// A stale socket from a crashed daemon is replaced.
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(
		Params{SessionName: "sock", SocketPath: socketPath},
		zap.NewNop(),
		api.NewSessionService("sock", status.NewMachine(nil), nil, nil, nil, nil),
		api.NewSyncService(nil, nil, nil, nil, status.NewMachine(nil), "sock", nil),
		api.NewChatService(nil, status.NewMachine(nil), nil, "sock", nil),
		api.NewMessageService(nil, status.NewMachine(nil), nil, "sock", nil),
	)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 || info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %v, want socket 0600", info.Mode())
	}
	if !strings.HasPrefix(socketPath, home) {
		t.Errorf("socket %s outside %s", socketPath, home)
	}
}
