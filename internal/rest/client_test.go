package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nexuschat/nexus/internal/chat"
)

func testServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginReadsCookie(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email != "ana@example.com" || req.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: AccessTokenCookie, Value: "cookie-token", HttpOnly: true, MaxAge: 86400})
		writeJSON(w, map[string]any{"user": chat.User{ID: "u1", Username: "ana"}})
	})
	c := testServer(t, mux)

	token, user, err := c.Login(context.Background(), "ana@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if token != "cookie-token" || c.Token() != "cookie-token" {
		t.Errorf("token = %q, want cookie-token", token)
	}
	if user.ID != "u1" {
		t.Errorf("user id = %q, want u1", user.ID)
	}

	_, _, err = c.Login(context.Background(), "ana@example.com", "wrong")
	if !IsUnauthorized(err) {
		t.Errorf("err = %v, want unauthorized", err)
	}
}

func TestAuthenticatedCallWithoutToken(t *testing.T) {
	c := testServer(t, http.NewServeMux())

	_, err := c.RecentMessages(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestRecentMessagesSendsBearer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/recent-messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, []map[string]any{
			{"id": "c1", "lastMessage": map[string]any{"id": "m1", "content": "hey", "senderId": "u2"}, "unreadCount": 3},
			{"id": "c2", "group": map[string]any{"id": "g1", "name": "team"}, "lastMessage": nil},
		})
	})
	c := testServer(t, mux)
	c.SetToken("tok")

	list, err := c.RecentMessages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d previews, want 2", len(list))
	}
	if list[0].UnreadCount != 3 || list[0].LastMessage.Content != "hey" || list[0].Type != chat.Private {
		t.Errorf("first preview = %+v", list[0])
	}
	if list[1].Type != chat.Group || list[1].LastMessage != nil {
		t.Errorf("second preview = %+v, want group without last message", list[1])
	}
}

func TestMessagesReversesToAscending(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("recipientId") != "u2" || q.Get("limit") != "50" || q.Has("groupId") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, []chat.Message{{ID: "m3"}, {ID: "m2"}, {ID: "m1"}})
	})
	c := testServer(t, mux)
	c.SetToken("tok")

	msgs, err := c.Messages(context.Background(), Page{RecipientID: "u2", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].ID != "m1" || msgs[2].ID != "m3" {
		t.Errorf("messages = %+v, want m1..m3 ascending", msgs)
	}
}

func TestNon2xxBecomesStatusError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/contacts", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	})
	c := testServer(t, mux)
	c.SetToken("tok")

	_, err := c.Contacts(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Body != "backend down" {
		t.Errorf("status error = %+v", se)
	}
}

func TestMeAndLogout(t *testing.T) {
	loggedOut := false
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, chat.User{ID: "u1", Name: "Ana"})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		loggedOut = true
		w.WriteHeader(http.StatusNoContent)
	})
	c := testServer(t, mux)
	c.SetToken("tok")

	u, err := c.Me(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "Ana" {
		t.Errorf("name = %q, want Ana", u.Name)
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !loggedOut || c.Token() != "" {
		t.Errorf("logout not applied: called=%v token=%q", loggedOut, c.Token())
	}
}
