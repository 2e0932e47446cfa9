package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nexuschat/nexus/internal/chat"
)

// AccessTokenCookie is the httpOnly cookie the backend sets on login.
const AccessTokenCookie = "accessToken"

// ErrNoToken is returned by authenticated calls made without a token.
var ErrNoToken = errors.New("rest: no access token")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

// Page selects a slice of a conversation's history. Exactly one of
// RecipientID and GroupID is set.
type Page struct {
	RecipientID string
	GroupID     string
	Limit       int
	Offset      int
}

// Client calls the NexusChat REST backend.
type Client struct {
	base *url.URL
	http *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for baseURL (scheme and host, e.g. http://localhost:8080).
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse api url: %q is not absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: u, http: httpClient}, nil
}

// SetToken sets the bearer token used by authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User        chat.User `json:"user"`
	AccessToken string    `json:"accessToken"`
}

// Login authenticates and returns the access token and user. The token is
// taken from the accessToken cookie, falling back to the JSON body.
func (c *Client) Login(ctx context.Context, email, password string) (string, chat.User, error) {
	var out loginResponse
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, loginRequest{Email: email, Password: password}, &out, false)
	if err != nil {
		return "", chat.User{}, err
	}
	token := out.AccessToken
	for _, ck := range resp.Cookies() {
		if ck.Name == AccessTokenCookie && ck.Value != "" {
			token = ck.Value
			break
		}
	}
	if token == "" {
		return "", chat.User{}, errors.New("login: response carried no access token")
	}
	c.SetToken(token)
	return token, out.User, nil
}

// Logout invalidates the session server-side and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil, true)
	c.SetToken("")
	return err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (chat.User, error) {
	var u chat.User
	if _, err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, nil, &u, true); err != nil {
		return chat.User{}, err
	}
	if u.ID == "" {
		return chat.User{}, errors.New("me: response carried no user id")
	}
	return u, nil
}

// RecentMessages returns the conversation previews, most recent first.
func (c *Client) RecentMessages(ctx context.Context) ([]chat.ConversationPreview, error) {
	var out []chat.ConversationPreview
	if _, err := c.do(ctx, http.MethodGet, "/api/chat/recent-messages", nil, nil, &out, true); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Type == "" {
			out[i].Type = chat.Private
			if out[i].Group != nil {
				out[i].Type = chat.Group
			}
		}
	}
	return out, nil
}

// Messages returns one page of history in ascending chronological order.
// The server answers newest first.
func (c *Client) Messages(ctx context.Context, p Page) ([]chat.Message, error) {
	q := url.Values{}
	if p.RecipientID != "" {
		q.Set("recipientId", p.RecipientID)
	}
	if p.GroupID != "" {
		q.Set("groupId", p.GroupID)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	var out []chat.Message
	if _, err := c.do(ctx, http.MethodGet, "/api/chat/messages", q, nil, &out, true); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Contacts returns the user's contacts.
func (c *Client) Contacts(ctx context.Context) ([]chat.Contact, error) {
	var out []chat.Contact
	if _, err := c.do(ctx, http.MethodGet, "/api/contacts", nil, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, authed bool) (*http.Response, error) {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := c.Token()
		if token == "" {
			return nil, ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return resp, nil
}
