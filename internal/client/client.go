// Package client is a Go SDK for the direct-chat server: REST calls, the
// live delivery channel, and Inbox, the client-side read state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/user"
)

// APIError is a non-2xx response. It unwraps to the matching apperr
// sentinel so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return apperr.ErrValidation
	case http.StatusUnauthorized:
		return apperr.ErrUnauthenticated
	case http.StatusNotFound:
		return apperr.ErrNotFound
	case http.StatusConflict:
		return apperr.ErrConflict
	case http.StatusTooManyRequests:
		return apperr.ErrRateLimited
	default:
		return nil
	}
}

// Client talks to one server as one user. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a Client for baseURL, e.g. "http://localhost:8080". A nil
// httpClient uses a client with a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetToken sets the access token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current access token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type userData struct {
	User model.User `json:"user"`
}

// Signup creates an account and keeps its session token.
func (c *Client) Signup(ctx context.Context, in user.SignupInput) (model.User, error) {
	var out userData
	err := c.do(ctx, http.MethodPost, "/api/users/signup", in, &out)
	return out.User, err
}

// Login signs in and keeps the session token.
func (c *Client) Login(ctx context.Context, email, password string) (model.User, error) {
	var out userData
	err := c.do(ctx, http.MethodPost, "/api/users/login", user.LoginInput{Email: email, Password: password}, &out)
	return out.User, err
}

// Logout ends the session and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/api/users/logout", nil, nil)
	c.SetToken("")
	return err
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	var out userData
	err := c.do(ctx, http.MethodGet, "/api/users/is-auth", nil, &out)
	return out.User, err
}

// UpdateProfile changes the signed-in user's profile.
func (c *Client) UpdateProfile(ctx context.Context, in user.UpdateInput) (model.User, error) {
	var out userData
	err := c.do(ctx, http.MethodPut, "/api/users/update-profile", in, &out)
	return out.User, err
}

// Roster returns every other user and the unseen counts addressed to me.
func (c *Client) Roster(ctx context.Context) (model.Roster, error) {
	var out model.Roster
	err := c.do(ctx, http.MethodGet, "/api/messages/users", nil, &out)
	return out, err
}

// Thread returns the conversation with peer. The server marks peer's
// messages to me as seen.
func (c *Client) Thread(ctx context.Context, peer string) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peer), nil, &out)
	return out.Messages, err
}

// Send sends a message to peer.
func (c *Client) Send(ctx context.Context, peer string, in chat.SendInput) (model.Message, error) {
	var out struct {
		Message model.Message `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(peer), in, &out)
	return out.Message, err
}

// MarkSeen acknowledges one message over REST.
func (c *Client) MarkSeen(ctx context.Context, messageID string) (model.Message, error) {
	var out model.Message
	err := c.do(ctx, http.MethodPut, "/api/messages/mark/"+url.PathEscape(messageID), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	for _, ck := range resp.Cookies() {
		if ck.Name == auth.CookieName && ck.Value != "" {
			c.SetToken(ck.Value)
		}
	}

	var env struct {
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
		Success bool            `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("client: decode %s data: %w", path, err)
		}
	}
	return nil
}
