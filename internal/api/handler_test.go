package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/media"
	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/user"
)

type fakeUsers struct {
	signup func(user.SignupInput) (user.Session, error)
	me     model.User
}

func (f *fakeUsers) Signup(_ context.Context, in user.SignupInput) (user.Session, error) {
	return f.signup(in)
}

func (f *fakeUsers) Login(context.Context, user.LoginInput) (user.Session, error) {
	return user.Session{}, user.ErrInvalidCredentials
}

func (f *fakeUsers) Me(_ context.Context, id string) (model.User, error) {
	if id != f.me.ID {
		return model.User{}, apperr.ErrUnauthenticated
	}
	return f.me, nil
}

func (f *fakeUsers) UpdateProfile(_ context.Context, id string, in user.UpdateInput) (model.User, error) {
	u := f.me
	if in.Bio != nil {
		u.Bio = *in.Bio
	}
	return u, nil
}

type fakeChat struct {
	lastSend chat.SendInput
	lastPeer string
	err      error
}

func (f *fakeChat) Roster(_ context.Context, me string) (model.Roster, error) {
	return model.Roster{
		Users:          []model.User{{ID: "peer", FullName: "Peer"}},
		UnseenMessages: map[string]int{"peer": 2},
	}, f.err
}

func (f *fakeChat) Thread(_ context.Context, me, peer string) ([]model.Message, error) {
	f.lastPeer = peer
	return nil, f.err
}

func (f *fakeChat) Send(_ context.Context, me, peer string, in chat.SendInput) (model.Message, error) {
	f.lastSend, f.lastPeer = in, peer
	if f.err != nil {
		return model.Message{}, f.err
	}
	return model.Message{ID: "m1", SenderID: me, ReceiverID: peer, Text: in.Text}, nil
}

func (f *fakeChat) MarkSeen(_ context.Context, me, id string) (model.Message, error) {
	if id != "m1" {
		return model.Message{}, apperr.NotFound("message")
	}
	return model.Message{ID: "m1", ReceiverID: me, Seen: true}, nil
}

type fakeMedia struct{}

func (fakeMedia) Get(_ context.Context, id string) (media.Blob, []byte, error) {
	if id != "b1" {
		return media.Blob{}, nil, apperr.NotFound("media")
	}
	return media.Blob{ID: id, ContentType: "image/png"}, []byte("\x89PNG"), nil
}

type testEnv struct {
	server *httptest.Server
	issuer *auth.Issuer
	users  *fakeUsers
	chat   *fakeChat
}

func newTestEnv(t *testing.T, origins ...string) *testEnv {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	env := &testEnv{
		issuer: auth.NewIssuer("test-secret", time.Hour),
		users:  &fakeUsers{me: model.User{ID: "me", FullName: "Me"}},
		chat:   &fakeChat{},
	}
	h := NewHandler(env.users, env.chat, fakeMedia{}, auth.NewAuthenticator(env.issuer), Options{}, nil)
	mux := http.NewServeMux()
	h.Mount(mux)
	env.server = httptest.NewServer(CORS(origins)(mux))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, authed bool) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if authed {
		token, _, err := e.issuer.Issue("me")
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func TestSignupSetsCookie(t *testing.T) {
	env := newTestEnv(t)
	env.users.signup = func(in user.SignupInput) (user.Session, error) {
		assert.Equal(t, "a@example.com", in.Email)
		return user.Session{User: model.User{ID: "u1"}, Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	resp, body := env.do(t, http.MethodPost, "/api/users/signup",
		`{"fullName":"A","email":"a@example.com","password":"secret1","bio":"b"}`, false)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, body.Success)
	assert.Equal(t, http.StatusCreated, body.StatusCode)
	assert.Equal(t, "u1", body.Data.(map[string]interface{})["user"].(map[string]interface{})["id"])

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, "tok", cookie.Value)
	assert.True(t, cookie.HttpOnly)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	env.users.signup = func(user.SignupInput) (user.Session, error) {
		return user.Session{}, apperr.ErrConflict
	}

	resp, body := env.do(t, http.MethodPost, "/api/users/signup", `{}`, false)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, body.Success)

	resp, _ = env.do(t, http.MethodPost, "/api/users/signup", `{not json`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/users/login", `{"email":"a","password":"b"}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.chat.err = apperr.RateLimited(1500 * time.Millisecond)
	resp, _ = env.do(t, http.MethodPost, "/api/messages/send/peer", `{"text":"hi"}`, true)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	env.chat.err = errors.New("pq: connection refused")
	resp, body = env.do(t, http.MethodGet, "/api/messages/users", "", true)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body.Message, "pq")
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/users/is-auth"},
		{http.MethodGet, "/api/users/logout"},
		{http.MethodPut, "/api/users/update-profile"},
		{http.MethodGet, "/api/messages/users"},
		{http.MethodGet, "/api/messages/peer"},
		{http.MethodPut, "/api/messages/mark/m1"},
		{http.MethodPost, "/api/messages/send/peer"},
	} {
		resp, body := env.do(t, route.method, route.path, "", false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, route.path)
		assert.False(t, body.Success, route.path)
	}

	resp, body := env.do(t, http.MethodGet, "/api/users/is-auth", "", true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Me", body.Data.(map[string]interface{})["user"].(map[string]interface{})["fullName"])
}

func TestLogoutClearsCookie(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/api/users/logout", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, resp.Cookies(), 1)
	assert.Equal(t, auth.CookieName, resp.Cookies()[0].Name)
	assert.Empty(t, resp.Cookies()[0].Value)
	assert.Negative(t, resp.Cookies()[0].MaxAge)
}

func TestRosterShape(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/messages/users", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body.Data.(map[string]interface{})
	assert.Len(t, data["users"], 1)
	assert.Equal(t, map[string]interface{}{"peer": float64(2)}, data["unseenMessages"])
	// /users must not be captured by the thread route.
	assert.Empty(t, env.chat.lastPeer)
}

func TestThreadAndSend(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/messages/peer", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "peer", env.chat.lastPeer)
	assert.Equal(t, []interface{}{}, body.Data.(map[string]interface{})["messages"])

	resp, body = env.do(t, http.MethodPost, "/api/messages/send/peer", `{"text":"hi"}`, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, chat.SendInput{Text: "hi"}, env.chat.lastSend)
	msg := body.Data.(map[string]interface{})["message"].(map[string]interface{})
	assert.Equal(t, "me", msg["senderId"])
	assert.Equal(t, "peer", msg["receiverId"])
}

func TestMarkSeen(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPut, "/api/messages/mark/m1", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body.Data.(map[string]interface{})["seen"])

	resp, body = env.do(t, http.MethodPut, "/api/messages/mark/missing", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, body.Success)
}

func TestServeMedia(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/media/b1", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, _ = env.do(t, http.MethodGet, "/media/nope", "", false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	send := func(t *testing.T, srv *httptest.Server, method, origin string) *http.Response {
		req, err := http.NewRequest(method, srv.URL+"/api/users/login", nil)
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	t.Run("allowed origin", func(t *testing.T) {
		env := newTestEnv(t, "http://a.example", "http://b.example")
		resp := send(t, env.server, http.MethodOptions, "http://b.example")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "http://b.example", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	})

	t.Run("disallowed origin", func(t *testing.T) {
		env := newTestEnv(t, "http://a.example")
		resp := send(t, env.server, http.MethodPost, "http://evil.example")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("no origin", func(t *testing.T) {
		env := newTestEnv(t, "http://a.example")
		resp := send(t, env.server, http.MethodPost, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("wildcard", func(t *testing.T) {
		env := newTestEnv(t, "*")
		resp := send(t, env.server, http.MethodOptions, "http://anything.example")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "http://anything.example", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}
