package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/ratelimit"
)

const (
	userA = "00000000-0000-4000-8000-00000000000a"
	userB = "00000000-0000-4000-8000-00000000000b"
)

// headerAuth trusts the X-User header.
type headerAuth struct{}

func (headerAuth) Authenticate(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User"); id != "" {
		return id, nil
	}
	return "", errors.New("no credentials")
}

type testEnv struct {
	srv     *Server
	reg     *presence.Registry
	httpURL string
	wsURL   string
}

func newTestEnv(t *testing.T, mutate func(*ServerConfig)) *testEnv {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.WriteTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	reg := presence.NewRegistry(nil)
	dispatcher := NewMessageDispatcher(nil, nil)
	srv := NewServer(cfg, Deps{
		Auth:      headerAuth{},
		Registry:  reg,
		OnMessage: dispatcher.Dispatch,
	})
	dispatcher.SetServer(srv)
	reg.SetOnChange(srv.BroadcastRoster)
	require.NoError(t, srv.Open())

	mux := http.NewServeMux()
	srv.Mount(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		hs.Close()
	})

	return &testEnv{
		srv:     srv,
		reg:     reg,
		httpURL: hs.URL,
		wsURL:   "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

type testClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (e *testEnv) dial(t *testing.T, userID string) *testClient {
	t.Helper()
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"X-User": []string{userID}}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := dialer.Dial(ctx, e.wsURL+"/ws?userId="+userID)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &testClient{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
	}
}

func (c *testClient) next(t *testing.T) (string, interface{}) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	typ, msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	return typ, msg
}

func (c *testClient) nextRoster(t *testing.T) []string {
	t.Helper()
	typ, msg := c.next(t)
	require.Equal(t, protocol.TypeOnlineRosterChanged, typ)
	return msg.(protocol.OnlineRosterChangedMsg).OnlineUsers
}

func (c *testClient) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(frame)))
}

func TestHandshakeRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		query  string
		user   string
		status int
	}{
		{name: "missing userId", query: "", user: userA, status: http.StatusBadRequest},
		{name: "malformed userId", query: "?userId=not-a-uuid", user: userA, status: http.StatusBadRequest},
		{name: "unauthenticated", query: "?userId=" + userA, user: "", status: http.StatusUnauthorized},
		{name: "someone else's id", query: "?userId=" + userB, user: userA, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.httpURL+"/ws"+tt.query, nil)
			require.NoError(t, err)
			if tt.user != "" {
				req.Header.Set("X-User", tt.user)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			require.Equal(t, tt.status, resp.StatusCode)
			require.Zero(t, env.reg.Count())
			require.Zero(t, env.srv.Connections().Count())
		})
	}
}

// denyLimiter rejects every handshake.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 42 * time.Second
}

func TestHandshakeRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.deps.Limiter = denyLimiter{}

	req, err := http.NewRequest(http.MethodGet, env.httpURL+"/ws?userId="+userA, nil)
	require.NoError(t, err)
	req.Header.Set("X-User", userA)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "42", resp.Header.Get("Retry-After"))
	require.False(t, env.reg.IsOnline(userA))
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.MaxConnections = 1 })
	a := env.dial(t, userA)
	a.nextRoster(t)

	req, err := http.NewRequest(http.MethodGet, env.httpURL+"/ws?userId="+userB, nil)
	require.NoError(t, err)
	req.Header.Set("X-User", userB)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.False(t, env.reg.IsOnline(userB))
}

func TestRosterBroadcastOnConnectAndClose(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	a := env.dial(t, userA)
	req.Equal([]string{userA}, a.nextRoster(t))

	b := env.dial(t, userB)
	req.Equal([]string{userA, userB}, b.nextRoster(t))
	req.Equal([]string{userA, userB}, a.nextRoster(t))

	b.conn.Close()
	req.Equal([]string{userA}, a.nextRoster(t))
	req.False(env.reg.IsOnline(userB))
}

func TestPush(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	b := env.dial(t, userB)
	b.nextRoster(t)

	msg := model.Message{ID: "m-1", SenderID: userA, ReceiverID: userB, Text: "hello"}
	req.NoError(env.srv.Push(userB, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg}))

	typ, got := b.next(t)
	req.Equal(protocol.TypeNewMessage, typ)
	nm := got.(protocol.NewMessageMsg)
	req.Equal("hello", nm.Message.Text)
	req.Equal(userA, nm.Message.SenderID)

	err := env.srv.Push(userA, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})
	req.ErrorIs(err, ErrNotOnline)
}

func TestReconnectKeepsNewerChannel(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	first := env.dial(t, userA)
	first.nextRoster(t)
	firstConnID, ok := env.reg.Lookup(userA)
	req.True(ok)

	second := env.dial(t, userA)
	second.nextRoster(t)
	secondConnID, ok := env.reg.Lookup(userA)
	req.True(ok)
	req.NotEqual(firstConnID, secondConnID)

	// Closing the superseded channel must not evict the new one.
	first.conn.Close()
	req.Eventually(func() bool {
		return env.srv.Connections().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	connID, ok := env.reg.Lookup(userA)
	req.True(ok)
	req.Equal(secondConnID, connID)

	req.NoError(env.srv.Push(userA, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: model.Message{ID: "m-2", SenderID: userB, ReceiverID: userA, Text: "still here"},
	}))
	// No roster was broadcast for the stale close, so the push is next.
	typ, _ := second.next(t)
	req.Equal(protocol.TypeNewMessage, typ)
}

func TestDispatchPingAndUnknown(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	a := env.dial(t, userA)
	a.nextRoster(t)

	a.send(t, `{"type":"ping"}`)
	typ, _ := a.next(t)
	req.Equal(protocol.TypePong, typ)

	a.send(t, `{"type":"find_match"}`)
	typ, got := a.next(t)
	req.Equal(protocol.TypeError, typ)
	req.Equal(protocol.CodeBadRequest, got.(protocol.ErrorMsg).Code)

	a.send(t, `{"type":"mark_seen","message_id":"m-1"}`)
	typ, _ = a.next(t)
	req.Equal(protocol.TypeError, typ, "no handler registered for mark_seen")
}

func TestHeartbeatEvictsIdleConnections(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	a := env.dial(t, userA)
	a.nextRoster(t)
	req.True(env.reg.IsOnline(userA))

	env.srv.checkConnections(DefaultHeartbeatConfig(), time.Now().Add(time.Minute))

	req.False(env.reg.IsOnline(userA))
	req.Zero(env.srv.Connections().Count())
}

func TestRemoveConnectionExactlyOnce(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)

	var disconnects atomic.Int32
	env.srv.SetOnDisconnect(func(*Connection) { disconnects.Add(1) })

	a := env.dial(t, userA)
	a.nextRoster(t)
	conns := env.srv.Connections().All()
	req.Len(conns, 1)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			env.srv.RemoveConnection(conns[0])
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	// The read path may race the explicit removals and win.
	req.Eventually(func() bool { return disconnects.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	req.Equal(int32(1), disconnects.Load())
	req.False(env.reg.IsOnline(userA))
}

// addStalled attaches a channel whose peer never reads.
func (e *testEnv) addStalled(t *testing.T, connID, userID string) *Connection {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })
	c := newConnection(connID, userID, server, -1, "pipe")
	e.srv.conns.Add(c)
	e.srv.startWriter(c)
	return c
}

func TestStalledChannelsDoNotBlockPresence(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, func(c *ServerConfig) { c.WriteTimeout = 2 * time.Second })

	a := env.dial(t, userA)
	a.nextRoster(t)

	for i := 0; i < 3; i++ {
		env.addStalled(t, fmt.Sprintf("stalled-%d", i), fmt.Sprintf("stalled-user-%d", i))
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range []string{"u-1", "u-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.reg.Register(id, "conn-"+id))
		}()
	}
	wg.Wait()
	req.Less(time.Since(start), 500*time.Millisecond)

	req.Len(a.nextRoster(t), 2)
	req.Equal([]string{userA, "u-1", "u-2"}, a.nextRoster(t))

	// Each stalled channel misses its write deadline and is closed.
	req.Eventually(func() bool {
		return env.srv.Connections().Count() == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPushToStalledChannelDoesNotWait(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, func(c *ServerConfig) { c.WriteTimeout = 2 * time.Second })

	env.addStalled(t, "stalled-b", userB)
	req.NoError(env.reg.Register(userB, "stalled-b"))

	msg := protocol.NewMessageMsg{Message: model.Message{ID: "m-1", SenderID: userA, ReceiverID: userB, Text: "hi"}}
	start := time.Now()
	var err error
	for i := 0; i < outboxSize+2 && err == nil; i++ {
		err = env.srv.Push(userB, protocol.TypeNewMessage, msg)
	}
	req.Less(time.Since(start), 500*time.Millisecond)
	req.ErrorIs(err, ErrOutboxFull)

	req.Eventually(func() bool { return !env.reg.IsOnline(userB) }, 5*time.Second, 20*time.Millisecond)
}
