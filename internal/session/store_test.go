package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestStore requires a running Redis on localhost:6379 and skips
// otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{SessionPrefix + "test_*", UserSessionsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client, "test-server")
}

func TestCreateGetDelete(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	req.NoError(store.Create(ctx, "test_conn_1", "test_user_1", "127.0.0.1:5000"))

	sess, err := store.Get(ctx, "test_conn_1")
	req.NoError(err)
	req.NotNil(sess)
	req.Equal("test_user_1", sess.UserID)
	req.Equal("test-server", sess.Server)
	req.Equal("127.0.0.1:5000", sess.RemoteAddr)
	req.NotZero(sess.CreatedAt)

	conns, err := store.ConnectionsOf(ctx, "test_user_1")
	req.NoError(err)
	req.Equal([]string{"test_conn_1"}, conns)

	ttl, err := store.Client().TTL(ctx, SessionPrefix+"test_conn_1").Result()
	req.NoError(err)
	req.Greater(ttl, 59*time.Minute)

	req.NoError(store.Delete(ctx, "test_conn_1", "test_user_1"))

	sess, err = store.Get(ctx, "test_conn_1")
	req.NoError(err)
	req.Nil(sess)

	conns, err = store.ConnectionsOf(ctx, "test_user_1")
	req.NoError(err)
	req.Empty(conns)
}

func TestTouchRefreshesLastActive(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	req.NoError(store.Create(ctx, "test_conn_2", "test_user_2", ""))
	req.NoError(store.Client().HSet(ctx, SessionPrefix+"test_conn_2", "last_active", 1).Err())

	req.NoError(store.Touch(ctx, "test_conn_2", "test_user_2"))

	sess, err := store.Get(ctx, "test_conn_2")
	req.NoError(err)
	req.Greater(sess.LastActive, int64(1))
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Get(context.Background(), "test_missing")
	require.NoError(t, err)
	require.Nil(t, sess)
}
