package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/genesis/clog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis 启动 Redis 容器，Docker 不可用时跳过
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var (
		container testcontainers.Container
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panic: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7.2-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("跳过测试：启动 Redis 容器失败: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.Eventually(t, func() bool {
		return client.Ping(context.Background()).Err() == nil
	}, 10*time.Second, 200*time.Millisecond)
	return client
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(clog.Discard())
	assert.NoError(t, s.Deliver(context.Background(), &notify.Event{Kind: notify.KindMessage}))
}

func TestInboxSink(t *testing.T) {
	client := startRedis(t)
	s := NewInboxSink(client, clog.Discard())
	ctx := context.Background()

	t.Run("每个接收者一份", func(t *testing.T) {
		require.NoError(t, s.Deliver(ctx, &notify.Event{
			Kind:         notify.KindMention,
			RecipientIDs: []string{"bob", "carol"},
			ActorID:      "alice",
			MessageID:    1,
		}))

		for _, uid := range []string{"bob", "carol"} {
			got, err := s.List(ctx, uid, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, int64(1), got[0].MessageID)
		}

		ttl, err := client.TTL(ctx, InboxKey("bob")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("定长且最新在前", func(t *testing.T) {
		for i := int64(0); i < inboxSize+5; i++ {
			require.NoError(t, s.Deliver(ctx, &notify.Event{
				Kind:         notify.KindMessage,
				RecipientIDs: []string{"dave"},
				MessageID:    i,
			}))
		}

		n, err := client.LLen(ctx, InboxKey("dave")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(inboxSize), n)

		got, err := s.List(ctx, "dave", 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(inboxSize+4), got[0].MessageID)
		assert.Equal(t, int64(inboxSize+3), got[1].MessageID)
	})

	t.Run("没有接收者", func(t *testing.T) {
		assert.NoError(t, s.Deliver(ctx, &notify.Event{Kind: notify.KindReaction}))
	})
}
