package repo

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// backend 包内测试共享的容器与连接，首次使用时启动，TestMain 统一回收
type backend struct {
	once sync.Once
	err  error

	container testcontainers.Container
	close     []func()
}

var (
	pgBackend    backend
	redisBackend backend

	testDB    db.DB
	testRedis connector.RedisConnector
)

// dataTables 按依赖倒序排列，TRUNCATE 一次清空
var dataTables = []string{
	"t_notify_outbox",
	"t_mention",
	"t_attachment",
	"t_last_message",
	"t_read",
	"t_delivery",
	"t_reaction",
	"t_message",
	"t_room_member",
	"t_room",
	"t_user",
}

func getTestLogger(t *testing.T) clog.Logger {
	t.Helper()
	return clog.Discard()
}

// start 启动容器并返回 host 与映射端口；Docker 不可用时 testcontainers 可能直接 panic
func (b *backend) start(req testcontainers.ContainerRequest, port string) (host string, mapped int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("testcontainers panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	b.container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("启动 %s 容器失败: %w", req.Image, err)
	}
	if host, err = b.container.Host(ctx); err != nil {
		return "", 0, err
	}
	p, err := b.container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", 0, err
	}
	mapped, err = strconv.Atoi(p.Port())
	return host, mapped, err
}

func (b *backend) shutdown(ctx context.Context) {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
	if b.container != nil {
		_ = b.container.Terminate(ctx)
	}
}

func retry(attempts int, interval time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(interval)
	}
	return err
}

func setupTestDB(t *testing.T) db.DB {
	t.Helper()
	pgBackend.once.Do(func() {
		host, port, err := pgBackend.start(testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "chorus_test",
				"POSTGRES_USER":     "chorus",
				"POSTGRES_PASSWORD": "chorus123",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		}, "5432/tcp")
		if err != nil {
			pgBackend.err = err
			return
		}

		logger := getTestLogger(t)
		conn, err := connector.NewPostgreSQL(&connector.PostgreSQLConfig{
			Name:           "repo-test",
			Host:           host,
			Port:           port,
			Username:       "chorus",
			Password:       "chorus123",
			Database:       "chorus_test",
			SSLMode:        "disable",
			MaxOpenConns:   20,
			ConnectTimeout: 5 * time.Second,
			Timezone:       "UTC",
		}, connector.WithLogger(logger))
		if err != nil {
			pgBackend.err = err
			return
		}
		pgBackend.close = append(pgBackend.close, func() { _ = conn.Close() })
		if err := retry(20, 500*time.Millisecond, func() error { return conn.Connect(context.Background()) }); err != nil {
			pgBackend.err = fmt.Errorf("连接 PostgreSQL 失败: %w", err)
			return
		}

		database, err := db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(conn), db.WithLogger(logger))
		if err != nil {
			pgBackend.err = err
			return
		}
		pgBackend.close = append(pgBackend.close, func() { _ = database.Close() })
		if err := database.DB(context.Background()).AutoMigrate(model.AllModels()...); err != nil {
			pgBackend.err = fmt.Errorf("auto migrate: %w", err)
			return
		}
		testDB = database
	})

	if pgBackend.err != nil {
		t.Skipf("跳过测试：%v", pgBackend.err)
	}
	return testDB
}

func getTestRedis(t *testing.T) connector.RedisConnector {
	t.Helper()
	redisBackend.once.Do(func() {
		host, port, err := redisBackend.start(testcontainers.ContainerRequest{
			Image:        "redis:7.2-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		}, "6379/tcp")
		if err != nil {
			redisBackend.err = err
			return
		}

		conn, err := connector.NewRedis(&connector.RedisConfig{
			Name:        "repo-test",
			Addr:        fmt.Sprintf("%s:%d", host, port),
			DB:          1,
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		}, connector.WithLogger(getTestLogger(t)))
		if err != nil {
			redisBackend.err = err
			return
		}
		redisBackend.close = append(redisBackend.close, func() { _ = conn.Close() })
		if err := retry(20, 500*time.Millisecond, func() error { return conn.Connect(context.Background()) }); err != nil {
			redisBackend.err = fmt.Errorf("连接 Redis 失败: %w", err)
			return
		}
		testRedis = conn
	})

	if redisBackend.err != nil {
		t.Skipf("跳过测试：%v", redisBackend.err)
	}
	return testRedis
}

// setupTestContext 返回清空过的数据库，cleanup 在用例结束时再清一次
func setupTestContext(t *testing.T) (db.DB, func()) {
	database := setupTestDB(t)
	truncate := func() {
		stmt := "TRUNCATE TABLE " + strings.Join(dataTables, ", ") + " RESTART IDENTITY CASCADE"
		if err := database.DB(context.Background()).Exec(stmt).Error; err != nil {
			t.Logf("警告：清理数据失败: %v", err)
		}
	}
	truncate()
	return database, truncate
}

func cleanupRedisData(t *testing.T, redisConn connector.RedisConnector) {
	ctx := context.Background()
	client := redisConn.GetClient()
	keys, err := client.Keys(ctx, "chorus:*").Result()
	if err != nil {
		t.Logf("警告：获取 Redis key 列表失败: %v", err)
		return
	}
	if len(keys) > 0 {
		_ = client.Del(ctx, keys...).Err()
	}
}

func TestMain(m *testing.M) {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pgBackend.shutdown(ctx)
	redisBackend.shutdown(ctx)
	cancel()

	os.Exit(code)
}

// seedRoom 创建房间及成员，第一个成员为 owner；用户不存在时一并创建
func seedRoom(t *testing.T, database db.DB, roomID string, isGroup bool, userIDs ...string) {
	t.Helper()
	gormDB := database.DB(context.Background())

	for _, uid := range userIDs {
		if err := gormDB.Where(model.User{ID: uid}).
			FirstOrCreate(&model.User{ID: uid, Username: uid, DisplayName: uid}).Error; err != nil {
			t.Fatalf("创建用户 %s 失败: %v", uid, err)
		}
	}
	if err := gormDB.Create(&model.Room{ID: roomID, IsGroup: isGroup, Name: roomID}).Error; err != nil {
		t.Fatalf("创建房间 %s 失败: %v", roomID, err)
	}

	now := time.Now()
	for i, uid := range userIDs {
		kind := model.MemberNormal
		if i == 0 {
			kind = model.MemberOwner
		}
		member := &model.RoomMember{
			RoomID:   roomID,
			UserID:   uid,
			Kind:     kind,
			JoinedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := gormDB.Create(member).Error; err != nil {
			t.Fatalf("创建成员 %s 失败: %v", uid, err)
		}
	}
}

// newContent 构造房间内的普通消息
func newContent(roomID, senderID, content string) *model.Message {
	return &model.Message{
		RoomID:   &roomID,
		SenderID: &senderID,
		Type:     model.TypeContent,
		Content:  content,
	}
}
