// Package bootstrap 提供数据库初始化能力：AutoMigrate 建表 + Seed 演示数据。
// 通过 `go run main.go -module init` 调用，幂等可重复执行。
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/chorus/logic/service"
	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/relay/config"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
	genesisconfig "github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	defaultGroupRoom  = "room-general"
	defaultDirectRoom = "room-direct-alice-bob"
)

// Config 初始化所需的配置（复用 relay.yaml）
type Config struct {
	Log      clog.Config                `mapstructure:"log"`
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"`
	Auth     config.AuthConfig          `mapstructure:"auth"`
	Seed     SeedConfig                 `mapstructure:"seed"`
}

// SeedConfig 演示数据配置
type SeedConfig struct {
	Users    []SeedUser `mapstructure:"users"`
	Password string     `mapstructure:"password"` // 所有演示用户共用的开发密码
}

// SeedUser 演示用户
type SeedUser struct {
	ID          string `mapstructure:"id"`
	Username    string `mapstructure:"username"`
	DisplayName string `mapstructure:"display_name"`
}

// GetUsers 未配置时使用 alice / bob / carol
func (c *SeedConfig) GetUsers() []SeedUser {
	if len(c.Users) > 0 {
		return c.Users
	}
	return []SeedUser{
		{ID: "u-alice", Username: "alice", DisplayName: "Alice"},
		{ID: "u-bob", Username: "bob", DisplayName: "Bob"},
		{ID: "u-carol", Username: "carol", DisplayName: "Carol"},
	}
}

// GetPassword 获取开发密码
func (c *SeedConfig) GetPassword() string {
	if c.Password != "" {
		return c.Password
	}
	return "chorus123"
}

// Run 执行数据库初始化：建表 + 种子数据 + 开发凭证
func Run() error {
	// 1. 加载配置
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. 初始化日志
	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	logger.Info("starting database initialization...")

	ctx := context.Background()

	// 3. 连接 PostgreSQL
	postgresConn, err := connector.NewPostgreSQL(&cfg.Postgres, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("postgresql connector: %w", err)
	}
	defer postgresConn.Close()
	if err := postgresConn.Connect(ctx); err != nil {
		return fmt.Errorf("postgresql connect: %w", err)
	}

	database, err := db.New(&db.Config{Driver: "postgresql"}, db.WithPostgreSQLConnector(postgresConn), db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	defer database.Close()

	// 4. AutoMigrate 建表 + 索引
	logger.Info("running AutoMigrate...")
	if err := Migrate(ctx, database); err != nil {
		return err
	}
	logger.Info("AutoMigrate completed")

	// 5. Seed
	logger.Info("seeding initial data...")
	if err := Seed(ctx, database, &cfg.Seed, logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Info("seed completed")

	// 6. 开发凭证
	if cfg.Auth.Secret == "" {
		logger.Warn("auth secret not configured, dev tokens skipped")
	} else if err := printTokens(database, cfg, logger); err != nil {
		return err
	}

	logger.Info("database initialization finished successfully")
	return nil
}

// Migrate 建表
func Migrate(ctx context.Context, database db.DB) error {
	if err := database.DB(ctx).AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Seed 插入演示数据（幂等）：用户、一个全员群、alice 与 bob 的单聊、房间创建标记
func Seed(ctx context.Context, database db.DB, seedCfg *SeedConfig, logger clog.Logger) error {
	gormDB := database.DB(ctx)
	users := seedCfg.GetUsers()

	// 1. 用户
	hashed, err := bcrypt.GenerateFromPassword([]byte(seedCfg.GetPassword()), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	userIDs := make([]string, 0, len(users))
	for _, u := range users {
		user := &model.User{
			ID:           u.ID,
			Username:     u.Username,
			DisplayName:  u.DisplayName,
			PasswordHash: string(hashed),
		}
		if err := gormDB.Where("id = ?", user.ID).FirstOrCreate(user).Error; err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		userIDs = append(userIDs, u.ID)
		logger.Info("user ready", clog.String("user_id", u.ID), clog.String("username", u.Username))
	}

	messageRepo, err := repo.NewMessageRepo(database, repo.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("message repo: %w", err)
	}

	// 2. 全员群
	if err := seedRoom(ctx, gormDB, messageRepo, &model.Room{
		ID:      defaultGroupRoom,
		IsGroup: true,
		Name:    "General",
	}, userIDs, logger); err != nil {
		return err
	}

	// 3. 前两个用户的单聊
	if len(userIDs) >= 2 {
		if err := seedRoom(ctx, gormDB, messageRepo, &model.Room{
			ID: defaultDirectRoom,
		}, userIDs[:2], logger); err != nil {
			return err
		}
	}
	return nil
}

// seedRoom 创建房间、成员，首次创建时写入 room_created 标记并前移成员指针
func seedRoom(ctx context.Context, gormDB *gorm.DB, messageRepo repo.MessageRepo, room *model.Room, memberIDs []string, logger clog.Logger) error {
	if err := gormDB.Where("id = ?", room.ID).FirstOrCreate(room).Error; err != nil {
		return fmt.Errorf("seed room %s: %w", room.ID, err)
	}

	now := time.Now()
	for i, uid := range memberIDs {
		kind := model.MemberNormal
		if i == 0 {
			kind = model.MemberOwner
		}
		member := &model.RoomMember{RoomID: room.ID, UserID: uid, Kind: kind, JoinedAt: now}
		if err := gormDB.Where("room_id = ? AND user_id = ?", room.ID, uid).FirstOrCreate(member).Error; err != nil {
			return fmt.Errorf("seed member %s of %s: %w", uid, room.ID, err)
		}
	}

	var marker model.Message
	err := gormDB.Where("room_id = ? AND type = ?", room.ID, model.TypeRoomCreated).First(&marker).Error
	switch {
	case err == nil:
		logger.Info("room ready", clog.String("room_id", room.ID))
		return nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("query room marker %s: %w", room.ID, err)
	}

	roomID := room.ID
	marker = model.Message{RoomID: &roomID, Type: model.TypeRoomCreated}
	if err := messageRepo.CreateMessage(ctx, &marker, nil, memberIDs); err != nil {
		return fmt.Errorf("seed room marker %s: %w", room.ID, err)
	}
	logger.Info("room created",
		clog.String("room_id", room.ID),
		clog.Int("members", len(memberIDs)),
		clog.Int64("marker_id", marker.ID))
	return nil
}

// printTokens 为演示用户签发开发凭证并输出到日志
func printTokens(database db.DB, cfg *Config, logger clog.Logger) error {
	userRepo, err := repo.NewUserRepo(database, repo.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("user repo: %w", err)
	}
	gate := service.NewIdentityGate(userRepo, cfg.Auth.Secret, cfg.Auth.Issuer, logger)

	for _, u := range cfg.Seed.GetUsers() {
		token, err := gate.Issue(u.ID, cfg.Auth.GetTokenTTL())
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", u.Username, err)
		}
		logger.Info("dev token",
			clog.String("username", u.Username),
			clog.String("token", token))
	}
	return nil
}

// loadConfig 加载配置（复用 relay.yaml）
func loadConfig() (*Config, error) {
	loader, err := genesisconfig.New(&genesisconfig.Config{
		Name:      "relay",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "CHORUS",
	})
	if err != nil {
		return nil, err
	}

	if err := loader.Load(context.Background()); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
