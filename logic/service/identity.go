package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/repo"
	"github.com/ceyewan/genesis/clog"
	"github.com/golang-jwt/jwt/v5"
)

// Identity 通过认证的连接身份
type Identity struct {
	ID          string
	Username    string
	DisplayName string
	Avatar      string
}

// IdentityGate 校验 bearer 凭证并解析出用户身份
type IdentityGate struct {
	userRepo repo.UserRepo
	secret   []byte
	issuer   string
	logger   clog.Logger
}

// NewIdentityGate 创建身份网关
func NewIdentityGate(userRepo repo.UserRepo, secret, issuer string, logger clog.Logger) *IdentityGate {
	return &IdentityGate{
		userRepo: userRepo,
		secret:   []byte(secret),
		issuer:   issuer,
		logger:   logger,
	}
}

// Validate 校验凭证，任何失败都返回 unauthenticated
func (g *IdentityGate) Validate(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return nil, NewError(CodeUnauthenticated, "missing credential", nil)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		g.logger.Debug("invalid credential", clog.Error(err))
		return nil, NewError(CodeUnauthenticated, "invalid credential", err)
	}
	if claims.Subject == "" {
		return nil, NewError(CodeUnauthenticated, "credential has no subject", nil)
	}

	user, err := g.userRepo.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, NewError(CodeUnauthenticated, "unknown user", err)
		}
		g.logger.Error("failed to load user for credential",
			clog.String("user_id", claims.Subject),
			clog.Error(err))
		return nil, NewError(CodeUnauthenticated, "identity unavailable", err)
	}

	return identityOf(user), nil
}

// Issue 签发开发用凭证
func (g *IdentityGate) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    g.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func identityOf(u *model.User) *Identity {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return &Identity{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: name,
		Avatar:      u.Avatar,
	}
}
