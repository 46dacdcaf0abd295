package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "ZKPay-Chain/internal/errors"
)

// Mode 指定认证方式。
type Mode string

const (
	// ModeDisabled 不做任何校验。
	ModeDisabled Mode = "disabled"
	// ModeJWT 校验 HS256 签名的访问令牌。
	ModeJWT Mode = "jwt"
)

const defaultTokenTTL = 24 * time.Hour

// Config 描述认证服务参数。
type Config struct {
	Mode     Mode
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

// claims 是访问令牌中携带的声明。
type claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

// Service 负责签发与校验访问令牌。
type Service struct {
	mode   Mode
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewService 根据配置创建认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, issuer: cfg.Issuer, ttl: cfg.TokenTTL, now: time.Now}
	if s.ttl <= 0 {
		s.ttl = defaultTokenTTL
	}
	if s.issuer == "" {
		s.issuer = "zkpayd"
	}
	switch mode {
	case ModeDisabled:
	case ModeJWT:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("jwt 模式要求至少 32 字节的签名密钥")
		}
		s.secret = []byte(cfg.Secret)
	default:
		return nil, fmt.Errorf("未知的认证模式: %s", mode)
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为指定主体签发访问令牌。
func (s *Service) Issue(subjectID string, permissions ...string) (string, time.Time, error) {
	if s.Mode() != ModeJWT {
		return "", time.Time{}, errors.New("认证未启用，无法签发令牌")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Permissions: permissions,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("签发令牌失败: %w", err)
	}
	return signed, expires, nil
}

// AuthenticateRequest 解析 Authorization 头中的 Bearer 令牌。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s.Mode() == ModeDisabled {
		return &Subject{ID: "anonymous", Permissions: []string{"*"}}, nil
	}
	raw := strings.TrimSpace(authorization)
	if raw == "" {
		return nil, ErrMissingToken
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	return s.verify(raw)
}

func (s *Service) verify(raw string) (*Subject, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidToken, err, "")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Subject{ID: c.Subject, Permissions: c.Permissions}, nil
}
