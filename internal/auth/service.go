package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gravity-claw/pkg/logger"
)

const defaultTTL = 12 * time.Hour

// Config 描述鉴权服务的参数。
type Config struct {
	Mode         Mode
	Secret       string
	Issuer       string
	TTL          time.Duration
	StaticTokens []string
}

// Claims 是操作员令牌携带的声明。
type Claims struct {
	Perms []string `json:"perms"`
	jwt.RegisteredClaims
}

// Service 负责签发与校验操作员令牌。
type Service struct {
	mode   Mode
	secret []byte
	issuer string
	ttl    time.Duration
	static []string
	audit  *slog.Logger
	now    func() time.Time
}

// NewService 校验配置并创建鉴权服务。
func NewService(cfg Config) (*Service, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDisabled
	}
	s := &Service{
		mode:   cfg.Mode,
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		audit:  logger.Audit(),
		now:    time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.issuer == "" {
		s.issuer = "gravity-claw"
	}
	for _, token := range cfg.StaticTokens {
		if token = strings.TrimSpace(token); token != "" {
			s.static = append(s.static, token)
		}
	}

	switch s.mode {
	case ModeDisabled:
	case ModeJWT:
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("%w: jwt mode requires a secret", ErrMisconfigured)
		}
	case ModeToken:
		if len(s.static) == 0 {
			return nil, fmt.Errorf("%w: token mode requires at least one static token", ErrMisconfigured)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMisconfigured, s.mode)
	}
	return s, nil
}

// Mode 返回当前鉴权方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// IssueToken 签发 HS256 令牌，perms 为空时授予全部权限。
func (s *Service) IssueToken(subject string, perms []string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("%w: signing secret is empty", ErrMisconfigured)
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if len(perms) == 0 {
		perms = AllPermissions
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	claims := Claims{
		Perms: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// AuthenticateRequest 解析 Authorization 头并返回主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token := bearerToken(authorization)
	if token == "" {
		return nil, ErrMissingToken
	}
	switch s.mode {
	case ModeToken:
		for _, candidate := range s.static {
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
				return &Subject{Name: "static-token", Permissions: AllPermissions}, nil
			}
		}
		return nil, ErrInvalidToken
	case ModeJWT:
		return s.verifyJWT(token)
	default:
		return nil, ErrInvalidToken
	}
}

func (s *Service) verifyJWT(raw string) (*Subject, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Subject{Name: claims.Subject, Permissions: claims.Perms}, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
