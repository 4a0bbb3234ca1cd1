package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"X402-Chain/pkg/logger"
)

const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	grantTypePassword = "password"
	grantTypeRefresh  = "refresh_token"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, store: store, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode requires a user store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 3600
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = 86400
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
			refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
			clock:      time.Now,
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 按 grant_type 签发令牌对，支持 password 与 refresh_token。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}

	var subject *Subject
	switch grant {
	case grantTypePassword:
		user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
		if err != nil {
			return nil, ErrInvalidCredentials
		}
		if user.Disabled {
			return nil, ErrSubjectRevoked
		}
		if !verifyPassword(user.PasswordHash, req.Password) {
			return nil, ErrInvalidCredentials
		}
		subject, err = s.loadActiveSubject(ctx, user.ID)
		if err != nil {
			return nil, err
		}
	case grantTypeRefresh:
		claims, err := s.jwt.Verify(req.RefreshToken, tokenTypeRefresh)
		if err != nil {
			return nil, err
		}
		subject, err = s.subjectFromClaims(ctx, claims)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedGrant
	}

	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	s.audit.Info("token_issued", "user", subject.Username, "grant", grant)
	return pair, nil
}

// AuthenticateRequest 验证 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.jwt.Verify(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return s.subjectFromClaims(ctx, claims)
}

func (s *Service) subjectFromClaims(ctx context.Context, claims *tokenClaims) (*Subject, error) {
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return s.loadActiveSubject(ctx, userID)
}

func (s *Service) loadActiveSubject(ctx context.Context, userID int64) (*Subject, error) {
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

// jwtManager 负责 HS256 令牌的签名和验证。
type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      func() time.Time
}

type tokenClaims struct {
	Username    string   `json:"username,omitempty"`
	Address     string   `json:"addr,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

// Generate 生成访问令牌和刷新令牌对。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject required")
	}
	now := m.clock()
	registered := func(ttl time.Duration) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			Audience:  append(jwt.ClaimStrings(nil), m.audience...),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		}
	}

	access, err := m.sign(tokenClaims{
		Username:         subject.Username,
		Address:          subject.Address.Hex(),
		Roles:            append([]string(nil), subject.Roles...),
		Permissions:      append([]string(nil), subject.Permissions...),
		TokenType:        tokenTypeAccess,
		RegisteredClaims: registered(m.accessTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := m.sign(tokenClaims{
		Username:         subject.Username,
		TokenType:        tokenTypeRefresh,
		RegisteredClaims: registered(m.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (m *jwtManager) sign(claims tokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify 校验签名、有效期、issuer 与 audience，并要求令牌类型匹配。
func (m *jwtManager) Verify(token, tokenType string) (*tokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if len(m.audience) > 0 {
		opts = append(opts, jwt.WithAudience(m.audience[0]))
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// HashPassword 使用 bcrypt 计算密码摘要。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
