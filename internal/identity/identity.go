package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("缺少身份令牌")
	ErrInvalidToken = errors.New("身份令牌无效或已过期")
)

const (
	// RoleAuthenticated 普通登录用户在托管数据库里扮演的角色
	RoleAuthenticated = "authenticated"
	// RoleService 绕过行级安全，只发给管理员和后台任务
	RoleService = "service_role"
)

// Caller 已通过身份校验的调用方
type Caller struct {
	Subject string
	Role    string
	Email   string
}

func (c *Caller) HasRole(role string) bool {
	return c != nil && role != "" && c.Role == role
}

// Claims 身份提供方签发的令牌载荷，scoped token 也使用同样的结构
type Claims struct {
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier 校验 HS256 令牌
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret, issuer string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Parse 校验签名和有效期，返回载荷
func (v *Verifier) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: 缺少 sub", ErrInvalidToken)
	}
	return claims, nil
}

// Verify 把令牌解析成调用方
func (v *Verifier) Verify(raw string) (*Caller, error) {
	claims, err := v.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Caller{
		Subject: claims.Subject,
		Role:    claims.Role,
		Email:   claims.Email,
	}, nil
}

// ScopedToken 代表调用方访问托管数据库的短期令牌
type ScopedToken struct {
	Raw    string
	Claims Claims
}

// Minter 用托管数据库的密钥为调用方签发 scoped token
type Minter struct {
	secret    []byte
	ttl       time.Duration
	adminRole string
	now       func() time.Time
}

func NewMinter(secret string, ttl time.Duration, adminRole string) *Minter {
	return &Minter{
		secret:    []byte(secret),
		ttl:       ttl,
		adminRole: adminRole,
		now:       time.Now,
	}
}

func (m *Minter) Mint(caller *Caller) (*ScopedToken, error) {
	if caller == nil || caller.Subject == "" {
		return nil, ErrMissingToken
	}

	role := RoleAuthenticated
	if caller.HasRole(m.adminRole) {
		role = RoleService
	}

	now := m.now()
	claims := Claims{
		Role:  role,
		Email: caller.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.Subject,
			Audience:  jwt.ClaimStrings{RoleAuthenticated},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("签发 scoped token 失败: %w", err)
	}
	return &ScopedToken{Raw: raw, Claims: claims}, nil
}

type callerKey struct{}

type scopedTokenKey struct{}

func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFromContext(ctx context.Context) (*Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(*Caller)
	return caller, ok && caller != nil
}

func WithScopedToken(ctx context.Context, token *ScopedToken) context.Context {
	return context.WithValue(ctx, scopedTokenKey{}, token)
}

func ScopedTokenFromContext(ctx context.Context) (*ScopedToken, bool) {
	token, ok := ctx.Value(scopedTokenKey{}).(*ScopedToken)
	return token, ok && token != nil
}
