// Package auth 校验调用方 JWT 并提取身份。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/z-voice/backend/internal/config"
)

// Roles recognised in the role claim.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var ErrMissingToken = errors.New("missing bearer token")

// Principal is the authenticated caller.
type Principal struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tenantId,omitempty"`
	Role     string `json:"role,omitempty"`
}

// IsAdmin reports whether the principal may see every tenant.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanAccessTenant 管理员或同租户才可访问；资源未设置租户时视为公共资源。
func (p Principal) CanAccessTenant(tenantID string) bool {
	return p.IsAdmin() || tenantID == "" || p.TenantID == tenantID
}

// Anonymous is injected when authentication is disabled.
var Anonymous = Principal{Subject: "anonymous", Role: RoleAdmin}

type claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewVerifier returns nil when no secret is configured.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	if !cfg.Enabled() {
		return nil
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{secret: []byte(cfg.Secret), opts: opts}
}

// Verify parses the token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid || c.Subject == "" {
		return Principal{}, errors.New("invalid token claims")
	}
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	return Principal{Subject: c.Subject, TenantID: c.TenantID, Role: role}, nil
}

// Sign issues a token for the principal. Used by tooling and tests.
func (v *Verifier) Sign(p Principal, registered jwt.RegisteredClaims) (string, error) {
	registered.Subject = p.Subject
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{TenantID: p.TenantID, Role: p.Role, RegisteredClaims: registered})
	return token.SignedString(v.secret)
}

// TokenFromRequest 读取 Authorization 头，浏览器 WebSocket 无法设置请求头时回退到 token 查询参数。
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(token), nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

type principalKey struct{}

// WithPrincipal stores the principal in the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal injected by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
