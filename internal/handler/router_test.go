package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/config"
	"github.com/zhouzirui/z-voice/backend/internal/metrics"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	chatService "github.com/zhouzirui/z-voice/backend/internal/service/chat"
	"github.com/zhouzirui/z-voice/backend/internal/service/session"
)

func newTestRouter(t *testing.T, verifier *auth.Verifier) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewRouter(ctx, Deps{
		Config: &config.Config{
			CORS:      config.CORSConfig{Origins: []string{"*"}},
			RateLimit: config.RateLimitConfig{RPS: 10, Burst: 10},
		},
		Agents:        agent.NewMemoryStore(agent.Seed()),
		Conversations: chatService.NewMemoryStore(),
		Registry:      session.NewMemoryRegistry(),
		Verifier:      verifier,
		Metrics:       metrics.NewCollector("router_test"),
	})
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestRouterPublicRoutes(t *testing.T) {
	r := newTestRouter(t, nil)

	assert.Equal(t, http.StatusOK, get(r, "/api/v1/healthz", "").Code)
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/readyz", "").Code)

	metricsResp := get(r, "/metrics", "")
	require.Equal(t, http.StatusOK, metricsResp.Code)
	assert.True(t, strings.Contains(metricsResp.Body.String(), "router_test_"), "expected namespaced metrics")

	// 未开启鉴权时匿名身份为管理员
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/agents", "").Code)
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/sessions", "").Code)
}

func TestRouterAuthentication(t *testing.T) {
	verifier := auth.NewVerifier(config.AuthConfig{Secret: "s3cret"})
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	userToken, err := verifier.Sign(auth.Principal{Subject: "u", TenantID: "default", Role: auth.RoleUser}, claims)
	require.NoError(t, err)
	adminToken, err := verifier.Sign(auth.Principal{Subject: "ops", Role: auth.RoleAdmin}, claims)
	require.NoError(t, err)

	r := newTestRouter(t, verifier)

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"health stays public", "/api/v1/healthz", "", http.StatusOK},
		{"agents need a token", "/api/v1/agents", "", http.StatusUnauthorized},
		{"agents with user token", "/api/v1/agents", userToken, http.StatusOK},
		{"sessions need admin", "/api/v1/sessions", userToken, http.StatusForbidden},
		{"sessions with admin token", "/api/v1/sessions", adminToken, http.StatusOK},
		{"stream rejects unknown agent before upgrade", "/api/v1/agents/ghost/stream", userToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, get(r, tt.path, tt.token).Code)
		})
	}
}
