package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	"github.com/zhouzirui/z-voice/backend/internal/service/session"
)

func TestListSessions(t *testing.T) {
	registry := session.NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, registry.Claim(ctx, chat.Session{ID: "a", AgentID: "stella", TenantID: "default"}))
	require.NoError(t, registry.Claim(ctx, chat.Session{ID: "b", AgentID: "acme-bot", TenantID: "acme"}))

	tests := []struct {
		name      string
		principal auth.Principal
		query     string
		want      []string
	}{
		{"admin sees all", auth.Anonymous, "", []string{"a", "b"}},
		{"admin filters by tenant", auth.Anonymous, "?tenant_id=acme", []string{"b"}},
		{"user pinned to own tenant", auth.Principal{Subject: "u", TenantID: "default", Role: auth.RoleUser}, "?tenant_id=acme", []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			New(registry, nil).RegisterRoutes(r)

			req := httptest.NewRequest(http.MethodGet, "/sessions"+tt.query, nil)
			req = req.WithContext(auth.WithPrincipal(req.Context(), tt.principal))
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, req)
			require.Equal(t, http.StatusOK, resp.Code)

			var body struct {
				Sessions []chat.Session `json:"sessions"`
				Count    int            `json:"count"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			ids := make([]string, 0, len(body.Sessions))
			for _, s := range body.Sessions {
				ids = append(ids, s.ID)
			}
			assert.ElementsMatch(t, tt.want, ids)
			assert.Equal(t, len(tt.want), body.Count)
		})
	}
}
