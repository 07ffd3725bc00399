package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-chi/chi/v5"
)

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	return resp
}

func TestHealthz(t *testing.T) {
	resp := serve(New(nil, nil), "/healthz")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]Check
		status int
		want   readiness
	}{
		{"no checks", nil, http.StatusOK, readiness{Status: "ok"}},
		{"all healthy", map[string]Check{"database": ok, "redis": ok}, http.StatusOK,
			readiness{Status: "ok", Checks: map[string]string{"database": "ok", "redis": "ok"}}},
		{"redis down", map[string]Check{"database": ok, "redis": down}, http.StatusServiceUnavailable,
			readiness{Status: "unavailable", Checks: map[string]string{"database": "ok", "redis": "connection refused"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(New(tt.checks, nil), "/readyz")
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.Code)
			}
			var got readiness
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
