package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokenService(t *testing.T, tokens map[string][]string) *Service {
	t.Helper()
	cfg := Config{Mode: ModeToken}
	for name, perms := range tokens {
		hash, err := HashToken("secret-" + name)
		if err != nil {
			t.Fatalf("hash token: %v", err)
		}
		cfg.Tokens = append(cfg.Tokens, TokenConfig{Name: name, Hash: hash, Permissions: perms})
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t, map[string][]string{
		"ops":     {PermissionCyclesRead, PermissionCyclesSubmit},
		"monitor": {PermissionCyclesRead},
	})

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer secret-ops")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ops" || !subject.HasPermission(PermissionCyclesSubmit) {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	if _, err := svc.AuthenticateRequest(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for basic auth, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestDisabledTokenIsRevoked(t *testing.T) {
	hash, err := HashToken("old")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	svc, err := NewService(Config{Mode: ModeToken, Tokens: []TokenConfig{{Name: "old", Hash: hash, Disabled: true}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer old"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected ErrSubjectRevoked, got %v", err)
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	hash, _ := HashToken("x")
	cases := map[string]Config{
		"unknown mode": {Mode: "oauth"},
		"no tokens":    {Mode: ModeToken},
		"bad hash":     {Mode: ModeToken, Tokens: []TokenConfig{{Name: "a", Hash: "plain"}}},
		"no name":      {Mode: ModeToken, Tokens: []TokenConfig{{Hash: hash}}},
		"duplicate":    {Mode: ModeToken, Tokens: []TokenConfig{{Name: "a", Hash: hash}, {Name: "a", Hash: hash}}},
	}
	for name, cfg := range cases {
		if _, err := NewService(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("empty config should disable auth: %v", err)
	}
	if svc.Mode() != ModeDisabled {
		t.Fatalf("expected disabled mode, got %s", svc.Mode())
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t, map[string][]string{
		"ops":     {PermissionCyclesRead, PermissionCyclesSubmit},
		"monitor": {PermissionCyclesRead},
	})
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionCyclesRead},
			http.MethodPost: {PermissionCyclesSubmit},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method string
		token  string
		want   int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "secret-monitor", http.StatusNoContent},
		{http.MethodPost, "secret-monitor", http.StatusForbidden},
		{http.MethodPost, "secret-ops", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/cycles", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s with %q: expected %d, got %d", tc.method, tc.token, tc.want, rec.Code)
		}
	}
	if seen == nil || seen.Name != "ops" {
		t.Fatalf("subject not propagated: %+v", seen)
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	var svc *Service
	rec := httptest.NewRecorder()
	svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
