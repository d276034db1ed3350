package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
)

type fakeVerifier struct {
	err error
}

func (f fakeVerifier) Verify(ctx context.Context, raw string) (*oidc.IDToken, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oidc.IDToken{Subject: "user-" + raw}, nil
}

func newTestOIDC(v TokenVerifier, claims map[string]any) *OIDCAuthenticator {
	a := newOIDCAuthenticator(v, Config{RolesClaim: "roles", EmailClaim: "email"})
	a.claims = func(*oidc.IDToken) (map[string]any, error) { return claims, nil }
	return a
}

func TestOIDCAuthenticator(t *testing.T) {
	a := newTestOIDC(fakeVerifier{}, map[string]any{"email": "a@example.test", "roles": []any{"Editor", "editor", ""}})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	if _, err := a.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated without bearer, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer abc")
	identity, err := a.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "user-abc" || identity.Email != "a@example.test" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if len(identity.Roles) != 1 || identity.Roles[0] != RoleEditor {
		t.Fatalf("unexpected roles %v", identity.Roles)
	}
}

func TestMiddlewareDenies(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		w.Header().Set("X-Subject", identity.Subject)
		w.WriteHeader(http.StatusNoContent)
	})
	viewer := &StaticAuthenticator{identity: Identity{Subject: "v", Roles: []string{RoleViewer}}}
	mw := Middleware{Authenticator: viewer, Authorize: RoleAuthorizer(), SkipPrefixes: []string{"/healthz"}}
	handler := mw.Wrap(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/r1", nil))
	if rec.Code != http.StatusNoContent || rec.Header().Get("X-Subject") != "v" {
		t.Fatalf("expected viewer read to pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs/r1:stop", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "forbidden" {
		t.Fatalf("unexpected body %v", body)
	}

	bad := Middleware{Authenticator: newTestOIDC(fakeVerifier{err: errors.New("expired")}, nil)}
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer x")
	bad.Wrap(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	bad.SkipPrefixes = []string{"/healthz"}
	bad.Wrap(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected skip prefix to bypass auth, got %d", rec.Code)
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatalf("expected invalid mode error")
	}
	cfg := Config{Mode: ModeOIDC, RolesClaim: "roles", EmailClaim: "email"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing issuer error")
	}
	cfg = Config{Mode: ModeDev, RolesClaim: "roles", EmailClaim: "email", DevSubject: "me", DevRoles: []string{"admin"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
