package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// TokenVerifier is the part of *oidc.IDTokenVerifier the authenticator needs.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator verifies bearer ID tokens against the issuer's keys.
type OIDCAuthenticator struct {
	verifier   TokenVerifier
	rolesClaim string
	emailClaim string
	claims     func(token *oidc.IDToken) (map[string]any, error)
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})
	return newOIDCAuthenticator(verifier, cfg), nil
}

func newOIDCAuthenticator(verifier TokenVerifier, cfg Config) *OIDCAuthenticator {
	return &OIDCAuthenticator{
		verifier:   verifier,
		rolesClaim: cfg.RolesClaim,
		emailClaim: cfg.EmailClaim,
		claims: func(token *oidc.IDToken) (map[string]any, error) {
			var out map[string]any
			if err := token.Claims(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	token, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	claims, err := a.claims(token)
	if err != nil {
		return Identity{}, err
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		subject = token.Subject
	}
	email, _ := claims[a.emailClaim].(string)
	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   rolesFromClaim(claims[a.rolesClaim]),
	}, nil
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func rolesFromClaim(v any) []string {
	switch typed := v.(type) {
	case []any:
		values := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
		return normalizeRoles(values)
	case []string:
		return normalizeRoles(typed)
	case string:
		return normalizeRoles(strings.Split(typed, ","))
	default:
		return nil
	}
}
