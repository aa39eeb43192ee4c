package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/config"
	"github.com/platinummonkey/releasegate/pkg/profile"
)

// IdentityProvider authenticates a caller from a session token
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (*profile.Identity, error)
}

// Session is a token issued by the identity provider and its lifetime
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// OIDCAdapter verifies ID tokens issued by an OpenID Connect provider and
// exchanges authorization codes for them
type OIDCAdapter struct {
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// NewOIDCAdapter discovers the provider at cfg.IssuerURL
func NewOIDCAdapter(ctx context.Context, cfg config.IdentityConfig) (*OIDCAdapter, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}
	return NewOIDCAdapterWithVerifier(verifier, oauth2Config), nil
}

// NewOIDCAdapterWithVerifier creates an adapter from an existing verifier and
// OAuth2 client configuration
func NewOIDCAdapterWithVerifier(verifier *oidc.IDTokenVerifier, oauth2Config *oauth2.Config) *OIDCAdapter {
	return &OIDCAdapter{verifier: verifier, oauth2Config: oauth2Config}
}

// ValidateConfig validates the identity provider configuration
func ValidateConfig(cfg config.IdentityConfig) error {
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	for _, scope := range cfg.Scopes {
		if scope == oidc.ScopeOpenID {
			return nil
		}
	}
	return fmt.Errorf("'openid' scope is required for OIDC")
}

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
}

// Verify checks an ID token's signature, issuer, audience and expiry and
// returns the identity it asserts. Failures wrap ErrUnauthenticated.
func (a *OIDCAdapter) Verify(ctx context.Context, token string) (*profile.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", apperrors.ErrUnauthenticated)
	}

	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %v: %w", err, apperrors.ErrUnauthenticated)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %v: %w", err, apperrors.ErrUnauthenticated)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("missing email in ID token: %w", apperrors.ErrUnauthenticated)
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return nil, fmt.Errorf("email %s is not verified: %w", claims.Email, apperrors.ErrUnauthenticated)
	}

	return &profile.Identity{
		Subject:   idToken.Subject,
		Email:     strings.ToLower(claims.Email),
		Name:      claims.Name,
		ExpiresAt: idToken.Expiry.UTC(),
	}, nil
}

// AuthCodeURL returns the provider's authorization URL for state
func (a *OIDCAdapter) AuthCodeURL(state string) string {
	return a.oauth2Config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a verified ID token. The token is
// the session token presented on later requests.
func (a *OIDCAdapter) Exchange(ctx context.Context, code string) (*Session, error) {
	if code == "" {
		return nil, fmt.Errorf("missing authorization code: %w", apperrors.ErrInvalidInput)
	}

	oauth2Token, err := a.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in response: %w", apperrors.ErrUnauthenticated)
	}

	identity, err := a.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	return &Session{Token: rawIDToken, ExpiresAt: identity.ExpiresAt}, nil
}
