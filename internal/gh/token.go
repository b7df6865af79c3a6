// internal/gh/token.go
package gh

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v62/github"

	apperrors "github-mirror/internal/errors"
)

// Credential is a usable API token plus where it came from.
type Credential struct {
	Token  string
	Source string // "installation" or "user"
}

// TokenResolver turns an installation id into an API credential. The
// preferred path is a GitHub App installation token; a repository connected
// before the App migration may instead carry a legacy user link, in which
// case the configured personal access token is used as a fallback.
type TokenResolver struct {
	appID       int64
	privateKey  *rsa.PrivateKey
	legacyToken string
	apps        *github.Client
	logger      *slog.Logger
}

// NewTokenResolver parses the App private key and prepares the resolver.
// privateKeyPEM may be empty when only the legacy token path is configured.
func NewTokenResolver(appID int64, privateKeyPEM, legacyToken string, logger *slog.Logger) (*TokenResolver, error) {
	r := &TokenResolver{
		appID:       appID,
		legacyToken: legacyToken,
		logger:      logger,
	}
	if appID != 0 {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parsing app private key: %w", err)
		}
		r.privateKey = key
		r.apps = github.NewClient(&http.Client{Transport: &appJWTTransport{resolver: r}})
	}
	return r, nil
}

// Resolve produces a credential for the installation. A non-empty
// legacyUserID opts the repository into the PAT fallback when no
// installation token can be minted.
func (r *TokenResolver) Resolve(ctx context.Context, installationID int64, legacyUserID string) (Credential, error) {
	if r.apps != nil && installationID != 0 {
		tok, _, err := r.apps.Apps.CreateInstallationToken(ctx, installationID, nil)
		if err == nil {
			return Credential{Token: tok.GetToken(), Source: "installation"}, nil
		}
		r.logger.Warn("installation token request failed", "installation_id", installationID, "error", err)
		if !isAuthFailure(err) {
			// Transient transport failure: surface it so the caller's
			// retry policy applies, instead of silently downgrading to
			// the legacy token.
			return Credential{}, err
		}
	}

	if legacyUserID != "" && r.legacyToken != "" {
		r.logger.Info("falling back to legacy user token", "installation_id", installationID, "user_id", legacyUserID)
		return Credential{Token: r.legacyToken, Source: "user"}, nil
	}

	return Credential{}, &apperrors.ErrNoCredential{InstallationID: installationID}
}

func isAuthFailure(err error) bool {
	if resp, ok := err.(*github.ErrorResponse); ok && resp.Response != nil {
		code := resp.Response.StatusCode
		return code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound
	}
	return false
}

// appJWTTransport signs each request with a short-lived App JWT.
type appJWTTransport struct {
	resolver *TokenResolver
}

func (t *appJWTTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", t.resolver.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.resolver.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing app jwt: %w", err)
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+signed)
	return http.DefaultTransport.RoundTrip(clone)
}
