package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"agentflow/backend/internal/config"
	"agentflow/backend/internal/repository"
)

// DevUserID is the identity every request gets in dev bypass mode.
const DevUserID = "dev@localhost"

// TokenQueryParam carries the token for clients that cannot set headers,
// such as browser WebSocket connections.
const TokenQueryParam = "auth_token"

var (
	// ErrUnauthorized is returned when a token is missing or unknown.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrLoginDisabled is returned by the login flow when OIDC is not configured.
	ErrLoginDisabled = errors.New("oidc login is not configured")
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type ctxKey struct{}

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the user id stored by RequireAuth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Auth resolves bearer tokens to user ids. Opaque tokens issued by the
// service are checked first, then OIDC access tokens when a provider is
// configured.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	users        repository.UserStore
	logger       Logger
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. When an OIDC issuer is configured it connects to the
// provider and prepares the token verifiers.
func New(ctx context.Context, cfg *config.Config, users repository.UserStore, logger Logger) (*Auth, error) {
	a := &Auth{
		users:      users,
		logger:     logger,
		authBypass: cfg.IsDev() && cfg.DevModeBypass,
	}
	if a.authBypass || !cfg.OIDCEnabled() {
		return a, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", cfg.Auth.OktaDomain, err)
	}

	if cfg.Auth.ClientSecret != "" && cfg.Auth.RedirectURL != "" {
		a.oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       LoginScopes,
		}
		a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	}

	// Access tokens usually carry an API audience rather than the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// Authenticate maps a raw token to a user id.
func (a *Auth) Authenticate(ctx context.Context, token string) (string, error) {
	if a.authBypass {
		return DevUserID, nil
	}
	if token == "" {
		return "", ErrUnauthorized
	}

	userID, err := a.users.UserIDForToken(ctx, token)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	if a.apiVerifier == nil {
		return "", ErrUnauthorized
	}
	idToken, err := a.apiVerifier.Verify(ctx, token)
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("token verification failed", "error", err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return subjectOf(idToken)
}

// IssueToken creates a new opaque API token for userID.
func (a *Auth) IssueToken(ctx context.Context, userID string) (string, error) {
	token, err := generateState()
	if err != nil {
		return "", err
	}
	if err := a.users.CreateToken(ctx, userID, token); err != nil {
		return "", err
	}
	return token, nil
}

// TokenFromRequest extracts a token from the Authorization header, the
// auth_token query parameter or the id_token session cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token
	}
	if cookie, err := r.Cookie("id_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// RequireAuth is middleware that rejects requests without a valid token and
// stores the user id in the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Authenticate(r.Context(), TokenFromRequest(r))
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				http.Error(w, "invalid or missing token", http.StatusUnauthorized)
				return
			}
			if a.logger != nil {
				a.logger.Error("token lookup failed", "error", err)
			}
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if a.oauth2Config == nil {
		http.Error(w, ErrLoginDisabled.Error(), http.StatusNotFound)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler verifies the state parameter, exchanges the code for tokens,
// validates the ID token and stores it in the session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if a.oauth2Config == nil {
		http.Error(w, ErrLoginDisabled.Error(), http.StatusNotFound)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// subjectOf prefers the email claim so ids stay readable across providers.
func subjectOf(token *oidc.IDToken) (string, error) {
	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: failed to parse token claims", ErrUnauthorized)
	}
	if claims.Email != "" {
		return claims.Email, nil
	}
	if token.Subject != "" {
		return token.Subject, nil
	}
	return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
