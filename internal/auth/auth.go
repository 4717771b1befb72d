// Package auth connects browsers and OIDC identities to sync sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"entitysync/server/internal/protocol"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
)

type contextKey string

const (
	sessionIDContextKey contextKey = "auth.session_id"
	sessionIDValue                 = "session_id"
)

// OIDCConfig enables the browser login flow when IssuerURL is set.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type Config struct {
	OIDC   OIDCConfig
	Cookie CookieConfig
	// RedirectURL is where browsers land after login and logout.
	RedirectURL string
}

// SessionIssuer turns a verified ID token into a sync session.
type SessionIssuer interface {
	IssueSession(ctx context.Context, idToken *oidc.IDToken) (protocol.Session, error)
}

// Manager keeps the sync session id of a browser in an encrypted cookie and,
// when configured, runs the OIDC redirect flow that issues one.
type Manager struct {
	cookie      *sessionCookie
	flow        *baseliboidc.OidcConfiguration
	issuer      SessionIssuer
	redirectURL string
}

func NewManager(cfg Config, issuer SessionIssuer) (*Manager, error) {
	cookie, err := newSessionCookie(cfg.Cookie)
	if err != nil {
		return nil, err
	}
	m := &Manager{cookie: cookie, issuer: issuer, redirectURL: cfg.RedirectURL}
	if m.redirectURL == "" {
		m.redirectURL = "/"
	}
	if oidcCfg := cfg.OIDC; oidcCfg.IssuerURL != "" {
		switch {
		case oidcCfg.ClientID == "" || oidcCfg.RedirectURL == "":
			return nil, errors.New("oidc client id and redirect url are required")
		case issuer == nil:
			return nil, errors.New("oidc needs a session issuer")
		}
		m.flow = baseliboidc.CreateOidcConfiguration(oidcCfg.IssuerURL, oidcCfg.ClientID, oidcCfg.ClientSecret, oidcCfg.RedirectURL)
	}
	return m, nil
}

func (m *Manager) OIDCEnabled() bool {
	return m.flow != nil
}

// OIDCMiddleware sends browsers without a session cookie to the identity
// provider. A nil skipper skips nothing.
func (m *Manager) OIDCMiddleware(skipper func(r *http.Request) bool) func(http.Handler) http.Handler {
	if skipper == nil {
		skipper = func(*http.Request) bool { return false }
	}
	return m.flow.CreateOidcAuthenticationMiddleware(m.IsAuthenticated, skipper)
}

func (m *Manager) CallbackHandler() http.Handler {
	return m.flow.CreateOidcCallbackHandler(baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, m.redirectURL))
}

// LoginHandler is reached once the OIDC middleware let the browser through.
func (m *Manager) LoginHandler() http.HandlerFunc {
	return m.redirectOn(http.MethodGet, nil)
}

// LogoutHandler only forgets the cookie; the sync session itself ends with
// the logout method or when it expires.
func (m *Manager) LogoutHandler() http.HandlerFunc {
	return m.redirectOn(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		_ = m.ClearSession(w, r)
	})
}

func (m *Manager) redirectOn(method string, before http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if before != nil {
			before(w, r)
		}
		http.Redirect(w, r, m.redirectURL, http.StatusFound)
	}
}

// WithSession puts the cookie's session id into the request context.
func (m *Manager) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionID := m.SessionIDFromRequest(r); sessionID != "" {
			r = r.WithContext(ContextWithSessionID(r.Context(), sessionID))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) IsAuthenticated(r *http.Request) bool {
	return m.SessionIDFromRequest(r) != ""
}

func (m *Manager) SessionIDFromRequest(r *http.Request) string {
	return m.cookie.read(r)
}

func (m *Manager) SaveSessionID(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return m.cookie.write(w, r, sessionID)
}

func (m *Manager) ClearSession(w http.ResponseWriter, r *http.Request) error {
	return m.cookie.write(w, r, "")
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	sessionID, _ := ctx.Value(sessionIDContextKey).(string)
	return sessionID, sessionID != ""
}

func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey, sessionID)
}

func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	if idToken.Subject == "" {
		return errors.New("id token missing sub claim")
	}
	issued, err := m.issuer.IssueSession(r.Context(), idToken)
	if err != nil {
		return fmt.Errorf("issue session sub=%s: %w", idToken.Subject, err)
	}
	return m.SaveSessionID(w, r, issued.ID)
}
