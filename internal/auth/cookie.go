package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/hkdf"
)

const (
	minKeyLength     = 32
	defaultCookieTTL = 30 * 24 * time.Hour
)

// CookieConfig controls the browser cookie that carries the sync session id.
type CookieConfig struct {
	// Key is the master secret, raw or base64. A random key is generated when
	// empty, which invalidates cookies on every restart.
	Key      string
	TTL      time.Duration
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// sessionCookie reads and writes the session id cookie.
type sessionCookie struct {
	store *sessions.CookieStore
	base  sessions.Options
}

func newSessionCookie(cfg CookieConfig) (*sessionCookie, error) {
	secret, err := cookieSecret(cfg.Key)
	if err != nil {
		return nil, err
	}
	hashKey, err := expandKey(secret, "entitysync cookie hash", 64)
	if err != nil {
		return nil, err
	}
	blockKey, err := expandKey(secret, "entitysync cookie block", 32)
	if err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	sameSite := cfg.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	base := sessions.Options{
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(ttl / time.Second),
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: sameSite,
	}
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &base
	store.MaxAge(base.MaxAge)
	return &sessionCookie{store: store, base: base}, nil
}

func (c *sessionCookie) read(r *http.Request) string {
	cookieSession, err := c.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return ""
	}
	sessionID, _ := cookieSession.Values[sessionIDValue].(string)
	return sessionID
}

// write stores sessionID, or expires the cookie when sessionID is empty.
func (c *sessionCookie) write(w http.ResponseWriter, r *http.Request, sessionID string) error {
	cookieSession, err := c.store.Get(r, baseliboidc.STDSessionCookieName)
	if cookieSession == nil {
		return fmt.Errorf("load cookie session: %w", err)
	}
	options := c.base
	cookieSession.Options = &options
	if sessionID == "" {
		options.MaxAge = -1
		delete(cookieSession.Values, sessionIDValue)
	} else {
		cookieSession.Values[sessionIDValue] = sessionID
	}
	return cookieSession.Save(r, w)
}

func cookieSecret(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		secret := make([]byte, minKeyLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cookie key: %w", err)
		}
		return secret, nil
	}
	secret := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= minKeyLength {
		secret = decoded
	}
	if len(secret) < minKeyLength {
		return nil, errors.New("session key must be at least 32 bytes, raw or base64")
	}
	return secret, nil
}

func expandKey(secret []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive cookie key: %w", err)
	}
	return key, nil
}
