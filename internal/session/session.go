// Package session holds the request-scoped state shared by the middleware
// chain, the template engine and the REST layer: the session manager, the
// authenticated user, flash messages and the CSRF token.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
)

const (
	userKey     = "_auth_user_id"
	messagesKey = "_messages"
	csrfKey     = "_csrf_token"

	// CookieName is the session cookie name.
	CookieName = "sessionid"
)

type contextKey string

const (
	userContextKey     contextKey = "user"
	messagesContextKey contextKey = "messages"
	csrfContextKey     contextKey = "csrf"
)

// User is the authenticated principal attached to a request.
type User struct {
	ID string
	// Via names the mechanism that authenticated the request ("session" or "token").
	Via string
}

// NewManager builds a cookie-backed session manager. Cookies are marked secure
// outside debug mode.
func NewManager(debug bool) *scs.SessionManager {
	manager := scs.New()
	manager.Lifetime = 14 * 24 * time.Hour
	manager.Cookie.Name = CookieName
	manager.Cookie.HttpOnly = true
	manager.Cookie.SameSite = http.SameSiteLaxMode
	manager.Cookie.Secure = !debug
	return manager
}

// ContextWithUser returns a copy of ctx carrying the user.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey).(User)
	return user, ok && user.ID != ""
}

// Login stores the user id in the session and renews the session token.
func Login(ctx context.Context, manager *scs.SessionManager, userID string) error {
	if err := manager.RenewToken(ctx); err != nil {
		return err
	}
	manager.Put(ctx, userKey, userID)
	return nil
}

// Logout clears the session.
func Logout(ctx context.Context, manager *scs.SessionManager) error {
	return manager.Destroy(ctx)
}

// SessionUserID returns the user id stored in the session.
func SessionUserID(ctx context.Context, manager *scs.SessionManager) string {
	return manager.GetString(ctx, userKey)
}

// EnableMessages marks ctx as carrying a loaded session that stores flash
// messages.
func EnableMessages(ctx context.Context) context.Context {
	return context.WithValue(ctx, messagesContextKey, true)
}

// MessagesEnabled reports whether EnableMessages was applied to ctx.
func MessagesEnabled(ctx context.Context) bool {
	enabled, _ := ctx.Value(messagesContextKey).(bool)
	return enabled
}

// AddMessage queues a flash message for the next rendered page.
func AddMessage(ctx context.Context, manager *scs.SessionManager, message string) {
	messages, _ := manager.Get(ctx, messagesKey).([]string)
	manager.Put(ctx, messagesKey, append(messages, message))
}

// PopMessages returns and clears the queued flash messages.
func PopMessages(ctx context.Context, manager *scs.SessionManager) []string {
	messages, _ := manager.Pop(ctx, messagesKey).([]string)
	return messages
}

// CSRFToken returns the session's CSRF token, creating it on first use.
func CSRFToken(ctx context.Context, manager *scs.SessionManager) string {
	if token := manager.GetString(ctx, csrfKey); token != "" {
		return token
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	token := hex.EncodeToString(buf)
	manager.Put(ctx, csrfKey, token)
	return token
}

// WithCSRFVerified records whether the request carried the session's CSRF token.
func WithCSRFVerified(ctx context.Context, verified bool) context.Context {
	return context.WithValue(ctx, csrfContextKey, verified)
}

// CSRFVerified reports whether WithCSRFVerified marked ctx as verified.
func CSRFVerified(ctx context.Context) bool {
	verified, _ := ctx.Value(csrfContextKey).(bool)
	return verified
}

// SafeMethod reports whether method never changes state and skips CSRF checks.
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// ValidCSRFToken compares a submitted token with the session token in constant time.
func ValidCSRFToken(ctx context.Context, manager *scs.SessionManager, submitted string) bool {
	expected := manager.GetString(ctx, csrfKey)
	if expected == "" || submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1
}
