// Package rest applies the REST serialization defaults to API endpoints:
// authentication classes, permission classes, pagination, datetime
// formatting and renderer negotiation.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/session"
	"github.com/eugenenazirov/restplate/internal/templates"
	"github.com/eugenenazirov/restplate/internal/timefmt"
)

// Permission names a permission class.
type Permission string

const (
	// AllowAny admits every request.
	AllowAny Permission = "allow_any"
	// Authenticated admits requests with an authenticated user.
	Authenticated Permission = "authenticated"
)

const (
	rendererJSON      = "json"
	rendererBrowsable = "browsable"

	browsableTemplate = "rest/api.html"
)

// ErrUnknownToken is returned by a TokenStore for keys it does not hold.
var ErrUnknownToken = errors.New("unknown token")

// TokenStore resolves API token keys to user ids.
type TokenStore interface {
	Lookup(ctx context.Context, key string) (string, error)
}

// Error is an API error with an HTTP status.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// NewError builds an Error.
func NewError(status int, format string, args ...any) *Error {
	return &Error{Status: status, Detail: fmt.Sprintf(format, args...)}
}

// HandlerFunc produces a status and payload for an authorised request.
type HandlerFunc func(r *http.Request) (int, any, error)

// API carries the REST defaults and the collaborators needed to apply them.
type API struct {
	settings   config.RESTSettings
	layout     string
	defaults   []Permission
	tokens     TokenStore
	templates  *templates.Engine
	logger     *zap.Logger
	enableJSON bool
	enableHTML bool
}

// Option configures an API.
type Option func(*API)

// WithTokenStore enables token authentication lookups.
func WithTokenStore(store TokenStore) Option {
	return func(a *API) { a.tokens = store }
}

// WithTemplates provides the engine used by the browsable renderer.
func WithTemplates(engine *templates.Engine) Option {
	return func(a *API) { a.templates = engine }
}

// WithLogger sets the logger used for unexpected handler errors.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New validates the REST settings and builds an API.
func New(settings config.RESTSettings, opts ...Option) (*API, error) {
	layout, err := timefmt.Layout(settings.DatetimeFormat)
	if err != nil {
		return nil, fmt.Errorf("datetime format: %w", err)
	}

	a := &API{
		settings: settings,
		layout:   layout,
		logger:   zap.NewNop(),
	}

	for _, name := range settings.Renderers {
		switch name {
		case rendererJSON:
			a.enableJSON = true
		case rendererBrowsable:
			a.enableHTML = true
		default:
			return nil, fmt.Errorf("unknown renderer %q", name)
		}
	}
	if !a.enableJSON && !a.enableHTML {
		return nil, errors.New("at least one renderer is required")
	}

	for _, name := range settings.Permissions {
		switch p := Permission(name); p {
		case AllowAny, Authenticated:
			a.defaults = append(a.defaults, p)
		default:
			return nil, fmt.Errorf("unknown permission class %q", name)
		}
	}

	for _, name := range settings.Authentication {
		if name != "session" && name != "token" {
			return nil, fmt.Errorf("unknown authentication class %q", name)
		}
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// FormatTime renders t with the configured datetime format.
func (a *API) FormatTime(t time.Time) string {
	return t.Format(a.layout)
}

// Authenticate runs the configured authentication classes in order and
// returns the first user found. A malformed or unknown token is an error, and
// so is a session user on an unsafe request whose CSRF token was not verified.
func (a *API) Authenticate(r *http.Request) (session.User, bool, error) {
	for _, name := range a.settings.Authentication {
		switch name {
		case "session":
			if user, ok := session.UserFromContext(r.Context()); ok {
				if !session.SafeMethod(r.Method) && !session.CSRFVerified(r.Context()) {
					return session.User{}, false, NewError(http.StatusForbidden, "CSRF Failed: CSRF token missing or incorrect.")
				}
				return session.User{ID: user.ID, Via: "session"}, true, nil
			}
		case "token":
			user, ok, err := a.authenticateToken(r)
			if err != nil || ok {
				return user, ok, err
			}
		}
	}
	return session.User{}, false, nil
}

func (a *API) authenticateToken(r *http.Request) (session.User, bool, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return session.User{}, false, nil
	}
	scheme, key, found := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Token") {
		return session.User{}, false, nil
	}
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.Contains(key, " ") {
		return session.User{}, false, NewError(http.StatusUnauthorized, "Invalid token header.")
	}
	if a.tokens == nil {
		return session.User{}, false, NewError(http.StatusUnauthorized, "Invalid token.")
	}

	userID, err := a.tokens.Lookup(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrUnknownToken) {
			return session.User{}, false, NewError(http.StatusUnauthorized, "Invalid token.")
		}
		return session.User{}, false, err
	}
	return session.User{ID: userID, Via: "token"}, true, nil
}

// Endpoint wraps fn with authentication, the given permission classes (the
// configured defaults when perms is empty) and response rendering.
func (a *API) Endpoint(fn HandlerFunc, perms ...Permission) http.Handler {
	if len(perms) == 0 {
		perms = a.defaults
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, authenticated, err := a.Authenticate(r)
		if err != nil {
			a.RenderError(w, r, err)
			return
		}
		if authenticated {
			r = r.WithContext(session.ContextWithUser(r.Context(), user))
		}

		for _, p := range perms {
			if p == Authenticated && !authenticated {
				a.RenderError(w, r, a.notAuthenticated())
				return
			}
		}

		status, payload, err := fn(r)
		if err != nil {
			a.RenderError(w, r, err)
			return
		}
		a.Render(w, r, status, payload)
	})
}

// notAuthenticated answers 401 with a challenge when token authentication is
// available and 403 otherwise.
func (a *API) notAuthenticated() *Error {
	for _, name := range a.settings.Authentication {
		if name == "token" {
			return NewError(http.StatusUnauthorized, "Authentication credentials were not provided.")
		}
	}
	return NewError(http.StatusForbidden, "Authentication credentials were not provided.")
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// RenderError renders err, mapping *Error to its status and anything else to 500.
func (a *API) RenderError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		a.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		apiErr = NewError(http.StatusInternalServerError, "Internal error.")
	}
	if apiErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Token")
	}
	a.Render(w, r, apiErr.Status, errorResponse{Detail: apiErr.Detail})
}

// Render negotiates the renderer from ?format= and the Accept header and
// writes the payload.
func (a *API) Render(w http.ResponseWriter, r *http.Request, status int, payload any) {
	if a.wantsHTML(r) {
		err := a.renderBrowsable(w, r, status, payload)
		if err == nil {
			return
		}
		a.logger.Error("browsable renderer failed", zap.Error(err))
		if !a.enableJSON {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
	}
	WriteJSON(w, status, payload)
}

func (a *API) wantsHTML(r *http.Request) bool {
	if !a.enableHTML || a.templates == nil {
		return false
	}
	switch r.URL.Query().Get("format") {
	case "api":
		return true
	case "json":
		return false
	}
	if !a.enableJSON {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}

func (a *API) renderBrowsable(w http.ResponseWriter, r *http.Request, status int, payload any) error {
	content, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	data := map[string]any{
		"title":   strings.TrimPrefix(r.URL.Path, "/"),
		"method":  r.Method,
		"path":    r.URL.RequestURI(),
		"status":  status,
		"content": string(content),
	}
	if err := a.templates.Render(&buf, r, browsableTemplate, data); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err = buf.WriteTo(w)
	return err
}

// WriteJSON encodes payload as a JSON response. A zero status leaves the
// implicit 200.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
