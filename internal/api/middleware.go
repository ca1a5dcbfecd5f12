package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"

	"github.com/eugenenazirov/restplate/internal/session"
)

// Names accepted in the configured middleware list. The first name wraps
// all the others.
const (
	MiddlewareSession        = "session"
	MiddlewareCommon         = "common"
	MiddlewareCSRF           = "csrf"
	MiddlewareAuthentication = "authentication"
	MiddlewareMessages       = "messages"
	MiddlewareXFrame         = "xframe"

	csrfHeader    = "X-CSRFToken"
	csrfFormField = "csrfmiddlewaretoken"
)

var (
	// ErrUnknownMiddleware is returned for names missing from the registry.
	ErrUnknownMiddleware = errors.New("unknown middleware")
	// ErrMiddlewareOrder is returned when a middleware precedes one it needs.
	ErrMiddlewareOrder = errors.New("invalid middleware order")
)

// middlewareRequires lists what must run earlier in the chain.
var middlewareRequires = map[string][]string{
	MiddlewareCSRF:           {MiddlewareSession},
	MiddlewareAuthentication: {MiddlewareSession},
	MiddlewareMessages:       {MiddlewareSession},
}

type chainDeps struct {
	sessions    *scs.SessionManager
	appendSlash bool
	routes      *http.ServeMux
}

// buildChain validates names and wraps next so that names[0] runs first.
func buildChain(names []string, deps chainDeps, next http.Handler) (http.Handler, error) {
	if err := ValidateMiddleware(names); err != nil {
		return nil, err
	}
	for _, name := range names {
		if name == MiddlewareSession && deps.sessions == nil {
			return nil, errors.New("session middleware needs a session manager")
		}
	}

	h := next
	for i := len(names) - 1; i >= 0; i-- {
		switch names[i] {
		case MiddlewareSession:
			h = deps.sessions.LoadAndSave(h)
		case MiddlewareCommon:
			h = commonMiddleware(deps.appendSlash, deps.routes, h)
		case MiddlewareCSRF:
			h = csrfMiddleware(deps.sessions, h)
		case MiddlewareAuthentication:
			h = authenticationMiddleware(deps.sessions, h)
		case MiddlewareMessages:
			h = messagesMiddleware(h)
		case MiddlewareXFrame:
			h = xFrameMiddleware(h)
		}
	}
	return h, nil
}

// ValidateMiddleware checks that every name is known, appears once and
// comes after the middleware it depends on.
func ValidateMiddleware(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		switch name {
		case MiddlewareSession, MiddlewareCommon, MiddlewareCSRF,
			MiddlewareAuthentication, MiddlewareMessages, MiddlewareXFrame:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownMiddleware, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: %s listed twice", ErrMiddlewareOrder, name)
		}
		for _, req := range middlewareRequires[name] {
			if !seen[req] {
				return fmt.Errorf("%w: %s must come after %s", ErrMiddlewareOrder, name, req)
			}
		}
		seen[name] = true
	}
	return nil
}

// commonMiddleware redirects GET and HEAD requests for unrouted paths to the
// same path with a trailing slash when that one is routed.
func commonMiddleware(appendSlash bool, routes *http.ServeMux, next http.Handler) http.Handler {
	if !appendSlash || routes == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method == http.MethodGet || r.Method == http.MethodHead) &&
			!strings.HasSuffix(r.URL.Path, "/") && !routed(routes, r) {
			alt := r.Clone(r.Context())
			alt.URL.Path += "/"
			alt.URL.RawPath = ""
			if routed(routes, alt) {
				target := alt.URL.EscapedPath()
				if r.URL.RawQuery != "" {
					target += "?" + r.URL.RawQuery
				}
				http.Redirect(w, r, target, http.StatusMovedPermanently)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func routed(mux *http.ServeMux, r *http.Request) bool {
	_, pattern := mux.Handler(r)
	return pattern != ""
}

// csrfMiddleware checks the CSRF token of unsafe requests and records the
// result for the session authentication class. Requests presenting a token
// Authorization header are let through unverified; they only succeed when
// authenticated by that token.
func csrfMiddleware(sessions *scs.SessionManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session.SafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		submitted := r.Header.Get(csrfHeader)
		if submitted == "" && formRequest(r) {
			submitted = r.PostFormValue(csrfFormField)
		}
		verified := session.ValidCSRFToken(r.Context(), sessions, submitted)
		if !verified && !tokenAuthorization(r) {
			writeError(w, http.StatusForbidden, "CSRF verification failed", "CSRF token missing or incorrect")
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithCSRFVerified(r.Context(), verified)))
	})
}

func tokenAuthorization(r *http.Request) bool {
	scheme, _, _ := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	return strings.EqualFold(scheme, "Token")
}

func formRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data")
}

// authenticationMiddleware attaches the session's user to the request.
func authenticationMiddleware(sessions *scs.SessionManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := session.SessionUserID(r.Context(), sessions); id != "" {
			r = r.WithContext(session.ContextWithUser(r.Context(), session.User{ID: id, Via: "session"}))
		}
		next.ServeHTTP(w, r)
	})
}

func messagesMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(session.EnableMessages(r.Context())))
	})
}

func xFrameMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if w.Header().Get("X-Frame-Options") == "" {
			w.Header().Set("X-Frame-Options", "DENY")
		}
		next.ServeHTTP(w, r)
	})
}
