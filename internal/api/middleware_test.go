package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alexedwards/scs/v2"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/rest"
	"github.com/eugenenazirov/restplate/internal/session"
)

func TestValidateMiddleware(t *testing.T) {
	cases := []struct {
		name  string
		names []string
		want  error
	}{
		{name: "default order", names: config.Defaults().Middleware},
		{name: "empty", names: nil},
		{name: "independent only", names: []string{MiddlewareCommon, MiddlewareXFrame}},
		{name: "unknown", names: []string{MiddlewareSession, "gzip"}, want: ErrUnknownMiddleware},
		{name: "csrf before session", names: []string{MiddlewareCSRF, MiddlewareSession}, want: ErrMiddlewareOrder},
		{name: "messages without session", names: []string{MiddlewareMessages}, want: ErrMiddlewareOrder},
		{name: "duplicate", names: []string{MiddlewareSession, MiddlewareSession}, want: ErrMiddlewareOrder},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMiddleware(tc.names)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected valid chain, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNewRouterRejectsInvalidMiddleware(t *testing.T) {
	settings := config.Defaults()
	restAPI, err := rest.New(settings.REST)
	if err != nil {
		t.Fatalf("rest api: %v", err)
	}
	handler := NewHandler(restAPI, settings, nil)
	_, err = NewRouter(handler, zaptest.NewLogger(t), WithMiddleware([]string{MiddlewareAuthentication}, scs.New(), false))
	if !errors.Is(err, ErrMiddlewareOrder) {
		t.Fatalf("expected order error, got %v", err)
	}

	_, err = NewRouter(handler, zaptest.NewLogger(t), WithMiddleware([]string{MiddlewareSession}, nil, false))
	if err == nil {
		t.Fatalf("expected error for session middleware without a manager")
	}
}

func TestAppendSlashRedirect(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(http.MethodGet, "/api/apps?page=2", "", true)
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/api/apps/?page=2" {
		t.Fatalf("expected redirect to slashed path, got %q", got)
	}

	rec = f.do(http.MethodGet, "/api/unknown", "", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected routed path without slash to be served, got %d", rec.Code)
	}
}

func TestAppendSlashDisabled(t *testing.T) {
	f := newFixture(t, fixtureOptions{settings: func(s *config.Settings) { s.AppendSlash = false }})

	rec := f.do(http.MethodGet, "/api/apps", "", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without append slash, got %d", rec.Code)
	}
}

func TestCSRFProtectsSessionRequests(t *testing.T) {
	var sessions *scs.SessionManager
	login := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := session.Login(r.Context(), sessions, "7"); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	settings := config.Defaults()
	sessions = session.NewManager(true)
	f := newFixture(t, fixtureOptions{
		handler: []HandlerOption{WithSessions(sessions)},
		router: []RouterOption{
			WithMiddleware(settings.Middleware, sessions, settings.AppendSlash),
			WithMount("GET /test/login", login),
		},
	})

	server := httptest.NewServer(f.router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar}

	resp, err := client.Get(server.URL + "/test/login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected login to succeed, got %d", resp.StatusCode)
	}

	resp, err = client.Get(server.URL + "/api/csrf/")
	if err != nil {
		t.Fatalf("csrf: %v", err)
	}
	var payload struct {
		Token string `json:"csrf_token"`
	}
	err = json.NewDecoder(resp.Body).Decode(&payload)
	resp.Body.Close()
	if err != nil || payload.Token == "" {
		t.Fatalf("expected csrf token, got %q (%v)", payload.Token, err)
	}

	post := func(token string, authorization ...string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, server.URL+"/api/push/", strings.NewReader(`{"device_tokens":["abc"],"alert":"hi"}`))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(csrfHeader, token)
		}
		if len(authorization) > 0 {
			req.Header.Set("Authorization", authorization[0])
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(""); code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", code)
	}
	if code := post("forged"); code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong csrf token, got %d", code)
	}
	if code := post("", "Token"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for a session request with an empty token header, got %d", code)
	}
	if code := post("", "Token unknown-key"); code != http.StatusForbidden {
		t.Fatalf("expected 403 for a session request with an unknown token, got %d", code)
	}
	if code := post(payload.Token); code != http.StatusAccepted {
		t.Fatalf("expected 202 with csrf token, got %d", code)
	}
}

func TestCSRFExemptsTokenAuthentication(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	rec := f.do(http.MethodPost, "/api/push/", `{"device_tokens":["abc"],"alert":"hi"}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected token-authenticated request to skip csrf, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMessagesMiddlewareMarksContext(t *testing.T) {
	var enabled bool
	handler := messagesMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		enabled = session.MessagesEnabled(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !enabled {
		t.Fatalf("expected messages to be enabled downstream")
	}
}

func TestAuthenticationMiddlewareLoadsSessionUser(t *testing.T) {
	sessions := session.NewManager(true)
	var user session.User
	var ok bool
	inner := authenticationMiddleware(sessions, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		user, ok = session.UserFromContext(r.Context())
	}))
	handler := sessions.LoadAndSave(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := session.Login(r.Context(), sessions, "9"); err != nil {
			t.Errorf("login: %v", err)
		}
		inner.ServeHTTP(w, r)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !ok || user.ID != "9" || user.Via != "session" {
		t.Fatalf("expected session user, got %+v", user)
	}
}
