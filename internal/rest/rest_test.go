package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/session"
	"github.com/eugenenazirov/restplate/internal/templates"
)

type mapTokens map[string]string

func (m mapTokens) Lookup(_ context.Context, key string) (string, error) {
	if id, ok := m[key]; ok {
		return id, nil
	}
	return "", ErrUnknownToken
}

func newTestAPI(t *testing.T, opts ...Option) *API {
	t.Helper()
	engine, err := templates.New(config.TemplateSettings{Backend: "html"}, nil, false, nil)
	require.NoError(t, err)

	opts = append([]Option{WithTokenStore(mapTokens{"abc123": "42"}), WithTemplates(engine)}, opts...)
	api, err := New(config.Defaults().REST, opts...)
	require.NoError(t, err)
	return api
}

func okHandler(r *http.Request) (int, any, error) {
	user, _ := session.UserFromContext(r.Context())
	return http.StatusOK, map[string]string{"user": user.ID, "via": user.Via}, nil
}

func TestNewRejectsUnknownClasses(t *testing.T) {
	base := config.Defaults().REST

	for name, mutate := range map[string]func(*config.RESTSettings){
		"renderer":       func(s *config.RESTSettings) { s.Renderers = []string{"xml"} },
		"no renderers":   func(s *config.RESTSettings) { s.Renderers = nil },
		"permission":     func(s *config.RESTSettings) { s.Permissions = []string{"staff"} },
		"authentication": func(s *config.RESTSettings) { s.Authentication = []string{"basic"} },
		"datetime":       func(s *config.RESTSettings) { s.DatetimeFormat = "%Q" },
	} {
		t.Run(name, func(t *testing.T) {
			s := base
			mutate(&s)
			_, err := New(s)
			assert.Error(t, err)
		})
	}
}

func TestEndpointRequiresAuthenticationByDefault(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.Endpoint(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/apps", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Token", rec.Header().Get("WWW-Authenticate"))
}

func TestEndpointTokenAuthentication(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/apps", nil)
	req.Header.Set("Authorization", "Token abc123")
	rec := httptest.NewRecorder()
	api.Endpoint(okHandler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "42", body["user"])
	assert.Equal(t, "token", body["via"])

	for _, header := range []string{"Token wrong", "Token", "Token a b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/apps", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		api.Endpoint(okHandler, AllowAny).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestEndpointSessionAuthentication(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/apps", nil)
	req = req.WithContext(session.ContextWithUser(req.Context(), session.User{ID: "5", Via: "session"}))
	rec := httptest.NewRecorder()
	api.Endpoint(okHandler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"via":"session"`)
}

func TestSessionAuthenticationEnforcesCSRF(t *testing.T) {
	api := newTestAPI(t)
	sessionUser := func(ctx context.Context) context.Context {
		return session.ContextWithUser(ctx, session.User{ID: "5", Via: "session"})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/push/", nil)
	req.Header.Set("Authorization", "Token")
	req = req.WithContext(sessionUser(req.Context()))
	rec := httptest.NewRecorder()
	api.Endpoint(okHandler).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "CSRF Failed")

	req = httptest.NewRequest(http.MethodPost, "/api/push/", nil)
	req = req.WithContext(session.WithCSRFVerified(sessionUser(req.Context()), true))
	rec = httptest.NewRecorder()
	api.Endpoint(okHandler).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"via":"session"`)
}

func TestTokenAuthenticationSkipsCSRF(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/push/", nil)
	req.Header.Set("Authorization", "Token abc123")
	rec := httptest.NewRecorder()
	api.Endpoint(okHandler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"via":"token"`)
}

func TestForbiddenWithoutTokenAuthentication(t *testing.T) {
	s := config.Defaults().REST
	s.Authentication = []string{"session"}
	api, err := New(s)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	api.Endpoint(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllowAny(t *testing.T) {
	api := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.Endpoint(okHandler, AllowAny).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerErrors(t *testing.T) {
	api := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.Endpoint(func(*http.Request) (int, any, error) {
		return 0, nil, NewError(http.StatusConflict, "taken")
	}, AllowAny).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"detail":"taken"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	api.Endpoint(func(*http.Request) (int, any, error) {
		return 0, nil, errors.New("db down")
	}, AllowAny).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestRendererNegotiation(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Endpoint(okHandler, AllowAny)

	req := httptest.NewRequest(http.MethodGet, "/api/apps", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "api/apps")

	req = httptest.NewRequest(http.MethodGet, "/api/apps?format=json", nil)
	req.Header.Set("Accept", "text/html")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/apps?format=api", nil))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"id": "7"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"7"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteJSON(rec, 0, []int{1})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[1]`, rec.Body.String())
}

func TestFormatTime(t *testing.T) {
	api := newTestAPI(t)
	ts := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-11-01T12:00:00+0000", api.FormatTime(ts))
}

func TestPaginate(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name    string
		target  string
		total   int
		want    Page
		wantErr bool
	}{
		{name: "defaults", target: "/items", total: 100, want: Page{Number: 1, Size: 30, Offset: 0}},
		{name: "custom size", target: "/items?per_page=10&page=3", total: 100, want: Page{Number: 3, Size: 10, Offset: 20}},
		{name: "capped size", target: "/items?per_page=5000", total: 100, want: Page{Number: 1, Size: 1000, Offset: 0}},
		{name: "invalid size falls back", target: "/items?per_page=abc", total: 100, want: Page{Number: 1, Size: 30, Offset: 0}},
		{name: "empty result", target: "/items", total: 0, want: Page{Number: 1, Size: 30, Offset: 0}},
		{name: "out of range", target: "/items?page=5", total: 100, wantErr: true},
		{name: "malformed page", target: "/items?page=last", total: 100, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			page, err := api.Paginate(httptest.NewRequest(http.MethodGet, tc.target, nil), tc.total)
			if tc.wantErr {
				var apiErr *Error
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusNotFound, apiErr.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, page)
		})
	}
}

func TestEnvelopeLinks(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/items?per_page=10&page=2", nil)

	page, err := api.Paginate(req, 25)
	require.NoError(t, err)
	start, end := page.Bounds(25)
	assert.Equal(t, 10, start)
	assert.Equal(t, 20, end)

	env := api.NewEnvelope(req, page, 25, []int{})
	require.NotNil(t, env.Next)
	require.NotNil(t, env.Previous)
	assert.Equal(t, "/items?page=3&per_page=10", *env.Next)
	assert.Equal(t, "/items?per_page=10", *env.Previous)

	last, err := api.Paginate(httptest.NewRequest(http.MethodGet, "/items?per_page=10&page=3", nil), 25)
	require.NoError(t, err)
	assert.Nil(t, api.NewEnvelope(req, last, 25, nil).Next)
}
