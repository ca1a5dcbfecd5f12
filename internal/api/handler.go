package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/alexedwards/scs/v2"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/restplate/internal/apps"
	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/push"
	"github.com/eugenenazirov/restplate/internal/queue"
	"github.com/eugenenazirov/restplate/internal/rest"
	"github.com/eugenenazirov/restplate/internal/session"
)

type contextKey string

const (
	requestIDContextKey contextKey = "requestID"

	healthCheckTimeout = 2 * time.Second
	maxPushBody        = 64 << 10
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// QueueStats exposes job queue counters.
type QueueStats interface {
	Stats() queue.Stats
}

// Notifier queues push notifications.
type Notifier interface {
	Dispatch(ctx context.Context, n push.Notification) (string, error)
}

// Handler wires the installed components into HTTP handlers.
type Handler struct {
	rest      *rest.API
	settings  config.Settings
	installed []apps.AppConfig

	db       Pinger
	queue    QueueStats
	notifier Notifier
	images   http.Handler
	sessions *scs.SessionManager

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithDatabase enables the database check of the health endpoint.
func WithDatabase(db Pinger) HandlerOption {
	return func(h *Handler) { h.db = db }
}

// WithQueue reports queue counters on the health endpoint.
func WithQueue(q QueueStats) HandlerOption {
	return func(h *Handler) { h.queue = q }
}

// WithNotifier enables the push endpoint.
func WithNotifier(n Notifier) HandlerOption {
	return func(h *Handler) { h.notifier = n }
}

// WithImages enables image variant resolution under the media URL.
func WithImages(images http.Handler) HandlerOption {
	return func(h *Handler) { h.images = images }
}

// WithSessions enables the CSRF token endpoint.
func WithSessions(sessions *scs.SessionManager) HandlerOption {
	return func(h *Handler) { h.sessions = sessions }
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(api *rest.API, settings config.Settings, installed []apps.AppConfig, opts ...HandlerOption) *Handler {
	h := &Handler{
		rest:      api,
		settings:  settings,
		installed: installed,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		resp.Database = "ok"
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if h.queue != nil {
		stats := h.queue.Stats()
		resp.Queue = &stats
	}
	rest.WriteJSON(w, status, resp)
}

func (h *Handler) listApps(r *http.Request) (int, any, error) {
	page, err := h.rest.Paginate(r, len(h.installed))
	if err != nil {
		return 0, nil, err
	}
	start, end := page.Bounds(len(h.installed))

	results := make([]appResponse, 0, end-start)
	for _, app := range h.installed[start:end] {
		results = append(results, appResponse{
			AppConfig:       app,
			MigrationModule: apps.MigrationModule(app.Label, h.settings.MigrationModules),
		})
	}
	return http.StatusOK, h.rest.NewEnvelope(r, page, len(h.installed), results), nil
}

func (h *Handler) showSettings(r *http.Request) (int, any, error) {
	if !h.settings.Debug {
		return 0, nil, rest.NewError(http.StatusNotFound, "Not found.")
	}

	// The YAML form is what operators write, so expose the same keys.
	raw, err := yaml.Marshal(h.settings.Redacted())
	if err != nil {
		return 0, nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, settingsResponse{
		GeneratedAt: h.rest.FormatTime(h.clock()),
		Settings:    tree,
	}, nil
}

func (h *Handler) sendPush(r *http.Request) (int, any, error) {
	var n push.Notification
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxPushBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		return 0, nil, rest.NewError(http.StatusBadRequest, "Unable to parse JSON payload.")
	}

	id, err := h.notifier.Dispatch(r.Context(), n)
	switch {
	case errors.Is(err, push.ErrInvalidNotification):
		return 0, nil, rest.NewError(http.StatusBadRequest, "%s", err.Error())
	case errors.Is(err, queue.ErrClosed):
		return 0, nil, rest.NewError(http.StatusServiceUnavailable, "Push queue is shutting down.")
	case err != nil:
		return 0, nil, err
	}
	return http.StatusAccepted, pushResponse{JobID: id, QueuedAt: h.rest.FormatTime(h.clock())}, nil
}

func (h *Handler) csrfToken(r *http.Request) (int, any, error) {
	return http.StatusOK, csrfResponse{Token: session.CSRFToken(r.Context(), h.sessions)}, nil
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type appResponse struct {
	apps.AppConfig
	MigrationModule string `json:"migration_module"`
}

type settingsResponse struct {
	GeneratedAt string         `json:"generated_at"`
	Settings    map[string]any `json:"settings"`
}

type pushResponse struct {
	JobID    string `json:"job_id"`
	QueuedAt string `json:"queued_at"`
}

type csrfResponse struct {
	Token string `json:"csrf_token"`
}

type healthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Database  string       `json:"database,omitempty"`
	Queue     *queue.Stats `json:"queue,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	rest.WriteJSON(w, status, resp)
}
