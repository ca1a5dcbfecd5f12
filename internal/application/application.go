package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/alexedwards/scs/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eugenenazirov/restplate/internal/api"
	"github.com/eugenenazirov/restplate/internal/apps"
	"github.com/eugenenazirov/restplate/internal/cache"
	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/database"
	"github.com/eugenenazirov/restplate/internal/images"
	"github.com/eugenenazirov/restplate/internal/logging"
	"github.com/eugenenazirov/restplate/internal/mail"
	"github.com/eugenenazirov/restplate/internal/push"
	"github.com/eugenenazirov/restplate/internal/queue"
	"github.com/eugenenazirov/restplate/internal/rest"
	"github.com/eugenenazirov/restplate/internal/session"
	"github.com/eugenenazirov/restplate/internal/static"
	"github.com/eugenenazirov/restplate/internal/storage"
	"github.com/eugenenazirov/restplate/internal/templates"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	settings  config.Settings
	logs      *logging.Registry
	logger    *zap.Logger
	installed []apps.AppConfig

	db        *gorm.DB
	tokens    storage.Storage
	mail      mail.Backend
	caches    *cache.Registry
	sessions  *scs.SessionManager
	templates *templates.Engine
	static    *static.Files
	images    *images.Service
	queue     *queue.Queue
	push      *push.Dispatcher

	handler *api.Handler
	router  http.Handler
	server  *http.Server
}

// Option customises New.
type Option func(*options)

type options struct {
	tokens     storage.Storage
	mail       mail.Backend
	stream     io.Writer
	httpClient *http.Client
}

// WithTokenStorage uses store for API tokens instead of opening the database.
func WithTokenStorage(store storage.Storage) Option {
	return func(o *options) {
		o.tokens = store
	}
}

// WithMailBackend replaces the backend selected by the email settings.
func WithMailBackend(backend mail.Backend) Option {
	return func(o *options) {
		o.mail = backend
	}
}

// WithLogStream redirects stream log handlers and the console mail backend.
func WithLogStream(w io.Writer) Option {
	return func(o *options) {
		o.stream = w
	}
}

// WithHTTPClient sets the client used by the push service.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// New initializes the application with all dependencies from the provided
// settings. Components are only built when their label is installed.
func New(ctx context.Context, settings config.Settings, opts ...Option) (*App, error) {
	o := options{stream: os.Stderr, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{settings: settings}
	if err := app.init(ctx, o); err != nil {
		_ = app.release()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context, o options) error {
	settings := a.settings

	a.mail = o.mail
	if a.mail == nil {
		backend, err := mail.NewBackend(settings.Email, o.stream)
		if err != nil {
			return fmt.Errorf("mail backend: %w", err)
		}
		a.mail = backend
	}

	logs, err := logging.Build(settings.Logging, logging.Options{
		Debug:  settings.Debug,
		Stream: o.stream,
		Mailer: mail.AdminNotifier(a.mail, settings.Email, settings.Admins),
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	a.logs = logs
	a.logger = logs.Logger(logging.RootLogger)

	registry := apps.NewRegistry()
	a.installed, err = registry.Populate(settings.InstalledApps)
	if err != nil {
		return fmt.Errorf("installed apps: %w", err)
	}
	if _, err := registry.ResolveModel(settings.AuthUserModel); err != nil {
		return fmt.Errorf("auth user model: %w", err)
	}

	a.tokens = o.tokens
	if a.tokens == nil {
		if err := a.openDatabase(ctx); err != nil {
			return err
		}
	}

	a.caches = cache.NewRegistry(settings.Caches)
	a.sessions = session.NewManager(settings.Debug)

	var appTemplates []string
	if settings.Templates.AppDirs {
		appTemplates = apps.SubDirs(a.installed, settings.BaseDir, "templates")
	}
	a.templates, err = templates.New(settings.Templates, appTemplates, settings.TemplateDebug, a.sessions)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}

	restAPI, err := rest.New(settings.REST,
		rest.WithTokenStore(a.tokens),
		rest.WithTemplates(a.templates),
		rest.WithLogger(logs.Logger(logging.RequestLogger)),
	)
	if err != nil {
		return fmt.Errorf("rest: %w", err)
	}

	if settings.HasApp("staticfiles") {
		a.static, err = static.New(settings.Static, apps.SubDirs(a.installed, settings.BaseDir, "static"), logs.Logger("staticfiles"))
		if err != nil {
			return fmt.Errorf("static files: %w", err)
		}
	}

	if settings.HasApp("images") {
		a.images = images.New(settings.Images, settings.Static, a.caches.Get(settings.Images.CacheName), logs.Logger("images"))
	}

	if settings.HasApp("queue") {
		a.queue = queue.New(settings.Queue, logs.Logger(logging.WorkerLogger))
	}

	if settings.HasApp("push") {
		if a.queue == nil {
			return errors.New("push notifications need the queue app")
		}
		a.push = push.NewDispatcher(a.pushService(o.httpClient), a.queue)
	}

	handlerOpts := []api.HandlerOption{api.WithSessions(a.sessions)}
	if a.db != nil {
		sqlDB, err := a.db.DB()
		if err != nil {
			return fmt.Errorf("database handle: %w", err)
		}
		handlerOpts = append(handlerOpts, api.WithDatabase(sqlDB))
	}
	if a.queue != nil {
		handlerOpts = append(handlerOpts, api.WithQueue(a.queue))
	}
	if a.push != nil {
		handlerOpts = append(handlerOpts, api.WithNotifier(a.push))
	}
	if a.images != nil {
		handlerOpts = append(handlerOpts, api.WithImages(a.images.Handler()))
	}
	a.handler = api.NewHandler(restAPI, settings, a.installed, handlerOpts...)

	routerOpts := []api.RouterOption{
		api.WithLogging(settings.Server.EnableRequestLogging),
		api.WithRateLimit(settings.Server.RateLimitRPS, settings.Server.RateLimitBurst),
		api.WithErrorLogger(logs.Logger(logging.RequestLogger)),
		api.WithMiddleware(settings.Middleware, a.sessions, settings.AppendSlash),
		api.WithMount(mediaPattern(settings.Static.MediaURL), http.StripPrefix(settings.Static.MediaURL, http.FileServer(http.Dir(settings.Static.MediaRoot)))),
	}
	if a.static != nil {
		routerOpts = append(routerOpts, api.WithMount(mediaPattern(settings.Static.URL), a.static.Handler(settings.Debug)))
	}
	a.router, err = api.NewRouter(a.handler, a.logger, routerOpts...)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	a.server = NewServer(settings.Server, a.router)
	a.server.ErrorLog = zap.NewStdLog(logs.Logger(logging.RequestLogger))

	return nil
}

func (a *App) openDatabase(ctx context.Context) error {
	dbConfig, err := database.ParseURL(a.settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database url: %w", err)
	}
	a.db, err = database.Open(dbConfig, a.logs.Logger("db.backends"))
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbConfig.Address(), err)
	}

	tokens := storage.NewGormStorage(a.db)
	if err := tokens.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate token storage: %w", err)
	}
	a.tokens = tokens
	return nil
}

// pushService builds the configured service, falling back to the log service
// when the auth token is missing.
func (a *App) pushService(client *http.Client) push.Service {
	logger := a.logs.Logger("push")
	service, err := push.New(a.settings.Push, logger, client)
	if err == nil {
		return service
	}
	if errors.Is(err, push.ErrMissingToken) {
		logger.Warn("push auth token is not set, notifications will only be logged",
			zap.String("service", a.settings.Push.Service),
		)
	} else {
		logger.Error("push service unavailable, notifications will only be logged", zap.Error(err))
	}
	return push.NewLogService(logger)
}

// mediaPattern turns a URL prefix such as /static/ into a GET mux pattern.
func mediaPattern(prefix string) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return "GET " + prefix
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.ServerSettings, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Check verifies that the database answers.
func (a *App) Check(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close drains the job queue and releases the database and log handlers.
// The HTTP server must already be shut down.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close(ctx))
	}
	errs = append(errs, a.release())
	return errors.Join(errs...)
}

func (a *App) release() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, database.Close(a.db))
		a.db = nil
	}
	if a.logs != nil {
		// Syncing stderr fails on some platforms; only file handlers matter.
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Logger returns the root logger built from the logging table.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Installed returns the installed components in load order.
func (a *App) Installed() []apps.AppConfig {
	return a.installed
}

// Tokens returns the API token storage.
func (a *App) Tokens() storage.Storage {
	return a.tokens
}

// Static returns the static files service, or nil when staticfiles is not installed.
func (a *App) Static() *static.Files {
	return a.static
}

// Images returns the image variant service, or nil when images is not installed.
func (a *App) Images() *images.Service {
	return a.images
}

// Mail returns the outgoing mail backend.
func (a *App) Mail() mail.Backend {
	return a.mail
}
