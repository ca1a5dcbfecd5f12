package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/restplate/internal/logging"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultSecretKey      = "Not a secret"
	defaultDatabaseURL    = "postgres://localhost/app"
	defaultDotEnvFile     = ".env"
)

// Settings aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Settings struct {
	BaseDir       string `yaml:"base_dir" validate:"required"`
	SecretKey     string `yaml:"secret_key" validate:"required"`
	Debug         bool   `yaml:"debug"`
	TemplateDebug bool   `yaml:"template_debug"`
	AppendSlash   bool   `yaml:"append_slash"`
	AuthUserModel string `yaml:"auth_user_model" validate:"required"`
	SiteID        int    `yaml:"site_id" validate:"gte=1"`

	Server           ServerSettings           `yaml:"server"`
	InstalledApps    []string                 `yaml:"installed_apps" validate:"required,unique,dive,required"`
	Middleware       []string                 `yaml:"middleware" validate:"unique,dive,required"`
	Templates        TemplateSettings         `yaml:"templates"`
	MigrationModules map[string]string        `yaml:"migration_modules"`
	Email            EmailSettings            `yaml:"email"`
	Managers         []Contact                `yaml:"managers" validate:"dive"`
	Admins           []Contact                `yaml:"admins" validate:"dive"`
	DatabaseURL      string                   `yaml:"database_url" validate:"required"`
	General          GeneralSettings          `yaml:"general"`
	Static           StaticSettings           `yaml:"static"`
	Logging          logging.Table            `yaml:"logging"`
	REST             RESTSettings             `yaml:"rest"`
	Push             PushSettings             `yaml:"push"`
	Images           ImageSettings            `yaml:"images"`
	Caches           map[string]CacheSettings `yaml:"caches" validate:"dive"`
	Queue            QueueSettings            `yaml:"queue"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Port                 string        `yaml:"port" validate:"required"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period" validate:"gte=0"`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
	WriteTimeout         time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout          time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	EnableRequestLogging bool          `yaml:"enable_request_logging"`
	RateLimitRPS         float64       `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst       int           `yaml:"rate_limit_burst" validate:"gte=0"`
}

// TemplateSettings configures the template engine.
type TemplateSettings struct {
	Backend           string   `yaml:"backend" validate:"oneof=html"`
	Dirs              []string `yaml:"dirs"`
	AppDirs           bool     `yaml:"app_dirs"`
	ContextProcessors []string `yaml:"context_processors" validate:"unique,dive,oneof=debug request auth messages"`
}

// EmailSettings selects and configures the outgoing mail backend.
type EmailSettings struct {
	Backend       string `yaml:"backend" validate:"oneof=smtp console memory"`
	Host          string `yaml:"host" validate:"required_if=Backend smtp"`
	Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DefaultFrom   string `yaml:"default_from" validate:"required"`
	ServerEmail   string `yaml:"server_email" validate:"required"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Contact is a named email recipient.
type Contact struct {
	Name  string `yaml:"name" validate:"required"`
	Email string `yaml:"email" validate:"required,email"`
}

// GeneralSettings holds locale and time zone options.
type GeneralSettings struct {
	TimeZone     string `yaml:"time_zone" validate:"required"`
	LanguageCode string `yaml:"language_code" validate:"required"`
	UseI18N      bool   `yaml:"use_i18n"`
	UseL10N      bool   `yaml:"use_l10n"`
	UseTZ        bool   `yaml:"use_tz"`
}

// StaticSettings locates static assets and uploaded media.
type StaticSettings struct {
	Root      string   `yaml:"root"`
	URL       string   `yaml:"url" validate:"required,startswith=/,endswith=/"`
	Dirs      []string `yaml:"dirs"`
	Finders   []string `yaml:"finders" validate:"unique,dive,oneof=filesystem appdirs"`
	MediaURL  string   `yaml:"media_url" validate:"required,startswith=/,endswith=/"`
	MediaRoot string   `yaml:"media_root"`
}

// RESTSettings holds the serialization defaults for API endpoints.
type RESTSettings struct {
	PageSize       int      `yaml:"page_size" validate:"gte=1"`
	PageSizeParam  string   `yaml:"page_size_param" validate:"required"`
	MaxPageSize    int      `yaml:"max_page_size" validate:"gte=1"`
	DatetimeFormat string   `yaml:"datetime_format" validate:"required"`
	Renderers      []string `yaml:"renderers" validate:"required,unique,dive,oneof=json browsable"`
	Permissions    []string `yaml:"permissions" validate:"unique,dive,oneof=allow_any authenticated"`
	Authentication []string `yaml:"authentication" validate:"unique,dive,oneof=session token"`
}

// PushSettings routes push notifications to a delivery service.
type PushSettings struct {
	Service   string `yaml:"service" validate:"oneof=zeropush log"`
	AuthToken string `yaml:"auth_token"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
}

// ImageSettings is the image-variant cache policy.
type ImageSettings struct {
	CacheLength              time.Duration `yaml:"cache_length" validate:"gte=0"`
	CacheName                string        `yaml:"cache_name" validate:"required"`
	JPEGResizeQuality        int           `yaml:"jpeg_resize_quality" validate:"min=1,max=100"`
	SizedDirectoryName       string        `yaml:"sized_directory_name" validate:"required"`
	FilteredDirectoryName    string        `yaml:"filtered_directory_name" validate:"required"`
	PlaceholderDirectoryName string        `yaml:"placeholder_directory_name" validate:"required"`
	CreateImagesOnDemand     bool          `yaml:"create_images_on_demand"`
}

// CacheSettings configures one named in-memory cache.
type CacheSettings struct {
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
}

// QueueSettings sizes the background job queue.
type QueueSettings struct {
	Workers int `yaml:"workers" validate:"gte=1"`
	Size    int `yaml:"size" validate:"gte=1"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	DotEnvFile     string
	BaseDir        *string
	Port           *string
	Debug          *bool
	DatabaseURL    *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

// explicitSettings records which derived values a YAML file set on purpose.
type explicitSettings struct {
	TemplateDebug *bool `yaml:"template_debug"`
	Static        struct {
		Root      *string   `yaml:"root"`
		Dirs      *[]string `yaml:"dirs"`
		MediaRoot *string   `yaml:"media_root"`
	} `yaml:"static"`
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Settings, error) {
	if overrides == nil {
		overrides = &CLIOverrides{}
	}

	if err := loadDotEnv(overrides.DotEnvFile); err != nil {
		return Settings{}, err
	}

	cfg, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	// Apply environment variables
	if err := applyEnvConfig(&cfg); err != nil {
		return Settings{}, err
	}

	// Load from YAML file if specified (overrides environment)
	var explicit explicitSettings
	if overrides.ConfigFile != "" {
		explicit, err = applyYAMLFile(&cfg, overrides.ConfigFile)
		if err != nil {
			return Settings{}, fmt.Errorf("load YAML config: %w", err)
		}
	}

	// Apply CLI overrides (highest precedence)
	if err := applyCLIOverrides(&cfg, overrides); err != nil {
		return Settings{}, err
	}

	resolveDerived(&cfg, explicit)

	// Validate final configuration
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}

	return cfg, nil
}

// Defaults returns the default settings rooted at the working directory.
func Defaults() Settings {
	cfg, err := defaultSettings()
	if err != nil {
		cfg = newDefaults(".")
	}
	resolveDerived(&cfg, explicitSettings{})
	return cfg
}

func defaultSettings() (Settings, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Settings{}, fmt.Errorf("resolve base directory: %w", err)
	}
	return newDefaults(wd), nil
}

// newDefaults returns Settings with default values for the given base directory.
func newDefaults(baseDir string) Settings {
	return Settings{
		BaseDir:       baseDir,
		SecretKey:     defaultSecretKey,
		Debug:         false,
		AppendSlash:   true,
		AuthUserModel: "users.User",
		SiteID:        1,
		Server: ServerSettings{
			Port:                 defaultPort,
			ShutdownGracePeriod:  10 * time.Second,
			ReadHeaderTimeout:    5 * time.Second,
			WriteTimeout:         15 * time.Second,
			IdleTimeout:          60 * time.Second,
			EnableRequestLogging: true,
			RateLimitRPS:         defaultRateLimitRPS,
			RateLimitBurst:       defaultRateLimitBurst,
		},
		InstalledApps: []string{
			"admin",
			"auth",
			"contenttypes",
			"sessions",
			"messages",
			"staticfiles",

			// Third party components
			"rest",           // utilities for REST APIs
			"authtoken",      // token authentication
			"queue",          // asynchronous queuing
			"push",           // push notifications
			"images",         // image manipulation
			"authentication", // project components
			"users",
		},
		Middleware: []string{
			"session",
			"common",
			"csrf",
			"authentication",
			"messages",
			"xframe",
		},
		Templates: TemplateSettings{
			Backend: "html",
			Dirs:    []string{},
			AppDirs: true,
			ContextProcessors: []string{
				"debug",
				"request",
				"auth",
				"messages",
			},
		},
		MigrationModules: map[string]string{
			"sites": "contrib/sites/migrations",
		},
		Email: EmailSettings{
			Backend:       "smtp",
			Host:          "localhost",
			Port:          25,
			DefaultFrom:   "webmaster@localhost",
			ServerEmail:   "root@localhost",
			SubjectPrefix: "[restplate] ",
		},
		Managers: []Contact{
			{Name: "Author", Email: "author@example.com"},
		},
		Admins:      []Contact{},
		DatabaseURL: defaultDatabaseURL,
		General: GeneralSettings{
			TimeZone:     "UTC",
			LanguageCode: "en-us",
			UseI18N:      true,
			UseL10N:      true,
			UseTZ:        true,
		},
		Static: StaticSettings{
			URL:      "/static/",
			Finders:  []string{"filesystem", "appdirs"},
			MediaURL: "/media/",
		},
		Logging: logging.DefaultTable(),
		REST: RESTSettings{
			PageSize:       30,
			PageSizeParam:  "per_page",
			MaxPageSize:    1000,
			DatetimeFormat: "%Y-%m-%dT%H:%M:%S%z",
			Renderers:      []string{"json", "browsable"},
			Permissions:    []string{"authenticated"},
			Authentication: []string{"session", "token"},
		},
		Push: PushSettings{
			Service:  "zeropush",
			Endpoint: "https://api.zeropush.com",
		},
		Images: ImageSettings{
			// How long references to created images stay cached (30 days).
			CacheLength: 2592000 * time.Second,
			// Falls back to the default cache when no cache has this name.
			CacheName:                "images",
			JPEGResizeQuality:        70,
			SizedDirectoryName:       "__sized__",
			FilteredDirectoryName:    "__filtered__",
			PlaceholderDirectoryName: "__placeholder__",
			// Variants must be pre-warmed when this is false.
			CreateImagesOnDemand: false,
		},
		Caches: map[string]CacheSettings{
			"default": {Timeout: 5 * time.Minute, CleanupInterval: 10 * time.Minute},
		},
		Queue: QueueSettings{
			Workers: 2,
			Size:    100,
		},
	}
}

// loadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing default file is fine.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("DOTENV"))
		explicit = path != ""
	}
	if path == "" {
		path = defaultDotEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load dotenv file %s: %w", path, err)
	}
	return nil
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Settings) error {
	vars := env.ToMap(os.Environ())
	var e envSettings
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	// env skips empty values, but a flag that is set and empty means false.
	if v, ok := e.Debug.value(vars, envDebug); ok {
		cfg.Debug = v
	}
	if v, ok := e.AppendSlash.value(vars, envAppendSlash); ok {
		cfg.AppendSlash = v
	}
	if v, ok := nonEmpty(e.EmailBackend); ok {
		cfg.Email.Backend = v
	}
	if v, ok := nonEmpty(e.SecretKey); ok {
		cfg.SecretKey = v
	}
	if v, ok := nonEmpty(e.DatabaseURL); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := nonEmpty(e.PushAuthToken); ok {
		cfg.Push.AuthToken = v
	}
	if v, ok := nonEmpty(e.Port); ok {
		cfg.Server.Port = v
	}
	if v, ok := nonEmpty(e.BaseDir); ok {
		cfg.BaseDir = v
	}
	if v, ok := nonEmpty(e.RateLimitRPS); ok {
		if value, err := strconv.ParseFloat(v, 64); err == nil && value >= 0 {
			cfg.Server.RateLimitRPS = value
		}
	}
	if v, ok := nonEmpty(e.RateLimitBurst); ok {
		if value, err := strconv.Atoi(v); err == nil && value >= 0 {
			cfg.Server.RateLimitBurst = value
		}
	}
	return nil
}

// applyYAMLFile decodes a YAML file on top of the current settings. Keys absent
// from the file keep their current value.
func applyYAMLFile(cfg *Settings, path string) (explicitSettings, error) {
	var explicit explicitSettings

	data, err := os.ReadFile(path)
	if err != nil {
		return explicit, fmt.Errorf("read file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return explicit, fmt.Errorf("parse YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, &explicit); err != nil {
		return explicit, fmt.Errorf("parse YAML: %w", err)
	}

	return explicit, nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Settings, overrides *CLIOverrides) error {
	if overrides.BaseDir != nil && *overrides.BaseDir != "" {
		cfg.BaseDir = *overrides.BaseDir
	}

	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Server.Port = *overrides.Port
	}

	if overrides.Debug != nil {
		cfg.Debug = *overrides.Debug
	}

	if overrides.DatabaseURL != nil && *overrides.DatabaseURL != "" {
		cfg.DatabaseURL = *overrides.DatabaseURL
	}

	if overrides.RateLimitRPS != nil {
		if *overrides.RateLimitRPS < 0 {
			return fmt.Errorf("rate limit rps must be >= 0, got %v", *overrides.RateLimitRPS)
		}
		cfg.Server.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil {
		if *overrides.RateLimitBurst < 0 {
			return fmt.Errorf("rate limit burst must be >= 0, got %d", *overrides.RateLimitBurst)
		}
		cfg.Server.RateLimitBurst = *overrides.RateLimitBurst
	}

	return nil
}

// resolveDerived fills values computed from other settings: template debug
// follows debug, and static/media paths hang off the base directory.
func resolveDerived(cfg *Settings, explicit explicitSettings) {
	if abs, err := filepath.Abs(cfg.BaseDir); err == nil {
		cfg.BaseDir = abs
	}

	if explicit.TemplateDebug == nil {
		cfg.TemplateDebug = cfg.Debug
	}
	if explicit.Static.Root == nil || cfg.Static.Root == "" {
		cfg.Static.Root = filepath.Join(filepath.Dir(cfg.BaseDir), "staticfiles")
	}
	if explicit.Static.Dirs == nil {
		cfg.Static.Dirs = []string{filepath.Join(cfg.BaseDir, "static")}
	}
	if explicit.Static.MediaRoot == nil || cfg.Static.MediaRoot == "" {
		cfg.Static.MediaRoot = filepath.Join(cfg.BaseDir, "media")
	}

	if _, ok := cfg.Caches["default"]; !ok {
		if cfg.Caches == nil {
			cfg.Caches = map[string]CacheSettings{}
		}
		cfg.Caches["default"] = CacheSettings{Timeout: 5 * time.Minute, CleanupInterval: 10 * time.Minute}
	}
}

// ListenAddr returns the server address in host:port form.
func (s ServerSettings) ListenAddr() string {
	if strings.Contains(s.Port, ":") {
		return s.Port
	}
	return ":" + s.Port
}

// HasApp reports whether a component label is installed.
func (s Settings) HasApp(label string) bool {
	for _, app := range s.InstalledApps {
		if app == label {
			return true
		}
	}
	return false
}
