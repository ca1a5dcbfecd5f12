package logging

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Handler classes understood by Build.
const (
	ClassStream      = "stream"
	ClassColorStream = "color_stream"
	ClassFile        = "file"
	ClassMailAdmins  = "mail_admins"
)

// Filter kinds understood by Build.
const (
	FilterRequireDebugFalse = "require_debug_false"
	FilterRequireDebugTrue  = "require_debug_true"
)

// Well-known logger names.
const (
	RootLogger    = "root"
	RequestLogger = "http.request"
	WorkerLogger  = "queue.worker"
)

// ErrInvalidTable is returned when the logging table does not satisfy the schema.
var ErrInvalidTable = errors.New("invalid logging table")

var placeholderPattern = regexp.MustCompile(`%\((\w+)\)[sd]`)

// Table is the logging dispatch table: filters, formatters and handlers keyed
// by name, and loggers routed to handlers.
type Table struct {
	Version                int                      `yaml:"version"`
	DisableExistingLoggers bool                     `yaml:"disable_existing_loggers"`
	Filters                map[string]FilterSpec    `yaml:"filters"`
	Formatters             map[string]FormatterSpec `yaml:"formatters"`
	Handlers               map[string]HandlerSpec   `yaml:"handlers"`
	Loggers                map[string]LoggerSpec    `yaml:"loggers"`
	Root                   *LoggerSpec              `yaml:"root,omitempty"`
}

// FilterSpec declares a handler filter.
type FilterSpec struct {
	Kind string `yaml:"kind"`
}

// FormatterSpec declares a record layout using %(name)s placeholders.
type FormatterSpec struct {
	Format     string `yaml:"format"`
	DateFormat string `yaml:"datefmt,omitempty"`
}

// HandlerSpec declares an output destination.
type HandlerSpec struct {
	Class      string   `yaml:"class"`
	Level      string   `yaml:"level,omitempty"`
	Formatter  string   `yaml:"formatter,omitempty"`
	Filters    []string `yaml:"filters,omitempty"`
	Exclude    []string `yaml:"exclude,omitempty"`
	Filename   string   `yaml:"filename,omitempty"`
	MaxSizeMB  int      `yaml:"max_size_mb,omitempty"`
	MaxBackups int      `yaml:"max_backups,omitempty"`
	MaxAgeDays int      `yaml:"max_age_days,omitempty"`
}

// LoggerSpec routes a named logger to handlers.
type LoggerSpec struct {
	Handlers  []string `yaml:"handlers"`
	Level     string   `yaml:"level,omitempty"`
	Propagate bool     `yaml:"propagate"`
}

// UnmarshalYAML decodes a logger entry. A missing propagate key means true.
func (s *LoggerSpec) UnmarshalYAML(node *yaml.Node) error {
	type plain LoggerSpec
	spec := plain{Propagate: true}
	if err := node.Decode(&spec); err != nil {
		return err
	}
	*s = LoggerSpec(spec)
	return nil
}

// DefaultTable returns the project's default logging table.
func DefaultTable() Table {
	return Table{
		Version:                1,
		DisableExistingLoggers: false,
		Filters: map[string]FilterSpec{
			FilterRequireDebugFalse: {Kind: FilterRequireDebugFalse},
		},
		Formatters: map[string]FormatterSpec{
			"verbose": {Format: "%(levelname)s %(asctime)s %(module)s %(process)d %(thread)d %(message)s"},
			"simple":  {Format: "%(levelname)s %(message)s"},
			"queue_console": {
				Format:     "%(asctime)s %(message)s",
				DateFormat: "%H:%M:%S",
			},
		},
		Handlers: map[string]HandlerSpec{
			"mail_admins": {
				Class:   ClassMailAdmins,
				Level:   "error",
				Filters: []string{FilterRequireDebugFalse},
			},
			"console": {
				Class:     ClassStream,
				Level:     "debug",
				Formatter: "simple",
			},
			"queue_console": {
				Class:     ClassColorStream,
				Level:     "debug",
				Formatter: "queue_console",
				Exclude:   []string{"%(asctime)s"},
			},
		},
		Loggers: map[string]LoggerSpec{
			RequestLogger: {
				Handlers:  []string{"mail_admins"},
				Level:     "error",
				Propagate: true,
			},
			WorkerLogger: {
				Handlers: []string{"queue_console"},
				Level:    "debug",
			},
		},
		Root: &LoggerSpec{
			Handlers: []string{"console"},
			Level:    "info",
		},
	}
}

// Validate checks the table against the schema: version 1, known classes and
// levels, and every cross reference resolving to a declared entry.
func (t Table) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if t.Version != 1 {
		addf("unsupported version %d", t.Version)
	}

	for name, f := range t.Filters {
		if f.Kind != FilterRequireDebugFalse && f.Kind != FilterRequireDebugTrue {
			addf("filter %q has unknown kind %q", name, f.Kind)
		}
	}

	for name, f := range t.Formatters {
		if strings.TrimSpace(f.Format) == "" {
			addf("formatter %q has empty format", name)
		}
	}

	for name, h := range t.Handlers {
		switch h.Class {
		case ClassStream, ClassColorStream, ClassMailAdmins:
		case ClassFile:
			if h.Filename == "" {
				addf("handler %q requires a filename", name)
			}
		default:
			addf("handler %q has unknown class %q", name, h.Class)
		}
		if _, err := ParseLevel(h.Level); err != nil {
			addf("handler %q: %v", name, err)
		}
		if h.Formatter != "" {
			if _, ok := t.Formatters[h.Formatter]; !ok {
				addf("handler %q references unknown formatter %q", name, h.Formatter)
			}
		}
		for _, filter := range h.Filters {
			if _, ok := t.Filters[filter]; !ok {
				addf("handler %q references unknown filter %q", name, filter)
			}
		}
	}

	checkLogger := func(name string, spec LoggerSpec) {
		if _, err := ParseLevel(spec.Level); err != nil {
			addf("logger %q: %v", name, err)
		}
		for _, handler := range spec.Handlers {
			if _, ok := t.Handlers[handler]; !ok {
				addf("logger %q references unknown handler %q", name, handler)
			}
		}
	}
	for name, spec := range t.Loggers {
		checkLogger(name, spec)
	}
	if t.Root != nil {
		checkLogger(RootLogger, *t.Root)
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidTable, strings.Join(problems, "; "))
}

// ParseLevel maps level names, including warning and critical, to zap levels.
// An empty name means no threshold and maps to debug.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "notset", "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "critical", "fatal":
		return zapcore.DPanicLevel, nil
	default:
		return zapcore.DebugLevel, fmt.Errorf("unknown level %q", name)
	}
}

// placeholders returns the field names referenced by a format, minus excluded ones.
func placeholders(format string, exclude []string) map[string]bool {
	for _, ex := range exclude {
		format = strings.ReplaceAll(format, ex, "")
	}
	out := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(format, -1) {
		out[m[1]] = true
	}
	return out
}
