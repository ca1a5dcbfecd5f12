package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eugenenazirov/restplate/internal/timefmt"
)

const defaultTimeLayout = "2006-01-02 15:04:05,000"

// MailFunc delivers a log record to site administrators.
type MailFunc func(subject, body string) error

// Options carries the runtime inputs Build needs besides the table.
type Options struct {
	// Debug is the resolved debug flag consulted by require_debug_* filters.
	Debug bool
	// Stream receives stream and color_stream output. Defaults to os.Stderr.
	Stream io.Writer
	// Mailer backs mail_admins handlers. Without it those handlers are silent.
	Mailer MailFunc
}

// Registry hands out loggers routed according to a Table.
type Registry struct {
	table    Table
	handlers map[string]zapcore.Core
	closers  []io.Closer

	mu      sync.Mutex
	loggers map[string]*zap.Logger
}

// Build validates the table and constructs a core for every handler.
func Build(table Table, opts Options) (*Registry, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if opts.Stream == nil {
		opts.Stream = os.Stderr
	}

	r := &Registry{
		table:    table,
		handlers: make(map[string]zapcore.Core, len(table.Handlers)),
		loggers:  make(map[string]*zap.Logger),
	}

	for name, spec := range table.Handlers {
		core, err := r.buildHandler(spec, opts)
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", name, err)
		}
		r.handlers[name] = core
	}

	return r, nil
}

func (r *Registry) buildHandler(spec HandlerSpec, opts Options) (zapcore.Core, error) {
	for _, filter := range spec.Filters {
		switch r.table.Filters[filter].Kind {
		case FilterRequireDebugFalse:
			if opts.Debug {
				return zapcore.NewNopCore(), nil
			}
		case FilterRequireDebugTrue:
			if !opts.Debug {
				return zapcore.NewNopCore(), nil
			}
		}
	}

	level, err := ParseLevel(spec.Level)
	if err != nil {
		return nil, err
	}

	format := FormatterSpec{Format: "%(message)s"}
	if spec.Formatter != "" {
		format = r.table.Formatters[spec.Formatter]
	}
	encoder, fields, err := newEncoder(format, spec.Exclude, spec.Class == ClassColorStream)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core
	switch spec.Class {
	case ClassStream, ClassColorStream:
		core = zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(opts.Stream)), level)
	case ClassFile:
		writer := &lumberjack.Logger{
			Filename:   spec.Filename,
			MaxSize:    spec.MaxSizeMB,
			MaxBackups: spec.MaxBackups,
			MaxAge:     spec.MaxAgeDays,
		}
		r.closers = append(r.closers, writer)
		core = zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
	case ClassMailAdmins:
		if opts.Mailer == nil {
			return zapcore.NewNopCore(), nil
		}
		if spec.Formatter == "" {
			encoder, fields, err = newEncoder(FormatterSpec{Format: "%(levelname)s %(asctime)s %(name)s %(module)s %(message)s"}, nil, false)
			if err != nil {
				return nil, err
			}
		}
		core = &mailCore{LevelEnabler: level, enc: encoder, send: opts.Mailer}
	default:
		return nil, fmt.Errorf("unknown class %q", spec.Class)
	}

	if len(fields) > 0 {
		core = core.With(fields)
	}
	return core, nil
}

// newEncoder maps %(name)s placeholders onto a console encoder. Keys that are
// left empty are omitted from the output. %(thread)d has no goroutine
// counterpart and is dropped.
func newEncoder(spec FormatterSpec, exclude []string, color bool) (zapcore.Encoder, []zap.Field, error) {
	used := placeholders(spec.Format, exclude)

	cfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if used["levelname"] {
		cfg.LevelKey = "level"
	}
	if used["asctime"] {
		layout := defaultTimeLayout
		if spec.DateFormat != "" {
			var err error
			layout, err = timefmt.Layout(spec.DateFormat)
			if err != nil {
				return nil, nil, fmt.Errorf("datefmt: %w", err)
			}
		}
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(layout)
	}
	if used["module"] || used["pathname"] || used["lineno"] {
		cfg.CallerKey = "caller"
	}
	if used["name"] {
		cfg.NameKey = "logger"
	}
	if used["funcName"] {
		cfg.FunctionKey = "func"
	}

	var fields []zap.Field
	if used["process"] {
		fields = append(fields, zap.Int("process", os.Getpid()))
	}

	return zapcore.NewConsoleEncoder(cfg), fields, nil
}

// Logger returns the logger for a dotted name. Handlers are collected from the
// nearest configured logger upwards until a logger with propagate disabled is
// reached; the level comes from the nearest logger that declares one.
func (r *Registry) Logger(name string) *zap.Logger {
	if name == "" {
		name = RootLogger
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if logger, ok := r.loggers[name]; ok {
		return logger
	}

	logger := r.buildLogger(name)
	r.loggers[name] = logger
	return logger
}

func (r *Registry) buildLogger(name string) *zap.Logger {
	if r.table.DisableExistingLoggers && !r.configured(name) {
		return zap.NewNop()
	}

	var cores []zapcore.Core
	level := zapcore.WarnLevel
	levelSet := false

	current := name
	for {
		spec, ok := r.spec(current)
		if ok {
			if !levelSet && spec.Level != "" {
				level, _ = ParseLevel(spec.Level)
				levelSet = true
			}
			for _, handler := range spec.Handlers {
				cores = append(cores, r.handlers[handler])
			}
			if !spec.Propagate && current != RootLogger {
				break
			}
		}
		if current == RootLogger {
			break
		}
		current = parent(current)
	}

	if len(cores) == 0 {
		return zap.NewNop().Named(name)
	}

	core := gatedCore{Core: zapcore.NewTee(cores...), level: level}
	logger := zap.New(core, zap.AddCaller())
	if name == RootLogger {
		return logger
	}
	return logger.Named(name)
}

func (r *Registry) spec(name string) (LoggerSpec, bool) {
	if name == RootLogger {
		if r.table.Root == nil {
			return LoggerSpec{}, false
		}
		return *r.table.Root, true
	}
	spec, ok := r.table.Loggers[name]
	return spec, ok
}

// configured reports whether name or one of its ancestors is declared.
func (r *Registry) configured(name string) bool {
	for current := name; current != RootLogger; current = parent(current) {
		if _, ok := r.table.Loggers[current]; ok {
			return true
		}
	}
	return name == RootLogger
}

func parent(name string) string {
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[:idx]
	}
	return RootLogger
}

// Sync flushes every handler.
func (r *Registry) Sync() error {
	var errs []error
	for _, core := range r.handlers {
		if err := core.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes handlers and releases file handles.
func (r *Registry) Close() error {
	errs := []error{r.Sync()}
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// gatedCore applies a logger-level threshold on top of the handler levels.
type gatedCore struct {
	zapcore.Core
	level zapcore.Level
}

func (c gatedCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l) && c.Core.Enabled(l)
}

func (c gatedCore) With(fields []zapcore.Field) zapcore.Core {
	return gatedCore{Core: c.Core.With(fields), level: c.level}
}

func (c gatedCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.level.Enabled(ent.Level) {
		return ce
	}
	return c.Core.Check(ent, ce)
}

// mailCore renders each entry and hands it to a MailFunc.
type mailCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	send MailFunc
}

func (c *mailCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &mailCore{LevelEnabler: c.LevelEnabler, enc: c.enc.Clone(), send: c.send}
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return clone
}

func (c *mailCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *mailCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	subject := ent.Level.CapitalString() + ": " + firstLine(ent.Message)
	if ent.LoggerName != "" {
		subject = fmt.Sprintf("%s (%s)", subject, ent.LoggerName)
	}
	return c.send(subject, buf.String())
}

func (c *mailCore) Sync() error { return nil }

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
