// Package templates renders HTML pages from the configured template
// directories, the templates/ directory of each installed component and the
// built-in templates shipped with the binary, in that order.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexedwards/scs/v2"

	"github.com/eugenenazirov/restplate/internal/config"
	"github.com/eugenenazirov/restplate/internal/session"
)

//go:embed builtin
var builtin embed.FS

// ErrTemplateNotFound is returned when no search location holds the template.
var ErrTemplateNotFound = errors.New("template not found")

// Processor adds values to the render context of a request.
type Processor func(r *http.Request, data map[string]any)

// Engine locates, parses and renders templates.
type Engine struct {
	dirs       []string
	processors []Processor
	funcs      template.FuncMap
	reload     bool

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// Option configures an Engine.
type Option func(*Engine)

// WithFuncs registers template functions.
func WithFuncs(funcs template.FuncMap) Option {
	return func(e *Engine) {
		for name, fn := range funcs {
			e.funcs[name] = fn
		}
	}
}

// New builds an Engine. appDirs are the templates/ directories of installed
// components and are only searched when the settings enable AppDirs. The
// sessions manager backs the auth and messages context processors.
func New(cfg config.TemplateSettings, appDirs []string, debug bool, sessions *scs.SessionManager, opts ...Option) (*Engine, error) {
	e := &Engine{
		dirs:   append([]string{}, cfg.Dirs...),
		funcs:  template.FuncMap{},
		reload: debug,
		cache:  make(map[string]*template.Template),
	}
	if cfg.AppDirs {
		e.dirs = append(e.dirs, appDirs...)
	}

	for _, name := range cfg.ContextProcessors {
		p, err := processor(name, debug, sessions)
		if err != nil {
			return nil, err
		}
		e.processors = append(e.processors, p)
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func processor(name string, debug bool, sessions *scs.SessionManager) (Processor, error) {
	switch name {
	case "debug":
		return func(_ *http.Request, data map[string]any) {
			data["debug"] = debug
		}, nil
	case "request":
		return func(r *http.Request, data map[string]any) {
			data["request"] = r
		}, nil
	case "auth":
		return func(r *http.Request, data map[string]any) {
			if user, ok := session.UserFromContext(r.Context()); ok {
				data["user"] = user
			}
		}, nil
	case "messages":
		return func(r *http.Request, data map[string]any) {
			if sessions == nil || !session.MessagesEnabled(r.Context()) {
				return
			}
			data["messages"] = session.PopMessages(r.Context(), sessions)
		}, nil
	default:
		return nil, fmt.Errorf("unknown context processor %q", name)
	}
}

// Render executes the named template with data merged over the context
// processor output. r may be nil when rendering outside a request.
func (e *Engine) Render(w io.Writer, r *http.Request, name string, data map[string]any) error {
	tmpl, err := e.lookup(name)
	if err != nil {
		return err
	}

	ctx := make(map[string]any, len(data)+len(e.processors))
	if r != nil {
		for _, p := range e.processors {
			p(r, ctx)
		}
	}
	for k, v := range data {
		ctx[k] = v
	}

	if err := tmpl.Execute(w, ctx); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return nil
}

// lookup returns a parsed template, parsing it again on every call in debug mode.
func (e *Engine) lookup(name string) (*template.Template, error) {
	if !e.reload {
		e.mu.RLock()
		tmpl, ok := e.cache[name]
		e.mu.RUnlock()
		if ok {
			return tmpl, nil
		}
	}

	src, err := e.source(name)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(name).Funcs(e.funcs).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	if !e.reload {
		e.mu.Lock()
		e.cache[name] = tmpl
		e.mu.Unlock()
	}
	return tmpl, nil
}

// source reads the first match for name across the search locations.
func (e *Engine) source(name string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || len(clean) > 2 && clean[:3] == ".."+string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	for _, dir := range e.dirs {
		data, err := os.ReadFile(filepath.Join(dir, clean))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	data, err := builtin.ReadFile("builtin/" + filepath.ToSlash(clean))
	if err == nil {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
}
