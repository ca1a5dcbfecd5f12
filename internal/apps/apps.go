// Package apps keeps the registry of installable components and resolves the
// installed set into a load order.
package apps

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/dominikbraun/graph"
)

var (
	// ErrUnknownApp is returned for labels that no component registered.
	ErrUnknownApp = errors.New("unknown app")
	// ErrDuplicateApp is returned when a label is installed or registered twice.
	ErrDuplicateApp = errors.New("duplicate app")
	// ErrMissingRequirement is returned when a component needs one that is not installed.
	ErrMissingRequirement = errors.New("missing requirement")
	// ErrDependencyCycle is returned when requirements loop back on themselves.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrUnknownModel is returned when a model reference names nothing installed.
	ErrUnknownModel = errors.New("unknown model")
)

// AppConfig describes one installable component.
type AppConfig struct {
	Label    string   `json:"label"`
	Name     string   `json:"name"`
	Models   []string `json:"models,omitempty"`
	Requires []string `json:"requires,omitempty"`
	// Dir is the component directory relative to the project base dir.
	// Its templates/ and static/ subdirectories are searched when present.
	Dir string `json:"-"`
}

var builtins = []AppConfig{
	{Label: "admin", Name: "Administration", Models: []string{"LogEntry"}, Requires: []string{"auth", "contenttypes", "sessions", "messages"}},
	{Label: "auth", Name: "Authentication and Authorization", Models: []string{"Permission", "Group"}, Requires: []string{"contenttypes"}},
	{Label: "contenttypes", Name: "Content Types", Models: []string{"ContentType"}},
	{Label: "sessions", Name: "Sessions", Models: []string{"Session"}},
	{Label: "messages", Name: "Messages"},
	{Label: "staticfiles", Name: "Static Files"},
	{Label: "sites", Name: "Sites", Models: []string{"Site"}},
	{Label: "rest", Name: "REST API"},
	{Label: "authtoken", Name: "Auth Token", Models: []string{"Token"}, Requires: []string{"auth"}},
	{Label: "queue", Name: "Job Queue"},
	{Label: "push", Name: "Push Notifications", Requires: []string{"queue"}},
	{Label: "images", Name: "Image Variants"},
	{Label: "authentication", Name: "Authentication", Requires: []string{"auth", "authtoken"}, Dir: "authentication"},
	{Label: "users", Name: "Users", Models: []string{"User"}, Requires: []string{"auth"}, Dir: "users"},
}

// Registry holds the known components and, once populated, the installed ones.
type Registry struct {
	mu        sync.RWMutex
	known     map[string]AppConfig
	installed []AppConfig
	ready     bool
}

// NewRegistry returns a registry seeded with the built-in components.
func NewRegistry() *Registry {
	r := &Registry{known: make(map[string]AppConfig, len(builtins))}
	for _, app := range builtins {
		r.known[app.Label] = app
	}
	return r
}

// Register adds a project component.
func (r *Registry) Register(app AppConfig) error {
	if strings.TrimSpace(app.Label) == "" {
		return errors.New("app label is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.known[app.Label]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateApp, app.Label)
	}
	r.known[app.Label] = app
	return nil
}

// Populate installs labels and returns them in load order: requirements come
// before the components that need them and otherwise the declared order holds.
func (r *Registry) Populate(labels []string) ([]AppConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	position := make(map[string]int, len(labels))
	g := graph.New(graph.StringHash, graph.Directed(), graph.Acyclic(), graph.PreventCycles())

	for i, label := range labels {
		if _, ok := r.known[label]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownApp, label)
		}
		if err := g.AddVertex(label); err != nil {
			if errors.Is(err, graph.ErrVertexAlreadyExists) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateApp, label)
			}
			return nil, err
		}
		position[label] = i
	}

	for _, label := range labels {
		for _, req := range r.known[label].Requires {
			if _, ok := position[req]; !ok {
				return nil, fmt.Errorf("%w: %s requires %s", ErrMissingRequirement, label, req)
			}
			if err := g.AddEdge(req, label); err != nil {
				if errors.Is(err, graph.ErrEdgeCreatesCycle) {
					return nil, fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, req, label)
				}
				if !errors.Is(err, graph.ErrEdgeAlreadyExists) {
					return nil, err
				}
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool {
		return position[a] < position[b]
	})
	if err != nil {
		return nil, fmt.Errorf("sort apps: %w", err)
	}

	installed := make([]AppConfig, 0, len(order))
	for _, label := range order {
		installed = append(installed, r.known[label])
	}
	r.installed = installed
	r.ready = true

	return slices.Clone(installed), nil
}

// Installed returns the populated components in load order.
func (r *Registry) Installed() []AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.installed)
}

// Get returns an installed component by label.
func (r *Registry) Get(label string) (AppConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, app := range r.installed {
		if app.Label == label {
			return app, true
		}
	}
	return AppConfig{}, false
}

// ResolveModel checks that a "label.Model" reference names a model declared
// by an installed component.
func (r *Registry) ResolveModel(ref string) (AppConfig, error) {
	label, model, ok := strings.Cut(ref, ".")
	if !ok || label == "" || model == "" || strings.Contains(model, ".") {
		return AppConfig{}, fmt.Errorf("model reference %q must have the form app_label.ModelName", ref)
	}

	r.mu.RLock()
	ready := r.ready
	r.mu.RUnlock()
	if !ready {
		return AppConfig{}, errors.New("apps are not populated yet")
	}

	app, installed := r.Get(label)
	if !installed {
		return AppConfig{}, fmt.Errorf("%w: %s refers to app %q that is not installed", ErrUnknownModel, ref, label)
	}
	for _, m := range app.Models {
		if strings.EqualFold(m, model) {
			return app, nil
		}
	}
	return AppConfig{}, fmt.Errorf("%w: %s", ErrUnknownModel, ref)
}

// MigrationModule returns where label keeps its migrations.
func MigrationModule(label string, overrides map[string]string) string {
	if module, ok := overrides[label]; ok && module != "" {
		return module
	}
	return label + "/migrations"
}

// SubDirs returns <baseDir>/<app.Dir>/<name> for each installed component
// that has a directory, in load order.
func SubDirs(installed []AppConfig, baseDir, name string) []string {
	var dirs []string
	for _, app := range installed {
		if app.Dir == "" {
			continue
		}
		dirs = append(dirs, filepath.Join(baseDir, app.Dir, name))
	}
	return dirs
}

// Labels returns every known label, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.known))
	for label := range r.known {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
