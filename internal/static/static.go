// Package static locates static assets across the configured finders, serves
// them and collects them into the static root for deployment.
package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenenazirov/restplate/internal/config"
)

const (
	FinderFileSystem = "filesystem"
	FinderAppDirs    = "appdirs"
)

// ErrNotFound is returned when no finder holds the requested path.
var ErrNotFound = errors.New("static file not found")

// Finder looks up static files below a set of directories.
type Finder struct {
	Name string
	Dirs []string
}

// Find returns the first existing file for rel.
func (f Finder) Find(rel string) (string, bool) {
	for _, dir := range f.Dirs {
		candidate := filepath.Join(dir, filepath.FromSlash(rel))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

// List returns every file under the finder's directories keyed by its
// slash-separated relative path. Earlier directories win.
func (f Finder) List() (map[string]string, error) {
	files := make(map[string]string)
	for _, dir := range f.Dirs {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == dir {
					return filepath.SkipDir
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if _, seen := files[key]; !seen {
				files[key] = p
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s finder: %w", f.Name, err)
		}
	}
	return files, nil
}

// Files serves and collects static assets.
type Files struct {
	settings config.StaticSettings
	finders  []Finder
	logger   *zap.Logger
}

// New builds the finders named in settings. appDirs are the static/
// directories of installed components.
func New(settings config.StaticSettings, appDirs []string, logger *zap.Logger) (*Files, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Files{settings: settings, logger: logger}
	for _, name := range settings.Finders {
		switch name {
		case FinderFileSystem:
			f.finders = append(f.finders, Finder{Name: name, Dirs: settings.Dirs})
		case FinderAppDirs:
			f.finders = append(f.finders, Finder{Name: name, Dirs: appDirs})
		default:
			return nil, fmt.Errorf("unknown static finder %q", name)
		}
	}
	return f, nil
}

// Find resolves rel through the finders in order.
func (f *Files) Find(rel string) (string, error) {
	clean, ok := cleanRel(rel)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	for _, finder := range f.finders {
		if p, ok := finder.Find(clean); ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
}

// Handler serves files below the static URL prefix. With useFinders the
// files are looked up across finders, otherwise from the collected root.
func (f *Files) Handler(useFinders bool) http.Handler {
	if !useFinders {
		return http.StripPrefix(f.settings.URL, http.FileServer(http.Dir(f.settings.Root)))
	}

	return http.StripPrefix(f.settings.URL, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := f.Find(r.URL.Path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, p)
	}))
}

// Collect copies every file found by the finders into the static root. When
// two finders hold the same path the earlier finder wins. It returns the
// collected relative paths, sorted.
func (f *Files) Collect(ctx context.Context) ([]string, error) {
	if f.settings.Root == "" {
		return nil, errors.New("static root is not configured")
	}

	sources := make(map[string]string)
	for _, finder := range f.finders {
		files, err := finder.List()
		if err != nil {
			return nil, err
		}
		for rel, src := range files {
			if _, seen := sources[rel]; !seen {
				sources[rel] = src
			}
		}
	}

	collected := make([]string, 0, len(sources))
	for rel := range sources {
		collected = append(collected, rel)
	}
	sort.Strings(collected)

	for _, rel := range collected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst := filepath.Join(f.settings.Root, filepath.FromSlash(rel))
		if err := copyFile(sources[rel], dst); err != nil {
			return nil, fmt.Errorf("collect %s: %w", rel, err)
		}
		f.logger.Debug("collected static file", zap.String("path", rel))
	}

	f.logger.Info("static files collected",
		zap.Int("count", len(collected)),
		zap.String("root", f.settings.Root),
	)
	return collected, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// cleanRel rejects absolute paths and traversal outside the search roots.
func cleanRel(rel string) (string, bool) {
	clean := path.Clean("/" + strings.TrimPrefix(rel, "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", false
	}
	return clean, true
}
