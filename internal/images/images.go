// Package images resolves image variant URLs under the media root and
// generates the variants, either on demand or ahead of time with Warm.
package images

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/eugenenazirov/restplate/internal/config"
)

const (
	placeholderName = "placeholder.png"
	placeholderSize = 400
	cachePrefix     = "images:"
)

// ErrSourceNotFound is returned when the source image does not exist.
var ErrSourceNotFound = errors.New("source image not found")

// Service resolves and generates image variants.
type Service struct {
	settings config.ImageSettings
	root     string
	baseURL  string
	cache    *gocache.Cache
	logger   *zap.Logger

	// Serializes writes so concurrent requests for one variant render it once.
	mu sync.Mutex
}

// New returns a Service storing variants below media.MediaRoot and linking
// them under media.MediaURL. cache remembers which variants exist.
func New(settings config.ImageSettings, media config.StaticSettings, cache *gocache.Cache, logger *zap.Logger) *Service {
	if cache == nil {
		cache = gocache.New(settings.CacheLength, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		settings: settings,
		root:     media.MediaRoot,
		baseURL:  media.MediaURL,
		cache:    cache,
		logger:   logger,
	}
}

// VariantPath returns the media-relative path of spec applied to source.
// An empty source names the placeholder image.
func (s *Service) VariantPath(source string, spec Spec) (string, error) {
	source, err := s.source(source)
	if err != nil {
		return "", err
	}

	dir, file := path.Split(source)
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	ext = outputExt(ext)

	var name, top string
	switch spec.Kind {
	case KindThumbnail:
		top = s.settings.SizedDirectoryName
		name = fmt.Sprintf("%s-thumbnail-%dx%d%s%s", stem, spec.Width, spec.Height, s.qualitySuffix(ext), ext)
	case KindCrop:
		top = s.settings.SizedDirectoryName
		name = fmt.Sprintf("%s-crop-c0-5__0-5-%dx%d%s%s", stem, spec.Width, spec.Height, s.qualitySuffix(ext), ext)
	case KindFilter:
		top = s.settings.FilteredDirectoryName
		name = fmt.Sprintf("%s__%s__%s", stem, spec.Filter, ext)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, spec.Kind)
	}
	return path.Join(top, dir, name), nil
}

func (s *Service) qualitySuffix(ext string) string {
	if isJPEG(ext) {
		return fmt.Sprintf("-%d", s.settings.JPEGResizeQuality)
	}
	return ""
}

// source cleans a media-relative path and maps "" to the placeholder.
func (s *Service) source(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return path.Join(s.settings.PlaceholderDirectoryName, placeholderName), nil
	}
	clean := path.Clean("/" + filepath.ToSlash(source))[1:]
	if clean == "" || clean != strings.TrimPrefix(filepath.ToSlash(source), "/") {
		return "", fmt.Errorf("%w: %q", ErrSourceNotFound, source)
	}
	if path.Ext(clean) == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrSourceNotFound, source)
	}
	return clean, nil
}

// URL returns the public URL of a variant. With on-demand creation the
// variant is rendered if missing; otherwise the URL is returned as is and
// the file must have been produced by Warm. Known variants are remembered
// for the configured cache length.
func (s *Service) URL(ctx context.Context, source string, spec Spec) (string, error) {
	variant, err := s.VariantPath(source, spec)
	if err != nil {
		return "", err
	}
	link := s.link(variant)

	key := cachePrefix + variant
	if _, ok := s.cache.Get(key); ok {
		return link, nil
	}

	if s.exists(variant) {
		s.remember(key)
		return link, nil
	}
	if !s.settings.CreateImagesOnDemand {
		s.logger.Debug("variant not generated", zap.String("variant", variant))
		return link, nil
	}

	if _, err := s.Generate(ctx, source, spec); err != nil {
		return "", err
	}
	s.remember(key)
	return link, nil
}

func (s *Service) remember(key string) {
	s.cache.Set(key, true, s.settings.CacheLength)
}

func (s *Service) link(variant string) string {
	return strings.TrimRight(s.baseURL, "/") + "/" + (&url.URL{Path: variant}).EscapedPath()
}

func (s *Service) exists(rel string) bool {
	info, err := os.Stat(s.abs(rel))
	return err == nil && info.Mode().IsRegular()
}

func (s *Service) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Generate renders spec for source unless the variant already exists and
// returns the variant path.
func (s *Service) Generate(ctx context.Context, source string, spec Spec) (string, error) {
	variant, err := s.VariantPath(source, spec)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists(variant) {
		return variant, nil
	}

	src, _ := s.source(source)
	if source == "" {
		if err := s.ensurePlaceholder(src); err != nil {
			return "", err
		}
	}

	img, err := decodeFile(s.abs(src))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, src)
		}
		return "", err
	}

	start := time.Now()
	out := render(img, spec)
	if err := encodeFile(s.abs(variant), out, s.settings.JPEGResizeQuality); err != nil {
		return "", fmt.Errorf("write %s: %w", variant, err)
	}
	s.logger.Info("image variant created",
		zap.String("source", src),
		zap.String("variant", variant),
		zap.Duration("duration", time.Since(start)),
	)
	return variant, nil
}

func (s *Service) ensurePlaceholder(rel string) error {
	if s.exists(rel) {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	fill(img, color.RGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff})
	return writeAtomic(s.abs(rel), func(f *os.File) error { return png.Encode(f, img) })
}

// Warm renders every spec for every source. Missing sources are logged and
// skipped; the first other error stops the run. It returns the number of
// variants created or already present.
func (s *Service) Warm(ctx context.Context, sources []string, specs []Spec) (int, error) {
	count := 0
	for _, source := range sources {
		for _, spec := range specs {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			variant, err := s.Generate(ctx, source, spec)
			if errors.Is(err, ErrSourceNotFound) {
				s.logger.Warn("skipping missing image", zap.String("source", source))
				break
			}
			if err != nil {
				return count, err
			}
			s.remember(cachePrefix + variant)
			count++
		}
	}
	return count, nil
}

// Sources lists the image files below the media root, skipping the variant
// and placeholder directories.
func (s *Service) Sources() ([]string, error) {
	skip := map[string]bool{
		s.settings.SizedDirectoryName:       true,
		s.settings.FilteredDirectoryName:    true,
		s.settings.PlaceholderDirectoryName: true,
	}

	var sources []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == s.root {
				return filepath.SkipDir
			}
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skip[rel] {
				return filepath.SkipDir
			}
			return nil
		}
		if isImage(path.Ext(rel)) {
			sources = append(sources, rel)
		}
		return nil
	})
	return sources, err
}

// Handler resolves /<spec>/<source path> to the variant URL and redirects
// there.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spec, err := ParseSpec(r.PathValue("variant"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		link, err := s.URL(r.Context(), r.PathValue("path"), spec)
		switch {
		case errors.Is(err, ErrSourceNotFound):
			http.NotFound(w, r)
			return
		case err != nil:
			s.logger.Error("resolve image variant", zap.Error(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, link, http.StatusFound)
	})
}
