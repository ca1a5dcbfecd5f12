package images

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind selects how a variant is derived from its source.
type Kind string

const (
	KindThumbnail Kind = "thumbnail"
	KindCrop      Kind = "crop"
	KindFilter    Kind = "filters"

	FilterInvert    = "invert"
	FilterGrayscale = "grayscale"

	maxDimension = 4096
)

// ErrInvalidSpec is returned for variant specs that cannot be parsed.
var ErrInvalidSpec = errors.New("invalid image variant")

// Spec describes one image variant, written as thumbnail__400x300,
// crop__200x200 or filters__invert.
type Spec struct {
	Kind   Kind
	Width  int
	Height int
	Filter string
}

// ParseSpec parses the textual form of a Spec.
func ParseSpec(raw string) (Spec, error) {
	kind, arg, ok := strings.Cut(raw, "__")
	if !ok || arg == "" {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, raw)
	}

	switch Kind(kind) {
	case KindThumbnail, KindCrop:
		w, h, err := parseSize(arg)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, raw, err)
		}
		return Spec{Kind: Kind(kind), Width: w, Height: h}, nil
	case KindFilter:
		switch arg {
		case FilterInvert, FilterGrayscale:
			return Spec{Kind: KindFilter, Filter: arg}, nil
		}
		return Spec{}, fmt.Errorf("%w: unknown filter %q", ErrInvalidSpec, arg)
	default:
		return Spec{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, kind)
	}
}

// MustParseSpec is ParseSpec that panics on error.
func MustParseSpec(raw string) Spec {
	spec, err := ParseSpec(raw)
	if err != nil {
		panic(err)
	}
	return spec
}

func parseSize(arg string) (int, int, error) {
	ws, hs, ok := strings.Cut(arg, "x")
	if !ok {
		return 0, 0, errors.New("size must be WIDTHxHEIGHT")
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, err
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, err
	}
	if w < 1 || h < 1 || w > maxDimension || h > maxDimension {
		return 0, 0, fmt.Errorf("size must be between 1 and %d", maxDimension)
	}
	return w, h, nil
}

// String returns the textual form accepted by ParseSpec.
func (s Spec) String() string {
	if s.Kind == KindFilter {
		return string(s.Kind) + "__" + s.Filter
	}
	return fmt.Sprintf("%s__%dx%d", s.Kind, s.Width, s.Height)
}
