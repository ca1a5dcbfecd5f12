package images

import (
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

func isJPEG(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

func isImage(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// outputExt maps source extensions to the format variants are written in.
// WebP can be decoded but not encoded, so its variants become JPEG.
func outputExt(ext string) string {
	if strings.EqualFold(ext, ".webp") {
		return ".jpg"
	}
	return ext
}

func decodeFile(name string) (image.Image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	return img, nil
}

func encodeFile(name string, img image.Image, quality int) error {
	ext := strings.ToLower(filepath.Ext(name))
	return writeAtomic(name, func(f *os.File) error {
		switch ext {
		case ".jpg", ".jpeg":
			return jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
		case ".png":
			return png.Encode(f, img)
		case ".gif":
			return gif.Encode(f, img, nil)
		default:
			return fmt.Errorf("unsupported output format %q", ext)
		}
	})
}

// writeAtomic writes through a temporary file renamed into place.
func writeAtomic(name string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-*"+filepath.Ext(name))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

func render(src image.Image, spec Spec) image.Image {
	switch spec.Kind {
	case KindThumbnail:
		return thumbnail(src, spec.Width, spec.Height)
	case KindCrop:
		return crop(src, spec.Width, spec.Height)
	case KindFilter:
		return filter(src, spec.Filter)
	}
	return src
}

// thumbnail scales src to fit within w x h keeping its aspect ratio. Images
// already inside the box are not enlarged.
func thumbnail(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw <= w && sh <= h {
		return src
	}

	dw, dh := w, sh*w/sw
	if dh > h {
		dw, dh = sw*h/sh, h
	}
	dst := image.NewRGBA(image.Rect(0, 0, max(dw, 1), max(dh, 1)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// crop scales src to cover w x h and cuts the centred w x h window.
func crop(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()

	// Largest window with the target aspect ratio, centred on the source.
	cw, ch := sw, sw*h/w
	if ch > sh {
		cw, ch = sh*w/h, sh
	}
	x0 := b.Min.X + (sw-cw)/2
	y0 := b.Min.Y + (sh-ch)/2
	window := image.Rect(x0, y0, x0+cw, y0+ch)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, window, draw.Src, nil)
	return dst
}

func filter(src image.Image, name string) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(src.At(x, y)).(color.RGBA)
			switch name {
			case FilterInvert:
				c.R, c.G, c.B = c.A-c.R, c.A-c.G, c.A-c.B
			case FilterGrayscale:
				g := color.GrayModel.Convert(c).(color.Gray)
				c.R, c.G, c.B = g.Y, g.Y, g.Y
			}
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return dst
}

func fill(img *image.RGBA, c color.RGBA) {
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
}
