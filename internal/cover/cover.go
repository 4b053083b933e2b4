// Package cover produces the cover image uploaded with each reel.
package cover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

const (
	// Width and Height are the portrait frame covers are fitted into
	Width  = 1080
	Height = 1920
	// Quality is the JPEG quality of rendered covers
	Quality = 90

	maxInputBytes = 32 << 20
)

// magic bytes for the accepted input types
var magic = map[string][]byte{
	"image/jpeg": {0xFF, 0xD8, 0xFF},
	"image/png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"image/webp": {0x52, 0x49, 0x46, 0x46}, // RIFF....WEBP
}

// DetectType detects the image type from its magic bytes
func DetectType(data []byte) (string, error) {
	if len(data) < 12 {
		return "", fmt.Errorf("data too short to detect type")
	}
	switch {
	case bytes.HasPrefix(data, magic["image/jpeg"]):
		return "image/jpeg", nil
	case bytes.HasPrefix(data, magic["image/png"]):
		return "image/png", nil
	case bytes.HasPrefix(data, magic["image/webp"]) && string(data[8:12]) == "WEBP":
		return "image/webp", nil
	}
	return "", fmt.Errorf("unsupported image type")
}

// Decode decodes jpeg, png or webp data
func Decode(data []byte) (image.Image, error) {
	mimeType, err := DetectType(data)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	switch mimeType {
	case "image/jpeg":
		return jpeg.Decode(r)
	case "image/png":
		return png.Decode(r)
	default:
		return webp.Decode(r)
	}
}

// Letterbox scales img to fit inside w x h, keeping its aspect ratio, and
// centers it on a black background.
func Letterbox(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return dst
	}

	ratio := min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	fw := max(int(float64(b.Dx())*ratio), 1)
	fh := max(int(float64(b.Dy())*ratio), 1)
	x := (w - fw) / 2
	y := (h - fh) / 2

	draw.CatmullRom.Scale(dst, image.Rect(x, y, x+fw, y+fh), img, b, draw.Over, nil)
	return dst
}

// Render decodes data and returns it letterboxed as a JPEG
func Render(data []byte) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Letterbox(img, Width, Height), &jpeg.Options{Quality: Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode cover: %w", err)
	}
	return buf.Bytes(), nil
}

// Source provides an optional sidecar image for an artifact
type Source interface {
	OpenCover(ctx context.Context, id string) (io.ReadCloser, error)
}

// Builder picks and renders the cover for an artifact
type Builder struct {
	fallbackPath string
	log          zerolog.Logger
}

// NewBuilder creates a builder falling back to the image at fallbackPath
func NewBuilder(fallbackPath string, log zerolog.Logger) *Builder {
	return &Builder{
		fallbackPath: fallbackPath,
		log:          log.With().Str("component", "cover").Logger(),
	}
}

// Build returns the rendered sidecar image, else the rendered fallback
// image, else an empty cover. It never fails the publication.
func (b *Builder) Build(ctx context.Context, src Source, id string) []byte {
	if data, err := b.sidecar(ctx, src, id); err == nil {
		out, err := Render(data)
		if err == nil {
			return out
		}
		b.log.Warn().Err(err).Str("artifact", id).Msg("sidecar cover unusable, using fallback")
	}

	if b.fallbackPath == "" {
		return nil
	}
	data, err := os.ReadFile(b.fallbackPath)
	if err != nil {
		b.log.Error().Err(err).Str("path", b.fallbackPath).Msg("fallback cover missing, using empty cover")
		return nil
	}
	out, err := Render(data)
	if err != nil {
		b.log.Error().Err(err).Str("path", b.fallbackPath).Msg("fallback cover unusable, using empty cover")
		return nil
	}
	return out
}

func (b *Builder) sidecar(ctx context.Context, src Source, id string) ([]byte, error) {
	rc, err := src.OpenCover(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxInputBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxInputBytes {
		return nil, errors.New("cover image too large")
	}
	return data, nil
}
