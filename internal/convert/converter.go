// Package convert turns raw browser captures into e-reader friendly PNGs.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Color modes understood by the converters
const (
	ColorModeGrayScale = "grayscale"
	ColorModeBilevel   = "bilevel"
	ColorModeTrueColor = "truecolor"
)

// Params is the per-page conversion policy
type Params struct {
	RotationDegrees int
	ColorMode       string
	GrayscaleDepth  int
	Dither          bool
}

// Converter reads inputPath and publishes the converted image at outputPath.
// Readers of outputPath see either the previous file or the new one in full.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string, params Params) error
}

// New returns the converter registered under name
func New(name string, logger *zap.Logger) (Converter, error) {
	switch strings.ToLower(name) {
	case "", "native":
		return NewNative(), nil
	case "gm", "graphicsmagick":
		return NewMagick(false, logger), nil
	case "imagemagick", "magick":
		return NewMagick(true, logger), nil
	default:
		return nil, fmt.Errorf("unknown converter: %s", name)
	}
}

// normalizeColorMode maps the ImageMagick type names used in configuration
// ("GrayScale", "Bilevel", "TrueColor") onto the internal constants.
func normalizeColorMode(mode string) string {
	switch strings.ToLower(mode) {
	case "", "grayscale", "gray":
		return ColorModeGrayScale
	case "bilevel":
		return ColorModeBilevel
	case "truecolor", "color":
		return ColorModeTrueColor
	default:
		return strings.ToLower(mode)
	}
}

func normalizeRotation(degrees int) int {
	return ((degrees % 360) + 360) % 360
}

// clampDepth keeps the bit depth within what a grayscale PNG can carry
func clampDepth(depth int) int {
	switch {
	case depth <= 0:
		return 8
	case depth > 8:
		return 8
	default:
		return depth
	}
}

// publishFile moves a fully written temp file into place. The temp file must
// live in the same directory as path so the rename is atomic.
func publishFile(tempPath, path string) error {
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename output into place: %w", err)
	}

	// Sync the parent directory so the rename survives a power loss
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// tempPathFor returns a unique sibling of path for an in-progress write
func tempPathFor(path string) (*os.File, error) {
	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp output: %w", err)
	}
	return file, nil
}
