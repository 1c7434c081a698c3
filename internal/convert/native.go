package convert

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	"github.com/disintegration/imaging"
)

// Native converts captures in process
type Native struct {
	encoder png.Encoder
}

// NewNative creates a new in-process converter
func NewNative() *Native {
	return &Native{encoder: png.Encoder{CompressionLevel: png.BestCompression}}
}

// Convert rotates and reduces the capture at inputPath and atomically
// replaces outputPath with the result.
func (n *Native) Convert(ctx context.Context, inputPath, outputPath string, params Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := imaging.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}

	img := rotate(src, params.RotationDegrees)

	var out image.Image
	switch normalizeColorMode(params.ColorMode) {
	case ColorModeTrueColor:
		out = img
	case ColorModeBilevel:
		out = reduceGray(img, 1, params.Dither)
	case ColorModeGrayScale:
		out = reduceGray(img, clampDepth(params.GrayscaleDepth), params.Dither)
	default:
		return fmt.Errorf("unsupported color mode: %s", params.ColorMode)
	}

	return n.write(out, outputPath)
}

func (n *Native) write(img image.Image, outputPath string) error {
	file, err := tempPathFor(outputPath)
	if err != nil {
		return err
	}
	tempPath := file.Name()

	if err := n.encoder.Encode(file, img); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode png: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync output: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close output: %w", err)
	}

	return publishFile(tempPath, outputPath)
}

// rotate turns img clockwise by degrees. imaging rotates counter-clockwise,
// so the quarter turns are mirrored.
func rotate(img image.Image, degrees int) image.Image {
	switch normalizeRotation(degrees) {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	case 0:
		return img
	default:
		return imaging.Rotate(img, -float64(degrees), color.White)
	}
}

// reduceGray converts img to grayscale with 2^depth levels. The levels are
// kept in an 8-bit *image.Gray so the PNG is grayscale, not paletted.
func reduceGray(img image.Image, depth int, dither bool) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	if depth >= 8 {
		return gray
	}

	// Quantize from luminance so error diffusion works on one channel
	quantized := image.NewPaletted(bounds, grayPalette(depth))
	if dither {
		draw.FloydSteinberg.Draw(quantized, bounds, gray, bounds.Min)
	} else {
		draw.Draw(quantized, bounds, gray, bounds.Min, draw.Src)
	}
	draw.Draw(gray, bounds, quantized, bounds.Min, draw.Src)
	return gray
}

// grayPalette returns 2^depth evenly spaced gray levels from black to white
func grayPalette(depth int) color.Palette {
	levels := 1 << depth
	palette := make(color.Palette, levels)
	for i := range palette {
		palette[i] = color.Gray{Y: uint8(i * 255 / (levels - 1))}
	}
	return palette
}
