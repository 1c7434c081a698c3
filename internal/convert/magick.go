package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Magick shells out to GraphicsMagick or ImageMagick
type Magick struct {
	imageMagick bool
	logger      *zap.Logger
}

// NewMagick creates a converter backed by `gm convert`, or by ImageMagick's
// `convert` when imageMagick is set.
func NewMagick(imageMagick bool, logger *zap.Logger) *Magick {
	return &Magick{imageMagick: imageMagick, logger: logger}
}

// Convert runs the external tool into a temp file and renames it into place
func (m *Magick) Convert(ctx context.Context, inputPath, outputPath string, params Params) error {
	file, err := tempPathFor(outputPath)
	if err != nil {
		return err
	}
	tempPath := file.Name()
	file.Close()

	name, args := m.command(inputPath, tempPath, params)
	m.logger.Debug("Running image converter",
		zap.String("command", name),
		zap.Strings("args", args))

	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}

	return publishFile(tempPath, outputPath)
}

func (m *Magick) command(inputPath, outputPath string, params Params) (string, []string) {
	var args []string
	name := "convert"
	if !m.imageMagick {
		name = "gm"
		args = append(args, "convert")
	}

	args = append(args, inputPath)
	if params.Dither {
		args = append(args, "-dither")
	} else {
		args = append(args, "+dither")
	}
	args = append(args,
		"-background", "white",
		"-rotate", strconv.Itoa(params.RotationDegrees),
		"-type", magickType(params.ColorMode),
		"-depth", strconv.Itoa(clampDepth(params.GrayscaleDepth)),
		"-quality", "100",
		// The temp name has no .png extension
		"PNG:"+outputPath,
	)
	return name, args
}

func magickType(mode string) string {
	switch normalizeColorMode(mode) {
	case ColorModeBilevel:
		return "Bilevel"
	case ColorModeTrueColor:
		return "TrueColor"
	case ColorModeGrayScale:
		return "GrayScale"
	default:
		return mode
	}
}
