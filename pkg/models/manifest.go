package models

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PagesFile represents the pages.yaml structure
type PagesFile struct {
	Pages []PageManifest `yaml:"pages"`
}

// PageManifest is a single entry of pages.yaml. Pointer fields distinguish
// "unset" from an explicit zero so defaults can be applied.
type PageManifest struct {
	URL                string   `yaml:"url"`
	OutputPath         string   `yaml:"outputPath"`
	RenderingDelayMs   int      `yaml:"renderingDelay"`
	Width              int      `yaml:"width"`
	Height             int      `yaml:"height"`
	Rotation           int      `yaml:"rotation"`
	Scaling            *float64 `yaml:"scaling"`
	ColorMode          string   `yaml:"colorMode"`
	GrayscaleDepth     int      `yaml:"grayscaleDepth"`
	Dither             bool     `yaml:"dither"`
	PrefersColorScheme string   `yaml:"prefersColorScheme"`
	RealTimeCacheSec   *int     `yaml:"realTimeCacheSec"`
}

// LoadPagesFile loads page targets from a YAML file. Missing fields get the
// same defaults as the environment loader.
func LoadPagesFile(path string) ([]PageTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pages file: %w", err)
	}

	var file PagesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pages file: %w", err)
	}

	pages := make([]PageTarget, 0, len(file.Pages))
	for i, entry := range file.Pages {
		pages = append(pages, entry.toTarget(i+1))
	}

	return pages, nil
}

// DefaultOutputPath mirrors the environment scheme: output/cover.png for the
// first page, output/cover_N.png for the rest.
func DefaultOutputPath(index int) string {
	if index <= 1 {
		return "output/cover.png"
	}
	return fmt.Sprintf("output/cover_%d.png", index)
}

func (m PageManifest) toTarget(index int) PageTarget {
	target := PageTarget{
		Index:              index,
		SourcePath:         m.URL,
		OutputPath:         m.OutputPath,
		RenderDelay:        time.Duration(m.RenderingDelayMs) * time.Millisecond,
		Viewport:           Viewport{Width: m.Width, Height: m.Height},
		RotationDegrees:    m.Rotation,
		Scaling:            DefaultScaling,
		ColorMode:          m.ColorMode,
		GrayscaleDepth:     m.GrayscaleDepth,
		Dither:             m.Dither,
		PrefersColorScheme: m.PrefersColorScheme,
		FreshnessTTL:       DefaultFreshnessTTL,
	}

	if target.OutputPath == "" {
		target.OutputPath = DefaultOutputPath(index)
	}
	if target.Viewport.Width == 0 {
		target.Viewport.Width = DefaultViewportWidth
	}
	if target.Viewport.Height == 0 {
		target.Viewport.Height = DefaultViewportHeight
	}
	if m.Scaling != nil {
		target.Scaling = *m.Scaling
	}
	if target.ColorMode == "" {
		target.ColorMode = DefaultColorMode
	}
	if target.GrayscaleDepth == 0 {
		target.GrayscaleDepth = DefaultGrayscaleDepth
	}
	if target.PrefersColorScheme == "" {
		target.PrefersColorScheme = DefaultPrefersColorScheme
	}
	if m.RealTimeCacheSec != nil {
		target.FreshnessTTL = time.Duration(*m.RealTimeCacheSec) * time.Second
	}

	return target
}
