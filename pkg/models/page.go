package models

import (
	"fmt"
	"time"
)

// Default per-page policy values, shared by the environment and YAML loaders.
const (
	DefaultViewportWidth      = 600
	DefaultViewportHeight     = 800
	DefaultColorMode          = "GrayScale"
	DefaultGrayscaleDepth     = 8
	DefaultScaling            = 1.0
	DefaultPrefersColorScheme = "light"
	DefaultFreshnessTTL       = 60 * time.Second
)

// Viewport is a width/height pair in CSS pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PageTarget is one configured dashboard page and its rendering policy
type PageTarget struct {
	Index              int           `json:"index"`
	SourcePath         string        `json:"sourcePath"`
	OutputPath         string        `json:"outputPath"`
	RenderDelay        time.Duration `json:"renderDelay"`
	Viewport           Viewport      `json:"viewport"`
	RotationDegrees    int           `json:"rotation"`
	Scaling            float64       `json:"scaling"`
	ColorMode          string        `json:"colorMode"`
	GrayscaleDepth     int           `json:"grayscaleDepth"`
	Dither             bool          `json:"dither"`
	PrefersColorScheme string        `json:"prefersColorScheme"`
	FreshnessTTL       time.Duration `json:"freshnessTTL"`
}

// TempPath is where the raw capture is written before conversion.
func (p PageTarget) TempPath() string {
	return p.OutputPath + ".temp"
}

// NormalizedRotation returns the rotation folded into [0, 360).
func (p PageTarget) NormalizedRotation() int {
	return ((p.RotationDegrees % 360) + 360) % 360
}

// EffectiveViewport is the size handed to the browser. For 90 and 270 degree
// rotations the page is captured in its natural orientation, so width and
// height are swapped.
func (p PageTarget) EffectiveViewport() Viewport {
	switch p.NormalizedRotation() {
	case 90, 270:
		return Viewport{Width: p.Viewport.Height, Height: p.Viewport.Width}
	default:
		return p.Viewport
	}
}

// ConfigError reports an invalid configuration. The service refuses to start.
type ConfigError struct {
	Page    int
	Message string
}

func (e *ConfigError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("invalid configuration for page %d: %s", e.Page, e.Message)
	}
	return "invalid configuration: " + e.Message
}

// PageRegistry holds the ordered, validated page targets. It is read-only
// after construction and safe for concurrent use.
type PageRegistry struct {
	pages []PageTarget
}

// NewPageRegistry validates pages and assigns 1-based indices in order
func NewPageRegistry(pages []PageTarget) (*PageRegistry, error) {
	if len(pages) == 0 {
		return nil, &ConfigError{Message: "no pages configured"}
	}

	seenOutputs := make(map[string]int, len(pages))
	frozen := make([]PageTarget, len(pages))
	for i, page := range pages {
		page.Index = i + 1

		if page.RotationDegrees%90 != 0 {
			return nil, &ConfigError{Page: page.Index, Message: fmt.Sprintf("rotation %d is not a multiple of 90", page.RotationDegrees)}
		}
		if page.SourcePath == "" {
			return nil, &ConfigError{Page: page.Index, Message: "screenshot url is empty"}
		}
		if page.OutputPath == "" {
			return nil, &ConfigError{Page: page.Index, Message: "output path is empty"}
		}
		if page.Viewport.Width <= 0 || page.Viewport.Height <= 0 {
			return nil, &ConfigError{Page: page.Index, Message: fmt.Sprintf("viewport %dx%d must be positive", page.Viewport.Width, page.Viewport.Height)}
		}
		if page.Scaling <= 0 {
			return nil, &ConfigError{Page: page.Index, Message: fmt.Sprintf("scaling %g must be positive", page.Scaling)}
		}
		if other, dup := seenOutputs[page.OutputPath]; dup {
			return nil, &ConfigError{Page: page.Index, Message: fmt.Sprintf("output path %s already used by page %d", page.OutputPath, other)}
		}
		seenOutputs[page.OutputPath] = page.Index

		frozen[i] = page
	}

	return &PageRegistry{pages: frozen}, nil
}

// Len returns the number of configured pages
func (r *PageRegistry) Len() int {
	return len(r.pages)
}

// Get returns the page with the given 1-based index
func (r *PageRegistry) Get(index int) (PageTarget, bool) {
	if index < 1 || index > len(r.pages) {
		return PageTarget{}, false
	}
	return r.pages[index-1], true
}

// All returns a copy of the pages in registry order
func (r *PageRegistry) All() []PageTarget {
	result := make([]PageTarget, len(r.pages))
	copy(result, r.pages)
	return result
}
