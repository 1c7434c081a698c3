// Package render captures dashboard pages and keeps their artifacts fresh.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/koios/hass-renderer/internal/browser"
	"github.com/koios/hass-renderer/internal/config"
	"github.com/koios/hass-renderer/internal/convert"
	"github.com/koios/hass-renderer/pkg/models"
	"go.uber.org/zap"
)

// ReadySelector is the root element of the Home Assistant frontend
const ReadySelector = "home-assistant"

// minReadyTimeout floors the readiness wait after a slow navigation
const minReadyTimeout = time.Second

// Renderer produces the artifact of one page
type Renderer interface {
	Render(ctx context.Context, target models.PageTarget) (bool, error)
}

// Pipeline renders pages through the shared browser session
type Pipeline struct {
	engine           browser.Engine
	converter        convert.Converter
	cache            *Cache
	baseURL          string
	renderingTimeout time.Duration
	retainSurfaces   bool
	logger           *zap.Logger
	now              func() time.Time
}

// NewPipeline creates a new render pipeline. In debug mode tabs are left
// open after the render so they can be inspected.
func NewPipeline(cfg config.BrowserConfig, engine browser.Engine, converter convert.Converter, cache *Cache, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		engine:           engine,
		converter:        converter,
		cache:            cache,
		baseURL:          cfg.BaseURL,
		renderingTimeout: cfg.RenderingTimeout,
		retainSurfaces:   cfg.Debug,
		logger:           logger,
		now:              time.Now,
	}
}

// Render captures target, converts it and publishes it at target.OutputPath.
// On failure the previous artifact and cache entry are untouched.
func (p *Pipeline) Render(ctx context.Context, target models.PageTarget) (written bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			written = false
			err = &Error{Page: target.Index, Stage: StageCapture, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	start := p.now()
	url := p.baseURL + target.SourcePath

	if err := os.MkdirAll(filepath.Dir(target.OutputPath), 0o755); err != nil {
		return false, p.fail(target, StageFilesystem, fmt.Errorf("failed to create output directory: %w", err))
	}

	surface, err := p.engine.NewSurface(ctx)
	if err != nil {
		return false, p.fail(target, StageSurface, err)
	}
	defer p.release(target, surface)

	size := target.EffectiveViewport()
	if target.PrefersColorScheme != "" {
		if err := surface.EmulateColorScheme(ctx, target.PrefersColorScheme); err != nil {
			return false, p.fail(target, StageSurface, fmt.Errorf("failed to emulate color scheme: %w", err))
		}
	}
	if err := surface.SetViewport(ctx, size); err != nil {
		return false, p.fail(target, StageSurface, fmt.Errorf("failed to set viewport: %w", err))
	}

	navStart := p.now()
	if err := surface.Navigate(ctx, url, p.renderingTimeout); err != nil {
		return false, p.fail(target, StageNavigate, err)
	}
	navElapsed := p.now().Sub(navStart)

	readyTimeout := readinessTimeout(p.renderingTimeout, navElapsed)
	if err := surface.WaitForSelector(ctx, ReadySelector, readyTimeout); err != nil {
		return false, p.fail(target, StageReady, fmt.Errorf("waiting for %s after %v: %w", ReadySelector, readyTimeout, err))
	}

	if err := surface.InjectStyle(ctx, scalingCSS(size, target.Scaling)); err != nil {
		return false, p.fail(target, StageCapture, fmt.Errorf("failed to apply scaling: %w", err))
	}

	if target.RenderDelay > 0 {
		if err := surface.Sleep(ctx, target.RenderDelay); err != nil {
			return false, p.fail(target, StageCapture, err)
		}
	}

	data, err := surface.Capture(ctx, size)
	if err != nil {
		return false, p.fail(target, StageCapture, err)
	}

	tempPath := target.TempPath()
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		p.removeTemp(target, tempPath)
		return false, p.fail(target, StageFilesystem, fmt.Errorf("failed to write capture: %w", err))
	}
	defer p.removeTemp(target, tempPath)

	if err := p.converter.Convert(ctx, tempPath, target.OutputPath, convert.Params{
		RotationDegrees: target.RotationDegrees,
		ColorMode:       target.ColorMode,
		GrayscaleDepth:  target.GrayscaleDepth,
		Dither:          target.Dither,
	}); err != nil {
		return false, p.fail(target, StageConvert, err)
	}

	renderedAt := p.now()
	p.cache.MarkRendered(target.Index, renderedAt)

	p.logger.Info("Page rendered",
		zap.Int("page", target.Index),
		zap.String("url", url),
		zap.String("output", target.OutputPath),
		zap.Duration("duration", renderedAt.Sub(start)))

	return true, nil
}

func (p *Pipeline) fail(target models.PageTarget, stage Stage, err error) error {
	return &Error{Page: target.Index, Stage: stage, Err: err}
}

func (p *Pipeline) release(target models.PageTarget, surface browser.Surface) {
	if p.retainSurfaces {
		p.logger.Debug("Keeping tab open for inspection", zap.Int("page", target.Index))
		return
	}
	if err := surface.Close(); err != nil {
		p.logger.Warn("Failed to close tab", zap.Int("page", target.Index), zap.Error(err))
	}
}

func (p *Pipeline) removeTemp(target models.PageTarget, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("Failed to remove temporary capture",
			zap.Int("page", target.Index),
			zap.String("path", path),
			zap.Error(err))
	}
}

// readinessTimeout gives the readiness wait what is left of the rendering
// budget after navigation, but never less than minReadyTimeout.
func readinessTimeout(budget, navElapsed time.Duration) time.Duration {
	if remaining := budget - navElapsed; remaining > minReadyTimeout {
		return remaining
	}
	return minReadyTimeout
}

// scalingCSS lays the page out at size/scaling and scales it back up, so the
// dashboard renders at its native size and fills the capture.
func scalingCSS(size models.Viewport, scaling float64) string {
	if scaling <= 0 {
		scaling = models.DefaultScaling
	}
	return fmt.Sprintf(`body {
  width: calc(%dpx / %g);
  height: calc(%dpx / %g);
  transform-origin: 0 0;
  transform: scale(%g);
  overflow: hidden;
}`, size.Width, scaling, size.Height, scaling, scaling)
}
