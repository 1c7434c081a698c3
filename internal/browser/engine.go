// Package browser drives the headless Chrome session used to capture
// dashboard pages.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/koios/hass-renderer/pkg/models"
)

// ErrNavigation marks failures to load a page, including timeouts.
var ErrNavigation = errors.New("navigation failed")

// Engine hands out isolated rendering surfaces (tabs) from one shared
// browser session.
type Engine interface {
	NewSurface(ctx context.Context) (Surface, error)
	Close() error
}

// Surface is a single tab. Calls are synchronous.
type Surface interface {
	SetViewport(ctx context.Context, size models.Viewport) error
	EmulateColorScheme(ctx context.Context, scheme string) error
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	InjectStyle(ctx context.Context, css string) error
	Sleep(ctx context.Context, d time.Duration) error
	Capture(ctx context.Context, clip models.Viewport) ([]byte, error)
	Close() error
}
