package render

import (
	"context"
	"strconv"
	"time"

	"github.com/koios/hass-renderer/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Controller decides when pages need rendering and makes sure at most one
// render per page is in flight.
type Controller struct {
	renderer Renderer
	cache    *Cache
	realTime bool
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

// NewController creates a new cache controller. Without realTime, freshness is
// left entirely to the scheduler and EnsureFresh does nothing.
func NewController(renderer Renderer, cache *Cache, realTime bool, logger *zap.Logger) *Controller {
	return &Controller{
		renderer: renderer,
		cache:    cache,
		realTime: realTime,
		logger:   logger,
		now:      time.Now,
	}
}

// RealTime reports whether pages are refreshed per request
func (c *Controller) RealTime() bool {
	return c.realTime
}

// EnsureFresh renders target if it is stale in real-time mode. A caller that
// finds a render already in flight waits for it and shares its result.
func (c *Controller) EnsureFresh(ctx context.Context, target models.PageTarget) error {
	if !c.realTime || c.isFresh(target) {
		return nil
	}
	return c.render(ctx, target, true)
}

// Refresh renders target unconditionally, coalescing with any in-flight
// render of the same page.
func (c *Controller) Refresh(ctx context.Context, target models.PageTarget) error {
	return c.render(ctx, target, false)
}

// LastRendered returns when a page was last published
func (c *Controller) LastRendered(index int) (time.Time, bool) {
	return c.cache.Get(index)
}

// Snapshot returns the last render time of every rendered page
func (c *Controller) Snapshot() map[int]time.Time {
	return c.cache.Snapshot()
}

func (c *Controller) render(ctx context.Context, target models.PageTarget, onlyIfStale bool) error {
	key := strconv.Itoa(target.Index)

	_, err, shared := c.group.Do(key, func() (interface{}, error) {
		// A render may have finished between the freshness check and here
		if onlyIfStale && c.isFresh(target) {
			return false, nil
		}

		// Other waiters depend on this render; it must outlive the caller
		return c.renderer.Render(context.WithoutCancel(ctx), target)
	})

	if shared {
		c.logger.Debug("Joined in-flight render", zap.Int("page", target.Index))
	}
	if err != nil {
		c.logger.Error("Render failed",
			zap.Int("page", target.Index),
			zap.String("source", target.SourcePath),
			zap.Error(err))
	}
	return err
}

func (c *Controller) isFresh(target models.PageTarget) bool {
	renderedAt, ok := c.cache.Get(target.Index)
	if !ok {
		return false
	}
	return c.now().Sub(renderedAt) <= target.FreshnessTTL
}
