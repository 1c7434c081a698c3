package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/koios/hass-renderer/internal/config"
	"github.com/koios/hass-renderer/pkg/models"
	"go.uber.org/zap"
)

// Session owns the Chrome process shared by every render
type Session struct {
	config        config.BrowserConfig
	logger        *zap.Logger
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewSession starts Chrome with the flags the dashboards need
func NewSession(cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", !cfg.Debug),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", cfg.Language),
	)
	if cfg.IgnoreCertificateErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run on the browser context launches the process
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("Browser started",
		zap.Bool("headless", !cfg.Debug),
		zap.String("language", cfg.Language))

	return &Session{
		config:        cfg,
		logger:        logger,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Login stores the long-lived access token in the frontend's local storage so
// every later tab is authenticated.
func (s *Session) Login(ctx context.Context) error {
	s.logger.Info("Visiting base URL to log in", zap.String("url", s.config.BaseURL))

	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	defer cancel()

	tokens, err := json.Marshal(map[string]string{
		"hassUrl":      s.config.BaseURL,
		"access_token": s.config.AccessToken,
		"token_type":   "Bearer",
	})
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	language, err := json.Marshal(s.config.Language)
	if err != nil {
		return fmt.Errorf("failed to encode language: %w", err)
	}

	script := fmt.Sprintf(`(function() {
		localStorage.setItem("hassTokens", %s);
		localStorage.setItem("selectedLanguage", %s);
		return true;
	})()`, jsString(string(tokens)), jsString(string(language)))

	if err := chromedp.Run(tabCtx); err != nil {
		return fmt.Errorf("failed to open login tab: %w", err)
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, s.config.RenderingTimeout)
	defer navCancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(s.config.BaseURL)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNavigation, s.config.BaseURL, err)
	}

	var ok bool
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}

	s.logger.Info("Authentication entry added to local storage")
	return nil
}

// NewSurface opens a new tab in the shared browser
func (s *Session) NewSurface(ctx context.Context) (Surface, error) {
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return &tab{ctx: tabCtx, cancel: cancel}, nil
}

// Close shuts down Chrome
func (s *Session) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}

// tab implements Surface on a chromedp target. Per-call contexts only bound
// the wait; the tab itself lives until Close.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := t.bind(ctx, timeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// bind derives a context from the tab that also ends when ctx ends
func (t *tab) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(t.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (t *tab) SetViewport(ctx context.Context, size models.Viewport) error {
	return t.run(ctx, 0, chromedp.EmulateViewport(int64(size.Width), int64(size.Height)))
}

func (t *tab) EmulateColorScheme(ctx context.Context, scheme string) error {
	return t.run(ctx, 0, emulation.SetEmulatedMedia().WithFeatures([]*emulation.MediaFeature{
		{Name: "prefers-color-scheme", Value: scheme},
	}))
}

func (t *tab) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := t.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
	return nil
}

func (t *tab) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return t.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (t *tab) InjectStyle(ctx context.Context, css string) error {
	script := fmt.Sprintf(`(function() {
		const style = document.createElement("style");
		style.textContent = %s;
		document.head.appendChild(style);
		return true;
	})()`, jsString(css))

	var ok bool
	return t.run(ctx, 0, chromedp.Evaluate(script, &ok))
}

func (t *tab) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tab) Capture(ctx context.Context, clip models.Viewport) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{
				X:      0,
				Y:      0,
				Width:  float64(clip.Width),
				Height: float64(clip.Height),
				Scale:  1,
			}).
			Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// Close closes the tab
func (t *tab) Close() error {
	t.cancel()
	return nil
}

// jsString quotes s as a JavaScript string literal
func jsString(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}
