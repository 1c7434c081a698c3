package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koios/hass-renderer/internal/config"
	"github.com/koios/hass-renderer/internal/render"
	"github.com/koios/hass-renderer/internal/telemetry"
	"github.com/koios/hass-renderer/pkg/models"
	"go.uber.org/zap"
)

type fakePageCache struct {
	mu       sync.Mutex
	ensured  []int
	err      error
	panicMsg string
	rendered map[int]time.Time
	realTime bool
}

func (c *fakePageCache) EnsureFresh(ctx context.Context, target models.PageTarget) error {
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensured = append(c.ensured, target.Index)
	return c.err
}

func (c *fakePageCache) LastRendered(index int) (time.Time, bool) {
	at, ok := c.rendered[index]
	return at, ok
}

func (c *fakePageCache) RealTime() bool { return c.realTime }

type fakeHealth bool

func (h fakeHealth) IsHealthy() bool { return bool(h) }

// setupTestHandler creates a handler over two pages in a temp directory. Only
// page 1 has an artifact on disk.
func setupTestHandler(t *testing.T, pages PageCache) (http.Handler, *models.PageRegistry, *telemetry.Store) {
	t.Helper()

	dir := t.TempDir()
	registry, err := models.NewPageRegistry([]models.PageTarget{
		{SourcePath: "/lovelace/kindle", OutputPath: filepath.Join(dir, "cover.png"), Viewport: models.Viewport{Width: 600, Height: 800}, Scaling: 1, FreshnessTTL: time.Minute},
		{SourcePath: "/lovelace/hall", OutputPath: filepath.Join(dir, "cover_2.png"), Viewport: models.Viewport{Width: 600, Height: 800}, Scaling: 1, FreshnessTTL: time.Minute},
	})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "cover.png"), []byte("png bytes"), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}

	store := telemetry.NewStore(nil, zap.NewNop())
	handler := NewPageHandler(registry, pages, store, nil, zap.NewNop())

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return Middleware(zap.NewNop(), mux), registry, store
}

func TestHandlePage_InvalidRequest(t *testing.T) {
	pages := &fakePageCache{}
	handler, _, _ := setupTestHandler(t, pages)

	for _, path := range []string{"/0", "/3", "/-1", "/abc", "/1.5", "/Infinity", "/1/2", "/.png"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusNotFound {
				t.Errorf("Expected status 404, got %d", w.Code)
			}
			if w.Body.String() != "Invalid request" {
				t.Errorf("Expected body 'Invalid request', got %q", w.Body.String())
			}
		})
	}

	if len(pages.ensured) != 0 {
		t.Errorf("Expected no freshness checks, got %v", pages.ensured)
	}
}

func TestHandlePage_ServesArtifact(t *testing.T) {
	pages := &fakePageCache{}
	handler, registry, _ := setupTestHandler(t, pages)

	for _, path := range []string{"/1", "/1.png"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}
			if w.Body.String() != "png bytes" {
				t.Errorf("Unexpected body %q", w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "image/png" {
				t.Errorf("Expected image/png, got %s", ct)
			}
			if cl := w.Header().Get("Content-Length"); cl != "9" {
				t.Errorf("Expected Content-Length 9, got %s", cl)
			}

			target, _ := registry.Get(1)
			info, _ := os.Stat(target.OutputPath)
			want := info.ModTime().UTC().Format(http.TimeFormat)
			if lm := w.Header().Get("Last-Modified"); lm != want {
				t.Errorf("Expected Last-Modified %s, got %s", want, lm)
			}
		})
	}

	if len(pages.ensured) != 2 || pages.ensured[0] != 1 {
		t.Errorf("Expected freshness checks for page 1, got %v", pages.ensured)
	}
}

func TestHandlePage_ImageNotFound(t *testing.T) {
	handler, _, _ := setupTestHandler(t, &fakePageCache{})

	req := httptest.NewRequest(http.MethodGet, "/2.png", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w.Body.String() != "Image not found" {
		t.Errorf("Expected body 'Image not found', got %q", w.Body.String())
	}
}

func TestHandlePage_RenderFailureServesPrevious(t *testing.T) {
	pages := &fakePageCache{err: &render.Error{Page: 1, Stage: render.StageNavigate, Err: errors.New("timeout")}}
	handler, _, _ := setupTestHandler(t, pages)

	req := httptest.NewRequest(http.MethodGet, "/1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "png bytes" {
		t.Errorf("Expected previous artifact, got %d %q", w.Code, w.Body.String())
	}
}

func TestHandlePage_RecordsTelemetry(t *testing.T) {
	handler, _, store := setupTestHandler(t, &fakePageCache{})

	req := httptest.NewRequest(http.MethodGet, "/1.png?name=kindle&batteryLevel=77&isCharging=no", nil)
	req.Header.Set("X-Device-Firmware", "5.16.2")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	record, ok := store.Get("kindle")
	if !ok {
		t.Fatal("Expected telemetry record for kindle")
	}
	if record.Attributes["battery_level"] != int64(77) {
		t.Errorf("Expected battery_level 77, got %#v", record.Attributes["battery_level"])
	}
	if record.Attributes["charging"] != false {
		t.Errorf("Expected charging false, got %#v", record.Attributes["charging"])
	}
	if record.Attributes["firmware"] != "5.16.2" {
		t.Errorf("Expected firmware 5.16.2, got %#v", record.Attributes["firmware"])
	}
}

// stalledSink never completes a publish before its context expires
type stalledSink struct {
	release chan struct{}
}

func (s *stalledSink) Publish(ctx context.Context, topic string, payload []byte, opts telemetry.PublishOptions) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stalledSink) Close() error { return nil }

func TestHandlePage_UnresponsiveSinkDoesNotDelayResponse(t *testing.T) {
	sink := &stalledSink{release: make(chan struct{})}
	publisher := telemetry.NewPublisher(sink, config.TelemetryConfig{
		DiscoveryPrefix: "homeassistant",
		StatePrefix:     "hass-renderer",
	}, zap.NewNop())
	defer publisher.Close()
	defer close(sink.release)

	dir := t.TempDir()
	output := filepath.Join(dir, "cover.png")
	if err := os.WriteFile(output, []byte("png bytes"), 0644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	registry, err := models.NewPageRegistry([]models.PageTarget{
		{SourcePath: "/lovelace/kindle", OutputPath: output, Viewport: models.Viewport{Width: 600, Height: 800}, Scaling: 1},
	})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	store := telemetry.NewStore(publisher, zap.NewNop())
	mux := http.NewServeMux()
	NewPageHandler(registry, &fakePageCache{}, store, nil, zap.NewNop()).RegisterRoutes(mux)
	handler := Middleware(zap.NewNop(), mux)

	for i := 0; i < 2; i++ {
		start := time.Now()
		req := httptest.NewRequest(http.MethodGet, "/1?name=kindle&batteryLevel=50", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Request %d took %v with a stalled telemetry sink", i+1, elapsed)
		}
	}

	if _, ok := store.Get("kindle"); !ok {
		t.Error("Expected telemetry to be recorded")
	}
}

func TestHandlePage_Methods(t *testing.T) {
	handler, _, _ := setupTestHandler(t, &fakePageCache{})

	t.Run("HEAD", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodHead, "/1.png", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("Expected empty body, got %q", w.Body.String())
		}
		if cl := w.Header().Get("Content-Length"); cl != "9" {
			t.Errorf("Expected Content-Length 9, got %s", cl)
		}
	})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/1.png", bytes.NewReader(nil))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("Expected status 405, got %d", w.Code)
			}
		})
	}
}

func TestHandlePage_PanicBecomes404(t *testing.T) {
	handler, _, _ := setupTestHandler(t, &fakePageCache{panicMsg: "browser exploded"})

	req := httptest.NewRequest(http.MethodGet, "/1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	// The server keeps serving afterwards
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 after panic, got %d", w.Code)
	}
}

func TestHandleIndex(t *testing.T) {
	renderedAt := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	pages := &fakePageCache{rendered: map[int]time.Time{1: renderedAt}}
	handler, _, store := setupTestHandler(t, pages)
	store.Record(map[string]any{"name": "kindle<script>", "battery_level": int64(42)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{"/lovelace/kindle", "/lovelace/hall", "2024-03-01T10:30:00Z", "never", "battery_level"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected index to contain %q", want)
		}
	}
	if strings.Contains(body, "kindle<script>") {
		t.Error("Expected device names to be escaped")
	}
	if len(pages.ensured) != 0 {
		t.Error("Expected index not to trigger renders")
	}
}

func TestHandleHealth(t *testing.T) {
	dir := t.TempDir()
	registry, _ := models.NewPageRegistry([]models.PageTarget{
		{SourcePath: "/lovelace/0", OutputPath: filepath.Join(dir, "cover.png"), Viewport: models.Viewport{Width: 600, Height: 800}, Scaling: 1},
	})

	testCases := []struct {
		name       string
		sink       HealthChecker
		wantStatus string
	}{
		{"without sink", nil, "healthy"},
		{"healthy sink", fakeHealth(true), "healthy"},
		{"unhealthy sink", fakeHealth(false), "degraded"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewPageHandler(registry, &fakePageCache{realTime: true}, telemetry.NewStore(nil, zap.NewNop()), tc.sink, zap.NewNop())
			mux := http.NewServeMux()
			handler.RegisterRoutes(mux)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}

			var response map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response["status"] != tc.wantStatus {
				t.Errorf("Expected status %s, got %v", tc.wantStatus, response["status"])
			}
			if response["pages"] != float64(1) {
				t.Errorf("Expected 1 page, got %v", response["pages"])
			}
			if response["real_time"] != true {
				t.Errorf("Expected real_time true, got %v", response["real_time"])
			}
		})
	}
}

// renderFake writes a new artifact and marks the cache like the pipeline
type renderFake struct {
	cache *render.Cache
	body  []byte
	calls int
}

func (f *renderFake) Render(ctx context.Context, target models.PageTarget) (bool, error) {
	f.calls++
	if err := os.WriteFile(target.OutputPath, f.body, 0644); err != nil {
		return false, err
	}
	f.cache.MarkRendered(target.Index, time.Now())
	return true, nil
}

func TestHandlePage_RealTimeRoundTrip(t *testing.T) {
	cache := render.NewCache()
	renderer := &renderFake{cache: cache, body: []byte("rendered on demand")}
	controller := render.NewController(renderer, cache, true, zap.NewNop())
	handler, _, _ := setupTestHandler(t, controller)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/2.png", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if w.Body.String() != "rendered on demand" {
			t.Errorf("Unexpected body %q", w.Body.String())
		}
	}

	if renderer.calls != 1 {
		t.Errorf("Expected 1 render within the freshness window, got %d", renderer.calls)
	}
}
