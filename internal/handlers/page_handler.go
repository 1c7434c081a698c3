package handlers

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koios/hass-renderer/internal/telemetry"
	"github.com/koios/hass-renderer/pkg/models"
	"go.uber.org/zap"
)

// PageCache keeps page artifacts fresh
type PageCache interface {
	EnsureFresh(ctx context.Context, target models.PageTarget) error
	LastRendered(index int) (time.Time, bool)
	RealTime() bool
}

// HealthChecker is implemented by telemetry sinks that can report their
// connection state
type HealthChecker interface {
	IsHealthy() bool
}

// PageHandler serves rendered pages to e-readers
type PageHandler struct {
	registry  *models.PageRegistry
	pages     PageCache
	telemetry *telemetry.Store
	sink      HealthChecker
	logger    *zap.Logger
}

// NewPageHandler creates a new page handler. sink may be nil.
func NewPageHandler(registry *models.PageRegistry, pages PageCache, store *telemetry.Store, sink HealthChecker, logger *zap.Logger) *PageHandler {
	return &PageHandler{
		registry:  registry,
		pages:     pages,
		telemetry: store,
		sink:      sink,
		logger:    logger,
	}
}

// RegisterRoutes registers the page routes
func (h *PageHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/", h.handlePage)
}

// handleHealth handles GET /health - returns service health status
func (h *PageHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":    "healthy",
		"service":   "hass-renderer",
		"pages":     h.registry.Len(),
		"real_time": h.pages.RealTime(),
	}
	if h.sink != nil {
		healthy := h.sink.IsHealthy()
		response["telemetry_sink_healthy"] = healthy
		if !healthy {
			response["status"] = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// handlePage handles:
// - GET / - index of pages and device telemetry
// - GET /{n} and /{n}.png - the artifact of page n
func (h *PageHandler) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path == "/" {
		h.handleIndex(w, r)
		return
	}

	number, ok := parsePageNumber(r.URL.Path)
	target, found := h.registry.Get(number)
	if !ok || !found {
		h.logger.Info("Invalid request", zap.String("path", r.URL.Path))
		writeText(w, http.StatusNotFound, "Invalid request")
		return
	}

	h.telemetry.Record(telemetry.Extract(r.URL.Query(), r.Header))

	if err := h.pages.EnsureFresh(r.Context(), target); err != nil {
		h.logger.Warn("Serving last rendered image",
			zap.Int("page", target.Index),
			zap.Error(err))
	}

	data, err := os.ReadFile(target.OutputPath)
	if err != nil {
		h.logger.Warn("Image not found", zap.Int("page", target.Index), zap.Error(err))
		writeText(w, http.StatusNotFound, "Image not found")
		return
	}
	info, err := os.Stat(target.OutputPath)
	if err != nil {
		h.logger.Warn("Image not found", zap.Int("page", target.Index), zap.Error(err))
		writeText(w, http.StatusNotFound, "Image not found")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Client went away during image write", zap.Int("page", target.Index), zap.Error(err))
		return
	}

	h.logger.Info("Image served",
		zap.Int("page", target.Index),
		zap.Int("size", len(data)))
}

type indexRow struct {
	Number       int
	SourcePath   string
	OutputPath   string
	LastRendered string
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>hass-renderer</title></head>
<body>
<h1>Pages</h1>
<table>
<tr><th>#</th><th>Source</th><th>Output</th><th>Last rendered</th></tr>
{{range .Pages}}<tr><td><a href="/{{.Number}}.png">{{.Number}}</a></td><td>{{.SourcePath}}</td><td>{{.OutputPath}}</td><td>{{.LastRendered}}</td></tr>
{{end}}</table>
<h1>Devices</h1>
<pre>{{.Devices}}</pre>
</body>
</html>
`))

// handleIndex lists every page with its last render time and dumps the
// telemetry store
func (h *PageHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	targets := h.registry.All()
	rows := make([]indexRow, 0, len(targets))
	for _, target := range targets {
		row := indexRow{
			Number:       target.Index,
			SourcePath:   target.SourcePath,
			OutputPath:   target.OutputPath,
			LastRendered: "never",
		}
		if at, ok := h.pages.LastRendered(target.Index); ok {
			row.LastRendered = at.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}

	devices, err := json.MarshalIndent(h.telemetry.Snapshot(), "", "  ")
	if err != nil {
		h.logger.Error("Failed to encode telemetry", zap.Error(err))
		devices = []byte("[]")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := indexTemplate.Execute(w, map[string]interface{}{
		"Pages":   rows,
		"Devices": string(devices),
	}); err != nil {
		h.logger.Error("Failed to render index", zap.Error(err))
	}
}

// parsePageNumber accepts "/3" and "/3.png"
func parsePageNumber(path string) (int, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(path, "/"), ".png")
	if name == "" || strings.Contains(name, "/") {
		return 0, false
	}
	number, err := strconv.Atoi(name)
	if err != nil {
		return 0, false
	}
	return number, true
}

// writeText writes body verbatim, without the trailing newline http.Error adds
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
