package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/provider"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TileService is the provider surface the HTTP routes use.
type TileService interface {
	sharedobs.ReadinessChecker
	ObtainData(req domain.TileRequest, collectMetric bool) provider.DataResult
	ObtainValue(req domain.ValueRequest, collectMetric bool) provider.ValueResult
	DownloadGeoTiles(req domain.DownloadGeoTileRequest, collectMetric bool) provider.DownloadResult
	CurrentVersion() uint64
	BandSettings() domain.BandSettings
	SetBandSettings(settings domain.BandSettings) (uint64, error)
}

// Server exposes the tile, contour, value, download and band settings
// routes plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	svc        TileService
	logger     *slog.Logger
}

// NewServer creates an HTTP server for svc.
func NewServer(addr string, svc TileService, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		svc:    svc,
		logger: logger,
	}

	mux.HandleFunc("GET /tiles/{z}/{x}/{y}", s.handleTile)
	mux.HandleFunc("GET /contours/{z}/{x}/{y}", s.handleContours)
	mux.HandleFunc("GET /value", s.handleValue)
	mux.HandleFunc("POST /downloads", s.handleDownload)
	mux.HandleFunc("GET /bands", s.handleGetBands)
	mux.HandleFunc("PUT /bands", s.handlePutBands)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(svc))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
