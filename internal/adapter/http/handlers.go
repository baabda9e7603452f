package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/provider"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
)

// statusClientClosed is the nginx convention for a request abandoned by the client.
const statusClientClosed = 499

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	res, ok := s.obtainTile(w, r, domain.WeatherTypeRaster)
	if !ok {
		return
	}
	if res.Data == nil || res.Data.Image == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Weather-Version", strconv.FormatUint(res.Data.Version, 10))
	if err := png.Encode(w, res.Data.Image); err != nil {
		s.logger.Warn("png encode failed", "tile", res.Data.Tile, "error", err)
	}
}

func (s *Server) handleContours(w http.ResponseWriter, r *http.Request) {
	res, ok := s.obtainTile(w, r, domain.WeatherTypeContour)
	if !ok {
		return
	}
	fc := geojson.NewFeatureCollection()
	if res.Data != nil {
		w.Header().Set("X-Weather-Version", strconv.FormatUint(res.Data.Version, 10))
		for _, b := range domain.AllBands {
			for _, g := range res.Data.Contours[b] {
				fc.Append(contourFeature(b, g))
			}
		}
	}
	writeJSON(w, http.StatusOK, fc)
}

// obtainTile runs a tile request for the path tile. A request made stale by a
// concurrent settings change is retried once with the new version.
func (s *Server) obtainTile(w http.ResponseWriter, r *http.Request, wt domain.WeatherType) (provider.DataResult, bool) {
	tile, err := parseTile(r)
	if err != nil {
		writeError(w, err)
		return provider.DataResult{}, false
	}
	bands, err := parseBands(r.URL.Query().Get("bands"))
	if err != nil {
		writeError(w, err)
		return provider.DataResult{}, false
	}
	// No layer serves zooms past the deepest over-zoom.
	if int(tile.Z) > domain.MaxZoom() {
		return provider.DataResult{}, true
	}

	token := domain.NewCancelTokenFromContext(r.Context())
	defer token.Cancel()

	var res provider.DataResult
	for range 2 {
		res = s.svc.ObtainData(domain.TileRequest{
			Tile:        tile,
			WeatherType: wt,
			Bands:       bands,
			Version:     s.svc.CurrentVersion(),
			Token:       token,
		}, false)
		if !errors.Is(res.Err, domain.ErrStale) {
			break
		}
	}
	if res.Err != nil {
		writeError(w, res.Err)
		return res, false
	}
	return res, true
}

func contourFeature(b domain.BandIndex, g domain.GeoContour) *geojson.Feature {
	mls := make(orb.MultiLineString, 0, len(g.Lines))
	for _, line := range g.Lines {
		ls := make(orb.LineString, len(line))
		for i, p := range line {
			ls[i] = p.Orb()
		}
		mls = append(mls, ls)
	}
	f := geojson.NewFeature(mls)
	f.Properties["band"] = b.String()
	f.Properties["level"] = g.Level
	return f
}

type valueResponse struct {
	Band  string   `json:"band"`
	Value *float64 `json:"value"`
	Found bool     `json:"found"`
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	zoom, errZoom := strconv.Atoi(q.Get("zoom"))
	band, errBand := strconv.Atoi(q.Get("band"))
	if err := errors.Join(errLat, errLon, errZoom, errBand); err != nil {
		writeError(w, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
		return
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeError(w, fmt.Errorf("%w: coordinate out of range", domain.ErrInvalidRequest))
		return
	}

	token := domain.NewCancelTokenFromContext(r.Context())
	defer token.Cancel()

	res := s.svc.ObtainValue(domain.ValueRequest{
		Point: domain.PointFromLatLon(lat, lon),
		Zoom:  zoom,
		Band:  domain.BandIndex(band),
		Token: token,
	}, false)
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}

	out := valueResponse{Band: domain.BandIndex(band).String(), Found: res.Found}
	if res.Found && !math.IsNaN(res.Value) {
		v := res.Value
		out.Value = &v
	}
	writeJSON(w, http.StatusOK, out)
}

type downloadRequest struct {
	North float64 `json:"north"`
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	Force bool    `json:"force"`
}

type tileRef struct {
	Z uint32 `json:"z"`
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

type downloadResponse struct {
	TimeKey   string    `json:"time_key"`
	Succeeded []tileRef `json:"succeeded"`
	Failed    []tileRef `json:"failed"`
	Cancelled []tileRef `json:"cancelled"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var body downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
		return
	}
	if body.North < body.South {
		writeError(w, fmt.Errorf("%w: north below south", domain.ErrInvalidRequest))
		return
	}

	token := domain.NewCancelTokenFromContext(r.Context())
	defer token.Cancel()

	res := s.svc.DownloadGeoTiles(domain.DownloadGeoTileRequest{
		TopLeft:       domain.PointFromLatLon(body.North, body.West),
		BottomRight:   domain.PointFromLatLon(body.South, body.East),
		ForceDownload: body.Force,
		Token:         token,
	}, false)
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{
		TimeKey:   res.TimeKey,
		Succeeded: tileRefs(res.Succeeded()),
		Failed:    tileRefs(res.Failed()),
		Cancelled: tileRefs(res.Cancelled()),
	})
}

func (s *Server) handleGetBands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.svc.CurrentVersion(),
		"bands":   s.svc.BandSettings(),
	})
}

func (s *Server) handlePutBands(w http.ResponseWriter, r *http.Request) {
	var settings domain.BandSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
		return
	}
	v, err := s.svc.SetBandSettings(settings)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("band settings updated over http", "version", v)
	writeJSON(w, http.StatusOK, map[string]uint64{"version": v})
}

func parseTile(r *http.Request) (maptile.Tile, error) {
	z, errZ := strconv.ParseUint(r.PathValue("z"), 10, 32)
	x, errX := strconv.ParseUint(r.PathValue("x"), 10, 32)
	y, errY := strconv.ParseUint(strings.TrimSuffix(r.PathValue("y"), ".png"), 10, 32)
	if err := errors.Join(errZ, errX, errY); err != nil {
		return maptile.Tile{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

// parseBands reads a comma separated band list. Empty selects every band.
func parseBands(raw string) ([]domain.BandIndex, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.BandIndex
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || !domain.BandIndex(n).Valid() {
			return nil, fmt.Errorf("%w: band %q", domain.ErrInvalidRequest, part)
		}
		out = append(out, domain.BandIndex(n))
	}
	return out, nil
}

func tileRefs(tiles []maptile.Tile) []tileRef {
	out := make([]tileRef, len(tiles))
	for i, t := range tiles {
		out[i] = tileRef{Z: uint32(t.Z), X: t.X, Y: t.Y}
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrProviderClosed), errors.Is(err, domain.ErrNetworkDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrStale):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrCancelled):
		status = statusClientClosed
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
