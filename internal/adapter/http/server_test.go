package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	httpadapter "github.com/couchcryptid/weather-tile-service/internal/adapter/http"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/download"
	"github.com/couchcryptid/weather-tile-service/internal/provider"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	readyErr error
	data     *domain.Data
	dataErrs []error
	dataReqs []domain.TileRequest
	value    provider.ValueResult
	valueReq domain.ValueRequest
	download provider.DownloadResult
	dlReq    domain.DownloadGeoTileRequest
	version  uint64
	settings domain.BandSettings
	setErr   error
}

func (m *mockService) CheckReadiness(_ context.Context) error { return m.readyErr }

func (m *mockService) ObtainData(req domain.TileRequest, _ bool) provider.DataResult {
	m.dataReqs = append(m.dataReqs, req)
	if len(m.dataErrs) > 0 {
		err := m.dataErrs[0]
		m.dataErrs = m.dataErrs[1:]
		if err != nil {
			return provider.DataResult{Err: err}
		}
	}
	return provider.DataResult{Data: m.data}
}

func (m *mockService) ObtainValue(req domain.ValueRequest, _ bool) provider.ValueResult {
	m.valueReq = req
	return m.value
}

func (m *mockService) DownloadGeoTiles(req domain.DownloadGeoTileRequest, _ bool) provider.DownloadResult {
	m.dlReq = req
	return m.download
}

func (m *mockService) CurrentVersion() uint64 { return m.version }

func (m *mockService) BandSettings() domain.BandSettings { return m.settings }

func (m *mockService) SetBandSettings(s domain.BandSettings) (uint64, error) {
	if m.setErr != nil {
		return 0, m.setErr
	}
	m.settings = s
	m.version++
	return m.version, nil
}

func newTestServer(svc *mockService) *httpadapter.Server {
	return httpadapter.NewServer(":0", svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serve(srv *httpadapter.Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := serve(newTestServer(&mockService{}), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	rec := serve(newTestServer(&mockService{}), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(newTestServer(&mockService{readyErr: domain.ErrProviderClosed}), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(newTestServer(&mockService{}), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTile_PNG(t *testing.T) {
	svc := &mockService{version: 3, data: &domain.Data{
		Tile:    maptile.New(66, 41, 7),
		Image:   image.NewRGBA(image.Rect(0, 0, 4, 4)),
		Version: 3,
	}}
	rec := serve(newTestServer(svc), http.MethodGet, "/tiles/7/66/41.png?bands=3,2", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "3", rec.Header().Get("X-Weather-Version"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	require.Len(t, svc.dataReqs, 1)
	req := svc.dataReqs[0]
	assert.Equal(t, maptile.New(66, 41, 7), req.Tile)
	assert.Equal(t, []domain.BandIndex{domain.BandPressure, domain.BandTemperature}, req.Bands)
	assert.Equal(t, uint64(3), req.Version)
	assert.NotNil(t, req.Token)
}

func TestTile_NoCoverage(t *testing.T) {
	rec := serve(newTestServer(&mockService{}), http.MethodGet, "/tiles/7/66/41.png", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTile_BeyondMaxZoomSkipsProvider(t *testing.T) {
	svc := &mockService{data: &domain.Data{Image: image.NewRGBA(image.Rect(0, 0, 4, 4))}}
	target := fmt.Sprintf("/tiles/%d/0/0.png", domain.MaxZoom()+1)

	rec := serve(newTestServer(svc), http.MethodGet, target, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(newTestServer(svc), http.MethodGet, fmt.Sprintf("/contours/%d/0/0", domain.MaxZoom()+1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, rec.Body.String())
	assert.Empty(t, svc.dataReqs)
}

func TestTile_RetriesOnceWhenStale(t *testing.T) {
	svc := &mockService{dataErrs: []error{domain.ErrStale, domain.ErrStale}}
	rec := serve(newTestServer(svc), http.MethodGet, "/tiles/7/66/41.png", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, svc.dataReqs, 2)
}

func TestTile_BadInput(t *testing.T) {
	srv := newTestServer(&mockService{})
	for _, target := range []string{"/tiles/7/x/41.png", "/tiles/7/66/41.png?bands=0", "/tiles/7/66/41.png?bands=a"} {
		rec := serve(srv, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestContours_GeoJSON(t *testing.T) {
	a := domain.PointFromLatLon(48, 11)
	b := domain.PointFromLatLon(48.5, 11.5)
	svc := &mockService{data: &domain.Data{
		Contours: map[domain.BandIndex][]domain.GeoContour{
			domain.BandPressure: {
				{Level: 1000, Lines: []domain.ContourLine{{a, b}}},
				{Level: 1010},
			},
		},
	}}
	rec := serve(newTestServer(svc), http.MethodGet, "/contours/7/66/41?bands=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "pressure", fc.Features[0].Properties["band"])
	assert.InDelta(t, 1000.0, fc.Features[0].Properties["level"], 0)
	assert.Equal(t, domain.WeatherTypeContour, svc.dataReqs[0].WeatherType)
}

func TestValue(t *testing.T) {
	svc := &mockService{value: provider.ValueResult{Value: 12.5, Found: true}}
	rec := serve(newTestServer(svc), http.MethodGet, "/value?lat=48.1&lon=11.6&zoom=7&band=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "temperature", body["band"])
	assert.InDelta(t, 12.5, body["value"], 0)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, domain.BandTemperature, svc.valueReq.Band)
	assert.Equal(t, 7, svc.valueReq.Zoom)
}

func TestValue_NotFoundIsNull(t *testing.T) {
	rec := serve(newTestServer(&mockService{}), http.MethodGet, "/value?lat=0&lon=0&zoom=7&band=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"value":null`)
}

func TestValue_BadInput(t *testing.T) {
	srv := newTestServer(&mockService{})
	for _, target := range []string{"/value?lat=91&lon=0&zoom=7&band=2", "/value?lat=1&lon=0&band=2"} {
		rec := serve(srv, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestDownload(t *testing.T) {
	svc := &mockService{download: provider.DownloadResult{Result: download.Result{
		TimeKey: "20260314_1200",
		Tiles: []download.TileOutcome{
			{Tile: maptile.New(8, 5, 4), Outcome: download.OutcomeDownloaded},
			{Tile: maptile.New(9, 5, 4), Outcome: download.OutcomeFailed},
		},
	}}}
	body := `{"north": 55, "west": 2, "south": 45, "east": 30, "force": true}`
	rec := serve(newTestServer(svc), http.MethodPost, "/downloads", strings.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.JSONEq(t, `{
		"time_key": "20260314_1200",
		"succeeded": [{"z":4,"x":8,"y":5}],
		"failed": [{"z":4,"x":9,"y":5}],
		"cancelled": []
	}`, rec.Body.String())
	assert.True(t, svc.dlReq.ForceDownload)
	assert.Equal(t, domain.PointFromLatLon(55, 2), svc.dlReq.TopLeft)
}

func TestDownload_NetworkDisabled(t *testing.T) {
	svc := &mockService{download: provider.DownloadResult{Err: domain.ErrNetworkDisabled}}
	rec := serve(newTestServer(svc), http.MethodPost, "/downloads", strings.NewReader(`{"north":1,"south":0}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBands_GetAndPut(t *testing.T) {
	svc := &mockService{version: 1, settings: domain.DefaultBandSettings()}
	srv := newTestServer(svc)

	rec := serve(srv, http.MethodGet, "/bands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":1`)

	rec = serve(srv, http.MethodPut, "/bands", strings.NewReader(`{"2": {"opacity": 1, "visible": true, "color_ramp": [{"value": 0, "rgba": [0,0,0,255]}]}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version": 2}`, rec.Body.String())
	assert.True(t, svc.settings[domain.BandTemperature].Visible)

	svc.setErr = fmt.Errorf("%w: empty color ramp", domain.ErrInvalidRequest)
	rec = serve(srv, http.MethodPut, "/bands", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
