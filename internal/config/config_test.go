package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURLTemplate = "https://wx.example.com/{time}/{z}/{x}/{y}.wtile"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FETCH_URL_TEMPLATE", testURLTemplate)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.LogFile)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "./data/weather", cfg.CacheDir)
	assert.Equal(t, time.Hour, cfg.CacheTimeResolution)
	assert.Equal(t, 256, cfg.TileSize)
	assert.InDelta(t, 1.0, cfg.DensityFactor, 0)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers)
	assert.Equal(t, 512, cfg.DerivedCacheSize)
	assert.Equal(t, 32, cfg.GridCacheSize)
	assert.True(t, cfg.NetworkEnabled)
	assert.Equal(t, BackendHTTP, cfg.FetchBackend)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 4, cfg.DownloadConcurrency)
	assert.Equal(t, 2, cfg.DownloadRetries)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.KafkaDownloadTopic)
	assert.Empty(t, cfg.PrefetchRegions)
	assert.Equal(t, 30*time.Minute, cfg.PrefetchInterval)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("LOG_FILE", "/var/log/wx.log")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("CACHE_DIR", "/srv/wx")
	t.Setenv("CACHE_TIME_RESOLUTION", "3h")
	t.Setenv("TILE_SIZE", "512")
	t.Setenv("DENSITY_FACTOR", "2")
	t.Setenv("WORKERS", "3")
	t.Setenv("FETCH_BACKEND", "S3")
	t.Setenv("S3_BUCKET", "wx-tiles")
	t.Setenv("S3_REGION", "eu-west-1")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_DOWNLOAD_TOPIC", "weather-downloads")
	t.Setenv("PREFETCH_REGIONS", "60,-10,35,30; 50,170,40,-170")
	t.Setenv("PREFETCH_INTERVAL", "15m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "/var/log/wx.log", cfg.LogFile)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/srv/wx", cfg.CacheDir)
	assert.Equal(t, 3*time.Hour, cfg.CacheTimeResolution)
	assert.Equal(t, 512, cfg.TileSize)
	assert.InDelta(t, 2.0, cfg.DensityFactor, 0)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, BackendS3, cfg.FetchBackend)
	assert.Equal(t, "wx-tiles", cfg.S3Bucket)
	assert.Equal(t, "eu-west-1", cfg.S3Region)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "weather-downloads", cfg.KafkaDownloadTopic)
	assert.Equal(t, []Region{
		{North: 60, West: -10, South: 35, East: 30},
		{North: 50, West: 170, South: 40, East: -170},
	}, cfg.PrefetchRegions)
	assert.Equal(t, 15*time.Minute, cfg.PrefetchInterval)
}

func TestLoad_HTTPBackendRequiresTemplate(t *testing.T) {
	_, err := Load()
	require.ErrorContains(t, err, "FETCH_URL_TEMPLATE")
}

func TestLoad_OfflineNeedsNoTemplate(t *testing.T) {
	t.Setenv("NETWORK_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.NetworkEnabled)
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("FETCH_BACKEND", "ftp")
	_, err := Load()
	require.ErrorContains(t, err, "FETCH_BACKEND")
}

func TestLoad_GCSRequiresBucket(t *testing.T) {
	t.Setenv("FETCH_BACKEND", "gcs")
	_, err := Load()
	require.ErrorContains(t, err, "GCS_BUCKET")
}

func TestLoad_TopicRequiresBrokers(t *testing.T) {
	t.Setenv("FETCH_URL_TEMPLATE", testURLTemplate)
	t.Setenv("KAFKA_DOWNLOAD_TOPIC", "downloads")
	_, err := Load()
	require.ErrorContains(t, err, "KAFKA_BROKERS")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TILE_SIZE", "0"},
		{"WORKERS", "abc"},
		{"DENSITY_FACTOR", "-1"},
		{"CACHE_TIME_RESOLUTION", "soon"},
		{"FETCH_TIMEOUT", "0s"},
		{"DOWNLOAD_RETRIES", "-1"},
		{"NETWORK_ENABLED", "maybe"},
		{"SHUTDOWN_TIMEOUT", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("FETCH_URL_TEMPLATE", testURLTemplate)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestParseRegions(t *testing.T) {
	r, err := ParseRegions("")
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = ParseRegions("1,2,3")
	require.Error(t, err)

	_, err = ParseRegions("10,0,20,5")
	require.ErrorContains(t, err, "latitudes")

	_, err = ParseRegions("a,b,c,d")
	require.Error(t, err)
}
