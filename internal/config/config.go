package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Fetch backends.
const (
	BackendHTTP = "http"
	BackendGCS  = "gcs"
	BackendS3   = "s3"
)

// Region is a prefetch bounding box in WGS84 degrees.
type Region struct {
	North, West, South, East float64
}

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	LogFile         string
	LogMaxSizeMB    int
	ShutdownTimeout time.Duration

	// Local cache and rendering.
	CacheDir            string
	CacheTimeResolution time.Duration
	TileSize            int
	DensityFactor       float64
	Workers             int
	DerivedCacheSize    int
	GridCacheSize       int
	BandSettingsFile    string

	// Remote source.
	NetworkEnabled      bool
	FetchBackend        string
	FetchURLTemplate    string
	FetchTimeout        time.Duration
	ObjectPathTemplate  string
	GCSBucket           string
	S3Bucket            string
	S3Region            string
	DownloadConcurrency int
	DownloadRetries     int

	// Download notifications; empty topic disables the notifier.
	KafkaBrokers       []string
	KafkaDownloadTopic string

	// Scheduled prefetch; no regions disables the scheduler.
	PrefetchRegions  []Region
	PrefetchInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		LogFile:            os.Getenv("LOG_FILE"),
		ShutdownTimeout:    shutdownTimeout,
		CacheDir:           sharedcfg.EnvOrDefault("CACHE_DIR", "./data/weather"),
		BandSettingsFile:   os.Getenv("BAND_SETTINGS_FILE"),
		FetchBackend:       strings.ToLower(sharedcfg.EnvOrDefault("FETCH_BACKEND", BackendHTTP)),
		FetchURLTemplate:   os.Getenv("FETCH_URL_TEMPLATE"),
		ObjectPathTemplate: sharedcfg.EnvOrDefault("OBJECT_PATH_TEMPLATE", "{time}/{z}_{x}_{y}.wtile"),
		GCSBucket:          os.Getenv("GCS_BUCKET"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3Region:           sharedcfg.EnvOrDefault("S3_REGION", "us-east-1"),
		KafkaDownloadTopic: os.Getenv("KAFKA_DOWNLOAD_TOPIC"),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.LogMaxSizeMB, err = positiveInt("LOG_MAX_SIZE_MB", 100)
	collect(err)
	cfg.CacheTimeResolution, err = positiveDuration("CACHE_TIME_RESOLUTION", "1h")
	collect(err)
	cfg.TileSize, err = positiveInt("TILE_SIZE", 256)
	collect(err)
	cfg.Workers, err = positiveInt("WORKERS", runtime.NumCPU())
	collect(err)
	cfg.DerivedCacheSize, err = positiveInt("DERIVED_CACHE_SIZE", 512)
	collect(err)
	cfg.GridCacheSize, err = positiveInt("GRID_CACHE_SIZE", 32)
	collect(err)
	cfg.DownloadConcurrency, err = positiveInt("DOWNLOAD_CONCURRENCY", 4)
	collect(err)
	cfg.DownloadRetries, err = nonNegativeInt("DOWNLOAD_RETRIES", 2)
	collect(err)
	cfg.FetchTimeout, err = positiveDuration("FETCH_TIMEOUT", "30s")
	collect(err)
	cfg.PrefetchInterval, err = positiveDuration("PREFETCH_INTERVAL", "30m")
	collect(err)

	cfg.DensityFactor, err = strconv.ParseFloat(sharedcfg.EnvOrDefault("DENSITY_FACTOR", "1"), 64)
	if err != nil || cfg.DensityFactor <= 0 || cfg.DensityFactor > 4 {
		collect(errors.New("invalid DENSITY_FACTOR"))
	}

	cfg.NetworkEnabled, err = strconv.ParseBool(sharedcfg.EnvOrDefault("NETWORK_ENABLED", "true"))
	if err != nil {
		collect(errors.New("invalid NETWORK_ENABLED"))
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(v)
	}

	cfg.PrefetchRegions, err = ParseRegions(os.Getenv("PREFETCH_REGIONS"))
	collect(err)

	switch cfg.FetchBackend {
	case BackendHTTP:
		if cfg.NetworkEnabled && cfg.FetchURLTemplate == "" {
			collect(errors.New("FETCH_URL_TEMPLATE is required for the http backend"))
		}
	case BackendGCS:
		if cfg.GCSBucket == "" {
			collect(errors.New("GCS_BUCKET is required for the gcs backend"))
		}
	case BackendS3:
		if cfg.S3Bucket == "" {
			collect(errors.New("S3_BUCKET is required for the s3 backend"))
		}
	default:
		collect(fmt.Errorf("unknown FETCH_BACKEND %q", cfg.FetchBackend))
	}

	if cfg.KafkaDownloadTopic != "" && len(cfg.KafkaBrokers) == 0 {
		collect(errors.New("KAFKA_BROKERS is required when KAFKA_DOWNLOAD_TOPIC is set"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// ParseRegions parses "north,west,south,east;..." boxes.
func ParseRegions(s string) ([]Region, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Region
	for _, part := range strings.Split(s, ";") {
		fields := strings.Split(strings.TrimSpace(part), ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("invalid PREFETCH_REGIONS entry %q: want north,west,south,east", part)
		}
		var v [4]float64
		for i, f := range fields {
			n, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid PREFETCH_REGIONS entry %q: %w", part, err)
			}
			v[i] = n
		}
		r := Region{North: v[0], West: v[1], South: v[2], East: v[3]}
		if r.North < r.South || r.North > 90 || r.South < -90 {
			return nil, fmt.Errorf("invalid PREFETCH_REGIONS entry %q: bad latitudes", part)
		}
		out = append(out, r)
	}
	return out, nil
}

func positiveInt(key string, def int) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func nonNegativeInt(key string, def int) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, strconv.Itoa(def)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func positiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
