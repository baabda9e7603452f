package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/sony/gobreaker"
)

var (
	// ErrNotFound is returned when the source has no payload for the tile and time.
	ErrNotFound = errors.New("payload not found")
	// ErrCircuitOpen is returned while the breaker rejects requests.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// HTTPFetcher downloads payloads from a URL template behind a circuit breaker.
type HTTPFetcher struct {
	template   string
	httpClient *http.Client
	circuit    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewHTTPFetcher creates a fetcher for urlTemplate, e.g.
// "https://host/weather/{time}/{z}_{x}_{y}.wtile".
func NewHTTPFetcher(urlTemplate string, timeout time.Duration, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		template: urlTemplate,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		circuit: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "weather-source",
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		logger: logger,
	}
}

// Fetch implements download.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, tile maptile.Tile, observed time.Time, w io.Writer) error {
	u := Expand(f.template, tile, observed)

	// A missing payload is a valid answer from a healthy source and must not trip the breaker.
	notFound := false
	_, err := f.circuit.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", u, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			notFound = true
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("source error: status %d: %s", resp.StatusCode, body)
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return true, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return err
	}
	if notFound {
		return fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	return nil
}
