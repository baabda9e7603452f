package domain

import "errors"

var (
	// ErrCancelled reports a cooperative abort through a CancelToken.
	ErrCancelled = errors.New("request cancelled")
	// ErrStale reports a result computed under a superseded version.
	ErrStale = errors.New("result superseded by newer version")
	// ErrProviderClosed is returned for any call made after the provider was closed.
	ErrProviderClosed = errors.New("provider closed")
	// ErrNetworkDisabled is returned when a download is attempted while network access is off.
	ErrNetworkDisabled = errors.New("network access disabled")
	// ErrNetworkFailure wraps transport errors from the fetch collaborator.
	ErrNetworkFailure = errors.New("network failure")
	// ErrInvalidRequest reports malformed requests or band settings.
	ErrInvalidRequest = errors.New("invalid request")
)
