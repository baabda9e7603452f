// Package bands holds the runtime band settings and the provider version counter.
package bands

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
)

// Snapshot is an immutable view of the settings tagged with the version
// active when it was taken.
type Snapshot struct {
	Version  uint64
	settings domain.BandSettings
}

// Settings returns the settings of band b and whether it is configured.
func (s *Snapshot) Settings(b domain.BandIndex) (domain.GeoBandSettings, bool) {
	v, ok := s.settings[b]
	return v, ok
}

// All returns a copy of every band's settings.
func (s *Snapshot) All() domain.BandSettings {
	return s.settings.Clone()
}

// Registry stores band settings and the version counter. Readers take
// lock-free snapshots; writers are serialized.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	onBump  []func(version uint64)
}

// NewRegistry returns a registry at version 1 holding a copy of settings.
func NewRegistry(settings domain.BandSettings) (*Registry, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(&Snapshot{Version: 1, settings: settings.Clone()})
	return r, nil
}

// Snapshot returns the current settings and version.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Version returns the current version.
func (r *Registry) Version() uint64 {
	return r.current.Load().Version
}

// OnBump registers fn to be called after every version advance, while the
// registry write lock is held.
func (r *Registry) OnBump(fn func(version uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBump = append(r.onBump, fn)
}

// Set replaces all settings and advances the version.
func (r *Registry) Set(settings domain.BandSettings) (uint64, error) {
	if err := settings.Validate(); err != nil {
		return 0, err
	}
	settings = settings.Clone()
	return r.swap(func(domain.BandSettings) domain.BandSettings { return settings }), nil
}

// Bump advances the version without changing settings.
func (r *Registry) Bump() uint64 {
	return r.swap(func(old domain.BandSettings) domain.BandSettings { return old })
}

func (r *Registry) swap(next func(old domain.BandSettings) domain.BandSettings) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current.Load()
	snap := &Snapshot{Version: cur.Version + 1, settings: next(cur.settings)}
	r.current.Store(snap)
	for _, fn := range r.onBump {
		fn(snap.Version)
	}
	return snap.Version
}

// LoadFile reads band settings from a JSON file keyed by band index.
func LoadFile(path string) (domain.BandSettings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read band settings: %w", err)
	}
	var s domain.BandSettings
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode band settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
