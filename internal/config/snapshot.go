package config

import (
	"context"
	"sync/atomic"
	"time"
)

// Loader fetches the current configuration, typically by re-reading a file
// or a central config service. It is the collaborator this package refreshes
// against; production wiring decides what it points at.
type Loader func() (*Config, error)

// Snapshot is a read-mostly, concurrency-safe view of the current Config
// that refreshes on a fixed interval rather than on every call — this is
// exactly the guarantee spec.md §4.2's Caching note asks for ("the scheduler
// reads platform config through a time-refreshed snapshot ... so that
// changes to service definitions do not race inside one dispatch pass").
type Snapshot struct {
	current atomic.Pointer[Config]
	load    Loader
}

// NewSnapshot loads the initial configuration and returns a Snapshot. Call
// Run in a goroutine to keep it refreshed.
func NewSnapshot(load Loader) (*Snapshot, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	s := &Snapshot{load: load}
	s.current.Store(cfg)
	return s, nil
}

// Get returns the most recently loaded Config. It never blocks on I/O.
func (s *Snapshot) Get() *Config {
	return s.current.Load()
}

// Run refreshes the snapshot every interval until ctx is cancelled. A failed
// refresh is dropped silently in favor of keeping the last-good config —
// a single bad reload must not stop the dispatcher.
func (s *Snapshot) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg, err := s.load(); err == nil {
				s.current.Store(cfg)
			}
		}
	}
}
