package engine

import (
	"sync"
	"sync/atomic"

	"github.com/reqshield/reqshield/internal/config"
)

// Settings is an immutable, versioned snapshot of the protection config.
// A new snapshot is published for every accepted change; readers holding an
// older snapshot keep a consistent view until they finish.
type Settings struct {
	config.ProtectionConfig
	Version uint64 `json:"version"`
}

// Store holds the current Settings. Reads are a single atomic load; writes
// are serialized so partial updates are never lost.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Settings]
}

// NewStore validates initial and publishes it as version 1.
func NewStore(initial config.ProtectionConfig) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.cur.Store(&Settings{ProtectionConfig: initial, Version: 1})
	return s, nil
}

// Load returns the current snapshot.
func (s *Store) Load() *Settings {
	return s.cur.Load()
}

// Replace validates p and publishes it. On error the current snapshot is
// kept and a *config.ValidationError is returned.
func (s *Store) Replace(p config.ProtectionConfig) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(p)
}

// Apply merges patch into the current snapshot, validates the result and
// publishes it.
func (s *Store) Apply(patch config.ProtectionPatch) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(patch.Apply(s.cur.Load().ProtectionConfig))
}

func (s *Store) publish(p config.ProtectionConfig) (*Settings, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	next := &Settings{ProtectionConfig: p, Version: s.cur.Load().Version + 1}
	s.cur.Store(next)
	return next, nil
}
