package store

import (
	"fmt"
	"sync"
	"time"

	"pricehub/internal/models"

	"github.com/jonboulle/clockwork"
)

// PriceStore holds the most recent tick per feed source.
// Feed connections write to it, the hub reads snapshots from it.
type PriceStore struct {
	mu    sync.RWMutex
	ticks map[string]models.Tick
	clock clockwork.Clock
}

// NewPriceStore creates an empty price store
func NewPriceStore(clock clockwork.Clock) *PriceStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PriceStore{
		ticks: make(map[string]models.Tick),
		clock: clock,
	}
}

// Update replaces the stored tick for tick.Source. Last write wins.
func (s *PriceStore) Update(tick models.Tick) error {
	if err := tick.Validate(); err != nil {
		return fmt.Errorf("store update: %w", err)
	}

	s.mu.Lock()
	s.ticks[tick.Source] = tick
	s.mu.Unlock()
	return nil
}

// Get returns the latest tick for a source
func (s *PriceStore) Get(source string) (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.ticks[source]
	return t, ok
}

// Len returns the number of sources with a stored tick
func (s *PriceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ticks)
}

// Snapshot returns an immutable copy of all valid ticks
func (s *PriceStore) Snapshot() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.NewSnapshot(s.ticks, s.now())
}

func (s *PriceStore) now() time.Time {
	return s.clock.Now()
}
