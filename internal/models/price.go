package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTick is returned for ticks that must never reach the price store.
var ErrInvalidTick = errors.New("invalid tick")

// Tick represents one price observation from an upstream feed
type Tick struct {
	Source     string          `json:"source"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// NewTick builds a validated tick
func NewTick(source string, price decimal.Decimal, observedAt time.Time) (Tick, error) {
	t := Tick{Source: source, Price: price, ObservedAt: observedAt}
	if err := t.Validate(); err != nil {
		return Tick{}, err
	}
	return t, nil
}

// TickFromString parses a decimal price string as sent by most exchanges
func TickFromString(source, price string, observedAt time.Time) (Tick, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return Tick{}, fmt.Errorf("%w: %s price %q: %v", ErrInvalidTick, source, price, err)
	}
	return NewTick(source, d, observedAt)
}

// Validate checks the tick invariants
func (t Tick) Validate() error {
	if t.Source == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidTick)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: %s price %s is not positive", ErrInvalidTick, t.Source, t.Price)
	}
	if t.ObservedAt.IsZero() {
		return fmt.Errorf("%w: %s has no timestamp", ErrInvalidTick, t.Source)
	}
	return nil
}

// Snapshot is an immutable copy of the price state taken at one instant
type Snapshot struct {
	ticks   map[string]Tick
	takenAt time.Time
}

// NewSnapshot copies ticks into a snapshot, skipping anything invalid
func NewSnapshot(ticks map[string]Tick, takenAt time.Time) Snapshot {
	copied := make(map[string]Tick, len(ticks))
	for source, t := range ticks {
		if t.Validate() != nil || t.Source != source {
			continue
		}
		copied[source] = t
	}
	return Snapshot{ticks: copied, takenAt: takenAt}
}

// Get returns the tick for a source
func (s Snapshot) Get(source string) (Tick, bool) {
	t, ok := s.ticks[source]
	return t, ok
}

// Len returns the number of sources with a price
func (s Snapshot) Len() int {
	return len(s.ticks)
}

// TakenAt returns when the snapshot was taken
func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Sources returns the source identifiers in sorted order
func (s Snapshot) Sources() []string {
	sources := make([]string, 0, len(s.ticks))
	for source := range s.ticks {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

// PricePoint is the per-source entry of a broadcast payload
type PricePoint struct {
	Price float64 `json:"price"`
	TS    int64   `json:"ts"` // Milliseconds
}

// BroadcastPayload is what every subscriber receives
type BroadcastPayload struct {
	Prices map[string]PricePoint `json:"prices"`
	TS     int64                 `json:"ts"` // Milliseconds
}

// NewBroadcastPayload derives a payload from a snapshot. Prices is never nil so
// an empty state serializes as {"prices":{}}.
func NewBroadcastPayload(snap Snapshot, now time.Time) BroadcastPayload {
	prices := make(map[string]PricePoint, snap.Len())
	for source, t := range snap.ticks {
		f := t.Price.InexactFloat64()
		if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
			continue
		}
		prices[source] = PricePoint{Price: f, TS: t.ObservedAt.UnixMilli()}
	}
	return BroadcastPayload{Prices: prices, TS: now.UnixMilli()}
}
