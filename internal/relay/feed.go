package relay

import (
	"sync"

	"github.com/signalsfoundry/leo-relay-simulator/model"
)

// PositionFeed holds the most recent position published by a satellite's
// mover task. Readers never block; before the first publish they get the
// unavailable sentinel.
type PositionFeed struct {
	mu     sync.RWMutex
	latest model.GeoPosition
	set    bool
}

// NewPositionFeed returns an empty feed.
func NewPositionFeed() *PositionFeed { return &PositionFeed{} }

// Publish replaces the current position.
func (f *PositionFeed) Publish(p model.GeoPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = p
	f.set = true
}

// Latest returns the current position, or the sentinel and false.
func (f *PositionFeed) Latest() (model.GeoPosition, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return model.UnavailablePosition(), false
	}
	return f.latest, true
}
