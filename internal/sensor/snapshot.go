// Package sensor samples the environmental sensor and the per-zone soil
// probes and publishes the readings as one consistent Snapshot.
package sensor

import (
	"sync/atomic"
	"time"
)

// Snapshot is one sampling pass. Values handed out by Cell must be
// treated as read-only.
type Snapshot struct {
	Temperature float64   `json:"temperature"` // °C
	Humidity    float64   `json:"humidity"`    // %RH
	Pressure    float64   `json:"pressure"`    // Pa
	Soil        []float64 `json:"soil"`        // moisture %, indexed by zone
	// Unread marks zones whose probe has never produced a reading; their
	// Soil value is the boot default. A nil slice means every zone was read.
	Unread    []bool    `json:"unread,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Zones returns the number of soil readings in the snapshot.
func (s Snapshot) Zones() int { return len(s.Soil) }

// HasReading reports whether zone's soil value came from its probe.
func (s Snapshot) HasReading(zone int) bool {
	return zone >= len(s.Unread) || !s.Unread[zone]
}

// Cell holds the latest Snapshot. One goroutine stores, any number load.
type Cell struct {
	p atomic.Pointer[Snapshot]
}

// NewCell returns a cell holding a zeroed snapshot sized for zones.
func NewCell(zones int) *Cell {
	c := &Cell{}
	unread := make([]bool, zones)
	for i := range unread {
		unread[i] = true
	}
	c.p.Store(&Snapshot{Soil: make([]float64, zones), Unread: unread})
	return c
}

// Store publishes s. The caller must not modify s afterwards.
func (c *Cell) Store(s *Snapshot) {
	c.p.Store(s)
}

// Load returns the latest published snapshot.
func (c *Cell) Load() Snapshot {
	return *c.p.Load()
}
