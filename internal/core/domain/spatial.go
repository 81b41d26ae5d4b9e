package domain

import (
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// Config tunes spatial interest.
type Config struct {
	// Radius is the distance at which entities enter the domain.
	Radius float64 `yaml:"radius"`
	// Hysteresis widens the exit radius by this fraction so entities on the
	// border do not flap in and out every tick.
	Hysteresis float64 `yaml:"hysteresis"`
}

func DefaultConfig() Config {
	return Config{
		Radius:     100,
		Hysteresis: 0.1,
	}
}

// InterestFunc returns the center of a connection's area of interest, or
// false while it has none.
type InterestFunc func() (netentity.Vec3, bool)

// SpatialDomain admits entities near the connection's interest center,
// entities flagged always relevant, and entities the connection owns or
// controls.
type SpatialDomain struct {
	tracker
	registry *netentity.Registry
	owner    nettypes.ConnectionID
	center   InterestFunc
	enter    float64
	exit     float64
}

var _ EntityDomain = (*SpatialDomain)(nil)

func NewSpatialDomain(registry *netentity.Registry, owner nettypes.ConnectionID, center InterestFunc, cfg Config) *SpatialDomain {
	d := &SpatialDomain{
		registry: registry,
		owner:    owner,
		center:   center,
		enter:    cfg.Radius,
		exit:     cfg.Radius * (1 + cfg.Hysteresis),
	}
	d.tracker = newTracker(d.member)
	return d
}

func (d *SpatialDomain) member(h netentity.Handle, tracked bool) bool {
	e, ok := d.registry.Resolve(h)
	if !ok || e.MarkedForRemoval() {
		return false
	}
	if e.AlwaysRelevant() {
		return true
	}
	if d.owner != nettypes.LocalConnectionID && (e.Authority() == d.owner || e.Controller() == d.owner) {
		return true
	}

	c, ok := d.center()
	if !ok {
		return false
	}
	r := d.enter
	if tracked {
		r = d.exit
	}
	return e.Position().Sub(c).LengthSquared() <= r*r
}
