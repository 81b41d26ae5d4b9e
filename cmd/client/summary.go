package main

import (
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
)

type summary struct {
	entities   int
	simulated  int
	autonomous int
	authority  int
	controlled netentity.Vec3
	hasControl bool
}

// summarize counts the live proxies by local role.
func summarize(registry *netentity.Registry) summary {
	var s summary
	registry.Range(func(e *netentity.Entity) bool {
		if e.MarkedForRemoval() {
			return true
		}
		s.entities++
		switch e.LocalRole() {
		case nettypes.RoleSimulated:
			s.simulated++
		case nettypes.RoleAutonomous:
			s.autonomous++
			if !s.hasControl {
				s.controlled, s.hasControl = e.Position(), true
			}
		case nettypes.RoleAuthority:
			s.authority++
		}
		return true
	})
	return s
}

func report(logger log.Log, s summary, tick uint64) {
	fields := []log.Field{
		log.Uint64("tick", tick),
		log.Int("entities", s.entities),
		log.Int("simulated", s.simulated),
		log.Int("autonomous", s.autonomous),
		log.Int("authority", s.authority),
	}
	if s.hasControl {
		fields = append(fields,
			log.Float64("avatar_x", s.controlled.X),
			log.Float64("avatar_z", s.controlled.Z))
	}
	logger.Info("Replicated world", fields...)
}
