package main

import (
	"math"

	"github.com/zeusync/netreplica/internal/core/multiplayer"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// Field layout of the demo entities, after the transform.
const (
	fieldName    = 1
	fieldHeading = 2
)

var demoFields = []netentity.FieldKind{netentity.KindString, netentity.KindFloat64}

type wanderer struct {
	handle netentity.Handle
	radius float64
	speed  float64
	phase  float64
}

// world is a tiny simulation that gives the replication something to do:
// wanderers circle the origin and every client gets an avatar it controls.
// It only runs on the tick goroutine.
type world struct {
	network   *multiplayer.Network
	extent    float64
	wanderers []wanderer
	avatars   map[nettypes.ConnectionID]netentity.Handle
}

func newWorld(network *multiplayer.Network, extent float64) *world {
	if extent <= 0 {
		extent = 100
	}
	w := &world{
		network: network,
		extent:  extent,
		avatars: make(map[nettypes.ConnectionID]netentity.Handle),
	}
	network.OnConnect(w.join)
	network.OnDisconnect(w.leave)
	network.OnTick(w.step)
	return w
}

func (w *world) spawnWanderers(n int) error {
	for i := 0; i < n; i++ {
		h, err := w.network.CreateEntity(netentity.Spec{
			Type:     "wanderer",
			Fields:   demoFields,
			Priority: 1,
		})
		if err != nil {
			return err
		}
		e, _ := w.network.Entity(h)
		_ = e.Fields().SetString(fieldName, "wanderer")
		w.wanderers = append(w.wanderers, wanderer{
			handle: h,
			radius: w.extent * float64(i+1) / float64(n+1) * 2,
			speed:  0.5 + float64(i%5)*0.25,
			phase:  float64(i) * math.Pi / 4,
		})
	}
	return nil
}

func (w *world) join(id nettypes.ConnectionID) {
	h, err := w.network.CreateEntity(netentity.Spec{
		Type:     "avatar",
		Fields:   demoFields,
		Priority: 10,
	})
	if err != nil {
		return
	}
	e, _ := w.network.Entity(h)
	_ = e.Fields().SetString(fieldName, id.String())
	if err := w.network.SetControlledEntity(id, h); err != nil {
		w.network.DestroyEntity(h)
		return
	}
	w.avatars[id] = h
}

func (w *world) leave(id nettypes.ConnectionID, _ string) {
	if h, ok := w.avatars[id]; ok {
		w.network.DestroyEntity(h)
		delete(w.avatars, id)
	}
}

func (w *world) step(tick uint64) {
	t := float64(tick) / float64(w.network.Config().TickRate)
	for _, wd := range w.wanderers {
		e, ok := w.network.Entity(wd.handle)
		if !ok || e.LocalRole() != nettypes.RoleAuthority {
			continue
		}
		angle := wd.phase + t*wd.speed/math.Max(wd.radius, 1)*10
		e.SetPosition(netentity.Vec3{X: math.Cos(angle) * wd.radius, Z: math.Sin(angle) * wd.radius})
		_ = e.Fields().SetFloat(fieldHeading, math.Mod(angle+math.Pi/2, 2*math.Pi))
	}
}
