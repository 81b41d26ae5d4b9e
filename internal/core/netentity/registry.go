package netentity

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zeusync/netreplica/internal/core/nettypes"
)

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrIDInUse        = errors.New("entity id in use")
	ErrTypeTooLong    = errors.New("entity type name too long")
)

type slot struct {
	generation uint32
	entity     *Entity
}

// Registry owns every entity. Ids are slot indices; a slot's generation is
// bumped when its entity is removed, so stale handles stop resolving even
// after the id is reused.
//
// Destroy only marks an entity. Flush, run at the tick boundary, removes
// marked entities, which keeps liveness identical for every resolver within
// one tick.
type Registry struct {
	mu      sync.RWMutex
	slots   []slot
	free    []nettypes.NetEntityId
	pending []Handle
	version uint64

	onCreate  []func(*Entity)
	onDestroy []func(Handle)
}

func NewRegistry() *Registry {
	// slot 0 backs InvalidNetEntityId and is never handed out
	return &Registry{slots: make([]slot, 1, 64)}
}

// OnCreate registers an observer called for every created entity.
func (r *Registry) OnCreate(fn func(*Entity)) {
	r.onCreate = append(r.onCreate, fn)
}

// OnDestroy registers an observer called from Flush for every removed entity.
func (r *Registry) OnDestroy(fn func(Handle)) {
	r.onDestroy = append(r.onDestroy, fn)
}

// Create allocates an id, reusing freed slots first.
func (r *Registry) Create(spec Spec) (Handle, error) {
	if len(spec.Type) > nettypes.MaxTypeNameLength {
		return InvalidHandle, errors.Wrapf(ErrTypeTooLong, "%d bytes", len(spec.Type))
	}
	fields, err := NewFieldSet(spec.Fields...)
	if err != nil {
		return InvalidHandle, err
	}

	r.mu.Lock()
	var id nettypes.NetEntityId
	if n := len(r.free); n > 0 {
		id = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		id = nettypes.NetEntityId(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	e := r.place(id, spec, fields)
	r.mu.Unlock()

	e.SetPosition(spec.Position)
	r.notifyCreate(e)
	return e.handle, nil
}

// CreateWithID places a proxy under an id chosen by the remote authority.
func (r *Registry) CreateWithID(id nettypes.NetEntityId, spec Spec, fields *FieldSet) (Handle, error) {
	if id == nettypes.InvalidNetEntityId {
		return InvalidHandle, errors.Wrap(ErrEntityNotFound, "invalid id")
	}

	r.mu.Lock()
	for nettypes.NetEntityId(len(r.slots)) <= id {
		r.free = append(r.free, nettypes.NetEntityId(len(r.slots)))
		r.slots = append(r.slots, slot{})
	}
	if r.slots[id].entity != nil {
		r.mu.Unlock()
		return InvalidHandle, errors.Wrapf(ErrIDInUse, "%s", id)
	}
	for i, f := range r.free {
		if f == id {
			r.free = append(r.free[:i], r.free[i+1:]...)
			break
		}
	}
	e := r.place(id, spec, fields)
	r.mu.Unlock()

	r.notifyCreate(e)
	return e.handle, nil
}

func (r *Registry) place(id nettypes.NetEntityId, spec Spec, fields *FieldSet) *Entity {
	s := &r.slots[id]
	if s.generation == 0 {
		s.generation = 1
	}
	e := &Entity{
		handle:         Handle{ID: id, Generation: s.generation},
		typeName:       spec.Type,
		fields:         fields,
		authority:      spec.Authority,
		controller:     spec.Controller,
		localRole:      spec.Role,
		alwaysRelevant: spec.AlwaysRelevant,
		priority:       spec.Priority,
	}
	switch {
	case spec.Authority == nettypes.LocalConnectionID:
		e.localRole = nettypes.RoleAuthority
	case e.localRole != nettypes.RoleAutonomous:
		e.localRole = nettypes.RoleSimulated
	}
	s.entity = e
	r.version++
	return e
}

func (r *Registry) notifyCreate(e *Entity) {
	for _, fn := range r.onCreate {
		fn(e)
	}
}

// Destroy marks the entity for removal at the next Flush. It reports whether
// the handle was live.
func (r *Registry) Destroy(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.resolveLocked(h)
	if e == nil || e.removing {
		return false
	}
	e.removing = true
	r.pending = append(r.pending, h)
	r.version++
	return true
}

// Flush removes every entity marked by Destroy and bumps its generation.
func (r *Registry) Flush() []Handle {
	r.mu.Lock()
	removed := r.pending
	r.pending = nil
	for _, h := range removed {
		s := &r.slots[h.ID]
		s.entity = nil
		s.generation++
		if s.generation == 0 {
			s.generation = 1
		}
		r.free = append(r.free, h.ID)
	}
	if len(removed) > 0 {
		r.version++
	}
	r.mu.Unlock()

	for _, h := range removed {
		for _, fn := range r.onDestroy {
			fn(h)
		}
	}
	return removed
}

// Resolve returns the entity behind h, or false if it is gone.
func (r *Registry) Resolve(h Handle) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.resolveLocked(h)
	return e, e != nil
}

func (r *Registry) resolveLocked(h Handle) *Entity {
	if !h.IsValid() || uint64(h.ID) >= uint64(len(r.slots)) {
		return nil
	}
	s := r.slots[h.ID]
	if s.entity == nil || s.generation != h.Generation {
		return nil
	}
	return s.entity
}

// Lookup returns the live entity currently holding id.
func (r *Registry) Lookup(id nettypes.NetEntityId) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == nettypes.InvalidNetEntityId || uint64(id) >= uint64(len(r.slots)) {
		return nil, false
	}
	e := r.slots[id].entity
	return e, e != nil
}

// Range calls fn for every entity in ascending id order until fn returns
// false. Entities marked for removal are included.
func (r *Registry) Range(fn func(*Entity) bool) {
	r.mu.RLock()
	entities := make([]*Entity, 0, len(r.slots))
	for _, s := range r.slots {
		if s.entity != nil {
			entities = append(entities, s.entity)
		}
	}
	r.mu.RUnlock()

	for _, e := range entities {
		if !fn(e) {
			return
		}
	}
}

// SetAuthority moves authority for h. It is the only way authority changes.
// The local role follows: Authority when the holder is this host, Simulated
// when this host gives authority away.
func (r *Registry) SetAuthority(h Handle, holder nettypes.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.resolveLocked(h)
	if e == nil {
		return false
	}
	if e.authority != holder {
		e.authority = holder
		r.version++
	}
	role := e.localRole
	if holder == nettypes.LocalConnectionID {
		role = nettypes.RoleAuthority
	} else if role == nettypes.RoleAuthority {
		role = nettypes.RoleSimulated
	}
	if role != e.localRole {
		e.localRole = role
		r.version++
	}
	return true
}

// SetLocalRole changes this host's role over a remotely held entity. Use
// SetAuthority to take or give away authority.
func (r *Registry) SetLocalRole(h Handle, role nettypes.NetEntityRole) bool {
	if role != nettypes.RoleAutonomous && role != nettypes.RoleSimulated {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.resolveLocked(h)
	if e == nil || e.authority == nettypes.LocalConnectionID {
		return false
	}
	if e.localRole != role {
		e.localRole = role
		r.version++
	}
	return true
}

// SetController assigns the autonomous controller of h; zero clears it.
func (r *Registry) SetController(h Handle, controller nettypes.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.resolveLocked(h)
	if e == nil {
		return false
	}
	if e.controller != controller {
		e.controller = controller
		r.version++
	}
	return true
}

// Len returns the number of live entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.slots {
		if s.entity != nil {
			n++
		}
	}
	return n
}

// Version changes whenever an entity is created, marked, removed or changes
// authority. Windows use it to skip recomputation.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
