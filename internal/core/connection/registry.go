package connection

import (
	"fmt"
	"sync"

	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/transport"
)

// Handle is a weak reference to a connection.
type Handle struct {
	ID         nettypes.ConnectionID
	Generation uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d", h.ID, h.Generation)
}

type connSlot struct {
	generation uint32
	conn       *Conn
}

// Registry owns the live connections. Removing a connection bumps its slot
// generation so replication managers holding the old handle stop resolving
// it at their next tick.
type Registry struct {
	mu     sync.RWMutex
	slots  []connSlot
	free   []nettypes.ConnectionID
	cfg    Config
	logger log.Log
}

func NewRegistry(cfg Config, logger log.Log) *Registry {
	// slot 0 is LocalConnectionID
	return &Registry{
		slots:  make([]connSlot, 1, 16),
		cfg:    cfg,
		logger: logger,
	}
}

// Add wraps link in a new connection in the Connecting state.
func (r *Registry) Add(link transport.Link) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id nettypes.ConnectionID
	if n := len(r.free); n > 0 {
		id = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		id = nettypes.ConnectionID(len(r.slots))
		r.slots = append(r.slots, connSlot{})
	}
	s := &r.slots[id]
	if s.generation == 0 {
		s.generation = 1
	}
	s.conn = newConn(Handle{ID: id, Generation: s.generation}, link, r.cfg, r.logger)
	return s.conn
}

// Remove forgets the connection behind h.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolveLocked(h) == nil {
		return false
	}
	s := &r.slots[h.ID]
	s.conn = nil
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	r.free = append(r.free, h.ID)
	return true
}

func (r *Registry) Resolve(h Handle) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.resolveLocked(h)
	return c, c != nil
}

func (r *Registry) resolveLocked(h Handle) *Conn {
	if h.ID == nettypes.LocalConnectionID || int(h.ID) >= len(r.slots) {
		return nil
	}
	s := r.slots[h.ID]
	if s.conn == nil || s.generation != h.Generation {
		return nil
	}
	return s.conn
}

// Lookup returns the live connection with id.
func (r *Registry) Lookup(id nettypes.ConnectionID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == nettypes.LocalConnectionID || int(id) >= len(r.slots) {
		return nil, false
	}
	c := r.slots[id].conn
	return c, c != nil
}

// All returns live connections in ascending id order.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.slots))
	for _, s := range r.slots {
		if s.conn != nil {
			out = append(out, s.conn)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.slots {
		if s.conn != nil {
			n++
		}
	}
	return n
}
