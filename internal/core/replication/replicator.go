package replication

import (
	"math"
	"math/bits"

	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// replicator is the per connection state of one replicated entity.
type replicator struct {
	handle   netentity.Handle
	role     nettypes.NetEntityRole
	priority float64
	// boost accumulates while the entity is dirty but deferred.
	boost float64

	pendingCreate bool
	established   bool

	// sent and acked are field versions per field index.
	sent  []uint32
	acked []uint32
}

func (r *replicator) effectivePriority() float64 {
	return r.priority + r.boost
}

// reprioritize takes the window's base priority. While the entity waits to
// be sent its effective priority never drops.
func (r *replicator) reprioritize(p float64) {
	if r.boost > 0 {
		if prev := r.effectivePriority(); p+r.boost < prev {
			r.boost = prev - p
		}
	}
	r.priority = p
}

// sendsDeltas reports whether deltas flow to the peer. A peer holding
// authority is the source of truth and gets none.
func (r *replicator) sendsDeltas() bool {
	return r.established && r.role != nettypes.RoleAuthority
}

// sync marks everything as delivered, e.g. after a full snapshot.
func (r *replicator) sync(fields *netentity.FieldSet) {
	r.sent = fields.Versions(r.sent)
	r.acked = fields.Versions(r.acked)
}

// unsent is a field version no field ever reaches.
const unsent = math.MaxUint32

// invalidate marks all n fields as never sent.
func (r *replicator) invalidate(n int) {
	r.sent = r.sent[:0]
	r.acked = r.acked[:0]
	for i := 0; i < n; i++ {
		r.sent = append(r.sent, unsent)
		r.acked = append(r.acked, unsent)
	}
}

type recordEntry struct {
	handle   netentity.Handle
	mask     uint64
	versions []uint32
}

// sendRecord remembers what one sequenced update packet carried.
type sendRecord struct {
	tick    uint64
	entries []recordEntry
}

func (r *replicator) ack(e recordEntry) {
	for m := e.mask; m != 0; m &= m - 1 {
		i := bits.TrailingZeros64(m)
		if i < len(r.acked) && (r.acked[i] == unsent || e.versions[i] > r.acked[i]) {
			r.acked[i] = e.versions[i]
		}
	}
}

// expire rolls fields whose newest send was e back to the last acked
// version, so they are dirty again and re-derived from current state.
func (r *replicator) expire(e recordEntry) bool {
	rolled := false
	for m := e.mask; m != 0; m &= m - 1 {
		i := bits.TrailingZeros64(m)
		if i >= len(r.sent) {
			continue
		}
		if r.sent[i] == e.versions[i] && r.acked[i] != e.versions[i] {
			r.sent[i] = r.acked[i]
			rolled = true
		}
	}
	return rolled
}
