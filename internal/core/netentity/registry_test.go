package netentity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netreplica/internal/core/nettypes"
)

func TestRegistryCreateResolve(t *testing.T) {
	r := NewRegistry()
	h, err := r.Create(Spec{Type: "crate", Position: Vec3{X: 1}, Priority: 2})
	require.NoError(t, err)
	assert.True(t, h.IsValid())

	e, ok := r.Resolve(h)
	require.True(t, ok)
	assert.Equal(t, "crate", e.Type())
	assert.Equal(t, Vec3{X: 1}, e.Position())
	assert.Equal(t, nettypes.LocalConnectionID, e.Authority())
	assert.Equal(t, 1, r.Len())
}

func TestDestroyIsDeferredUntilFlush(t *testing.T) {
	r := NewRegistry()
	h, err := r.Create(Spec{})
	require.NoError(t, err)

	require.True(t, r.Destroy(h))
	assert.False(t, r.Destroy(h), "second destroy is a no-op")

	e, ok := r.Resolve(h)
	require.True(t, ok, "entity stays resolvable until the tick boundary")
	assert.True(t, e.MarkedForRemoval())

	removed := r.Flush()
	assert.Equal(t, []Handle{h}, removed)

	_, ok = r.Resolve(h)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestGenerationSafetyAfterReuse(t *testing.T) {
	r := NewRegistry()
	old, err := r.Create(Spec{Type: "old"})
	require.NoError(t, err)

	r.Destroy(old)
	r.Flush()

	reused, err := r.Create(Spec{Type: "new"})
	require.NoError(t, err)
	require.Equal(t, old.ID, reused.ID, "freed id is reused")
	assert.NotEqual(t, old.Generation, reused.Generation)

	_, ok := r.Resolve(old)
	assert.False(t, ok, "stale handle must not resolve to the new entity")

	e, ok := r.Resolve(reused)
	require.True(t, ok)
	assert.Equal(t, "new", e.Type())
}

func TestCreateWithID(t *testing.T) {
	r := NewRegistry()
	fields, err := NewFieldSet(KindInt64)
	require.NoError(t, err)

	h, err := r.CreateWithID(5, Spec{Type: "proxy"}, fields)
	require.NoError(t, err)
	assert.Equal(t, nettypes.NetEntityId(5), h.ID)

	_, err = r.CreateWithID(5, Spec{}, fields)
	assert.ErrorIs(t, err, ErrIDInUse)

	// lower slots remain available to Create
	other, err := r.Create(Spec{})
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, other.ID)
}

func TestObserversAndVersion(t *testing.T) {
	r := NewRegistry()
	var created []nettypes.NetEntityId
	var destroyed []Handle
	r.OnCreate(func(e *Entity) { created = append(created, e.ID()) })
	r.OnDestroy(func(h Handle) { destroyed = append(destroyed, h) })

	v0 := r.Version()
	h, _ := r.Create(Spec{})
	assert.Greater(t, r.Version(), v0)

	v1 := r.Version()
	require.True(t, r.SetAuthority(h, 3))
	assert.Greater(t, r.Version(), v1)

	r.Destroy(h)
	r.Flush()
	assert.Equal(t, []nettypes.NetEntityId{h.ID}, created)
	assert.Equal(t, []Handle{h}, destroyed)
	assert.False(t, r.SetAuthority(h, 1))
}

func TestRangeOrder(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 4; i++ {
		_, err := r.Create(Spec{})
		require.NoError(t, err)
	}
	var ids []nettypes.NetEntityId
	r.Range(func(e *Entity) bool {
		ids = append(ids, e.ID())
		return true
	})
	assert.Equal(t, []nettypes.NetEntityId{1, 2, 3, 4}, ids)
}

func TestAcceptSequence(t *testing.T) {
	e := &Entity{}
	assert.True(t, e.AcceptSequence(10))
	assert.False(t, e.AcceptSequence(10))
	assert.False(t, e.AcceptSequence(9))
	assert.True(t, e.AcceptSequence(11))
	assert.True(t, e.AcceptSequence(11+1<<31-1))

	e.ResetSequence()
	assert.True(t, e.AcceptSequence(3))
}

func TestAuthorityDrivesLocalRole(t *testing.T) {
	r := NewRegistry()
	h, err := r.Create(Spec{})
	require.NoError(t, err)
	e, _ := r.Resolve(h)
	assert.Equal(t, nettypes.RoleAuthority, e.LocalRole())

	v := r.Version()
	require.True(t, r.SetAuthority(h, 3))
	assert.Equal(t, nettypes.ConnectionID(3), e.Authority())
	assert.Equal(t, nettypes.RoleSimulated, e.LocalRole())
	assert.Greater(t, r.Version(), v)

	require.True(t, r.SetLocalRole(h, nettypes.RoleAutonomous))
	assert.Equal(t, nettypes.RoleAutonomous, e.LocalRole())
	assert.False(t, r.SetLocalRole(h, nettypes.RoleAuthority))

	require.True(t, r.SetAuthority(h, nettypes.LocalConnectionID))
	assert.Equal(t, nettypes.RoleAuthority, e.LocalRole())
	assert.False(t, r.SetLocalRole(h, nettypes.RoleSimulated), "local authority changes only through SetAuthority")
}

func TestProxyRoleFromSpec(t *testing.T) {
	r := NewRegistry()
	fields, err := NewFieldSet()
	require.NoError(t, err)
	h, err := r.CreateWithID(4, Spec{Authority: 1, Role: nettypes.RoleAutonomous}, fields)
	require.NoError(t, err)
	e, _ := r.Resolve(h)
	assert.Equal(t, nettypes.RoleAutonomous, e.LocalRole())

	fields2, _ := NewFieldSet()
	h2, err := r.CreateWithID(5, Spec{Authority: 1, Role: nettypes.RoleAuthority}, fields2)
	require.NoError(t, err)
	e2, _ := r.Resolve(h2)
	assert.Equal(t, nettypes.RoleSimulated, e2.LocalRole(), "a remote holder rules out local authority")
}

func TestCreateRejectsLongTypeName(t *testing.T) {
	r := NewRegistry()
	long := make([]byte, nettypes.MaxTypeNameLength+1)
	_, err := r.Create(Spec{Type: string(long)})
	assert.ErrorIs(t, err, ErrTypeTooLong)
	assert.Zero(t, r.Len())
}
