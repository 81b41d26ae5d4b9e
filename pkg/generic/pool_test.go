package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type buffer struct{ data []byte }

func TestPoolResetAndKeep(t *testing.T) {
	p := NewPool(func() *buffer { return &buffer{data: make([]byte, 0, 8)} }).
		WithReset(func(b *buffer) { b.data = b.data[:0] }).
		WithKeep(func(b *buffer) bool { return cap(b.data) <= 16 })

	b := p.Get()
	b.data = append(b.data, 1, 2, 3)
	p.Put(b)
	assert.Empty(t, b.data, "reset runs on put")
	assert.Zero(t, p.Dropped())

	big := &buffer{data: make([]byte, 0, 32)}
	p.Put(big)
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestPoolWarm(t *testing.T) {
	built := 0
	p := NewPool(func() int { built++; return built }).Warm(3)
	assert.Equal(t, 3, built)
	assert.Zero(t, p.Misses())
	assert.NotZero(t, p.Get())
}
