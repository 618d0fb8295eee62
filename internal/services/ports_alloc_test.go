package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccmux/ccmux/internal/apperr"
)

func TestPortAllocatorLowestFree(t *testing.T) {
	alloc := NewPortAllocator(7681, 7684)

	p1, err := alloc.Acquire("s1")
	require.NoError(t, err)
	assert.Equal(t, 7681, p1)

	p2, err := alloc.Acquire("s2")
	require.NoError(t, err)
	assert.Equal(t, 7682, p2)
}

func TestPortAllocatorWrapAround(t *testing.T) {
	alloc := NewPortAllocator(7681, 7683)

	for _, sid := range []string{"s1", "s2", "s3"} {
		_, err := alloc.Acquire(sid)
		require.NoError(t, err)
	}

	// Free the first port; the cursor has wrapped, so the next acquire
	// must still find it.
	alloc.Release(7681)
	p, err := alloc.Acquire("s4")
	require.NoError(t, err)
	assert.Equal(t, 7681, p)
}

func TestPortAllocatorExhaustion(t *testing.T) {
	alloc := NewPortAllocator(7681, 7681)

	_, err := alloc.Acquire("s1")
	require.NoError(t, err)

	_, err = alloc.Acquire("s2")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NoFreePort))

	// State unchanged: the original lease still stands.
	owner, ok := alloc.Owner(7681)
	assert.True(t, ok)
	assert.Equal(t, "s1", owner)
}

func TestPortAllocatorSeed(t *testing.T) {
	alloc := NewPortAllocator(7681, 7690)

	require.NoError(t, alloc.Seed(7685, "s1"))

	// Seeding the same lease twice is idempotent.
	require.NoError(t, alloc.Seed(7685, "s1"))

	// Seeding for a different owner conflicts.
	err := alloc.Seed(7685, "s2")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	// A seeded port is skipped by Acquire.
	seen := make(map[int]bool)
	for i := 0; i < 9; i++ {
		p, err := alloc.Acquire("x")
		require.NoError(t, err)
		seen[p] = true
	}
	assert.False(t, seen[7685])

	require.Error(t, alloc.Seed(9999, "s3"))
}

func TestPortAllocatorReleaseUnknown(t *testing.T) {
	alloc := NewPortAllocator(7681, 7682)
	alloc.Release(7681) // no-op
	assert.Equal(t, 0, alloc.InUse())
}
