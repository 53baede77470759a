package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlloc(t *testing.T) {
	assert := assert.New(t)
	max := uint64(32)
	a := MkMaxAlloc(max)

	assert.Equal(max-1, a.NumFree(), "everything (but 0) should be initially free")

	n := a.AllocNum()
	assert.NotEqual(uint64(0), n, "should not allocate 0")

	a.MarkUsed(n + 1)
	n2 := a.AllocNum()
	assert.NotEqual(n+1, n2, "should not allocate something marked used")

	assert.Equal(max-4, a.NumFree(), "should have used 4 items")

	assert.True(a.FreeNum(n))
	assert.True(a.FreeNum(n2))
	assert.Equal(max-2, a.NumFree(), "should have freed")
}

func TestAllocExhaust(t *testing.T) {
	assert := assert.New(t)
	a := MkMaxAlloc(8)
	seen := make(map[uint64]bool)
	for i := 0; i < 7; i++ {
		n := a.AllocNum()
		assert.NotEqual(uint64(0), n)
		assert.False(seen[n], "allocated %d twice", n)
		seen[n] = true
	}
	assert.Equal(uint64(0), a.AllocNum(), "full allocator returns 0")
	assert.Equal(uint64(0), a.NumFree())

	assert.True(a.FreeNum(5))
	assert.Equal(uint64(5), a.AllocNum())
}

func TestFreeIdempotent(t *testing.T) {
	a := MkMaxAlloc(4)
	n := a.AllocNum()
	assert.True(t, a.FreeNum(n))
	assert.False(t, a.FreeNum(n), "second free is a no-op")
	assert.Equal(t, uint64(3), a.NumFree())
	assert.Panics(t, func() { a.FreeNum(0) })
}
