package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-pagelog/heap"
)

func TestDiskPtr(t *testing.T) {
	assert := assert.New(t)
	p := Inline(8192 + 20)
	assert.True(p.IsInline())
	assert.Equal(uint64(8212), p.Lid())
	assert.Equal(uint64(8212), p.LogOffset())
	_, ok := p.HeapId()
	assert.False(ok)

	id := heap.Compose(1, 4, 77)
	hp := Heap(300, id)
	assert.False(hp.IsInline())
	assert.Equal(id.Location, hp.Lid())
	assert.Equal(uint64(300), hp.LogOffset())
	got, ok := hp.HeapId()
	assert.True(ok)
	assert.Equal(id, got)
	assert.Contains(hp.String(), "heap[1:4]@77")
}
