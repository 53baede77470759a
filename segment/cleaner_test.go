package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-pagelog/common"
)

func TestCleanerOldestFirst(t *testing.T) {
	c := MkCleaner()
	c.Add(200, []common.PageId{5})
	c.Add(100, []common.PageId{3, 4})
	c.Add(300, nil)
	assert.Equal(t, 3, c.Len())

	lsn, pid, ok := c.Pop(0)
	assert.True(t, ok)
	assert.Equal(t, common.Lsn(100), lsn)
	assert.Equal(t, common.PageId(3), pid)

	lsn, pid, ok = c.Pop(4)
	assert.True(t, ok)
	assert.Equal(t, common.Lsn(200), lsn)
	assert.Equal(t, common.PageId(5), pid)

	_, _, ok = c.Pop(4)
	assert.False(t, ok)
	_, pid, ok = c.Pop(0)
	assert.True(t, ok)
	assert.Equal(t, common.PageId(4), pid)
	assert.Equal(t, 0, c.Len())
}

func TestCleanerRequeueIsIdempotent(t *testing.T) {
	c := MkCleaner()
	c.Add(100, []common.PageId{8, 3})
	c.Add(100, []common.PageId{3})
	assert.Equal(t, 2, c.Len())

	lsn, pid, ok := c.Pop(0)
	assert.True(t, ok)
	assert.Equal(t, common.Lsn(100), lsn)
	assert.Equal(t, common.PageId(3), pid)
	// a failed relocation puts the page back
	c.Add(lsn, []common.PageId{pid, 8})
	assert.Equal(t, 2, c.Len())

	_, pid, _ = c.Pop(0)
	assert.Equal(t, common.PageId(3), pid)
	_, pid, _ = c.Pop(0)
	assert.Equal(t, common.PageId(8), pid)
	_, _, ok = c.Pop(0)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
