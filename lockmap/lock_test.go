package lockmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-pagelog/common"
)

func TestAcquireRelease(t *testing.T) {
	lm := MkLockMap()
	lm.Acquire(3)
	assert.True(t, lm.IsLocked(3))
	assert.False(t, lm.IsLocked(3+NSHARD))
	lm.Acquire(3 + NSHARD)
	lm.Release(3)
	assert.False(t, lm.IsLocked(3))
	assert.True(t, lm.IsLocked(3+NSHARD))
	lm.Release(3 + NSHARD)
	assert.Panics(t, func() { lm.Release(3) })
}

func TestMutualExclusion(t *testing.T) {
	lm := MkLockMap()
	counters := make([]int, 4)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 1000; j++ {
				pid := common.PageId(j % len(counters))
				lm.Acquire(pid)
				counters[pid]++
				lm.Release(pid)
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
	for _, c := range counters {
		assert.Equal(t, 2000, c)
	}
}
