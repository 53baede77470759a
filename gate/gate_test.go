package gate

import (
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func TestFastPathBeforeWrite(t *testing.T) {
	g := New()
	for i := 0; i < 10; i++ {
		g.Read().Release()
	}
	assert.Equal(t, Stats{FastReads: 10}, g.Stats())
	assert.False(t, g.Upgraded())
}

func TestWriteWaitsForReaders(t *testing.T) {
	assert := assert.New(t)
	g := New()
	const n = 16
	guards := make([]Guard, n)
	for i := range guards {
		guards[i] = g.Read()
	}

	var done int32
	finished := make(chan struct{})
	go func() {
		w := g.Write()
		atomic.StoreInt32(&done, 1)
		assert.True(w.IsExclusive())
		w.Release()
		close(finished)
	}()

	time.Sleep(10 * time.Millisecond)
	r := rand.New(rand.NewSource(3))
	r.Shuffle(n, func(i, j int) { guards[i], guards[j] = guards[j], guards[i] })
	for _, gd := range guards[:n-1] {
		gd.Release()
		assert.Equal(int32(0), atomic.LoadInt32(&done), "write completed with readers outstanding")
	}
	guards[n-1].Release()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("write never completed")
	}
	assert.True(g.Upgraded())

	before := g.Stats()
	for i := 0; i < 5; i++ {
		gd := g.Read()
		assert.False(gd.IsExclusive())
		gd.Release()
	}
	after := g.Stats()
	assert.Equal(before.FastReads, after.FastReads, "no fast reads after upgrade")
	assert.Equal(before.LockedReads+5, after.LockedReads)
	assert.Equal(uint64(1), after.Writes)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	g := New()
	var counter int64
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		eg.Go(func() error {
			for j := 0; j < 200; j++ {
				if i == 0 && j%50 == 0 {
					w := g.Write()
					counter++
					w.Release()
					continue
				}
				r := g.Read()
				_ = atomic.LoadInt64(&counter)
				r.Release()
			}
			return nil
		})
	}
	assert.NoError(t, eg.Wait())
	assert.Equal(t, int64(4), counter)
	st := g.Stats()
	assert.Equal(t, uint64(4), st.Writes)
	assert.Equal(t, uint64(7*200+4*49), st.FastReads+st.LockedReads)
}
