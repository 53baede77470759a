package pagelog

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/config"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Temporary = true
	cfg.SegmentSize = 1 << 14
	cfg.LogSegments = 16
	cfg.FlushEveryMs = 0
	cfg.HeapBytesPerSlab = 1 << 20
	cfg.EpochSlots = 16
	return cfg
}

func mustOpen(t *testing.T, cfg config.Config) *Log {
	l, err := Open(cfg)
	require.NoError(t, err)
	return l
}

func value(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func assertPage(t *testing.T, l *Log, pid common.PageId, want ...[]byte) {
	t.Helper()
	got, err := l.Read(pid)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAllocateLinkRead(t *testing.T) {
	l := mustOpen(t, testConfig())
	pid, ci, err := l.AllocatePage([]byte("base"))
	require.NoError(t, err)
	assert.Equal(t, common.COUNTER_PID+1, pid)
	assert.True(t, ci.Ptr.IsInline())

	_, err = l.Link(pid, []byte("d1"))
	require.NoError(t, err)
	_, err = l.Link(pid, []byte("d2"))
	require.NoError(t, err)
	assertPage(t, l, pid, []byte("base"), []byte("d1"), []byte("d2"))

	_, err = l.Replace(pid, []byte("new"))
	require.NoError(t, err)
	assertPage(t, l, pid, []byte("new"))
	assert.NoError(t, l.Shutdown())
}

func TestMissingPage(t *testing.T) {
	l := mustOpen(t, testConfig())
	_, err := l.Read(77)
	assert.True(t, errors.Is(common.CollectionNotFound, err))
	_, err = l.Link(77, []byte("x"))
	assert.True(t, errors.Is(common.CollectionNotFound, err))
	_, err = l.Replace(77, []byte("x"))
	assert.True(t, errors.Is(common.CollectionNotFound, err))
	assert.True(t, errors.Is(common.CollectionNotFound, l.Free(77)))
	assert.True(t, errors.Is(common.Unsupported, l.Free(common.META_PID)))
	assert.NoError(t, l.Shutdown())
}

func TestFreeReusesPid(t *testing.T) {
	l := mustOpen(t, testConfig())
	pid, _, err := l.AllocatePage([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, l.Free(pid))
	_, err = l.Read(pid)
	assert.True(t, errors.Is(common.CollectionNotFound, err))
	assert.True(t, l.Snapshot()[pid].Free)

	pid2, _, err := l.AllocatePage([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, pid, pid2)
	assertPage(t, l, pid, []byte("b"))
	assert.NoError(t, l.Shutdown())
}

func TestBlobPages(t *testing.T) {
	cfg := testConfig()
	l := mustOpen(t, cfg)
	big := value(int(cfg.MaxInline())+100, 3)
	pid, ci, err := l.AllocatePage(big)
	require.NoError(t, err)
	assert.False(t, ci.Ptr.IsInline())
	id, _ := ci.Ptr.HeapId()
	assert.True(t, l.rc.Heap.Live(id))
	assertPage(t, l, pid, big)

	_, err = l.Link(pid, []byte("small"))
	require.NoError(t, err)
	assertPage(t, l, pid, big, []byte("small"))

	_, err = l.Replace(pid, []byte("tiny"))
	require.NoError(t, err)
	assertPage(t, l, pid, []byte("tiny"))
	assert.NoError(t, l.Shutdown())
}

func TestSpaceIsReclaimed(t *testing.T) {
	cfg := testConfig()
	cfg.LogSegments = 4
	l := mustOpen(t, cfg)
	var pids []common.PageId
	for i := 0; i < 4; i++ {
		pid, _, err := l.AllocatePage(value(100, byte(i)))
		require.NoError(t, err)
		pids = append(pids, pid)
	}
	// about 40 segments worth of writes into a 4 segment log
	for round := 0; round < 160; round++ {
		for i, pid := range pids {
			_, err := l.Replace(pid, value(1000, byte(round+i)))
			require.NoError(t, err, "round %d", round)
		}
		if round%5 == 0 {
			require.NoError(t, l.Flush())
		}
	}
	for i, pid := range pids {
		assertPage(t, l, pid, value(1000, byte(159+i)))
	}
	assert.NoError(t, l.Shutdown())
}

func TestCleaningRelocatesLivePages(t *testing.T) {
	cfg := testConfig()
	cfg.LogSegments = 6
	l := mustOpen(t, cfg)
	// a page that is never rewritten by the caller
	cold, _, err := l.AllocatePage([]byte("cold"))
	require.NoError(t, err)
	_, err = l.Link(cold, []byte("delta"))
	require.NoError(t, err)
	hot, _, err := l.AllocatePage(value(10, 0))
	require.NoError(t, err)
	for round := 0; round < 120; round++ {
		_, err := l.Replace(hot, value(2000, byte(round)))
		require.NoError(t, err, "round %d", round)
		if round%4 == 0 {
			require.NoError(t, l.Flush())
		}
	}
	for {
		ok, err := l.Clean()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	assertPage(t, l, cold, []byte("cold"), []byte("delta"))
	assertPage(t, l, hot, value(2000, 119))
	assert.NoError(t, l.Shutdown())
}

func TestConcurrentWriters(t *testing.T) {
	l := mustOpen(t, testConfig())
	var g errgroup.Group
	final := make([][]byte, 4)
	pids := make([]common.PageId, 4)
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			pid, _, err := l.AllocatePage([]byte(fmt.Sprintf("w%d", w)))
			if err != nil {
				return err
			}
			pids[w] = pid
			for i := 0; i < 100; i++ {
				v := []byte(fmt.Sprintf("w%d-%d", w, i))
				if i%10 == 0 {
					_, err = l.Replace(pid, v)
				} else {
					_, err = l.Link(pid, v)
				}
				if err != nil {
					return err
				}
				if _, err := l.Read(pid); err != nil {
					return err
				}
				final[w] = v
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for w, pid := range pids {
		frags, err := l.Read(pid)
		require.NoError(t, err)
		assert.Len(t, frags, 10)
		assert.True(t, bytes.Equal(final[w], frags[len(frags)-1]))
	}
	assert.NoError(t, l.Shutdown())
}

func TestReopen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pagelog")
	defer cleanup()
	cfg := testConfig()
	cfg.Temporary = false
	cfg.Path = dir
	big := value(int(cfg.MaxInline())*2, 9)

	l := mustOpen(t, cfg)
	a, _, err := l.AllocatePage([]byte("a"))
	require.NoError(t, err)
	_, err = l.Link(a, []byte("a1"))
	require.NoError(t, err)
	b, _, err := l.AllocatePage(big)
	require.NoError(t, err)
	c, _, err := l.AllocatePage([]byte("c"))
	require.NoError(t, err)
	require.NoError(t, l.Free(c))
	require.NoError(t, l.Shutdown())

	l = mustOpen(t, cfg)
	assertPage(t, l, a, []byte("a"), []byte("a1"))
	assertPage(t, l, b, big)
	_, err = l.Read(c)
	assert.True(t, errors.Is(common.CollectionNotFound, err))

	// freed ids survive a restart, fresh ones do not collide
	pid, _, err := l.AllocatePage([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, c, pid)
	pid, _, err = l.AllocatePage([]byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, c+1, pid)
	require.NoError(t, l.Shutdown())

	cfg.CreateNew = true
	_, err = Open(cfg)
	assert.True(t, errors.Is(errors.Exists, err))
}

func fileConfig(dir string, nsegs uint64) config.Config {
	cfg := testConfig()
	cfg.Temporary = false
	cfg.Path = dir
	cfg.LogSegments = nsegs
	return cfg
}

func TestReopenAfterChurn(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pagelog")
	defer cleanup()
	cfg := fileConfig(dir, 4)

	l := mustOpen(t, cfg)
	pid, _, err := l.AllocatePage([]byte("first"))
	require.NoError(t, err)
	for round := 0; round < 3; round++ {
		// many times the capacity of the log
		for i := 0; i < 300; i++ {
			_, err := l.Replace(pid, value(2000, byte(round+i)))
			require.NoError(t, err, "round %d write %d", round, i)
		}
		require.Greater(t, uint64(l.StableLsn()), cfg.LogSegments*cfg.SegmentSize)
		require.NoError(t, l.Shutdown())

		l = mustOpen(t, cfg)
		assertPage(t, l, pid, value(2000, byte(round+299)))
	}
	require.NoError(t, l.Shutdown())
}

// pageModel is what a correct store holds after a sequence of operations.
type pageModel map[common.PageId][][]byte

func checkModel(t *testing.T, l *Log, model pageModel, freed map[common.PageId]bool) {
	t.Helper()
	for pid, want := range model {
		got, err := l.Read(pid)
		require.NoError(t, err, "pid %d", pid)
		require.Equal(t, want, got, "pid %d", pid)
	}
	for pid := range freed {
		_, err := l.Read(pid)
		assert.True(t, errors.Is(common.CollectionNotFound, err), "pid %d", pid)
	}
}

func TestReopenMatchesModel(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pagelog")
	defer cleanup()
	cfg := fileConfig(dir, 16)
	rnd := rand.New(rand.NewSource(7))
	model := make(pageModel)
	freed := make(map[common.PageId]bool)
	payload := func() []byte {
		n := 1 + rnd.Intn(1500)
		if rnd.Intn(25) == 0 {
			n = int(cfg.MaxInline()) + rnd.Intn(4096)
		}
		return value(n, byte(rnd.Intn(256)))
	}
	pids := func() []common.PageId {
		var ps []common.PageId
		for pid := range model {
			ps = append(ps, pid)
		}
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
		return ps
	}

	l := mustOpen(t, cfg)
	for round := 0; round < 8; round++ {
		for i := 0; i < 150; i++ {
			live := pids()
			op := rnd.Intn(10)
			switch {
			case len(live) < 6 || (op == 0 && len(live) < 8):
				data := payload()
				pid, _, err := l.AllocatePage(data)
				require.NoError(t, err)
				model[pid] = [][]byte{data}
				delete(freed, pid)
			case op == 1:
				pid := live[rnd.Intn(len(live))]
				require.NoError(t, l.Free(pid))
				delete(model, pid)
				freed[pid] = true
			case op < 4 && len(model[live[0]]) < 3:
				pid := live[0]
				delta := value(1+rnd.Intn(200), byte(i))
				_, err := l.Link(pid, delta)
				require.NoError(t, err)
				model[pid] = append(model[pid], delta)
			default:
				pid := live[rnd.Intn(len(live))]
				data := payload()
				_, err := l.Replace(pid, data)
				require.NoError(t, err)
				model[pid] = [][]byte{data}
			}
			if rnd.Intn(7) == 0 {
				require.NoError(t, l.Flush())
			}
		}
		checkModel(t, l, model, freed)
		require.NoError(t, l.Shutdown())

		l = mustOpen(t, cfg)
		checkModel(t, l, model, freed)
	}
	// the log wrapped around its segments
	assert.Greater(t, uint64(l.StableLsn()), cfg.LogSegments*cfg.SegmentSize)
	require.NoError(t, l.Shutdown())
}

func TestCleaningRelocatesBlobs(t *testing.T) {
	cfg := testConfig()
	cfg.LogSegments = 6
	l := mustOpen(t, cfg)
	big := value(int(cfg.MaxInline())+10, 5)
	cold, ci, err := l.AllocatePage(big)
	require.NoError(t, err)
	id, _ := ci.Ptr.HeapId()
	hot, _, err := l.AllocatePage([]byte("hot"))
	require.NoError(t, err)
	for round := 0; round < 120; round++ {
		_, err := l.Replace(hot, value(2000, byte(round)))
		require.NoError(t, err, "round %d", round)
	}
	require.NoError(t, l.Flush())
	assertPage(t, l, cold, big)
	st := l.Snapshot()[cold]
	require.Len(t, st.Frags, 1)
	moved, ok := st.Frags[0].Ptr.HeapId()
	require.True(t, ok)
	assert.Equal(t, id, moved, "relocation keeps the blob and rewrites only its stub")
	assert.NotEqual(t, ci.Lsn, st.Frags[0].Lsn)
	assert.True(t, l.rc.Heap.Live(id))
	require.NoError(t, l.Shutdown())
}
