// Package pagetable maps each page to the fragments that make up its
// current contents.
package pagetable

import (
	"sort"
	"sync"

	"github.com/mit-pdos/go-pagelog/addr"
	"github.com/mit-pdos/go-pagelog/common"
)

// PageState is the on-disk representation of a page: its fragments, base
// first. A freed page keeps the fragment of its free record.
type PageState struct {
	Free  bool
	Frags []addr.CacheInfo
}

func (st PageState) clone() PageState {
	frags := make([]addr.CacheInfo, len(st.Frags))
	copy(frags, st.Frags)
	return PageState{Free: st.Free, Frags: frags}
}

// Update is one entry of a MultiSet.
type Update struct {
	Pid   common.PageId
	State PageState
}

type mapShard struct {
	mu    *sync.RWMutex
	state map[common.PageId]PageState
}

type PageTable struct {
	shards []*mapShard
}

const NSHARD uint64 = 257

func mkMapShard() *mapShard {
	return &mapShard{
		mu:    new(sync.RWMutex),
		state: make(map[common.PageId]PageState),
	}
}

func MkPageTable() *PageTable {
	shards := make([]*mapShard, NSHARD)
	for i := range shards {
		shards[i] = mkMapShard()
	}
	return &PageTable{shards: shards}
}

func (pt *PageTable) shardNo(pid common.PageId) uint64 {
	return pid % NSHARD
}

func (pt *PageTable) shard(pid common.PageId) *mapShard {
	return pt.shards[pt.shardNo(pid)]
}

// Get returns a copy of the state of pid.
func (pt *PageTable) Get(pid common.PageId) (PageState, bool) {
	shard := pt.shard(pid)
	shard.mu.RLock()
	st, ok := shard.state[pid]
	shard.mu.RUnlock()
	if !ok {
		return PageState{}, false
	}
	return st.clone(), true
}

func (pt *PageTable) Set(pid common.PageId, st PageState) {
	shard := pt.shard(pid)
	st = st.clone()
	shard.mu.Lock()
	shard.state[pid] = st
	shard.mu.Unlock()
}

func (pt *PageTable) Delete(pid common.PageId) {
	shard := pt.shard(pid)
	shard.mu.Lock()
	delete(shard.state, pid)
	shard.mu.Unlock()
}

// MultiSet installs every update while holding all affected shards, so
// readers see either none or all of them.
func (pt *PageTable) MultiSet(ups []Update) {
	if len(ups) == 0 {
		return
	}
	shardnos := make([]uint64, 0, len(ups))
	for _, up := range ups {
		shardnos = append(shardnos, pt.shardNo(up.Pid))
	}
	sort.Slice(shardnos, func(i, j int) bool { return shardnos[i] < shardnos[j] })
	uniq := shardnos[:1]
	for _, no := range shardnos[1:] {
		if no != uniq[len(uniq)-1] {
			uniq = append(uniq, no)
		}
	}

	for _, no := range uniq {
		pt.shards[no].mu.Lock()
	}
	for _, up := range ups {
		pt.shard(up.Pid).state[up.Pid] = up.State.clone()
	}
	for _, no := range uniq {
		pt.shards[no].mu.Unlock()
	}
}

// Range calls fn on a copy of every entry, one shard at a time, until fn
// returns false.
func (pt *PageTable) Range(fn func(pid common.PageId, st PageState) bool) {
	for _, shard := range pt.shards {
		shard.mu.RLock()
		ups := make([]Update, 0, len(shard.state))
		for pid, st := range shard.state {
			ups = append(ups, Update{Pid: pid, State: st.clone()})
		}
		shard.mu.RUnlock()
		for _, up := range ups {
			if !fn(up.Pid, up.State) {
				return
			}
		}
	}
}

func (pt *PageTable) Len() int {
	n := 0
	for _, shard := range pt.shards {
		shard.mu.RLock()
		n += len(shard.state)
		shard.mu.RUnlock()
	}
	return n
}
