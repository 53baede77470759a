// Package lockmap serializes operations on a page.
//
// A LockMap behaves as if it held one lock for every possible PageId, but
// only pages that are locked or waited on have any state. Pages are spread
// over NSHARD shards, each with its own mutex, so unrelated pages rarely
// contend.
package lockmap

import (
	"sync"

	"github.com/grailbio/base/must"

	"github.com/mit-pdos/go-pagelog/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.PageId]*lockState
}

func mkLockShard() *lockShard {
	return &lockShard{
		mu:    new(sync.Mutex),
		state: make(map[common.PageId]*lockState),
	}
}

func (shard *lockShard) acquire(pid common.PageId) {
	shard.mu.Lock()
	state, ok := shard.state[pid]
	if !ok {
		state = &lockState{cond: sync.NewCond(shard.mu)}
		shard.state[pid] = state
	}
	for state.held {
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	state.held = true
	shard.mu.Unlock()
}

func (shard *lockShard) release(pid common.PageId) {
	shard.mu.Lock()
	state, ok := shard.state[pid]
	must.Truef(ok && state.held, "release of unlocked page %d", pid)
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(shard.state, pid)
	}
	shard.mu.Unlock()
}

func (shard *lockShard) isLocked(pid common.PageId) bool {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	state, ok := shard.state[pid]
	return ok && state.held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, NSHARD)
	for i := range shards {
		shards[i] = mkLockShard()
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) shard(pid common.PageId) *lockShard {
	return lmap.shards[pid%NSHARD]
}

func (lmap *LockMap) Acquire(pid common.PageId) {
	lmap.shard(pid).acquire(pid)
}

func (lmap *LockMap) Release(pid common.PageId) {
	lmap.shard(pid).release(pid)
}

// IsLocked is only meaningful to the holder of the lock, or in tests;
// anyone else may get a stale answer.
func (lmap *LockMap) IsLocked(pid common.PageId) bool {
	return lmap.shard(pid).isLocked(pid)
}
