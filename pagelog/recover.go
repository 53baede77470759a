package pagelog

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mit-pdos/go-pagelog/addr"
	"github.com/mit-pdos/go-pagelog/common"
	"github.com/mit-pdos/go-pagelog/config"
	"github.com/mit-pdos/go-pagelog/heap"
	"github.com/mit-pdos/go-pagelog/pagetable"
	"github.com/mit-pdos/go-pagelog/util"
	"github.com/mit-pdos/go-pagelog/wal"
)

type replayState struct {
	pages    map[common.PageId]pagetable.PageState
	nextPid  common.PageId
	ts       uint64
	freePids []common.PageId
}

func (st *replayState) apply(lsn common.Lsn, off common.LogOffset, m wal.Message) error {
	st.ts++
	if m.Pid >= st.nextPid && !common.IsReserved(m.Pid) {
		st.nextPid = m.Pid + 1
	}
	if m.Kind == wal.Free {
		st.pages[m.Pid] = pagetable.PageState{
			Free:  true,
			Frags: []addr.CacheInfo{{Ts: st.ts, Lsn: lsn, Ptr: addr.Inline(off)}},
		}
		return nil
	}

	var op byte
	var ci addr.CacheInfo
	switch m.Kind {
	case wal.Inline:
		if len(m.Payload) == 0 {
			return errors.E(common.Corruption, fmt.Sprintf("empty fragment at %d", off))
		}
		op = m.Payload[0]
		ci = addr.CacheInfo{Ts: st.ts, Lsn: lsn, Ptr: addr.Inline(off)}
	case wal.BlobStub:
		var id heap.HeapId
		var err error
		op, id, err = decodeStub(m.Payload)
		if err != nil {
			return err
		}
		ci = addr.CacheInfo{Ts: st.ts, Lsn: lsn, Ptr: addr.Heap(off, id)}
	default:
		return errors.E(common.Corruption, fmt.Sprintf("unknown message kind %v at %d", m.Kind, off))
	}
	if err := checkOp(op); err != nil {
		return err
	}

	if op == opReplace {
		st.pages[m.Pid] = pagetable.PageState{Frags: []addr.CacheInfo{ci}}
		return nil
	}
	ps, ok := st.pages[m.Pid]
	if !ok || ps.Free {
		log.Error.Printf("pagelog: dropping delta at %d for missing page %d", off, m.Pid)
		return nil
	}
	ps.Frags = append(ps.Frags, ci)
	st.pages[m.Pid] = ps
	return nil
}

// replay rebuilds every page from the surviving segments, oldest first. A
// torn message ends the log, which is truncated there; in a stable segment
// it means data was lost.
func replay(rc *config.RunningConfig, rec *wal.Recovery) (*replayState, error) {
	st := &replayState{
		pages:   make(map[common.PageId]pagetable.PageState),
		nextPid: common.COUNTER_PID + 1,
	}
	for i, seg := range rec.Segments {
		end, torn, err := wal.ScanSegment(rc.LogDisk, rc.SegmentSize, seg, st.apply)
		if err != nil {
			return nil, err
		}
		if torn {
			if i < rec.TailStart {
				return nil, errors.E(common.Corruption,
					fmt.Sprintf("stable segment at lsn %d is torn", seg.Lsn))
			}
			util.DPrintf(1, "replay: log ends inside segment %d\n", seg.Lsn)
			if err := rec.Truncate(rc.LogDisk, i, end); err != nil {
				return nil, err
			}
			break
		}
	}
	for pid, ps := range st.pages {
		if ps.Free {
			st.freePids = append(st.freePids, pid)
		}
	}
	return st, nil
}
