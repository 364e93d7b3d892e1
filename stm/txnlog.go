package stm

import (
	"sort"

	"github.com/google/btree"
)

const writeSetDegree = 8

type readEntry struct {
	tv  tvar
	ver uint64
	val interface{}
}

type writeEntry struct {
	vid uint64
	tv  tvar
	val interface{}
}

func writeEntryLess(a, b *writeEntry) bool {
	return a.vid < b.vid
}

// txnLog is the bookkeeping of a single attempt. It is owned by the goroutine running
// the attempt and is dropped when the attempt commits or is discarded.
type txnLog struct {
	reads map[uint64]*readEntry
	// Ordered by tvar id, so commits always install writes in the same order.
	writes *btree.BTreeG[*writeEntry]
}

func newTxnLog() *txnLog {
	return &txnLog{
		reads:  make(map[uint64]*readEntry),
		writes: btree.NewG[*writeEntry](writeSetDegree, writeEntryLess),
	}
}

// recordRead returns the value of tv as seen by this attempt. A pending write wins,
// then the value first observed by this attempt, then the committed value, which is
// recorded together with its version.
func (l *txnLog) recordRead(tv tvar) interface{} {
	vid := tv.id()
	if w, ok := l.writes.Get(&writeEntry{vid: vid}); ok {
		return w.val
	}
	if r, ok := l.reads[vid]; ok {
		return r.val
	}
	val, ver := tv.loadAny()
	l.reads[vid] = &readEntry{tv: tv, ver: ver, val: val}
	return val
}

// recordWrite stores the pending value of tv, replacing any earlier one.
func (l *txnLog) recordWrite(tv tvar, val interface{}) {
	l.writes.ReplaceOrInsert(&writeEntry{vid: tv.id(), tv: tv, val: val})
}

// validate reports whether every tvar read by this attempt is still at the version
// it was read at. Versions only grow, so a successful validation means all reads
// held together at the time the last of them was taken.
func (l *txnLog) validate() bool {
	for _, r := range l.reads {
		if r.tv.version() != r.ver {
			return false
		}
	}
	return true
}

// readSet returns the ids of the tvars read by this attempt in ascending order.
func (l *txnLog) readSet() []uint64 {
	ids := make([]uint64, 0, len(l.reads))
	for vid := range l.reads {
		ids = append(ids, vid)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}

// writeSet returns the ids of the tvars written by this attempt in ascending order.
func (l *txnLog) writeSet() []uint64 {
	ids := make([]uint64, 0, l.writes.Len())
	l.writes.Ascend(func(w *writeEntry) bool {
		ids = append(ids, w.vid)
		return true
	})
	return ids
}

// checkpoint captures the write set; rollback restores it. Reads are never rolled
// back: whatever an abandoned branch read still decides when the attempt is stale.
func (l *txnLog) checkpoint() *btree.BTreeG[*writeEntry] {
	return l.writes.Clone()
}

func (l *txnLog) rollback(cp *btree.BTreeG[*writeEntry]) {
	l.writes = cp
}

// apply installs every pending write. The caller must hold the engine commit lock and
// must have validated the log under it.
func (l *txnLog) apply() []uint64 {
	type pending struct {
		w        *writeEntry
		expected uint64
	}
	batch := make([]pending, 0, l.writes.Len())
	l.writes.Ascend(func(w *writeEntry) bool {
		expected := w.tv.version()
		if r, ok := l.reads[w.vid]; ok {
			expected = r.ver
		}
		batch = append(batch, pending{w: w, expected: expected})
		return true
	})
	ids := make([]uint64, 0, len(batch))
	for _, p := range batch {
		if !p.w.tv.commitAny(p.expected, p.w.val) {
			// Only reachable if the tvar is committed to by another engine.
			panic(errTVarShared(p.w.vid))
		}
		ids = append(ids, p.w.vid)
	}
	return ids
}
