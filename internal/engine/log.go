package engine

import (
	"collab-engine/pkg/ot"
)

// opLog is the bounded operation history of one document. Entries are
// contiguous and ascending in version; the floor guarantees at least the
// most recent floor entries survive eviction, and entries still needed by an
// attached client's acknowledged version are retained beyond it.
type opLog struct {
	ops   []ot.Operation
	floor int
}

func newOpLog(floor int) *opLog {
	return &opLog{floor: floor}
}

func (l *opLog) len() int {
	return len(l.ops)
}

// oldest returns the lowest retained version, or 0 when the log is empty.
func (l *opLog) oldest() int {
	if len(l.ops) == 0 {
		return 0
	}
	return l.ops[0].Version
}

func (l *opLog) append(op ot.Operation) {
	l.ops = append(l.ops, op)
}

// since returns every logged operation in (v, current] in order. ok is false
// when the log does not cover that window — pruned entries, or a log that
// restarted empty at a snapshot while v predates it — and the caller must
// resync from a snapshot. A caller already at current gets an empty window.
func (l *opLog) since(v, current int) ([]ot.Operation, bool) {
	if v >= current {
		return nil, true
	}
	if len(l.ops) == 0 || l.ops[0].Version > v+1 {
		return nil, false
	}
	idx := v - l.ops[0].Version + 1
	out := make([]ot.Operation, len(l.ops)-idx)
	copy(out, l.ops[idx:])
	return out, true
}

// evict drops the oldest entries while honoring two floors: the most recent
// `floor` entries always stay, and no entry above the minimum acknowledged
// version of any attached client is dropped.
func (l *opLog) evict(minAcked, current int) {
	cutoff := current - l.floor
	if minAcked < cutoff {
		cutoff = minAcked
	}
	if len(l.ops) == 0 || l.ops[0].Version > cutoff {
		return
	}
	drop := cutoff - l.ops[0].Version + 1
	if drop > len(l.ops) {
		drop = len(l.ops)
	}
	l.ops = append([]ot.Operation(nil), l.ops[drop:]...)
}
