// Package memtable implements the in-memory ordered index of spec.md
// §4.1: an ordered key → record mapping fed by a write-ahead log, plus
// a separate prefix → seq mapping for in-flight subtree tombstones
// (spec.md: "Ordered mapping key → {Scalar(value, seq) | PointTomb(seq)},
// plus a separate mapping prefix → seq for in-flight subtree
// tombstones"). Grounded in the teacher's internal/memtable/memtable.go
// (return2faye/SiltKV), generalized from raw key/value WAL pairs to the
// three-kind record model.
package memtable

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/waldb/waldb/internal/record"
	"github.com/waldb/waldb/internal/utils"
	"github.com/waldb/waldb/internal/wal"
)

// DefaultMaxSize is the default soft byte cap before a flush is due
// (spec.md §9: "Memtable: soft-capped by byte threshold").
const DefaultMaxSize = 4 << 20

var ErrFrozen = errors.New("memtable: frozen")

// Memtable is the write path's in-memory staging area: every Apply
// first appends to the WAL's buffer, then updates the ordered index (and
// the subtomb map, for DEL_SUB records) before returning. The WAL
// buffer reaches disk on the next Sync, Freeze or size-triggered sync.
type Memtable struct {
	sl      *skipList
	subtomb sync.Map // string (normalized prefix) -> uint64 (seq)

	wal     *wal.WAL
	walPath string

	maxSize int
	size    int64 // atomic, estimated bytes
	maxSeq  uint64
	frozen  int32 // atomic

	mu sync.Mutex // serializes WAL append + subtomb writes
}

// LoadStats reports what WAL replay found on open.
type LoadStats struct {
	Recovered int
	Truncated bool
}

// Open creates or reopens the memtable's WAL file at walPath and
// replays it to restore in-memory state (spec.md §7 recovery).
func Open(walPath string) (*Memtable, LoadStats, error) {
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, LoadStats{}, err
	}

	mt := &Memtable{
		sl:      newSkipList(),
		wal:     w,
		walPath: walPath,
		maxSize: DefaultMaxSize,
	}

	stats, err := w.Replay(func(r record.Record) {
		mt.applyLocalLocked(r)
	})
	if err != nil {
		w.Close()
		return nil, LoadStats{}, err
	}

	return mt, LoadStats{Recovered: stats.Recovered, Truncated: stats.Truncated}, nil
}

// applyLocalLocked updates the skip list, subtomb map, size estimate
// and max-seq watermark for r. It does not touch the WAL; callers must
// already hold whatever lock protects the in-memory state (recovery
// runs single-threaded, so no lock is taken there).
func (mt *Memtable) applyLocalLocked(r record.Record) {
	key := string(r.Key)

	if r.Kind == record.KindDelSub {
		prefix := utils.NormalizePrefix(key)
		if existing, ok := mt.subtomb.Load(prefix); !ok || existing.(uint64) < r.Seq {
			mt.subtomb.Store(prefix, r.Seq)
		}
	}

	old, existed := mt.sl.get(r.Key)
	mt.sl.put(r.Key, r)

	delta := int64(len(r.Key) + len(r.Value))
	if existed {
		delta -= int64(len(old.Key) + len(old.Value))
	}
	atomic.AddInt64(&mt.size, delta)

	if r.Seq > mt.maxSeq {
		mt.maxSeq = r.Seq
	}
}

// SetMaxSize overrides the soft byte threshold used by IsFull (store.
// Options' WithMemtableThreshold, spec.md §4.1's default 256 KiB).
func (mt *Memtable) SetMaxSize(n int) {
	if n > 0 {
		mt.maxSize = n
	}
}

// MaxSeq is the highest seq observed across every applied record,
// including ones recovered from the WAL on Open.
func (mt *Memtable) MaxSeq() uint64 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.maxSeq
}

// ForEachSubtomb calls fn for every subtree tombstone currently
// tracked by this memtable (prefix, seq). Used by store.Open to fold a
// freshly-replayed memtable's subtombs into its own longer-lived,
// store-wide tombstone index.
func (mt *Memtable) ForEachSubtomb(fn func(prefix string, seq uint64)) {
	mt.subtomb.Range(func(k, v any) bool {
		fn(k.(string), v.(uint64))
		return true
	})
}

// Sync fsyncs the WAL without freezing the memtable, for the store's
// periodic group-commit tick (spec.md §4.2). Unlike Freeze, the
// memtable remains writable afterward.
func (mt *Memtable) Sync() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.wal.Flush()
}

// Apply appends r to the WAL buffer and then applies it in memory.
func (mt *Memtable) Apply(r record.Record) error {
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}
	if err := mt.wal.Append(r); err != nil {
		return err
	}
	mt.applyLocalLocked(r)
	return nil
}

// ApplyBatch appends every record in records to the WAL buffer in one
// call (the records of one store Set or SetMany call, which may carry
// different seqs), then applies each in memory in order.
func (mt *Memtable) ApplyBatch(records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if atomic.LoadInt32(&mt.frozen) == 1 {
		return ErrFrozen
	}
	if err := mt.wal.AppendBatch(records); err != nil {
		return err
	}
	for _, r := range records {
		mt.applyLocalLocked(r)
	}
	return nil
}

// Get returns the most recently applied record at the exact key, if
// any. It does not consult the subtomb map: a key's own entry can be a
// live SET even while its descendants are covered by a subtree
// tombstone (spec.md: "not covered because the subtomb only shadows
// strict descendants").
func (mt *Memtable) Get(key string) (record.Record, bool) {
	return mt.sl.get([]byte(key))
}

// CoveringSeq reports the highest seq of any subtree tombstone whose
// prefix is a strict ancestor of key, i.e. the seq a record at key
// must be at least as new as to survive (spec.md §4.7: "A record with
// key k and seq s is covered iff ∃ subtomb (p, t) with k starting with
// p and t ≥ s").
func (mt *Memtable) CoveringSeq(key string) (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for _, ancestor := range utils.Ancestors(key) {
		if v, ok := mt.subtomb.Load(ancestor); ok {
			seq := v.(uint64)
			if !found || seq > best {
				best = seq
				found = true
			}
		}
	}
	return best, found
}

// Size returns the estimated current byte size of buffered records.
func (mt *Memtable) Size() int {
	return int(atomic.LoadInt64(&mt.size))
}

// IsFull reports whether Size has reached maxSize.
func (mt *Memtable) IsFull() bool {
	return int(atomic.LoadInt64(&mt.size)) >= mt.maxSize
}

// Freeze marks the memtable immutable: further Apply/ApplyBatch calls
// fail with ErrFrozen, but reads and iteration remain valid. The WAL is
// fsync'd before Freeze returns, so a frozen memtable's WAL is a
// complete, durable record of everything that must reach the next L0
// segment (spec.md §4.1: "flush(): drains the memtable into a new L0
// segment, then forces WAL fsync").
func (mt *Memtable) Freeze() error {
	if !atomic.CompareAndSwapInt32(&mt.frozen, 0, 1) {
		return nil
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.wal.Flush()
}

// IsFrozen reports whether Freeze has been called.
func (mt *Memtable) IsFrozen() bool {
	return atomic.LoadInt32(&mt.frozen) == 1
}

// NewIterator returns an ascending-key iterator over every buffered
// record (SET, DEL_POINT and DEL_SUB alike), for use by Flush when
// building the next L0 segment and by range/pattern scans that must
// merge the memtable's view with the on-disk segments.
func (mt *Memtable) NewIterator() *Iterator {
	return mt.sl.newIterator()
}

// Len is the number of distinct keys currently buffered.
func (mt *Memtable) Len() int {
	return mt.sl.len()
}

// WalPath returns the path of this memtable's WAL file.
func (mt *Memtable) WalPath() string {
	return mt.walPath
}

// Close closes the underlying WAL file.
func (mt *Memtable) Close() error {
	return mt.wal.Close()
}
