// Package waldb is an embedded, tree-path key-value store backed by an
// LSM engine: a write-ahead-logged memtable, leveled immutable
// segments, and background compaction. Keys are "/"-separated paths;
// a key may hold a value or act as a directory for descendant keys,
// never both at once (internal/store's scalar-parent rule).
//
// This is the public surface over internal/store, mirroring the
// teacher's internal/lsm.DB → pkg/kv.DB layering (return2faye/SiltKV),
// generalized from string values and raw put/get/delete to the full
// tree-path operation set.
package waldb

import (
	"github.com/waldb/waldb/internal/store"
)

// Entry is one key/value pair for SetMany.
type Entry = store.Entry

// KV is one key/value pair returned by a range, prefix or pattern scan.
type KV = store.KV

// Option configures a DB at Open time.
type Option = store.Option

var (
	WithMemtableThreshold  = store.WithMemtableThreshold
	WithBlockSize          = store.WithBlockSize
	WithBloomFPR           = store.WithBloomFPR
	WithCompactionTriggers = store.WithCompactionTriggers
	WithCompactionInterval = store.WithCompactionInterval
	WithGroupCommitInterval = store.WithGroupCommitInterval
	WithCacheBudget        = store.WithCacheBudget
	WithLogger             = store.WithLogger
)

// ErrTreeViolation is returned when a write would leave a scalar value
// and a descendant key simultaneously visible.
var ErrTreeViolation = store.ErrTreeViolation

// ErrClosed is returned by any operation on a DB past Close.
var ErrClosed = store.ErrClosed

// DB is a handle to an open database directory.
type DB struct {
	s *store.Store
}

// Open opens (and, if absent, creates) a database rooted at dir.
func Open(dir string, opts ...Option) (*DB, error) {
	s, err := store.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	return &DB{s: s}, nil
}

// Set writes value at key. If replaceSubtree is true, every existing
// key strictly under key is atomically tombstoned first (spec.md §4.1).
func (db *DB) Set(key string, value []byte, replaceSubtree bool) error {
	return db.s.Set(key, value, replaceSubtree)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(key string) error {
	return db.s.Delete(key)
}

// DeleteSubtree tombstones every key strictly under prefix, leaving
// any value at prefix itself untouched.
func (db *DB) DeleteSubtree(prefix string) error {
	return db.s.DeleteSubtree(prefix)
}

// SetMany writes every entry as one atomic batch. If replaceSubtreeAt
// is non-nil, the named subtree is tombstoned before the batch's SETs
// are applied. A scalar-parent violation by any entry aborts the whole
// call with no side effects.
func (db *DB) SetMany(entries []Entry, replaceSubtreeAt *string) error {
	return db.s.SetMany(entries, replaceSubtreeAt)
}

// Get returns the value at key, or (nil, nil) if key is absent or
// tombstoned.
func (db *DB) Get(key string) ([]byte, error) {
	return db.s.Get(key)
}

// GetRange returns every live key in [start, end) in ascending order,
// up to limit entries (0 meaning unlimited). end == "" means unbounded
// above.
func (db *DB) GetRange(start, end string, limit int) ([]KV, error) {
	return db.s.GetRange(start, end, limit)
}

// ScanPrefix returns every live key starting with prefix, ascending,
// up to limit entries. It is a plain byte-prefix match: "a" matches
// "a" itself, "a/1" and "ab" alike.
func (db *DB) ScanPrefix(prefix string, limit int) ([]KV, error) {
	return db.s.ScanPrefix(prefix, limit)
}

// GetPattern returns every live key matching pattern (`*` matches zero
// or more of any byte including `/`, `?` matches exactly one byte).
func (db *DB) GetPattern(pattern string) ([]KV, error) {
	return db.s.GetPattern(pattern)
}

// DeletePattern deletes every key matching pattern and returns the
// count deleted.
func (db *DB) DeletePattern(pattern string) (int, error) {
	return db.s.DeletePattern(pattern)
}

// Flush forces the active memtable into a new L0 segment and fsyncs
// the WAL, even below the memtable's size threshold.
func (db *DB) Flush() error {
	return db.s.Flush()
}

// SegmentCounts reports the number of segment files at each level.
func (db *DB) SegmentCounts() (l0, l1, l2 int) {
	return db.s.SegmentCounts()
}

// Close stops the background WAL and compaction goroutines, fsyncs and
// closes the active memtable's WAL, and closes every open segment. The
// memtable is not written to a segment; the next Open replays it from
// the WAL.
func (db *DB) Close() error {
	return db.s.Close()
}
