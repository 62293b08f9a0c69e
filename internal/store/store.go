// Package store composes the memtable, WAL, segment, manifest and
// compaction packages into the engine described by spec.md §4.6–§4.10:
// the writer-locked read/write path, background WAL group-committer
// and compactor, and startup/shutdown sequencing. Grounded in the
// teacher's internal/lsm/db.go (return2faye/SiltKV) for the overall
// shape (active memtable + segment lists + background goroutines +
// writer RWMutex), generalized from raw key/value puts to the tree-path
// record model with subtree tombstones, and from a single flat SSTable
// list to three levels with triggered compaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/waldb/waldb/internal/block"
	"github.com/waldb/waldb/internal/bloom"
	"github.com/waldb/waldb/internal/cache"
	"github.com/waldb/waldb/internal/compaction"
	"github.com/waldb/waldb/internal/manifest"
	"github.com/waldb/waldb/internal/memtable"
	"github.com/waldb/waldb/internal/pattern"
	"github.com/waldb/waldb/internal/record"
	"github.com/waldb/waldb/internal/segment"
	"github.com/waldb/waldb/internal/utils"
	"github.com/waldb/waldb/internal/wal"
)

// deepestLevel is the number of the oldest, most-merged level in this
// design (spec.md §4.8: "since L2 is the deepest level ... tombstones
// are dropped at L2").
const deepestLevel = 2

var (
	// ErrTreeViolation is spec.md §7's TreeViolation: a write would
	// leave a scalar value and a descendant key simultaneously visible.
	ErrTreeViolation = errors.New("store: write under scalar parent")
	// ErrClosed is returned by any operation on a store past Close.
	ErrClosed = errors.New("store: closed")
)

// Entry is one key/value pair for SetMany.
type Entry struct {
	Key   string
	Value []byte
}

// KV is one key/value pair returned by a range, prefix or pattern scan.
type KV struct {
	Key   string
	Value []byte
}

// Options configures a Store, populated through functional options
// (SPEC_FULL.md §4.11, following boulder/pkg/options.go's
// Option/OptionFunc shape and akashi's With* constructors).
type Options struct {
	MemtableThreshold    int
	BlockSize            int
	BloomFPR             float64
	L0CompactionTrigger  int
	L1CompactionTrigger  int
	CompactionInterval   time.Duration
	GroupCommitInterval  time.Duration
	CacheBudget          int64
	Logger               *slog.Logger
}

// Option mutates Options during Open.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		MemtableThreshold:   256 << 10,
		BlockSize:           block.TargetSize,
		BloomFPR:            bloom.DefaultFPRate,
		L0CompactionTrigger: 4,
		L1CompactionTrigger: 10,
		CompactionInterval:  5 * time.Second,
		GroupCommitInterval: wal.DefaultFlushInterval,
		CacheBudget:         cache.DefaultBudget,
		Logger:              slog.Default(),
	}
}

// WithMemtableThreshold overrides the soft byte cap before a flush is
// due (spec.md §4.1 default: 256 KiB).
func WithMemtableThreshold(n int) Option {
	return func(o *Options) { o.MemtableThreshold = n }
}

// WithBlockSize overrides the target segment block size (spec.md §4.4
// default: 4 KiB).
func WithBlockSize(n int) Option {
	return func(o *Options) { o.BlockSize = n }
}

// WithBloomFPR overrides each segment's target bloom filter
// false-positive rate (spec.md §4.4 default: 1%).
func WithBloomFPR(fpRate float64) Option {
	return func(o *Options) { o.BloomFPR = fpRate }
}

// WithCompactionTriggers overrides the L0→L1 and L1→L2 segment-count
// triggers (spec.md §4.8 defaults: 4 and 10).
func WithCompactionTriggers(l0, l1 int) Option {
	return func(o *Options) { o.L0CompactionTrigger = l0; o.L1CompactionTrigger = l1 }
}

// WithCompactionInterval overrides how often the background compactor
// wakes (spec.md §4.8 default: 5s).
func WithCompactionInterval(d time.Duration) Option {
	return func(o *Options) { o.CompactionInterval = d }
}

// WithGroupCommitInterval overrides the WAL group-commit tick (spec.md
// §4.2 default: ~10ms).
func WithGroupCommitInterval(d time.Duration) Option {
	return func(o *Options) { o.GroupCommitInterval = d }
}

// WithCacheBudget overrides the block cache's byte budget (spec.md
// §4.5 default: 32 MiB).
func WithCacheBudget(n int64) Option {
	return func(o *Options) { o.CacheBudget = n }
}

// WithLogger overrides the structured logger used for recovery,
// compaction and cleanup diagnostics. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// Store is the embedded engine: one active memtable, three levels of
// immutable segments, a shared block cache, and two background
// goroutines (WAL group-committer, compactor) coordinated through an
// errgroup bound to the store's lifetime.
type Store struct {
	dir  string
	opts Options

	cache *cache.Cache

	mu     sync.RWMutex
	mt     *memtable.Memtable
	levels [3][]*segment.Reader // oldest-first within each level

	subtomb sync.Map // string (normalized prefix) -> uint64 seq, store-wide and persists across flush/compaction

	seq atomic.Uint64

	closed atomic.Bool
	cancel context.CancelFunc
	eg     *errgroup.Group
}

type walSegment struct {
	path string
	ts   int64
}

// listWALSegments discovers every WAL file in dir, ordered oldest to
// newest. A crash mid-rotation can leave more than one; the newest
// becomes the live active memtable at Open, and any older ones are
// leftover data that must be replayed and flushed before the store is
// usable (grounded in the teacher's lsm.listWALSegments, renamed from
// the teacher's "active*.wal" scheme to this spec's "wal*.log").
func listWALSegments(dir string) ([]walSegment, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "wal*.log"))
	if err != nil {
		return nil, err
	}

	segs := make([]walSegment, 0, len(matches))
	for _, p := range matches {
		base := filepath.Base(p)

		var ts int64
		switch {
		case base == "wal.log":
			ts = 0
		case strings.HasPrefix(base, "wal-") && strings.HasSuffix(base, ".log"):
			num := strings.TrimSuffix(strings.TrimPrefix(base, "wal-"), ".log")
			if v, err := strconv.ParseInt(num, 10, 64); err == nil {
				ts = v
			} else if st, statErr := os.Stat(p); statErr == nil {
				ts = st.ModTime().UnixNano()
			}
		default:
			if st, statErr := os.Stat(p); statErr == nil {
				ts = st.ModTime().UnixNano()
			}
		}

		segs = append(segs, walSegment{path: p, ts: ts})
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].ts != segs[j].ts {
			return segs[i].ts < segs[j].ts
		}
		return segs[i].path < segs[j].path
	})
	return segs, nil
}

// cleanupOrphanSegments removes segment files on disk that no live
// manifest entry references (spec.md §4.8: a crash between
// new-file-created and manifest-appended leaves an orphan that "is
// discarded on next open").
func cleanupOrphanSegments(dir string, entries []manifest.Entry, logger *slog.Logger) {
	referenced := make(map[string]bool, len(entries))
	for _, e := range entries {
		referenced[e.Filename] = true
	}

	matches, err := filepath.Glob(filepath.Join(dir, "l*.seg"))
	if err != nil {
		return
	}
	for _, p := range matches {
		base := filepath.Base(p)
		if referenced[base] {
			continue
		}
		if _, _, ok := segment.ParseFileName(base); !ok {
			continue
		}
		if err := os.Remove(p); err != nil {
			logger.Warn("orphan segment cleanup failed", "path", p, "err", err)
		} else {
			logger.Info("removed orphan segment", "path", p)
		}
	}
}

// Open implements spec.md §4.9's startup sequence: verify the
// directory, load the manifest and its segments, replay the WAL(s),
// compute the initial seq, then launch the background threads.
func Open(dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	entries, err := manifest.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("store: load manifest: %w", err)
	}
	cleanupOrphanSegments(dir, entries, o.Logger)

	c := cache.New(o.CacheBudget)

	s := &Store{dir: dir, opts: o, cache: c}

	var maxSeq uint64
	for _, e := range entries {
		if e.Level < 0 || e.Level > deepestLevel {
			continue
		}
		path := filepath.Join(dir, e.Filename)
		rd, err := segment.Open(path, c)
		if err != nil {
			o.Logger.Error("failed to open segment, skipping", "path", path, "err", err)
			continue
		}
		s.levels[e.Level] = append(s.levels[e.Level], rd)
		if rd.SeqHigh() > maxSeq {
			maxSeq = rd.SeqHigh()
		}
	}
	if err := s.loadSubtombsFromSegments(); err != nil {
		return nil, err
	}

	segs, err := listWALSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		segs = []walSegment{{path: filepath.Join(dir, "wal.log"), ts: 0}}
	}

	activeWalPath := segs[len(segs)-1].path
	mt, loadStats, err := memtable.Open(activeWalPath)
	if err != nil {
		return nil, err
	}
	mt.SetMaxSize(o.MemtableThreshold)
	o.Logger.Info("wal replay", "path", activeWalPath, "recovered", loadStats.Recovered, "truncated", loadStats.Truncated)
	mt.ForEachSubtomb(s.mergeSubtomb)
	if mt.MaxSeq() > maxSeq {
		maxSeq = mt.MaxSeq()
	}
	s.mt = mt

	if len(segs) > 1 {
		for _, seg := range segs[:len(segs)-1] {
			oldMt, stats, err := memtable.Open(seg.path)
			if err != nil {
				mt.Close()
				return nil, err
			}
			o.Logger.Info("wal replay (stale segment)", "path", seg.path, "recovered", stats.Recovered, "truncated", stats.Truncated)
			oldMt.ForEachSubtomb(s.mergeSubtomb)
			if oldMt.MaxSeq() > maxSeq {
				maxSeq = oldMt.MaxSeq()
			}
			if err := oldMt.Freeze(); err != nil {
				oldMt.Close()
				mt.Close()
				return nil, err
			}
			if err := s.flushMemtableToL0(oldMt); err != nil {
				oldMt.Close()
				mt.Close()
				return nil, err
			}
			if err := oldMt.Close(); err != nil {
				mt.Close()
				return nil, err
			}
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				o.Logger.Warn("stale wal cleanup failed", "path", seg.path, "err", err)
			}
		}
	}

	s.seq.Store(maxSeq)

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.runGroupCommit(ctx) })
	eg.Go(func() error { return s.runCompactor(ctx) })
	s.cancel = cancel
	s.eg = eg

	return s, nil
}

func (s *Store) mergeSubtomb(prefix string, seq uint64) {
	if v, ok := s.subtomb.Load(prefix); !ok || v.(uint64) < seq {
		s.subtomb.Store(prefix, seq)
	}
}

// loadSubtombsFromSegments reconstructs the store-wide subtree
// tombstone index from every DEL_SUB record surviving on disk (spec.md
// §9 open question 1: subtombs must be honored "while present"; this
// module keeps that set alive for as long as any segment still carries
// the DEL_SUB record, rather than retiring it on an explicit schedule).
func (s *Store) loadSubtombsFromSegments() error {
	for lvl := 0; lvl < len(s.levels); lvl++ {
		for _, rd := range s.levels[lvl] {
			it := rd.FullIterator()
			for it.Next() {
				r := it.Record()
				if r.Kind == record.KindDelSub {
					s.mergeSubtomb(string(r.Key), r.Seq)
				}
			}
			if err := it.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) runGroupCommit(ctx context.Context) error {
	interval := s.opts.GroupCommitInterval
	if interval <= 0 {
		interval = wal.DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.mu.RLock()
			mt := s.mt
			s.mu.RUnlock()
			if err := mt.Sync(); err != nil {
				s.opts.Logger.Error("group commit sync failed", "err", err)
			}
		}
	}
}

func (s *Store) runCompactor(ctx context.Context) error {
	interval := s.opts.CompactionInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.compactLevel(0); err != nil {
				s.opts.Logger.Error("compaction failed", "level", 0, "err", err)
			}
			if err := s.compactLevel(1); err != nil {
				s.opts.Logger.Error("compaction failed", "level", 1, "err", err)
			}
		}
	}
}

// compactLevel implements spec.md §4.8's one-level-at-a-time merge,
// holding the writer lock only briefly to detach inputs and again to
// publish the output (the "Isolation" paragraph of §4.8).
func (s *Store) compactLevel(srcLevel int) error {
	destLevel := srcLevel + 1
	trigger := s.opts.L0CompactionTrigger
	if srcLevel == 1 {
		trigger = s.opts.L1CompactionTrigger
	}

	s.mu.Lock()
	if len(s.levels[srcLevel]) < trigger {
		s.mu.Unlock()
		return nil
	}
	inputs := append([]*segment.Reader(nil), s.levels[srcLevel][:trigger]...)
	s.levels[srcLevel] = s.levels[srcLevel][trigger:]
	s.mu.Unlock()

	tmpPath := filepath.Join(s.dir, fmt.Sprintf(".compact-%s.tmp", uuid.NewString()))
	result, err := compaction.Merge(inputs, destLevel, deepestLevel, tmpPath)
	if err != nil {
		s.mu.Lock()
		s.levels[srcLevel] = append(append([]*segment.Reader(nil), inputs...), s.levels[srcLevel]...)
		s.mu.Unlock()
		return err
	}

	var newReader *segment.Reader
	if !result.Empty {
		finalPath := filepath.Join(s.dir, segment.FileName(destLevel, result.SeqHigh))
		if err := os.Rename(tmpPath, finalPath); err != nil {
			return err
		}
		if err := manifest.Append(s.dir, manifest.Entry{SeqHigh: result.SeqHigh, Level: destLevel, Filename: filepath.Base(finalPath)}); err != nil {
			return err
		}
		rd, err := segment.Open(finalPath, s.cache)
		if err != nil {
			return err
		}
		newReader = rd
	}

	s.opts.Logger.Info("compaction finished", "from", srcLevel, "to", destLevel, "inputs", len(inputs), "dropped_tombstones", result.Empty)

	s.mu.Lock()
	if newReader != nil {
		s.levels[destLevel] = append(s.levels[destLevel], newReader)
	}
	liveEntries := s.liveManifestEntriesLocked()
	s.mu.Unlock()

	for _, rd := range inputs {
		path := rd.Path()
		rd.Close()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.opts.Logger.Warn("compaction input cleanup failed", "path", path, "err", err)
		}
	}

	// Rewrite the manifest to the live set (spec.md §9 open question 2)
	// rather than letting a pure append log accumulate obsolete entries.
	if err := manifest.Rewrite(s.dir, liveEntries); err != nil {
		s.opts.Logger.Error("manifest rewrite failed", "err", err)
	}

	return nil
}

func (s *Store) liveManifestEntriesLocked() []manifest.Entry {
	var entries []manifest.Entry
	for lvl := 0; lvl < len(s.levels); lvl++ {
		for _, rd := range s.levels[lvl] {
			entries = append(entries, manifest.Entry{SeqHigh: rd.SeqHigh(), Level: lvl, Filename: filepath.Base(rd.Path())})
		}
	}
	return entries
}

// flushMemtableToL0 drains mt into a new L0 segment and publishes it to
// both the manifest and the in-memory level list. Used both by the
// live flush path and by Open's synchronous recovery of stale WAL
// segments (grounded in the teacher's flushMemtable, generalized to the
// three-kind record model).
func (s *Store) flushMemtableToL0(mt *memtable.Memtable) error {
	if mt.Len() == 0 {
		return mt.Sync()
	}

	seqHigh := mt.MaxSeq()
	segPath := filepath.Join(s.dir, segment.FileName(0, seqHigh))
	w, err := segment.NewWriterWithOptions(segPath, mt.Len(), s.opts.BlockSize, s.opts.BloomFPR)
	if err != nil {
		return err
	}

	it := mt.NewIterator()
	for it.Valid() {
		if err := w.Add(it.Record()); err != nil {
			w.Abort()
			return err
		}
		it.Next()
	}

	if err := w.Finish(); err != nil {
		if err == segment.ErrEmptyInput {
			return nil
		}
		return err
	}

	if err := manifest.Append(s.dir, manifest.Entry{SeqHigh: seqHigh, Level: 0, Filename: filepath.Base(segPath)}); err != nil {
		return err
	}
	rd, err := segment.Open(segPath, s.cache)
	if err != nil {
		return err
	}
	s.levels[0] = append(s.levels[0], rd)
	return nil
}

// applyLocked appends records to the active memtable (WAL buffer first,
// fsync'd on the next group-commit tick or flush) and folds
// any DEL_SUB among them into the store-wide subtomb index. Callers
// must hold s.mu for writing.
func (s *Store) applyLocked(records []record.Record) error {
	var err error
	if len(records) == 1 {
		err = s.mt.Apply(records[0])
	} else {
		err = s.mt.ApplyBatch(records)
	}
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Kind == record.KindDelSub {
			s.mergeSubtomb(string(r.Key), r.Seq)
		}
	}
	return nil
}

// lookupLocked returns the largest-seq record at key across the
// memtable and every segment, uncorrected for subtree-tombstone
// coverage (spec.md §4.6 steps 1-2). Callers must hold s.mu for
// reading or writing.
func (s *Store) lookupLocked(key string) (record.Record, bool, error) {
	var (
		best  record.Record
		found bool
	)

	if r, ok := s.mt.Get(key); ok {
		best, found = r, true
	}

	keyBytes := []byte(key)
	for lvl := 0; lvl < len(s.levels); lvl++ {
		for _, rd := range s.levels[lvl] {
			r, ok, err := rd.Get(keyBytes)
			if err != nil {
				return record.Record{}, false, err
			}
			if ok && (!found || r.Seq > best.Seq) {
				best, found = r, true
			}
		}
	}

	return best, found, nil
}

// coveringSeq returns the largest seq of any subtree tombstone whose
// prefix is a strict ancestor of key (spec.md §4.3).
func (s *Store) coveringSeq(key string) (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for _, ancestor := range utils.Ancestors(key) {
		if v, ok := s.subtomb.Load(ancestor); ok {
			seq := v.(uint64)
			if !found || seq > best {
				best, found = seq, true
			}
		}
	}
	return best, found
}

// getVisibleLocked is lookupLocked filtered through subtree-tombstone
// coverage: the full spec.md §4.6 get(key) algorithm, short of
// collapsing DEL_POINT/not-found into an empty result (callers do
// that, since some callers need the record's Kind).
func (s *Store) getVisibleLocked(key string) (record.Record, bool, error) {
	r, ok, err := s.lookupLocked(key)
	if err != nil || !ok {
		return record.Record{}, false, err
	}
	if seq, covered := s.coveringSeq(key); covered && seq >= r.Seq {
		return record.Record{}, false, nil
	}
	return r, true, nil
}

// checkScalarParentLocked implements spec.md §4.1's scalar-parent
// rule: walk key's ancestor paths and fail if any is visible as a
// scalar. Uses the same read path as Get, as the spec requires.
func (s *Store) checkScalarParentLocked(key string) error {
	for _, ancestor := range utils.Ancestors(key) {
		parent := strings.TrimSuffix(ancestor, "/")
		if parent == "" {
			continue
		}
		r, ok, err := s.getVisibleLocked(parent)
		if err != nil {
			return err
		}
		if ok && r.Kind == record.KindSet {
			return ErrTreeViolation
		}
	}
	return nil
}

// hasDescendantLocked reports whether any live key currently falls
// strictly under prefix base (used by SetMany's conditional
// DEL_POINT, mirroring the original Rust implementation's
// has_value_in_segments / has_children checks).
func (s *Store) hasDescendantLocked(base string) bool {
	prefix := utils.NormalizePrefix(base)
	end, ok := utils.NextPrefix(prefix)
	if !ok {
		end = ""
	}
	candidates, err := s.collectRangeLocked(prefix, end)
	if err != nil {
		return false
	}
	for k, r := range candidates {
		if r.Kind != record.KindSet {
			continue
		}
		if seq, covered := s.coveringSeq(k); covered && seq >= r.Seq {
			continue
		}
		return true
	}
	return false
}

// Set implements spec.md §4.1's set(key, value, replace_subtree).
func (s *Store) Set(key string, value []byte, replaceSubtree bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.checkScalarParentLocked(key); err != nil {
		return err
	}

	seq := s.seq.Add(1)
	var records []record.Record
	if replaceSubtree {
		records = append(records,
			record.Record{Seq: seq, Kind: record.KindDelSub, Key: []byte(utils.NormalizePrefix(key))},
			record.Record{Seq: seq, Kind: record.KindDelPoint, Key: []byte(key)},
		)
	}
	records = append(records, record.Record{Seq: seq, Kind: record.KindSet, Key: []byte(key), Value: utils.CopyBytes(value)})

	if err := s.applyLocked(records); err != nil {
		return err
	}
	return s.maybeFlushLocked()
}

// Delete implements spec.md §4.1's delete(key): a DEL_POINT, never
// failing on a missing key.
func (s *Store) Delete(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	seq := s.seq.Add(1)
	if err := s.applyLocked([]record.Record{{Seq: seq, Kind: record.KindDelPoint, Key: []byte(key)}}); err != nil {
		return err
	}
	return s.maybeFlushLocked()
}

// DeleteSubtree implements spec.md §4.1's delete_subtree(prefix).
func (s *Store) DeleteSubtree(prefix string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	seq := s.seq.Add(1)
	norm := utils.NormalizePrefix(prefix)
	if err := s.applyLocked([]record.Record{{Seq: seq, Kind: record.KindDelSub, Key: []byte(norm)}}); err != nil {
		return err
	}
	return s.maybeFlushLocked()
}

// SetMany implements spec.md §4.1's set_many(entries, replace_subtree_at).
// Every scalar-parent check runs before any seq is reserved or record
// applied, so a TreeViolation has no side effects (spec.md §7): this
// deviates from the original Rust source, which validated entries
// interleaved with WAL appends and could leave a partial write behind
// on a later entry's violation.
func (s *Store) SetMany(entries []Entry, replaceSubtreeAt *string) error {
	if len(entries) == 0 {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	for _, e := range entries {
		if err := s.checkScalarParentLocked(e.Key); err != nil {
			return err
		}
	}

	var records []record.Record

	if replaceSubtreeAt != nil {
		base := *replaceSubtreeAt
		existing, ok, err := s.getVisibleLocked(base)
		if err != nil {
			return err
		}
		needsPointTomb := (ok && existing.Kind == record.KindSet) || s.hasDescendantLocked(base)
		if needsPointTomb {
			seq := s.seq.Add(1)
			records = append(records, record.Record{Seq: seq, Kind: record.KindDelPoint, Key: []byte(base)})
		}
		subSeq := s.seq.Add(1)
		records = append(records, record.Record{Seq: subSeq, Kind: record.KindDelSub, Key: []byte(utils.NormalizePrefix(base))})
	}

	batchSeq := s.seq.Add(1)
	for _, e := range entries {
		records = append(records, record.Record{Seq: batchSeq, Kind: record.KindSet, Key: []byte(e.Key), Value: utils.CopyBytes(e.Value)})
	}

	if err := s.applyLocked(records); err != nil {
		return err
	}
	return s.maybeFlushLocked()
}

func (s *Store) maybeFlushLocked() error {
	if s.mt.IsFull() {
		return s.flushLocked()
	}
	return nil
}

// flushLocked implements spec.md §4.1's flush(): drain the memtable
// into a new L0 segment, then rotate the WAL (spec.md §9 open question
// 4, implemented per SPEC_FULL.md §9's supplemented feature).
func (s *Store) flushLocked() error {
	oldMt := s.mt
	if oldMt.Len() == 0 {
		return oldMt.Sync()
	}

	if err := oldMt.Freeze(); err != nil {
		return err
	}
	if err := s.flushMemtableToL0(oldMt); err != nil {
		return err
	}

	oldWalPath := oldMt.WalPath()
	if err := oldMt.Close(); err != nil {
		return err
	}
	if err := os.Remove(oldWalPath); err != nil && !os.IsNotExist(err) {
		s.opts.Logger.Warn("wal cleanup after flush failed", "path", oldWalPath, "err", err)
	}

	newWalPath := filepath.Join(s.dir, fmt.Sprintf("wal-%d.log", time.Now().UnixNano()))
	newMt, _, err := memtable.Open(newWalPath)
	if err != nil {
		return err
	}
	newMt.SetMaxSize(s.opts.MemtableThreshold)
	s.mt = newMt
	return nil
}

// Flush is the explicit flush() operation of spec.md's API surface.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.flushLocked()
}

// Get implements spec.md §4.6's get(key).
func (s *Store) Get(key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok, err := s.getVisibleLocked(key)
	if err != nil {
		return nil, err
	}
	if !ok || r.Kind != record.KindSet {
		return nil, nil
	}
	return utils.CopyBytes(r.Value), nil
}

// collectRangeLocked gathers the largest-seq record for every distinct
// key in [start, end) (end == "" meaning unbounded above) across the
// memtable and every segment, uncorrected for tombstone coverage.
func (s *Store) collectRangeLocked(start, end string) (map[string]record.Record, error) {
	out := make(map[string]record.Record)
	merge := func(key string, r record.Record) {
		if existing, ok := out[key]; !ok || r.Seq > existing.Seq {
			out[key] = r
		}
	}

	it := s.mt.NewIterator()
	for it.Valid() {
		k := string(it.Key())
		if k >= start && (end == "" || k < end) {
			merge(k, it.Record())
		}
		it.Next()
	}

	var endBytes []byte
	if end != "" {
		endBytes = []byte(end)
	}
	for lvl := 0; lvl < len(s.levels); lvl++ {
		for _, rd := range s.levels[lvl] {
			rit := rd.RangeIterator([]byte(start), endBytes)
			for rit.Next() {
				rec := rit.Record()
				k := string(rec.Key)
				// RangeIterator already bounds records to
				// [start, end); the same bounds are re-checked here.
				if k < start || (end != "" && k >= end) {
					continue
				}
				merge(k, rec)
			}
			if err := rit.Err(); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func (s *Store) visibleSortedLocked(candidates map[string]record.Record, limit int) []KV {
	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []KV
	for _, k := range keys {
		r := candidates[k]
		if r.Kind != record.KindSet {
			continue
		}
		if seq, covered := s.coveringSeq(k); covered && seq >= r.Seq {
			continue
		}
		out = append(out, KV{Key: k, Value: utils.CopyBytes(r.Value)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetRange implements spec.md §4.6's get_range(start, end, limit).
func (s *Store) GetRange(start, end string, limit int) ([]KV, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates, err := s.collectRangeLocked(start, end)
	if err != nil {
		return nil, err
	}
	return s.visibleSortedLocked(candidates, limit), nil
}

// ScanPrefix returns every live key starting with prefix, in ascending
// order, up to limit entries.
func (s *Store) ScanPrefix(prefix string, limit int) ([]KV, error) {
	end, ok := utils.NextPrefix(prefix)
	if !ok {
		end = ""
	}
	return s.GetRange(prefix, end, limit)
}

// GetPattern implements spec.md §4.6's get_pattern(pattern): `*`
// matches zero or more of any byte including `/`, `?` matches exactly
// one byte. The literal prefix before the first wildcard bounds the
// scan when one exists; correctness never depends on the bound.
func (s *Store) GetPattern(pat string) ([]KV, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	m, err := pattern.Compile(pat)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end, ok := m.Bounds()
	if !ok {
		start, end = "", ""
	}
	candidates, err := s.collectRangeLocked(start, end)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []KV
	for _, k := range keys {
		if !m.Match(k) {
			continue
		}
		r := candidates[k]
		if r.Kind != record.KindSet {
			continue
		}
		if seq, covered := s.coveringSeq(k); covered && seq >= r.Seq {
			continue
		}
		out = append(out, KV{Key: k, Value: utils.CopyBytes(r.Value)})
	}
	return out, nil
}

// DeletePattern implements spec.md §4.6's delete_pattern(pattern):
// enumerate matches via GetPattern, delete each, return the count.
func (s *Store) DeletePattern(pat string) (int, error) {
	matches, err := s.GetPattern(pat)
	if err != nil {
		return 0, err
	}
	for _, kv := range matches {
		if err := s.Delete(kv.Key); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}

// SegmentCounts implements spec.md §6's segment_counts().
func (s *Store) SegmentCounts() (l0, l1, l2 int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.levels[0]), len(s.levels[1]), len(s.levels[2])
}

// Close implements spec.md §4.10's shutdown: stop both background
// goroutines, join them, then fsync the active memtable's WAL (Freeze)
// and close it and every open segment. The memtable is not written to
// a segment; its records are replayed from the WAL on the next Open.
// Every failure is aggregated with go-multierror
// instead of surfacing only the first (SPEC_FULL.md §4.11).
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	s.cancel()
	var merr *multierror.Error
	if err := s.eg.Wait(); err != nil {
		merr = multierror.Append(merr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mt.Freeze(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := s.mt.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	for lvl := 0; lvl < len(s.levels); lvl++ {
		for _, rd := range s.levels[lvl] {
			if err := rd.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}

	return merr.ErrorOrNil()
}
