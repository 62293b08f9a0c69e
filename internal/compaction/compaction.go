// Package compaction implements the level-triggered merge of spec.md
// §4.8: take the oldest segments at a source level, merge them into
// one output segment at the destination level, keeping only the
// largest-seq record per key and dropping tombstones once they reach
// the deepest level. Grounded in the teacher's
// internal/sstable/merge_iterator.go (return2faye/SiltKV), generalized
// from "keep the value from the newest reader" to "keep the record
// with the largest seq" since segment.Reader carries seq per record.
package compaction

import (
	"bytes"

	"github.com/waldb/waldb/internal/record"
	"github.com/waldb/waldb/internal/segment"
)

type mergeSource struct {
	it    *segment.RangeIterator
	valid bool
}

// MergeIterator k-way merges several segments' full contents into one
// ascending-key stream, resolving same-key collisions by largest seq.
type MergeIterator struct {
	sources []*mergeSource
	key     []byte
	current record.Record
	err     error
}

// NewMergeIterator opens a merge over the full contents of readers.
// Readers may be supplied in any order; seq, not position, decides the
// winner for a shared key.
func NewMergeIterator(readers []*segment.Reader) (*MergeIterator, error) {
	sources := make([]*mergeSource, 0, len(readers))
	for _, r := range readers {
		it := r.FullIterator()
		valid := it.Next()
		if err := it.Err(); err != nil {
			return nil, err
		}
		sources = append(sources, &mergeSource{it: it, valid: valid})
	}

	mi := &MergeIterator{sources: sources}
	if err := mi.advance(); err != nil {
		return nil, err
	}
	return mi, nil
}

// Err returns any error encountered while merging.
func (mi *MergeIterator) Err() error { return mi.err }

// Valid reports whether Record returns a meaningful value.
func (mi *MergeIterator) Valid() bool { return mi.key != nil }

// Record returns the winning record for the current key.
func (mi *MergeIterator) Record() record.Record { return mi.current }

// Next advances to the next distinct key.
func (mi *MergeIterator) Next() bool {
	if err := mi.advance(); err != nil {
		mi.err = err
		return false
	}
	return mi.key != nil
}

func (mi *MergeIterator) advance() error {
	mi.key = nil

	var minKey []byte
	for _, s := range mi.sources {
		if !s.valid {
			continue
		}
		k := s.it.Record().Key
		if minKey == nil || bytes.Compare(k, minKey) < 0 {
			minKey = k
		}
	}
	if minKey == nil {
		return nil
	}

	var (
		best  record.Record
		found bool
	)
	for _, s := range mi.sources {
		if !s.valid || !bytes.Equal(s.it.Record().Key, minKey) {
			continue
		}
		r := s.it.Record()
		if !found || r.Seq > best.Seq {
			best = r
			found = true
		}
		s.valid = s.it.Next()
		if err := s.it.Err(); err != nil {
			return err
		}
	}

	mi.key = minKey
	mi.current = best
	return nil
}

// Result reports what Merge produced.
type Result struct {
	// OutputPath is empty and Empty is true when every input record
	// was a tombstone dropped at the deepest level, leaving nothing to
	// write: callers must not publish a manifest entry in that case.
	OutputPath string
	Level      int
	SeqHigh    uint64
	Empty      bool
}

// Merge reads every record across inputs, keeps the largest-seq
// version of each distinct key, drops tombstones when destLevel is the
// deepest level in the store (spec.md §4.8: "since L2 is the deepest
// level in this design, tombstones are dropped at L2"), and writes the
// survivors to a new segment at outputPath.
func Merge(inputs []*segment.Reader, destLevel, deepestLevel int, outputPath string) (Result, error) {
	mi, err := NewMergeIterator(inputs)
	if err != nil {
		return Result{}, err
	}

	expected := 0
	for _, r := range inputs {
		expected += int(r.KeyCount())
	}

	w, err := segment.NewWriter(outputPath, expected)
	if err != nil {
		return Result{}, err
	}

	var (
		seqHigh uint64
		wrote   bool
	)
	for mi.Valid() {
		r := mi.Record()
		dropTombstone := destLevel == deepestLevel && r.Kind != record.KindSet
		if !dropTombstone {
			if err := w.Add(r); err != nil {
				w.Abort()
				return Result{}, err
			}
			wrote = true
			if r.Seq > seqHigh {
				seqHigh = r.Seq
			}
		}
		if !mi.Next() {
			break
		}
	}
	if err := mi.Err(); err != nil {
		w.Abort()
		return Result{}, err
	}

	if !wrote {
		w.Abort()
		return Result{Level: destLevel, Empty: true}, nil
	}

	if err := w.Finish(); err != nil {
		return Result{}, err
	}
	return Result{OutputPath: outputPath, Level: destLevel, SeqHigh: seqHigh}, nil
}
