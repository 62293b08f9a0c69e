package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/waldb/waldb/internal/record"
	"github.com/waldb/waldb/internal/segment"
)

func buildSegment(t *testing.T, dir, name string, records []record.Record) *segment.Reader {
	t.Helper()
	path := filepath.Join(dir, name)
	w, err := segment.NewWriter(path, len(records))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for _, r := range records {
		if err := w.Add(r); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	r, err := segment.Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return r
}

func TestMergeKeepsLargestSeqAcrossInputs(t *testing.T) {
	dir := t.TempDir()

	older := buildSegment(t, dir, "l0_0000000001.seg", []record.Record{
		{Seq: 1, Kind: record.KindSet, Key: []byte("a"), Value: []byte("initial")},
		{Seq: 1, Kind: record.KindSet, Key: []byte("b"), Value: []byte("1")},
	})
	defer older.Close()

	newer := buildSegment(t, dir, "l0_0000000002.seg", []record.Record{
		{Seq: 2, Kind: record.KindSet, Key: []byte("a"), Value: []byte("final")},
	})
	defer newer.Close()

	result, err := Merge([]*segment.Reader{older, newer}, 1, 2, filepath.Join(dir, "l1_0000000002.seg"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if result.Empty {
		t.Fatal("expected a non-empty merge result")
	}
	if result.SeqHigh != 2 {
		t.Errorf("SeqHigh = %d, want 2", result.SeqHigh)
	}

	out, err := segment.Open(result.OutputPath, nil)
	if err != nil {
		t.Fatalf("Open merged segment failed: %v", err)
	}
	defer out.Close()

	got, ok, err := out.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get(a) failed: ok=%v err=%v", ok, err)
	}
	if string(got.Value) != "final" {
		t.Errorf("Get(a) = %q, want final", got.Value)
	}
	if got2, ok, err := out.Get([]byte("b")); err != nil || !ok || string(got2.Value) != "1" {
		t.Errorf("Get(b) = %+v ok=%v err=%v", got2, ok, err)
	}
}

func TestMergeKeepsTombstonesAtNonDeepestLevel(t *testing.T) {
	dir := t.TempDir()

	seg := buildSegment(t, dir, "l0_0000000001.seg", []record.Record{
		{Seq: 1, Kind: record.KindDelPoint, Key: []byte("a")},
	})
	defer seg.Close()

	result, err := Merge([]*segment.Reader{seg}, 1, 2, filepath.Join(dir, "l1_0000000001.seg"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if result.Empty {
		t.Fatal("tombstone at L1 (not the deepest level) should survive the merge")
	}

	out, err := segment.Open(result.OutputPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer out.Close()

	got, ok, err := out.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get(a) failed: ok=%v err=%v", ok, err)
	}
	if got.Kind != record.KindDelPoint {
		t.Errorf("got %+v, want a surviving DEL_POINT", got)
	}
}

func TestMergeDropsTombstonesAtDeepestLevel(t *testing.T) {
	dir := t.TempDir()

	seg := buildSegment(t, dir, "l1_0000000001.seg", []record.Record{
		{Seq: 1, Kind: record.KindDelPoint, Key: []byte("a")},
	})
	defer seg.Close()

	result, err := Merge([]*segment.Reader{seg}, 2, 2, filepath.Join(dir, "l2_0000000001.seg"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !result.Empty {
		t.Error("a lone tombstone merged into the deepest level should produce an empty result")
	}
}

func TestMergeManySegments(t *testing.T) {
	dir := t.TempDir()
	var readers []*segment.Reader
	for s := 0; s < 5; s++ {
		var records []record.Record
		for i := 0; i < 50; i++ {
			seq := uint64(s*50 + i + 1)
			key := fmt.Sprintf("key%05d", i)
			records = append(records, record.Record{Seq: seq, Kind: record.KindSet, Key: []byte(key), Value: []byte(fmt.Sprintf("v%d", s))})
		}
		r := buildSegment(t, dir, fmt.Sprintf("l0_%010d.seg", s+1), records)
		defer r.Close()
		readers = append(readers, r)
	}

	result, err := Merge(readers, 1, 2, filepath.Join(dir, "l1_merged.seg"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	out, err := segment.Open(result.OutputPath, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer out.Close()

	if out.KeyCount() != 50 {
		t.Errorf("KeyCount() = %d, want 50 distinct keys", out.KeyCount())
	}
	// Every key's winner should be from segment index 4 (the last
	// segment written, carrying the highest seq for every key).
	got, ok, err := out.Get([]byte("key00000"))
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(got.Value) != "v4" {
		t.Errorf("Get(key00000) = %q, want v4", got.Value)
	}
}
