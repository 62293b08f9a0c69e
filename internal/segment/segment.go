// Package segment implements the immutable on-disk sorted run of
// spec.md §4.4/§4.5: a sequence of CRC-protected blocks followed by a
// sparse key index, a bloom filter, and a fixed 32-byte footer.
// Grounded in the teacher's internal/sstable/sstable.go
// (return2faye/SiltKV), replaced wholesale to carry record.Record's
// seq/kind instead of raw key/value pairs and to add the index, bloom
// and footer regions the teacher's flat writer never had.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/waldb/waldb/internal/block"
	"github.com/waldb/waldb/internal/bloom"
	"github.com/waldb/waldb/internal/cache"
	"github.com/waldb/waldb/internal/record"
)

// Magic identifies a segment file (spec.md §6).
const Magic = "WALDB03"

const footerSize = 8 + 8 + 4 + 4 + 4 + 4 // seqLow|seqHigh|keyCount|indexBytes|bloomBytes|hashCount

var (
	ErrBadMagic   = errors.New("segment: bad magic")
	ErrTruncated  = errors.New("segment: truncated file")
	ErrNotFound   = errors.New("segment: key not found")
	ErrEmptyInput = errors.New("segment: writer produced no records")
)

// FileName builds a segment's canonical basename (spec.md §6):
// l{level}_{seq_high:010}.seg. seq_high in the name is advisory; the
// footer is authoritative.
func FileName(level int, seqHigh uint64) string {
	return fmt.Sprintf("l%d_%010d.seg", level, seqHigh)
}

// ParseFileName extracts the level and advisory seq_high from a
// segment basename produced by FileName, for use by compaction and
// orphan cleanup.
func ParseFileName(name string) (level int, seqHigh uint64, ok bool) {
	var n uint64
	var l int
	count, err := fmt.Sscanf(name, "l%d_%010d.seg", &l, &n)
	if err != nil || count != 2 {
		return 0, 0, false
	}
	return l, n, true
}

type indexEntry struct {
	key    []byte
	offset int64
}

// Writer builds one segment file from records supplied in ascending
// key order (the contract memtable iteration and compaction merges
// both uphold).
type Writer struct {
	file    *os.File
	path    string
	builder *block.Builder
	bloom   *bloom.Filter
	index   []indexEntry
	offset  int64

	seqLow, seqHigh uint64
	keyCount        uint32
	wroteAny        bool
}

// NewWriter creates path (truncating any existing file — segments are
// write-once) and prepares to accept records. expectedKeys sizes the
// bloom filter. Blocks are packed to block.TargetSize at the bloom
// filter's DefaultFPRate; use NewWriterWithOptions to override either.
func NewWriter(path string, expectedKeys int) (*Writer, error) {
	return NewWriterWithOptions(path, expectedKeys, block.TargetSize, bloom.DefaultFPRate)
}

// NewWriterWithOptions is NewWriter with an overridable block target
// size and bloom false-positive rate, for stores configured away from
// the spec's defaults (SPEC_FULL.md §4.11's WithBlockSize/WithBloomFPR).
func NewWriterWithOptions(path string, expectedKeys, blockSize int, fpRate float64) (*Writer, error) {
	if blockSize <= 0 {
		blockSize = block.TargetSize
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write([]byte(Magic)); err != nil {
		f.Close()
		return nil, err
	}

	return &Writer{
		file:    f,
		path:    path,
		builder: block.NewBuilder(blockSize),
		bloom:   bloom.NewWithFPRate(expectedKeys, fpRate),
		offset:  int64(len(Magic)),
	}, nil
}

// Add appends r. Records must arrive in ascending key order.
func (w *Writer) Add(r record.Record) error {
	if !w.builder.Add(r) {
		if err := w.flushBlock(); err != nil {
			return err
		}
		if !w.builder.Add(r) {
			return fmt.Errorf("segment: record for key %q does not fit in an empty block", r.Key)
		}
	}

	w.bloom.Add(r.Key)
	if !w.wroteAny || r.Seq < w.seqLow {
		w.seqLow = r.Seq
	}
	if r.Seq > w.seqHigh {
		w.seqHigh = r.Seq
	}
	w.keyCount++
	w.wroteAny = true
	return nil
}

func (w *Writer) flushBlock() error {
	if w.builder.Empty() {
		return nil
	}
	firstKey := w.builder.FirstKey()
	data := w.builder.Finish()

	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{key: firstKey, offset: w.offset})
	w.offset += int64(len(data))
	return nil
}

// Finish flushes the last block, writes the index, bloom and footer
// regions, fsyncs and closes the file. It returns ErrEmptyInput if no
// record was ever added: the store must not publish an empty segment.
func (w *Writer) Finish() error {
	if !w.wroteAny {
		w.file.Close()
		os.Remove(w.path)
		return ErrEmptyInput
	}

	if err := w.flushBlock(); err != nil {
		return err
	}

	var indexBuf []byte
	for _, e := range w.index {
		var hdr [4 + 8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(e.key)))
		binary.LittleEndian.PutUint64(hdr[4:12], uint64(e.offset))
		indexBuf = append(indexBuf, hdr[:]...)
		indexBuf = append(indexBuf, e.key...)
	}
	if _, err := w.file.Write(indexBuf); err != nil {
		return err
	}

	bloomBuf, err := w.bloom.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.file.Write(bloomBuf); err != nil {
		return err
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], w.seqLow)
	binary.LittleEndian.PutUint64(footer[8:16], w.seqHigh)
	binary.LittleEndian.PutUint32(footer[16:20], w.keyCount)
	binary.LittleEndian.PutUint32(footer[20:24], uint32(len(indexBuf)))
	binary.LittleEndian.PutUint32(footer[24:28], uint32(len(bloomBuf)))
	binary.LittleEndian.PutUint32(footer[28:32], w.bloom.HashCount())
	if _, err := w.file.Write(footer[:]); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Abort discards a partially-written segment, used when a writer
// encounters an error partway through and must not leave a file
// behind that the manifest never references.
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.path)
}

// Reader opens an existing segment file for point lookups and range
// scans, loading its footer, index and bloom filter into memory
// (spec.md §4.5).
type Reader struct {
	file  *os.File
	path  string
	size  int64
	cache *cache.Cache

	seqLow, seqHigh uint64
	keyCount        uint32
	index           []indexEntry
	blocksEnd       int64
	filter          *bloom.Filter
}

// Open reads path's footer, index and bloom regions. c may be nil, in
// which case block reads always go to disk.
func Open(path string, c *cache.Cache) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < int64(len(Magic))+footerSize {
		f.Close()
		return nil, ErrTruncated
	}

	magic := make([]byte, len(Magic))
	if _, err := f.ReadAt(magic, 0); err != nil {
		f.Close()
		return nil, err
	}
	if string(magic) != Magic {
		f.Close()
		return nil, ErrBadMagic
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-footerSize); err != nil {
		f.Close()
		return nil, err
	}
	seqLow := binary.LittleEndian.Uint64(footer[0:8])
	seqHigh := binary.LittleEndian.Uint64(footer[8:16])
	keyCount := binary.LittleEndian.Uint32(footer[16:20])
	indexBytes := binary.LittleEndian.Uint32(footer[20:24])
	bloomBytes := binary.LittleEndian.Uint32(footer[24:28])
	hashCount := binary.LittleEndian.Uint32(footer[28:32])

	blocksEnd := size - footerSize - int64(bloomBytes) - int64(indexBytes)
	if blocksEnd < int64(len(Magic)) {
		f.Close()
		return nil, ErrTruncated
	}

	indexBuf := make([]byte, indexBytes)
	if _, err := f.ReadAt(indexBuf, blocksEnd); err != nil {
		f.Close()
		return nil, err
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf := make([]byte, bloomBytes)
	if _, err := f.ReadAt(bloomBuf, blocksEnd+int64(indexBytes)); err != nil {
		f.Close()
		return nil, err
	}
	filter, err := bloom.Unmarshal(bloomBuf, hashCount)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{
		file:      f,
		path:      path,
		size:      size,
		cache:     c,
		seqLow:    seqLow,
		seqHigh:   seqHigh,
		keyCount:  keyCount,
		index:     index,
		blocksEnd: blocksEnd,
		filter:    filter,
	}, nil
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	var entries []indexEntry
	pos := 0
	for pos < len(buf) {
		if pos+12 > len(buf) {
			return nil, ErrTruncated
		}
		klen := binary.LittleEndian.Uint32(buf[pos : pos+4])
		offset := int64(binary.LittleEndian.Uint64(buf[pos+4 : pos+12]))
		pos += 12
		if pos+int(klen) > len(buf) {
			return nil, ErrTruncated
		}
		key := make([]byte, klen)
		copy(key, buf[pos:pos+int(klen)])
		pos += int(klen)
		entries = append(entries, indexEntry{key: key, offset: offset})
	}
	return entries, nil
}

// Path returns the segment's file path.
func (r *Reader) Path() string { return r.path }

// SeqLow is the smallest seq of any record in the segment.
func (r *Reader) SeqLow() uint64 { return r.seqLow }

// SeqHigh is the largest seq of any record in the segment.
func (r *Reader) SeqHigh() uint64 { return r.seqHigh }

// KeyCount is the number of records stored. The Writer does not
// deduplicate keys; the store's flush and compaction paths each hand it
// at most one record per key.
func (r *Reader) KeyCount() uint32 { return r.keyCount }

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// blockAtOffset returns block offset's verified payload, consulting
// the cache first.
func (r *Reader) blockAtOffset(idx int) ([]byte, error) {
	offset := r.index[idx].offset
	if r.cache != nil {
		if cached, ok := r.cache.Get(cache.Key{Path: r.path, Offset: offset}); ok {
			return cached, nil
		}
	}

	end := r.blocksEnd
	if idx+1 < len(r.index) {
		end = r.index[idx+1].offset
	}
	raw := make([]byte, end-offset)
	if _, err := r.file.ReadAt(raw, offset); err != nil {
		return nil, err
	}
	payload, err := block.Verify(raw)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Insert(cache.Key{Path: r.path, Offset: offset}, payload)
	}
	return payload, nil
}

// floorBlock returns the index of the last block whose first key is
// <= key, or -1 if key precedes every block's first key.
func (r *Reader) floorBlock(key []byte) int {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) > 0
	})
	return i - 1
}

// Get performs spec.md §4.5's point lookup: bloom check, then a
// binary-searched, linearly-scanned block. Returns ok=false if the key
// is absent from this segment (the bloom filter or the block scan
// found nothing), never an error, unless the segment itself is
// corrupt.
func (r *Reader) Get(key []byte) (record.Record, bool, error) {
	if !r.filter.MightContain(key) {
		return record.Record{}, false, nil
	}

	idx := r.floorBlock(key)
	if idx < 0 {
		return record.Record{}, false, nil
	}

	payload, err := r.blockAtOffset(idx)
	if err != nil {
		return record.Record{}, false, err
	}

	var (
		best  record.Record
		found bool
	)
	it := block.NewIterator(payload)
	for it.Next() {
		rec := it.Record()
		if bytes.Equal(rec.Key, key) {
			if !found || rec.Seq > best.Seq {
				best = rec
				found = true
			}
		}
	}
	return best, found, nil
}

// RangeIterator walks every record with start <= key < end, in
// ascending key order, across as many blocks as necessary.
type RangeIterator struct {
	r        *Reader
	start    []byte
	end      []byte
	blockIdx int
	it       *block.Iterator
	cur      record.Record
	err      error
}

// RangeIterator returns an iterator over [start, end). A nil/empty end
// means unbounded above.
func (r *Reader) RangeIterator(start, end []byte) *RangeIterator {
	idx := r.floorBlock(start)
	if idx < 0 {
		idx = 0
	}
	return &RangeIterator{r: r, start: start, end: end, blockIdx: idx}
}

// Err returns any error encountered during iteration.
func (it *RangeIterator) Err() error { return it.err }

// Next advances to the next matching record, returning false at end of
// range or on error (check Err to distinguish the two).
func (it *RangeIterator) Next() bool {
	for {
		if it.it == nil {
			if it.blockIdx >= len(it.r.index) {
				return false
			}
			if len(it.end) > 0 && bytes.Compare(it.r.index[it.blockIdx].key, it.end) >= 0 {
				return false
			}
			payload, err := it.r.blockAtOffset(it.blockIdx)
			if err != nil {
				it.err = err
				return false
			}
			it.it = block.NewIterator(payload)
			it.blockIdx++
		}

		for it.it.Next() {
			rec := it.it.Record()
			if len(it.start) > 0 && bytes.Compare(rec.Key, it.start) < 0 {
				continue
			}
			if len(it.end) > 0 && bytes.Compare(rec.Key, it.end) >= 0 {
				return false
			}
			it.cur = rec
			return true
		}
		it.it = nil
	}
}

// Record returns the record at the current iterator position.
func (it *RangeIterator) Record() record.Record { return it.cur }

// FullIterator walks every record in the segment in ascending key
// order, used by compaction to merge whole segments.
func (r *Reader) FullIterator() *RangeIterator {
	return &RangeIterator{r: r, blockIdx: 0}
}

var _ io.Closer = (*Reader)(nil)
