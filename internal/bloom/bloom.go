// Package bloom provides the probabilistic membership filter each segment
// carries so point lookups can skip a segment without touching disk.
//
// The bit array and hashing are delegated to github.com/greatroar/blobloom;
// keys are reduced to a single 64-bit hash with github.com/cespare/xxhash/v2
// before being handed to the filter, which is blobloom's documented way of
// supplying a key's hash (it derives the k bit positions from that one
// 64-bit value internally, the double-hashing scheme spec.md §4.4 permits).
package bloom

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/greatroar/blobloom"
)

// DefaultFPRate targets spec.md §4.4's "≤1% FPR at expected key count".
const DefaultFPRate = 0.01

// Filter wraps a blobloom.Filter sized for an expected key count.
type Filter struct {
	f         *blobloom.Filter
	hashCount uint32
}

// New builds a filter sized for expectedKeys entries at DefaultFPRate.
func New(expectedKeys int) *Filter {
	return NewWithFPRate(expectedKeys, DefaultFPRate)
}

// NewWithFPRate builds a filter sized for expectedKeys entries at the given
// target false-positive rate.
func NewWithFPRate(expectedKeys int, fpRate float64) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFPRate
	}

	f := blobloom.NewOptimal(blobloom.Config{
		Capacity: uint64(expectedKeys),
		FPRate:   fpRate,
	})

	return &Filter{
		f:         f,
		hashCount: optimalHashCount(expectedKeys, fpRate),
	}
}

// optimalHashCount mirrors the k = (m/n) * ln2 sizing the segment footer
// records for diagnostics; the live filter's own internal hash derivation
// is blobloom's, this is bookkeeping only.
func optimalHashCount(expectedKeys int, fpRate float64) uint32 {
	bits := math.Ceil(float64(expectedKeys) * -math.Log(fpRate) / (math.Ln2 * math.Ln2))
	k := int(math.Round(bits / float64(expectedKeys) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return uint32(k)
}

// Add records key's presence in the filter.
func (bf *Filter) Add(key []byte) {
	bf.f.Add(xxhash.Sum64(key))
}

// MightContain returns false only when key is definitely absent.
func (bf *Filter) MightContain(key []byte) bool {
	return bf.f.Has(xxhash.Sum64(key))
}

// HashCount is the k recorded in the segment footer.
func (bf *Filter) HashCount() uint32 {
	return bf.hashCount
}

// Marshal serializes the filter for the segment's BloomRegion.
func (bf *Filter) Marshal() ([]byte, error) {
	return bf.f.MarshalBinary()
}

// Unmarshal reconstructs a filter from a segment's BloomRegion bytes. The
// footer's hash-count field is retained for diagnostics but the live
// filter state comes entirely from the marshaled bytes.
func Unmarshal(data []byte, hashCount uint32) (*Filter, error) {
	f := new(blobloom.Filter)
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &Filter{f: f, hashCount: hashCount}, nil
}
