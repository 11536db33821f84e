package pidb

import (
	"math"

	farm "github.com/dgryski/go-farm"
)

// DefaultBitsPerKey is the default filter density.
const DefaultBitsPerKey = 9.9

const (
	minFilterBits = 64
	maxProbes     = 30
)

// FilterBuilder accumulates keys of an open filter.
type FilterBuilder struct {
	bitsPerKey float64
	hashes     []uint64
	finished   bool
}

// NewFilterBuilder inits a new builder.
func NewFilterBuilder(bitsPerKey float64) *FilterBuilder {
	if bitsPerKey <= 0 || math.IsNaN(bitsPerKey) {
		bitsPerKey = DefaultBitsPerKey
	}
	return &FilterBuilder{bitsPerKey: bitsPerKey}
}

// Add adds a key. It fails once the builder is finished.
func (b *FilterBuilder) Add(key []byte) error {
	return b.AddHash(farm.Hash64(key))
}

// AddHash adds a pre-computed key hash.
func (b *FilterBuilder) AddHash(h uint64) error {
	if b.finished {
		return errFilterFinished
	}
	b.hashes = append(b.hashes, h)
	return nil
}

// Len returns the number of added keys.
func (b *FilterBuilder) Len() int { return len(b.hashes) }

// Finish builds the filter and closes the builder.
func (b *FilterBuilder) Finish() []byte {
	b.finished = true

	nbits := int(math.Ceil(float64(len(b.hashes)) * b.bitsPerKey))
	if nbits < minFilterBits {
		nbits = minFilterBits
	}
	nbytes := (nbits + 63) / 64 * 8
	nbits = nbytes * 8

	data := make([]byte, nbytes+1)
	k := numProbes(b.bitsPerKey)
	data[nbytes] = byte(k)

	for _, h := range b.hashes {
		h1, h2 := uint32(h), uint32(h>>32)
		for i := 0; i < k; i++ {
			pos := (h1 + uint32(i)*h2) % uint32(nbits)
			data[pos/8] |= 1 << (pos % 8)
		}
	}
	return data
}

// Reset reopens the builder and drops all keys.
func (b *FilterBuilder) Reset() {
	b.hashes = b.hashes[:0]
	b.finished = false
}

func numProbes(bitsPerKey float64) int {
	k := int(math.Round(bitsPerKey * math.Ln2))
	if k < 1 {
		k = 1
	} else if k > maxProbes {
		k = maxProbes
	}
	return k
}

// FalsePositiveRate returns the theoretical false-positive rate of a filter
// built with the given density.
func FalsePositiveRate(bitsPerKey float64) float64 {
	k := float64(numProbes(bitsPerKey))
	return math.Pow(1-math.Exp(-k/bitsPerKey), k)
}

// --------------------------------------------------------------------

// Filter is a finished, immutable membership filter.
type Filter struct {
	bits  []byte
	nbits uint32
	k     int
}

// NewFilter wraps finished filter data.
func NewFilter(data []byte) (*Filter, error) {
	if len(data) < minFilterBits/8+1 || (len(data)-1)%8 != 0 {
		return nil, corruptionError("bad filter size %d", len(data))
	}

	k := int(data[len(data)-1])
	if k < 1 || k > maxProbes {
		return nil, corruptionError("bad filter probe count %d", k)
	}

	bits := data[:len(data)-1]
	return &Filter{bits: bits, nbits: uint32(len(bits) * 8), k: k}, nil
}

// MayContain returns false if key was definitely never added.
func (f *Filter) MayContain(key []byte) bool {
	return f.mayContainHash(farm.Hash64(key))
}

func (f *Filter) mayContainHash(h uint64) bool {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := 0; i < f.k; i++ {
		pos := (h1 + uint32(i)*h2) % f.nbits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}
