package pidb

import (
	"encoding/binary"
	"sync"

	"github.com/golang/snappy"
)

// batchBuffer accumulates the entries of a table's active batch.
type batchBuffer struct {
	codec     Codec
	batchSize int
	comp      Compression

	skLen int // enforced secondary key width, if positive

	buf    []byte // framed entries
	offs   []int  // entry start offsets
	filter *FilterBuilder
	snp    []byte // snappy buffer
}

func newBatchBuffer(o *Options) *batchBuffer {
	return &batchBuffer{
		codec:     o.codec(),
		batchSize: o.BatchSize,
		comp:      o.Compression,
		skLen:     o.SecondaryKeyLength,
		filter:    NewFilterBuilder(o.BitsPerKey),
	}
}

// Len returns the number of buffered entries.
func (b *batchBuffer) Len() int { return len(b.offs) }

// Full returns true when the buffer holds a complete batch.
func (b *batchBuffer) Full() bool { return len(b.offs) >= b.batchSize }

// Append appends a record and feeds its primary and secondary keys into the
// batch filter.
func (b *batchBuffer) Append(key []byte, rec Record) error {
	for _, f := range rec {
		if b.codec.IsSecondaryKey(f.Name) && b.skLen > 0 && len(f.Value) != b.skLen {
			return configError("secondary key %q is %d bytes long, expected %d", f.Name, len(f.Value), b.skLen)
		}
	}

	start := len(b.buf)

	var tmp [pairHeaderLen]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(key)))
	b.buf = append(b.buf, tmp[:]...)
	b.buf = append(b.buf, key...)
	b.buf = append(b.buf, tmp[:]...) // record length placeholder

	mark := len(b.buf)
	buf, err := b.codec.Append(b.buf, rec)
	if err != nil {
		b.buf = b.buf[:start]
		return err
	}
	b.buf = buf
	binary.LittleEndian.PutUint32(b.buf[mark-pairHeaderLen:], uint32(len(b.buf)-mark))

	b.offs = append(b.offs, start)
	if err := b.filter.Add(key); err != nil {
		return err
	}
	for _, f := range rec {
		if b.codec.IsSecondaryKey(f.Name) {
			if err := b.filter.Add(f.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Seal finishes the batch filter and returns the stored payload, its
// compression type and the filter. Reset must be called before the buffer
// is reused.
func (b *batchBuffer) Seal() (block []byte, comp byte, filter []byte) {
	filter = b.filter.Finish()

	if b.comp == SnappyCompression {
		b.snp = snappy.Encode(b.snp[:cap(b.snp)], b.buf)
		if len(b.snp) < len(b.buf)-len(b.buf)/4 {
			return b.snp, blockSnappyCompression, filter
		}
	}
	return b.buf, blockNoCompression, filter
}

// Hashes returns the key hashes fed into the batch filter.
func (b *batchBuffer) Hashes() []uint64 { return b.filter.hashes }

// Reset clears the buffer and reopens the batch filter.
func (b *batchBuffer) Reset() {
	b.buf = b.buf[:0]
	b.offs = b.offs[:0]
	b.filter.Reset()
}

// Entries returns a reader over the buffered entries.
func (b *batchBuffer) Entries() *pairReader {
	return &pairReader{data: b.buf}
}

// --------------------------------------------------------------------

// batchReader reads the entries of a stored batch.
type batchReader struct {
	pairReader
	plain []byte // pooled buffer, if decompressed
}

func newBatchReader(raw []byte, comp byte) (*batchReader, error) {
	if len(raw) == 0 {
		return nil, corruptionError("empty batch block")
	}

	switch comp {
	case blockNoCompression:
		return &batchReader{pairReader: pairReader{data: raw}}, nil
	case blockSnappyCompression:
		sz, err := snappy.DecodedLen(raw)
		if err != nil {
			return nil, corruptionError("snappy: %v", err)
		}

		plain := fetchBuffer(sz)
		block, err := snappy.Decode(plain, raw)
		if err != nil {
			releaseBuffer(plain)
			return nil, corruptionError("snappy: %v", err)
		}
		return &batchReader{pairReader: pairReader{data: block}, plain: plain}, nil
	}
	return nil, errBadCompression
}

// Key returns the primary key of the current entry.
func (r *batchReader) Key() []byte { return r.Name() }

// Release releases the reader and frees up resources. Keys and values
// must not be used after this method is called.
func (r *batchReader) Release() {
	if r.plain != nil {
		releaseBuffer(r.plain)
		r.plain = nil
	}
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
