package pidb

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// Field is a single named record value.
type Field struct {
	Name  []byte
	Value []byte
}

// Record is an ordered list of fields. Field names are unique within a record.
type Record []Field

// Get returns the value of the named field.
func (r Record) Get(name []byte) ([]byte, bool) {
	for _, f := range r {
		if bytes.Equal(f.Name, name) {
			return f.Value, true
		}
	}
	return nil, false
}

func (r Record) project(fields [][]byte) Record {
	if len(fields) == 0 {
		return r
	}

	res := make(Record, 0, len(fields))
	for _, f := range r {
		if includesField(fields, f.Name) {
			res = append(res, f)
		}
	}
	return res
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}

	sz := 0
	for _, f := range r {
		sz += len(f.Name) + len(f.Value)
	}

	buf := make([]byte, 0, sz)
	res := make(Record, len(r))
	for i, f := range r {
		buf = append(buf, f.Name...)
		name := buf[len(buf)-len(f.Name):]
		buf = append(buf, f.Value...)
		value := buf[len(buf)-len(f.Value):]
		res[i] = Field{Name: name, Value: value}
	}
	return res
}

// --------------------------------------------------------------------

const pairHeaderLen = 4

// Codec serializes records.
type Codec struct {
	// EncodeFieldNames stores field names and length prefixes. When false,
	// only values are stored and every value must be exactly FieldLength
	// bytes long.
	EncodeFieldNames bool

	// FieldLength is the fixed value width used when EncodeFieldNames is false.
	FieldLength int

	// SecondaryKeyCount is the number of leading values which are secondary
	// keys when EncodeFieldNames is false. They must be named
	// SecondaryKeyPrefix + position and are decoded under these names,
	// the remaining values are decoded as field0, field1, ...
	SecondaryKeyCount int

	// SecondaryKeyPrefix is the secondary key field name prefix.
	// Default: "skey".
	SecondaryKeyPrefix string
}

// Encode serializes a record.
func (c Codec) Encode(rec Record) ([]byte, error) {
	return c.Append(nil, rec)
}

// Append appends the serialized record to dst.
func (c Codec) Append(dst []byte, rec Record) ([]byte, error) {
	for i, f := range rec {
		if c.EncodeFieldNames {
			dst = appendPair(dst, f.Name, f.Value)
			continue
		}

		if len(f.Value) != c.FieldLength {
			return dst, configError("field %q is %d bytes long, expected %d", f.Name, len(f.Value), c.FieldLength)
		}
		if err := c.checkPosition(i, f.Name); err != nil {
			return dst, err
		}
		dst = append(dst, f.Value...)
	}
	return dst, nil
}

// checkPosition ensures that secondary keys occupy the leading positions of
// a record without field names.
func (c Codec) checkPosition(pos int, name []byte) error {
	prefix := c.secondaryKeyPrefix()
	if pos < c.SecondaryKeyCount {
		if want := c.fixedName(pos); !bytes.Equal(name, want) {
			return configError("field %q at position %d, expected %q", name, pos, want)
		}
	} else if bytes.HasPrefix(name, []byte(prefix)) {
		return configError("secondary key %q at position %d, only %d are supported", name, pos, c.SecondaryKeyCount)
	}
	return nil
}

// IsSecondaryKey returns true if name is a secondary key field that can be
// decoded again.
func (c Codec) IsSecondaryKey(name []byte) bool {
	if c.EncodeFieldNames {
		return bytes.HasPrefix(name, []byte(c.secondaryKeyPrefix()))
	}
	for i := 0; i < c.SecondaryKeyCount; i++ {
		if bytes.Equal(name, c.fixedName(i)) {
			return true
		}
	}
	return false
}

func (c Codec) secondaryKeyPrefix() string {
	if c.SecondaryKeyPrefix == "" {
		return DefaultSecondaryKeyPrefix
	}
	return c.SecondaryKeyPrefix
}

// fixedName returns the name of the value at pos in a record without
// field names.
func (c Codec) fixedName(pos int) []byte {
	if pos < c.SecondaryKeyCount {
		return strconv.AppendInt([]byte(c.secondaryKeyPrefix()), int64(pos), 10)
	}
	return strconv.AppendInt([]byte("field"), int64(pos-c.SecondaryKeyCount), 10)
}

// Decode deserializes data. If fields are given, only matching fields are
// retained. The returned record references data.
func (c Codec) Decode(data []byte, fields [][]byte) (Record, error) {
	if !c.EncodeFieldNames {
		return c.decodeFixed(data, fields)
	}

	var rec Record
	pr := pairReader{data: data}
	for pr.Next() {
		if !includesField(fields, pr.Name()) {
			continue
		}
		rec = append(rec, Field{Name: pr.Name(), Value: pr.Value()})
	}
	if err := pr.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c Codec) decodeFixed(data []byte, fields [][]byte) (Record, error) {
	if c.FieldLength < 1 {
		if len(data) != 0 {
			return nil, configError("field length must be positive to decode unnamed fields")
		}
		return nil, nil
	}
	if len(data)%c.FieldLength != 0 {
		return nil, corruptionError("%d bytes do not divide into %d byte fields", len(data), c.FieldLength)
	}

	var rec Record
	for i := 0; len(data) != 0; i++ {
		name := c.fixedName(i)
		if includesField(fields, name) {
			rec = append(rec, Field{Name: name, Value: data[:c.FieldLength]})
		}
		data = data[c.FieldLength:]
	}
	return rec, nil
}

func includesField(fields [][]byte, name []byte) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if bytes.Equal(f, name) {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------

func appendPair(dst, name, value []byte) []byte {
	var tmp [pairHeaderLen]byte

	binary.LittleEndian.PutUint32(tmp[:], uint32(len(name)))
	dst = append(dst, tmp[:]...)
	dst = append(dst, name...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(value)))
	dst = append(dst, tmp[:]...)
	dst = append(dst, value...)
	return dst
}

// pairReader iterates over length-prefixed name/value pairs, the layout
// shared by encoded records and batch payloads.
type pairReader struct {
	data []byte
	read int // bytes read

	name  []byte
	value []byte
	err   error
}

// Next advances the cursor to the next pair and returns true if successful.
func (r *pairReader) Next() bool {
	if r.err != nil || r.read >= len(r.data) {
		return false
	}

	name, ok := r.readChunk()
	if !ok {
		return false
	}
	value, ok := r.readChunk()
	if !ok {
		return false
	}

	r.name, r.value = name, value
	return true
}

func (r *pairReader) readChunk() ([]byte, bool) {
	if len(r.data)-r.read < pairHeaderLen {
		r.err = corruptionError("truncated length at offset %d", r.read)
		return nil, false
	}
	n := binary.LittleEndian.Uint32(r.data[r.read:])
	r.read += pairHeaderLen

	if uint64(n) > uint64(len(r.data)-r.read) {
		r.err = corruptionError("length %d at offset %d exceeds %d remaining bytes", n, r.read-pairHeaderLen, len(r.data)-r.read)
		return nil, false
	}
	chunk := r.data[r.read : r.read+int(n)]
	r.read += int(n)
	return chunk, true
}

// Name returns the name of the current pair.
func (r *pairReader) Name() []byte { return r.name }

// Value returns the value of the current pair.
func (r *pairReader) Value() []byte { return r.value }

// Err exposes decoding errors, if any.
func (r *pairReader) Err() error { return r.err }
