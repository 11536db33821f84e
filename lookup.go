package pidb

import (
	"bytes"
	"sort"
	"sync/atomic"
)

// Read returns the most recently inserted record for key. If fields are
// given, only matching fields are returned. It may return an ErrNotFound
// error.
func (db *DB) Read(tableName string, key []byte, fields [][]byte) (Record, error) {
	eng, err := db.engine()
	if err != nil {
		return nil, err
	}
	return eng.Read(tableName, key, fields)
}

// Read2 returns all records whose secondary key field equals value, oldest
// first. The field must be a secondary key field. If fields are given, only
// matching fields are returned.
func (db *DB) Read2(tableName string, field, value []byte, fields [][]byte) ([]Record, error) {
	eng, err := db.engine()
	if err != nil {
		return nil, err
	}
	return eng.Read2(tableName, field, value, fields)
}

// --------------------------------------------------------------------

// candidate is a group that may contain a probed key. Members of finalized
// groups are loaded on demand.
type candidate struct {
	id      uint64
	members []groupMember
	loaded  bool
}

func (e *engine) Read(tableName string, key []byte, fields [][]byte) (Record, error) {
	t, ok := e.dir.Get(tableName)
	if !ok {
		return nil, ErrNotFound
	}

	codec := e.opts.codec()

	// unflushed records are the most recent
	rec, err := e.scanBuffer(t, func(pr *pairReader) (Record, error) {
		var last []byte
		for pr.Next() {
			if bytes.Equal(pr.Name(), key) {
				last = pr.Value()
			}
		}
		if err := pr.Err(); err != nil || last == nil {
			return nil, err
		}
		return decodeClone(codec, last, fields)
	})
	if err != nil || rec != nil {
		return rec, err
	}

	cands, err := e.candidates(key)
	if err != nil {
		return nil, err
	}

	for i := len(cands) - 1; i >= 0; i-- {
		members, err := e.members(&cands[i])
		if err != nil {
			return nil, err
		}

		for j := len(members) - 1; j >= 0; j-- {
			var found Record
			if err := e.probeBatch(t, members[j], key, func(br *batchReader) (bool, error) {
				var last []byte
				for br.Next() {
					if bytes.Equal(br.Key(), key) {
						last = br.Value()
					}
				}
				if err := br.Err(); err != nil || last == nil {
					return false, err
				}

				rec, err := decodeClone(codec, last, fields)
				if err != nil {
					return false, err
				}
				found = rec
				return true, nil
			}); err != nil {
				return nil, err
			}
			if found != nil {
				return found, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (e *engine) Read2(tableName string, field, value []byte, fields [][]byte) ([]Record, error) {
	codec := e.opts.codec()
	if !codec.IsSecondaryKey(field) {
		return nil, configError("field %q is not a secondary key field", field)
	}
	if n := e.opts.SecondaryKeyLength; n > 0 && len(value) != n {
		return nil, configError("secondary key %q is %d bytes long, expected %d", field, len(value), n)
	}

	t, ok := e.dir.Get(tableName)
	if !ok {
		return nil, nil
	}

	var results []Record
	collect := func(encoded []byte) (bool, error) {
		rec, err := codec.Decode(encoded, nil)
		if err != nil {
			return false, err
		}
		if v, ok := rec.Get(field); !ok || !bytes.Equal(v, value) {
			return false, nil
		}
		results = append(results, rec.project(fields).Clone())
		return true, nil
	}

	cands, err := e.candidates(value)
	if err != nil {
		return nil, err
	}

	for i := range cands {
		members, err := e.members(&cands[i])
		if err != nil {
			return nil, err
		}

		for _, m := range members {
			if err := e.probeBatch(t, m, value, func(br *batchReader) (bool, error) {
				matched := false
				for br.Next() {
					ok, err := collect(br.Value())
					if err != nil {
						return false, err
					}
					matched = matched || ok
				}
				return matched, br.Err()
			}); err != nil {
				return nil, err
			}
		}
	}

	if _, err := e.scanBuffer(t, func(pr *pairReader) (Record, error) {
		for pr.Next() {
			if _, err := collect(pr.Value()); err != nil {
				return nil, err
			}
		}
		return nil, pr.Err()
	}); err != nil {
		return nil, err
	}

	return results, nil
}

// scanBuffer runs fn over the table's unflushed entries.
func (e *engine) scanBuffer(t *table, fn func(*pairReader) (Record, error)) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fn(t.buf.Entries())
}

// candidates returns the groups that may contain key in ascending group
// order: finalized groups whose aggregate filter matches, followed by all
// open groups.
func (e *engine) candidates(key []byte) ([]candidate, error) {
	open := e.groups.Snapshot()
	seen := make(map[uint64]struct{}, len(open))
	for _, v := range open {
		seen[v.id] = struct{}{}
	}

	var cands []candidate
	if err := e.scanIDs(groupFilterPrefix, 0, func(gid uint64, data []byte) error {
		if _, ok := seen[gid]; ok {
			return nil
		}

		filter, err := NewFilter(data)
		if err != nil {
			return err
		}
		if filter.MayContain(key) {
			cands = append(cands, candidate{id: gid})
		}
		return nil
	}); err != nil {
		return nil, err
	}

	for _, v := range open {
		cands = append(cands, candidate{id: v.id, members: v.members, loaded: true})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].id < cands[j].id })
	return cands, nil
}

// members returns the members of a candidate group.
func (e *engine) members(c *candidate) ([]groupMember, error) {
	if c.loaded {
		return c.members, nil
	}

	data, err := e.blob(idKey(groupMembersPrefix, c.id))
	if err == ErrNotFound {
		return nil, corruptionError("group %d has no members", c.id)
	} else if err != nil {
		return nil, err
	}

	members, err := decodeMembers(data)
	if err != nil {
		return nil, err
	}
	c.members, c.loaded = members, true
	return members, nil
}

// probeBatch tests the batch filter of a member and, if it may contain
// key, fetches the batch and passes it to fn. Members of other tables are
// skipped.
func (e *engine) probeBatch(t *table, m groupMember, key []byte, fn func(*batchReader) (bool, error)) error {
	if m.Table != t.name {
		return nil
	}

	data, err := e.blob(idKey(batchFilterPrefix, m.Seq))
	if err == ErrNotFound {
		return corruptionError("batch %d has no filter", m.Seq)
	} else if err != nil {
		return err
	}

	_, comp, fdata, err := decodeBatchFilter(data)
	if err != nil {
		return err
	}
	filter, err := NewFilter(fdata)
	if err != nil {
		return err
	}
	if !filter.MayContain(key) {
		return nil
	}

	raw, err := t.ns.Get(sequenceKey(m.Seq))
	if err == ErrNotFound {
		return corruptionError("batch %d is missing in %q", m.Seq, t.name)
	} else if err != nil {
		return err
	}
	atomic.AddUint64(&e.batchesFetched, 1)

	br, err := newBatchReader(raw, comp)
	if err != nil {
		return err
	}
	defer br.Release()

	matched, err := fn(br)
	if err != nil {
		return err
	}
	if !matched {
		atomic.AddUint64(&e.falsePositives, 1)
	}
	return nil
}

// blob returns an immutable value of the default namespace.
func (e *engine) blob(key []byte) ([]byte, error) {
	if data, ok := e.cache.Get(string(key)); ok {
		return data, nil
	}

	data, err := e.defaultNS.Get(key)
	if err != nil {
		return nil, err
	}
	e.cache.Add(string(key), data)
	return data, nil
}

func decodeClone(codec Codec, encoded []byte, fields [][]byte) (Record, error) {
	rec, err := codec.Decode(encoded, fields)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = Record{}
	}
	return rec.Clone(), nil
}
