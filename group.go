package pidb

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Key prefixes within the default namespace.
const (
	batchFilterPrefix  = 'b'
	groupFilterPrefix  = 'g'
	groupMembersPrefix = 'm'
)

// metaSequenceKey stores the next sequence id at Close.
var metaSequenceKey = []byte("s")

func idKey(prefix byte, id uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

func parseIDKey(prefix byte, key []byte) (uint64, bool) {
	if len(key) != 9 || key[0] != prefix {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// --------------------------------------------------------------------

// groupMember is a batch registered with a group.
type groupMember struct {
	Seq   uint64
	Table string
}

// encodeMembers encodes members sorted by sequence id: a member count
// followed by delta-encoded sequence ids and length-prefixed table names.
func encodeMembers(members []groupMember) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, uint64(len(members)))
	buf := append([]byte(nil), tmp[:n]...)

	var prev uint64
	for i, m := range members {
		seq := m.Seq
		if i != 0 {
			seq -= prev
		}
		prev = m.Seq

		n := binary.PutUvarint(tmp, seq)
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp, uint64(len(m.Table)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, m.Table...)
	}
	return buf
}

func decodeMembers(data []byte) ([]groupMember, error) {
	cnt, n := binary.Uvarint(data)
	if n <= 0 || cnt > uint64(len(data)) {
		return nil, corruptionError("bad group member count")
	}
	data = data[n:]

	members := make([]groupMember, 0, int(cnt))
	var seq uint64
	for i := uint64(0); i < cnt; i++ {
		inc, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, corruptionError("bad group member sequence")
		}
		data = data[n:]
		seq += inc

		tlen, n := binary.Uvarint(data)
		if n <= 0 || tlen > uint64(len(data)-n) {
			return nil, corruptionError("bad group member table")
		}
		data = data[n:]

		members = append(members, groupMember{Seq: seq, Table: string(data[:tlen])})
		data = data[tlen:]
	}
	if len(data) != 0 {
		return nil, corruptionError("%d trailing bytes after group members", len(data))
	}
	return members, nil
}

// --------------------------------------------------------------------

// openGroup is a group which has not been finalized yet.
type openGroup struct {
	id      uint64
	members []groupMember
	filter  *FilterBuilder

	// lossy groups were recovered without their members' key hashes
	// and are finalized with a saturated filter.
	lossy bool
}

// groupView is a lookup snapshot of an open group.
type groupView struct {
	id      uint64
	members []groupMember
}

// groupIndex aggregates flushed batches into groups.
type groupIndex struct {
	ns         Namespace // the default namespace
	size       int
	bitsPerKey float64
	logger     logrus.FieldLogger

	mu   sync.Mutex
	open map[uint64]*openGroup

	finalized uint64 // atomic
}

func newGroupIndex(ns Namespace, o *Options) *groupIndex {
	return &groupIndex{
		ns:         ns,
		size:       o.GroupSize,
		bitsPerKey: o.BitsPerKey,
		logger:     o.Logger,
		open:       make(map[uint64]*openGroup),
	}
}

// GroupID returns the group of a sequence id.
func (g *groupIndex) GroupID(seq uint64) uint64 { return seq / uint64(g.size) }

// Register adds a flushed batch to its group and finalizes the group once
// it is complete.
func (g *groupIndex) Register(seq uint64, tableName string, hashes []uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp := g.fetch(g.GroupID(seq))
	grp.members = append(grp.members, groupMember{Seq: seq, Table: tableName})
	for _, h := range hashes {
		if err := grp.filter.AddHash(h); err != nil {
			return err
		}
	}

	if len(grp.members) < g.size {
		return nil
	}
	return g.finalize(grp)
}

// recover registers a batch that was flushed but never finalized into a
// group, e.g. after an unclean shutdown.
func (g *groupIndex) recover(seq uint64, tableName string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	grp := g.fetch(g.GroupID(seq))
	grp.members = append(grp.members, groupMember{Seq: seq, Table: tableName})
	grp.lossy = true
}

func (g *groupIndex) fetch(gid uint64) *openGroup {
	grp, ok := g.open[gid]
	if !ok {
		grp = &openGroup{id: gid, filter: NewFilterBuilder(g.bitsPerKey)}
		g.open[gid] = grp
	}
	return grp
}

// FinalizeAll force-finalizes all open groups.
func (g *groupIndex) FinalizeAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]uint64, 0, len(g.open))
	for id := range g.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := g.finalize(g.open[id]); err != nil {
			return err
		}
	}
	return nil
}

// finalize persists the members and the aggregate filter of a group.
// Members are written first so that every visible group filter has members.
// Callers must hold the lock.
func (g *groupIndex) finalize(grp *openGroup) error {
	sort.Slice(grp.members, func(i, j int) bool { return grp.members[i].Seq < grp.members[j].Seq })

	var filter []byte
	if grp.lossy {
		filter = saturatedFilter()
	} else {
		filter = grp.filter.Finish()
	}

	if err := g.ns.Put(idKey(groupMembersPrefix, grp.id), encodeMembers(grp.members)); err != nil {
		return err
	}
	if err := g.ns.Put(idKey(groupFilterPrefix, grp.id), filter); err != nil {
		return err
	}

	delete(g.open, grp.id)
	atomic.AddUint64(&g.finalized, 1)

	g.logger.WithField("action", "pidb_finalize_group").
		WithField("group", grp.id).
		WithField("members", len(grp.members)).
		Debug("group finalized")
	return nil
}

// Snapshot returns copies of all open groups, sorted by group id.
func (g *groupIndex) Snapshot() []groupView {
	g.mu.Lock()
	defer g.mu.Unlock()

	views := make([]groupView, 0, len(g.open))
	for _, grp := range g.open {
		members := make([]groupMember, len(grp.members))
		copy(members, grp.members)
		sort.Slice(members, func(i, j int) bool { return members[i].Seq < members[j].Seq })
		views = append(views, groupView{id: grp.id, members: members})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].id < views[j].id })
	return views
}

// saturatedFilter returns a filter that matches every key.
func saturatedFilter() []byte {
	b := NewFilterBuilder(1)
	data := b.Finish()
	for i := 0; i < len(data)-1; i++ {
		data[i] = 0xff
	}
	return data
}
