package pidb

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DB is a partial secondary-index store. A single DB value is shared by all
// callers; Init and Close are reference counted.
type DB struct {
	opts *Options

	mu   sync.RWMutex
	refs int
	eng  *engine
}

// New returns a DB. The base store is opened by the first call to Init.
func New(o *Options) *DB {
	return &DB{opts: o.norm()}
}

// Init opens the base store and loads the manifest on the first call.
// Subsequent calls only add a reference, every Init must be paired with
// a Close.
func (db *DB) Init() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.eng == nil {
		eng, err := openEngine(db.opts)
		if err != nil {
			return err
		}
		db.eng = eng
	}
	db.refs++
	return nil
}

// Close releases a reference. The last Close flushes partial batches and
// groups, writes the manifest and closes the base store.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.refs == 0 {
		return ErrClosed
	}
	if db.refs--; db.refs > 0 {
		return nil
	}

	eng := db.eng
	db.eng = nil
	return eng.Close()
}

// Insert inserts a record into a table. The call that completes a batch
// writes it to the base store.
func (db *DB) Insert(tableName string, key []byte, rec Record) error {
	eng, err := db.engine()
	if err != nil {
		return err
	}
	return eng.Insert(tableName, key, rec)
}

// Stats returns engine counters.
func (db *DB) Stats() Stats {
	eng, err := db.engine()
	if err != nil {
		return Stats{}
	}
	return eng.Stats()
}

func (db *DB) engine() (*engine, error) {
	db.mu.RLock()
	eng := db.eng
	db.mu.RUnlock()

	if eng == nil {
		return nil, ErrClosed
	}
	return eng, nil
}

// --------------------------------------------------------------------

type engine struct {
	opts      *Options
	logger    logrus.FieldLogger
	store     Store
	defaultNS Namespace
	dir       *directory
	groups    *groupIndex
	cache     *lru.Cache[string, []byte]

	seq uint64 // next sequence id, atomic

	inserts        uint64 // atomic
	batchesFlushed uint64 // atomic
	batchesFetched uint64 // atomic
	falsePositives uint64 // atomic
}

func openEngine(o *Options) (*engine, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	conf, err := loadNamespaceConfig(o.OptionsFile)
	if err != nil {
		return nil, err
	}

	var names []string
	if o.Dir != "" {
		if err := os.MkdirAll(o.Dir, 0755); err != nil {
			return nil, errors.Wrap(err, "pidb: create directory")
		}
		if names, err = readManifest(o.Dir); err != nil {
			return nil, err
		}
	}

	store := o.Store
	if store == nil {
		if store, err = OpenStore(o.Engine, o.Dir, o.Logger); err != nil {
			return nil, err
		}
	}

	cache, err := lru.New[string, []byte](o.FilterCacheSize)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(ErrConfig, err.Error())
	}

	e := &engine{
		opts:   o,
		logger: o.Logger,
		store:  store,
		cache:  cache,
	}
	e.dir = newDirectory(store, conf, o.Logger, func() *batchBuffer { return newBatchBuffer(o) })

	if err := e.open(names); err != nil {
		_ = store.Close()
		return nil, err
	}

	e.logger.WithField("action", "pidb_open").
		WithField("path", o.Dir).
		WithField("tables", len(e.dir.Tables())).
		WithField("next_sequence", e.seq).
		Info("pidb opened")
	return e, nil
}

func (e *engine) open(names []string) error {
	def, err := e.dir.CreateIfAbsent(DefaultTable)
	if err != nil {
		return err
	}
	e.defaultNS = def.ns
	e.groups = newGroupIndex(def.ns, e.opts)

	for _, name := range names {
		if _, err := e.dir.CreateIfAbsent(name); err != nil {
			return err
		}
	}

	return e.recoverSequence()
}

// recoverSequence restores the sequence counter and registers batches that
// were flushed but never finalized into a group.
func (e *engine) recoverSequence() error {
	if val, err := e.defaultNS.Get(metaSequenceKey); err == nil {
		if len(val) != 8 {
			return corruptionError("bad sequence meta data")
		}
		e.seq = binary.BigEndian.Uint64(val)
	} else if err != ErrNotFound {
		return err
	}

	finalized := make(map[uint64]struct{})
	if err := e.scanIDs(groupFilterPrefix, 0, func(gid uint64, _ []byte) error {
		finalized[gid] = struct{}{}
		return nil
	}); err != nil {
		return err
	}

	return e.scanIDs(batchFilterPrefix, e.seq, func(seq uint64, val []byte) error {
		if seq >= e.seq {
			e.seq = seq + 1
		}
		if _, ok := finalized[e.groups.GroupID(seq)]; ok {
			return nil
		}

		tableName, _, _, err := decodeBatchFilter(val)
		if err != nil {
			return err
		}
		// the manifest is only written on Close
		if _, err := e.dir.CreateIfAbsent(tableName); err != nil {
			return err
		}
		e.groups.recover(seq, tableName)
		e.logger.WithField("action", "pidb_recover_batch").
			WithField("sequence", seq).
			WithField("table", tableName).
			Warn("recovered batch without group")
		return nil
	})
}

// scanIDs iterates over all id keys with the given prefix, starting at id.
func (e *engine) scanIDs(prefix byte, id uint64, fn func(uint64, []byte) error) error {
	cur := e.defaultNS.NewIterator()
	defer cur.Release()

	for cur.Seek(idKey(prefix, id)); cur.Valid(); cur.Next() {
		key := cur.Key()
		if len(key) == 0 || key[0] != prefix {
			break
		}
		id, ok := parseIDKey(prefix, key)
		if !ok {
			continue
		}
		if err := fn(id, cur.Value()); err != nil {
			return err
		}
	}
	return cur.Err()
}

// Close drains all buffers and closes the store.
func (e *engine) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for _, t := range e.dir.Tables() {
		t.mu.Lock()
		keep(e.flush(t))
		t.mu.Unlock()
	}
	keep(e.groups.FinalizeAll())

	// the next batch opens a new group, finalized groups are immutable
	next := atomic.LoadUint64(&e.seq)
	if size := uint64(e.opts.GroupSize); next%size != 0 {
		next = (next/size + 1) * size
	}
	keep(e.defaultNS.Put(metaSequenceKey, sequenceKey(next)))

	names := e.dir.Names()
	if e.opts.Dir != "" {
		keep(writeManifest(e.opts.Dir, names))
	}
	keep(e.store.Close())

	e.logger.WithField("action", "pidb_close").
		WithField("path", e.opts.Dir).
		WithField("tables", len(names)).
		Info("pidb closed")
	return first
}

// Insert buffers a record and flushes the table's batch once it is full.
func (e *engine) Insert(tableName string, key []byte, rec Record) error {
	t, err := e.dir.CreateIfAbsent(tableName)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.buf.Append(key, rec); err != nil {
		return err
	}
	atomic.AddUint64(&e.inserts, 1)

	if !t.buf.Full() {
		return nil
	}
	return e.flush(t)
}

// flush writes the table's batch, its filter and registers it with the
// group index. The buffer is cleared even if writing fails. When the group
// cannot be finalized, the error is returned although the batch itself is
// already stored and visible to lookups.
// Callers must hold the table lock.
func (e *engine) flush(t *table) error {
	if t.buf.Len() == 0 {
		return nil
	}
	defer t.buf.Reset()

	seq := atomic.AddUint64(&e.seq, 1) - 1
	block, comp, filter := t.buf.Seal()

	if err := t.ns.Put(sequenceKey(seq), block); err != nil {
		return err
	}
	if err := e.defaultNS.Put(idKey(batchFilterPrefix, seq), encodeBatchFilter(t.name, comp, filter)); err != nil {
		return err
	}
	atomic.AddUint64(&e.batchesFlushed, 1)

	if err := e.groups.Register(seq, t.name, t.buf.Hashes()); err != nil {
		return err
	}

	e.logger.WithField("action", "pidb_flush_batch").
		WithField("table", t.name).
		WithField("sequence", seq).
		WithField("entries", t.buf.Len()).
		WithField("size", len(block)).
		Debug("batch flushed")
	return nil
}

// Stats returns engine counters.
func (e *engine) Stats() Stats {
	return Stats{
		Inserts:         atomic.LoadUint64(&e.inserts),
		BatchesFlushed:  atomic.LoadUint64(&e.batchesFlushed),
		GroupsFinalized: atomic.LoadUint64(&e.groups.finalized),
		Tables:          len(e.dir.Names()),
		BatchesFetched:  atomic.LoadUint64(&e.batchesFetched),
		FalsePositives:  atomic.LoadUint64(&e.falsePositives),
	}
}

// encodeBatchFilter stores the batch filter together with the owning
// table and the payload compression type, so batches can be decoded and
// recovered into groups.
func encodeBatchFilter(tableName string, comp byte, filter []byte) []byte {
	return append(appendPair(nil, []byte(tableName), filter), comp)
}

func decodeBatchFilter(data []byte) (string, byte, []byte, error) {
	pr := pairReader{data: data}
	if !pr.Next() {
		if err := pr.Err(); err != nil {
			return "", 0, nil, err
		}
		return "", 0, nil, corruptionError("empty batch filter")
	}
	if len(data)-pr.read != 1 {
		return "", 0, nil, corruptionError("bad batch filter trailer")
	}
	return string(pr.Name()), data[pr.read], pr.Value(), nil
}
