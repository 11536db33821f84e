package pidb

import (
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// levelDBStore keeps one LevelDB instance per namespace in <dir>/<name>.
// An empty dir keeps everything in memory.
type levelDBStore struct {
	dir    string
	logger logrus.FieldLogger

	mu sync.Mutex
	ns map[string]*levelDBNamespace
}

func newLevelDBStore(dir string, logger logrus.FieldLogger) *levelDBStore {
	return &levelDBStore{
		dir:    dir,
		logger: logger,
		ns:     make(map[string]*levelDBNamespace),
	}
}

func (s *levelDBStore) CreateNamespace(name string, o *NamespaceOptions) (Namespace, error) {
	if err := validateNamespaceName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.ns[name]; ok {
		return ns, nil
	}

	var (
		db  *leveldb.DB
		err error
	)
	if s.dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), o.levelDB())
	} else {
		db, err = leveldb.OpenFile(filepath.Join(s.dir, name), o.levelDB())
	}
	if err != nil {
		return nil, storageError("open", name, err)
	}

	s.logger.WithField("action", "pidb_open_namespace").
		WithField("namespace", name).
		WithField("engine", EngineLevelDB).
		Debug("namespace opened")

	ns := &levelDBNamespace{name: name, db: db, wo: &opt.WriteOptions{Sync: o.norm().SyncWrites}}
	s.ns[name] = ns
	return ns, nil
}

func (s *levelDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for name, ns := range s.ns {
		if err := ns.db.Close(); err != nil && first == nil {
			first = storageError("close", name, err)
		}
		delete(s.ns, name)
	}
	return first
}

func (o *NamespaceOptions) levelDB() *opt.Options {
	o = o.norm()

	lo := &opt.Options{
		BlockSize:          o.BlockSize,
		WriteBuffer:        o.WriteBuffer,
		BlockCacheCapacity: o.BlockCacheCapacity,
		Compression:        opt.SnappyCompression,
	}
	if o.Compression == "none" {
		lo.Compression = opt.NoCompression
	}
	if o.BloomBitsPerKey > 0 {
		lo.Filter = filter.NewBloomFilter(o.BloomBitsPerKey)
	}
	return lo
}

// --------------------------------------------------------------------

type levelDBNamespace struct {
	name string
	db   *leveldb.DB
	wo   *opt.WriteOptions
}

func (n *levelDBNamespace) Name() string { return n.name }

func (n *levelDBNamespace) Put(key, value []byte) error {
	return storageError("put", n.name, n.db.Put(key, value, n.wo))
}

func (n *levelDBNamespace) Get(key []byte) ([]byte, error) {
	val, err := n.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, storageError("get", n.name, err)
	}
	return val, nil
}

func (n *levelDBNamespace) NewIterator() Cursor {
	return &levelDBCursor{name: n.name, it: n.db.NewIterator(nil, nil)}
}

type levelDBCursor struct {
	name string
	it   iterator.Iterator
}

func (c *levelDBCursor) Seek(key []byte) { c.it.Seek(key) }
func (c *levelDBCursor) Valid() bool     { return c.it.Valid() }
func (c *levelDBCursor) Key() []byte     { return c.it.Key() }
func (c *levelDBCursor) Value() []byte   { return c.it.Value() }
func (c *levelDBCursor) Next()           { c.it.Next() }
func (c *levelDBCursor) Err() error      { return storageError("iterate", c.name, c.it.Error()) }
func (c *levelDBCursor) Release()        { c.it.Release() }
