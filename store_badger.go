package pidb

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
)

// badgerStore keeps one badger DB per namespace in <dir>/<name>.
type badgerStore struct {
	dir    string
	logger logrus.FieldLogger

	mu sync.Mutex
	ns map[string]*badgerNamespace
}

func newBadgerStore(dir string, logger logrus.FieldLogger) *badgerStore {
	return &badgerStore{
		dir:    dir,
		logger: logger,
		ns:     make(map[string]*badgerNamespace),
	}
}

func (s *badgerStore) CreateNamespace(name string, o *NamespaceOptions) (Namespace, error) {
	if err := validateNamespaceName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ns, ok := s.ns[name]; ok {
		return ns, nil
	}

	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageError("open", name, err)
	}

	bo := badger.DefaultOptions
	bo.Dir = dir
	bo.ValueDir = dir
	bo.SyncWrites = o.norm().SyncWrites

	db, err := badger.Open(bo)
	if err != nil {
		return nil, storageError("open", name, err)
	}

	s.logger.WithField("action", "pidb_open_namespace").
		WithField("namespace", name).
		WithField("engine", EngineBadger).
		Debug("namespace opened")

	ns := &badgerNamespace{name: name, db: db}
	s.ns[name] = ns
	return ns, nil
}

func (s *badgerStore) Close() error {
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

// --------------------------------------------------------------------

type badgerNamespace struct {
	name string
	db   *badger.DB
}

func (n *badgerNamespace) Name() string { return n.name }

func (n *badgerNamespace) Put(key, value []byte) error {
	err := n.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return storageError("put", n.name, err)
}

func (n *badgerNamespace) Get(key []byte) ([]byte, error) {
	var val []byte
	err := n.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, storageError("get", n.name, err)
	}
	return val, nil
}

func (n *badgerNamespace) NewIterator() Cursor {
	txn := n.db.NewTransaction(false)
	return &badgerCursor{
		name: n.name,
		txn:  txn,
		it:   txn.NewIterator(badger.DefaultIteratorOptions),
	}
}

type badgerCursor struct {
	name string
	txn  *badger.Txn
	it   *badger.Iterator

	val []byte
	err error
}

func (c *badgerCursor) Seek(key []byte) { c.it.Seek(key); c.load() }
func (c *badgerCursor) Valid() bool     { return c.err == nil && c.it.Valid() }
func (c *badgerCursor) Key() []byte     { return c.it.Item().Key() }
func (c *badgerCursor) Value() []byte   { return c.val }
func (c *badgerCursor) Next()           { c.it.Next(); c.load() }
func (c *badgerCursor) Err() error      { return storageError("iterate", c.name, c.err) }

func (c *badgerCursor) Release() {
	c.it.Close()
	c.txn.Discard()
}

func (c *badgerCursor) load() {
	if c.err != nil || !c.it.Valid() {
		return
	}
	c.val, c.err = c.it.Item().ValueCopy(c.val[:0])
}
