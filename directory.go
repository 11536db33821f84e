package pidb

import (
	"bufio"
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ManifestFileName is the name of the manifest file inside the DB directory.
const ManifestFileName = "TABLES"

// table is a named namespace with its active batch buffer.
type table struct {
	name string
	ns   Namespace

	mu  sync.Mutex // guards buf
	buf *batchBuffer
}

// directory maps table names to namespaces.
type directory struct {
	store  Store
	conf   namespaceConfig
	logger logrus.FieldLogger

	locks  sync.Map // table name -> *sync.Mutex
	tables sync.Map // table name -> *table

	newBuffer func() *batchBuffer
}

func newDirectory(store Store, conf namespaceConfig, logger logrus.FieldLogger, newBuffer func() *batchBuffer) *directory {
	return &directory{
		store:     store,
		conf:      conf,
		logger:    logger,
		newBuffer: newBuffer,
	}
}

// Get returns a known table.
func (d *directory) Get(name string) (*table, bool) {
	if v, ok := d.tables.Load(name); ok {
		return v.(*table), true
	}
	return nil, false
}

// CreateIfAbsent returns the named table, creating its namespace on first use.
func (d *directory) CreateIfAbsent(name string) (*table, error) {
	if t, ok := d.Get(name); ok {
		return t, nil
	}

	v, _ := d.locks.LoadOrStore(name, new(sync.Mutex))
	lock := v.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if t, ok := d.Get(name); ok {
		return t, nil
	}

	ns, err := d.store.CreateNamespace(name, d.options(name))
	if err != nil {
		return nil, err
	}
	d.logger.WithField("action", "pidb_create_table").
		WithField("table", name).
		Info("table created")

	t := &table{name: name, ns: ns, buf: d.newBuffer()}
	d.tables.Store(name, t)
	return t, nil
}

func (d *directory) options(name string) *NamespaceOptions {
	o, fallback := d.conf.lookup(name)
	if fallback && d.conf != nil {
		logger := d.logger.WithField("action", "pidb_table_options").WithField("table", name)
		if o != nil {
			logger.Warnf("no options for %q in options file, using options from %q", name, DefaultTable)
		} else {
			logger.Warnf("no options for either %q or %q in options file, using defaults", name, DefaultTable)
		}
	}
	return o
}

// Tables returns all known tables.
func (d *directory) Tables() []*table {
	var tables []*table
	d.tables.Range(func(_, v interface{}) bool {
		tables = append(tables, v.(*table))
		return true
	})
	sort.Slice(tables, func(i, j int) bool { return tables[i].name < tables[j].name })
	return tables
}

// Names returns the sorted names of all known tables, always including DefaultTable.
func (d *directory) Names() []string {
	names := []string{DefaultTable}
	for _, t := range d.Tables() {
		if t.name != DefaultTable {
			names = append(names, t.name)
		}
	}
	sort.Strings(names)
	return names
}

// --------------------------------------------------------------------

// writeManifest writes table names, one per line.
func writeManifest(dir string, names []string) error {
	var buf bytes.Buffer
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte('\n')
	}

	fname := filepath.Join(dir, ManifestFileName)
	if err := ioutil.WriteFile(fname+".tmp", buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, "pidb: write manifest")
	}
	if err := os.Rename(fname+".tmp", fname); err != nil {
		return errors.Wrap(err, "pidb: write manifest")
	}
	return nil
}

// readManifest reads table names. A missing manifest yields no names.
func readManifest(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFileName))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "pidb: read manifest")
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "pidb: read manifest")
	}
	return names, nil
}
