package pidb

import (
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// DefaultSecondaryKeyPrefix is the default secondary key field name prefix.
const DefaultSecondaryKeyPrefix = "skey"

// Options define DB specific options.
type Options struct {
	// Dir is the base store directory. An empty directory keeps all data
	// in memory (leveldb engine only) and disables the manifest.
	Dir string

	// OptionsFile is an optional YAML file with per-table namespace options,
	// see NamespaceOptions.
	OptionsFile string

	// Engine selects the base store engine.
	// Default: EngineLevelDB.
	Engine string

	// BatchSize is the number of records per batch.
	// Default: 1024.
	BatchSize int

	// GroupSize is the number of batches per group.
	// Default: 1024.
	GroupSize int

	// BitsPerKey is the filter density.
	// Default: 9.9.
	BitsPerKey float64

	// DisableFieldNames stores field values only. All values must then be
	// exactly FieldLength bytes long.
	DisableFieldNames bool

	// FieldLength is the fixed field value width, required when
	// DisableFieldNames is set.
	FieldLength int

	// SecondaryKeyPrefix marks fields that are indexed as secondary keys.
	// Default: "skey".
	SecondaryKeyPrefix string

	// SecondaryKeyCount is the number of leading values which are secondary
	// keys when DisableFieldNames is set, see Codec.
	SecondaryKeyCount int

	// SecondaryKeyLength, if positive, is the enforced width of secondary
	// key values.
	SecondaryKeyLength int

	// The compression codec for batch payloads.
	// Default: SnappyCompression.
	Compression Compression

	// FilterCacheSize is the number of filters and group member lists
	// cached in memory.
	// Default: 4096.
	FilterCacheSize int

	// Logger is the logger to use.
	// Default: logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Store overrides the base store. When set, Engine is ignored and the
	// store is closed together with the DB.
	Store Store
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if oo.BatchSize < 1 {
		oo.BatchSize = 1024
	}
	if oo.GroupSize < 1 {
		oo.GroupSize = 1024
	}
	if oo.BitsPerKey <= 0 {
		oo.BitsPerKey = DefaultBitsPerKey
	}
	if oo.SecondaryKeyPrefix == "" {
		oo.SecondaryKeyPrefix = DefaultSecondaryKeyPrefix
	}
	if !oo.Compression.isValid() {
		oo.Compression = SnappyCompression
	}
	if oo.FilterCacheSize < 1 {
		oo.FilterCacheSize = 4096
	}
	if oo.Logger == nil {
		oo.Logger = logrus.StandardLogger()
	}

	return &oo
}

func (o *Options) validate() error {
	if o.Engine != "" && o.Engine != EngineLevelDB && o.Engine != EngineBadger {
		return configError("unknown engine %q", o.Engine)
	}
	if o.DisableFieldNames && o.FieldLength < 1 {
		return configError("field length must be positive when field names are disabled")
	}
	if o.SecondaryKeyLength < 0 {
		return configError("negative secondary key length %d", o.SecondaryKeyLength)
	}
	if o.SecondaryKeyCount < 0 {
		return configError("negative secondary key count %d", o.SecondaryKeyCount)
	}
	if o.DisableFieldNames && o.SecondaryKeyLength > 0 && o.SecondaryKeyLength != o.FieldLength {
		return configError("secondary key length %d must match field length %d when field names are disabled", o.SecondaryKeyLength, o.FieldLength)
	}
	return nil
}

func (o *Options) codec() Codec {
	return Codec{
		EncodeFieldNames:   !o.DisableFieldNames,
		FieldLength:        o.FieldLength,
		SecondaryKeyCount:  o.SecondaryKeyCount,
		SecondaryKeyPrefix: o.SecondaryKeyPrefix,
	}
}

// Property keys recognised by ParseProperties.
const (
	PropertyDir                = "pidb.dir"
	PropertyOptionsFile        = "pidb.optionsfile"
	PropertyEngine             = "pidb.engine"
	PropertyBatchSize          = "pidb.batchsize"
	PropertyGroupSize          = "pidb.groupsize"
	PropertyBitsPerKey         = "pidb.bitsperkey"
	PropertyEncodeFieldNames   = "pidb.encodefieldnames"
	PropertyFieldLength        = "fieldlength"
	PropertySecondaryKeyPrefix = "pidb.secondarykeyprefix"
	PropertySecondaryKeyCount  = "pidb.secondarykeycount"
	PropertySecondaryKeyLength = "pidb.secondarykeylength"
	PropertyCompression        = "pidb.compression"
	PropertyFilterCacheSize    = "pidb.filtercachesize"
)

// ParseProperties builds options from workload driver properties.
// Unknown keys are ignored.
func ParseProperties(props map[string]string) (*Options, error) {
	o := &Options{
		Dir:                props[PropertyDir],
		OptionsFile:        props[PropertyOptionsFile],
		Engine:             props[PropertyEngine],
		SecondaryKeyPrefix: props[PropertySecondaryKeyPrefix],
	}

	var err error
	if o.BatchSize, err = intProperty(props, PropertyBatchSize); err != nil {
		return nil, err
	}
	if o.GroupSize, err = intProperty(props, PropertyGroupSize); err != nil {
		return nil, err
	}
	if o.FieldLength, err = intProperty(props, PropertyFieldLength); err != nil {
		return nil, err
	}
	if o.SecondaryKeyCount, err = intProperty(props, PropertySecondaryKeyCount); err != nil {
		return nil, err
	}
	if o.SecondaryKeyLength, err = intProperty(props, PropertySecondaryKeyLength); err != nil {
		return nil, err
	}
	if o.FilterCacheSize, err = intProperty(props, PropertyFilterCacheSize); err != nil {
		return nil, err
	}

	if s, ok := props[PropertyBitsPerKey]; ok {
		if o.BitsPerKey, err = strconv.ParseFloat(s, 64); err != nil || o.BitsPerKey <= 0 {
			return nil, configError("bad %s value %q", PropertyBitsPerKey, s)
		}
	}
	if s, ok := props[PropertyEncodeFieldNames]; ok {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, configError("bad %s value %q", PropertyEncodeFieldNames, s)
		}
		o.DisableFieldNames = !v
	}
	if s, ok := props[PropertyCompression]; ok {
		switch strings.ToLower(s) {
		case "snappy":
			o.Compression = SnappyCompression
		case "none":
			o.Compression = NoCompression
		default:
			return nil, configError("bad %s value %q", PropertyCompression, s)
		}
	}

	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func intProperty(props map[string]string, key string) (int, error) {
	s, ok := props[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, configError("bad %s value %q", key, s)
	}
	return n, nil
}

// --------------------------------------------------------------------

// NamespaceOptions configure a single base store namespace.
type NamespaceOptions struct {
	// BlockSize is the leveldb table block size.
	// Default: 4KiB.
	BlockSize int `yaml:"block_size"`

	// WriteBuffer is the leveldb memtable size.
	// Default: 4MiB.
	WriteBuffer int `yaml:"write_buffer"`

	// BlockCacheCapacity is the leveldb block cache size.
	// Default: 8MiB.
	BlockCacheCapacity int `yaml:"block_cache_capacity"`

	// Compression is the leveldb table compression, "snappy" or "none".
	// Default: "snappy".
	Compression string `yaml:"compression"`

	// BloomBitsPerKey enables leveldb's native bloom filter.
	// Default: 10.
	BloomBitsPerKey int `yaml:"bloom_bits_per_key"`

	// SyncWrites syncs every write.
	SyncWrites bool `yaml:"sync_writes"`
}

func (o *NamespaceOptions) norm() *NamespaceOptions {
	var oo NamespaceOptions
	if o != nil {
		oo = *o
	}

	if oo.BlockSize < 1 {
		oo.BlockSize = 4 << 10
	}
	if oo.WriteBuffer < 1 {
		oo.WriteBuffer = 4 << 20
	}
	if oo.BlockCacheCapacity < 1 {
		oo.BlockCacheCapacity = 8 << 20
	}
	if oo.Compression != "none" {
		oo.Compression = "snappy"
	}
	if oo.BloomBitsPerKey < 1 {
		oo.BloomBitsPerKey = 10
	}

	return &oo
}

// namespaceConfig holds per-table options loaded from the options file.
type namespaceConfig map[string]*NamespaceOptions

func loadNamespaceConfig(fname string) (namespaceConfig, error) {
	if fname == "" {
		return nil, nil
	}

	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "read options file: %v", err)
	}

	var conf namespaceConfig
	if err := yaml.UnmarshalStrict(data, &conf); err != nil {
		return nil, errors.Wrapf(ErrConfig, "parse options file %s: %v", fname, err)
	}
	for name, o := range conf {
		if o != nil && o.Compression != "" && o.Compression != "snappy" && o.Compression != "none" {
			return nil, configError("table %q: bad compression %q", name, o.Compression)
		}
	}
	return conf, nil
}

// lookup returns the options for a table. When the table has no section it
// falls back to the default section; the boolean reports a fallback.
func (c namespaceConfig) lookup(name string) (*NamespaceOptions, bool) {
	if o, ok := c[name]; ok && o != nil {
		return o, false
	}
	if o, ok := c[DefaultTable]; ok && o != nil {
		return o, true
	}
	return nil, true
}
