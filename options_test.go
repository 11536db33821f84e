package pidb_test

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/bsm/pidb"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("ParseProperties", func() {
	It("should parse", func() {
		o, err := pidb.ParseProperties(map[string]string{
			"pidb.dir":                "/tmp/pidb",
			"pidb.optionsfile":        "/etc/pidb.yml",
			"pidb.engine":             "badger",
			"pidb.batchsize":          "256",
			"pidb.groupsize":          "64",
			"pidb.bitsperkey":         "12.5",
			"pidb.encodefieldnames":   "false",
			"fieldlength":             "100",
			"pidb.secondarykeyprefix": "sec",
			"pidb.secondarykeycount":  "2",
			"pidb.secondarykeylength": "100",
			"pidb.compression":        "none",
			"pidb.filtercachesize":    "128",
			"recordcount":             "1000",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(o).To(Equal(&pidb.Options{
			Dir:                "/tmp/pidb",
			OptionsFile:        "/etc/pidb.yml",
			Engine:             pidb.EngineBadger,
			BatchSize:          256,
			GroupSize:          64,
			BitsPerKey:         12.5,
			DisableFieldNames:  true,
			FieldLength:        100,
			SecondaryKeyPrefix: "sec",
			SecondaryKeyCount:  2,
			SecondaryKeyLength: 100,
			Compression:        pidb.NoCompression,
			FilterCacheSize:    128,
		}))
	})

	It("should accept empty properties", func() {
		o, err := pidb.ParseProperties(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(o).To(Equal(&pidb.Options{}))
	})

	It("should reject bad values", func() {
		for _, props := range []map[string]string{
			{"pidb.batchsize": "many"},
			{"pidb.groupsize": "-1"},
			{"pidb.bitsperkey": "0"},
			{"pidb.encodefieldnames": "maybe"},
			{"pidb.compression": "zstd"},
			{"pidb.engine": "rocksdb"},
			{"pidb.encodefieldnames": "false"},
			{"pidb.secondarykeycount": "-2"},
			{"pidb.encodefieldnames": "false", "fieldlength": "10", "pidb.secondarykeylength": "4"},
		} {
			_, err := pidb.ParseProperties(props)
			Expect(errors.Is(err, pidb.ErrConfig)).To(BeTrue(), "for %v", props)
		}
	})
})

var _ = Describe("Options file", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = ioutil.TempDir("", "pidb-options")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	writeFile := func(name, data string) string {
		fname := filepath.Join(dir, name)
		Expect(ioutil.WriteFile(fname, []byte(data), 0644)).To(Succeed())
		return fname
	}

	It("should apply table options", func() {
		db := pidb.New(&pidb.Options{
			Dir:       filepath.Join(dir, "data"),
			BatchSize: 1,
			Logger:    quietLogger(),
			OptionsFile: writeFile("options.yml", `
default:
  block_size: 8192
  compression: none
usertable:
  write_buffer: 1048576
  bloom_bits_per_key: 12
`),
		})
		Expect(db.Init()).To(Succeed())
		defer db.Close()

		Expect(db.Insert("usertable", []byte("user1"), fieldRecord("f0", "a"))).To(Succeed())
		Expect(db.Insert("other", []byte("user1"), fieldRecord("f0", "b"))).To(Succeed())
		Expect(db.Read("other", []byte("user1"), nil)).To(Equal(fieldRecord("f0", "b")))
	})

	It("should fail Init on bad files", func() {
		for _, opts := range []*pidb.Options{
			{OptionsFile: filepath.Join(dir, "missing.yml")},
			{OptionsFile: writeFile("list.yml", "default: [not, a, map]")},
			{OptionsFile: writeFile("unknown.yml", "default:\n  unknown_option: 1\n")},
			{OptionsFile: writeFile("lz4.yml", "default:\n  compression: lz4\n")},
		} {
			opts.Logger = quietLogger()
			err := pidb.New(opts).Init()
			Expect(errors.Is(err, pidb.ErrConfig)).To(BeTrue(), "for %v", opts.OptionsFile)
		}
	})
})
