package pidb_test

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/bsm/pidb"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("DB", func() {
	var subject *pidb.DB
	var opts *pidb.Options

	BeforeEach(func() {
		opts = &pidb.Options{
			BatchSize: 2,
			GroupSize: 3,
			Logger:    quietLogger(),
		}
		subject = pidb.New(opts)
		Expect(subject.Init()).To(Succeed())
	})

	AfterEach(func() {
		_ = subject.Close()
	})

	It("should reference count Init/Close", func() {
		Expect(subject.Init()).To(Succeed())
		Expect(subject.Close()).To(Succeed())
		Expect(subject.Insert("t", []byte("user1"), fieldRecord("f0", "a"))).To(Succeed())

		Expect(subject.Close()).To(Succeed())
		Expect(subject.Insert("t", []byte("user1"), fieldRecord("f0", "a"))).To(MatchError(pidb.ErrClosed))
		Expect(subject.Close()).To(MatchError(pidb.ErrClosed))

		_, err := subject.Read("t", []byte("user1"), nil)
		Expect(err).To(MatchError(pidb.ErrClosed))
	})

	It("should flush full batches", func() {
		Expect(subject.Insert("t", []byte("user1"), fieldRecord("f0", "a"))).To(Succeed())
		Expect(subject.Stats().BatchesFlushed).To(Equal(uint64(0)))
		Expect(subject.Insert("t", []byte("user2"), fieldRecord("f0", "b"))).To(Succeed())
		Expect(subject.Stats()).To(Equal(pidb.Stats{
			Inserts:        2,
			BatchesFlushed: 1,
			Tables:         2,
		}))

		Expect(subject.Read("t", []byte("user1"), nil)).To(Equal(fieldRecord("f0", "a")))
		Expect(subject.Read("t", []byte("user2"), nil)).To(Equal(fieldRecord("f0", "b")))

		_, err := subject.Read("t", []byte("user3"), nil)
		Expect(err).To(MatchError(pidb.ErrNotFound))
		_, err = subject.Read("missing", []byte("user1"), nil)
		Expect(err).To(MatchError(pidb.ErrNotFound))
	})

	It("should finalize full groups", func() {
		Expect(seedDB(subject, "t", 5)).To(Succeed())
		Expect(subject.Stats().BatchesFlushed).To(Equal(uint64(2)))
		Expect(subject.Stats().GroupsFinalized).To(Equal(uint64(0)))

		Expect(seedDB(subject, "t", 1)).To(Succeed())
		Expect(subject.Stats().BatchesFlushed).To(Equal(uint64(3)))
		Expect(subject.Stats().GroupsFinalized).To(Equal(uint64(1)))
	})

	It("should read buffered records", func() {
		Expect(subject.Insert("t", []byte("user1"), fieldRecord("f0", "a", "f1", "b"))).To(Succeed())
		Expect(subject.Read("t", []byte("user1"), nil)).To(Equal(fieldRecord("f0", "a", "f1", "b")))
		Expect(subject.Read("t", []byte("user1"), [][]byte{[]byte("f1")})).To(Equal(fieldRecord("f1", "b")))
	})

	It("should return the most recent record", func() {
		for i := 0; i < 20; i++ {
			Expect(subject.Insert("t", []byte("user1"), fieldRecord("f0", fmt.Sprintf("v%02d", i)))).To(Succeed())
			Expect(subject.Read("t", []byte("user1"), nil)).To(Equal(fieldRecord("f0", fmt.Sprintf("v%02d", i))))
		}
	})

	It("should keep tables apart", func() {
		Expect(seedDB(subject, "a", 10)).To(Succeed())
		Expect(subject.Insert("b", userKey(1), fieldRecord("f0", "other"))).To(Succeed())
		Expect(subject.Insert("b", userKey(2), fieldRecord("f0", "other"))).To(Succeed())

		Expect(subject.Read("a", userKey(1), nil)).To(Equal(fieldRecord("field0", "value000001", "skey0", "sk0001")))
		Expect(subject.Read("b", userKey(1), nil)).To(Equal(fieldRecord("f0", "other")))

		_, err := subject.Read("b", userKey(3), nil)
		Expect(err).To(MatchError(pidb.ErrNotFound))
	})

	It("should reject bad secondary keys", func() {
		_, err := subject.Read2("t", []byte("field0"), []byte("x"), nil)
		Expect(errors.Is(err, pidb.ErrConfig)).To(BeTrue())
	})

	It("should find records by secondary key", func() {
		Expect(subject.Insert("t", []byte("user1"), fieldRecord("f0", "a", "skey0", "S1"))).To(Succeed())
		for i := 2; i < 14; i++ {
			Expect(subject.Insert("t", userKey(i), fieldRecord("f0", "x", "skey0", "S2"))).To(Succeed())
		}
		Expect(subject.Insert("t", []byte("user5"), fieldRecord("f0", "b", "skey0", "S1"))).To(Succeed())
		Expect(subject.Stats().GroupsFinalized).To(Equal(uint64(2)))

		Expect(subject.Read2("t", []byte("skey0"), []byte("S1"), nil)).To(Equal([]pidb.Record{
			fieldRecord("f0", "a", "skey0", "S1"),
			fieldRecord("f0", "b", "skey0", "S1"),
		}))
		Expect(subject.Read2("t", []byte("skey0"), []byte("S1"), [][]byte{[]byte("f0")})).To(Equal([]pidb.Record{
			fieldRecord("f0", "a"),
			fieldRecord("f0", "b"),
		}))
		Expect(subject.Read2("t", []byte("skey0"), []byte("S2"), nil)).To(HaveLen(12))
		Expect(subject.Read2("t", []byte("skey0"), []byte("S3"), nil)).To(BeEmpty())
		Expect(subject.Read2("missing", []byte("skey0"), []byte("S1"), nil)).To(BeEmpty())
	})

	It("should prune by filter", func() {
		Expect(seedDB(subject, "t", 600)).To(Succeed())
		for i := 0; i < 600; i += 7 {
			Expect(subject.Read("t", userKey(i), nil)).To(Equal(fieldRecord(
				"field0", fmt.Sprintf("value%06d", i),
				"skey0", fmt.Sprintf("sk%04d", i%10),
			)))
		}

		stats := subject.Stats()
		Expect(stats.BatchesFetched).To(BeNumerically("<", 2*86))

		records, err := subject.Read2("t", []byte("skey0"), []byte("sk0003"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(60))
	})

	It("should support concurrent writers", func() {
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer GinkgoRecover()
				defer wg.Done()

				table := fmt.Sprintf("t%d", w%3)
				for i := 0; i < 50; i++ {
					key := []byte(fmt.Sprintf("w%d-%03d", w, i))
					Expect(subject.Insert(table, key, fieldRecord("f0", string(key)))).To(Succeed())
				}
			}(w)
		}
		wg.Wait()

		Expect(subject.Stats().Inserts).To(Equal(uint64(400)))
		Expect(subject.Stats().BatchesFlushed).To(Equal(uint64(200)))
		for w := 0; w < 8; w++ {
			table := fmt.Sprintf("t%d", w%3)
			for i := 0; i < 50; i += 5 {
				key := []byte(fmt.Sprintf("w%d-%03d", w, i))
				Expect(subject.Read(table, key, nil)).To(Equal(fieldRecord("f0", string(key))))
			}
		}
	})

	Describe("without field names", func() {
		BeforeEach(func() {
			Expect(subject.Close()).To(Succeed())
			subject = pidb.New(&pidb.Options{
				BatchSize:         2,
				DisableFieldNames: true,
				FieldLength:       3,
				Logger:            quietLogger(),
			})
			Expect(subject.Init()).To(Succeed())
		})

		It("should store values only", func() {
			Expect(subject.Insert("t", []byte("user1"), fieldRecord("a", "foo", "b", "bar"))).To(Succeed())
			Expect(subject.Insert("t", []byte("user2"), fieldRecord("a", "baz", "b", "qux"))).To(Succeed())
			Expect(subject.Read("t", []byte("user1"), nil)).To(Equal(fieldRecord("field0", "foo", "field1", "bar")))

			err := subject.Insert("t", []byte("user3"), fieldRecord("a", "toolong"))
			Expect(errors.Is(err, pidb.ErrConfig)).To(BeTrue())
		})

		It("should reject secondary lookups without secondary key positions", func() {
			Expect(subject.Insert("t", []byte("user1"), fieldRecord("a", "foo"))).To(Succeed())

			_, err := subject.Read2("t", []byte("skey0"), []byte("foo"), nil)
			Expect(errors.Is(err, pidb.ErrConfig)).To(BeTrue())

			err = subject.Insert("t", []byte("user2"), fieldRecord("skey0", "foo"))
			Expect(errors.Is(err, pidb.ErrConfig)).To(BeTrue())
		})

		It("should find records by positional secondary keys", func() {
			Expect(subject.Close()).To(Succeed())
			subject = pidb.New(&pidb.Options{
				BatchSize:         2,
				DisableFieldNames: true,
				FieldLength:       2,
				SecondaryKeyCount: 1,
				Logger:            quietLogger(),
			})
			Expect(subject.Init()).To(Succeed())

			Expect(subject.Insert("t", []byte("user1"), fieldRecord("skey0", "S1", "a", "v1"))).To(Succeed())
			Expect(subject.Insert("t", []byte("user3"), fieldRecord("skey0", "S2", "a", "v3"))).To(Succeed())
			Expect(subject.Insert("t", []byte("user5"), fieldRecord("skey0", "S1", "a", "v5"))).To(Succeed())

			Expect(subject.Read2("t", []byte("skey0"), []byte("S1"), nil)).To(Equal([]pidb.Record{
				fieldRecord("skey0", "S1", "field0", "v1"),
				fieldRecord("skey0", "S1", "field0", "v5"),
			}))
			Expect(subject.Read2("t", []byte("skey0"), []byte("S3"), nil)).To(BeEmpty())
			Expect(subject.Read("t", []byte("user3"), [][]byte{[]byte("field0")})).To(Equal(fieldRecord("field0", "v3")))

			_, err := subject.Read2("t", []byte("skey1"), []byte("S1"), nil)
			Expect(errors.Is(err, pidb.ErrConfig)).To(BeTrue())
		})
	})

	Describe("persistence", func() {
		var dir string

		BeforeEach(func() {
			Expect(subject.Close()).To(Succeed())

			var err error
			dir, err = ioutil.TempDir("", "pidb-db")
			Expect(err).NotTo(HaveOccurred())

			opts.Dir = dir
			subject = pidb.New(opts)
			Expect(subject.Init()).To(Succeed())
		})

		AfterEach(func() {
			_ = subject.Close()
			Expect(os.RemoveAll(dir)).To(Succeed())
		})

		It("should write the manifest on close", func() {
			Expect(subject.Insert("usertable", []byte("user1"), fieldRecord("f0", "a"))).To(Succeed())
			Expect(subject.Close()).To(Succeed())

			data, err := ioutil.ReadFile(filepath.Join(dir, pidb.ManifestFileName))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("default\nusertable\n"))
		})

		It("should drain and reopen", func() {
			Expect(seedDB(subject, "usertable", 7)).To(Succeed())
			Expect(subject.Stats().BatchesFlushed).To(Equal(uint64(3)))
			Expect(subject.Close()).To(Succeed())

			subject = pidb.New(opts)
			Expect(subject.Init()).To(Succeed())
			Expect(subject.Stats().Tables).To(Equal(2))

			for i := 0; i < 7; i++ {
				Expect(subject.Read("usertable", userKey(i), nil)).To(Equal(fieldRecord(
					"field0", fmt.Sprintf("value%06d", i),
					"skey0", fmt.Sprintf("sk%04d", i%10),
				)))
			}

			// new batches must not overwrite existing ones
			Expect(subject.Insert("usertable", []byte("new1"), fieldRecord("f0", "a"))).To(Succeed())
			Expect(subject.Insert("usertable", []byte("new2"), fieldRecord("f0", "b"))).To(Succeed())
			Expect(subject.Read("usertable", userKey(0), nil)).NotTo(BeNil())
			Expect(subject.Read("usertable", []byte("new1"), nil)).To(Equal(fieldRecord("f0", "a")))
			Expect(subject.Read2("usertable", []byte("skey0"), []byte("sk0001"), nil)).To(HaveLen(1))
		})
	})

	Describe("badger engine", func() {
		var dir string

		BeforeEach(func() {
			Expect(subject.Close()).To(Succeed())

			var err error
			dir, err = ioutil.TempDir("", "pidb-badger")
			Expect(err).NotTo(HaveOccurred())

			opts.Dir = dir
			opts.Engine = pidb.EngineBadger
			subject = pidb.New(opts)
			Expect(subject.Init()).To(Succeed())
		})

		AfterEach(func() {
			_ = subject.Close()
			Expect(os.RemoveAll(dir)).To(Succeed())
		})

		It("should insert and read", func() {
			Expect(seedDB(subject, "usertable", 9)).To(Succeed())
			Expect(subject.Read("usertable", userKey(3), [][]byte{[]byte("field0")})).To(Equal(fieldRecord("field0", "value000003")))
			Expect(subject.Read2("usertable", []byte("skey0"), []byte("sk0005"), nil)).To(HaveLen(1))

			Expect(subject.Close()).To(Succeed())
			subject = pidb.New(opts)
			Expect(subject.Init()).To(Succeed())
			Expect(subject.Read("usertable", userKey(8), nil)).To(HaveLen(2))
		})
	})
})

var _ = Describe("DB storage", func() {
	var store pidb.Store

	BeforeEach(func() {
		var err error
		store, err = pidb.OpenStore(pidb.EngineLevelDB, "", quietLogger())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	open := func() *pidb.DB {
		db := pidb.New(&pidb.Options{
			BatchSize:   1,
			GroupSize:   4,
			Compression: pidb.NoCompression,
			Logger:      quietLogger(),
			Store:       store,
		})
		Expect(db.Init()).To(Succeed())
		return db
	}

	storedSequences := func(table string) []uint64 {
		ns, err := store.CreateNamespace(table, nil)
		Expect(err).NotTo(HaveOccurred())

		cur := ns.NewIterator()
		defer cur.Release()

		var seqs []uint64
		for cur.Seek(nil); cur.Valid(); cur.Next() {
			Expect(cur.Key()).To(HaveLen(8))
			seqs = append(seqs, binary.BigEndian.Uint64(cur.Key()))
		}
		Expect(cur.Err()).NotTo(HaveOccurred())
		return seqs
	}

	It("should store plain batches as concatenated entries", func() {
		db := open()
		Expect(db.Insert("t", []byte("user1"), fieldRecord("f", "v"))).To(Succeed())

		ns, err := store.CreateNamespace("t", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ns.Get(make([]byte, 8))).To(Equal([]byte(
			"\x05\x00\x00\x00user1" +
				"\x0a\x00\x00\x00" + "\x01\x00\x00\x00f\x01\x00\x00\x00v",
		)))
		Expect(db.Close()).To(Succeed())
	})

	It("should recover batches after a crash", func() {
		crashed := open()
		for _, key := range []string{"a", "b", "c"} {
			Expect(crashed.Insert("t", []byte(key), fieldRecord("f", key))).To(Succeed())
		}
		Expect(crashed.Stats().GroupsFinalized).To(Equal(uint64(0)))

		// reopen without closing, nothing is drained
		db := open()
		Expect(db.Stats().Tables).To(Equal(2))
		for _, key := range []string{"a", "b", "c"} {
			Expect(db.Read("t", []byte(key), nil)).To(Equal(fieldRecord("f", key)))
		}

		Expect(db.Insert("t", []byte("d"), fieldRecord("f", "d"))).To(Succeed())
		Expect(db.Read("t", []byte("d"), nil)).To(Equal(fieldRecord("f", "d")))
		Expect(db.Read("t", []byte("a"), nil)).To(Equal(fieldRecord("f", "a")))
		Expect(db.Stats().GroupsFinalized).To(Equal(uint64(1)))

		// sequence ids continue after the recovered batches
		Expect(storedSequences("t")).To(Equal([]uint64{0, 1, 2, 3}))
		Expect(db.Close()).To(Succeed())
	})
})
