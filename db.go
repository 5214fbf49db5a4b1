package sibt

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// Magic = "SIBT" in littleEndian
	Magic        uint32 = 0x54424953
	MajorVersion uint16 = 1
	MinorVersion uint16 = 0
)

const (
	// DefaultAllocSize is the file allocation unit: the smallest amount of
	// space any on-disk object can occupy. Page addresses are indexes of
	// allocation units, not byte offsets.
	DefaultAllocSize uint32 = 512

	DefaultIntlMin uint32 = 2 * 1024
	DefaultIntlMax uint32 = 16 * 1024
	DefaultLeafMin uint32 = 4 * 1024
	DefaultLeafMax uint32 = 32 * 1024
)

// Options represents the options that can be set when opening a database.
type Options struct {
	// Timeout is the amount of time to wait to obtain a file lock.
	// When set to zero it will fail immediately if the lock is held
	// by another writer.
	Timeout time.Duration

	// Open database in read-only mode. Uses flock(..., LOCK_SH |LOCK_NB) to
	// grab a shared lock (UNIX).
	ReadOnly bool

	// AllocSize is the file allocation unit. Must be a power of two of at
	// least 512 bytes. Zero means DefaultAllocSize.
	AllocSize uint32

	// Configured page size limits. These are recorded in the file's
	// description record and checked against it.
	IntlMin, IntlMax uint32
	LeafMin, LeafMax uint32

	// FixedLen is the record size of fixed-length column stores; zero for
	// variable-length and row stores.
	FixedLen uint32

	// KeyCompression and DataCompression select the algorithms keys and
	// data items were stored with; items are decompressed before they are
	// compared.
	KeyCompression  CompressAlgorithm
	DataCompression CompressAlgorithm

	// Compare orders row-store keys, CompareDup orders the items inside a
	// duplicate set. Nil means bytewise comparison; a nil CompareDup
	// falls back to Compare.
	Compare    Comparator
	CompareDup Comparator
}

var DefaultOptions = &Options{
	Timeout:  0,
	ReadOnly: true,
}

type DB struct {
	path   string
	file   *os.File
	filesz int64 // current on disk file size
	opened bool

	// Read only mode.
	readOnly bool

	allocSize uint32
	intlMin   uint32
	intlMax   uint32
	leafMin   uint32
	leafMax   uint32
	fixedLen  uint32

	compare    Comparator
	compareDup Comparator
	keyDecomp  DeCompressor
	dataDecomp DeCompressor

	cache *pageCache

	ops struct {
		readAt func(b []byte, off int64) (n int, err error)
		// restart reports that a page was rewritten while it was being
		// fetched, forcing the caller to re-pin it. Only set by tests.
		restart func(addr uint32) bool
	}
}

// Open opens an existing database file. The file is never created: a
// database that doesn't exist can't be verified.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	var db = &DB{opened: true}

	// Set default options if no options are provided.
	if options == nil {
		options = DefaultOptions
	}
	db.readOnly = options.ReadOnly

	db.allocSize = options.AllocSize
	if db.allocSize == 0 {
		db.allocSize = DefaultAllocSize
	}
	if db.allocSize < 512 || db.allocSize&(db.allocSize-1) != 0 {
		return nil, errors.Errorf("allocation size %d is not a power of two of at least 512", db.allocSize)
	}
	db.intlMin = defaultSize(options.IntlMin, DefaultIntlMin)
	db.intlMax = defaultSize(options.IntlMax, DefaultIntlMax)
	db.leafMin = defaultSize(options.LeafMin, DefaultLeafMin)
	db.leafMax = defaultSize(options.LeafMax, DefaultLeafMax)
	db.fixedLen = options.FixedLen

	db.compare = options.Compare
	if db.compare == nil {
		db.compare = BytesComparator
	}
	db.compareDup = options.CompareDup
	if db.compareDup == nil {
		db.compareDup = db.compare
	}

	var err error
	if db.keyDecomp, err = options.KeyCompression.decompressor(); err != nil {
		return nil, err
	}
	if db.dataDecomp, err = options.DataCompression.decompressor(); err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if db.readOnly {
		flag = os.O_RDONLY
	}

	db.path = path
	if db.file, err = os.OpenFile(db.path, flag, mode); err != nil {
		_ = db.close()
		return nil, err
	}

	// Lock the file so a process using the database in read-write mode
	// cannot rewrite pages underneath the verifier. Read-only opens share
	// the lock with other readers.
	if err := flock(db, options.Timeout); err != nil {
		_ = db.close()
		return nil, err
	}

	info, err := db.file.Stat()
	if err != nil {
		_ = db.close()
		return nil, errors.Wrap(err, "stat db file")
	}
	db.filesz = info.Size()

	// Default values for test hooks
	db.ops.readAt = db.file.ReadAt

	db.cache = newPageCache(db)

	return db, nil
}

func defaultSize(v, def uint32) uint32 {
	if v == 0 {
		return def
	}
	return v
}

func (db *DB) Close() error {
	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}

	db.opened = false

	// Clear ops.
	db.ops.readAt = nil

	// Close file handles.
	if db.file != nil {
		// No need to unlock read-only file.
		if !db.readOnly {
			if err := funlock(db); err != nil {
				log.Printf("sibt.Close(): funlock error: %s", err)
			}
		}

		if err := db.file.Close(); err != nil {
			return errors.Wrap(err, "db file closed")
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

// Path returns the path of the underlying database file.
func (db *DB) Path() string { return db.path }

// errorf is the error sink: every structural complaint is logged against the
// database it belongs to before the verification unwinds.
func (db *DB) errorf(format string, args ...interface{}) {
	log.WithField("db", db.path).Errorf(format, args...)
}

// addrToOff converts an allocation-unit address to a byte offset.
func (db *DB) addrToOff(addr uint32) int64 {
	return int64(addr) * int64(db.allocSize)
}

// offToAddr converts a byte count to a count of allocation units, rounding
// down: object sizes are whole multiples of the allocation unit.
func (db *DB) offToAddr(off int64) uint32 {
	return uint32(off / int64(db.allocSize))
}

// alignToAlloc rounds a byte count up to the next allocation-unit boundary.
func (db *DB) alignToAlloc(n uint64) uint64 {
	a := uint64(db.allocSize)
	return (n + a - 1) &^ (a - 1)
}
