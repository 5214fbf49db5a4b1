package sibt

import (
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrCorrupt is returned by Verify when any structural check fails.
	// The individual complaints go to the error sink before it unwinds.
	ErrCorrupt = errors.New("database is corrupted")

	// ErrTooLarge is returned when the fragment bitmap cannot represent
	// every allocation unit of the file.
	ErrTooLarge = errors.New("file is too large to verify")
)

// maxVerifyFrags bounds the fragment bitmap. One bit per 512-byte unit puts
// the limit at a 2TB file.
const maxVerifyFrags = uint64(1) << 32

// VerifyOptions control a Verify call.
type VerifyOptions struct {
	// Progress, if set, is called periodically with the database name and
	// the number of pages verified so far, and once more when the
	// verification completes.
	Progress func(name string, count uint64)

	// Dump, if set, receives a textual rendering of every page that
	// passes verification.
	Dump io.Writer
}

// verifier carries the walk state: the fragment bitmap, the dump stream,
// the progress counter and the rolling last-leaf reference.
type verifier struct {
	db *DB

	frags    uint64
	fragbits *bitmap

	dump io.Writer

	progress func(string, uint64)
	fcnt     uint64

	leaf *Page // last row/duplicate leaf seen
}

// keyRef names a routing key on a pinned internal page.
type keyRef struct {
	page *Page
	item item
}

// Verify walks every page reachable from the root, validating the on-disk
// encoding of each page, the key order within and between pages, and that
// every allocation unit of the file is used by exactly one page. The
// database is not modified. The first failure is returned; all failures
// found before the walk unwound have been reported to the error sink.
func (db *DB) Verify(opts *VerifyOptions) error {
	if !db.opened {
		return errors.New("database is not open")
	}

	vs := &verifier{db: db}
	if opts != nil {
		vs.dump = opts.Dump
		vs.progress = opts.Progress
	}

	err := vs.run()

	vs.releaseLeaf()

	// Wrap up reporting.
	if vs.progress != nil {
		vs.progress(db.path, vs.fcnt)
	}
	return err
}

func (vs *verifier) run() error {
	db := vs.db

	// One bit per allocation unit of the file.
	vs.frags = uint64(db.filesz) / uint64(db.allocSize)
	if vs.frags >= maxVerifyFrags {
		db.errorf("file is too large to verify")
		return ErrTooLarge
	}
	vs.fragbits = newBitmap(vs.frags)

	// Verify the descriptor page, and keep it pinned for the whole walk:
	// if the root were rewritten between reading the description record
	// and reading the root page, we would read an out-of-date root. The
	// descriptor page itself can't move, so restarts are simply retried.
	desc, err := vs.pinPage(0, db.allocSize)
	if err != nil {
		return err
	}
	defer db.cache.unpin(desc)

	if err := vs.verifyPage(desc); err != nil {
		return err
	}

	// Walk the tree, starting at the root named by the description record.
	d := decodeDescRecord(desc.body())
	root := offRef{addr: d.rootAddr, size: d.rootSize}
	if err := vs.verifyTree(nil, 0, noLevel, root); err != nil {
		return err
	}

	return vs.checkFrags()
}

func (vs *verifier) releaseLeaf() {
	if vs.leaf != nil {
		vs.db.cache.unpin(vs.leaf)
		vs.leaf = nil
	}
}

// pinPage pins a page, transparently re-pinning when the buffer manager
// signals a restart: the pinned parent guarantees the reference we hold has
// already been updated, so the retry reads the rewritten page.
func (vs *verifier) pinPage(addr, size uint32) (*Page, error) {
	for i := 0; ; i++ {
		p, err := vs.db.cache.pin(addr, size)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, errRestart) || i >= maxPinRetry {
			return nil, err
		}
	}
}

func (vs *verifier) pinOverflow(ref ovflRef) (*Page, error) {
	for i := 0; ; i++ {
		p, err := vs.db.cache.pinOverflow(ref)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, errRestart) || i >= maxPinRetry {
			return nil, err
		}
	}
}

func (vs *verifier) formatError(p *Page) error {
	vs.db.errorf("page at addr %d has an invalid type of %d", p.addr, p.hdr.typ)
	return ErrCorrupt
}

// verifyTree verifies a subtree, recursively descending in depth-first,
// left-to-right order.
//
// The caller passes the off-page reference that led here and, for row and
// duplicate stores, the routing key that referenced the page (the root has
// none). Two connection checks tie the pages together: the routing key must
// sort less than or equal to the first key on the page it references, and
// the largest key of each leaf must sort strictly before the next routing
// key found in any parent. The second check is the reason for the rolling
// leaf reference: each row or duplicate leaf is held until the walk is
// about to indirect through the next internal entry, compared, and released.
func (vs *verifier) verifyTree(parentKey *keyRef, startRecno uint64, level uint8, off offRef) error {
	db := vs.db

	// noLevel can't occur on any tree page: this is the root call, and the
	// tree's height is learned from the page itself.
	isRoot := level == noLevel

	page, err := vs.pinPage(off.addr, off.size)
	if err != nil {
		return err
	}
	transferred := false
	defer func() {
		if !transferred {
			db.cache.unpin(page)
		}
	}()

	if err := vs.verifyPage(page); err != nil {
		return err
	}

	// The page is OK, lay out its in-memory index if we don't already
	// have it.
	if err := page.parse(db); err != nil {
		db.errorf("%s", err)
		return ErrCorrupt
	}

	hdr := &page.hdr

	if hdr.records != page.index.records {
		db.errorf("page at addr %d has a record count of %d where its header claims %d",
			off.addr, page.index.records, hdr.records)
		return ErrCorrupt
	}

	if isRoot {
		level = hdr.level
	} else {
		if hdr.level != level {
			db.errorf("page at addr %d has a tree level of %d where the expected level was %d",
				off.addr, hdr.level, level)
			return ErrCorrupt
		}

		// Confirm the record count our parent recorded for this page
		// matches what the page actually holds.
		if hdr.records != off.records {
			db.errorf("page at addr %d has a record count of %d where the expected record count was %d",
				off.addr, hdr.records, off.records)
			return ErrCorrupt
		}
	}

	switch hdr.typ {
	case PageColFix, PageColInt, PageColRCC, PageColVar:
		// Column-store siblings carry contiguous record ranges: the
		// starting record number on the page must line up.
		if isRoot {
			startRecno = 1
		}
		if hdr.startRecno != startRecno {
			db.errorf("page at addr %d has a starting record of %d where the expected starting record was %d",
				off.addr, hdr.startRecno, startRecno)
			return ErrCorrupt
		}
	case PageDupInt, PageDupLeaf, PageRowInt, PageRowLeaf:
		// Row stores never have non-zero starting record numbers.
		if hdr.startRecno != 0 {
			db.errorf("page at addr %d has a starting record of %d, which should never be non-zero",
				off.addr, hdr.startRecno)
			return ErrCorrupt
		}
		// The routing key that led here must sort less than or equal
		// to the first key on this page.
		if !isRoot {
			if err := vs.verifyCmp(parentKey, page, true); err != nil {
				return err
			}
		}
	}

	switch hdr.typ {
	case PageColFix, PageColRCC, PageColVar:
		// Column leaves need no further processing.
		transferred = true
		db.cache.unpin(page)
		return nil
	case PageDupLeaf, PageRowLeaf:
		// Row and duplicate leaves are held: their last key is checked
		// against the next routing key found in the tree.
		transferred = true
		vs.releaseLeaf()
		vs.leaf = page
		return nil
	}

	// For each entry in the internal page, verify the subtree.
	switch hdr.typ {
	case PageColInt:
		recno := hdr.startRecno
		for _, child := range page.index.offs {
			if err := vs.verifyTree(nil, recno, level-1, child); err != nil {
				return err
			}
			recno += child.records
		}
	case PageDupInt, PageRowInt:
		for i := range page.index.entries {
			e := &page.index.entries[i]
			if e.off == nil {
				db.errorf("item %d on page at addr %d has no off-page reference", e.num, off.addr)
				return ErrCorrupt
			}
			// The largest key in the subtree rooted immediately to
			// the left of this entry must sort strictly before the
			// entry's key. The trick is that we need the last leaf
			// key, not the last internal key; it was saved when the
			// leaf was verified. Discard the leaf as soon as it has
			// been used in a comparison.
			if vs.leaf != nil {
				if err := vs.verifyCmp(&keyRef{page: page, item: e.item}, vs.leaf, false); err != nil {
					return err
				}
				vs.releaseLeaf()
			}
			if err := vs.verifyTree(&keyRef{page: page, item: e.item}, 0, level-1, *e.off); err != nil {
				return err
			}
		}
	default:
		return vs.formatError(page)
	}

	// The final leaf of this subtree stays held: its largest key is checked
	// against the next routing key found in an ancestor, and Verify releases
	// it when there is none.
	return nil
}

// verifyCmp compares a routing key on a parent page to the first or last
// key of a child page, resolving overflow and compression on both sides.
func (vs *verifier) verifyCmp(parentKey *keyRef, child *Page, first bool) error {
	db := vs.db

	var cmp Comparator
	switch child.hdr.typ {
	case PageDupInt, PageDupLeaf:
		cmp = db.compareDup
	case PageRowInt, PageRowLeaf:
		cmp = db.compare
	default:
		return vs.formatError(child)
	}

	if err := child.parse(db); err != nil {
		db.errorf("%s", err)
		return ErrCorrupt
	}
	if len(child.index.entries) == 0 {
		db.errorf("page at addr %d has no keys to compare against its parent", child.addr)
		return ErrCorrupt
	}
	e := child.index.entries[0]
	if !first {
		e = child.index.entries[len(child.index.entries)-1]
	}

	childKey, childOvfl, err := vs.materializeKey(child, e.item)
	if err != nil {
		return err
	}
	defer func() {
		if childOvfl != nil {
			db.cache.unpin(childOvfl)
		}
	}()

	parentBytes, parentOvfl, err := vs.materializeKey(parentKey.page, parentKey.item)
	if err != nil {
		return err
	}
	defer func() {
		if parentOvfl != nil {
			db.cache.unpin(parentOvfl)
		}
	}()

	c := cmp(childKey, parentBytes)
	if first && c < 0 {
		db.errorf("the first key on the page at addr %d sorts before its reference key on its parent's page",
			child.addr)
		return ErrCorrupt
	}
	if !first && c >= 0 {
		db.errorf("the last key on the page at addr %d sorts after a parent page's key for the subsequent page",
			child.addr)
		return ErrCorrupt
	}
	return nil
}

// materializeKey builds the comparable byte view of a key item: the inline
// payload or the referenced overflow page's body, decompressed if the
// database stores this kind of item compressed. The returned page, if any,
// is the pinned overflow page the bytes point into; the caller unpins it
// after the comparison.
func (vs *verifier) materializeKey(p *Page, it item) ([]byte, *Page, error) {
	db := vs.db

	var key []byte
	var ovfl *Page
	if it.typ.isOvfl() {
		ref := decodeOvflRef(it.payload(p))
		op, err := vs.pinOverflow(ref)
		if err != nil {
			return nil, nil, err
		}
		ovfl = op
		key = op.body()[:ref.size]
	} else {
		key = it.payload(p)
	}

	var decomp DeCompressor
	switch it.typ {
	case itemKey, itemKeyOvfl:
		decomp = db.keyDecomp
	case itemKeyDup, itemKeyDupOvfl, itemDataDup, itemDataDupOvfl:
		decomp = db.dataDecomp
	}
	if decomp != nil {
		dec, err := decomp(key)
		if err != nil {
			if ovfl != nil {
				db.cache.unpin(ovfl)
			}
			db.errorf("unable to decompress key on page at addr %d: %s", p.addr, err)
			return nil, nil, ErrCorrupt
		}
		key = dec
	}
	return key, ovfl, nil
}
