package sibt

import "bytes"

const (
	// fixDeleteByte marks a deleted entry on fixed-length column pages;
	// the marker bit alone identifies a tombstone, whose bytes must then
	// be exactly the marker followed by zeros.
	fixDeleteByte byte = 0xff
	fixDeleteMask byte = 0x80
)

func fixDeleteIsSet(b byte) bool { return b&fixDeleteMask != 0 }

// verifyPage verifies a single page: coverage, header, then the body by
// page type.
func (vs *verifier) verifyPage(page *Page) error {
	db := vs.db
	hdr := &page.hdr
	addr := page.addr

	// Report progress every 10 pages.
	vs.fcnt++
	if vs.progress != nil && vs.fcnt%10 == 0 {
		vs.progress(db.path, vs.fcnt)
	}

	// Update the fragment list.
	if vs.fragbits != nil {
		if err := vs.addFrags(page); err != nil {
			return err
		}
	}

	// The checksum was verified when the page was first read.
	//
	// FUTURE: check the lsn against the existing log files.
	if hdr.lsn[0] != 0 || hdr.lsn[1] != 0 {
		db.errorf("page at addr %d has non-zero lsn header fields", addr)
		return ErrCorrupt
	}

	// Check the page type.
	switch hdr.typ {
	case PageDescriptor,
		PageColFix, PageColInt, PageColRCC, PageColVar,
		PageDupInt, PageDupLeaf,
		PageOvfl,
		PageRowInt, PageRowLeaf:
	default:
		db.errorf("page at addr %d has an invalid type of %d", addr, hdr.typ)
		return ErrCorrupt
	}

	// Check the page level.
	badLevel := false
	switch hdr.typ {
	case PageDescriptor:
		badLevel = hdr.level != noLevel
	case PageColFix, PageColRCC, PageColVar, PageDupLeaf, PageOvfl, PageRowLeaf:
		badLevel = hdr.level != leafLevel
	case PageColInt, PageDupInt, PageRowInt:
		badLevel = hdr.level <= leafLevel
	}
	if badLevel {
		db.errorf("%s page at addr %d has incorrect tree level of %d", hdr.typ, addr, hdr.level)
		return ErrCorrupt
	}

	if !hdr.reservedZero() {
		db.errorf("page at addr %d has non-zero unused header fields", addr)
		return ErrCorrupt
	}

	// Verify the body of the page.
	var err error
	switch hdr.typ {
	case PageDescriptor:
		err = vs.verifyDesc(page)
	case PageColVar, PageDupInt, PageDupLeaf, PageRowInt, PageRowLeaf:
		err = vs.verifyItems(page)
	case PageColInt:
		err = vs.verifyColInt(page)
	case PageColFix:
		err = vs.verifyColFix(page)
	case PageColRCC:
		err = vs.verifyColRCC(page)
	case PageOvfl:
		err = vs.verifyOvfl(page)
	}
	if err != nil {
		return err
	}

	// Optionally dump the page.
	if vs.dump != nil {
		dumpPage(vs.dump, page)
	}
	return nil
}

// addFrags claims the page's allocation units in the fragment bitmap,
// complaining if any of them has already been claimed by another page.
func (vs *verifier) addFrags(page *Page) error {
	db := vs.db

	start := uint64(page.addr)
	n := uint64(page.size) / uint64(db.allocSize)
	for i := start; i < start+n; i++ {
		if vs.fragbits.test(i) {
			db.errorf("page fragment at addr %d already verified", page.addr)
			return ErrCorrupt
		}
	}
	vs.fragbits.setRange(start, start+n)
	return nil
}

// checkFrags verifies that every fragment of the file was claimed by some
// page, reporting one error per maximal run of unvisited fragments.
func (vs *verifier) checkFrags() error {
	db := vs.db

	var err error
	for i := uint64(0); i < vs.frags; {
		if vs.fragbits.test(i) {
			i++
			continue
		}
		start := i
		for i < vs.frags && !vs.fragbits.test(i) {
			i++
		}
		if end := i - 1; start == end {
			db.errorf("fragment %d was never verified", start)
		} else {
			db.errorf("fragments %d to %d were never verified", start, end)
		}
		err = ErrCorrupt
	}
	return err
}

// verifyDesc verifies the description record on page 0 against the
// configuration the database was opened with. Field checks accumulate so a
// single run reports every disagreement.
func (vs *verifier) verifyDesc(page *Page) error {
	db := vs.db
	d := decodeDescRecord(page.body())

	ok := true
	if d.magic != Magic {
		db.errorf("magic number %#x, expected %#x", d.magic, Magic)
		ok = false
	}
	if d.majorv != MajorVersion {
		db.errorf("major version %d, expected %d", d.majorv, MajorVersion)
		ok = false
	}
	if d.minorv != MinorVersion {
		db.errorf("minor version %d, expected %d", d.minorv, MinorVersion)
		ok = false
	}
	if d.intlMin != db.intlMin {
		db.errorf("minimum internal page size %d, expected %d", d.intlMin, db.intlMin)
		ok = false
	}
	if d.intlMax != db.intlMax {
		db.errorf("maximum internal page size %d, expected %d", d.intlMax, db.intlMax)
		ok = false
	}
	if d.leafMin != db.leafMin {
		db.errorf("minimum leaf page size %d, expected %d", d.leafMin, db.leafMin)
		ok = false
	}
	if d.leafMax != db.leafMax {
		db.errorf("maximum leaf page size %d, expected %d", d.leafMax, db.leafMax)
		ok = false
	}
	if d.fixedLen != db.fixedLen {
		db.errorf("fixed record length %d, expected %d", d.fixedLen, db.fixedLen)
		ok = false
	}
	if d.recnoOffset != 0 {
		db.errorf("recno offset %d, expected 0", d.recnoOffset)
		ok = false
	}
	if Clear(d.flags, descFlagMask) != 0 {
		db.errorf("unexpected flags found in description record")
		ok = false
	}
	if d.fixedLen == 0 && Has(d.flags, descRepeat) {
		db.errorf("repeat counts configured but no fixed length record size specified")
		ok = false
	}
	zero := true
	for _, b := range d.unused1 {
		zero = zero && b == 0
	}
	for _, b := range d.unused2 {
		zero = zero && b == 0
	}
	if !zero {
		db.errorf("unexpected values found in description record's unused fields")
		ok = false
	}

	if !ok {
		return ErrCorrupt
	}
	return nil
}

// verifyColInt walks a column-store internal page: fixed-size off-page
// references packed end-to-end.
func (vs *verifier) verifyColInt(page *Page) error {
	db := vs.db

	off := uint32(pageHeaderSize)
	for num := 1; num <= int(page.hdr.entries()); num++ {
		// Check if this entry is entirely on the page.
		if off+offRefSize > page.size {
			return vs.eopError(num, page.addr)
		}
		// Check if the reference is past the end-of-file.
		ref := decodeOffRef(page.data[off : off+offRefSize])
		if db.addrToOff(ref.addr)+int64(ref.size) > db.filesz {
			return vs.eofError(num, page.addr)
		}
		off += offRefSize
	}
	return nil
}

// verifyColFix walks a fixed-length column-store leaf page.
func (vs *verifier) verifyColFix(page *Page) error {
	db := vs.db

	if db.fixedLen == 0 {
		db.errorf("fixed-length page at addr %d but no fixed record length configured", page.addr)
		return ErrCorrupt
	}

	off := uint32(pageHeaderSize)
	for num := 1; num <= int(page.hdr.entries()); num++ {
		if off+db.fixedLen > page.size {
			return vs.eopError(num, page.addr)
		}
		// Deleted entries are the marker byte followed by nul bytes.
		data := page.data[off : off+db.fixedLen]
		if fixDeleteIsSet(data[0]) {
			if err := vs.checkDeleted(data, num, page.addr); err != nil {
				return err
			}
		}
		off += db.fixedLen
	}
	return nil
}

// verifyColRCC walks a repeat-count compressed column-store leaf page.
func (vs *verifier) verifyColRCC(page *Page) error {
	db := vs.db

	if db.fixedLen == 0 {
		db.errorf("fixed-length page at addr %d but no fixed record length configured", page.addr)
		return ErrCorrupt
	}

	entryLen := 2 + db.fixedLen
	var lastData []byte
	var lastCount uint16

	off := uint32(pageHeaderSize)
	for num := 1; num <= int(page.hdr.entries()); num++ {
		if off+entryLen > page.size {
			return vs.eopError(num, page.addr)
		}
		count := uint16(page.data[off]) | uint16(page.data[off+1])<<8
		data := page.data[off+2 : off+entryLen]

		if count == 0 {
			db.errorf("fixed-length entry %d on page at addr %d has a repeat count of 0", num, page.addr)
			return ErrCorrupt
		}
		if fixDeleteIsSet(data[0]) {
			if err := vs.checkDeleted(data, num, page.addr); err != nil {
				return err
			}
		}

		// Adjacent identical entries are a missed compression
		// opportunity, unless the earlier count already hit the
		// maximum.
		if lastData != nil && bytes.Equal(lastData, data) && lastCount < 0xffff {
			db.errorf("fixed-length entries %d and %d on page at addr %d are identical and should have been compressed",
				num-1, num, page.addr)
			return ErrCorrupt
		}
		lastData, lastCount = data, count
		off += entryLen
	}
	return nil
}

func (vs *verifier) checkDeleted(data []byte, num int, addr uint32) error {
	if data[0] != fixDeleteByte {
		return vs.delFmtError(num, addr)
	}
	for _, b := range data[1:] {
		if b != 0 {
			return vs.delFmtError(num, addr)
		}
	}
	return nil
}

// verifyOvfl verifies an overflow page: a non-empty record followed by
// nothing but zero padding.
func (vs *verifier) verifyOvfl(page *Page) error {
	db := vs.db
	datalen := page.hdr.datalen()

	if datalen == 0 {
		db.errorf("overflow page at addr %d has no data", page.addr)
		return ErrCorrupt
	}
	if uint64(pageHeaderSize)+uint64(datalen) > uint64(page.size) {
		db.errorf("overflow record on page at addr %d extends past the end of the page", page.addr)
		return ErrCorrupt
	}

	// Any page data after the overflow record should be nul bytes.
	for _, b := range page.data[uint32(pageHeaderSize)+datalen:] {
		if b != 0 {
			db.errorf("overflow page at addr %d has non-zero trailing bytes", page.addr)
			return ErrCorrupt
		}
	}
	return nil
}

// eopError is the generic item-extends-past-the-end-of-page error.
func (vs *verifier) eopError(num int, addr uint32) error {
	vs.db.errorf("item %d on page at addr %d extends past the end of the page", num, addr)
	return ErrCorrupt
}

// eofError is the generic item-references-non-existent-file-pages error.
func (vs *verifier) eofError(num int, addr uint32) error {
	vs.db.errorf("off-page item %d on page at addr %d references non-existent file pages", num, addr)
	return ErrCorrupt
}

// delFmtError reports a deleted fixed-length entry with non-nul bytes.
func (vs *verifier) delFmtError(num int, addr uint32) error {
	vs.db.errorf("deleted fixed-length entry %d on page at addr %d has non-nul bytes", num, addr)
	return ErrCorrupt
}
