package sibt

// itemSlot is one of the three rolling cursors of the item walk. The key
// view points into the page, into the pinned overflow page, or at a
// decompressed copy; the slot owns the overflow pin.
type itemSlot struct {
	num  int
	key  []byte
	ovfl *Page
}

// verifyItems walks a page of tagged items and verifies them: bounds, the
// legal item types for the page, declared lengths, overflow references, and
// the sort order of keys and duplicate-data runs.
//
// Three slots are tracked: the current item, the last key and the last data
// item. Rotation is by pointer swap, so the slot storage (and any pinned
// overflow page it carries) is reused rather than reallocated per item.
func (vs *verifier) verifyItems(page *Page) error {
	db := vs.db
	hdr := &page.hdr
	addr := page.addr

	switch hdr.typ {
	case PageColVar, PageDupInt, PageDupLeaf, PageRowInt, PageRowLeaf:
	default:
		return vs.formatError(page)
	}

	var a, b, c itemSlot
	current, lastKey, lastData := &a, &b, &c
	defer func() {
		// Discard any overflow pages still held, on every exit path.
		for _, s := range [...]*itemSlot{&a, &b, &c} {
			if s.ovfl != nil {
				db.cache.unpin(s.ovfl)
				s.ovfl = nil
			}
		}
	}()

	off := uint32(pageHeaderSize)
	for num := 1; num <= int(hdr.entries()); num++ {
		// Check if the item header is entirely on the page.
		if off+itemHeaderSize > page.size {
			return vs.eopError(num, addr)
		}
		it := decodeItem(page, off)

		// Check the item's type against the page's type.
		switch it.typ {
		case itemKey, itemKeyOvfl:
			if hdr.typ != PageRowInt && hdr.typ != PageRowLeaf {
				return vs.itemPageError(num, it.typ, page)
			}
		case itemKeyDup, itemKeyDupOvfl:
			if hdr.typ != PageDupInt {
				return vs.itemPageError(num, it.typ, page)
			}
		case itemData, itemDataOvfl:
			if hdr.typ != PageColVar && hdr.typ != PageRowLeaf {
				return vs.itemPageError(num, it.typ, page)
			}
		case itemDataDup, itemDataDupOvfl:
			if hdr.typ != PageDupLeaf && hdr.typ != PageRowLeaf {
				return vs.itemPageError(num, it.typ, page)
			}
		case itemDel:
			if hdr.typ != PageColVar {
				return vs.itemPageError(num, it.typ, page)
			}
		case itemOff:
			if hdr.typ != PageDupInt && hdr.typ != PageRowInt && hdr.typ != PageRowLeaf {
				return vs.itemPageError(num, it.typ, page)
			}
		default:
			db.errorf("item %d on page at addr %d has an illegal type of %d", num, addr, it.typ)
			return ErrCorrupt
		}

		// Check the item's length; variable items can't be checked.
		switch it.typ {
		case itemKeyOvfl, itemKeyDupOvfl, itemDataOvfl, itemDataDupOvfl:
			if it.len != ovflRefSize {
				return vs.lengthError(num, addr)
			}
		case itemDel:
			if it.len != 0 {
				return vs.lengthError(num, addr)
			}
		case itemOff:
			if it.len != offRefSize {
				return vs.lengthError(num, addr)
			}
		}

		// Check if the whole item is on the page.
		if it.next() > page.size {
			return vs.eopError(num, addr)
		}

		// Any referenced extent has to exist inside the file.
		var oref ovflRef
		var xref offRef
		switch {
		case it.typ.isOvfl():
			oref = decodeOvflRef(it.payload(page))
			need := db.alignToAlloc(uint64(pageHeaderSize) + uint64(oref.size))
			if db.addrToOff(oref.addr)+int64(need) > db.filesz {
				return vs.eofError(num, addr)
			}
		case it.typ == itemOff:
			xref = decodeOffRef(it.payload(page))
			if db.addrToOff(xref.addr)+int64(xref.size) > db.filesz {
				return vs.eofError(num, addr)
			}
		}

		// Resolve overflow references: pin the overflow page, verify
		// it, and confirm the reference and the page agree about the
		// data size. A previously held overflow page is done with by
		// the time we read a new one.
		if it.typ.isOvfl() {
			if current.ovfl != nil {
				db.cache.unpin(current.ovfl)
				current.ovfl = nil
			}
			op, err := vs.pinOverflow(oref)
			if err != nil {
				return err
			}
			current.ovfl = op
			if err := vs.verifyPage(op); err != nil {
				return err
			}
			if oref.size != op.hdr.datalen() {
				db.errorf("overflow page reference in item %d on page at addr %d does not match the data size on the overflow page",
					num, addr)
				return ErrCorrupt
			}
		}

		// Sorted items get a comparable byte view; plain data items,
		// deletes and off-page references aren't sorted on the page.
		sorted := false
		switch it.typ {
		case itemKey, itemKeyDup, itemDataDup:
			current.num = num
			current.key = it.payload(page)
			sorted = true
		case itemKeyOvfl, itemKeyDupOvfl, itemDataDupOvfl:
			// The overflow page was just read in; reference its body.
			current.num = num
			current.key = current.ovfl.body()[:oref.size]
			sorted = true
		}

		if sorted {
			// The stored form may be compressed; the decoded form is
			// what's compared.
			var decomp DeCompressor
			switch it.typ {
			case itemKey, itemKeyOvfl:
				decomp = db.keyDecomp
			default:
				decomp = db.dataDecomp
			}
			if decomp != nil {
				dec, err := decomp(current.key)
				if err != nil {
					db.errorf("unable to decompress item %d on page at addr %d: %s", num, addr, err)
					return ErrCorrupt
				}
				current.key = dec
			}

			switch it.typ {
			case itemKey, itemKeyOvfl, itemKeyDup, itemKeyDupOvfl:
				cmp := db.compare
				if it.typ == itemKeyDup || it.typ == itemKeyDupOvfl {
					cmp = db.compareDup
				}
				if lastKey.key != nil && cmp(lastKey.key, current.key) >= 0 {
					db.errorf("item %d and item %d on page at addr %d are incorrectly sorted",
						lastKey.num, current.num, addr)
					return ErrCorrupt
				}
				lastKey, current = current, lastKey
				// A new key starts a new duplicate-data run.
				if hdr.typ == PageRowLeaf {
					lastData.num = 0
					lastData.key = nil
				}
			case itemDataDup, itemDataDupOvfl:
				if lastData.key != nil && db.compareDup(lastData.key, current.key) >= 0 {
					db.errorf("item %d and item %d on page at addr %d are incorrectly sorted",
						lastData.num, current.num, addr)
					return ErrCorrupt
				}
				lastData, current = current, lastData
			}
		}

		// Verify any off-page duplicate tree found on a row-store leaf
		// page; the subtree's own last leaf is never needed once the
		// recursion returns.
		if hdr.typ == PageRowLeaf && it.typ == itemOff {
			if err := vs.verifyTree(nil, 0, noLevel, xref); err != nil {
				return err
			}
			vs.releaseLeaf()
		}

		off = it.next()
	}
	return nil
}

func (vs *verifier) itemPageError(num int, t itemType, page *Page) error {
	vs.db.errorf("illegal item and page type combination (item %d on page at addr %d is a %s item on a %s page)",
		num, page.addr, t, page.hdr.typ)
	return ErrCorrupt
}

func (vs *verifier) lengthError(num int, addr uint32) error {
	vs.db.errorf("item %d on page at addr %d has an incorrect length", num, addr)
	return ErrCorrupt
}
