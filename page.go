package sibt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PageType identifies the on-disk flavor of a page.
type PageType uint8

const (
	pageInvalid PageType = iota
	// PageDescriptor is page 0; it carries the description record.
	PageDescriptor
	// Column-store pages: internal, fixed-length leaf, repeat-count
	// compressed leaf, variable-length leaf.
	PageColInt
	PageColFix
	PageColRCC
	PageColVar
	// Off-page duplicate tree pages.
	PageDupInt
	PageDupLeaf
	// PageOvfl holds a single oversized key or data item.
	PageOvfl
	// Row-store pages.
	PageRowInt
	PageRowLeaf
)

func (t PageType) String() string {
	switch t {
	case PageDescriptor:
		return "descriptor"
	case PageColInt:
		return "column internal"
	case PageColFix:
		return "column fixed-length leaf"
	case PageColRCC:
		return "column repeat-compressed leaf"
	case PageColVar:
		return "column variable-length leaf"
	case PageDupInt:
		return "duplicate internal"
	case PageDupLeaf:
		return "duplicate leaf"
	case PageOvfl:
		return "overflow"
	case PageRowInt:
		return "row internal"
	case PageRowLeaf:
		return "row leaf"
	}
	return "invalid"
}

const (
	// noLevel cannot appear on any tree page; it marks the descriptor page
	// and serves as the "learn the height from this page" sentinel when
	// walking down from a root.
	noLevel uint8 = 0
	// leafLevel is the level of every leaf and overflow page; internal
	// pages are strictly greater.
	leafLevel uint8 = 1
)

// pageHeaderSize is the fixed header at the start of every page.
//
// Layout, little-endian:
//
//	00: type        u8
//	01: level       u8
//	02: flags       u8 (reserved, zero)
//	03: unused      u8 x2 (zero)
//	05: pad         u8 x3 (zero)
//	08: lsn         u64 x2 (reserved, zero)
//	24: start_recno u64
//	32: u           u32 (item/entry count; data length on overflow pages)
//	36: pad         u8 x4 (zero)
//	40: records     u64
const pageHeaderSize = 48

type pageHeader struct {
	typ        PageType
	level      uint8
	flags      uint8
	unused     [2]byte
	pad1       [3]byte
	lsn        [2]uint64
	startRecno uint64
	u          uint32
	pad2       [4]byte
	records    uint64
}

// entries is the number of items or fixed entries on the page.
func (h *pageHeader) entries() uint32 { return h.u }

// datalen is the payload length of an overflow page.
func (h *pageHeader) datalen() uint32 { return h.u }

func decodePageHeader(b []byte) pageHeader {
	var h pageHeader
	h.typ = PageType(b[0])
	h.level = b[1]
	h.flags = b[2]
	copy(h.unused[:], b[3:5])
	copy(h.pad1[:], b[5:8])
	h.lsn[0] = binary.LittleEndian.Uint64(b[8:16])
	h.lsn[1] = binary.LittleEndian.Uint64(b[16:24])
	h.startRecno = binary.LittleEndian.Uint64(b[24:32])
	h.u = binary.LittleEndian.Uint32(b[32:36])
	copy(h.pad2[:], b[36:40])
	h.records = binary.LittleEndian.Uint64(b[40:48])
	return h
}

// reservedZero reports whether every reserved header byte is zero. The lsn
// words are checked separately so they can produce their own error.
func (h *pageHeader) reservedZero() bool {
	if h.flags != 0 || h.unused[0] != 0 || h.unused[1] != 0 {
		return false
	}
	for _, b := range h.pad1 {
		if b != 0 {
			return false
		}
	}
	for _, b := range h.pad2 {
		if b != 0 {
			return false
		}
	}
	return true
}

// Description record flags.
const (
	// descRepeat marks a fixed-length column store using repeat counts.
	descRepeat   uint8 = 0x01
	descFlagMask uint8 = descRepeat
)

// descRecordSize is the description record stored at the body of page 0.
//
//	00: magic        u32
//	04: majorv       u16
//	06: minorv       u16
//	08: intlmin      u32
//	12: intlmax      u32
//	16: leafmin      u32
//	20: leafmax      u32
//	24: recno_offset u64
//	32: root_addr    u32
//	36: root_size    u32
//	40: fixed_len    u32
//	44: flags        u8
//	45: unused1      u8 x11 (zero)
//	56: unused2      u8 x8 (zero)
const descRecordSize = 64

type descRecord struct {
	magic       uint32
	majorv      uint16
	minorv      uint16
	intlMin     uint32
	intlMax     uint32
	leafMin     uint32
	leafMax     uint32
	recnoOffset uint64
	rootAddr    uint32
	rootSize    uint32
	fixedLen    uint32
	flags       uint8
	unused1     [11]byte
	unused2     [8]byte
}

func decodeDescRecord(b []byte) descRecord {
	var d descRecord
	d.magic = binary.LittleEndian.Uint32(b[0:4])
	d.majorv = binary.LittleEndian.Uint16(b[4:6])
	d.minorv = binary.LittleEndian.Uint16(b[6:8])
	d.intlMin = binary.LittleEndian.Uint32(b[8:12])
	d.intlMax = binary.LittleEndian.Uint32(b[12:16])
	d.leafMin = binary.LittleEndian.Uint32(b[16:20])
	d.leafMax = binary.LittleEndian.Uint32(b[20:24])
	d.recnoOffset = binary.LittleEndian.Uint64(b[24:32])
	d.rootAddr = binary.LittleEndian.Uint32(b[32:36])
	d.rootSize = binary.LittleEndian.Uint32(b[36:40])
	d.fixedLen = binary.LittleEndian.Uint32(b[40:44])
	d.flags = b[44]
	copy(d.unused1[:], b[45:56])
	copy(d.unused2[:], b[56:64])
	return d
}

// Page is a pinned reference to a contiguous run of allocation units. The
// bytes stay valid until the page is unpinned.
type Page struct {
	addr uint32
	size uint32 // bytes
	data []byte // header + body
	hdr  pageHeader

	pins  int32      // owned by pageCache
	index *pageIndex // built lazily by parse
}

func (p *Page) body() []byte { return p.data[pageHeaderSize:] }

// pageIndex is the in-memory structure laid over a page after it has been
// read: the sortable entries in storage order, the off-page children, and
// the record count recomputed from the page contents.
type pageIndex struct {
	records uint64
	entries []indexEntry // keys, or duplicate data on duplicate leaves
	offs    []offRef     // column-internal children
}

// indexEntry pairs a sortable item with, on internal pages, the off-page
// reference it routes to.
type indexEntry struct {
	num  int // item number, 1-based
	item item
	off  *offRef
}

// parse lays out the in-memory index for a page. It runs after the page
// body has been validated, but still refuses to walk off the page.
func (p *Page) parse(db *DB) error {
	if p.index != nil {
		return nil
	}
	idx := &pageIndex{}

	switch p.hdr.typ {
	case PageColFix:
		idx.records = uint64(p.hdr.entries())

	case PageColRCC:
		entryLen := 2 + db.fixedLen
		off := uint32(pageHeaderSize)
		for i := uint32(0); i < p.hdr.entries(); i++ {
			if off+entryLen > p.size {
				return errors.Errorf("entry %d on page at addr %d extends past the end of the page", i+1, p.addr)
			}
			idx.records += uint64(binary.LittleEndian.Uint16(p.data[off:]))
			off += entryLen
		}

	case PageColInt:
		off := uint32(pageHeaderSize)
		for i := uint32(0); i < p.hdr.entries(); i++ {
			if off+offRefSize > p.size {
				return errors.Errorf("entry %d on page at addr %d extends past the end of the page", i+1, p.addr)
			}
			ref := decodeOffRef(p.data[off : off+offRefSize])
			idx.offs = append(idx.offs, ref)
			idx.records += ref.records
			off += offRefSize
		}

	case PageColVar, PageDupInt, PageDupLeaf, PageRowInt, PageRowLeaf:
		if err := p.parseItems(idx); err != nil {
			return err
		}

	default:
		return errors.Errorf("page at addr %d has no in-memory format", p.addr)
	}

	p.index = idx
	return nil
}

func (p *Page) parseItems(idx *pageIndex) error {
	pending := -1 // index of the entry waiting for its off-page reference
	off := uint32(pageHeaderSize)
	for num := 1; num <= int(p.hdr.entries()); num++ {
		if off+itemHeaderSize > p.size {
			return errors.Errorf("item %d on page at addr %d extends past the end of the page", num, p.addr)
		}
		it := decodeItem(p, off)
		if it.next() > p.size {
			return errors.Errorf("item %d on page at addr %d extends past the end of the page", num, p.addr)
		}

		switch it.typ {
		case itemKey, itemKeyOvfl:
			switch p.hdr.typ {
			case PageRowInt:
				idx.entries = append(idx.entries, indexEntry{num: num, item: it})
				pending = len(idx.entries) - 1
			case PageRowLeaf:
				idx.entries = append(idx.entries, indexEntry{num: num, item: it})
			}
		case itemKeyDup, itemKeyDupOvfl:
			idx.entries = append(idx.entries, indexEntry{num: num, item: it})
			pending = len(idx.entries) - 1
		case itemOff:
			// The records under the referenced subtree count toward
			// this page, whether it's a child link on an internal
			// page or an off-page duplicate tree on a row leaf.
			ref := decodeOffRef(it.payload(p))
			idx.records += ref.records
			if pending >= 0 {
				idx.entries[pending].off = &ref
				pending = -1
			}
		case itemData, itemDataOvfl, itemDel:
			idx.records++
		case itemDataDup, itemDataDupOvfl:
			idx.records++
			if p.hdr.typ == PageDupLeaf {
				idx.entries = append(idx.entries, indexEntry{num: num, item: it})
			}
		}

		off = it.next()
	}
	return nil
}
