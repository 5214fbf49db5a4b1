package sibt

import "encoding/binary"

// itemType tags a variable-format page body entry.
type itemType uint8

const (
	itemInvalid itemType = iota
	itemKey              // row-store key
	itemKeyOvfl          // row-store key, overflow reference
	itemKeyDup           // duplicate-tree key
	itemKeyDupOvfl       // duplicate-tree key, overflow reference
	itemData             // data item
	itemDataOvfl         // data item, overflow reference
	itemDataDup          // duplicate data item
	itemDataDupOvfl      // duplicate data item, overflow reference
	itemDel              // deleted item
	itemOff              // off-page subtree reference
)

func (t itemType) String() string {
	switch t {
	case itemKey:
		return "key"
	case itemKeyOvfl:
		return "key-overflow"
	case itemKeyDup:
		return "duplicate key"
	case itemKeyDupOvfl:
		return "duplicate key-overflow"
	case itemData:
		return "data"
	case itemDataOvfl:
		return "data-overflow"
	case itemDataDup:
		return "duplicate data"
	case itemDataDupOvfl:
		return "duplicate data-overflow"
	case itemDel:
		return "deleted"
	case itemOff:
		return "off-page"
	}
	return "invalid"
}

// isOvfl reports whether the item's payload is an overflow reference.
func (t itemType) isOvfl() bool {
	switch t {
	case itemKeyOvfl, itemKeyDupOvfl, itemDataOvfl, itemDataDupOvfl:
		return true
	}
	return false
}

// Items are packed contiguously from the page body: a 4-byte header holding
// the type in the low byte and the payload length in the upper 24 bits,
// the payload, then padding to a 4-byte boundary.
const (
	itemHeaderSize uint32 = 4
	itemAlign      uint32 = 4
	itemMaxLen     uint32 = 1<<24 - 1
)

type item struct {
	typ itemType
	len uint32
	off uint32 // byte offset of the item header within the page
}

// decodeItem reads the item header at off; the caller has checked that the
// header itself is on the page.
func decodeItem(p *Page, off uint32) item {
	w := binary.LittleEndian.Uint32(p.data[off:])
	return item{typ: itemType(w & 0xff), len: w >> 8, off: off}
}

// next is the page offset of the following item.
func (it item) next() uint32 {
	n := it.off + itemHeaderSize + it.len
	return (n + itemAlign - 1) &^ (itemAlign - 1)
}

func (it item) payload(p *Page) []byte {
	start := it.off + itemHeaderSize
	return p.data[start : start+it.len]
}

// ovflRef points at an overflow page; size is the payload byte length, which
// must match the overflow page's own header.
const ovflRefSize uint32 = 8

type ovflRef struct {
	addr uint32
	size uint32
}

func decodeOvflRef(b []byte) ovflRef {
	return ovflRef{
		addr: binary.LittleEndian.Uint32(b[0:4]),
		size: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// offRef points at the root of a child subtree along with the record count
// the parent believes lives under it.
const offRefSize uint32 = 16

type offRef struct {
	addr    uint32
	size    uint32
	records uint64
}

func decodeOffRef(b []byte) offRef {
	return offRef{
		addr:    binary.LittleEndian.Uint32(b[0:4]),
		size:    binary.LittleEndian.Uint32(b[4:8]),
		records: binary.LittleEndian.Uint64(b[8:16]),
	}
}
