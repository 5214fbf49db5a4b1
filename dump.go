package sibt

import (
	"fmt"
	"io"
)

// dumpPage writes a human-readable rendering of a verified page. It is only
// reached for pages that passed verification, so it can trust the layout.
func dumpPage(w io.Writer, p *Page) {
	hdr := &p.hdr
	fmt.Fprintf(w, "page %d: %s, level %d, recno %d, records %d\n",
		p.addr, hdr.typ, hdr.level, hdr.startRecno, hdr.records)

	switch hdr.typ {
	case PageOvfl:
		fmt.Fprintf(w, "\toverflow: %d bytes\n", hdr.datalen())
	case PageColVar, PageDupInt, PageDupLeaf, PageRowInt, PageRowLeaf:
		off := uint32(pageHeaderSize)
		for num := 1; num <= int(hdr.entries()); num++ {
			it := decodeItem(p, off)
			switch it.typ {
			case itemOff:
				ref := decodeOffRef(it.payload(p))
				fmt.Fprintf(w, "\t%d: %s -> addr %d, size %d, records %d\n",
					num, it.typ, ref.addr, ref.size, ref.records)
			case itemKeyOvfl, itemKeyDupOvfl, itemDataOvfl, itemDataDupOvfl:
				ref := decodeOvflRef(it.payload(p))
				fmt.Fprintf(w, "\t%d: %s -> addr %d, %d bytes\n",
					num, it.typ, ref.addr, ref.size)
			default:
				fmt.Fprintf(w, "\t%d: %s, %d bytes {%s}\n",
					num, it.typ, it.len, dumpBytes(it.payload(p)))
			}
			off = it.next()
		}
	case PageColInt:
		off := uint32(pageHeaderSize)
		for num := 1; num <= int(hdr.entries()); num++ {
			ref := decodeOffRef(p.data[off : off+offRefSize])
			fmt.Fprintf(w, "\t%d: addr %d, size %d, records %d\n",
				num, ref.addr, ref.size, ref.records)
			off += offRefSize
		}
	}
}

// dumpBytes prints a short printable prefix of an item payload.
func dumpBytes(b []byte) string {
	const max = 16
	trunc := ""
	if len(b) > max {
		b = b[:max]
		trunc = "..."
	}
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			out = append(out, c)
		} else {
			out = append(out, '.')
		}
	}
	return string(out) + trunc
}
