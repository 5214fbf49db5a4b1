package sibt

import (
	"sync"

	"github.com/pkg/errors"
)

// errRestart is the buffer manager's internal control signal: the page was
// rewritten while it was being fetched and the caller must re-pin it using
// the updated reference. The verifier's bounded re-pin loop handles it; it
// is returned to the caller only when that loop gives up.
var errRestart = errors.New("page was rewritten, restart the read")

// maxPinRetry bounds the re-pin loop; the parent's pin guarantees the
// updated reference is stable, so a page that keeps restarting means
// something is deeply wrong.
const maxPinRetry = 10

// pageCache is the verifier's buffer manager: it fetches pages by
// (address, size), hands out pinned references, and recycles page buffers
// through a pool once the last pin is released.
type pageCache struct {
	db *DB

	mu    sync.Mutex
	pages map[uint64]*Page

	bufs sync.Pool
}

func newPageCache(db *DB) *pageCache {
	return &pageCache{
		db:    db,
		pages: make(map[uint64]*Page),
	}
}

func cacheKey(addr, size uint32) uint64 {
	return uint64(addr)<<32 | uint64(size)
}

// pin reads the page at (addr, size) and returns a pinned reference. The
// same (addr, size) pinned twice shares one copy.
func (c *pageCache) pin(addr, size uint32) (*Page, error) {
	db := c.db

	if size < pageHeaderSize {
		return nil, errors.Errorf("page at addr %d has impossible size %d", addr, size)
	}
	if db.addrToOff(addr)+int64(size) > db.filesz {
		return nil, errors.Errorf("page at addr %d, size %d extends past the end of the file", addr, size)
	}
	if db.ops.restart != nil && db.ops.restart(addr) {
		return nil, errRestart
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pages[cacheKey(addr, size)]; ok {
		p.pins++
		return p, nil
	}

	buf := c.getBuf(size)
	if _, err := db.ops.readAt(buf, db.addrToOff(addr)); err != nil {
		c.bufs.Put(buf[:0])
		return nil, errors.Wrapf(err, "read page at addr %d", addr)
	}

	p := &Page{
		addr: addr,
		size: size,
		data: buf,
		hdr:  decodePageHeader(buf),
		pins: 1,
	}
	c.pages[cacheKey(addr, size)] = p
	return p, nil
}

// pinOverflow pins the overflow page an item references. The reference
// carries the payload length; the page spans that plus its header, rounded
// up to the allocation unit.
func (c *pageCache) pinOverflow(ref ovflRef) (*Page, error) {
	size := c.db.alignToAlloc(uint64(pageHeaderSize) + uint64(ref.size))
	return c.pin(ref.addr, uint32(size))
}

// unpin releases a pinned reference. The page's bytes are invalid once the
// last pin is gone.
func (c *pageCache) unpin(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.pins--
	if p.pins > 0 {
		return
	}
	delete(c.pages, cacheKey(p.addr, p.size))
	c.bufs.Put(p.data[:0])
	p.data = nil
	p.index = nil
}

func (c *pageCache) getBuf(size uint32) []byte {
	if b, ok := c.bufs.Get().([]byte); ok && uint32(cap(b)) >= size {
		return b[:size]
	}
	return make([]byte, size)
}
