package mdcache

import "container/list"

// chunk is a contiguous run of dirents in sub-FSAL readdir order (spec
// §3).
type chunk struct {
	parent *Entry

	dirents    *list.List // *dirent, in stream order
	numEntries int

	prevChunk *chunk // accounting/LRU convenience only, not authoritative (see DESIGN.md)
	nextCk    uint64 // cookie of the first dirent of the next chunk; 0 == unknown
	eod       bool   // true if this chunk's last dirent is end-of-directory

	listElem  *list.Element // this chunk's element in parent.dir.chunks
	lruElem   *list.Element // this chunk's element in the pool-wide chunk LRU
}

func newChunk(parent *Entry) *chunk {
	return &chunk{parent: parent, dirents: list.New()}
}

// appendDirent adds d to the end of the chunk's stream-order list and
// attaches the chunk pointer.
func (c *chunk) appendDirent(d *dirent) {
	d.chunk = c
	d.chunkElem = c.dirents.PushBack(d)
	c.numEntries++
}

// prependDirent adds d to the front of the chunk.
func (c *chunk) prependDirent(d *dirent) {
	d.chunk = c
	d.chunkElem = c.dirents.PushFront(d)
	c.numEntries++
}

// removeDirent detaches d from this chunk's list without touching any
// index; callers are responsible for index bookkeeping.
func (c *chunk) removeDirent(d *dirent) {
	if d.chunkElem != nil {
		c.dirents.Remove(d.chunkElem)
		d.chunkElem = nil
	}
	d.chunk = nil
	c.numEntries--
}

func (c *chunk) firstDirent() *dirent {
	if e := c.dirents.Front(); e != nil {
		return e.Value.(*dirent)
	}
	return nil
}

func (c *chunk) lastDirent() *dirent {
	if e := c.dirents.Back(); e != nil {
		return e.Value.(*dirent)
	}
	return nil
}

// split breaks c in half once it reaches the configured split
// threshold (spec §4.7 step 4): the second half becomes a new chunk
// whose prevChunk points at the first half and whose nextCk is
// inherited from the original.
func (c *chunk) split() *chunk {
	total := c.numEntries
	half := total / 2

	second := newChunk(c.parent)
	second.nextCk = c.nextCk
	second.prevChunk = c
	second.eod = c.eod
	c.eod = false

	// Walk to the midpoint, then move the back half of the list.
	e := c.dirents.Front()
	for i := 0; i < half; i++ {
		e = e.Next()
	}
	for e != nil {
		next := e.Next()
		d := e.Value.(*dirent)
		c.dirents.Remove(e)
		d.chunkElem = second.dirents.PushBack(d)
		d.chunk = second
		e = next
	}
	second.numEntries = total - half
	c.numEntries = half

	if last := c.lastDirent(); last != nil {
		c.nextCk = firstCookieOf(second)
	}
	return second
}

func firstCookieOf(c *chunk) uint64 {
	if d := c.firstDirent(); d != nil {
		return d.cookie
	}
	return 0
}

// dirChunkList wraps the parent directory's chunk list operations.
// Callers hold dir.mu for write; dir.spin is not taken.
type dirChunkList struct{ dir *dirPayload }

func (dcl dirChunkList) insertAfter(existing, fresh *chunk) {
	if existing == nil {
		fresh.listElem = dcl.dir.chunks.PushFront(fresh)
		return
	}
	fresh.listElem = dcl.dir.chunks.InsertAfter(fresh, existing.listElem)
}

func (dcl dirChunkList) insertBefore(existing, fresh *chunk) {
	if existing == nil {
		fresh.listElem = dcl.dir.chunks.PushBack(fresh)
		return
	}
	fresh.listElem = dcl.dir.chunks.InsertBefore(fresh, existing.listElem)
}

func (dcl dirChunkList) remove(c *chunk) {
	if c.listElem != nil {
		dcl.dir.chunks.Remove(c.listElem)
		c.listElem = nil
	}
}
