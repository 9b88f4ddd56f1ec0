// Package ringbuf implements a segmented, append-only byte FIFO used as the
// ciphertext staging area between a TLS engine and its underlying transport.
//
// The buffer is a linked chain of fixed-size blocks with independent
// producer (tail) and consumer (head) cursors. Blocks strictly behind head
// are returned to a pool once head advances past them; blocks are allocated
// on demand as tail fills the current one.
package ringbuf

import (
	"fmt"
	"sync"
)

// DefaultBlockSize matches the block size named as an implementation
// constant in the design (16 KiB).
const DefaultBlockSize = 16 * 1024

type block struct {
	buf  []byte
	next *block
}

// Cursor is an opaque position within a Buffer. Cursors from the same
// Buffer are totally ordered by production time; compare with Equal or
// Before.
type Cursor struct {
	blk *block
	off int
	// seq is the monotonically increasing sequence number of blk, used to
	// order cursors whose blocks may since have been recycled elsewhere.
	seq uint64
}

// Buffer is a segmented byte FIFO. The zero value is not usable; construct
// with New.
type Buffer struct {
	mu        sync.Mutex
	blockSize int
	pool      *sync.Pool

	head    Cursor // read cursor
	tail    Cursor // write cursor
	nextSeq uint64
	length  int // bytes currently buffered (tail - head)
}

// New creates an empty buffer with the given block size, backed by the
// supplied pool. If pool is nil a private pool is used.
func New(blockSize int, pool *sync.Pool) *Buffer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if pool == nil {
		bs := blockSize
		pool = &sync.Pool{New: func() any { return make([]byte, bs) }}
	}
	b := &Buffer{blockSize: blockSize, pool: pool}
	first := b.newBlock()
	c := Cursor{blk: first, off: 0, seq: b.nextSeq}
	b.nextSeq++
	b.head = c
	b.tail = c
	return b
}

func (b *Buffer) newBlock() *block {
	buf := b.pool.Get().([]byte)
	if cap(buf) < b.blockSize {
		buf = make([]byte, b.blockSize)
	}
	return &block{buf: buf[:b.blockSize]}
}

// Len returns the number of bytes currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Cap returns an outstanding capacity hint: the number of bytes the buffer
// could accept before Write would need to allocate another block. It is a
// diagnostic snapshot, not a hard limit — Write always allocates on demand
// regardless of what Cap last reported.
func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockSize - b.tail.off
}

// Write appends n bytes from src, allocating blocks as needed. It never
// fails except under allocation exhaustion (panic, as with any Go slice
// allocation).
func (b *Buffer) Write(src []byte) (n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(src) > 0 {
		avail := b.blockSize - b.tail.off
		if avail == 0 {
			nb := b.newBlock()
			b.tail.blk.next = nb
			b.tail.blk = nb
			b.tail.off = 0
			b.tail.seq = b.nextSeq
			b.nextSeq++
			avail = b.blockSize
		}
		k := len(src)
		if k > avail {
			k = avail
		}
		copy(b.tail.blk.buf[b.tail.off:], src[:k])
		b.tail.off += k
		src = src[k:]
		n += k
		b.length += k
	}
	return n
}

// Read copies up to len(dst) bytes starting at head into dst, advancing
// head and releasing blocks fully behind it. Returns the actual count,
// which is less than len(dst) only when the buffer holds fewer bytes; it
// returns 0 only when the buffer is empty.
func (b *Buffer) Read(dst []byte) (n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for n < len(dst) && b.length > 0 {
		avail := b.tail.off - b.head.off
		if b.head.blk != b.tail.blk {
			avail = b.blockSize - b.head.off
		}
		if avail == 0 {
			// head block fully consumed but not yet the tail block.
			b.releaseHeadBlockLocked()
			continue
		}
		k := len(dst) - n
		if k > avail {
			k = avail
		}
		copy(dst[n:], b.head.blk.buf[b.head.off:b.head.off+k])
		b.head.off += k
		n += k
		b.length -= k
		if b.head.blk != b.tail.blk && b.head.off == b.blockSize {
			b.releaseHeadBlockLocked()
		}
	}
	return n
}

// releaseHeadBlockLocked advances head onto the next block, returning the
// old head block's storage to the pool. Caller holds mu.
func (b *Buffer) releaseHeadBlockLocked() {
	old := b.head.blk
	nxt := old.next
	b.head.blk = nxt
	b.head.off = 0
	b.head.seq++
	old.next = nil
	b.pool.Put(old.buf)
}

// TailBlock reserves a contiguous writable region at tail. The returned
// slice is valid until the next call to TailBlock or TailBlockCommit. k is
// always >= 1; a new block is allocated if the current tail block is full.
func (b *Buffer) TailBlock(max int) (out []byte, k int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tail.off == b.blockSize {
		nb := b.newBlock()
		b.tail.blk.next = nb
		b.tail.blk = nb
		b.tail.off = 0
		b.tail.seq = b.nextSeq
		b.nextSeq++
	}
	k = b.blockSize - b.tail.off
	if max > 0 && k > max {
		k = max
	}
	return b.tail.blk.buf[b.tail.off : b.tail.off+k], k
}

// TailBlockCommit advances tail by n, where 0 <= n <= k from the most
// recent TailBlock call.
func (b *Buffer) TailBlockCommit(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || b.tail.off+n > b.blockSize {
		return fmt.Errorf("ringbuf: commit %d exceeds reserved tail region", n)
	}
	b.tail.off += n
	b.length += n
	return nil
}

// HeadBlocks fills bufs with contiguous ciphertext slices beginning at
// start toward tail, without copying and without advancing head. It
// returns the number of slices written into bufs and the cursor position
// immediately after the last byte returned.
func (b *Buffer) HeadBlocks(start Cursor, bufs [][]byte) (n int, end Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := start
	end = start
	for n < len(bufs) {
		if cur.blk == b.tail.blk {
			if cur.off >= b.tail.off {
				break
			}
			bufs[n] = cur.blk.buf[cur.off:b.tail.off]
			n++
			end = Cursor{blk: cur.blk, off: b.tail.off, seq: cur.seq}
			break
		}
		if cur.off >= b.blockSize {
			cur = Cursor{blk: cur.blk.next, off: 0, seq: cur.seq + 1}
			continue
		}
		bufs[n] = cur.blk.buf[cur.off:b.blockSize]
		n++
		end = Cursor{blk: cur.blk.next, off: 0, seq: cur.seq + 1}
		cur = end
	}
	return n, end
}

// HeadBlocksCommit advances head to pos, releasing blocks fully behind it.
func (b *Buffer) HeadBlocksCommit(pos Cursor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos.seq < b.head.seq || (pos.seq == b.tail.seq && pos.off > b.tail.off) || pos.seq > b.tail.seq {
		return fmt.Errorf("ringbuf: commit position out of range")
	}
	consumed := 0
	for b.head.seq < pos.seq {
		consumed += b.blockSize - b.head.off
		b.releaseHeadBlockLocked()
	}
	consumed += pos.off - b.head.off
	b.head.off = pos.off
	b.length -= consumed
	if b.length < 0 {
		b.length = 0
	}
	return nil
}

// Tail returns the current write cursor, e.g. to start a subsequent
// HeadBlocks scan or to record a write request's commit_pos.
func (b *Buffer) Tail() Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tail
}

// Head returns the current read cursor.
func (b *Buffer) Head() Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head
}

// Equal reports whether two cursors denote the same position.
func (c Cursor) Equal(o Cursor) bool { return c.seq == o.seq && c.off == o.off }

// Before reports whether c denotes a position strictly earlier than o.
// Both cursors must come from the same Buffer.
func (c Cursor) Before(o Cursor) bool {
	if c.seq != o.seq {
		return c.seq < o.seq
	}
	return c.off < o.off
}

// Close releases all blocks held by the buffer. The buffer must not be
// used afterward.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk := b.head.blk
	for blk != nil {
		nxt := blk.next
		b.pool.Put(blk.buf)
		blk = nxt
	}
	b.head = Cursor{}
	b.tail = Cursor{}
	b.length = 0
}
