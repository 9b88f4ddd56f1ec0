package ringbuf

import (
	"crypto/md5"
	"math/rand"
	"testing"
)

// TestWriteReadFIFO writes random chunks totalling ~1 MiB into a buffer with
// a small block size (to force many block allocations/releases) then reads
// them back in random chunk sizes, asserting the byte stream is preserved
// exactly (FIFO law).
func TestWriteReadFIFO(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	buf := New(4096, nil)

	const total = 1 << 20
	written := make([]byte, 0, total)
	for len(written) < total {
		n := rng.Intn(4000) + 1
		if len(written)+n > total {
			n = total - len(written)
		}
		chunk := make([]byte, n)
		rng.Read(chunk)
		buf.Write(chunk)
		written = append(written, chunk...)
	}

	read := make([]byte, 0, total)
	for len(read) < total {
		n := rng.Intn(4000) + 1
		dst := make([]byte, n)
		k := buf.Read(dst)
		read = append(read, dst[:k]...)
		if k == 0 {
			t.Fatal("Read returned 0 on a non-empty buffer")
		}
	}

	if md5.Sum(written) != md5.Sum(read) {
		t.Fatal("read bytes do not match written bytes")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer after full read, got Len()=%d", buf.Len())
	}
}

// TestEmptyReadReturnsZero asserts read returns 0 only when the buffer is
// empty, never spuriously on a non-empty buffer.
func TestEmptyReadReturnsZero(t *testing.T) {
	buf := New(64, nil)
	dst := make([]byte, 16)
	if k := buf.Read(dst); k != 0 {
		t.Fatalf("expected 0 from empty buffer, got %d", k)
	}
	buf.Write([]byte("hello"))
	if k := buf.Read(dst); k != 5 {
		t.Fatalf("expected 5, got %d", k)
	}
	if k := buf.Read(dst); k != 0 {
		t.Fatalf("expected 0 after draining, got %d", k)
	}
}

// TestVectoredPath exercises TailBlock/TailBlockCommit as producer and
// HeadBlocks/HeadBlocksCommit as consumer, mirroring the transport's direct
// fill/drain path, and checks the same FIFO law over the vectored API.
func TestVectoredPath(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	buf := New(512, nil)

	const total = 1 << 18
	written := make([]byte, 0, total)
	for len(written) < total {
		dst, k := buf.TailBlock(0)
		n := rng.Intn(k) + 1
		rng.Read(dst[:n])
		if err := buf.TailBlockCommit(n); err != nil {
			t.Fatalf("commit: %v", err)
		}
		written = append(written, dst[:n]...)
	}

	read := make([]byte, 0, total)
	pos := buf.Head()
	for len(read) < total {
		bufs := make([][]byte, 8)
		n, end := buf.HeadBlocks(pos, bufs)
		if n == 0 {
			t.Fatal("HeadBlocks returned 0 slices while data remained")
		}
		for i := 0; i < n; i++ {
			read = append(read, bufs[i]...)
		}
		if err := buf.HeadBlocksCommit(end); err != nil {
			t.Fatalf("head commit: %v", err)
		}
		pos = end
	}

	if md5.Sum(written) != md5.Sum(read) {
		t.Fatal("vectored read bytes do not match written bytes")
	}

	bufs := make([][]byte, 4)
	if n, _ := buf.HeadBlocks(pos, bufs); n != 0 {
		t.Fatalf("expected 0 bufs after draining at committed pos, got %d", n)
	}
}

// TestCursorBeforeOrdersByProductionTime checks that Before agrees with the
// order Write actually produced cursors in: within one block (same seq,
// different offsets), across a block boundary (different seq), and after an
// intervening Read that consumes bytes without moving the tail.
func TestCursorBeforeOrdersByProductionTime(t *testing.T) {
	buf := New(16, nil)

	c0 := buf.Tail()
	buf.Write([]byte("12345678")) // stays within the first block
	c1 := buf.Tail()
	if !c0.Before(c1) {
		t.Fatal("c0 should be Before c1 after writing more bytes into the same block")
	}
	if c1.Before(c0) {
		t.Fatal("c1 should not be Before c0")
	}
	if c0.Before(c0) {
		t.Fatal("a cursor should not be Before itself")
	}

	buf.Write([]byte("123456789012345678901234")) // forces a new block
	c2 := buf.Tail()
	if !c1.Before(c2) {
		t.Fatal("c1 should be Before c2 after crossing a block boundary")
	}

	dst := make([]byte, 8)
	buf.Read(dst)
	if !c0.Before(c2) {
		t.Fatal("c0 should be Before c2 regardless of intervening reads")
	}
}

// TestCapReflectsRemainingBlockRoom checks that Cap tracks the space left in
// the current tail block, shrinking as writes fill it and resetting once a
// new block is allocated.
func TestCapReflectsRemainingBlockRoom(t *testing.T) {
	buf := New(16, nil)
	if c := buf.Cap(); c != 16 {
		t.Fatalf("Cap() on fresh buffer = %d, want 16", c)
	}
	buf.Write([]byte("123456"))
	if c := buf.Cap(); c != 10 {
		t.Fatalf("Cap() after writing 6 bytes = %d, want 10", c)
	}
	buf.Write([]byte("1234567890")) // exactly fills the block
	if c := buf.Cap(); c != 0 {
		t.Fatalf("Cap() after filling the block = %d, want 0", c)
	}
	buf.Write([]byte("x")) // forces a new block
	if c := buf.Cap(); c != 15 {
		t.Fatalf("Cap() after rolling onto a new block = %d, want 15", c)
	}
}

// TestMemoryReleasedAfterDrain checks that reading everything written does
// not leave more than a couple of blocks live (head catches up to tail).
func TestMemoryReleasedAfterDrain(t *testing.T) {
	buf := New(1024, nil)
	big := make([]byte, 1<<20)
	buf.Write(big)
	dst := make([]byte, len(big))
	buf.Read(dst)
	if buf.head.blk != buf.tail.blk {
		t.Fatal("expected head and tail to share the final block after full drain")
	}
}
