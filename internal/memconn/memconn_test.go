package memconn

import (
	"io"
	"testing"
	"time"

	"github.com/momentics/tlsloop/ringbuf"
)

func TestWriteFiresOnWriteHook(t *testing.T) {
	in := ringbuf.New(64, nil)
	out := ringbuf.New(64, nil)
	defer in.Close()
	defer out.Close()

	fired := make(chan struct{}, 1)
	c := New(in, out, func() { fired <- struct{}{} })

	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-fired:
	default:
		t.Fatal("onWrite hook did not fire synchronously")
	}

	got := make([]byte, 5)
	n := out.Read(got)
	if n != 5 || string(got) != "hello" {
		t.Fatalf("out buffer = %q (n=%d), want \"hello\"", got[:n], n)
	}
}

func TestReadBlocksUntilNotifyIncoming(t *testing.T) {
	in := ringbuf.New(64, nil)
	out := ringbuf.New(64, nil)
	defer in.Close()
	defer out.Close()

	c := New(in, out, nil)

	done := make(chan struct{})
	var n int
	var err error
	buf := make([]byte, 16)
	go func() {
		n, err = c.Read(buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Read returned before any bytes were available")
	case <-time.After(50 * time.Millisecond):
	}

	in.Write([]byte("hi"))
	c.NotifyIncoming()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read never woke up after NotifyIncoming")
	}
	if err != nil {
		t.Fatalf("Read returned error %v", err)
	}
	if n != 2 || string(buf[:n]) != "hi" {
		t.Fatalf("Read = %q (n=%d), want \"hi\"", buf[:n], n)
	}
}

func TestCloseReadUnblocksReadersWithEOF(t *testing.T) {
	in := ringbuf.New(64, nil)
	out := ringbuf.New(64, nil)
	defer in.Close()
	defer out.Close()

	c := New(in, out, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 16))
		done <- err
	}()

	c.CloseRead(nil)

	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("Read after CloseRead(nil) = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read never unblocked after CloseRead")
	}
}
