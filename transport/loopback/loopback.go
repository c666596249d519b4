// Package loopback provides an in-process ccidserial.Transport for tests:
// two Transports wired together with io.Pipe, since there is only ever one
// peer on each side of a point-to-point link.
package loopback

import (
	"io"
	"sync"
	"sync/atomic"

	ccidserial "github.com/springcard/ccid-serial"
)

// Transport is an in-memory ccidserial.Transport. Construct a linked pair
// with Pair; writing to one delivers bytes, in order, to the other's feed
// callback.
type Transport struct {
	*ccidserial.Signal

	w    *io.PipeWriter
	r    *io.PipeReader
	feed func(byte)

	open atomic.Bool
	wg   sync.WaitGroup
}

// Pair returns two Transports wired to each other: bytes written to a
// arrive at b's feed callback, and vice versa.
func Pair() (a *Transport, b *Transport) {
	arOut, awOut := io.Pipe()
	brOut, bwOut := io.Pipe()

	a = &Transport{Signal: ccidserial.NewSignal(), w: awOut, r: brOut}
	b = &Transport{Signal: ccidserial.NewSignal(), w: bwOut, r: arOut}
	return a, b
}

// SetFeed installs the callback invoked for every byte delivered over the
// link, typically a Driver's FeedByte. Call it before Open.
func (t *Transport) SetFeed(feed func(byte)) {
	t.feed = feed
}

// Open starts the goroutine that reads the link and calls feed per byte.
func (t *Transport) Open() error {
	if t.open.Load() {
		return nil
	}
	t.open.Store(true)
	t.wg.Add(1)
	go t.readLoop()
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	var buf [1]byte
	for {
		n, err := t.r.Read(buf[:])
		if n > 0 && t.feed != nil {
			t.feed(buf[0])
		}
		if err != nil {
			return
		}
	}
}

// Close tears down the link. Any blocked SendByte/SendBytes on the peer
// unblocks with an error.
func (t *Transport) Close() error {
	if !t.open.Load() {
		return nil
	}
	t.open.Store(false)
	_ = t.w.Close()
	_ = t.r.Close()
	t.wg.Wait()
	return nil
}

func (t *Transport) IsOpen() bool { return t.open.Load() }

func (t *Transport) SendByte(b byte) error {
	_, err := t.w.Write([]byte{b})
	return err
}

func (t *Transport) SendBytes(buf []byte) error {
	_, err := t.w.Write(buf)
	return err
}
