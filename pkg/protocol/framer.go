package protocol

import (
	"fmt"
)

// Framer accumulates inbound bytes so the event loop can parse complete
// frames off the front of the buffer, one input read's worth at a
// time. ParseFrame reports wire.ErrIncomplete when the buffer doesn't
// yet hold a whole frame; the caller leaves the unconsumed suffix in
// place and waits for more input.
type Framer struct {
	buf []byte
	cap int
}

// NewFramer creates a Framer whose backing buffer never exceeds
// capacity bytes. A Feed that would exceed it is a fatal framing
// failure: the buffer is meant to hold exactly what's pending
// dispatch, never an unbounded backlog.
func NewFramer(capacity int) *Framer {
	return &Framer{buf: make([]byte, 0, capacity), cap: capacity}
}

// Feed appends newBytes to the buffer. It returns an error if doing so
// would exceed the buffer's fixed capacity.
func (f *Framer) Feed(newBytes []byte) error {
	if len(f.buf)+len(newBytes) > f.cap {
		return fmt.Errorf("protocol: input buffer full (%d + %d > %d)", len(f.buf), len(newBytes), f.cap)
	}
	f.buf = append(f.buf, newBytes...)
	return nil
}

// Avail reports how many more bytes Feed can currently accept.
func (f *Framer) Avail() int { return f.cap - len(f.buf) }

// Peek exposes the buffered bytes not yet dispatched. The slice is
// only valid until the next Feed or Discard call.
func (f *Framer) Peek() []byte { return f.buf }

// Discard drops the first n buffered bytes, compacting what remains to
// the front of the buffer. The event loop calls this after dispatching
// each frame it parses out of Peek's view, and after consuming a
// SetFile blob's buffered prefix.
func (f *Framer) Discard(n int) {
	remaining := len(f.buf) - n
	copy(f.buf[:remaining], f.buf[n:])
	f.buf = f.buf[:remaining]
}

