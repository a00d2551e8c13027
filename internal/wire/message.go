// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

// Message is a reference-counted frame: header, attribute payload, and an
// optional ancillary file descriptor (spec.md §3 "Message buffer", §4.3).
//
// Two ownership modes, mirroring the C source's refcount sentinel without
// needing one:
//   - owned: Payload is this Message's own copy; refcount tracks how many
//     outbound queue slots (or router-held references) point at it. The
//     attached FD, if any, belongs to this Message and is closed exactly
//     once, when the last reference is released.
//   - shared: Payload aliases a caller's reusable scratch buffer (such as
//     a Builder that is Reset between frames). A shared Message is logically
//     frozen: Ref on a shared Message returns a fresh owned copy rather than
//     bumping a count, so the scratch buffer can be reset for the next
//     handler without corrupting an in-flight send. This is the Go
//     replacement for the C "refcount == ~0" sentinel (spec.md §4.3).
type Message struct {
	Header  Header
	Payload []byte
	FD      int // -1 means no attached descriptor

	shared   bool
	refcount int32
}

// NewOwned allocates an owned Message that copies payload (spec.md §4.3
// "allocating a buffer either copies its payload inline (owned)").
func NewOwned(h Header, payload []byte, fd int) *Message {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return &Message{Header: h, Payload: cp, FD: fd, refcount: 1}
}

// Wrap takes ownership of an already-allocated payload buffer without
// copying it, for callers that just built the buffer themselves and would
// otherwise pay for a redundant copy inside NewOwned (e.g. the connection
// read loop's per-frame body allocation).
func Wrap(h Header, payload []byte, fd int) *Message {
	return &Message{Header: h, Payload: payload, FD: fd, refcount: 1}
}

// NewShared wraps payload (typically a scratch builder's buffer) without
// copying it. The caller must not reuse/reset the underlying array until
// every consumer has taken its own Ref (which copies).
func NewShared(h Header, payload []byte, fd int) *Message {
	return &Message{Header: h, Payload: payload, FD: fd, shared: true}
}

// Ref returns a reference to this Message suitable for an additional queue
// slot. For an owned Message this increments the refcount and returns the
// same pointer; for a shared Message it returns a fresh owned copy (COW),
// per spec.md §9 "Copy-on-write buffer".
func (m *Message) Ref() *Message {
	if m.shared {
		return NewOwned(m.Header, m.Payload, -1)
	}
	m.refcount++
	return m
}

// Release drops one reference. When the last owned reference is released,
// the attached FD (if any) is closed exactly once (spec.md §3 invariant,
// §8 property 2). Releasing a shared Message is a no-op: shared buffers are
// never individually owned, and an FD attached to one is never closed here.
func (m *Message) Release() {
	if m.shared {
		return
	}
	m.refcount--
	if m.refcount <= 0 {
		m.closeFD()
	}
}

// CloseFD closes and clears the attached descriptor without releasing the
// Message itself; calling it again is a no-op. The router and the connection
// do not use it: they detach raw descriptors and close them with unix.Close
// (broker.Router.closeFD, conn.adoptFD).
func (m *Message) CloseFD() { m.closeFD() }

func (m *Message) closeFD() {
	if m.FD < 0 {
		return
	}
	_ = closeFD(m.FD)
	m.FD = -1
}

// HasFD reports whether a descriptor is currently attached.
func (m *Message) HasFD() bool { return m.FD >= 0 }
