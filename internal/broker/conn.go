// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package broker

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/ubusd/internal/metrics"
	"code.hybscloud.com/ubusd/internal/wire"
)

// connState names the three states of spec.md §4.4's state machine. Go's
// blocking net.UnixConn calls make the states observational rather than
// control-flow (the read loop never re-enters itself between readiness
// events the way the C uloop version does), but they're kept as an explicit
// enum so conn.State() can report the current phase; teardownErr reads it
// to recognise a locally initiated close.
type connState int32

const (
	stateReadingHeader connState = iota
	stateReadingBody
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateReadingHeader:
		return "reading-header"
	case stateReadingBody:
		return "reading-body"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// conn is one client connection: a raw Unix-domain stream socket plus the
// bounded outbound queue described in spec.md §4.4 "Outbound". The read and
// write loops run on their own goroutines; every effect that touches shared
// broker state travels through the router's event channel instead.
type conn struct {
	id  uint32
	raw *net.UnixConn

	maxFrameBody uint32
	outbound     chan *wire.Message

	state     atomic.Int32
	pendingFD int

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(raw *net.UnixConn, queueDepth int, maxFrameBody uint32) *conn {
	c := &conn{
		raw:          raw,
		maxFrameBody: maxFrameBody,
		outbound:     make(chan *wire.Message, queueDepth),
		pendingFD:    -1,
		done:         make(chan struct{}),
	}
	c.state.Store(int32(stateReadingHeader))
	return c
}

// State reports the connection's current phase (spec.md §4.4 "State
// machine").
func (c *conn) State() connState { return connState(c.state.Load()) }

// enqueue implements spec.md §4.4's outbound drop policy: if the queue is
// full the frame is silently dropped and the client stays connected. It
// reports whether the frame was queued, so callers can count drops.
func (c *conn) enqueue(msg *wire.Message) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		msg.Release()
		metrics.OutboundDropsTotal.Inc()
		return false
	}
}

// close tears down the connection exactly once: closes the done signal
// (waking the write loop), closes the raw socket (waking the read loop's
// blocking ReadMsgUnix), and releases any fd still pending from phase 1.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosing))
		close(c.done)
		_ = c.raw.Close()
		if c.pendingFD >= 0 {
			_ = unix.Close(c.pendingFD)
			c.pendingFD = -1
		}
	})
}

// readLoop implements spec.md §4.4 "Inbound": a two-phase read per frame,
// handed off to the router as a frame event. It returns when the connection
// should be torn down, with the reason: nil for a clean peer EOF,
// errConnClosed when the teardown was already initiated locally (by close,
// racing the blocking read), errFrameTooLarge when a frame's declared body
// exceeds the configured limit (spec.md §4.4 "frames exceeding the bound
// cause a disconnect with no reply"), or the underlying read error otherwise.
func (c *conn) readLoop(onFrame func(*conn, *wire.Message), onDisconnect func(*conn)) error {
	defer onDisconnect(c)

	headerBuf := make([]byte, wire.MinFrameLen)
	oob := make([]byte, unix.CmsgSpace(4))

	for {
		c.state.Store(int32(stateReadingHeader))
		if err := c.readFull(headerBuf, oob); err != nil {
			return c.teardownErr(err)
		}

		h, bodyLen := wire.DecodeFrameHeader(headerBuf)
		if bodyLen > c.maxFrameBody {
			return errFrameTooLarge
		}

		c.state.Store(int32(stateReadingBody))
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(c.raw, body); err != nil {
				return c.teardownErr(err)
			}
		}

		fd := c.pendingFD
		c.pendingFD = -1
		onFrame(c, wire.Wrap(h, body, fd))
	}
}

// teardownErr classifies a failed read against the connection's own state:
// if this side already initiated close (writeLoop hit a write error, or the
// caller is shutting the server down), the blocking read unblocking with an
// error is expected and reported as errConnClosed rather than surfaced as a
// genuine I/O failure. A plain peer EOF is not an error condition at all.
func (c *conn) teardownErr(err error) error {
	if c.State() == stateClosing {
		return errConnClosed
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// readFull accumulates exactly len(buf) bytes via ReadMsgUnix, capturing at
// most one ancillary fd per frame. A second fd arriving before the first is
// consumed overwrites it — the displaced descriptor is closed immediately
// (spec.md §4.4 step 1, §9 Open Question).
func (c *conn) readFull(buf []byte, oob []byte) error {
	read := 0
	for read < len(buf) {
		n, oobn, _, _, err := c.raw.ReadMsgUnix(buf[read:], oob)
		if n == 0 && err == nil {
			return io.EOF
		}
		if n > 0 {
			read += n
		}
		if oobn > 0 {
			c.adoptFD(oob[:oobn])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) adoptFD(oob []byte) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil || len(fds) == 0 {
			continue
		}
		if c.pendingFD >= 0 {
			_ = unix.Close(c.pendingFD)
			metrics.DisplacedFDsTotal.Inc()
		}
		c.pendingFD = fds[0]
		for _, extra := range fds[1:] {
			_ = unix.Close(extra)
		}
	}
}

// writeLoop implements spec.md §4.4 "Outbound": drain the bounded queue and
// write each frame as one contiguous buffer (header, length prefix and
// payload, see wire.EncodeFrame), with SCM_RIGHTS ancillary data when the
// message carries an fd. It returns once done is closed or a write fails.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case msg := <-c.outbound:
			if msg == nil {
				continue
			}
			err := c.writeFrame(msg)
			msg.Release()
			if err != nil {
				c.close()
				c.drain()
				return
			}
		}
	}
}

func (c *conn) writeFrame(msg *wire.Message) error {
	buf := wire.EncodeFrame(msg)
	if !msg.HasFD() {
		_, err := c.raw.Write(buf)
		return err
	}
	oob := unix.UnixRights(msg.FD)
	_, _, err := c.raw.WriteMsgUnix(buf, oob, nil)
	return err
}

// drain releases every message still sitting in the outbound queue once the
// connection is closing, so their attached fds and refcounts are accounted
// for (spec.md §5 "Fd discipline... on buffer destruction").
func (c *conn) drain() {
	for {
		select {
		case msg := <-c.outbound:
			if msg != nil {
				msg.Release()
			}
		default:
			return
		}
	}
}
