// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netio implements the non-blocking connection primitives the HTTP
// core runs on: the TCP listener (listener.go) and the per-connection
// Endpoint (this file).
package netio

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/etalazz/x0d/internal/x0d/netutil"
	"github.com/etalazz/x0d/internal/x0d/sched"
)

// ProtocolFactory builds the protocol-level Connection that owns an
// Endpoint's byte stream once accepted; protocol detection can swap in an
// alternative factory before the first byte is parsed.
type ProtocolFactory func(ep *Endpoint) Connection

// Connection is the protocol object an Endpoint feeds bytes to and that
// decides when the endpoint should be closed. internal/x0d/httpd.Channel is
// the HTTP/1 implementation.
type Connection interface {
	// OnReadable is invoked once per WantFill-armed readiness, after the
	// endpoint has already drained what it could into its read buffer. The
	// connection inspects ep's buffer on its own.
	OnReadable()
	// OnReadTimeout is invoked if WantFill's timeout elapses with no data.
	// A true return closes the endpoint.
	OnReadTimeout() bool
	// OnClose is invoked exactly once when the endpoint is closed, so the
	// connection can release any cross-referenced state.
	OnClose()
}

// Endpoint is one accepted TCP connection: non-blocking fill/flush against
// a read buffer, readiness registration through a Loop, corking and idle
// timeout control.
type Endpoint struct {
	fd         int
	loop       *sched.Loop
	remoteAddr net.Addr
	localAddr  net.Addr

	readBuf    []byte
	readOffset int // bytes already consumed by the Connection
	readLen    int // bytes valid in readBuf

	corked      bool
	readTimeout time.Duration
	writeTimeout time.Duration

	conn   Connection
	closed bool

	opts netutil.ListenOptions
}

// NewEndpoint wraps an accepted, already-nonblocking fd. bufSize sizes the
// read buffer (the HTTP/1 parser resizes the logical request independent of
// this physical chunk size).
func NewEndpoint(fd int, loop *sched.Loop, remote, local net.Addr, opts netutil.ListenOptions, bufSize int) *Endpoint {
	if bufSize <= 0 {
		bufSize = 16 * 1024
	}
	return &Endpoint{
		fd:         fd,
		loop:       loop,
		remoteAddr: remote,
		localAddr:  local,
		readBuf:    make([]byte, bufSize),
		opts:       opts,
	}
}

// Fd returns the endpoint's raw file descriptor, used by Cache/static's
// zero-copy sendfile path and by tests.
func (e *Endpoint) Fd() int { return e.fd }

func (e *Endpoint) RemoteAddr() net.Addr { return e.remoteAddr }
func (e *Endpoint) LocalAddr() net.Addr  { return e.localAddr }

// Loop returns the worker loop this endpoint is pinned to, letting the
// protocol factory look up per-loop state (the loop's VM, for one) for the
// connection it is about to build.
func (e *Endpoint) Loop() *sched.Loop { return e.loop }

// SetConnection binds the protocol-level Connection this endpoint feeds.
func (e *Endpoint) SetConnection(c Connection) { e.conn = c }

// Buffered returns the unconsumed bytes in the read buffer so a Connection
// (the HTTP/1 parser) can feed them to ParseFragment.
func (e *Endpoint) Buffered() []byte {
	return e.readBuf[e.readOffset:e.readLen]
}

// Consume marks n bytes of the buffered region as processed. The parser
// calls this with however many bytes ParseFragment actually consumed.
func (e *Endpoint) Consume(n int) {
	e.readOffset += n
	if e.readOffset >= e.readLen {
		e.readOffset = 0
		e.readLen = 0
	}
}

// compact slides any unconsumed bytes to the start of the buffer, growing
// it if a header or request line would otherwise not fit.
func (e *Endpoint) compact(need int) {
	if e.readOffset > 0 {
		n := copy(e.readBuf, e.readBuf[e.readOffset:e.readLen])
		e.readLen = n
		e.readOffset = 0
	}
	if len(e.readBuf)-e.readLen < need {
		grown := make([]byte, 2*(len(e.readBuf)+need))
		copy(grown, e.readBuf[:e.readLen])
		e.readBuf = grown
	}
}

// Fill reads once into the internal buffer past whatever is already
// buffered, returning the number of new bytes read. A would-block result
// (EAGAIN/EWOULDBLOCK/EINTR) is reported as (0, nil), not as an error.
func (e *Endpoint) Fill() (int, error) {
	e.compact(4096)
	n, err := unix.Read(e.fd, e.readBuf[e.readLen:])
	if err != nil {
		if isSoftIOError(err) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	e.readLen += n
	return n, nil
}

// Flush writes once from src, returning the number of bytes actually
// written (may be less than len(src) under backpressure; the caller keeps
// the remainder in its own writer buffer).
func (e *Endpoint) Flush(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	n, err := unix.Write(e.fd, src)
	if err != nil {
		if isSoftIOError(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// FlushFile sends byte range [offset, offset+count) of f using sendfile(2)
// when available, falling back to a buffered copy otherwise.
func (e *Endpoint) FlushFile(f *os.File, offset int64, count int) (int, error) {
	off := offset
	n, err := unix.Sendfile(e.fd, int(f.Fd()), &off, count)
	if err != nil {
		if isSoftIOError(err) {
			return 0, nil
		}
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
			return e.flushFileFallback(f, offset, count)
		}
		return 0, err
	}
	return n, nil
}

func (e *Endpoint) flushFileFallback(f *os.File, offset int64, count int) (int, error) {
	buf := make([]byte, count)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return 0, err
	}
	return e.Flush(buf[:n])
}

// Cork toggles TCP_CORK-style batching (best-effort; platforms without
// TCP_CORK just no-op; corking is an optimization hint, not a correctness
// requirement).
func (e *Endpoint) Cork(on bool) {
	if e.corked == on {
		return
	}
	e.corked = on
	val := 0
	if on {
		val = 1
	}
	unix.SetsockoptInt(e.fd, unix.IPPROTO_TCP, unix.TCP_CORK, val)
}

// SetReadTimeout/SetWriteTimeout configure the deadline WantFill/WantFlush
// arm on the loop's I/O watch.
func (e *Endpoint) SetReadTimeout(d time.Duration)  { e.readTimeout = d }
func (e *Endpoint) SetWriteTimeout(d time.Duration) { e.writeTimeout = d }

// WantFill arms a one-shot readable watch. The watch does not read by
// itself: the bound Connection calls Fill from within its readable
// callback, then re-derives state from Buffered(). On timeout, the
// Connection's OnReadTimeout decides whether to close.
func (e *Endpoint) WantFill() error {
	if e.closed {
		return errNotOpen
	}
	_, err := e.loop.ExecuteOnReadable(e.fd, func() {
		if e.closed {
			return
		}
		if e.conn != nil {
			e.conn.OnReadable()
		}
	}, e.readTimeout, func() {
		if e.closed {
			return
		}
		if e.conn != nil && e.conn.OnReadTimeout() {
			e.Close()
		}
	})
	return err
}

// WantFlush arms a one-shot writable watch, invoking task once fd can
// accept more bytes (httpd.Channel uses this to resume a partially drained
// response buffer).
func (e *Endpoint) WantFlush(task func(), onTimeout func()) error {
	if e.closed {
		return errNotOpen
	}
	_, err := e.loop.ExecuteOnWritable(e.fd, func() {
		if !e.closed {
			task()
		}
	}, e.writeTimeout, func() {
		if !e.closed && onTimeout != nil {
			onTimeout()
		}
	})
	return err
}

// Close releases the fd and marks the endpoint closed; idempotent.
func (e *Endpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.conn != nil {
		e.conn.OnClose()
	}
	return unix.Close(e.fd)
}

func (e *Endpoint) Closed() bool { return e.closed }

var errNotOpen = errors.New("netio: endpoint is closed")

func isSoftIOError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
