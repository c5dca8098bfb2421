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

// Package httpd implements the HTTP channel: the per-request state
// machine bridging internal/x0d/http1's parser and generator, driving the
// handler callback (usually the Flow VM via pkg/flow/runtime) and the
// underlying netio.Endpoint.
package httpd

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/etalazz/x0d/internal/x0d/http1"
	"github.com/etalazz/x0d/internal/x0d/netio"
)

// state tracks the channel's position in the
// READING -> HANDLING -> SENDING -> (READING | closed) cycle.
type state int

const (
	stateReading state = iota
	stateHandling
	stateSending
)

// OutputFilter transforms a body chunk before it reaches the generator;
// filters run on every chunk and flush on the final one.
type OutputFilter func(chunk []byte, final bool) []byte

// Request is the parsed, immutable-once-built view of an incoming message.
type Request struct {
	Method        string
	URI           string
	Path          string
	Query         string
	Host          string
	Version       string
	Headers       []http1.HeaderField
	Body          []byte
	Expect100     bool
	RemoteIP      string
	SequenceInConn uint64
}

// Header returns the first value for name (case-insensitive), or "" if
// absent.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Response is the outgoing message under construction.
type Response struct {
	Status          int
	Reason          string
	Headers         []http1.HeaderField
	Trailers        []http1.HeaderField
	Committed       bool
	DeclaredLength  int64 // -1 means "not yet declared" -> buffered body length at finish
	ActualLength    int64
	NoResponse      bool // handler aborted without producing a response
}

// Handler is the request-side entry point the channel invokes once a
// message is fully parsed; it returns the boolean "handled" verdict
// (pkg/flow/vm.VM.Run returns exactly this, via pkg/flow/runtime's native
// callbacks operating on the Channel).
type Handler func(ch *Channel) bool

// Options configures channel behavior shared by every connection.
type Options struct {
	ServerHeader    string
	MaxRequests     int
	KeepAliveTimeout time.Duration
	ReadTimeout     time.Duration
	MaxBodySize     int64
	DateSource      func() string // overridable for tests; defaults to RFC 1123-ish GMT
	Filters         []OutputFilter
	// BytesOut, when set, is called with every byte count the endpoint
	// accepted, so the server can account transmitted bytes without the
	// channel knowing about metrics.
	BytesOut func(n int)
}

// Channel is one connection's HTTP/1 state machine. It implements
// netio.Connection, so a netio.Listener can hand accepted endpoints
// straight to NewChannel via a netio.ProtocolFactory.
type Channel struct {
	ep      *netio.Endpoint
	parser  *http1.Parser
	opts    Options
	handler Handler

	state state

	pending *Request
	reqSeq  uint64

	resp    Response
	gen     *http1.Generator
	outBuf  bytes.Buffer
	sendBuf []byte // undrained bytes from a previous partial Flush

	aborted bool
}

// NewChannel builds a Channel bound to ep, invoking handler for every fully
// parsed request. Call SetConnection(ch) on ep (or use it as the result of
// a netio.ProtocolFactory) before arming reads.
func NewChannel(ep *netio.Endpoint, opts Options, handler Handler) *Channel {
	if opts.DateSource == nil {
		opts.DateSource = func() string { return time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT") }
	}
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = 100
	}
	ch := &Channel{ep: ep, opts: opts, handler: handler, resp: Response{DeclaredLength: -1}}
	ch.parser = http1.NewParser(ch, 8192)
	ep.SetReadTimeout(opts.ReadTimeout)
	ep.SetWriteTimeout(opts.KeepAliveTimeout)
	return ch
}

// ---- netio.Connection ----

// OnReadable drains whatever is newly available, feeding it to the parser
// until a full message arrives or the buffer is exhausted.
func (ch *Channel) OnReadable() {
	if ch.aborted || ch.state != stateReading {
		return
	}
	if _, err := ch.ep.Fill(); err != nil {
		ch.ep.Close()
		return
	}
	ch.pumpParser()
}

func (ch *Channel) pumpParser() {
	for ch.state == stateReading {
		buf := ch.ep.Buffered()
		if len(buf) == 0 {
			ch.ep.WantFill()
			return
		}
		n, done, err := ch.parser.ParseFragment(buf)
		ch.ep.Consume(n)
		if err != nil {
			ch.respondProtocolError(err)
			return
		}
		if !done {
			ch.ep.WantFill()
			return
		}
		ch.enterHandling()
		if ch.state != stateReading {
			return // handler is running or response is being sent
		}
	}
}

// OnReadTimeout closes idle connections once the endpoint's read timeout
// (Options.ReadTimeout) elapses while no request is in flight; returning
// true makes the endpoint close.
func (ch *Channel) OnReadTimeout() bool {
	return ch.state == stateReading
}

// OnClose releases nothing extra today; channels keep no cross-references
// once the endpoint is gone.
func (ch *Channel) OnClose() {}

// ---- http1.Listener ----

func (ch *Channel) OnMessageBegin(method, uri, version string) {
	ch.reqSeq++
	path, query, _ := strings.Cut(uri, "?")
	ch.pending = &Request{
		Method: method, URI: uri, Path: path, Query: query, Version: version,
		RemoteIP: remoteIPOf(ch.ep), SequenceInConn: ch.reqSeq,
	}
}

func (ch *Channel) OnMessageHeader(name, value string) {
	ch.pending.Headers = append(ch.pending.Headers, http1.HeaderField{Name: name, Value: value})
	if strings.EqualFold(name, "Host") {
		ch.pending.Host = value
	}
}

func (ch *Channel) OnMessageHeaderEnd() {
	ch.pending.Expect100 = ch.parser.Expect100Continue()
	if ch.pending.Expect100 {
		ch.handleExpect100()
	}
}

func (ch *Channel) OnMessageContent(chunk []byte) {
	ch.pending.Body = append(ch.pending.Body, chunk...)
}

func (ch *Channel) OnMessageEnd() {}

func (ch *Channel) OnProtocolError(status int, message string) {}

// handleExpect100 answers an Expect: 100-continue request with either an
// interim 100 line, or 413 plus close if the declared body is too large.
func (ch *Channel) handleExpect100() {
	if ch.opts.MaxBodySize > 0 {
		if cl := ch.pending.Header("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > ch.opts.MaxBodySize {
				ch.writeRaw(fmt.Sprintf("%s 413 Payload Too Large\r\nConnection: close\r\n\r\n", ch.pending.Version))
				ch.ep.Close()
				return
			}
		}
	}
	ch.writeRaw(fmt.Sprintf("%s 100 Continue\r\n\r\n", ch.pending.Version))
}

func (ch *Channel) writeRaw(s string) {
	ch.ep.Flush([]byte(s))
}

// ---- HANDLING / SENDING ----

func (ch *Channel) enterHandling() {
	ch.state = stateHandling
	req := ch.pending
	ch.resp = Response{DeclaredLength: -1}

	handled := false
	if ch.handler != nil {
		handled = ch.handler(ch)
	}
	if !handled && !ch.resp.Committed {
		ch.Status(404)
		ch.Write([]byte("not found\n"))
	}
	ch.finishResponse(req)
}

// Request returns the request currently being handled; valid only from
// within the Handler callback.
func (ch *Channel) Request() *Request { return ch.pending }

// ResponseStatus returns the status set so far (0 if none); valid from
// within the Handler callback and until the response is reset.
func (ch *Channel) ResponseStatus() int { return ch.resp.Status }

// ResponseHeaders returns the headers accumulated so far, including any
// commit-pass additions once the first Write has happened.
func (ch *Channel) ResponseHeaders() []http1.HeaderField { return ch.resp.Headers }

// BufferedBody returns the body bytes written so far, post-filter. The
// caller must copy if it retains the slice past the handler's return.
func (ch *Channel) BufferedBody() []byte { return ch.outBuf.Bytes() }

// Status sets the response status code, if not already committed.
func (ch *Channel) Status(code int) {
	if ch.resp.Committed {
		return
	}
	ch.resp.Status = code
}

// SetHeader appends (or, for a repeat call with the same name, still
// appends — Flow scripts rarely need replace semantics) a response header.
func (ch *Channel) SetHeader(name, value string) {
	if ch.resp.Committed {
		return
	}
	ch.resp.Headers = append(ch.resp.Headers, http1.HeaderField{Name: name, Value: value})
}

// DeclareLength fixes identity framing at length bytes; omitting this call
// makes finishResponse declare the length of the buffered body instead.
func (ch *Channel) DeclareLength(length int64) {
	ch.resp.DeclaredLength = length
}

// Write appends body bytes to the pending response, running them through
// output filters and committing on first call.
func (ch *Channel) Write(p []byte) {
	ch.commitIfNeeded()
	for _, f := range ch.opts.Filters {
		p = f(p, false)
	}
	ch.outBuf.Write(p)
}

// Abort marks the response NoResponse, which is translated into a
// transport-level abort of the endpoint instead of a reply.
func (ch *Channel) Abort() {
	ch.resp.NoResponse = true
	ch.aborted = true
}

func (ch *Channel) commitIfNeeded() {
	if ch.resp.Committed {
		return
	}
	ch.resp.Committed = true
	if ch.resp.Status == 0 {
		ch.resp.Status = 200
	}
	ch.applyCommitHeaders()
}

// applyCommitHeaders runs the commit pass: Date, Server, and
// Connection/Keep-Alive headers.
func (ch *Channel) applyCommitHeaders() {
	if ch.resp.Status >= 200 && ch.headerMissing("Date") {
		ch.resp.Headers = append(ch.resp.Headers, http1.HeaderField{Name: "Date", Value: ch.opts.DateSource()})
	}
	if ch.opts.ServerHeader != "" && ch.headerMissing("Server") {
		ch.resp.Headers = append(ch.resp.Headers, http1.HeaderField{Name: "Server", Value: ch.opts.ServerHeader})
	}

	persistent := ch.shouldKeepAlive()
	if persistent {
		ch.resp.Headers = append(ch.resp.Headers, http1.HeaderField{Name: "Connection", Value: "Keep-Alive"})
	} else {
		ch.resp.Headers = append(ch.resp.Headers, http1.HeaderField{Name: "Connection", Value: "close"})
	}
}

func (ch *Channel) headerMissing(name string) bool {
	for _, h := range ch.resp.Headers {
		if strings.EqualFold(h.Name, name) {
			return false
		}
	}
	return true
}

// shouldKeepAlive decides persistence from the HTTP version, the request
// count vs MaxRequests, and any client-requested close.
func (ch *Channel) shouldKeepAlive() bool {
	if ch.pending.Header("Connection") == "close" {
		return false
	}
	if ch.pending.Version == "HTTP/1.0" && !strings.EqualFold(ch.pending.Header("Connection"), "keep-alive") {
		return false
	}
	if int(ch.reqSeq) >= ch.opts.MaxRequests {
		return false
	}
	return true
}

// finishResponse runs the generator over the buffered body, flushes to the
// endpoint, and either resets for the next pipelined request or closes.
func (ch *Channel) finishResponse(req *Request) {
	ch.state = stateSending

	if ch.resp.NoResponse {
		ch.ep.Close()
		return
	}

	ch.commitIfNeeded()
	for _, f := range ch.opts.Filters {
		if tail := f(nil, true); len(tail) > 0 {
			ch.outBuf.Write(tail)
		}
	}
	if ch.resp.DeclaredLength < 0 {
		ch.resp.DeclaredLength = int64(ch.outBuf.Len())
	}

	var frame bytes.Buffer
	head := req.Method == "HEAD"
	ch.gen = http1.NewGenerator(versionOrDefault(req.Version), head)
	ch.gen.WriteStatusLine(&frame, ch.resp.Status, ch.resp.Reason, ch.resp.Headers, ch.resp.DeclaredLength)
	if err := ch.gen.WriteBody(&frame, ch.outBuf.Bytes()); err != nil {
		ch.abortWithServerError(err)
		return
	}
	if err := ch.gen.Finish(&frame, ch.resp.Trailers); err != nil {
		ch.abortWithServerError(err)
		return
	}

	ch.drain(frame.Bytes(), req)
}

func (ch *Channel) abortWithServerError(err error) {
	ch.ep.Close()
}

// drain flushes out as much of data as the endpoint accepts right now;
// anything left over stays in sendBuf and the endpoint re-arms WantFlush.
func (ch *Channel) drain(data []byte, req *Request) {
	n, err := ch.ep.Flush(data)
	if err != nil {
		ch.ep.Close()
		return
	}
	if ch.opts.BytesOut != nil {
		ch.opts.BytesOut(n)
	}
	if n < len(data) {
		ch.sendBuf = append([]byte(nil), data[n:]...)
		ch.ep.WantFlush(func() { ch.resumeDrain(req) }, func() { ch.ep.Close() })
		return
	}
	ch.completeSend(req)
}

func (ch *Channel) resumeDrain(req *Request) {
	n, err := ch.ep.Flush(ch.sendBuf)
	if err != nil {
		ch.ep.Close()
		return
	}
	if ch.opts.BytesOut != nil {
		ch.opts.BytesOut(n)
	}
	if n < len(ch.sendBuf) {
		ch.sendBuf = ch.sendBuf[n:]
		ch.ep.WantFlush(func() { ch.resumeDrain(req) }, func() { ch.ep.Close() })
		return
	}
	ch.sendBuf = nil
	ch.completeSend(req)
}

// completeSend resets the channel for the next pipelined request, or
// closes the endpoint when persistence was declined.
func (ch *Channel) completeSend(req *Request) {
	persistent := !strings.EqualFold(headerValue(ch.resp.Headers, "Connection"), "close")
	ch.outBuf.Reset()
	ch.pending = nil
	ch.parser.Reset()
	ch.state = stateReading

	if !persistent {
		ch.ep.Close()
		return
	}
	ch.pumpParser()
}

func (ch *Channel) respondProtocolError(err error) {
	status := 400
	if pe, ok := err.(*http1.ProtocolError); ok {
		status = pe.Status
	}
	ch.writeRaw(fmt.Sprintf("HTTP/0.9 %d %s\r\nConnection: close\r\n\r\n", status, http1.ReasonPhrase(status)))
	ch.ep.Close()
}

func headerValue(headers []http1.HeaderField, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func versionOrDefault(v string) string {
	if v == "" {
		return "HTTP/1.1"
	}
	return v
}

func remoteIPOf(ep *netio.Endpoint) string {
	if ep == nil || ep.RemoteAddr() == nil {
		return ""
	}
	addr := ep.RemoteAddr().String()
	host, _, err := splitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}
