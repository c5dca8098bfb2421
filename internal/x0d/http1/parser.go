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

// Package http1 implements the HTTP/1 wire protocol: an incremental,
// resumable request parser and a response generator. Both are
// pure byte-buffer state machines with no I/O of their own; internal/x0d/
// httpd drives them against a netio.Endpoint.
package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Listener receives parse events as Parser.ParseFragment consumes bytes
//. Implementations (httpd.Channel) build the Request as events
// arrive rather than the parser materializing one itself, so head-of-line
// fields are visible to the channel before the body finishes.
type Listener interface {
	OnMessageBegin(method, uri, version string)
	OnMessageHeader(name, value string)
	OnMessageHeaderEnd()
	OnMessageContent(chunk []byte)
	OnMessageEnd()
	OnProtocolError(status int, message string)
}

type state int

const (
	stRequestLine state = iota
	stHeaderLine
	stBodyIdentity
	stBodyChunkSize
	stBodyChunkData
	stBodyChunkCRLF
	stBodyChunkTrailer
	stDone
	stError
)

// ProtocolError is returned by ParseFragment when the stream is malformed
// beyond recovery; Status is the HTTP status the channel should emit before
// closing.
type ProtocolError struct {
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("http1: protocol error %d: %s", e.Status, e.Message)
}

// Parser is a single connection's resumable HTTP/1 request parser. One
// Parser instance is reused across every pipelined/keep-alive request on a
// connection; Reset prepares it for the next message.
type Parser struct {
	listener  Listener
	maxURILen int

	state   state
	lineBuf []byte

	method, uri, version string
	http11                bool
	hostHeaders           int
	expect100             bool

	headerName string

	haveContentLength bool
	contentLength     int64
	bodyRemaining     int64
	chunked           bool
	chunkRemaining    int64
}

// Expect100Continue reports whether the current message carried an
// `Expect: 100-continue` header.
func (p *Parser) Expect100Continue() bool { return p.expect100 }

// IsHTTP11 reports whether the current message's version is HTTP/1.1.
func (p *Parser) IsHTTP11() bool { return p.http11 }

// NewParser returns a parser delivering events to listener. maxURILen <= 0
// disables the URI length limit.
func NewParser(listener Listener, maxURILen int) *Parser {
	return &Parser{listener: listener, maxURILen: maxURILen, state: stRequestLine}
}

// Reset prepares the parser for the next pipelined/keep-alive request on
// the same connection.
func (p *Parser) Reset() {
	*p = Parser{listener: p.listener, maxURILen: p.maxURILen, state: stRequestLine}
}

// ParseFragment feeds buf to the state machine, returning the number of
// bytes consumed. A message end or an error both stop consumption early, so
// leftover bytes (the start of the next pipelined request) remain for the
// caller to pass to a freshly Reset parser; ParseFragment reports how many
// bytes it consumed and leaves the parser in its resumable state.
func (p *Parser) ParseFragment(buf []byte) (consumed int, done bool, err error) {
	i := 0
	for i < len(buf) {
		switch p.state {
		case stRequestLine, stHeaderLine, stBodyChunkSize, stBodyChunkCRLF, stBodyChunkTrailer:
			n, lineDone, lerr := p.consumeLine(buf[i:])
			i += n
			if lerr != nil {
				p.state = stError
				return i, false, lerr
			}
			if !lineDone {
				return i, false, nil
			}
		case stBodyIdentity:
			n := p.consumeIdentityBody(buf[i:])
			i += n
			if p.bodyRemaining == 0 {
				p.finishMessage()
				return i, true, nil
			}
			if n == 0 {
				return i, false, nil
			}
		case stBodyChunkData:
			n := p.consumeChunkData(buf[i:])
			i += n
			if n == 0 {
				return i, false, nil
			}
		case stDone:
			return i, true, nil
		case stError:
			return i, false, fmt.Errorf("http1: parser is in error state")
		}
		if p.state == stDone {
			return i, true, nil
		}
	}
	return i, p.state == stDone, nil
}

// consumeLine accumulates bytes up to and including a CRLF (or a bare LF,
// tolerated the way most servers do) into lineBuf, dispatching to the
// per-state line handler once a full line is available. Returns bytes
// consumed from src and whether a full line was processed.
func (p *Parser) consumeLine(src []byte) (int, bool, error) {
	idx := bytes.IndexByte(src, '\n')
	if idx < 0 {
		if p.maxURILen > 0 && p.state == stRequestLine && len(p.lineBuf)+len(src) > p.maxURILen {
			return 0, false, &ProtocolError{Status: 414, Message: "request-line too long"}
		}
		p.lineBuf = append(p.lineBuf, src...)
		return len(src), false, nil
	}
	line := append(p.lineBuf, src[:idx]...)
	p.lineBuf = nil
	line = bytes.TrimSuffix(line, []byte{'\r'})

	var err error
	switch p.state {
	case stRequestLine:
		err = p.handleRequestLine(string(line))
	case stHeaderLine:
		err = p.handleHeaderLine(string(line))
	case stBodyChunkSize:
		err = p.handleChunkSizeLine(string(line))
	case stBodyChunkCRLF:
		p.state = stBodyChunkSize // the CRLF following chunk data carries no content
	case stBodyChunkTrailer:
		err = p.handleTrailerLine(string(line))
	}
	if err != nil {
		return idx + 1, false, err
	}
	return idx + 1, true, nil
}

func (p *Parser) handleRequestLine(line string) error {
	if line == "" {
		return nil // tolerate a leading blank line before the request (RFC 7230 3.5)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		p.listener.OnProtocolError(400, "malformed request line")
		return &ProtocolError{Status: 400, Message: "malformed request line: " + line}
	}
	method, uri, version := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(version, "HTTP/") {
		p.listener.OnProtocolError(400, "unrecognized HTTP version")
		return &ProtocolError{Status: 400, Message: "unrecognized version: " + version}
	}
	p.method, p.uri, p.version = method, uri, version
	p.http11 = version == "HTTP/1.1"
	p.listener.OnMessageBegin(method, uri, version)
	p.state = stHeaderLine
	return nil
}

func (p *Parser) handleHeaderLine(line string) error {
	if line == "" {
		return p.endHeaders()
	}
	if line[0] == ' ' || line[0] == '\t' {
		// LWS continuation of the previous header value.
		if p.headerName == "" {
			p.listener.OnProtocolError(400, "header continuation with no preceding header")
			return &ProtocolError{Status: 400, Message: "stray header continuation"}
		}
		p.listener.OnMessageHeader(p.headerName, strings.TrimSpace(line))
		return nil
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		p.listener.OnProtocolError(400, "malformed header line")
		return &ProtocolError{Status: 400, Message: "malformed header: " + line}
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if !validHeaderName(name) {
		p.listener.OnProtocolError(400, "illegal header name")
		return &ProtocolError{Status: 400, Message: "illegal header name: " + name}
	}
	p.headerName = name

	lower := strings.ToLower(name)
	switch lower {
	case "host":
		p.hostHeaders++
		if p.hostHeaders > 1 {
			p.listener.OnProtocolError(400, "multiple Host headers")
			return &ProtocolError{Status: 400, Message: "multiple Host headers"}
		}
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			p.listener.OnProtocolError(400, "invalid Content-Length")
			return &ProtocolError{Status: 400, Message: "invalid Content-Length: " + value}
		}
		p.haveContentLength = true
		p.contentLength = n
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			p.chunked = true
		}
	case "expect":
		if strings.EqualFold(value, "100-continue") {
			p.expect100 = true
		}
	}
	p.listener.OnMessageHeader(name, value)
	return nil
}

func (p *Parser) endHeaders() error {
	if p.http11 && p.hostHeaders == 0 {
		p.listener.OnProtocolError(400, "missing Host header")
		return &ProtocolError{Status: 400, Message: "HTTP/1.1 request without Host header"}
	}
	p.listener.OnMessageHeaderEnd()

	switch {
	case p.chunked:
		p.state = stBodyChunkSize
	case p.haveContentLength && p.contentLength > 0:
		p.bodyRemaining = p.contentLength
		p.state = stBodyIdentity
	default:
		p.finishMessage()
	}
	return nil
}

func (p *Parser) consumeIdentityBody(src []byte) int {
	n := int64(len(src))
	if n > p.bodyRemaining {
		n = p.bodyRemaining
	}
	if n > 0 {
		p.listener.OnMessageContent(src[:n])
		p.bodyRemaining -= n
	}
	return int(n)
}

func (p *Parser) handleChunkSizeLine(line string) error {
	sizeStr, _, _ := strings.Cut(line, ";") // chunk extensions are ignored
	sizeStr = strings.TrimSpace(sizeStr)
	n, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || n < 0 {
		p.listener.OnProtocolError(400, "invalid chunk size")
		return &ProtocolError{Status: 400, Message: "invalid chunk size: " + sizeStr}
	}
	if n == 0 {
		p.state = stBodyChunkTrailer
		return nil
	}
	p.chunkRemaining = n
	p.state = stBodyChunkData
	return nil
}

func (p *Parser) consumeChunkData(src []byte) int {
	n := int64(len(src))
	if n > p.chunkRemaining {
		n = p.chunkRemaining
	}
	if n > 0 {
		p.listener.OnMessageContent(src[:n])
		p.chunkRemaining -= n
	}
	if p.chunkRemaining == 0 {
		p.state = stBodyChunkCRLF
	}
	return int(n)
}

func (p *Parser) handleTrailerLine(line string) error {
	if line == "" {
		p.finishMessage()
		return nil
	}
	name, value, ok := strings.Cut(line, ":")
	if ok {
		p.listener.OnMessageHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return nil
}

func (p *Parser) finishMessage() {
	p.listener.OnMessageEnd()
	p.state = stDone
}

func validHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
