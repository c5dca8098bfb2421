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

package http1

import (
	"bytes"
	"fmt"
	"strconv"
)

// TimeFormat is the wire format for Date/Last-Modified/If-Modified-Since
// headers, expressed as a Go reference
// layout.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// HeaderField is one response header; emission preserves insertion order.
type HeaderField struct {
	Name  string
	Value string
}

// Generator serializes one response at a time: status line, headers, body
// framing, trailers. Framing is identity when a
// Content-Length was declared up front, chunked otherwise; HEAD suppresses
// the body but never the headers.
type Generator struct {
	version string
	headWrittenOnly bool

	chunked          bool
	declaredLength   bool
	contentLength    int64
	bytesWritten     int64

	headersSent bool
}

// NewGenerator prepares a generator for one response on version ("HTTP/1.0"
// or "HTTP/1.1"). head suppresses body emission per RFC 7231 §4.3.2.
func NewGenerator(version string, head bool) *Generator {
	return &Generator{version: version, headWrittenOnly: head}
}

// WriteStatusLine writes the status line and every header (declaring
// framing first): if contentLength >= 0 the response uses identity framing
// with that exact length; a negative contentLength selects chunked framing
// (identity framing when a Content-Length was set, chunked otherwise).
func (g *Generator) WriteStatusLine(dst *bytes.Buffer, status int, reason string, headers []HeaderField, contentLength int64) {
	if reason == "" {
		reason = ReasonPhrase(status)
	}
	fmt.Fprintf(dst, "%s %d %s\r\n", g.version, status, reason)

	if contentLength >= 0 {
		g.declaredLength = true
		g.contentLength = contentLength
		headers = append(headers, HeaderField{"Content-Length", strconv.FormatInt(contentLength, 10)})
	} else {
		g.chunked = true
		headers = append(headers, HeaderField{"Transfer-Encoding", "chunked"})
	}
	for _, h := range headers {
		fmt.Fprintf(dst, "%s: %s\r\n", h.Name, h.Value)
	}
	dst.WriteString("\r\n")
	g.headersSent = true
}

// WriteBody appends one body chunk. For identity framing it asserts the
// running total never exceeds the declared Content-Length; for chunked
// framing it wraps chunk in its size-prefixed frame. HEAD responses drop
// the bytes but still track length bookkeeping so a caller can detect a
// handler that produced more output than it declared.
func (g *Generator) WriteBody(dst *bytes.Buffer, chunk []byte) error {
	if !g.headersSent {
		return fmt.Errorf("http1: WriteBody before WriteStatusLine")
	}
	g.bytesWritten += int64(len(chunk))
	if g.declaredLength && g.bytesWritten > g.contentLength {
		return fmt.Errorf("http1: body exceeds declared Content-Length %d", g.contentLength)
	}
	if g.headWrittenOnly {
		return nil
	}
	if g.chunked {
		if len(chunk) == 0 {
			return nil // a zero-size frame would terminate the body early
		}
		fmt.Fprintf(dst, "%x\r\n", len(chunk))
		dst.Write(chunk)
		dst.WriteString("\r\n")
		return nil
	}
	dst.Write(chunk)
	return nil
}

// Finish closes out the response: for chunked framing it writes the
// terminating 0-length chunk plus any trailers and the final CRLF
// (trailers are only legal in chunked mode); for identity
// framing it asserts the declared length was produced exactly.
func (g *Generator) Finish(dst *bytes.Buffer, trailers []HeaderField) error {
	if g.chunked {
		dst.WriteString("0\r\n")
		for _, t := range trailers {
			fmt.Fprintf(dst, "%s: %s\r\n", t.Name, t.Value)
		}
		dst.WriteString("\r\n")
		return nil
	}
	if g.declaredLength && g.bytesWritten != g.contentLength && !g.headWrittenOnly {
		return fmt.Errorf("http1: declared Content-Length %d but wrote %d bytes", g.contentLength, g.bytesWritten)
	}
	return nil
}

// ReasonPhrase returns the standard reason phrase for a status code, or
// "Unknown" for a code this table doesn't recognize (the generator still
// emits a syntactically valid status line either way).
func ReasonPhrase(status int) string {
	if r, ok := reasonPhrases[status]; ok {
		return r
	}
	return "Unknown"
}

var reasonPhrases = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	412: "Precondition Failed",
	413: "Payload Too Large",
	414: "URI Too Long",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}
