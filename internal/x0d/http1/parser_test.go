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
	"strings"
	"testing"
)

type recordingListener struct {
	method, uri, version string
	headers               []HeaderField
	body                  []byte
	headersEnded          bool
	ended                 bool
	errStatus             int
	errMsg                string
}

func (l *recordingListener) OnMessageBegin(method, uri, version string) {
	l.method, l.uri, l.version = method, uri, version
}
func (l *recordingListener) OnMessageHeader(name, value string) {
	l.headers = append(l.headers, HeaderField{name, value})
}
func (l *recordingListener) OnMessageHeaderEnd() { l.headersEnded = true }
func (l *recordingListener) OnMessageContent(chunk []byte) {
	l.body = append(l.body, chunk...)
}
func (l *recordingListener) OnMessageEnd() { l.ended = true }
func (l *recordingListener) OnProtocolError(status int, message string) {
	l.errStatus, l.errMsg = status, message
}

func TestParserSimpleGet(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	req := "GET /hello HTTP/1.1\r\nHost: t\r\n\r\n"
	n, done, err := p.ParseFragment([]byte(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected message to be done")
	}
	if n != len(req) {
		t.Fatalf("consumed %d, want %d", n, len(req))
	}
	if lst.method != "GET" || lst.uri != "/hello" || lst.version != "HTTP/1.1" {
		t.Fatalf("request-line = %q %q %q", lst.method, lst.uri, lst.version)
	}
	if !lst.headersEnded || !lst.ended {
		t.Fatal("expected header-end and message-end events")
	}
}

func TestParserHTTP11WithoutHostFails(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	_, _, err := p.ParseFragment([]byte("GET / HTTP/1.1\r\n\r\n"))
	if err == nil {
		t.Fatal("expected an error for missing Host header")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Status != 400 {
		t.Fatalf("err = %v, want *ProtocolError{Status: 400}", err)
	}
}

func TestParserMultipleHostFails(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	_, _, err := p.ParseFragment([]byte("GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n"))
	if err == nil {
		t.Fatal("expected an error for duplicate Host headers")
	}
}

func TestParserMalformedRequestLine(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	_, _, err := p.ParseFragment([]byte("GET\r\n\r\n"))
	if err == nil {
		t.Fatal("expected an error for a malformed request line")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Status != 400 {
		t.Fatalf("err = %v, want *ProtocolError{Status: 400}", err)
	}
}

func TestParserPipelinedRequestsConsumeIndependently(t *testing.T) {
	stream := "GET /one HTTP/1.1\r\nHost: t\r\n\r\n" +
		"GET /two HTTP/1.1\r\nHost: t\r\n\r\n" +
		"GET /three HTTP/1.1\r\nHost: t\r\n\r\n"
	buf := []byte(stream)
	var uris []string
	for len(buf) > 0 {
		lst := &recordingListener{}
		p := NewParser(lst, 0)
		n, done, err := p.ParseFragment(buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !done {
			t.Fatalf("expected a full message to parse from %q", buf)
		}
		uris = append(uris, lst.uri)
		buf = buf[n:]
	}
	want := []string{"/one", "/two", "/three"}
	for i, w := range want {
		if uris[i] != w {
			t.Fatalf("uris = %v, want %v", uris, want)
		}
	}
}

func TestParserChunkedBody(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	req := "POST /x HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	_, done, err := p.ParseFragment([]byte(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected message done")
	}
	if string(lst.body) != "Wikipedia" {
		t.Fatalf("body = %q, want %q", lst.body, "Wikipedia")
	}
}

func TestParserIncrementalFeedAcrossCalls(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	full := "GET /frag HTTP/1.1\r\nHost: t\r\n\r\n"
	var done bool
	for i := 0; i < len(full); i++ {
		var err error
		_, done, err = p.ParseFragment([]byte{full[i]})
		if err != nil {
			t.Fatalf("unexpected error at byte %d: %v", i, err)
		}
	}
	if !done {
		t.Fatal("expected message done after feeding byte-by-byte")
	}
	if lst.uri != "/frag" {
		t.Fatalf("uri = %q", lst.uri)
	}
}

func TestParserExpect100Continue(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	req := "POST /x HTTP/1.1\r\nHost: t\r\nExpect: 100-continue\r\nContent-Length: 2\r\n\r\nhi"
	_, done, err := p.ParseFragment([]byte(req))
	if err != nil || !done {
		t.Fatalf("parse failed: done=%v err=%v", done, err)
	}
	if !p.Expect100Continue() {
		t.Fatal("expected Expect100Continue() to be true")
	}
	if !strings.Contains(string(lst.body), "hi") {
		t.Fatalf("body = %q", lst.body)
	}
}

func TestParserRejectsIllegalHeaderName(t *testing.T) {
	lst := &recordingListener{}
	p := NewParser(lst, 0)
	_, _, err := p.ParseFragment([]byte("GET / HTTP/1.1\r\nHost: t\r\nBad Name: v\r\n\r\n"))
	if err == nil {
		t.Fatal("expected an error for an illegal header name")
	}
}
