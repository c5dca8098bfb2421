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
	"strings"
	"testing"
)

func TestGeneratorIdentityFraming(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerator("HTTP/1.1", false)
	g.WriteStatusLine(&buf, 200, "", []HeaderField{{"Connection", "Keep-Alive"}}, 7)
	if err := g.WriteBody(&buf, []byte("/hello\n")); err != nil {
		t.Fatalf("WriteBody: %v", err)
	}
	if err := g.Finish(&buf, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line wrong: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 7\r\n") {
		t.Fatalf("missing Content-Length: %q", out)
	}
	if !strings.HasSuffix(out, "/hello\n") {
		t.Fatalf("body missing: %q", out)
	}
}

func TestGeneratorIdentityLengthMismatchErrors(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerator("HTTP/1.1", false)
	g.WriteStatusLine(&buf, 200, "", nil, 10)
	if err := g.WriteBody(&buf, []byte("short")); err != nil {
		t.Fatalf("WriteBody: %v", err)
	}
	if err := g.Finish(&buf, nil); err == nil {
		t.Fatal("expected Finish to report the length mismatch")
	}
}

func TestGeneratorChunkedFraming(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerator("HTTP/1.1", false)
	g.WriteStatusLine(&buf, 200, "", nil, -1)
	g.WriteBody(&buf, []byte("Wiki"))
	g.WriteBody(&buf, []byte("pedia"))
	if err := g.Finish(&buf, []HeaderField{{"X-Trailer", "v"}}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("missing chunked header: %q", out)
	}
	if !strings.Contains(out, "4\r\nWiki\r\n5\r\npedia\r\n0\r\nX-Trailer: v\r\n\r\n") {
		t.Fatalf("chunk framing wrong: %q", out)
	}
}

func TestGeneratorHeadSuppressesBody(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerator("HTTP/1.1", true)
	g.WriteStatusLine(&buf, 200, "", nil, 5)
	g.WriteBody(&buf, []byte("hello"))
	if err := g.Finish(&buf, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "hello") {
		t.Fatalf("HEAD response must not include a body: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Fatalf("HEAD response must still declare Content-Length: %q", out)
	}
}

func TestGeneratorRangeResponse(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerator("HTTP/1.1", false)
	g.WriteStatusLine(&buf, 206, "", []HeaderField{{"Content-Range", "bytes 0-3/10"}}, 4)
	g.WriteBody(&buf, []byte("abcd"))
	if err := g.Finish(&buf, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 206 Partial Content\r\n") {
		t.Fatalf("status line wrong: %q", out)
	}
	if !strings.Contains(out, "Content-Range: bytes 0-3/10\r\n") {
		t.Fatalf("missing Content-Range: %q", out)
	}
}
