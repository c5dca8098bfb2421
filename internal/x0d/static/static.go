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

// Package static implements the static file handler:
// conditional GET, byte-range requests, and OS-error-to-HTTP mapping.
package static

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/etalazz/x0d/internal/x0d/http1"
)

// Request is the subset of an httpd.Request the static handler needs; kept
// narrow so this package doesn't import httpd (avoiding an import cycle,
// since httpd is free to register this handler as a Flow builtin).
type Request struct {
	Method          string
	Path            string
	IfNoneMatch     string
	IfModifiedSince string
	IfMatch         string
	IfUnmodifiedSince string
	IfRange         string
	RangeHeader     string
}

// Result is what the handler decided to emit; the caller (httpd.Channel)
// translates it into actual header/body/sendfile calls so this package has
// no dependency on the channel or endpoint types.
type Result struct {
	Status   int
	Headers  []http1.HeaderField
	Body     []byte // used when no zero-copy path applies, or for error/redirect bodies
	File     *os.File
	Offset   int64
	Length   int64
	UseSendfile bool
}

func (r *Result) Close() {
	if r.File != nil {
		r.File.Close()
	}
}

// Handler answers GET/HEAD requests against documentRoot.
type Handler struct {
	DocumentRoot string
}

func New(documentRoot string) *Handler {
	return &Handler{DocumentRoot: documentRoot}
}

// Serve resolves req against the document root and produces a Result. The
// caller is responsible for Result.Close() once the response
// has been written.
func (h *Handler) Serve(req Request) *Result {
	if req.Method != "GET" && req.Method != "HEAD" {
		return &Result{Status: 405, Headers: []http1.HeaderField{{Name: "Allow", Value: "GET, HEAD"}}}
	}

	clean := filepath.Clean("/" + req.Path)
	full := filepath.Join(h.DocumentRoot, clean)
	if !strings.HasPrefix(full, filepath.Clean(h.DocumentRoot)) {
		return &Result{Status: 403}
	}

	f, err := os.Open(full)
	if err != nil {
		return &Result{Status: osErrorStatus(err)}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return &Result{Status: 500}
	}
	if info.IsDir() {
		f.Close()
		return &Result{Status: 404}
	}

	etag := etagFor(info)
	lastMod := info.ModTime().UTC()

	if status, ok := checkConditional(req, etag, lastMod); ok {
		f.Close()
		return &Result{Status: status}
	}

	contentType := mime.TypeByExtension(filepath.Ext(full))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	baseHeaders := []http1.HeaderField{
		{Name: "ETag", Value: etag},
		{Name: "Last-Modified", Value: lastMod.Format(http1.TimeFormat)},
		{Name: "Content-Type", Value: contentType},
		{Name: "Accept-Ranges", Value: "bytes"},
	}

	if req.RangeHeader != "" && rangeApplies(req, etag, lastMod) {
		return h.serveRange(f, info.Size(), req.RangeHeader, baseHeaders, contentType)
	}

	return &Result{
		Status:      200,
		Headers:     baseHeaders,
		File:        f,
		Offset:      0,
		Length:      info.Size(),
		UseSendfile: true,
	}
}

// checkConditional evaluates the four conditional headers in precedence
// order:
// If-None-Match, If-Modified-Since, If-Match, If-Unmodified-Since.
func checkConditional(req Request, etag string, lastMod time.Time) (int, bool) {
	if req.IfNoneMatch != "" {
		if etagMatches(req.IfNoneMatch, etag) {
			return 304, true
		}
	}
	if req.IfModifiedSince != "" {
		if t, err := time.Parse(http1.TimeFormat, req.IfModifiedSince); err == nil {
			if !lastMod.After(t) {
				return 304, true
			}
		}
	}
	if req.IfMatch != "" {
		if !etagMatches(req.IfMatch, etag) {
			return 412, true
		}
	}
	if req.IfUnmodifiedSince != "" {
		if t, err := time.Parse(http1.TimeFormat, req.IfUnmodifiedSince); err == nil {
			if lastMod.After(t) {
				return 412, true
			}
		}
	}
	return 0, false
}

func etagMatches(header, etag string) bool {
	if header == "*" {
		return true
	}
	for _, tag := range strings.Split(header, ",") {
		if strings.TrimSpace(tag) == etag {
			return true
		}
	}
	return false
}

// rangeApplies reports whether an accompanying If-Range is absent or
// matches the current representation; a mismatch downgrades the range
// request to a full 200.
func rangeApplies(req Request, etag string, lastMod time.Time) bool {
	if req.IfRange == "" {
		return true
	}
	if req.IfRange == etag {
		return true
	}
	if t, err := time.Parse(http1.TimeFormat, req.IfRange); err == nil {
		return !lastMod.After(t)
	}
	return false
}

type byteRange struct{ start, end int64 } // inclusive

func (h *Handler) serveRange(f *os.File, size int64, header string, headers []http1.HeaderField, contentType string) *Result {
	ranges, err := parseRanges(header, size)
	if err != nil || len(ranges) == 0 {
		return &Result{Status: 200, File: f, Length: size, UseSendfile: true, Headers: headers}
	}
	if len(ranges) == 1 {
		r := ranges[0]
		hdrs := append(append([]http1.HeaderField(nil), headers...),
			http1.HeaderField{Name: "Content-Range", Value: fmt.Sprintf("bytes %d-%d/%d", r.start, r.end, size)})
		return &Result{
			Status: 206, Headers: hdrs, File: f,
			Offset: r.start, Length: r.end - r.start + 1, UseSendfile: true,
		}
	}
	return h.serveMultipartRange(f, size, ranges, headers, contentType)
}

// serveMultipartRange builds a multipart/byteranges body. This
// path buffers the parts in memory rather than sendfile, since the
// multipart boundary framing interleaves generated text between file
// segments.
func (h *Handler) serveMultipartRange(f *os.File, size int64, ranges []byteRange, headers []http1.HeaderField, contentType string) *Result {
	defer f.Close()
	boundary := multipartBoundary(f)
	var body []byte
	for _, r := range ranges {
		body = append(body, fmt.Sprintf("--%s\r\nContent-Type: %s\r\nContent-Range: bytes %d-%d/%d\r\n\r\n",
			boundary, contentType, r.start, r.end, size)...)
		buf := make([]byte, r.end-r.start+1)
		n, _ := f.ReadAt(buf, r.start)
		body = append(body, buf[:n]...)
		body = append(body, "\r\n"...)
	}
	body = append(body, fmt.Sprintf("--%s--\r\n", boundary)...)

	hdrs := append(append([]http1.HeaderField(nil), headers...),
		http1.HeaderField{Name: "Content-Type", Value: "multipart/byteranges; boundary=" + boundary})
	return &Result{Status: 206, Headers: hdrs, Body: body}
}

func multipartBoundary(f *os.File) string {
	h := sha1.New()
	fmt.Fprintf(h, "%v-%d", f.Name(), time.Now().UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// parseRanges parses a `bytes=a-b,c-d` header against a representation of
// size bytes, clamping and dropping unsatisfiable ranges.
func parseRanges(header string, size int64) ([]byteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, errors.New("static: unsupported range unit")
	}
	var out []byteRange
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		startStr, endStr, _ := strings.Cut(part, "-")
		var start, end int64
		var err error
		switch {
		case startStr == "":
			// suffix range: last N bytes
			n, perr := strconv.ParseInt(endStr, 10, 64)
			if perr != nil {
				continue
			}
			if n > size {
				n = size
			}
			start, end = size-n, size-1
		case endStr == "":
			start, err = strconv.ParseInt(startStr, 10, 64)
			if err != nil || start >= size {
				continue
			}
			end = size - 1
		default:
			start, err = strconv.ParseInt(startStr, 10, 64)
			if err != nil {
				continue
			}
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				continue
			}
			if end >= size {
				end = size - 1
			}
			if start > end {
				continue
			}
		}
		out = append(out, byteRange{start, end})
	}
	return out, nil
}

func etagFor(info os.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, info.ModTime().Unix(), info.Size())
}

// osErrorStatus maps a filesystem error to its HTTP status:
// ENOENT->404, EACCES/EPERM->403, others->500.
func osErrorStatus(err error) int {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 404
	case errors.Is(err, os.ErrPermission):
		return 403
	default:
		return 500
	}
}
