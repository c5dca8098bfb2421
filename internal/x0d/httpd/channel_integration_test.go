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

package httpd_test

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/etalazz/x0d/internal/x0d/httpd"
	"github.com/etalazz/x0d/internal/x0d/netio"
	"github.com/etalazz/x0d/internal/x0d/netutil"
	"github.com/etalazz/x0d/internal/x0d/sched"
)

// socketpair returns two connected, non-blocking AF_UNIX stream fds, one
// standing in for the client side of a TCP connection and one for the
// endpoint the server half of the test drives.
func socketpair(t *testing.T) (server, client int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func readAll(t *testing.T, fd int, deadline time.Duration) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	start := time.Now()
	for time.Since(start) < deadline {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil && err != unix.EAGAIN {
			break
		}
		if n == 0 && len(out) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	return string(out)
}

func TestChannelSimpleGetRoundTrip(t *testing.T) {
	loop, err := sched.NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	t.Cleanup(func() { loop.Close() })

	serverFd, clientFd := socketpair(t)
	ep := netio.NewEndpoint(serverFd, loop, nil, nil, netutil.DefaultListenOptions(), 4096)

	ch := httpd.NewChannel(ep, httpd.Options{ServerHeader: "x0d"}, func(c *httpd.Channel) bool {
		if c.Request().Path == "/hello" {
			c.Status(200)
			c.Write([]byte("/hello\n"))
			return true
		}
		return false
	})
	ep.SetConnection(ch)

	if err := ep.WantFill(); err != nil {
		t.Fatalf("WantFill: %v", err)
	}

	unix.Write(clientFd, []byte("GET /hello HTTP/1.1\r\nHost: t\r\n\r\n"))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			loop.RunLoopOnce(false)
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	<-done

	out := readAll(t, clientFd, 200*time.Millisecond)
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("response = %q, want 200 status line", out)
	}
	if !strings.Contains(out, "Content-Length: 7\r\n") {
		t.Fatalf("response missing Content-Length: %q", out)
	}
	if !strings.Contains(out, "Connection: Keep-Alive\r\n") {
		t.Fatalf("response missing Keep-Alive: %q", out)
	}
	if !strings.HasSuffix(out, "/hello\n") {
		t.Fatalf("response missing body: %q", out)
	}
}

func TestChannelHTTP10ClosesAfterResponse(t *testing.T) {
	loop, err := sched.NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	t.Cleanup(func() { loop.Close() })

	serverFd, clientFd := socketpair(t)
	ep := netio.NewEndpoint(serverFd, loop, nil, nil, netutil.DefaultListenOptions(), 4096)

	ch := httpd.NewChannel(ep, httpd.Options{}, func(c *httpd.Channel) bool {
		c.Status(200)
		c.Write([]byte("hi\n"))
		return true
	})
	ep.SetConnection(ch)
	ep.WantFill()

	unix.Write(clientFd, []byte("GET / HTTP/1.0\r\n\r\n"))

	for i := 0; i < 50; i++ {
		loop.RunLoopOnce(false)
		time.Sleep(time.Millisecond)
	}

	out := readAll(t, clientFd, 200*time.Millisecond)
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Fatalf("response missing Connection: close: %q", out)
	}
}
