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

package netio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/etalazz/x0d/internal/x0d/netutil"
	"github.com/etalazz/x0d/internal/x0d/sched"
)

// Selector chooses which worker Loop a freshly accepted endpoint is handed
// to.
// A closure calling sched.Pool.Pick with the remote address's string form
// fits this.
type Selector func(remoteAddr net.Addr) *sched.Loop

// Listener is a bound, listening, non-blocking TCP socket driven by its own
// accept Loop.
type Listener struct {
	fd      int
	loop    *sched.Loop
	addr    net.Addr
	opts    netutil.ListenOptions
	pick    Selector
	factory ProtocolFactory

	multiAccept int
	bufSize     int

	closed bool
}

// ListenerConfig bundles Listen's parameters.
type ListenerConfig struct {
	Network     string // "tcp", "tcp4", or "tcp6"
	Address     string // "host:port"
	Opts        netutil.ListenOptions
	MultiAccept int // accept burst cap per readiness event
	BufSize     int // per-endpoint read buffer size
}

// Listen binds and listens on cfg.Address, arming its accept loop on
// acceptLoop. Selector picks which worker loop owns each newly accepted
// endpoint; factory builds the protocol Connection wrapping it.
func Listen(cfg ListenerConfig, acceptLoop *sched.Loop, pick Selector, factory ProtocolFactory) (*Listener, error) {
	if cfg.MultiAccept <= 0 {
		cfg.MultiAccept = 32
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}

	domain := unix.AF_INET
	if network == "tcp6" {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netio: socket: %w", err)
	}

	if err := netutil.ApplyListenOptions(fd, cfg.Opts); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: apply listen options: %w", err)
	}

	sa, err := resolveSockaddr(network, cfg.Address)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: bind %s: %w", cfg.Address, err)
	}
	backlog := cfg.Opts.Backlog
	if backlog <= 0 {
		backlog = 1024
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: listen: %w", err)
	}

	addr, _ := sockaddrToTCPAddr(sa)
	l := &Listener{
		fd:          fd,
		loop:        acceptLoop,
		addr:        addr,
		opts:        cfg.Opts,
		pick:        pick,
		factory:     factory,
		multiAccept: cfg.MultiAccept,
		bufSize:     cfg.BufSize,
	}
	if err := l.armAccept(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) armAccept() error {
	_, err := l.loop.ExecuteOnReadable(l.fd, l.onAcceptable, 0, nil)
	return err
}

// onAcceptable accepts up to multiAccept sockets in a burst to amortize
// syscall cost (the burst cap keeps a busy listener from starving other
// work on its loop), then re-arms itself.
func (l *Listener) onAcceptable() {
	if l.closed {
		return
	}
	for i := 0; i < l.multiAccept; i++ {
		connFd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			break
		}
		l.onAccepted(connFd, sa)
	}
	if !l.closed {
		l.armAccept()
	}
}

func (l *Listener) onAccepted(connFd int, sa unix.Sockaddr) {
	netutil.ApplyAcceptedOptions(connFd, l.opts)
	remote, _ := sockaddrToTCPAddr(sa)

	var loop *sched.Loop
	if l.pick != nil {
		loop = l.pick(remote)
	} else {
		loop = l.loop
	}

	loop.Execute(func() {
		ep := NewEndpoint(connFd, loop, remote, l.addr, l.opts, l.bufSize)
		conn := l.factory(ep)
		ep.SetConnection(conn)
		if err := ep.WantFill(); err != nil {
			ep.Close()
			return
		}
	})
}

// Close stops accepting and closes the listening socket. In-flight
// endpoints already handed off to worker loops are unaffected.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}

func resolveSockaddr(network, address string) (unix.Sockaddr, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("netio: invalid listen address %q: %w", address, err)
	}
	p, err := parsePort(port)
	if err != nil {
		return nil, err
	}
	if host == "" {
		if network == "tcp6" {
			return &unix.SockaddrInet6{Port: p}, nil
		}
		return &unix.SockaddrInet4{Port: p}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("netio: cannot resolve host %q", host)
		}
		ip = ips[0]
	}
	if v4 := ip.To4(); v4 != nil && network != "tcp6" {
		var b [4]byte
		copy(b[:], v4)
		return &unix.SockaddrInet4{Port: p, Addr: b}, nil
	}
	var b [16]byte
	copy(b[:], ip.To16())
	return &unix.SockaddrInet6{Port: p, Addr: b}, nil
}

func parsePort(s string) (int, error) {
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0, fmt.Errorf("netio: invalid port %q: %w", s, err)
	}
	return p, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) (net.Addr, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), s.Addr[:]...), Port: s.Port}, nil
	default:
		return nil, fmt.Errorf("netio: unsupported sockaddr type %T", sa)
	}
}
