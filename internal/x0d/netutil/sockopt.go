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

// Package netutil sets the raw socket options the listener needs and that
// the standard library does not expose through net.ListenConfig:
// SO_REUSEPORT, TCP_DEFER_ACCEPT, TCP_QUICKACK, and TCP_LINGER2.
package netutil

import (
	"golang.org/x/sys/unix"
)

// ListenOptions bundles the accept-side socket tunables.
type ListenOptions struct {
	ReusePort     bool
	DeferAccept   bool
	QuickAck      bool
	Linger2       int // seconds; 0 disables TCP_LINGER2
	Backlog       int
}

// DefaultListenOptions mirrors xzero's TcpListener defaults: reuse-addr is
// always on (handled by the caller's bind path), reuse-port and defer-accept
// off, a backlog deep enough for a burst of SYNs on a busy worker.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{Backlog: 1024}
}

// ApplyListenOptions sets SO_REUSEADDR unconditionally, plus SO_REUSEPORT
// and TCP_DEFER_ACCEPT when opts asks for them, on the listening socket fd
// before bind(2)/listen(2) run (REUSEPORT must be set pre-bind). QuickAck and
// Linger2 are applied per connection by ApplyAcceptedOptions.
func ApplyListenOptions(fd int, opts ListenOptions) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return err
		}
	}
	if opts.DeferAccept {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAcceptedOptions tunes a freshly accepted connection fd: TCP_QUICKACK
// to avoid delayed-ACK latency on request/response traffic, and TCP_LINGER2
// to bound how long a half-closed connection holds FIN_WAIT2 state.
func ApplyAcceptedOptions(fd int, opts ListenOptions) error {
	if opts.QuickAck {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1); err != nil {
			return err
		}
	}
	if opts.Linger2 > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_LINGER2, opts.Linger2); err != nil {
			return err
		}
	}
	return nil
}

// SetNonblock toggles O_NONBLOCK on fd. The listener does not call it: it
// creates and accepts sockets with SOCK_NONBLOCK already set.
func SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// SetCloseOnExec sets FD_CLOEXEC on accepted sockets so forked helpers
// never inherit connection fds.
func SetCloseOnExec(fd int) {
	unix.CloseOnExec(fd)
}
