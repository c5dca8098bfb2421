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

// Package sched implements x0d's event loop: a
// single-threaded, cooperative, readiness-based I/O scheduler built on Linux
// epoll, the same "one loop, one thread, one epoll instance" shape as
// xzero's LinuxScheduler. Every accepted endpoint is pinned to exactly one
// Loop for its lifetime; a Pool of Loops (this package's pool.go)
// hands loops out to the listener via rendezvous hashing.
package sched

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TaskFunc is any unit of work the loop executes on its own goroutine.
type TaskFunc func()

// watchKind distinguishes a readable registration from a writable one; a
// single fd may have both outstanding in the epoll set at once, each with
// its own Handle; readable and writable registrations are one-shot,
// independently of each other.
type watchKind uint8

const (
	watchReadable watchKind = iota
	watchWritable
)

// timer is a queued or delayed task: Execute uses a zero At, ExecuteAfter/
// ExecuteAt set a future deadline. A single slice holds both so the loop's
// tick only has one place to look for due work.
type timer struct {
	id       uint64
	task     TaskFunc
	at       time.Time // zero => ready immediately
	canceled bool
}

type ioWatch struct {
	id        uint64
	fd        int
	kind      watchKind
	task      TaskFunc
	onTimeout TaskFunc
	deadline  time.Time
	hasTTL    bool
	canceled  bool
}

// Handle is returned by every scheduling operation. Cancel unregisters the
// pending task; calling Cancel on a handle whose task already ran, or
// calling it twice, is a no-op.
type Handle struct {
	loop *Loop
	id   uint64
}

// Cancel unlinks the handle's pending registration. Safe to call from
// within the loop's own callback and from any goroutine.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.loop.cancel(h.id)
}

// Wakeup is a generation-counted condition: ExecuteOnWakeup registers a task
// that fires the next time Fire() advances the generation past the value
// the caller last observed, avoiding missed-wakeup races when multiple
// loops coordinate around one shared condition.
type Wakeup struct {
	mu         sync.Mutex
	generation uint64
	waiters    []wakeupWaiter
}

type wakeupWaiter struct {
	loop       *Loop
	id         uint64
	generation uint64
}

// Generation returns the current generation counter, to be passed back into
// ExecuteOnWakeup so the registration only fires on a *later* Fire.
func (w *Wakeup) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generation
}

// Fire advances the generation and wakes every waiter registered against an
// older generation.
func (w *Wakeup) Fire() {
	w.mu.Lock()
	gen := w.generation + 1
	w.generation = gen
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()
	for _, wt := range waiters {
		if wt.generation < gen {
			wt.loop.wakeWaiter(wt.id)
		}
	}
}

func (w *Wakeup) register(wt wakeupWaiter) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wt.generation < w.generation {
		return false // already satisfied
	}
	w.waiters = append(w.waiters, wt)
	return true
}

// Loop is one single-threaded epoll-backed scheduler. The zero value is not
// usable; construct with NewLoop.
type Loop struct {
	epfd   int
	wakeFd int

	mu        sync.Mutex
	nextID    uint64
	timers    []*timer
	ioWatches map[int]map[watchKind]*ioWatch
	byID      map[uint64]interface{} // id -> *timer | *ioWatch, for Cancel
	refs      int64                  // live timers + watches; RunLoop exits at zero
	breaking  bool
}

// NewLoop creates an epoll instance and its cross-thread wakeup eventfd.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("sched: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("sched: eventfd: %w", err)
	}
	l := &Loop{
		epfd:      epfd,
		wakeFd:    wakeFd,
		ioWatches: make(map[int]map[watchKind]*ioWatch),
		byID:      make(map[uint64]interface{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("sched: epoll_ctl(wakeFd): %w", err)
	}
	return l, nil
}

// Close releases the loop's kernel resources. Only safe once RunLoop has
// returned.
func (l *Loop) Close() error {
	unix.Close(l.wakeFd)
	return unix.Close(l.epfd)
}

func (l *Loop) nextHandle() uint64 {
	l.nextID++
	return l.nextID
}

// Execute schedules task to run on the loop's own goroutine as soon as
// possible; safe to call from any goroutine.
func (l *Loop) Execute(task TaskFunc) *Handle {
	return l.scheduleTimer(task, time.Time{})
}

// ExecuteAfter schedules task to run no sooner than delay from now.
func (l *Loop) ExecuteAfter(delay time.Duration, task TaskFunc) *Handle {
	return l.scheduleTimer(task, time.Now().Add(delay))
}

// ExecuteAt schedules task to run at (or shortly after) at.
func (l *Loop) ExecuteAt(at time.Time, task TaskFunc) *Handle {
	return l.scheduleTimer(task, at)
}

func (l *Loop) scheduleTimer(task TaskFunc, at time.Time) *Handle {
	l.mu.Lock()
	id := l.nextHandle()
	t := &timer{id: id, task: task, at: at}
	l.timers = append(l.timers, t)
	l.byID[id] = t
	l.refs++
	l.mu.Unlock()
	l.notifyWake()
	return &Handle{loop: l, id: id}
}

// ExecuteOnReadable arms a one-shot readable watch on fd. task runs when fd
// becomes readable; if timeout > 0 and no readiness arrives first, onTimeout
// runs instead and the watch is dropped.
func (l *Loop) ExecuteOnReadable(fd int, task TaskFunc, timeout time.Duration, onTimeout TaskFunc) (*Handle, error) {
	return l.executeOnIO(fd, watchReadable, task, timeout, onTimeout)
}

// ExecuteOnWritable is ExecuteOnReadable's write-side twin.
func (l *Loop) ExecuteOnWritable(fd int, task TaskFunc, timeout time.Duration, onTimeout TaskFunc) (*Handle, error) {
	return l.executeOnIO(fd, watchWritable, task, timeout, onTimeout)
}

func (l *Loop) executeOnIO(fd int, kind watchKind, task TaskFunc, timeout time.Duration, onTimeout TaskFunc) (*Handle, error) {
	l.mu.Lock()
	id := l.nextHandle()
	w := &ioWatch{id: id, fd: fd, kind: kind, task: task, onTimeout: onTimeout}
	if timeout > 0 {
		w.hasTTL = true
		w.deadline = time.Now().Add(timeout)
	}
	byFd := l.ioWatches[fd]
	if byFd == nil {
		byFd = make(map[watchKind]*ioWatch)
		l.ioWatches[fd] = byFd
	}
	op := unix.EPOLL_CTL_MOD
	if len(byFd) == 0 {
		op = unix.EPOLL_CTL_ADD
	}
	byFd[kind] = w
	l.byID[id] = w
	l.refs++
	events := epollMaskFor(byFd)
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: events | unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		l.mu.Lock()
		delete(byFd, kind)
		delete(l.byID, id)
		l.refs--
		l.mu.Unlock()
		return nil, fmt.Errorf("sched: epoll_ctl(fd=%d): %w", fd, err)
	}
	return &Handle{loop: l, id: id}, nil
}

func epollMaskFor(byFd map[watchKind]*ioWatch) uint32 {
	var events uint32
	if w, ok := byFd[watchReadable]; ok && !w.canceled {
		events |= unix.EPOLLIN
	}
	if w, ok := byFd[watchWritable]; ok && !w.canceled {
		events |= unix.EPOLLOUT
	}
	return events
}

// ExecuteOnWakeup registers task to run the next time w.Fire() advances past
// generation (normally the caller's most recent w.Generation() observation).
// If generation is already stale, task is queued to run immediately.
func (l *Loop) ExecuteOnWakeup(task TaskFunc, w *Wakeup, generation uint64) *Handle {
	if !w.register(wakeupWaiter{loop: l, generation: generation}) {
		return l.Execute(task)
	}
	l.mu.Lock()
	id := l.nextHandle()
	t := &timer{id: id, task: task, at: time.Unix(1<<62, 0)} // parked: never fires on its own
	l.byID[id] = t
	l.refs++
	l.mu.Unlock()
	w.mu.Lock()
	for i := range w.waiters {
		if w.waiters[i].loop == l && w.waiters[i].generation == generation && w.waiters[i].id == 0 {
			w.waiters[i].id = id
			break
		}
	}
	w.mu.Unlock()
	return &Handle{loop: l, id: id}
}

func (l *Loop) wakeWaiter(id uint64) {
	l.mu.Lock()
	v, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	t, _ := v.(*timer)
	if t != nil {
		t.at = time.Time{} // fire on next tick
	}
	l.mu.Unlock()
	l.notifyWake()
}

// cancel unlinks a pending registration by handle ID. Idempotent: canceling
// an already-fired or already-canceled handle is a no-op.
func (l *Loop) cancel(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	l.refs--
	switch e := v.(type) {
	case *timer:
		e.canceled = true
	case *ioWatch:
		l.unarmWatchLocked(e)
	}
}

func (l *Loop) unarmWatchLocked(w *ioWatch) {
	if w.canceled {
		return
	}
	w.canceled = true
	byFd := l.ioWatches[w.fd]
	if byFd == nil {
		return
	}
	delete(byFd, w.kind)
	if len(byFd) == 0 {
		delete(l.ioWatches, w.fd)
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
		return
	}
	ev := unix.EpollEvent{Events: epollMaskFor(byFd) | unix.EPOLLONESHOT, Fd: int32(w.fd)}
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, w.fd, &ev)
}

// BreakLoop causes the innermost RunLoop to return after the current tick,
// safe to call from any goroutine.
func (l *Loop) BreakLoop() {
	l.mu.Lock()
	l.breaking = true
	l.mu.Unlock()
	l.notifyWake()
}

func (l *Loop) notifyWake() {
	var buf [8]byte
	buf[7] = 1
	unix.Write(l.wakeFd, buf[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// RunLoop runs RunLoopOnce until BreakLoop is called or the reference count
// drops to
// zero.
func (l *Loop) RunLoop() error {
	for {
		l.mu.Lock()
		brk := l.breaking
		refs := l.refs
		l.mu.Unlock()
		if brk || refs == 0 {
			return nil
		}
		if err := l.RunLoopOnce(true); err != nil {
			return err
		}
	}
}

// RunLoopOnce fires any due timers and timeouts, polls epoll once (blocking
// according to the earliest deadline when blocking is true, or returning
// immediately when false), and dispatches readiness events, each exactly
// once.
func (l *Loop) RunLoopOnce(blocking bool) error {
	l.runDueWork()

	timeout := -1
	if !blocking {
		timeout = 0
	} else if d, ok := l.nextDeadline(); ok {
		ms := int(time.Until(d) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		timeout = ms
	}

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("sched: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == l.wakeFd {
			l.drainWake()
			continue
		}
		l.dispatchReady(fd, events[i].Events)
	}
	l.runDueWork()
	return nil
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best time.Time
	found := false
	for _, t := range l.timers {
		if t.canceled {
			continue
		}
		if !found || t.at.Before(best) {
			best, found = t.at, true
		}
	}
	for _, byFd := range l.ioWatches {
		for _, w := range byFd {
			if !w.canceled && w.hasTTL {
				if !found || w.deadline.Before(best) {
					best, found = w.deadline, true
				}
			}
		}
	}
	return best, found
}

func (l *Loop) runDueWork() {
	now := time.Now()

	l.mu.Lock()
	var ready []TaskFunc
	var live []*timer
	for _, t := range l.timers {
		switch {
		case t.canceled:
			// dropped
		case !t.at.After(now):
			delete(l.byID, t.id)
			l.refs--
			ready = append(ready, t.task)
		default:
			live = append(live, t)
		}
	}
	l.timers = live

	var timedOut []*ioWatch
	for _, byFd := range l.ioWatches {
		for _, w := range byFd {
			if !w.canceled && w.hasTTL && !w.deadline.After(now) {
				timedOut = append(timedOut, w)
			}
		}
	}
	for _, w := range timedOut {
		l.unarmWatchLocked(w)
		delete(l.byID, w.id)
		l.refs--
		if w.onTimeout != nil {
			ready = append(ready, w.onTimeout)
		}
	}
	l.mu.Unlock()

	for _, t := range ready {
		if t != nil {
			t()
		}
	}
}

func (l *Loop) dispatchReady(fd int, events uint32) {
	l.mu.Lock()
	byFd := l.ioWatches[fd]
	var toRun []TaskFunc
	if byFd != nil {
		if events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if w, ok := byFd[watchReadable]; ok && !w.canceled {
				l.unarmWatchLocked(w)
				delete(l.byID, w.id)
				l.refs--
				toRun = append(toRun, w.task)
			}
		}
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			if w, ok := byFd[watchWritable]; ok && !w.canceled {
				l.unarmWatchLocked(w)
				delete(l.byID, w.id)
				l.refs--
				toRun = append(toRun, w.task)
			}
		}
	}
	l.mu.Unlock()
	for _, t := range toRun {
		if t != nil {
			t()
		}
	}
}
