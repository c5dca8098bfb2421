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

package sched

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/dgryski/go-rendezvous"
)

// Pool is a fixed set of Loops, each run on its own goroutine. Every
// accepted endpoint is pinned to exactly one Loop for its lifetime; Pick
// chooses which one, by rendezvous hashing over a caller-supplied key
// rather than bare round-robin, so the same key keeps landing on the same
// loop across accepts. The pool's size is fixed at NewPool.
type Pool struct {
	loops []*Loop
	names []string
	rdv   *rendezvous.Rendezvous

	mu      sync.Mutex
	nextRR  uint64
}

// NewPool starts n Loops, each on its own goroutine running RunLoop until
// Close. n must be at least 1.
func NewPool(n int) (*Pool, error) {
	if n < 1 {
		return nil, fmt.Errorf("sched: pool size must be >= 1, got %d", n)
	}
	p := &Pool{
		loops: make([]*Loop, n),
		names: make([]string, n),
	}
	for i := 0; i < n; i++ {
		loop, err := NewLoop()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("sched: starting loop %d: %w", i, err)
		}
		p.loops[i] = loop
		p.names[i] = strconv.Itoa(i)
	}
	p.rdv = rendezvous.New(p.names, hashString)
	for _, loop := range p.loops {
		loop.refs++ // pool-owned reference keeps RunLoop alive until Close
		go loop.RunLoop()
	}
	return p, nil
}

// Pick selects the Loop owning key. The same key always maps to the same
// Loop as long as the pool's membership doesn't change; this is what lets a
// caller shard by remote address or connection fingerprint and get affinity
// "for free" without maintaining its own table.
func (p *Pool) Pick(key string) *Loop {
	idx, err := strconv.Atoi(p.rdv.Lookup(key))
	if err != nil {
		return p.roundRobin()
	}
	return p.loops[idx]
}

// roundRobin is Pick's fallback when the rendezvous lookup returns a name
// that is not a loop index.
func (p *Pool) roundRobin() *Loop {
	p.mu.Lock()
	idx := p.nextRR % uint64(len(p.loops))
	p.nextRR++
	p.mu.Unlock()
	return p.loops[idx]
}

// Loops returns the pool's member loops, in stable index order.
func (p *Pool) Loops() []*Loop {
	out := make([]*Loop, len(p.loops))
	copy(out, p.loops)
	return out
}

// Close breaks every loop and releases its epoll/eventfd resources.
func (p *Pool) Close() error {
	var firstErr error
	for _, loop := range p.loops {
		if loop == nil {
			continue
		}
		loop.BreakLoop()
	}
	for _, loop := range p.loops {
		if loop == nil {
			continue
		}
		if err := loop.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// hashString is go-rendezvous's required uint64 hash function; fnv-1a is
// cheap and distributes connection keys (remote IP:port strings) well
// enough for worker-loop sharding.
func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
