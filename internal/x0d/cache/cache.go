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

// Package cache is the in-memory response cache: a fingerprint-keyed object
// store where each object holds one variant per distinct set of Vary'd
// request-header values. The first requester to hit a missing or expired
// variant becomes its sole updater; concurrent requesters either wait for
// the update (lock_on_update) or are served the previous stale payload.
// A requester with locking off and no previous payload waits as well.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"

	"github.com/etalazz/x0d/internal/x0d/http1"
	"github.com/etalazz/x0d/internal/x0d/xatomic"
)

// State is a variant's position in its update lifecycle.
type State int

const (
	// Spawning: freshly created, first response not yet stored.
	Spawning State = iota
	// Active: stored and within its TTL.
	Active
	// Stale: past TTL but within shadow TTL; deliverable while an update
	// is pending.
	Stale
	// Updating: an updater is refreshing this variant; previous payload
	// (if any) remains deliverable.
	Updating
)

func (s State) String() string {
	switch s {
	case Spawning:
		return "spawning"
	case Active:
		return "active"
	case Stale:
		return "stale"
	case Updating:
		return "updating"
	}
	return "unknown"
}

// Entry is one concrete cached variant under an object: the stored response
// plus the request-header values (per the response's Vary list) that select
// it.
type Entry struct {
	obj   *object
	state State
	ctime time.Time

	Status  int
	Headers []http1.HeaderField
	Body    []byte

	// VaryValues records, for each header named by the response's Vary,
	// the request value this variant was stored under. A request matches
	// the variant iff every recorded value equals the request's.
	VaryValues []http1.HeaderField

	hits    *xatomic.Striped64
	waiters []chan struct{}
}

// Hits returns how many times this variant has been delivered.
func (e *Entry) Hits() int64 { return e.hits.Sum() }

// Age is the time since this variant's payload was stored.
func (e *Entry) Age() time.Duration {
	e.obj.mu.Lock()
	defer e.obj.mu.Unlock()
	return e.obj.cache.opts.Clock().Sub(e.ctime)
}

// State returns the entry's current lifecycle state, re-deriving Stale from
// the clock so a variant that aged out since its last touch reports
// correctly.
func (e *Entry) State() State {
	e.obj.mu.Lock()
	defer e.obj.mu.Unlock()
	return e.obj.cache.stateOfLocked(e)
}

// object groups every variant stored under one fingerprint key.
type object struct {
	cache    *Cache
	key      string
	mu       sync.Mutex
	variants []*Entry
}

// Options tunes cache behavior; zero values select the defaults below.
type Options struct {
	// TTL is how long a stored variant stays Active. Default 10s.
	TTL time.Duration
	// ShadowTTL is how long past TTL a Stale variant remains deliverable.
	// Default 5m.
	ShadowTTL time.Duration
	// LockOnUpdate makes concurrent requesters of an updating variant
	// block (up to UpdateLockTimeout) instead of being served stale data.
	LockOnUpdate bool
	// UpdateLockTimeout bounds the wait above. Default 10s.
	UpdateLockTimeout time.Duration
	// Shards is the stripe count for the key map. Default 16.
	Shards int
	// Backend, when non-nil, receives write-through copies of stored
	// variants and purge notifications.
	Backend Backend
	// Clock is overridable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 10 * time.Second
	}
	if o.ShadowTTL <= 0 {
		o.ShadowTTL = 5 * time.Minute
	}
	if o.UpdateLockTimeout <= 0 {
		o.UpdateLockTimeout = 10 * time.Second
	}
	if o.Shards <= 0 {
		o.Shards = 16
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type shard struct {
	mu      sync.Mutex
	objects map[string]*object
}

// Cache is the process-wide response cache. Worker loops share one Cache;
// the key map is striped across shards chosen by rendezvous hashing so
// unrelated keys contend on different locks.
type Cache struct {
	opts   Options
	shards []*shard
	names  []string
	rdv    *rendezvous.Rendezvous
}

// New builds a Cache with opts.
func New(opts Options) *Cache {
	opts = opts.withDefaults()
	c := &Cache{opts: opts}
	c.shards = make([]*shard, opts.Shards)
	c.names = make([]string, opts.Shards)
	for i := range c.shards {
		c.shards[i] = &shard{objects: make(map[string]*object)}
		c.names[i] = shardName(i)
	}
	c.rdv = rendezvous.New(c.names, hashString)
	return c
}

func shardName(i int) string {
	// Small fixed alphabet; shard counts beyond 36^2 are not meaningful.
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	return string([]byte{digits[(i/36)%36], digits[i%36]})
}

func (c *Cache) shardFor(key string) *shard {
	name := c.rdv.Lookup(key)
	for i, n := range c.names {
		if n == name {
			return c.shards[i]
		}
	}
	return c.shards[0]
}

// Find returns the deliverable variant under key matching the request's
// header values, or nil. Spawning variants and variants past their shadow
// TTL are not deliverable.
func (c *Cache) Find(key string, reqHeader func(name string) string) *Entry {
	sh := c.shardFor(key)
	sh.mu.Lock()
	obj := sh.objects[key]
	sh.mu.Unlock()
	if obj == nil {
		return nil
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()
	e := obj.selectVariantLocked(reqHeader)
	if e == nil || !c.deliverableLocked(e) {
		return nil
	}
	e.hits.Add(1)
	return e
}

// Acquire finds-or-creates the variant under key for the request. The
// second return is true when the caller has become the updater and must
// finish by calling Complete (or Abandon on failure); false means the
// returned entry is deliverable as-is.
//
// When another requester already holds the update and LockOnUpdate is off,
// Acquire returns the previous payload at once if one exists. Otherwise it
// blocks up to UpdateLockTimeout for the refresh; on timeout it falls back
// to the previous payload when one exists, and otherwise takes over the
// update itself so the request is not left without a response.
func (c *Cache) Acquire(key string, reqHeader func(name string) string) (*Entry, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	obj := sh.objects[key]
	if obj == nil {
		obj = &object{cache: c, key: key}
		sh.objects[key] = obj
	}
	sh.mu.Unlock()

	for {
		obj.mu.Lock()
		e := obj.selectVariantLocked(reqHeader)
		if e == nil {
			e = &Entry{obj: obj, state: Spawning, ctime: c.opts.Clock(), hits: xatomic.NewStriped64(0)}
			obj.variants = append(obj.variants, e)
			obj.mu.Unlock()
			return e, true
		}

		switch c.stateOfLocked(e) {
		case Active:
			e.hits.Add(1)
			obj.mu.Unlock()
			return e, false
		case Stale:
			e.state = Updating
			obj.mu.Unlock()
			return e, true
		case Spawning, Updating:
			if !c.opts.LockOnUpdate && e.Body != nil {
				// Serve the previous payload while the updater works.
				e.hits.Add(1)
				obj.mu.Unlock()
				return e, false
			}
			done := make(chan struct{})
			e.waiters = append(e.waiters, done)
			obj.mu.Unlock()
			select {
			case <-done:
				// Re-evaluate: the update may have completed or been
				// abandoned.
			case <-time.After(c.opts.UpdateLockTimeout):
				obj.mu.Lock()
				e.dropWaiterLocked(done)
				if e.Body != nil {
					e.hits.Add(1)
					obj.mu.Unlock()
					return e, false
				}
				// Nothing to serve; take over the update.
				e.state = Updating
				obj.mu.Unlock()
				return e, true
			}
		}
	}
}

// Complete stores the updater's fresh response into e, records the Vary'd
// request-header values that select this variant, marks it Active, and
// wakes every waiter.
func (c *Cache) Complete(e *Entry, status int, headers []http1.HeaderField, body []byte, reqHeader func(name string) string) {
	obj := e.obj
	obj.mu.Lock()
	e.Status = status
	e.Headers = append([]http1.HeaderField(nil), headers...)
	e.Body = append([]byte(nil), body...)
	e.VaryValues = varyValuesOf(headers, reqHeader)
	e.ctime = c.opts.Clock()
	e.state = Active
	waiters := e.waiters
	e.waiters = nil
	obj.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if c.opts.Backend != nil {
		c.opts.Backend.Store(obj.key, e, c.opts.TTL+c.opts.ShadowTTL)
	}
}

// Abandon releases an update that could not be completed. A variant that
// never held a payload is removed; one with a previous payload reverts to
// Stale so the next requester retries the refresh. Waiters are woken either
// way.
func (c *Cache) Abandon(e *Entry) {
	obj := e.obj
	obj.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	if e.Body == nil {
		obj.removeLocked(e)
	} else {
		e.state = Stale
	}
	obj.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Purge removes every variant under key, reporting whether anything was
// there.
func (c *Cache) Purge(key string) bool {
	sh := c.shardFor(key)
	sh.mu.Lock()
	obj, ok := sh.objects[key]
	delete(sh.objects, key)
	sh.mu.Unlock()
	if ok {
		obj.mu.Lock()
		for _, e := range obj.variants {
			for _, w := range e.waiters {
				close(w)
			}
			e.waiters = nil
		}
		obj.variants = nil
		obj.mu.Unlock()
		if c.opts.Backend != nil {
			c.opts.Backend.Purge(key)
		}
	}
	return ok
}

// ExpireAll forces every stored variant Stale, so subsequent requests
// refresh while stale delivery continues within the shadow TTL.
func (c *Cache) ExpireAll() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		objs := make([]*object, 0, len(sh.objects))
		for _, o := range sh.objects {
			objs = append(objs, o)
		}
		sh.mu.Unlock()
		for _, o := range objs {
			o.mu.Lock()
			for _, e := range o.variants {
				if e.state == Active {
					e.state = Stale
				}
			}
			o.mu.Unlock()
		}
	}
}

// PurgeAll drops the entire store.
func (c *Cache) PurgeAll() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		keys := make([]string, 0, len(sh.objects))
		for k := range sh.objects {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
		for _, k := range keys {
			c.Purge(k)
		}
	}
}

// Len reports how many objects (keys) are currently stored.
func (c *Cache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.objects)
		sh.mu.Unlock()
	}
	return n
}

// stateOfLocked re-derives a variant's effective state from the clock:
// Active decays to Stale after TTL; Stale past shadow TTL stops being
// deliverable (deliverableLocked).
func (c *Cache) stateOfLocked(e *Entry) State {
	switch e.state {
	case Active:
		if c.opts.Clock().Sub(e.ctime) > c.opts.TTL {
			e.state = Stale
			return Stale
		}
		return Active
	default:
		return e.state
	}
}

func (c *Cache) deliverableLocked(e *Entry) bool {
	switch c.stateOfLocked(e) {
	case Active:
		return true
	case Stale, Updating:
		return e.Body != nil && c.opts.Clock().Sub(e.ctime) <= c.opts.TTL+c.opts.ShadowTTL
	}
	return false
}

// selectVariantLocked picks the variant whose recorded Vary values all
// equal the request's. A variant with no recorded values (no Vary, or not
// yet completed) matches any request.
func (o *object) selectVariantLocked(reqHeader func(name string) string) *Entry {
	for _, e := range o.variants {
		if variantMatches(e, reqHeader) {
			return e
		}
	}
	return nil
}

func variantMatches(e *Entry, reqHeader func(name string) string) bool {
	for _, vv := range e.VaryValues {
		got := ""
		if reqHeader != nil {
			got = reqHeader(vv.Name)
		}
		if got != vv.Value {
			return false
		}
	}
	return true
}

func (o *object) removeLocked(e *Entry) {
	for i, v := range o.variants {
		if v == e {
			o.variants = append(o.variants[:i], o.variants[i+1:]...)
			return
		}
	}
}

func (e *Entry) dropWaiterLocked(ch chan struct{}) {
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// varyValuesOf extracts the request-header values named by the response's
// Vary header, in declaration order, so the variant can later be matched
// against other requests.
func varyValuesOf(respHeaders []http1.HeaderField, reqHeader func(name string) string) []http1.HeaderField {
	var out []http1.HeaderField
	for _, h := range respHeaders {
		if !strings.EqualFold(h.Name, "Vary") {
			continue
		}
		for _, name := range strings.Split(h.Value, ",") {
			name = strings.TrimSpace(name)
			if name == "" || name == "*" {
				continue
			}
			val := ""
			if reqHeader != nil {
				val = reqHeader(name)
			}
			out = append(out, http1.HeaderField{Name: name, Value: val})
		}
	}
	return out
}

// hashString is go-rendezvous's required uint64 hash; fnv-1a spreads
// fingerprint keys evenly across shards.
func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
