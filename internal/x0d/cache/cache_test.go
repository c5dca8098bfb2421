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

package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/etalazz/x0d/internal/x0d/http1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func headerFunc(h map[string]string) func(string) string {
	return func(name string) string { return h[name] }
}

func TestAcquireCompleteFind(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: time.Minute, Clock: clk.Now})

	e, created := c.Acquire("GET:/a", nil)
	if !created {
		t.Fatalf("first Acquire should create")
	}
	c.Complete(e, 200, []http1.HeaderField{{Name: "Content-Type", Value: "text/plain"}}, []byte("hello"), nil)

	got := c.Find("GET:/a", nil)
	if got == nil {
		t.Fatalf("Find returned nil after Complete")
	}
	if got.Status != 200 || string(got.Body) != "hello" {
		t.Fatalf("got status=%d body=%q", got.Status, got.Body)
	}
	if got.State() != Active {
		t.Fatalf("state = %v, want Active", got.State())
	}
	if got.Hits() != 1 {
		t.Fatalf("hits = %d, want 1", got.Hits())
	}
}

func TestFindMissingKey(t *testing.T) {
	c := New(Options{})
	if e := c.Find("nope", nil); e != nil {
		t.Fatalf("Find on empty cache = %+v, want nil", e)
	}
}

func TestVaryVariantSelection(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: time.Minute, Clock: clk.Now})
	vary := []http1.HeaderField{{Name: "Vary", Value: "Accept-Encoding"}}

	e1, created := c.Acquire("GET:/v", headerFunc(map[string]string{"Accept-Encoding": "gzip"}))
	if !created {
		t.Fatalf("expected create for gzip variant")
	}
	c.Complete(e1, 200, vary, []byte("gzip-body"), headerFunc(map[string]string{"Accept-Encoding": "gzip"}))

	// A request with a different Accept-Encoding must not see the gzip
	// variant.
	if e := c.Find("GET:/v", headerFunc(map[string]string{"Accept-Encoding": "br"})); e != nil {
		t.Fatalf("br request matched gzip variant")
	}

	e2, created := c.Acquire("GET:/v", headerFunc(map[string]string{"Accept-Encoding": "br"}))
	if !created {
		t.Fatalf("expected create for br variant")
	}
	c.Complete(e2, 200, vary, []byte("br-body"), headerFunc(map[string]string{"Accept-Encoding": "br"}))

	got := c.Find("GET:/v", headerFunc(map[string]string{"Accept-Encoding": "gzip"}))
	if got == nil || string(got.Body) != "gzip-body" {
		t.Fatalf("gzip request got %+v", got)
	}
	got = c.Find("GET:/v", headerFunc(map[string]string{"Accept-Encoding": "br"}))
	if got == nil || string(got.Body) != "br-body" {
		t.Fatalf("br request got %+v", got)
	}
}

func TestStaleWithinShadowTTLIsDeliverable(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: time.Second, ShadowTTL: time.Minute, Clock: clk.Now})

	e, _ := c.Acquire("k", nil)
	c.Complete(e, 200, nil, []byte("x"), nil)

	clk.Advance(2 * time.Second)
	got := c.Find("k", nil)
	if got == nil {
		t.Fatalf("stale variant within shadow TTL should still deliver")
	}
	if got.State() != Stale {
		t.Fatalf("state = %v, want Stale", got.State())
	}

	clk.Advance(2 * time.Minute)
	if got := c.Find("k", nil); got != nil {
		t.Fatalf("variant past shadow TTL delivered: %+v", got)
	}
}

func TestStaleAcquireBecomesUpdater(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: time.Second, ShadowTTL: time.Minute, Clock: clk.Now})

	e, _ := c.Acquire("k", nil)
	c.Complete(e, 200, nil, []byte("v1"), nil)
	clk.Advance(2 * time.Second)

	upd, created := c.Acquire("k", nil)
	if !created {
		t.Fatalf("stale Acquire should hand out the update")
	}

	// With locking off, a second requester is served the previous payload
	// while the update is pending.
	other, created := c.Acquire("k", nil)
	if created {
		t.Fatalf("second requester must not become a second updater")
	}
	if string(other.Body) != "v1" {
		t.Fatalf("waiter served %q, want stale v1", other.Body)
	}

	c.Complete(upd, 200, nil, []byte("v2"), nil)
	got := c.Find("k", nil)
	if got == nil || string(got.Body) != "v2" {
		t.Fatalf("after update got %+v, want v2", got)
	}
}

func TestLockOnUpdateWaitersSeeFreshPayload(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{
		TTL: time.Minute, LockOnUpdate: true,
		UpdateLockTimeout: 5 * time.Second, Clock: clk.Now,
	})

	upd, created := c.Acquire("k", nil)
	if !created {
		t.Fatalf("first Acquire should create")
	}

	results := make(chan string, 1)
	go func() {
		e, created := c.Acquire("k", nil)
		if created {
			results <- "created"
			return
		}
		results <- string(e.Body)
	}()

	// Give the waiter time to enqueue, then complete the update.
	time.Sleep(20 * time.Millisecond)
	c.Complete(upd, 200, nil, []byte("fresh"), nil)

	select {
	case got := <-results:
		if got != "fresh" {
			t.Fatalf("waiter got %q, want fresh", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter never woke")
	}
}

func TestAbandonRemovesEmptyVariant(t *testing.T) {
	c := New(Options{})
	e, _ := c.Acquire("k", nil)
	c.Abandon(e)
	if got := c.Find("k", nil); got != nil {
		t.Fatalf("abandoned spawning variant still findable: %+v", got)
	}
	// The next requester starts a fresh update rather than waiting forever.
	_, created := c.Acquire("k", nil)
	if !created {
		t.Fatalf("Acquire after Abandon should create")
	}
}

func TestPurgeAndExpireAll(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: time.Minute, ShadowTTL: time.Minute, Clock: clk.Now})

	for _, key := range []string{"a", "b", "c"} {
		e, _ := c.Acquire(key, nil)
		c.Complete(e, 200, nil, []byte(key), nil)
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}

	if !c.Purge("b") {
		t.Fatalf("Purge(b) = false, want true")
	}
	if c.Purge("b") {
		t.Fatalf("second Purge(b) = true, want false")
	}
	if got := c.Find("b", nil); got != nil {
		t.Fatalf("purged key still findable")
	}

	c.ExpireAll()
	got := c.Find("a", nil)
	if got == nil || got.State() != Stale {
		t.Fatalf("ExpireAll should leave variants stale-but-deliverable, got %+v", got)
	}

	c.PurgeAll()
	if c.Len() != 0 {
		t.Fatalf("Len after PurgeAll = %d, want 0", c.Len())
	}
}

func TestBuildBackendSelectors(t *testing.T) {
	tests := []struct {
		selector string
		wantNil  bool
		wantErr  bool
	}{
		{selector: "", wantNil: true},
		{selector: "memory", wantNil: true},
		{selector: "redis"},
		{selector: "kafka"},
		{selector: "postgres", wantErr: true},
		{selector: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		b, err := BuildBackend(tt.selector, BackendOptions{})
		if tt.wantErr {
			if err == nil {
				t.Errorf("BuildBackend(%q): want error", tt.selector)
			}
			continue
		}
		if err != nil {
			t.Errorf("BuildBackend(%q): %v", tt.selector, err)
			continue
		}
		if (b == nil) != tt.wantNil {
			t.Errorf("BuildBackend(%q) nil=%v, want %v", tt.selector, b == nil, tt.wantNil)
		}
	}
}

func TestRedisBackendRoundTripWithLoggingClient(t *testing.T) {
	// The logging client always misses; this covers the encode path and the
	// miss path without a server.
	b := NewRedisBackend(LoggingRedisClient{}, nil)
	c := New(Options{Backend: b})
	e, _ := c.Acquire("k", nil)
	c.Complete(e, 200, nil, []byte("x"), nil)
	if _, ok := b.Load("k"); ok {
		t.Fatalf("logging client should always miss")
	}
	c.Purge("k")
}
