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

// Package director provides the backend-selection primitive a reverse-proxy
// plugin builds on: given a routing key (client IP, session fingerprint),
// pick one of N healthy upstream backends, with the pick staying sticky as
// long as membership and health don't change.
package director

import (
	"fmt"
	"sync"

	"github.com/dgryski/go-rendezvous"
)

// Backend is one upstream member.
type Backend struct {
	Name string
	Addr string
}

// BackendPicker is the surface a proxy plugin consumes. Pick returns false
// when no healthy backend remains.
type BackendPicker interface {
	Pick(key string) (Backend, bool)
}

// Rendezvous picks by rendezvous hashing over the currently-healthy
// members. Unlike modulo hashing, removing one member only remaps the keys
// that were on it.
type Rendezvous struct {
	mu       sync.RWMutex
	backends map[string]Backend
	healthy  map[string]bool
	table    *rendezvous.Rendezvous
}

// NewRendezvous builds a picker over backends, all initially healthy.
// Backend names must be unique.
func NewRendezvous(backends []Backend) (*Rendezvous, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("director: at least one backend required")
	}
	r := &Rendezvous{
		backends: make(map[string]Backend, len(backends)),
		healthy:  make(map[string]bool, len(backends)),
	}
	for _, b := range backends {
		if _, dup := r.backends[b.Name]; dup {
			return nil, fmt.Errorf("director: duplicate backend name %q", b.Name)
		}
		r.backends[b.Name] = b
		r.healthy[b.Name] = true
	}
	r.rebuildLocked()
	return r, nil
}

// Pick returns the healthy backend owning key.
func (r *Rendezvous) Pick(key string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.table == nil {
		return Backend{}, false
	}
	name := r.table.Lookup(key)
	b, ok := r.backends[name]
	return b, ok
}

// MarkDown removes name from the selectable set until MarkUp.
func (r *Rendezvous) MarkDown(name string) {
	r.setHealth(name, false)
}

// MarkUp restores name to the selectable set.
func (r *Rendezvous) MarkUp(name string) {
	r.setHealth(name, true)
}

// Healthy reports whether name is currently selectable.
func (r *Rendezvous) Healthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

func (r *Rendezvous) setHealth(name string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.backends[name]; !known {
		return
	}
	if r.healthy[name] == up {
		return
	}
	r.healthy[name] = up
	r.rebuildLocked()
}

func (r *Rendezvous) rebuildLocked() {
	var names []string
	for name, up := range r.healthy {
		if up {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		r.table = nil
		return
	}
	r.table = rendezvous.New(names, hashString)
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
