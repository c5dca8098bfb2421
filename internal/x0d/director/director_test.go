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

package director

import (
	"fmt"
	"testing"
)

func threeBackends() []Backend {
	return []Backend{
		{Name: "a", Addr: "10.0.0.1:8080"},
		{Name: "b", Addr: "10.0.0.2:8080"},
		{Name: "c", Addr: "10.0.0.3:8080"},
	}
}

func TestPickIsSticky(t *testing.T) {
	r, err := NewRendezvous(threeBackends())
	if err != nil {
		t.Fatal(err)
	}
	first, ok := r.Pick("client-1")
	if !ok {
		t.Fatalf("Pick returned no backend")
	}
	for i := 0; i < 100; i++ {
		got, _ := r.Pick("client-1")
		if got.Name != first.Name {
			t.Fatalf("pick %d moved from %s to %s without membership change", i, first.Name, got.Name)
		}
	}
}

func TestMarkDownOnlyRemapsAffectedKeys(t *testing.T) {
	r, err := NewRendezvous(threeBackends())
	if err != nil {
		t.Fatal(err)
	}

	keys := make([]string, 200)
	before := make(map[string]string, len(keys))
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		b, _ := r.Pick(keys[i])
		before[keys[i]] = b.Name
	}

	r.MarkDown("b")
	for _, k := range keys {
		got, ok := r.Pick(k)
		if !ok {
			t.Fatalf("no backend for %s after MarkDown", k)
		}
		if got.Name == "b" {
			t.Fatalf("key %s still mapped to downed backend", k)
		}
		if before[k] != "b" && got.Name != before[k] {
			t.Fatalf("key %s moved from %s to %s though its backend stayed up", k, before[k], got.Name)
		}
	}

	r.MarkUp("b")
	for _, k := range keys {
		got, _ := r.Pick(k)
		if got.Name != before[k] {
			t.Fatalf("key %s did not return to %s after MarkUp", k, before[k])
		}
	}
}

func TestAllDown(t *testing.T) {
	r, err := NewRendezvous(threeBackends())
	if err != nil {
		t.Fatal(err)
	}
	r.MarkDown("a")
	r.MarkDown("b")
	r.MarkDown("c")
	if _, ok := r.Pick("k"); ok {
		t.Fatalf("Pick succeeded with all backends down")
	}
	if r.Healthy("a") {
		t.Fatalf("a still reported healthy")
	}
}

func TestConstructorRejectsBadInput(t *testing.T) {
	if _, err := NewRendezvous(nil); err == nil {
		t.Fatalf("empty backend list accepted")
	}
	dup := []Backend{{Name: "a"}, {Name: "a"}}
	if _, err := NewRendezvous(dup); err == nil {
		t.Fatalf("duplicate backend name accepted")
	}
}
