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

package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{99, "other"},
		{0, "other"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.status); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestBytesTransmittedAccumulates(t *testing.T) {
	before := BytesTransmitted()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				AddBytesTransmitted(3)
			}
		}()
	}
	wg.Wait()

	if got := BytesTransmitted() - before; got != 8*1000*3 {
		t.Fatalf("accumulated %d bytes, want %d", got, 8*1000*3)
	}

	// Non-positive deltas are ignored rather than corrupting the total.
	AddBytesTransmitted(0)
	AddBytesTransmitted(-5)
	if got := BytesTransmitted() - before; got != 8*1000*3 {
		t.Fatalf("total moved on non-positive delta: %d", got)
	}
}

func TestObserversDoNotPanic(t *testing.T) {
	ObserveRequest(200, 3*time.Millisecond)
	ObserveRequest(1000, 0)
	ObserveTrap()
	ObserveCache(CacheHit)
	ObserveCache(CacheStale)
	ObserveCache(CacheMiss)
	ObserveAccept()
}
