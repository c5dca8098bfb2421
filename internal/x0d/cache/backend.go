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
	"encoding/json"
	"time"

	"github.com/etalazz/x0d/internal/x0d/http1"
)

// Backend receives write-through copies of completed variants and purge
// notifications, letting a fleet of x0d processes share one warm store.
// Implementations must tolerate being called from request-handling paths:
// failures are logged by the implementation and never surfaced to the
// request.
type Backend interface {
	Store(key string, e *Entry, ttl time.Duration)
	Load(key string) (*StoredVariant, bool)
	Purge(key string)
}

// StoredVariant is the wire shape a Backend persists per variant. It
// carries everything needed to rebuild a deliverable Entry in another
// process.
type StoredVariant struct {
	Status     int                 `json:"status"`
	Headers    []http1.HeaderField `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	VaryValues []http1.HeaderField `json:"vary_values,omitempty"`
	Ctime      time.Time           `json:"ctime"`
}

func encodeVariant(e *Entry) ([]byte, error) {
	return json.Marshal(StoredVariant{
		Status:     e.Status,
		Headers:    e.Headers,
		Body:       e.Body,
		VaryValues: e.VaryValues,
		Ctime:      e.ctime,
	})
}

func decodeVariant(data []byte) (*StoredVariant, error) {
	var v StoredVariant
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
