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
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// BackendOptions carries the configuration knobs the backend adapters need.
type BackendOptions struct {
	RedisAddr  string // empty selects the logging demo client
	KafkaTopic string
	Log        *zap.Logger
}

// BuildBackend constructs a Backend from a string selector. Supported:
//   - "", "memory": no backend; the in-process map is the whole store
//   - "redis": write-through to Redis, using a real client when RedisAddr
//     is set and a logging client otherwise
//   - "kafka": write-behind event broadcast using a logging producer
//   - "postgres": not wired (returns an error rather than hiding a nil DB)
func BuildBackend(selector string, opts BackendOptions) (Backend, error) {
	switch selector {
	case "", "memory":
		return nil, nil
	case "redis":
		var client RedisClient
		if opts.RedisAddr != "" {
			client = NewGoRedisClient(opts.RedisAddr)
		} else {
			client = LoggingRedisClient{Log: opts.Log}
		}
		return NewRedisBackend(client, opts.Log), nil
	case "kafka":
		return NewKafkaBackend(LoggingProducer{Log: opts.Log}, opts.KafkaTopic, opts.Log), nil
	case "postgres":
		return nil, errors.New("postgres cache backend is not enabled in this build; wire a real *sql.DB and create tables")
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", selector)
	}
}
