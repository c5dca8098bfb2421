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
	"context"
	"time"

	"go.uber.org/zap"
)

// Producer is the minimal message-bus surface the write-behind backend
// needs; wire a real Kafka producer here to broadcast cache events across a
// fleet.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// LoggingProducer logs instead of publishing, so the kafka backend can be
// selected without a broker. Not for production use.
type LoggingProducer struct{ Log *zap.Logger }

func (l LoggingProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	if l.Log != nil {
		l.Log.Info("kafka-demo PRODUCE",
			zap.String("topic", topic), zap.ByteString("key", key), zap.Int("bytes", len(value)))
	}
	return nil
}

// KafkaBackend publishes store and purge events to a topic (write-behind:
// the local map stays authoritative, peers consume the stream to warm or
// invalidate their own caches). Load always misses, matching the one-way
// nature of a broadcast bus.
type KafkaBackend struct {
	producer Producer
	topic    string
	log      *zap.Logger
	timeout  time.Duration
}

// NewKafkaBackend builds a backend publishing to topic via producer. log
// may be nil.
func NewKafkaBackend(producer Producer, topic string, log *zap.Logger) *KafkaBackend {
	if topic == "" {
		topic = "x0d-cache-events"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaBackend{producer: producer, topic: topic, log: log, timeout: 250 * time.Millisecond}
}

func (b *KafkaBackend) Store(key string, e *Entry, ttl time.Duration) {
	data, err := encodeVariant(e)
	if err != nil {
		b.log.Warn("cache kafka encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.producer.Produce(ctx, b.topic, []byte("store:"+key), data); err != nil {
		b.log.Warn("cache kafka publish failed", zap.String("key", key), zap.Error(err))
	}
}

func (b *KafkaBackend) Load(key string) (*StoredVariant, bool) { return nil, false }

func (b *KafkaBackend) Purge(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.producer.Produce(ctx, b.topic, []byte("purge:"+key), nil); err != nil {
		b.log.Warn("cache kafka publish failed", zap.String("key", key), zap.Error(err))
	}
}
