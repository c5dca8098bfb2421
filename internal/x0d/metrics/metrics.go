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

// Package metrics exposes the server's Prometheus instrumentation: request
// counts and latencies, VM traps, cache outcomes, and transmitted bytes.
// All observation functions are safe from hot paths; the byte counter is
// striped so concurrent worker loops don't contend on one cache line.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etalazz/x0d/internal/x0d/xatomic"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x0d_http_requests_total",
		Help: "Total HTTP requests served, by status class (2xx/3xx/4xx/5xx)",
	}, []string{"class"})
	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "x0d_http_request_duration_seconds",
		Help:    "Wall time spent in the request handler (cache lookup and Flow program), excluding the send",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
	vmTrapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "x0d_vm_traps_total",
		Help: "Flow VM runtime traps (division by zero, stack faults) mapped to 500s",
	})
	cacheOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x0d_cache_outcomes_total",
		Help: "Response cache lookups by outcome (hit/stale/miss)",
	}, []string{"outcome"})
	connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "x0d_connections_accepted_total",
		Help: "TCP connections accepted by the listener",
	})

	// bytesTransmitted is written on every response flush, potentially from
	// every worker loop at once, so it accumulates in stripes and is read
	// by Prometheus through a CounterFunc at scrape time.
	bytesTransmitted = xatomic.NewStriped64(0)

	bytesTransmittedTotal = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "x0d_bytes_transmitted_total",
		Help: "Response bytes handed to the transport",
	}, func() float64 { return float64(bytesTransmitted.Sum()) })
)

func init() {
	prometheus.MustRegister(
		requestsTotal, requestDuration, vmTrapsTotal,
		cacheOutcomes, connectionsAccepted, bytesTransmittedTotal,
	)
}

// ObserveRequest records one completed request.
func ObserveRequest(status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(statusClass(status)).Inc()
	requestDuration.Observe(elapsed.Seconds())
}

// ObserveTrap records one Flow VM runtime trap.
func ObserveTrap() { vmTrapsTotal.Inc() }

// Cache lookup outcomes.
const (
	CacheHit   = "hit"
	CacheStale = "stale"
	CacheMiss  = "miss"
)

// ObserveCache records one response-cache lookup outcome.
func ObserveCache(outcome string) { cacheOutcomes.WithLabelValues(outcome).Inc() }

// ObserveAccept records one accepted connection.
func ObserveAccept() { connectionsAccepted.Inc() }

// AddBytesTransmitted accumulates response bytes written to the transport.
func AddBytesTransmitted(n int) {
	if n > 0 {
		bytesTransmitted.Add(int64(n))
	}
}

// BytesTransmitted returns the running total, for tests and the status
// page.
func BytesTransmitted() int64 { return bytesTransmitted.Sum() }

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Serve exposes /metrics on addr in a background goroutine, in the same
// fire-and-forget shape the rest of the server uses for auxiliary
// endpoints. Startup errors surface on the returned server's ListenAndServe
// only; callers who care should run their own http.Server.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
