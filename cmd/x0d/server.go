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

package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/etalazz/x0d/internal/x0d/cache"
	"github.com/etalazz/x0d/internal/x0d/config"
	"github.com/etalazz/x0d/internal/x0d/http1"
	"github.com/etalazz/x0d/internal/x0d/httpd"
	"github.com/etalazz/x0d/internal/x0d/metrics"
	"github.com/etalazz/x0d/internal/x0d/netio"
	"github.com/etalazz/x0d/internal/x0d/netutil"
	"github.com/etalazz/x0d/internal/x0d/sched"
	"github.com/etalazz/x0d/internal/x0d/static"
	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/ir"
	"github.com/etalazz/x0d/pkg/flow/parser"
	"github.com/etalazz/x0d/pkg/flow/runtime"
	"github.com/etalazz/x0d/pkg/flow/sema"
	"github.com/etalazz/x0d/pkg/flow/value"
	"github.com/etalazz/x0d/pkg/flow/vm"
)

// defaultFlowSource is compiled when no --flow-file is given: health check,
// static files for everything else.
const defaultFlowSource = `
handler main {
	if path() == "/healthz" then {
		status(200);
		write("ok\n");
		return;
	}
	serve();
}
`

// server owns the compiled Flow program, the worker loops with their VMs,
// the response cache, and the listener.
type server struct {
	cfg     config.Config
	log     *zap.Logger
	program *ir.Program
	cache   *cache.Cache
	static  *static.Handler
	pool    *sched.Pool
	workers map[*sched.Loop]*worker

	listener *netio.Listener
}

// worker is the per-loop execution state: one VM and the channel currently
// being handled. Each loop is single-threaded, so cur needs no lock.
type worker struct {
	vm  *vm.VM
	cur *httpd.Channel
}

func newServer(cfg config.Config, log *zap.Logger) (*server, error) {
	s := &server{
		cfg:    cfg,
		log:    log,
		static: static.New(cfg.DocumentRoot),
	}

	backend, err := cache.BuildBackend(cfg.CacheBackend, cache.BackendOptions{
		RedisAddr: cfg.RedisAddr,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache.New(cache.Options{
		TTL:       cfg.CacheTTL,
		ShadowTTL: cfg.CacheShadowTTL,
		Backend:   backend,
	})

	pool, err := sched.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	// One registry/VM pair per loop: the builtins close over that loop's
	// current channel, and loops handle requests concurrently.
	s.workers = make(map[*sched.Loop]*worker, cfg.Workers)
	var externs []*ast.ExternDecl
	for _, loop := range pool.Loops() {
		w := &worker{}
		reg := s.buildRegistry(func() *httpd.Channel { return w.cur })
		w.vm = vm.New(reg.Linker())
		s.workers[loop] = w
		if externs == nil {
			externs = reg.Externs()
		}
	}

	program, err := s.compileFlow(externs)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.program = program
	return s, nil
}

// compileFlow runs the full pipeline over the configured source: parse,
// check against the registered externs, lower, and pick out main.
func (s *server) compileFlow(externs []*ast.ExternDecl) (*ir.Program, error) {
	src := []byte(defaultFlowSource)
	file := "<builtin>"
	if s.cfg.FlowFile != "" {
		data, err := os.ReadFile(s.cfg.FlowFile)
		if err != nil {
			return nil, fmt.Errorf("flow: %w", err)
		}
		src, file = data, s.cfg.FlowFile
	}

	unit, report := parser.Parse(file, src)
	checked := sema.Check(unit, externs, report)
	if report.Failed() {
		for _, d := range report.Items() {
			s.log.Error("flow diagnostic", zap.String("diag", d.String()))
		}
		return nil, fmt.Errorf("flow: compilation of %s failed", file)
	}
	for _, d := range report.Items() {
		s.log.Warn("flow diagnostic", zap.String("diag", d.String()))
	}

	programs := ir.Generate(checked)
	main, ok := programs["main"]
	if !ok {
		return nil, fmt.Errorf("flow: %s defines no 'main' handler", file)
	}
	return main, nil
}

// buildRegistry registers every builtin a Flow handler can call. current
// yields the channel whose request is being handled on this worker's loop.
func (s *server) buildRegistry(current func() *httpd.Channel) *runtime.Registry {
	reg := runtime.NewRegistry()
	httpd.RegisterRequestBuiltins(reg, current)

	reg.Register(runtime.Callback{
		Name: "serve", IsHandler: true,
		Fn: func(args []value.Value) (value.Value, error) {
			s.serveStatic(current())
			return value.BoolValue(true), nil
		},
	})
	reg.Register(runtime.Callback{
		Name: "log",
		Params:     []ast.Param{{Name: "message", Type: ast.TypeString}},
		ReturnType: ast.TypeVoid,
		Fn: func(args []value.Value) (value.Value, error) {
			s.log.Info("flow", zap.String("message", args[0].String()))
			return value.VoidValue(), nil
		},
	})
	reg.Register(runtime.Callback{
		Name: "cache.purge",
		Params:     []ast.Param{{Name: "key", Type: ast.TypeString}},
		ReturnType: ast.TypeBool,
		Fn: func(args []value.Value) (value.Value, error) {
			return value.BoolValue(s.cache.Purge(args[0].String())), nil
		},
	})
	reg.Register(runtime.Callback{
		Name: "cache.expireall",
		ReturnType: ast.TypeVoid,
		Fn: func(args []value.Value) (value.Value, error) {
			s.cache.ExpireAll()
			return value.VoidValue(), nil
		},
	})
	return reg
}

// serveStatic answers the current request from the document root,
// translating a static.Result into channel calls.
func (s *server) serveStatic(ch *httpd.Channel) {
	req := ch.Request()
	res := s.static.Serve(static.Request{
		Method:            req.Method,
		Path:              req.Path,
		IfNoneMatch:       req.Header("If-None-Match"),
		IfModifiedSince:   req.Header("If-Modified-Since"),
		IfMatch:           req.Header("If-Match"),
		IfUnmodifiedSince: req.Header("If-Unmodified-Since"),
		IfRange:           req.Header("If-Range"),
		RangeHeader:       req.Header("Range"),
	})
	defer res.Close()

	ch.Status(res.Status)
	for _, h := range res.Headers {
		ch.SetHeader(h.Name, h.Value)
	}
	switch {
	case res.File != nil:
		ch.DeclareLength(res.Length)
		body, err := readRegion(res.File, res.Offset, res.Length)
		if err != nil {
			ch.Status(500)
			return
		}
		ch.Write(body)
	case len(res.Body) > 0:
		ch.DeclareLength(int64(len(res.Body)))
		ch.Write(res.Body)
	default:
		ch.DeclareLength(0)
		ch.Write(nil)
	}
}

func readRegion(f *os.File, offset, length int64) ([]byte, error) {
	return io.ReadAll(io.NewSectionReader(f, offset, length))
}

// Start binds the listener; worker loops are already running.
func (s *server) Start() error {
	opts := netutil.DefaultListenOptions()
	opts.DeferAccept = true
	opts.QuickAck = true

	loops := s.pool.Loops()
	acceptLoop := loops[0]

	listener, err := netio.Listen(netio.ListenerConfig{
		Address: s.cfg.ListenAddr,
		Opts:    opts,
	}, acceptLoop, func(remote net.Addr) *sched.Loop {
		if remote == nil {
			return acceptLoop
		}
		return s.pool.Pick(remote.String())
	}, s.newConnection)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

func (s *server) Addr() net.Addr { return s.listener.Addr() }

// newConnection is the protocol factory handed to the listener: it builds
// the HTTP channel for an accepted endpoint, routed to the VM of whichever
// loop owns it.
func (s *server) newConnection(ep *netio.Endpoint) netio.Connection {
	metrics.ObserveAccept()
	w := s.workers[ep.Loop()]
	return httpd.NewChannel(ep, httpd.Options{
		ServerHeader:     "x0d",
		KeepAliveTimeout: s.cfg.KeepAliveTimeout,
		ReadTimeout:      s.cfg.ReadTimeout,
		BytesOut:         metrics.AddBytesTransmitted,
	}, func(ch *httpd.Channel) bool {
		return s.handle(w, ch)
	})
}

// handle runs one request: cache front, Flow program, cache fill, metrics.
func (s *server) handle(w *worker, ch *httpd.Channel) bool {
	start := time.Now()
	req := ch.Request()

	cacheable := s.cfg.CacheEnabled && req.Method == "GET" && req.Header("Authorization") == ""
	key := req.Method + ":" + req.Host + ":" + req.URI
	hdr := func(name string) string { return req.Header(name) }

	var entry *cache.Entry
	updating := false
	if cacheable {
		if e := s.cache.Find(key, hdr); e != nil {
			if e.State() == cache.Stale {
				metrics.ObserveCache(metrics.CacheStale)
			} else {
				metrics.ObserveCache(metrics.CacheHit)
			}
			s.deliverCached(ch, e)
			metrics.ObserveRequest(e.Status, time.Since(start))
			return true
		}
		metrics.ObserveCache(metrics.CacheMiss)
		entry, updating = s.cache.Acquire(key, hdr)
		if !updating {
			s.deliverCached(ch, entry)
			metrics.ObserveRequest(entry.Status, time.Since(start))
			return true
		}
	}

	handled := s.runFlow(w, ch)

	status := ch.ResponseStatus()
	if !handled && status == 0 {
		status = 404
	}
	if updating {
		if handled && status == 200 {
			s.cache.Complete(entry, status, cacheHeaders(ch.ResponseHeaders()), ch.BufferedBody(), hdr)
		} else {
			s.cache.Abandon(entry)
		}
	}
	metrics.ObserveRequest(status, time.Since(start))
	return handled
}

// runFlow executes the compiled program on w's VM against ch, mapping any
// runtime trap to a 500.
func (s *server) runFlow(w *worker, ch *httpd.Channel) bool {
	w.cur = ch
	defer func() { w.cur = nil }()

	handled, err := w.vm.Run(s.program)
	if err != nil {
		metrics.ObserveTrap()
		s.log.Error("flow trap", zap.Error(err), zap.String("path", ch.Request().Path))
		ch.Status(500)
		ch.Write([]byte("internal server error\n"))
		return true
	}
	return handled
}

func (s *server) deliverCached(ch *httpd.Channel, e *cache.Entry) {
	ch.Status(e.Status)
	for _, h := range e.Headers {
		ch.SetHeader(h.Name, h.Value)
	}
	ch.SetHeader("Age", fmt.Sprintf("%d", int(e.Age().Seconds())))
	ch.DeclareLength(int64(len(e.Body)))
	ch.Write(e.Body)
}

// cacheHeaders strips the per-connection and per-response headers the
// commit pass added, so replays regenerate them fresh.
func cacheHeaders(headers []http1.HeaderField) []http1.HeaderField {
	out := make([]http1.HeaderField, 0, len(headers))
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Name, "Date"),
			strings.EqualFold(h.Name, "Server"),
			strings.EqualFold(h.Name, "Connection"),
			strings.EqualFold(h.Name, "Keep-Alive"):
			continue
		}
		out = append(out, h)
	}
	return out
}

// Close stops accepting, then tears down the worker loops.
func (s *server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.pool.Close()
}
