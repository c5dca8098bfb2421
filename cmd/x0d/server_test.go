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
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/etalazz/x0d/internal/x0d/config"
	"github.com/etalazz/x0d/internal/x0d/http1"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Workers = 1
	cfg.CacheEnabled = false
	return cfg
}

func TestNewServerCompilesDefaultFlow(t *testing.T) {
	s, err := newServer(testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer s.Close()
	if s.program == nil {
		t.Fatal("no program compiled")
	}
	if s.program.Name != "main" {
		t.Fatalf("program name = %q, want main", s.program.Name)
	}
}

func TestNewServerCompilesFlowFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "main.flow")
	src := `
		handler main {
			match path() {
				on "/api/" { status(200); write("api\n"); return; }
				else { serve(); }
			}
		}
	`
	if err := os.WriteFile(file, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.FlowFile = file
	s, err := newServer(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer s.Close()
}

func TestNewServerRejectsBadFlow(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.flow")
	if err := os.WriteFile(file, []byte(`handler main { nosuchbuiltin(); }`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.FlowFile = file
	if _, err := newServer(cfg, zap.NewNop()); err == nil {
		t.Fatal("compilation of unknown builtin should fail startup")
	}
}

func TestNewServerRejectsMissingMain(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nomain.flow")
	if err := os.WriteFile(file, []byte(`handler other { serve(); }`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.FlowFile = file
	if _, err := newServer(cfg, zap.NewNop()); err == nil {
		t.Fatal("missing main handler should fail startup")
	}
}

func TestCacheHeadersStripsConnectionScoped(t *testing.T) {
	in := []http1.HeaderField{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Date", Value: "x"},
		{Name: "Server", Value: "x0d"},
		{Name: "Connection", Value: "Keep-Alive"},
		{Name: "keep-alive", Value: "timeout=5"},
		{Name: "ETag", Value: `"abc"`},
	}
	out := cacheHeaders(in)
	if len(out) != 2 {
		t.Fatalf("kept %d headers, want 2: %+v", len(out), out)
	}
	if out[0].Name != "Content-Type" || out[1].Name != "ETag" {
		t.Fatalf("kept wrong headers: %+v", out)
	}
}
