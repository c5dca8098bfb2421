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

package vm_test

import (
	"net"
	"testing"

	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/ir"
	"github.com/etalazz/x0d/pkg/flow/parser"
	"github.com/etalazz/x0d/pkg/flow/sema"
	"github.com/etalazz/x0d/pkg/flow/value"
	"github.com/etalazz/x0d/pkg/flow/vm"
)

func compile(t *testing.T, src string, externs []*ast.ExternDecl) map[string]*ir.Program {
	t.Helper()
	u, rep := parser.Parse("t.flow", []byte(src))
	if rep.Failed() {
		t.Fatalf("parse failed:\n%s", rep.Error())
	}
	checked := sema.Check(u, externs, rep)
	if rep.Failed() {
		t.Fatalf("check failed:\n%s", rep.Error())
	}
	return ir.Generate(checked)
}

func TestVMRunsArithmeticAndIf(t *testing.T) {
	var decided string
	externs := []*ast.ExternDecl{
		{Name: "allow", IsHandler: true},
		{Name: "deny", IsHandler: true},
	}
	progs := compile(t, `
		var limit = 10;
		handler main {
			var n = limit + 5;
			if n > 12 then {
				deny();
			} else {
				allow();
			}
		}
	`, externs)

	linker := vm.MapLinker{
		"allow": func(args []value.Value) (value.Value, error) {
			decided = "allow"
			return value.VoidValue(), nil
		},
		"deny": func(args []value.Value) (value.Value, error) {
			decided = "deny"
			return value.VoidValue(), nil
		},
	}
	m := vm.New(linker)
	if _, err := m.Run(progs["main"]); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if decided != "deny" {
		t.Fatalf("decided = %q, want deny (15 > 12)", decided)
	}
}

func TestVMMatchStmt(t *testing.T) {
	var logged []string
	externs := []*ast.ExternDecl{
		{Name: "method", ReturnType: ast.TypeString},
		{Name: "log", IsHandler: true, Params: []ast.Param{{Name: "msg", Type: ast.TypeString}}},
	}
	progs := compile(t, `
		handler main {
			match method() {
				on "GET" { log("got get"); }
				on "POST" { log("got post"); }
				else { log("other"); }
			}
		}
	`, externs)

	linker := vm.MapLinker{
		"method": func(args []value.Value) (value.Value, error) {
			return value.StringValue("POST"), nil
		},
		"log": func(args []value.Value) (value.Value, error) {
			logged = append(logged, args[0].String())
			return value.VoidValue(), nil
		},
	}
	m := vm.New(linker)
	if _, err := m.Run(progs["main"]); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(logged) != 1 || logged[0] != "got post" {
		t.Fatalf("logged = %v", logged)
	}
	// One match statement lowers to one dispatch table, not a compare
	// chain.
	if len(progs["main"].Matches) != 1 {
		t.Fatalf("match tables = %d, want 1", len(progs["main"].Matches))
	}
	if n := len(progs["main"].Matches[0].Cases); n != 2 {
		t.Fatalf("table cases = %d, want 2", n)
	}
}

func TestVMMatchHeadDispatch(t *testing.T) {
	var logged []string
	externs := []*ast.ExternDecl{
		{Name: "path", ReturnType: ast.TypeString},
		{Name: "log", IsHandler: true, Params: []ast.Param{{Name: "msg", Type: ast.TypeString}}},
	}
	progs := compile(t, `
		handler main {
			match path() {
				on "/api/" { log("api"); }
				else { log("default"); }
			}
		}
	`, externs)

	linker := vm.MapLinker{
		"path": func(args []value.Value) (value.Value, error) {
			return value.StringValue("/api/v1/x"), nil
		},
		"log": func(args []value.Value) (value.Value, error) {
			logged = append(logged, args[0].String())
			return value.VoidValue(), nil
		},
	}
	m := vm.New(linker)
	if _, err := m.Run(progs["main"]); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(logged) != 1 || logged[0] != "api" {
		t.Fatalf("logged = %v, want [api]", logged)
	}
}

func TestVMMatchRegexDispatch(t *testing.T) {
	var logged []string
	externs := []*ast.ExternDecl{
		{Name: "path", ReturnType: ast.TypeString},
		{Name: "log", IsHandler: true, Params: []ast.Param{{Name: "msg", Type: ast.TypeString}}},
	}
	progs := compile(t, `
		handler main {
			match path() {
				on /^[0-9]+$/ { log("digits"); }
				else { log("other"); }
			}
		}
	`, externs)

	linker := vm.MapLinker{
		"path": func(args []value.Value) (value.Value, error) {
			return value.StringValue("12345"), nil
		},
		"log": func(args []value.Value) (value.Value, error) {
			logged = append(logged, args[0].String())
			return value.VoidValue(), nil
		},
	}
	m := vm.New(linker)
	if _, err := m.Run(progs["main"]); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(logged) != 1 || logged[0] != "digits" {
		t.Fatalf("logged = %v, want [digits]", logged)
	}
}

func TestVMShortCircuitAndSkipsSecondCall(t *testing.T) {
	calls := 0
	externs := []*ast.ExternDecl{
		{Name: "sideEffect", ReturnType: ast.TypeBool},
		{Name: "deny", IsHandler: true},
	}
	progs := compile(t, `
		handler main {
			if false and sideEffect() then {
				deny();
			}
		}
	`, externs)
	linker := vm.MapLinker{
		"sideEffect": func(args []value.Value) (value.Value, error) {
			calls++
			return value.BoolValue(true), nil
		},
		"deny": func(args []value.Value) (value.Value, error) {
			return value.VoidValue(), nil
		},
	}
	m := vm.New(linker)
	if _, err := m.Run(progs["main"]); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("sideEffect called %d times, want 0 (short-circuited)", calls)
	}
}

func TestVMCidrMembership(t *testing.T) {
	var result bool
	externs := []*ast.ExternDecl{
		{Name: "remoteip", ReturnType: ast.TypeIP},
		{Name: "record", IsHandler: true, Params: []ast.Param{{Name: "v", Type: ast.TypeBool}}},
	}
	progs := compile(t, `
		handler main {
			record(remoteip() in 10.0.0.0/8);
		}
	`, externs)
	linker := vm.MapLinker{
		"remoteip": func(args []value.Value) (value.Value, error) {
			return value.IPValue(net.ParseIP("10.1.2.3")), nil
		},
		"record": func(args []value.Value) (value.Value, error) {
			result = args[0].Truthy()
			return value.VoidValue(), nil
		},
	}
	m := vm.New(linker)
	if _, err := m.Run(progs["main"]); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !result {
		t.Fatal("expected 10.1.2.3 in 10.0.0.0/8")
	}
}

func TestVMHandlerCallShortCircuitsOnTrue(t *testing.T) {
	var trail []string
	externs := []*ast.ExternDecl{
		{Name: "serve", IsHandler: true},
		{Name: "fallback", IsHandler: true},
	}
	progs := compile(t, `
		handler main {
			serve();
			fallback();
		}
	`, externs)
	linker := vm.MapLinker{
		"serve": func(args []value.Value) (value.Value, error) {
			trail = append(trail, "serve")
			return value.BoolValue(true), nil
		},
		"fallback": func(args []value.Value) (value.Value, error) {
			trail = append(trail, "fallback")
			return value.VoidValue(), nil
		},
	}
	m := vm.New(linker)
	handled, err := m.Run(progs["main"])
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !handled {
		t.Fatal("expected the handled verdict to be true")
	}
	if len(trail) != 1 || trail[0] != "serve" {
		t.Fatalf("trail = %v, want only [serve] (fallback must not run)", trail)
	}
}

func TestVMReturnStmtExitsWithHandledVerdict(t *testing.T) {
	progs := compile(t, `
		handler main {
			if true then {
				return;
			}
		}
	`, nil)
	m := vm.New(vm.MapLinker{})
	handled, err := m.Run(progs["main"])
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !handled {
		t.Fatal("expected return; to exit with handled=true")
	}
}

func TestVMFallsThroughReturnsUnhandled(t *testing.T) {
	progs := compile(t, `
		handler main {
			var x = 1;
		}
	`, nil)
	m := vm.New(vm.MapLinker{})
	handled, err := m.Run(progs["main"])
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if handled {
		t.Fatal("expected falling off the end to be unhandled")
	}
}

func TestVMMissingLinkTrapsAtRuntime(t *testing.T) {
	// sema requires a matching extern declaration to type-check a call, so
	// this exercises the case where the declared extern has no native
	// callback wired into the Linker at execution time.
	externs := []*ast.ExternDecl{
		{Name: "unlinked", IsHandler: true},
	}
	progs := compile(t, `
		handler main {
			unlinked();
		}
	`, externs)
	m := vm.New(vm.MapLinker{})
	if _, err := m.Run(progs["main"]); err == nil {
		t.Fatal("expected a runtime trap for an unresolved extern")
	}
}
