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

package runtime

import (
	"testing"

	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/ir"
	"github.com/etalazz/x0d/pkg/flow/parser"
	"github.com/etalazz/x0d/pkg/flow/sema"
	"github.com/etalazz/x0d/pkg/flow/value"
	"github.com/etalazz/x0d/pkg/flow/vm"
)

func TestRegistryDoubleRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r := NewRegistry()
	r.Register(Callback{Name: "deny", IsHandler: true})
	r.Register(Callback{Name: "deny", IsHandler: true})
}

func TestRegistryEndToEnd(t *testing.T) {
	r := NewRegistry()
	var denied bool
	r.Register(Callback{
		Name:      "deny",
		IsHandler: true,
		Attrs:     NoReturn,
		Fn: func(args []value.Value) (value.Value, error) {
			denied = true
			return value.VoidValue(), nil
		},
	})
	r.Register(Callback{
		Name:       "remoteip",
		ReturnType: ast.TypeIP,
		Fn: func(args []value.Value) (value.Value, error) {
			return value.VoidValue(), nil
		},
	})

	src := `
		handler main {
			deny();
		}
	`
	u, rep := parser.Parse("t.flow", []byte(src))
	if rep.Failed() {
		t.Fatalf("parse failed:\n%s", rep.Error())
	}
	checked := sema.Check(u, r.Externs(), rep)
	if rep.Failed() {
		t.Fatalf("check failed:\n%s", rep.Error())
	}
	progs := ir.Generate(checked)

	m := vm.New(r.Linker())
	if _, err := m.Run(progs["main"]); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !denied {
		t.Fatal("expected deny() to run")
	}
}

func TestConstCallback(t *testing.T) {
	cb := Const("answer", ast.TypeNumber, value.NumberValue(42))
	v, err := cb.Fn(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Number() != 42 {
		t.Fatalf("value = %d, want 42", v.Number())
	}
}
