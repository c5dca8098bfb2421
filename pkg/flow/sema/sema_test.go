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

package sema

import (
	"testing"

	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/diag"
	"github.com/etalazz/x0d/pkg/flow/parser"
)

func mustParse(t *testing.T, src string) *ast.Unit {
	t.Helper()
	u, rep := parser.Parse("t.flow", []byte(src))
	if rep.Failed() {
		t.Fatalf("parse failed:\n%s", rep.Error())
	}
	return u
}

func TestCheckSimpleHandlerOK(t *testing.T) {
	u := mustParse(t, `
		var limit = 10;
		handler main {
			var n = limit + 1;
			if n == 11 then {
				pass();
			}
		}
	`)
	externs := []*ast.ExternDecl{
		{Name: "pass", IsHandler: true},
	}
	rep := &diag.Report{}
	Check(u, externs, rep)
	if rep.Failed() {
		t.Fatalf("unexpected failure:\n%s", rep.Error())
	}
}

func TestCheckUndeclaredIdentifier(t *testing.T) {
	u := mustParse(t, `
		handler main {
			if missing == 1 then { }
		}
	`)
	rep := &diag.Report{}
	Check(u, nil, rep)
	if !rep.Failed() {
		t.Fatal("expected failure for undeclared identifier")
	}
}

func TestCheckUnknownCallIsLinkError(t *testing.T) {
	u := mustParse(t, `
		handler main {
			undefined_fn();
		}
	`)
	rep := &diag.Report{}
	Check(u, nil, rep)
	if !rep.Failed() {
		t.Fatal("expected link error for unresolved call")
	}
	found := false
	for _, d := range rep.Items() {
		if d.Severity == diag.LinkError {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a LinkError diagnostic")
	}
}

func TestCheckArgBinding(t *testing.T) {
	u := mustParse(t, `
		handler main {
			header.add(name: "X", value: "1");
		}
	`)
	externs := []*ast.ExternDecl{
		{
			Name:      "header.add",
			IsHandler: true,
			Params: []ast.Param{
				{Name: "name", Type: ast.TypeString},
				{Name: "value", Type: ast.TypeString},
			},
		},
	}
	rep := &diag.Report{}
	Check(u, externs, rep)
	if rep.Failed() {
		t.Fatalf("unexpected failure:\n%s", rep.Error())
	}
}

func TestCheckMissingRequiredParam(t *testing.T) {
	u := mustParse(t, `
		handler main {
			header.add(name: "X");
		}
	`)
	externs := []*ast.ExternDecl{
		{
			Name:      "header.add",
			IsHandler: true,
			Params: []ast.Param{
				{Name: "name", Type: ast.TypeString},
				{Name: "value", Type: ast.TypeString},
			},
		},
	}
	rep := &diag.Report{}
	Check(u, externs, rep)
	if !rep.Failed() {
		t.Fatal("expected failure for missing required parameter")
	}
}

func TestCheckInCidr(t *testing.T) {
	u := mustParse(t, `
		handler main {
			if remoteip in 10.0.0.0/8 then { pass(); }
		}
	`)
	externs := []*ast.ExternDecl{
		{Name: "remoteip", ReturnType: ast.TypeIP},
		{Name: "pass", IsHandler: true},
	}
	rep := &diag.Report{}
	Check(u, externs, rep)
	if rep.Failed() {
		t.Fatalf("unexpected failure:\n%s", rep.Error())
	}
}

func TestCheckMatchLabelAgreesWithOp(t *testing.T) {
	externs := []*ast.ExternDecl{
		{Name: "path", ReturnType: ast.TypeString},
		{Name: "pass", IsHandler: true},
	}

	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{
			name: "string labels under equality",
			src: `handler main {
				match path() { on "GET" { pass(); } else { pass(); } }
			}`,
		},
		{
			name: "regex labels under regex matching",
			src: `handler main {
				match path() { on /^[a-z]+$/ { pass(); } }
			}`,
		},
		{
			name: "regex label mixed into string arms",
			src: `handler main {
				match path() { on "/a/" { pass(); } on /x/ { pass(); } }
			}`,
			wantErr: true,
		},
		{
			name: "number label",
			src: `handler main {
				match path() { on 5 { pass(); } }
			}`,
			wantErr: true,
		},
		{
			name: "non-string subject",
			src: `handler main {
				match 42 { on "x" { pass(); } }
			}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := mustParse(t, tt.src)
			rep := &diag.Report{}
			Check(u, externs, rep)
			if tt.wantErr && !rep.Failed() {
				t.Fatal("expected a TypeError diagnostic")
			}
			if !tt.wantErr && rep.Failed() {
				t.Fatalf("unexpected failure:\n%s", rep.Error())
			}
		})
	}
}
