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

package parser

import (
	"testing"

	"github.com/etalazz/x0d/pkg/flow/ast"
)

func parseOK(t *testing.T, src string) *ast.Unit {
	t.Helper()
	u, rep := Parse("t.flow", []byte(src))
	if rep.Failed() {
		t.Fatalf("unexpected parse failure:\n%s", rep.Error())
	}
	return u
}

func TestParseHandlerWithIf(t *testing.T) {
	u := parseOK(t, `
		handler main {
			if req.path =^ "/admin" then {
				deny;
			} else {
				pass;
			}
		}
	`)
	if len(u.Handlers) != 1 {
		t.Fatalf("handlers = %d, want 1", len(u.Handlers))
	}
	h := u.Handlers[0]
	if h.Name != "main" {
		t.Fatalf("handler name = %q", h.Name)
	}
	if len(h.Body.Stmts) != 1 {
		t.Fatalf("body stmts = %d, want 1", len(h.Body.Stmts))
	}
	ifs, ok := h.Body.Stmts[0].(*ast.IfStmt)
	if !ok {
		t.Fatalf("stmt type = %T, want *ast.IfStmt", h.Body.Stmts[0])
	}
	cond, ok := ifs.Cond.(*ast.BinaryExpr)
	if !ok || cond.Op != "=^" {
		t.Fatalf("cond = %#v", ifs.Cond)
	}
	if ifs.Else == nil {
		t.Fatal("expected else block")
	}
}

func TestParseMatchStmt(t *testing.T) {
	u := parseOK(t, `
		handler main {
			match req.method {
				on "GET" { pass; }
				on "POST" { pass; }
				else { deny; }
			}
		}
	`)
	m, ok := u.Handlers[0].Body.Stmts[0].(*ast.MatchStmt)
	if !ok {
		t.Fatalf("stmt type = %T, want *ast.MatchStmt", u.Handlers[0].Body.Stmts[0])
	}
	if len(m.Cases) != 2 {
		t.Fatalf("cases = %d, want 2", len(m.Cases))
	}
	if m.Op != "==" {
		t.Fatalf("op = %q, want ==", m.Op)
	}
	if m.Else == nil {
		t.Fatal("expected else block")
	}
}

func TestParseMatchOpInference(t *testing.T) {
	tests := []struct {
		name   string
		labels string
		want   string
	}{
		{"equality", `on "GET" { pass; } on "POST" { pass; }`, "=="},
		{"head from trailing slash", `on "/api/" { pass; } on "/static/" { pass; }`, "=^"},
		{"tail from leading dot", `on ".html" { pass; } on ".css" { pass; }`, "=$"},
		{"regex labels", `on /^[a-z]+$/ { pass; }`, "=~"},
		{"mixed prefixes fall back to equality", `on "/api/" { pass; } on "/x" { pass; }`, "=="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := parseOK(t, `
				handler main {
					match req.path {
						`+tt.labels+`
						else { deny; }
					}
				}
			`)
			m := u.Handlers[0].Body.Stmts[0].(*ast.MatchStmt)
			if m.Op != tt.want {
				t.Fatalf("op = %q, want %q", m.Op, tt.want)
			}
		})
	}
}

func TestParseMatchElseMustBeLast(t *testing.T) {
	_, rep := Parse("t.flow", []byte(`
		handler main {
			match req.path {
				else { deny; }
				on "/a" { pass; }
			}
		}
	`))
	if !rep.Failed() {
		t.Fatal("expected a diagnostic for a non-terminal else arm")
	}
}

func TestParseVarAndAssign(t *testing.T) {
	u := parseOK(t, `
		var limit = 10;
		handler main {
			var n = limit;
			n = n + 1;
		}
	`)
	if len(u.Variables) != 1 || u.Variables[0].Name != "limit" {
		t.Fatalf("variables = %#v", u.Variables)
	}
	body := u.Handlers[0].Body.Stmts
	if _, ok := body[0].(*ast.LocalVarStmt); !ok {
		t.Fatalf("stmt[0] = %T", body[0])
	}
	assign, ok := body[1].(*ast.AssignStmt)
	if !ok || assign.Name != "n" {
		t.Fatalf("stmt[1] = %#v", body[1])
	}
}

func TestParseExternDecl(t *testing.T) {
	u := parseOK(t, `
		extern bool req.accept(string mimetype);
		extern handler log.error(string message);
	`)
	if len(u.Externs) != 2 {
		t.Fatalf("externs = %d, want 2", len(u.Externs))
	}
	if u.Externs[0].IsHandler || u.Externs[0].ReturnType != ast.TypeBool {
		t.Fatalf("extern[0] = %#v", u.Externs[0])
	}
	if !u.Externs[1].IsHandler {
		t.Fatalf("extern[1] = %#v", u.Externs[1])
	}
}

func TestParseInExprAndCidr(t *testing.T) {
	u := parseOK(t, `
		handler main {
			if req.remoteip in 10.0.0.0/8 then {
				pass;
			}
		}
	`)
	ifs := u.Handlers[0].Body.Stmts[0].(*ast.IfStmt)
	in, ok := ifs.Cond.(*ast.InExpr)
	if !ok {
		t.Fatalf("cond = %#v", ifs.Cond)
	}
	if _, ok := in.Y.(*ast.CidrLit); !ok {
		t.Fatalf("rhs = %#v", in.Y)
	}
}

func TestParseCallWithNamedArgs(t *testing.T) {
	u := parseOK(t, `
		handler main {
			header.add(name: "X-Test", value: "1");
		}
	`)
	stmt := u.Handlers[0].Body.Stmts[0].(*ast.ExprStmt)
	call, ok := stmt.X.(*ast.CallExpr)
	if !ok {
		t.Fatalf("expr = %#v", stmt.X)
	}
	if len(call.Args) != 2 || call.Args[0].Name != "name" || call.Args[1].Name != "value" {
		t.Fatalf("args = %#v", call.Args)
	}
}

func TestParseOperatorPrecedence(t *testing.T) {
	u := parseOK(t, `
		var x = 1 + 2 * 3;
	`)
	bin, ok := u.Variables[0].Init.(*ast.BinaryExpr)
	if !ok || bin.Op != "+" {
		t.Fatalf("top = %#v", u.Variables[0].Init)
	}
	rhs, ok := bin.Y.(*ast.BinaryExpr)
	if !ok || rhs.Op != "*" {
		t.Fatalf("rhs = %#v", bin.Y)
	}
}

func TestParseSyntaxErrorReported(t *testing.T) {
	_, rep := Parse("t.flow", []byte(`handler main { if then {} }`))
	if !rep.Failed() {
		t.Fatal("expected parse failure")
	}
}
