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

// Package sema resolves symbols and checks types across a parsed Flow
// Unit. It never mutates the ast tree; its output is a Checked
// unit carrying per-node type/symbol annotations the ir package consumes.
package sema

import (
	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/diag"
	"github.com/etalazz/x0d/pkg/flow/token"
)

// Scope classifies where a symbol was introduced, used to build the
// Self/Parents/Outer lookup order:
// handler-local bindings shadow unit-level variables, which shadow the
// externs imported from the runtime.
type Scope int

const (
	ScopeLocal Scope = iota
	ScopeUnit
	ScopeExtern
)

// Symbol is one resolved name: a local var, a unit-level var, or an extern
// function/handler signature.
type Symbol struct {
	Name    string
	Scope   Scope
	Type    ast.Type
	Extern  *ast.ExternDecl // set when Scope == ScopeExtern
}

// Table resolves identifiers against three ordered lookup tiers: the current
// handler's local bindings (Self), the enclosing unit's top-level variables
// (Parents), and the externs
// supplied by the embedding runtime (Outer).
type Table struct {
	locals  map[string]Symbol
	unit    map[string]Symbol
	externs map[string]Symbol
}

func newTable(unit map[string]Symbol, externs map[string]Symbol) *Table {
	return &Table{locals: make(map[string]Symbol), unit: unit, externs: externs}
}

// Declare introduces name into the local (Self) tier.
func (t *Table) Declare(name string, typ ast.Type) {
	t.locals[name] = Symbol{Name: name, Scope: ScopeLocal, Type: typ}
}

// Lookup resolves name using the Self -> Parents -> Outer order.
func (t *Table) Lookup(name string) (Symbol, bool) {
	if s, ok := t.locals[name]; ok {
		return s, true
	}
	if s, ok := t.unit[name]; ok {
		return s, true
	}
	if s, ok := t.externs[name]; ok {
		return s, true
	}
	return Symbol{}, false
}

// Checked is the output of Check: the original ast.Unit plus the resolved
// type of every expression node, keyed by node identity.
type Checked struct {
	Unit  *ast.Unit
	Types map[ast.Expr]ast.Type
	// HandlerCalls marks every CallExpr whose callee resolved to a
	// BuiltinHandler rather than a BuiltinFunction or inlined user Handler
	// (those calls end the current handler with the handled verdict the
	// moment the native returns true).
	HandlerCalls map[*ast.CallExpr]bool
}

// TypeOf returns the resolved type of e, or TypeUnknown if e was never
// successfully checked (which only happens alongside a fatal diagnostic).
func (c *Checked) TypeOf(e ast.Expr) ast.Type {
	if t, ok := c.Types[e]; ok {
		return t
	}
	return ast.TypeUnknown
}

type checker struct {
	rep          *diag.Report
	unit         map[string]Symbol
	externs      map[string]Symbol
	types        map[ast.Expr]ast.Type
	handlerCalls map[*ast.CallExpr]bool
}

// Check resolves symbols and checks types for u against the externs
// registered by the embedding runtime, accumulating diagnostics into rep.
func Check(u *ast.Unit, externs []*ast.ExternDecl, rep *diag.Report) *Checked {
	c := &checker{
		rep:          rep,
		unit:         make(map[string]Symbol),
		externs:      make(map[string]Symbol),
		types:        make(map[ast.Expr]ast.Type),
		handlerCalls: make(map[*ast.CallExpr]bool),
	}
	for _, e := range externs {
		c.externs[e.Name] = Symbol{Name: e.Name, Scope: ScopeExtern, Type: e.ReturnType, Extern: e}
	}
	for _, e := range u.Externs {
		c.externs[e.Name] = Symbol{Name: e.Name, Scope: ScopeExtern, Type: e.ReturnType, Extern: e}
	}

	// First pass: register unit-level variables so forward references among
	// them resolve (mirrors how handlers may reference vars declared later
	// in the same file).
	for _, v := range u.Variables {
		c.unit[v.Name] = Symbol{Name: v.Name, Scope: ScopeUnit, Type: ast.TypeUnknown}
	}
	table := newTable(c.unit, c.externs)
	for _, v := range u.Variables {
		typ := c.checkExpr(table, v.Init)
		c.unit[v.Name] = Symbol{Name: v.Name, Scope: ScopeUnit, Type: typ}
	}

	for _, h := range u.Handlers {
		c.checkHandler(h)
	}
	return &Checked{Unit: u, Types: c.types, HandlerCalls: c.handlerCalls}
}

func (c *checker) checkHandler(h *ast.Handler) {
	table := newTable(c.unit, c.externs)
	c.checkBlock(table, h.Body)
}

func (c *checker) checkBlock(table *Table, b *ast.Block) {
	for _, stmt := range b.Stmts {
		c.checkStmt(table, stmt)
	}
}

func (c *checker) checkStmt(table *Table, stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		c.checkExpr(table, s.X)
	case *ast.LocalVarStmt:
		typ := c.checkExpr(table, s.Init)
		table.Declare(s.Name, typ)
	case *ast.AssignStmt:
		sym, ok := table.Lookup(s.Name)
		if !ok {
			c.rep.Add(diag.TypeError, s.Rng, "assignment to undeclared variable %q", s.Name)
		}
		rhs := c.checkExpr(table, s.X)
		if ok && sym.Type != ast.TypeUnknown && rhs != ast.TypeUnknown && sym.Type != rhs {
			c.rep.Add(diag.TypeError, s.Rng, "cannot assign %s to variable %q of type %s", rhs, s.Name, sym.Type)
		}
	case *ast.IfStmt:
		cond := c.checkExpr(table, s.Cond)
		if cond != ast.TypeBool && cond != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, s.Cond.Range(), "if condition must be bool, found %s", cond)
		}
		c.checkBlock(table, s.Then)
		if s.Else != nil {
			c.checkBlock(table, s.Else)
		}
	case *ast.MatchStmt:
		subject := c.checkExpr(table, s.Subject)
		if subject != ast.TypeString && subject != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, s.Subject.Range(), "match subject must be string, found %s", subject)
		}
		for _, mc := range s.Cases {
			c.checkMatchCase(table, s.Op, mc)
		}
		if s.Else != nil {
			c.checkBlock(table, s.Else)
		}
	case *ast.ReturnStmt:
		// no sub-expressions to check
	default:
		c.rep.Add(diag.TypeError, stmt.Range(), "unhandled statement kind %T", stmt)
	}
}

// checkMatchCase verifies one match arm's label against the statement's
// operator: equality/head/tail arms take string literals, regex arms take
// regex literals, and every label in one statement agrees with every other.
func (c *checker) checkMatchCase(table *Table, op string, mc ast.MatchCase) {
	labelType := c.checkExpr(table, mc.Value)
	want := ast.TypeString
	if op == "=~" {
		want = ast.TypeRegExp
	}
	if labelType != want && labelType != ast.TypeUnknown {
		c.rep.Add(diag.TypeError, mc.Value.Range(),
			"match case label must be %s for %s matching, found %s", want, op, labelType)
	} else {
		switch mc.Value.(type) {
		case *ast.StringLit, *ast.RegexLit:
		default:
			c.rep.Add(diag.TypeError, mc.Value.Range(), "match case label must be a literal")
		}
	}
	c.checkBlock(table, mc.Body)
}

func (c *checker) setType(e ast.Expr, t ast.Type) ast.Type {
	c.types[e] = t
	return t
}

func (c *checker) checkExpr(table *Table, e ast.Expr) ast.Type {
	switch x := e.(type) {
	case *ast.BoolLit:
		return c.setType(e, ast.TypeBool)
	case *ast.NumberLit:
		return c.setType(e, ast.TypeNumber)
	case *ast.StringLit:
		return c.setType(e, ast.TypeString)
	case *ast.IPLit:
		return c.setType(e, ast.TypeIP)
	case *ast.CidrLit:
		return c.setType(e, ast.TypeCidr)
	case *ast.RegexLit:
		return c.setType(e, ast.TypeRegExp)
	case *ast.ArrayLit:
		return c.checkArrayLit(table, x)
	case *ast.Ident:
		sym, ok := table.Lookup(x.Name)
		if !ok {
			c.rep.Add(diag.TypeError, x.Rng, "undeclared identifier %q", x.Name)
			return c.setType(e, ast.TypeUnknown)
		}
		return c.setType(e, sym.Type)
	case *ast.UnaryExpr:
		return c.checkUnary(table, x)
	case *ast.BinaryExpr:
		return c.checkBinary(table, x)
	case *ast.InExpr:
		return c.checkIn(table, x)
	case *ast.CallExpr:
		return c.checkCall(table, x)
	default:
		c.rep.Add(diag.TypeError, e.Range(), "unhandled expression kind %T", e)
		return c.setType(e, ast.TypeUnknown)
	}
}

func (c *checker) checkArrayLit(table *Table, a *ast.ArrayLit) ast.Type {
	if len(a.Elems) == 0 {
		return c.setType(a, ast.TypeUnknown)
	}
	elemType := c.checkExpr(table, a.Elems[0])
	for _, el := range a.Elems[1:] {
		t := c.checkExpr(table, el)
		if t != elemType && t != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, el.Range(), "array element type %s does not match %s", t, elemType)
		}
	}
	switch elemType {
	case ast.TypeNumber:
		return c.setType(a, ast.TypeIntArray)
	case ast.TypeString:
		return c.setType(a, ast.TypeStringArray)
	case ast.TypeIP:
		return c.setType(a, ast.TypeIPArray)
	case ast.TypeCidr:
		return c.setType(a, ast.TypeCidrArray)
	default:
		c.rep.Add(diag.TypeError, a.Range(), "arrays of %s are not supported", elemType)
		return c.setType(a, ast.TypeUnknown)
	}
}

func (c *checker) checkUnary(table *Table, u *ast.UnaryExpr) ast.Type {
	t := c.checkExpr(table, u.X)
	switch u.Op {
	case "not":
		if t != ast.TypeBool && t != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, u.Rng, "operand of 'not' must be bool, found %s", t)
		}
		return c.setType(u, ast.TypeBool)
	case "-":
		if t != ast.TypeNumber && t != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, u.Rng, "operand of unary '-' must be int, found %s", t)
		}
		return c.setType(u, ast.TypeNumber)
	default:
		c.rep.Add(diag.TypeError, u.Rng, "unknown unary operator %q", u.Op)
		return c.setType(u, ast.TypeUnknown)
	}
}

func (c *checker) checkBinary(table *Table, b *ast.BinaryExpr) ast.Type {
	lt := c.checkExpr(table, b.X)
	rt := c.checkExpr(table, b.Y)
	switch b.Op {
	case "and", "or", "xor":
		c.expectBool(b.X.Range(), lt)
		c.expectBool(b.Y.Range(), rt)
		return c.setType(b, ast.TypeBool)
	case "==", "!=":
		if lt != rt && lt != ast.TypeUnknown && rt != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, b.Rng, "cannot compare %s with %s", lt, rt)
		}
		return c.setType(b, ast.TypeBool)
	case "<", "<=", ">", ">=":
		c.expectNumber(b.X.Range(), lt)
		c.expectNumber(b.Y.Range(), rt)
		return c.setType(b, ast.TypeBool)
	case "=^", "=$":
		c.expectString(b.X.Range(), lt)
		c.expectString(b.Y.Range(), rt)
		return c.setType(b, ast.TypeBool)
	case "=~":
		c.expectString(b.X.Range(), lt)
		if rt != ast.TypeRegExp && rt != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, b.Y.Range(), "right operand of '=~' must be regex, found %s", rt)
		}
		return c.setType(b, ast.TypeBool)
	case "+", "-", "*", "/", "%", "**":
		if lt == ast.TypeString && rt == ast.TypeString && b.Op == "+" {
			return c.setType(b, ast.TypeString)
		}
		c.expectNumber(b.X.Range(), lt)
		c.expectNumber(b.Y.Range(), rt)
		return c.setType(b, ast.TypeNumber)
	case "&", "|", "^", "<<", ">>":
		c.expectNumber(b.X.Range(), lt)
		c.expectNumber(b.Y.Range(), rt)
		return c.setType(b, ast.TypeNumber)
	default:
		c.rep.Add(diag.TypeError, b.Rng, "unknown binary operator %q", b.Op)
		return c.setType(b, ast.TypeUnknown)
	}
}

func (c *checker) checkIn(table *Table, in *ast.InExpr) ast.Type {
	lt := c.checkExpr(table, in.X)
	rt := c.checkExpr(table, in.Y)
	ok := false
	switch {
	case lt == ast.TypeIP && rt == ast.TypeCidr:
		ok = true
	case lt == ast.TypeIP && rt == ast.TypeCidrArray:
		ok = true
	case lt == ast.TypeNumber && rt == ast.TypeIntArray:
		ok = true
	case lt == ast.TypeString && rt == ast.TypeStringArray:
		ok = true
	case lt == ast.TypeUnknown || rt == ast.TypeUnknown:
		ok = true
	}
	if !ok {
		c.rep.Add(diag.TypeError, in.Rng, "'in' not defined between %s and %s", lt, rt)
	}
	return c.setType(in, ast.TypeBool)
}

func (c *checker) checkCall(table *Table, call *ast.CallExpr) ast.Type {
	sym, ok := table.Lookup(call.Callee)
	if !ok {
		c.rep.Add(diag.LinkError, call.Rng, "no handler or function named %q is linked", call.Callee)
		for _, a := range call.Args {
			c.checkExpr(table, a.X)
		}
		return c.setType(call, ast.TypeUnknown)
	}
	if sym.Scope != ScopeExtern || sym.Extern == nil {
		c.rep.Add(diag.TypeError, call.Rng, "%q is not callable", call.Callee)
		return c.setType(call, ast.TypeUnknown)
	}
	c.checkArgs(table, call, sym.Extern)
	if sym.Extern.IsHandler {
		c.handlerCalls[call] = true
		return c.setType(call, ast.TypeVoid)
	}
	return c.setType(call, sym.Extern.ReturnType)
}

// checkArgs binds call's named/positional arguments against decl's formal
// parameters: positional arguments fill parameters left to right;
// named arguments may appear in any order and override a positional slot
// only once; missing non-optional parameters are a link error.
func (c *checker) checkArgs(table *Table, call *ast.CallExpr, decl *ast.ExternDecl) {
	bound := make([]bool, len(decl.Params))
	positional := 0
	for _, arg := range call.Args {
		argType := c.checkExpr(table, arg.X)
		if arg.Name == "" {
			if positional >= len(decl.Params) {
				c.rep.Add(diag.LinkError, call.Rng, "too many positional arguments to %q", call.Callee)
				positional++
				continue
			}
			p := decl.Params[positional]
			if p.Type != argType && argType != ast.TypeUnknown {
				c.rep.Add(diag.TypeError, arg.X.Range(), "argument %d of %q must be %s, found %s", positional+1, call.Callee, p.Type, argType)
			}
			bound[positional] = true
			positional++
			continue
		}
		idx := -1
		for i, p := range decl.Params {
			if p.Name == arg.Name {
				idx = i
				break
			}
		}
		if idx == -1 {
			c.rep.Add(diag.LinkError, call.Rng, "%q has no parameter named %q", call.Callee, arg.Name)
			continue
		}
		if bound[idx] {
			c.rep.Add(diag.LinkError, call.Rng, "parameter %q of %q bound more than once", arg.Name, call.Callee)
		}
		p := decl.Params[idx]
		if p.Type != argType && argType != ast.TypeUnknown {
			c.rep.Add(diag.TypeError, arg.X.Range(), "parameter %q of %q must be %s, found %s", arg.Name, call.Callee, p.Type, argType)
		}
		bound[idx] = true
	}
	for i, p := range decl.Params {
		if !bound[i] && !p.Optional {
			c.rep.Add(diag.LinkError, call.Rng, "missing required parameter %q of %q", p.Name, call.Callee)
		}
	}
}

func (c *checker) expectBool(rng token.Range, t ast.Type) {
	if t != ast.TypeBool && t != ast.TypeUnknown {
		c.rep.Add(diag.TypeError, rng, "expected bool, found %s", t)
	}
}

func (c *checker) expectNumber(rng token.Range, t ast.Type) {
	if t != ast.TypeNumber && t != ast.TypeUnknown {
		c.rep.Add(diag.TypeError, rng, "expected int, found %s", t)
	}
}

func (c *checker) expectString(rng token.Range, t ast.Type) {
	if t != ast.TypeString && t != ast.TypeUnknown {
		c.rep.Add(diag.TypeError, rng, "expected string, found %s", t)
	}
}
