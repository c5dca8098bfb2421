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

// Package ast defines the Flow abstract syntax tree produced by the parser
// and consumed by sema and ir.
package ast

import "github.com/etalazz/x0d/pkg/flow/token"

// Type is a Flow static type. Each array type is its own constant below
// (TypeIntArray, TypeStringArray, TypeIPArray, TypeCidrArray).
type Type int

const (
	TypeUnknown Type = iota
	TypeVoid
	TypeBool
	TypeNumber
	TypeString
	TypeIP
	TypeCidr
	TypeRegExp
	TypeIntArray
	TypeStringArray
	TypeIPArray
	TypeCidrArray
)

func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeBool:
		return "bool"
	case TypeNumber:
		return "int"
	case TypeString:
		return "string"
	case TypeIP:
		return "ip"
	case TypeCidr:
		return "cidr"
	case TypeRegExp:
		return "regex"
	case TypeIntArray:
		return "int[]"
	case TypeStringArray:
		return "string[]"
	case TypeIPArray:
		return "ip[]"
	case TypeCidrArray:
		return "cidr[]"
	default:
		return "unknown"
	}
}

// Node is implemented by every AST node.
type Node interface {
	Range() token.Range
}

// Unit is a parsed translation unit: one source file's imports, variable
// declarations, and handler/extern declarations.
type Unit struct {
	File       string
	Imports    []*Import
	Variables  []*VarDecl
	Handlers   []*Handler
	Externs    []*ExternDecl
	Rng        token.Range
}

func (u *Unit) Range() token.Range { return u.Rng }

// Import names a module path pulled in with `import ... from ...`.
type Import struct {
	Names []string
	Path  string
	Rng   token.Range
}

func (i *Import) Range() token.Range { return i.Rng }

// VarDecl is a top-level `var name = expr;` declaration.
type VarDecl struct {
	Name string
	Init Expr
	Rng  token.Range
}

func (v *VarDecl) Range() token.Range { return v.Rng }

// Handler is a top-level `handler name { ... }` declaration, either a plain
// handler or one bound to an `on <scope>` trigger.
type Handler struct {
	Name string
	On   string // trigger scope, e.g. "main" or "requestHeader"; empty for a plain handler
	Body *Block
	Rng  token.Range
}

func (h *Handler) Range() token.Range { return h.Rng }

// ExternDecl declares the signature of a native function or handler that
// must be supplied by the embedding runtime at link time.
type ExternDecl struct {
	Name       string
	IsHandler  bool // true: void-returning callable statement; false: function with a return type
	ReturnType Type
	Params     []Param
	Rng        token.Range
}

func (e *ExternDecl) Range() token.Range { return e.Rng }

// Param is one formal parameter of an extern declaration.
type Param struct {
	Name     string
	Type     Type
	Optional bool
}

// Block is a brace-delimited statement sequence.
type Block struct {
	Stmts []Stmt
	Rng   token.Range
}

func (b *Block) Range() token.Range { return b.Rng }

// Stmt is implemented by every statement node.
type Stmt interface {
	Node
	stmtNode()
}

// ExprStmt is a bare expression evaluated for its side effect, typically a
// call to a void handler such as `log.error "boom";`.
type ExprStmt struct {
	X   Expr
	Rng token.Range
}

func (s *ExprStmt) Range() token.Range { return s.Rng }
func (*ExprStmt) stmtNode()            {}

// AssignStmt is `name = expr;`, rebinding a variable already introduced by a
// VarDecl or a LocalVarStmt.
type AssignStmt struct {
	Name string
	X    Expr
	Rng  token.Range
}

func (s *AssignStmt) Range() token.Range { return s.Rng }
func (*AssignStmt) stmtNode()            {}

// LocalVarStmt is a `var name = expr;` inside a handler body.
type LocalVarStmt struct {
	Name string
	Init Expr
	Rng  token.Range
}

func (s *LocalVarStmt) Range() token.Range { return s.Rng }
func (*LocalVarStmt) stmtNode()            {}

// IfStmt is `if cond then block [else block]`.
type IfStmt struct {
	Cond Expr
	Then *Block
	Else *Block // nil if no else clause
	Rng  token.Range
}

func (s *IfStmt) Range() token.Range { return s.Rng }
func (*IfStmt) stmtNode()            {}

// ReturnStmt is a bare `return;`, ending the enclosing handler immediately
// with the handled verdict.
type ReturnStmt struct {
	Rng token.Range
}

func (s *ReturnStmt) Range() token.Range { return s.Rng }
func (*ReturnStmt) stmtNode()            {}

// MatchStmt implements Flow's `match` construct: a subject expression tested
// in order against a list of literal-labeled cases, each guarding a block.
// Op is the single comparison applied to every case — "==", "=^", "=$", or
// "=~" — inferred by the parser from the shape of the case labels. The
// first matching case's block runs; Else, if present, runs when no case
// matched.
type MatchStmt struct {
	Subject Expr
	Op      string
	Cases   []MatchCase
	Else    *Block
	Rng     token.Range
}

func (s *MatchStmt) Range() token.Range { return s.Rng }
func (*MatchStmt) stmtNode()            {}

// MatchCase is one `on <literal> { ... }` arm of a MatchStmt.
type MatchCase struct {
	Value Expr
	Body  *Block
	Rng   token.Range
}

// Expr is implemented by every expression node.
type Expr interface {
	Node
	exprNode()
}

// Ident is a bare identifier reference: a variable, a handler parameter, or
// a zero-argument function/constant.
type Ident struct {
	Name string
	Rng  token.Range
}

func (e *Ident) Range() token.Range { return e.Rng }
func (*Ident) exprNode()            {}

// BoolLit, NumberLit, StringLit, IPLit, CidrLit, and RegexLit are literal
// expressions carrying their already-decoded value.
type BoolLit struct {
	Value bool
	Rng   token.Range
}

func (e *BoolLit) Range() token.Range { return e.Rng }
func (*BoolLit) exprNode()            {}

type NumberLit struct {
	Value int64
	Rng   token.Range
}

func (e *NumberLit) Range() token.Range { return e.Rng }
func (*NumberLit) exprNode()            {}

type StringLit struct {
	Value string
	Rng   token.Range
}

func (e *StringLit) Range() token.Range { return e.Rng }
func (*StringLit) exprNode()            {}

type IPLit struct {
	Text string
	Rng  token.Range
}

func (e *IPLit) Range() token.Range { return e.Rng }
func (*IPLit) exprNode()            {}

type CidrLit struct {
	Text string
	Rng  token.Range
}

func (e *CidrLit) Range() token.Range { return e.Rng }
func (*CidrLit) exprNode()            {}

type RegexLit struct {
	Pattern string
	Rng     token.Range
}

func (e *RegexLit) Range() token.Range { return e.Rng }
func (*RegexLit) exprNode()            {}

// ArrayLit is a bracketed literal array, e.g. `[1, 2, 3]`.
type ArrayLit struct {
	Elems []Expr
	Rng   token.Range
}

func (e *ArrayLit) Range() token.Range { return e.Rng }
func (*ArrayLit) exprNode()            {}

// UnaryExpr is a prefix operator applied to X: "not", "-".
type UnaryExpr struct {
	Op  string
	X   Expr
	Rng token.Range
}

func (e *UnaryExpr) Range() token.Range { return e.Rng }
func (*UnaryExpr) exprNode()            {}

// BinaryExpr is an infix operator applied to X and Y, including the
// logical "and"/"or" (short-circuiting) and "xor" operators and the string
// match operators "=^" "=$" "=~".
type BinaryExpr struct {
	Op  string
	X   Expr
	Y   Expr
	Rng token.Range
}

func (e *BinaryExpr) Range() token.Range { return e.Rng }
func (*BinaryExpr) exprNode()            {}

// InExpr is Flow's membership test, `X in Y`, where Y is typically a CIDR,
// a CIDR array, or a string/int array.
type InExpr struct {
	X   Expr
	Y   Expr
	Rng token.Range
}

func (e *InExpr) Range() token.Range { return e.Rng }
func (*InExpr) exprNode()            {}

// CallExpr invokes a named function or handler with named and/or positional
// arguments.
type CallExpr struct {
	Callee string
	Args   []Arg
	Rng    token.Range
}

func (e *CallExpr) Range() token.Range { return e.Rng }
func (*CallExpr) exprNode()            {}

// Arg is one call argument, either positional (Name == "") or named.
type Arg struct {
	Name string
	X    Expr
}
