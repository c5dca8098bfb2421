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

package ir

import (
	"net"

	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/constpool"
	"github.com/etalazz/x0d/pkg/flow/sema"
	"github.com/etalazz/x0d/pkg/flow/value"
)

// gen holds the mutable state of one handler-body lowering pass.
type gen struct {
	checked *sema.Checked
	pool    *constpool.Pool
	code    []Instruction
	args    []ArgSpec
	externs []string
	externIdx map[string]int32
	matches []MatchTable
	locals  map[string]int32
	nextReg int32
	nextLocal int32
}

// Generate lowers every handler in checked into its own Program, sharing one
// constant pool across the whole unit.
func Generate(checked *sema.Checked) map[string]*Program {
	pool := constpool.New()
	out := make(map[string]*Program)
	for _, h := range checked.Unit.Handlers {
		g := &gen{
			checked:   checked,
			pool:      pool,
			locals:    make(map[string]int32),
			externIdx: make(map[string]int32),
		}
		// Unit-level variables have no separate global storage in the
		// bytecode VM; each handler materializes them as locals at entry,
		// initialized from the same shared constant pool.
		for _, v := range checked.Unit.Variables {
			slot := g.localSlot(v.Name)
			r := g.expr(v.Init)
			g.emit(OpStoreLocal, slot, r, 0)
		}
		g.block(h.Body)
		// Falling off the end of the handler body is the "not handled"
		// verdict.
		g.emit(OpHalt, 0, 0, 0)
		out[h.Name] = &Program{
			Name:      h.Name,
			Code:      g.code,
			Args:      g.args,
			Externs:   g.externs,
			Matches:   g.matches,
			Pool:      pool,
			NumRegs:   int(g.nextReg),
			NumLocals: int(g.nextLocal),
		}
	}
	return out
}

func (g *gen) emit(op Op, a, b, c int32) int32 {
	g.code = append(g.code, Instruction{Op: op, A: a, B: b, C: c})
	return int32(len(g.code) - 1)
}

func (g *gen) emitCall(dest, externIdx, argStart, argCount int32) int32 {
	g.code = append(g.code, Instruction{Op: OpCall, A: dest, B: externIdx, C: argCount, D: argStart})
	return int32(len(g.code) - 1)
}

func (g *gen) patchTarget(pc int32, target int32) {
	g.code[pc].A = target
}

func (g *gen) allocReg() int32 {
	r := g.nextReg
	g.nextReg++
	return r
}

func (g *gen) localSlot(name string) int32 {
	if slot, ok := g.locals[name]; ok {
		return slot
	}
	slot := g.nextLocal
	g.nextLocal++
	g.locals[name] = slot
	return slot
}

func (g *gen) internExtern(name string) int32 {
	if idx, ok := g.externIdx[name]; ok {
		return idx
	}
	idx := int32(len(g.externs))
	g.externs = append(g.externs, name)
	g.externIdx[name] = idx
	return idx
}

func (g *gen) block(b *ast.Block) {
	for _, stmt := range b.Stmts {
		g.stmt(stmt)
	}
}

func (g *gen) stmt(stmt ast.Stmt) {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		// A bare BuiltinHandler call short-circuits the enclosing handler
		// the moment it
		// returns true; any other expression statement just discards its
		// value.
		if call, ok := s.X.(*ast.CallExpr); ok && g.checked.HandlerCalls[call] {
			r := g.expr(call)
			jz := g.emit(OpJZ, 0, r, 0)
			g.emit(OpHalt, 1, 0, 0) // A=1: exit with the handled verdict
			g.patchTarget(jz, int32(len(g.code)))
			return
		}
		g.expr(s.X)
	case *ast.ReturnStmt:
		// `return;` ends the handler immediately with the handled verdict;
		// by this point the caller has already populated the response.
		g.emit(OpHalt, 1, 0, 0)
	case *ast.LocalVarStmt:
		slot := g.localSlot(s.Name)
		r := g.expr(s.Init)
		g.emit(OpStoreLocal, slot, r, 0)
	case *ast.AssignStmt:
		slot := g.localSlot(s.Name)
		r := g.expr(s.X)
		g.emit(OpStoreLocal, slot, r, 0)
	case *ast.IfStmt:
		g.ifStmt(s)
	case *ast.MatchStmt:
		g.matchStmt(s)
	}
}

// ifStmt lowers `if cond then A [else B]` to:
//
//	<cond>          ; result in r
//	JZ r, Lelse
//	<then>
//	JMP Lend
//   Lelse:
//	<else>
//   Lend:
func (g *gen) ifStmt(s *ast.IfStmt) {
	cond := g.expr(s.Cond)
	jz := g.emit(OpJZ, 0, cond, 0)
	g.block(s.Then)
	if s.Else == nil {
		g.patchTarget(jz, int32(len(g.code)))
		return
	}
	jmp := g.emit(OpJmp, 0, 0, 0)
	g.patchTarget(jz, int32(len(g.code)))
	g.block(s.Else)
	g.patchTarget(jmp, int32(len(g.code)))
}

// matchStmt lowers a MatchStmt into a single SMATCH dispatch: the subject
// is evaluated once and consumed by the instruction, which jumps through a
// MatchTable pairing each case label's constant-pool index with the PC of
// its lowered body; the table's ElsePC covers the no-match path.
func (g *gen) matchStmt(s *ast.MatchStmt) {
	subject := g.expr(s.Subject)

	var opc Op
	switch s.Op {
	case "=^":
		opc = OpSMatchBeg
	case "=$":
		opc = OpSMatchEnd
	case "=~":
		opc = OpSMatchRe
	default:
		opc = OpSMatchEq
	}
	// Reserve the table slot before lowering case bodies, so a nested
	// match inside a body lands at its own index.
	matchID := int32(len(g.matches))
	g.matches = append(g.matches, MatchTable{})
	g.emit(opc, subject, matchID, 0)

	table := MatchTable{Op: opc}
	var exitJumps []int32
	for _, mc := range s.Cases {
		var constIdx int
		switch lit := mc.Value.(type) {
		case *ast.StringLit:
			constIdx = g.pool.InternString(lit.Value)
		case *ast.RegexLit:
			constIdx = g.pool.InternRegex(lit.Pattern)
		}
		table.Cases = append(table.Cases, MatchCaseDef{Const: int32(constIdx), PC: int32(len(g.code))})
		g.block(mc.Body)
		exitJumps = append(exitJumps, g.emit(OpJmp, 0, 0, 0))
	}

	table.ElsePC = int32(len(g.code))
	if s.Else != nil {
		g.block(s.Else)
	}

	end := int32(len(g.code))
	for _, j := range exitJumps {
		g.patchTarget(j, end)
	}
	g.matches[matchID] = table
}

func (g *gen) expr(e ast.Expr) int32 {
	switch x := e.(type) {
	case *ast.BoolLit:
		r := g.allocReg()
		b := int32(0)
		if x.Value {
			b = 1
		}
		g.emit(OpLoadBool, r, b, 0)
		return r
	case *ast.NumberLit:
		r := g.allocReg()
		idx := g.pool.InternNumber(x.Value)
		g.emit(OpLoadConstNum, r, int32(idx), 0)
		return r
	case *ast.StringLit:
		r := g.allocReg()
		idx := g.pool.InternString(x.Value)
		g.emit(OpLoadConstStr, r, int32(idx), 0)
		return r
	case *ast.IPLit:
		r := g.allocReg()
		idx := g.pool.InternIP(net.ParseIP(x.Text))
		g.emit(OpLoadConstIP, r, int32(idx), 0)
		return r
	case *ast.CidrLit:
		r := g.allocReg()
		_, ipnet, _ := net.ParseCIDR(x.Text)
		c := value.Cidr{}
		if ipnet != nil {
			ones, _ := ipnet.Mask.Size()
			c = value.Cidr{IP: ipnet.IP, Prefix: ones}
		}
		idx := g.pool.InternCidr(c)
		g.emit(OpLoadConstCidr, r, int32(idx), 0)
		return r
	case *ast.RegexLit:
		r := g.allocReg()
		idx := g.pool.InternRegex(x.Pattern)
		g.emit(OpLoadConstRegex, r, int32(idx), 0)
		return r
	case *ast.ArrayLit:
		return g.arrayLit(x)
	case *ast.Ident:
		return g.ident(x)
	case *ast.UnaryExpr:
		return g.unary(x)
	case *ast.BinaryExpr:
		return g.binary(x)
	case *ast.InExpr:
		r := g.allocReg()
		lhs := g.expr(x.X)
		rhs := g.expr(x.Y)
		g.emit(OpIn, r, lhs, rhs)
		return r
	case *ast.CallExpr:
		return g.call(x)
	default:
		return g.allocReg()
	}
}

func (g *gen) arrayLit(a *ast.ArrayLit) int32 {
	r := g.allocReg()
	vals := make([]value.Value, 0, len(a.Elems))
	typ := g.checked.TypeOf(a)
	for _, el := range a.Elems {
		vals = append(vals, literalValue(el))
	}
	var arr value.Value
	switch typ {
	case ast.TypeIntArray:
		ns := make([]int64, len(vals))
		for i, v := range vals {
			ns[i] = v.Number()
		}
		arr = value.IntArrayValue(ns)
	case ast.TypeStringArray:
		ss := make([]string, len(vals))
		for i, v := range vals {
			ss[i] = v.String()
		}
		arr = value.StringArrayValue(ss)
	case ast.TypeIPArray:
		ips := make([]net.IP, len(vals))
		for i, v := range vals {
			ips[i] = v.IP()
		}
		arr = value.IPArrayValue(ips)
	case ast.TypeCidrArray:
		cs := make([]value.Cidr, len(vals))
		for i, v := range vals {
			cs[i] = v.CidrVal()
		}
		arr = value.CidrArrayValue(cs)
	}
	idx := g.pool.InternArray(arr)
	g.emit(OpLoadConstArray, r, int32(idx), 0)
	return r
}

// literalValue evaluates an array element that is guaranteed (by sema) to be
// a literal, since Flow array literals only ever hold other literals.
func literalValue(e ast.Expr) value.Value {
	switch x := e.(type) {
	case *ast.NumberLit:
		return value.NumberValue(x.Value)
	case *ast.StringLit:
		return value.StringValue(x.Value)
	case *ast.IPLit:
		return value.IPValue(net.ParseIP(x.Text))
	case *ast.CidrLit:
		_, ipnet, _ := net.ParseCIDR(x.Text)
		if ipnet == nil {
			return value.CidrValue(value.Cidr{})
		}
		ones, _ := ipnet.Mask.Size()
		return value.CidrValue(value.Cidr{IP: ipnet.IP, Prefix: ones})
	default:
		return value.VoidValue()
	}
}

func (g *gen) ident(x *ast.Ident) int32 {
	if slot, ok := g.locals[x.Name]; ok {
		r := g.allocReg()
		g.emit(OpLoadLocal, r, slot, 0)
		return r
	}
	// Not a known local: either a unit-level variable (re-evaluated inline
	// by name is not possible without re-walking the unit, so unit vars are
	// lowered once up front by the caller into the same local table — see
	// Generate) or a zero-arg extern function/constant.
	r := g.allocReg()
	idx := g.internExtern(x.Name)
	argStart := int32(len(g.args))
	g.emitCall(r, idx, argStart, 0)
	return r
}

func (g *gen) unary(x *ast.UnaryExpr) int32 {
	src := g.expr(x.X)
	r := g.allocReg()
	switch x.Op {
	case "not":
		g.emit(OpNot, r, src, 0)
	case "-":
		g.emit(OpNeg, r, src, 0)
	}
	return r
}

var binOpcode = map[string]Op{
	"+": OpAdd, "-": OpSub, "*": OpMul, "/": OpDiv, "%": OpMod, "**": OpPow,
	"&": OpBitAnd, "|": OpBitOr, "^": OpBitXor, "<<": OpShl, ">>": OpShr,
	"==": OpCmpEq, "!=": OpCmpNe, "<": OpCmpLt, "<=": OpCmpLe, ">": OpCmpGt, ">=": OpCmpGe,
	"=^": OpMatchHead, "=$": OpMatchTail, "=~": OpMatchRegex,
}

// binary lowers all strict binary operators directly, except the two
// short-circuiting logical connectives "and"/"or", which need jump-based
// lowering so the right operand is never evaluated unless required. "xor"
// always evaluates both operands and compares them with OpCmpNe.
func (g *gen) binary(x *ast.BinaryExpr) int32 {
	switch x.Op {
	case "and":
		return g.shortCircuit(x, true)
	case "or":
		return g.shortCircuit(x, false)
	case "xor":
		lhs := g.expr(x.X)
		rhs := g.expr(x.Y)
		r := g.allocReg()
		g.emit(OpCmpNe, r, lhs, rhs)
		return r
	}
	lhs := g.expr(x.X)
	rhs := g.expr(x.Y)
	r := g.allocReg()
	op, ok := binOpcode[x.Op]
	if !ok {
		op = OpConcat
	}
	if x.Op == "+" && op == OpAdd {
		// sema has already confirmed operand types; string '+' reuses the
		// same AST node shape, so pick OpConcat when either side is string.
		if g.checked.TypeOf(x.X) == ast.TypeString {
			op = OpConcat
		}
	}
	g.emit(op, r, lhs, rhs)
	return r
}

// shortCircuit lowers `X and Y` / `X or Y` using a single conditional jump
// over the right-hand evaluation, per the JZ/JN backpatch pattern used
// throughout the generator:
//
//	and: <X> -> r; JZ r, Lskip; <Y> -> r; Lskip:
//	or:  <X> -> r; JN r, Lskip; <Y> -> r; Lskip:
func (g *gen) shortCircuit(x *ast.BinaryExpr, isAnd bool) int32 {
	r := g.allocReg()
	lhs := g.expr(x.X)
	g.emit(OpMove, r, lhs, 0)
	var skip int32
	if isAnd {
		skip = g.emit(OpJZ, 0, r, 0)
	} else {
		skip = g.emit(OpJN, 0, r, 0)
	}
	rhs := g.expr(x.Y)
	g.emit(OpMove, r, rhs, 0)
	g.patchTarget(skip, int32(len(g.code)))
	return r
}

// call lowers a resolved extern/function call. Argument registers are
// evaluated left to right and recorded as an ArgSpec slice addressed by
// OpCall's D (start index into Program.Args) and C (count); ParamIdx comes
// directly from sema's already-validated binding, so the vm never needs to
// re-run name resolution at call time.
func (g *gen) call(x *ast.CallExpr) int32 {
	start := int32(len(g.args))
	for i, a := range x.Args {
		reg := g.expr(a.X)
		g.args = append(g.args, ArgSpec{Reg: reg, ParamIdx: int32(i)})
	}
	count := int32(len(g.args)) - start
	r := g.allocReg()
	idx := g.internExtern(x.Callee)
	g.emitCall(r, idx, start, count)
	return r
}
