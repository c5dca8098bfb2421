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

// Package vm interprets compiled Flow programs. It is a
// register-machine interpreter: each Program carries a flat register file
// and a local-variable slot array, dispatched through an exhaustive opcode
// switch rather than the tree-walking visitor an AST interpreter would use.
package vm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/etalazz/x0d/pkg/flow/ir"
	"github.com/etalazz/x0d/pkg/flow/value"
)

// RuntimeTrap is returned when a program faults during execution: an
// arithmetic error, an out-of-range constant-pool reference, or a native
// callback reporting failure.
type RuntimeTrap struct {
	PC      int
	Message string
}

func (e *RuntimeTrap) Error() string {
	return fmt.Sprintf("runtime trap at pc=%d: %s", e.PC, e.Message)
}

// Native is the signature every extern function/handler callback must
// satisfy. args is positional, already bound and ordered by ir.ArgSpec's
// ParamIdx at compile time. Native returns a Value (Void for handlers that
// return nothing) or an error to raise a RuntimeTrap.
type Native func(args []value.Value) (value.Value, error)

// Linker resolves extern names to Native callbacks. A nil entry for a name
// the program references is a link-time failure that should have already
// been caught by sema; the VM treats it as a runtime trap as a last resort.
type Linker interface {
	Resolve(name string) (Native, bool)
}

// MapLinker is the simplest Linker: a plain name -> Native table.
type MapLinker map[string]Native

func (m MapLinker) Resolve(name string) (Native, bool) {
	fn, ok := m[name]
	return fn, ok
}

// VM executes one Program at a time against a Linker supplying native
// callbacks. A VM is not safe for concurrent use; callers run one VM per
// goroutine.
type VM struct {
	linker Linker

	regexCache map[int]*regexp.Regexp
}

// New returns a VM that resolves extern calls through linker.
func New(linker Linker) *VM {
	return &VM{linker: linker, regexCache: make(map[int]*regexp.Regexp)}
}

// Run executes p to completion and returns the handled verdict: true if an
// OpHalt with a nonzero A operand was reached (an explicit `return;` or a
// BuiltinHandler call that returned true), false if execution fell off the
// end of Code.
func (m *VM) Run(p *ir.Program) (bool, error) {
	regs := make([]value.Value, p.NumRegs)
	locals := make([]value.Value, p.NumLocals)
	pc := 0
	for pc < len(p.Code) {
		ins := p.Code[pc]
		switch ins.Op {
		case ir.OpNop:
			pc++
		case ir.OpHalt:
			return ins.A != 0, nil
		case ir.OpLoadBool:
			regs[ins.A] = value.BoolValue(ins.B != 0)
			pc++
		case ir.OpLoadConstNum:
			n, err := p.Pool.Number(int(ins.B))
			if err != nil {
				return false, &RuntimeTrap{PC: pc, Message: err.Error()}
			}
			regs[ins.A] = value.NumberValue(n)
			pc++
		case ir.OpLoadConstStr:
			s, err := p.Pool.StringAt(int(ins.B))
			if err != nil {
				return false, &RuntimeTrap{PC: pc, Message: err.Error()}
			}
			regs[ins.A] = value.StringValue(s)
			pc++
		case ir.OpLoadConstIP:
			ipv, err := p.Pool.IPAt(int(ins.B))
			if err != nil {
				return false, &RuntimeTrap{PC: pc, Message: err.Error()}
			}
			regs[ins.A] = value.IPValue(ipv)
			pc++
		case ir.OpLoadConstCidr:
			c, err := p.Pool.CidrAt(int(ins.B))
			if err != nil {
				return false, &RuntimeTrap{PC: pc, Message: err.Error()}
			}
			regs[ins.A] = value.CidrValue(c)
			pc++
		case ir.OpLoadConstRegex:
			re, err := m.compiledRegex(p, int(ins.B))
			if err != nil {
				return false, &RuntimeTrap{PC: pc, Message: err.Error()}
			}
			regs[ins.A] = value.RegExpValue(re)
			pc++
		case ir.OpLoadConstArray:
			arr, err := p.Pool.ArrayAt(int(ins.B))
			if err != nil {
				return false, &RuntimeTrap{PC: pc, Message: err.Error()}
			}
			regs[ins.A] = arr
			pc++
		case ir.OpLoadLocal:
			regs[ins.A] = locals[ins.B]
			pc++
		case ir.OpStoreLocal:
			locals[ins.A] = regs[ins.B]
			pc++
		case ir.OpMove:
			regs[ins.A] = regs[ins.B]
			pc++
		case ir.OpNeg:
			regs[ins.A] = value.NumberValue(-regs[ins.B].Number())
			pc++
		case ir.OpNot:
			regs[ins.A] = value.BoolValue(!regs[ins.B].Truthy())
			pc++
		case ir.OpJmp:
			pc = int(ins.A)
		case ir.OpJZ:
			if !regs[ins.B].Truthy() {
				pc = int(ins.A)
			} else {
				pc++
			}
		case ir.OpJN:
			if regs[ins.B].Truthy() {
				pc = int(ins.A)
			} else {
				pc++
			}
		case ir.OpSMatchEq, ir.OpSMatchBeg, ir.OpSMatchEnd, ir.OpSMatchRe:
			next, err := m.dispatchMatch(p, ins, regs[ins.A])
			if err != nil {
				return false, &RuntimeTrap{PC: pc, Message: err.Error()}
			}
			pc = next
		case ir.OpCall:
			if err := m.call(p, ins, regs); err != nil {
				return false, err
			}
			pc++
		default:
			if ins.Op.Binary() {
				result, err := m.binary(ins.Op, regs[ins.B], regs[ins.C])
				if err != nil {
					return false, &RuntimeTrap{PC: pc, Message: err.Error()}
				}
				regs[ins.A] = result
				pc++
				continue
			}
			return false, &RuntimeTrap{PC: pc, Message: fmt.Sprintf("unknown opcode %d", ins.Op)}
		}
	}
	return false, nil
}

// dispatchMatch runs one SMATCH table: cases are tried in declaration
// order and the first matching label decides the next PC; the table's
// ElsePC covers the no-match path.
func (m *VM) dispatchMatch(p *ir.Program, ins ir.Instruction, subjectVal value.Value) (int, error) {
	if int(ins.B) >= len(p.Matches) {
		return 0, fmt.Errorf("match table %d out of range", ins.B)
	}
	table := p.Matches[ins.B]
	subject := subjectVal.String()
	for _, cs := range table.Cases {
		var matched bool
		switch ins.Op {
		case ir.OpSMatchEq, ir.OpSMatchBeg, ir.OpSMatchEnd:
			label, err := p.Pool.StringAt(int(cs.Const))
			if err != nil {
				return 0, err
			}
			switch ins.Op {
			case ir.OpSMatchEq:
				matched = subject == label
			case ir.OpSMatchBeg:
				matched = strings.HasPrefix(subject, label)
			case ir.OpSMatchEnd:
				matched = strings.HasSuffix(subject, label)
			}
		case ir.OpSMatchRe:
			re, err := m.compiledRegex(p, int(cs.Const))
			if err != nil {
				return 0, err
			}
			matched = re.MatchString(subject)
		}
		if matched {
			return int(cs.PC), nil
		}
	}
	return int(table.ElsePC), nil
}

func (m *VM) compiledRegex(p *ir.Program, idx int) (*regexp.Regexp, error) {
	if re, ok := m.regexCache[idx]; ok {
		return re, nil
	}
	src, err := p.Pool.RegexSourceAt(idx)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", src, err)
	}
	m.regexCache[idx] = re
	return re, nil
}

func (m *VM) call(p *ir.Program, ins ir.Instruction, regs []value.Value) error {
	name := p.Externs[ins.B]
	fn, ok := m.linker.Resolve(name)
	if !ok {
		return &RuntimeTrap{Message: fmt.Sprintf("no native callback linked for %q", name)}
	}
	argSpecs := p.Args[ins.D : ins.D+ins.C]
	args := make([]value.Value, len(argSpecs))
	for _, spec := range argSpecs {
		args[spec.ParamIdx] = regs[spec.Reg]
	}
	result, err := fn(args)
	if err != nil {
		return &RuntimeTrap{Message: fmt.Sprintf("%s: %v", name, err)}
	}
	regs[ins.A] = result
	return nil
}

func (m *VM) binary(op ir.Op, a, b value.Value) (value.Value, error) {
	switch op {
	case ir.OpAdd:
		return value.NumberValue(a.Number() + b.Number()), nil
	case ir.OpSub:
		return value.NumberValue(a.Number() - b.Number()), nil
	case ir.OpMul:
		return value.NumberValue(a.Number() * b.Number()), nil
	case ir.OpDiv:
		if b.Number() == 0 {
			return value.Value{}, fmt.Errorf("division by zero")
		}
		return value.NumberValue(a.Number() / b.Number()), nil
	case ir.OpMod:
		if b.Number() == 0 {
			return value.Value{}, fmt.Errorf("modulo by zero")
		}
		return value.NumberValue(a.Number() % b.Number()), nil
	case ir.OpPow:
		return value.NumberValue(ipow(a.Number(), b.Number())), nil
	case ir.OpBitAnd:
		return value.NumberValue(a.Number() & b.Number()), nil
	case ir.OpBitOr:
		return value.NumberValue(a.Number() | b.Number()), nil
	case ir.OpBitXor:
		return value.NumberValue(a.Number() ^ b.Number()), nil
	case ir.OpShl:
		return value.NumberValue(a.Number() << uint(b.Number())), nil
	case ir.OpShr:
		return value.NumberValue(a.Number() >> uint(b.Number())), nil
	case ir.OpConcat:
		return value.StringValue(a.String() + b.String()), nil
	case ir.OpCmpEq:
		return value.BoolValue(value.Equal(a, b)), nil
	case ir.OpCmpNe:
		return value.BoolValue(!value.Equal(a, b)), nil
	case ir.OpCmpLt:
		return value.BoolValue(a.Number() < b.Number()), nil
	case ir.OpCmpLe:
		return value.BoolValue(a.Number() <= b.Number()), nil
	case ir.OpCmpGt:
		return value.BoolValue(a.Number() > b.Number()), nil
	case ir.OpCmpGe:
		return value.BoolValue(a.Number() >= b.Number()), nil
	case ir.OpMatchHead:
		return value.BoolValue(strings.HasPrefix(a.String(), b.String())), nil
	case ir.OpMatchTail:
		return value.BoolValue(strings.HasSuffix(a.String(), b.String())), nil
	case ir.OpMatchRegex:
		re := b.RegExpVal()
		if re == nil {
			return value.Value{}, fmt.Errorf("=~ right operand is not a compiled regex")
		}
		return value.BoolValue(re.MatchString(a.String())), nil
	case ir.OpIn:
		return m.inOp(a, b)
	default:
		return value.Value{}, fmt.Errorf("unsupported binary opcode %d", op)
	}
}

func (m *VM) inOp(a, b value.Value) (value.Value, error) {
	switch b.Kind() {
	case value.CidrKind:
		return value.BoolValue(b.CidrVal().Contains(a.IP())), nil
	case value.CidrArray:
		for _, c := range b.Cidrs() {
			if c.Contains(a.IP()) {
				return value.BoolValue(true), nil
			}
		}
		return value.BoolValue(false), nil
	case value.IntArray:
		for _, n := range b.Ints() {
			if n == a.Number() {
				return value.BoolValue(true), nil
			}
		}
		return value.BoolValue(false), nil
	case value.StringArray:
		for _, s := range b.Strs() {
			if s == a.String() {
				return value.BoolValue(true), nil
			}
		}
		return value.BoolValue(false), nil
	default:
		return value.Value{}, fmt.Errorf("'in' not supported against %s", b.Kind())
	}
}

func ipow(base, exp int64) int64 {
	if exp < 0 {
		return 0
	}
	result := int64(1)
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}
