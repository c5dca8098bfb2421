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

// Package ir defines the fixed-width bytecode instruction set Flow handlers
// compile to, and the code generator that lowers a checked ast.Unit into a
// Program.
package ir

import "github.com/etalazz/x0d/pkg/flow/constpool"

// Op is one bytecode opcode. The instruction encoding is a 32-bit-operand
// triple {Op, A, B, C}; individual opcodes use as many of A/B/C as they need
// and leave the rest zero.
type Op uint8

const (
	OpNop Op = iota

	OpLoadConstNum   // A = dest reg, B = numbers[] index
	OpLoadConstStr   // A = dest reg, B = strings[] index
	OpLoadConstIP    // A = dest reg, B = ips[] index
	OpLoadConstCidr  // A = dest reg, B = cidrs[] index
	OpLoadConstRegex // A = dest reg, B = regexes[] index
	OpLoadConstArray // A = dest reg, B = arrays[] index
	OpLoadBool       // A = dest reg, B = 0 or 1

	OpLoadLocal  // A = dest reg, B = local slot
	OpStoreLocal // A = local slot, B = src reg

	OpMove // A = dest reg, B = src reg

	OpNeg // A = dest, B = src
	OpNot // A = dest, B = src

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpBitAnd
	OpBitOr
	OpBitXor
	OpShl
	OpShr
	OpConcat // string '+'

	OpCmpEq
	OpCmpNe
	OpCmpLt
	OpCmpLe
	OpCmpGt
	OpCmpGe
	OpMatchHead // =^
	OpMatchTail // =$
	OpMatchRegex // =~
	OpIn         // in

	OpJmp // A = target pc
	OpJZ  // A = target pc, B = cond reg; jump if reg is falsy
	OpJN  // A = target pc, B = cond reg; jump if reg is truthy

	// The SMATCH family consumes the subject in register A and dispatches
	// through Matches[B]: control transfers to the PC of the first case
	// whose label matches, or to the table's ElsePC.
	OpSMatchEq  // ==
	OpSMatchBeg // =^
	OpSMatchEnd // =$
	OpSMatchRe  // =~

	// OpCall invokes the extern/function named by Externs[B], binding the C
	// ArgSpec entries found at Program.Args[D:D+C]; the result, if any,
	// lands in register A.
	OpCall

	OpHalt // handler body fell off the end, or an explicit early exit
)

func (op Op) Binary() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpBitAnd, OpBitOr, OpBitXor,
		OpShl, OpShr, OpConcat, OpCmpEq, OpCmpNe, OpCmpLt, OpCmpLe, OpCmpGt, OpCmpGe,
		OpMatchHead, OpMatchTail, OpMatchRegex, OpIn:
		return true
	default:
		return false
	}
}

// Instruction is one fixed-width bytecode instruction. Most opcodes use only
// A/B/C; OpCall additionally uses D to locate its argument window.
type Instruction struct {
	Op         Op
	A, B, C, D int32
}

// ArgSpec describes one bound call argument: the register holding its value
// and the formal parameter index it fills (named/positional binding is
// already resolved by sema, so by the time ir runs, argument order is fixed).
type ArgSpec struct {
	Reg      int32
	ParamIdx int32
}

// MatchCaseDef is one dispatch-table row: the constant-pool index of the
// case label (strings table for ==/=^/=$, regexes table for =~) and the PC
// of the case body.
type MatchCaseDef struct {
	Const int32
	PC    int32
}

// MatchTable is the dispatch table one SMATCH instruction runs: cases in
// declaration order, first match wins, ElsePC taken when none matches.
type MatchTable struct {
	Op     Op // the SMATCH opcode this table belongs to
	Cases  []MatchCaseDef
	ElsePC int32
}

// Program is one compiled handler body, ready for the vm package to execute.
type Program struct {
	Name    string
	Code    []Instruction
	Args    []ArgSpec // flattened call-argument table, sliced by OpCall's D/C
	Externs []string  // names referenced by OpCall, indexed by B
	Matches []MatchTable
	Pool    *constpool.Pool
	NumRegs int
	NumLocals int
}
