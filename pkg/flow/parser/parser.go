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

// Package parser builds a Flow ast.Unit from a token stream using recursive
// descent with precedence-climbing expression parsing.
package parser

import (
	"strings"

	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/diag"
	"github.com/etalazz/x0d/pkg/flow/lexer"
	"github.com/etalazz/x0d/pkg/flow/token"
)

// Parser consumes a token stream with one token of lookahead.
type Parser struct {
	file string
	lx   *lexer.Lexer
	tok  token.Token
	rep  *diag.Report

	// panicMode suppresses cascading syntax errors until a statement
	// boundary is resynchronized, mirroring the recovery strategy used by
	// recursive-descent parsers throughout the pack.
	panicMode bool
}

// Parse tokenizes and parses src, returning the resulting Unit and a
// diagnostic report. The Unit may be partial when the report has failed.
func Parse(file string, src []byte) (*ast.Unit, *diag.Report) {
	rep := &diag.Report{}
	p := &Parser{file: file, lx: lexer.New(file, src), rep: rep}
	p.next()
	unit := p.parseUnit()
	return unit, rep
}

func (p *Parser) next() {
	tok, err := p.lx.NextToken()
	if err != nil {
		if te, ok := err.(*lexer.TokenError); ok {
			p.rep.Add(diag.TokenError, te.Range, "%s", te.Text)
		} else {
			p.rep.Add(diag.TokenError, p.tok.Range, "%s", err.Error())
		}
		p.tok = token.Token{Kind: token.EOF, Range: p.tok.Range}
		return
	}
	p.tok = tok
}

func (p *Parser) at(k token.Kind) bool { return p.tok.Kind == k }

func (p *Parser) errorf(format string, args ...any) {
	if p.panicMode {
		return
	}
	p.panicMode = true
	p.rep.Add(diag.SyntaxError, p.tok.Range, format, args...)
}

// expect consumes the current token if it matches k, else records a syntax
// error and leaves the cursor in place so the caller can attempt recovery.
func (p *Parser) expect(k token.Kind) token.Token {
	if p.tok.Kind != k {
		p.errorf("expected %v, found %v %q", k, p.tok.Kind, p.tok.Text)
		return p.tok
	}
	t := p.tok
	p.panicMode = false
	p.next()
	return t
}

// syncToStmt advances past tokens until a plausible statement boundary, used
// for error recovery after a malformed statement.
func (p *Parser) syncToStmt() {
	for !p.at(token.EOF) {
		if p.tok.Kind == token.Semicolon {
			p.next()
			return
		}
		if p.tok.Kind == token.RBrace {
			return
		}
		p.next()
	}
}

func (p *Parser) parseUnit() *ast.Unit {
	start := p.tok.Range
	u := &ast.Unit{File: p.file}
	for !p.at(token.EOF) {
		switch p.tok.Kind {
		case token.KwImport:
			u.Imports = append(u.Imports, p.parseImport())
		case token.KwExtern:
			u.Externs = append(u.Externs, p.parseExtern())
		case token.KwVar:
			u.Variables = append(u.Variables, p.parseTopVarDecl())
		case token.KwHandler:
			u.Handlers = append(u.Handlers, p.parseHandler(""))
		case token.KwOn:
			u.Handlers = append(u.Handlers, p.parseOnHandler())
		default:
			p.errorf("expected top-level declaration, found %v %q", p.tok.Kind, p.tok.Text)
			p.syncToStmt()
		}
	}
	u.Rng = token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}
	return u
}

func (p *Parser) parseImport() *ast.Import {
	start := p.tok.Range
	p.next() // 'import'
	imp := &ast.Import{}
	imp.Names = append(imp.Names, p.expect(token.Ident).Text)
	for p.at(token.Comma) {
		p.next()
		imp.Names = append(imp.Names, p.expect(token.Ident).Text)
	}
	p.expect(token.KwFrom)
	path := p.expect(token.StringLiteral)
	imp.Path = path.StrVal
	p.expect(token.Semicolon)
	imp.Rng = token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}
	return imp
}

func (p *Parser) parseType() ast.Type {
	switch p.tok.Kind {
	case token.KwVoid:
		p.next()
		return ast.TypeVoid
	case token.KwBool:
		p.next()
		return ast.TypeBool
	case token.KwInt:
		p.next()
		if p.at(token.LBracket) {
			p.next()
			p.expect(token.RBracket)
			return ast.TypeIntArray
		}
		return ast.TypeNumber
	case token.KwString:
		p.next()
		if p.at(token.LBracket) {
			p.next()
			p.expect(token.RBracket)
			return ast.TypeStringArray
		}
		return ast.TypeString
	case token.KwIPType:
		p.next()
		if p.at(token.LBracket) {
			p.next()
			p.expect(token.RBracket)
			return ast.TypeIPArray
		}
		return ast.TypeIP
	case token.KwCidrType:
		p.next()
		if p.at(token.LBracket) {
			p.next()
			p.expect(token.RBracket)
			return ast.TypeCidrArray
		}
		return ast.TypeCidr
	case token.KwRegexType:
		p.next()
		return ast.TypeRegExp
	default:
		p.errorf("expected type, found %v %q", p.tok.Kind, p.tok.Text)
		return ast.TypeUnknown
	}
}

func (p *Parser) parseExtern() *ast.ExternDecl {
	start := p.tok.Range
	p.next() // 'extern'
	e := &ast.ExternDecl{}
	if p.at(token.KwHandler) {
		e.IsHandler = true
		p.next()
	} else {
		e.ReturnType = p.parseType()
	}
	e.Name = p.expect(token.Ident).Text
	p.expect(token.LParen)
	for !p.at(token.RParen) && !p.at(token.EOF) {
		param := ast.Param{}
		param.Type = p.parseType()
		param.Name = p.expect(token.Ident).Text
		if p.at(token.Assign) {
			p.next()
			p.parseExpr(precLowest) // default value; sema records optionality only
			param.Optional = true
		}
		e.Params = append(e.Params, param)
		if p.at(token.Comma) {
			p.next()
		} else {
			break
		}
	}
	p.expect(token.RParen)
	p.expect(token.Semicolon)
	e.Rng = token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}
	return e
}

func (p *Parser) parseTopVarDecl() *ast.VarDecl {
	start := p.tok.Range
	p.next() // 'var'
	name := p.expect(token.Ident).Text
	p.expect(token.Assign)
	init := p.parseExpr(precLowest)
	p.expect(token.Semicolon)
	return &ast.VarDecl{Name: name, Init: init, Rng: token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}}
}

func (p *Parser) parseOnHandler() *ast.Handler {
	p.next() // 'on'
	scope := p.expect(token.Ident).Text
	return p.parseHandler(scope)
}

func (p *Parser) parseHandler(on string) *ast.Handler {
	start := p.tok.Range
	if on == "" {
		p.expect(token.KwHandler)
	} else {
		p.expect(token.KwHandler)
	}
	name := p.expect(token.Ident).Text
	body := p.parseBlock()
	return &ast.Handler{Name: name, On: on, Body: body, Rng: token.Range{File: p.file, Start: start.Start, End: body.Rng.End}}
}

func (p *Parser) parseBlock() *ast.Block {
	start := p.tok.Range
	p.expect(token.LBrace)
	var stmts []ast.Stmt
	for !p.at(token.RBrace) && !p.at(token.EOF) {
		stmts = append(stmts, p.parseStmt())
	}
	end := p.tok.Range
	p.expect(token.RBrace)
	return &ast.Block{Stmts: stmts, Rng: token.Range{File: p.file, Start: start.Start, End: end.End}}
}

func (p *Parser) parseStmt() ast.Stmt {
	switch p.tok.Kind {
	case token.KwVar:
		return p.parseLocalVar()
	case token.KwIf:
		return p.parseIf()
	case token.KwMatch:
		return p.parseMatch()
	case token.KwReturn:
		start := p.tok.Range
		p.next() // 'return'
		p.expect(token.Semicolon)
		return &ast.ReturnStmt{Rng: token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}}
	case token.Ident:
		return p.parseIdentLedStmt()
	default:
		p.errorf("expected statement, found %v %q", p.tok.Kind, p.tok.Text)
		p.syncToStmt()
		return &ast.ExprStmt{Rng: p.tok.Range}
	}
}

func (p *Parser) parseLocalVar() ast.Stmt {
	start := p.tok.Range
	p.next() // 'var'
	name := p.expect(token.Ident).Text
	p.expect(token.Assign)
	init := p.parseExpr(precLowest)
	p.expect(token.Semicolon)
	return &ast.LocalVarStmt{Name: name, Init: init, Rng: token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}}
}

func (p *Parser) parseIf() ast.Stmt {
	start := p.tok.Range
	p.next() // 'if'
	cond := p.parseExpr(precLowest)
	p.expect(token.KwThen)
	then := p.parseBlock()
	var elseBlock *ast.Block
	if p.at(token.KwElse) {
		p.next()
		if p.at(token.KwIf) {
			// `else if` desugars to a one-statement block wrapping the
			// nested IfStmt, so the AST stays a strict block/stmt tree.
			nested := p.parseIf()
			elseBlock = &ast.Block{Stmts: []ast.Stmt{nested}, Rng: nested.Range()}
		} else {
			elseBlock = p.parseBlock()
		}
	}
	end := then.Rng.End
	if elseBlock != nil {
		end = elseBlock.Rng.End
	}
	return &ast.IfStmt{Cond: cond, Then: then, Else: elseBlock, Rng: token.Range{File: p.file, Start: start.Start, End: end}}
}

func (p *Parser) parseMatch() ast.Stmt {
	start := p.tok.Range
	p.next() // 'match'
	subject := p.parseExpr(precLowest)
	p.expect(token.LBrace)
	var cases []ast.MatchCase
	var elseBlock *ast.Block
	for !p.at(token.RBrace) && !p.at(token.EOF) {
		caseStart := p.tok.Range
		if p.at(token.KwElse) {
			p.next()
			elseBlock = p.parseBlock()
			if !p.at(token.RBrace) {
				p.errorf("match `else` must be the last arm")
			}
			continue
		}
		p.expect(token.KwOn)
		val := p.parseExpr(precLowest)
		body := p.parseBlock()
		cases = append(cases, ast.MatchCase{Value: val, Body: body, Rng: token.Range{File: p.file, Start: caseStart.Start, End: body.Rng.End}})
	}
	end := p.tok.Range
	p.expect(token.RBrace)
	return &ast.MatchStmt{
		Subject: subject,
		Op:      inferMatchOp(cases),
		Cases:   cases,
		Else:    elseBlock,
		Rng:     token.Range{File: p.file, Start: start.Start, End: end.End},
	}
}

// inferMatchOp derives the statement's single comparison operator from the
// shape of its case labels: regex labels select regex matching, string
// labels that all end in "/" select head matching (path-prefix arms),
// string labels that all start with "." select tail matching (suffix arms,
// e.g. file extensions), anything else is plain equality. Label/op type
// agreement is enforced by sema; this only reads syntactic shape.
func inferMatchOp(cases []ast.MatchCase) string {
	if len(cases) == 0 {
		return "=="
	}
	allHead, allTail := true, true
	for _, mc := range cases {
		switch lit := mc.Value.(type) {
		case *ast.RegexLit:
			return "=~"
		case *ast.StringLit:
			if !strings.HasSuffix(lit.Value, "/") {
				allHead = false
			}
			if !strings.HasPrefix(lit.Value, ".") {
				allTail = false
			}
		default:
			allHead, allTail = false, false
		}
	}
	switch {
	case allHead:
		return "=^"
	case allTail:
		return "=$"
	}
	return "=="
}

// parseIdentLedStmt disambiguates between an assignment (`name = expr;`) and
// an expression statement (`name.call arg1, arg2;` or a bare call).
func (p *Parser) parseIdentLedStmt() ast.Stmt {
	start := p.tok.Range
	name := p.tok.Text
	// Lookahead: assignment is exactly `ident '=' ...` where '=' is not
	// part of a comparison/match operator (those are distinct token kinds).
	savedLx := *p.lx
	savedTok := p.tok
	p.next()
	if p.at(token.Assign) {
		p.next()
		x := p.parseExpr(precLowest)
		p.expect(token.Semicolon)
		return &ast.AssignStmt{Name: name, X: x, Rng: token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}}
	}
	// Not an assignment: rewind and parse as a full expression statement,
	// which covers bare identifiers, calls, and operator expressions headed
	// by an identifier.
	*p.lx = savedLx
	p.tok = savedTok
	x := p.parseExpr(precLowest)
	p.expect(token.Semicolon)
	return &ast.ExprStmt{X: x, Rng: token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}}
}

// Operator precedence levels, lowest to highest.
const (
	precLowest = iota
	precOr
	precXor
	precAnd
	precNot
	precCompare
	precIn
	precBitOr
	precBitXor
	precBitAnd
	precShift
	precAdd
	precMul
	precPow
	precUnary
)

func binOpPrec(k token.Kind) (int, string, bool) {
	switch k {
	case token.KwOr:
		return precOr, "or", true
	case token.KwXor:
		return precXor, "xor", true
	case token.KwAnd:
		return precAnd, "and", true
	case token.Eq:
		return precCompare, "==", true
	case token.Ne:
		return precCompare, "!=", true
	case token.Lt:
		return precCompare, "<", true
	case token.Le:
		return precCompare, "<=", true
	case token.Gt:
		return precCompare, ">", true
	case token.Ge:
		return precCompare, ">=", true
	case token.HeadMatch:
		return precCompare, "=^", true
	case token.TailMatch:
		return precCompare, "=$", true
	case token.RegexMatch:
		return precCompare, "=~", true
	case token.BitOr:
		return precBitOr, "|", true
	case token.BitXor:
		return precBitXor, "^", true
	case token.BitAnd:
		return precBitAnd, "&", true
	case token.Shl:
		return precShift, "<<", true
	case token.Shr:
		return precShift, ">>", true
	case token.Plus:
		return precAdd, "+", true
	case token.Minus:
		return precAdd, "-", true
	case token.Mul:
		return precMul, "*", true
	case token.Div:
		return precMul, "/", true
	case token.Mod:
		return precMul, "%", true
	case token.Pow:
		return precPow, "**", true
	default:
		return 0, "", false
	}
}

// parseExpr implements precedence-climbing over the binary operator table,
// with `in` handled as its own production whose right operand is a single
// unary expression.
func (p *Parser) parseExpr(minPrec int) ast.Expr {
	left := p.parseUnary()
	for {
		if p.at(token.KwIn) && precIn >= minPrec {
			start := left.Range()
			p.next()
			right := p.parseUnary()
			left = &ast.InExpr{X: left, Y: right, Rng: token.Range{File: p.file, Start: start.Start, End: right.Range().End}}
			continue
		}
		prec, op, ok := binOpPrec(p.tok.Kind)
		if !ok || prec < minPrec {
			break
		}
		start := left.Range()
		p.next()
		nextMinPrec := prec + 1
		if op == "**" {
			nextMinPrec = prec // right-associative
		}
		right := p.parseExpr(nextMinPrec)
		left = &ast.BinaryExpr{Op: op, X: left, Y: right, Rng: token.Range{File: p.file, Start: start.Start, End: right.Range().End}}
	}
	return left
}

func (p *Parser) parseUnary() ast.Expr {
	start := p.tok.Range
	switch p.tok.Kind {
	case token.KwNot:
		p.next()
		x := p.parseUnary()
		return &ast.UnaryExpr{Op: "not", X: x, Rng: token.Range{File: p.file, Start: start.Start, End: x.Range().End}}
	case token.Minus:
		p.next()
		x := p.parseUnary()
		return &ast.UnaryExpr{Op: "-", X: x, Rng: token.Range{File: p.file, Start: start.Start, End: x.Range().End}}
	default:
		return p.parsePrimary()
	}
}

func (p *Parser) parsePrimary() ast.Expr {
	start := p.tok.Range
	switch p.tok.Kind {
	case token.KwTrue, token.KwFalse:
		v := p.tok.Kind == token.KwTrue
		p.next()
		return &ast.BoolLit{Value: v, Rng: start}
	case token.Number:
		v := p.tok.IntVal
		p.next()
		return &ast.NumberLit{Value: v, Rng: start}
	case token.StringLiteral:
		v := p.tok.StrVal
		p.next()
		return &ast.StringLit{Value: v, Rng: start}
	case token.IPv4Literal, token.IPv6Literal:
		v := p.tok.StrVal
		p.next()
		return &ast.IPLit{Text: v, Rng: start}
	case token.CidrLiteral:
		v := p.tok.StrVal
		p.next()
		return &ast.CidrLit{Text: v, Rng: start}
	case token.RegexLiteral:
		v := p.tok.StrVal
		p.next()
		return &ast.RegexLit{Pattern: v, Rng: start}
	case token.LBracket:
		return p.parseArrayLit()
	case token.LParen:
		p.next()
		x := p.parseExpr(precLowest)
		p.expect(token.RParen)
		return x
	case token.Ident:
		return p.parseIdentOrCall()
	default:
		p.errorf("expected expression, found %v %q", p.tok.Kind, p.tok.Text)
		p.next()
		return &ast.NumberLit{Value: 0, Rng: start}
	}
}

func (p *Parser) parseArrayLit() ast.Expr {
	start := p.tok.Range
	p.next() // '['
	var elems []ast.Expr
	for !p.at(token.RBracket) && !p.at(token.EOF) {
		elems = append(elems, p.parseExpr(precLowest))
		if p.at(token.Comma) {
			p.next()
		} else {
			break
		}
	}
	end := p.tok.Range
	p.expect(token.RBracket)
	return &ast.ArrayLit{Elems: elems, Rng: token.Range{File: p.file, Start: start.Start, End: end.End}}
}

// startsArgument reports whether the current token can begin a call
// argument, used to tell a bare identifier reference apart from a
// juxtaposition-style call with no parentheses (`log.error "boom";`).
func (p *Parser) startsArgument() bool {
	switch p.tok.Kind {
	case token.Number, token.StringLiteral, token.IPv4Literal, token.IPv6Literal,
		token.CidrLiteral, token.RegexLiteral, token.LBracket, token.LParen,
		token.Ident, token.Minus, token.KwNot:
		return true
	default:
		return false
	}
}

func (p *Parser) parseIdentOrCall() ast.Expr {
	start := p.tok.Range
	name := p.tok.Text
	p.next()
	if p.at(token.LParen) {
		p.next()
		args := p.parseArgs(token.RParen)
		end := p.tok.Range
		p.expect(token.RParen)
		return &ast.CallExpr{Callee: name, Args: args, Rng: token.Range{File: p.file, Start: start.Start, End: end.End}}
	}
	if p.startsArgument() && !p.at(token.Ident) {
		// paren-less call whose first argument is not an identifier and
		// whose comma-separated arguments run to the `;`,
		// e.g. `log.error "boom";` (a bare `deny;` stays an Ident)
		args := p.parseArgs(token.Semicolon)
		return &ast.CallExpr{Callee: name, Args: args, Rng: token.Range{File: p.file, Start: start.Start, End: p.tok.Range.End}}
	}
	return &ast.Ident{Name: name, Rng: start}
}

func (p *Parser) parseArgs(terminator token.Kind) []ast.Arg {
	var args []ast.Arg
	for !p.at(terminator) && !p.at(token.EOF) && !p.at(token.Semicolon) {
		arg := p.parseArg()
		args = append(args, arg)
		if p.at(token.Comma) {
			p.next()
			continue
		}
		break
	}
	return args
}

func (p *Parser) parseArg() ast.Arg {
	if p.at(token.Ident) {
		// `name: expr` named-argument form vs. a bare identifier expression.
		savedLx := *p.lx
		savedTok := p.tok
		name := p.tok.Text
		p.next()
		if p.at(token.Assign) {
			p.next()
			x := p.parseExpr(precLowest)
			return ast.Arg{Name: name, X: x}
		}
		*p.lx = savedLx
		p.tok = savedTok
	}
	return ast.Arg{X: p.parseExpr(precLowest)}
}
