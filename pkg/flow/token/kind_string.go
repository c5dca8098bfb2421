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

package token

var kindNames = map[Kind]string{
	EOF: "EOF", ILLEGAL: "ILLEGAL",
	Ident: "IDENT", Number: "NUMBER", IPv4Literal: "IPV4", IPv6Literal: "IPV6",
	CidrLiteral: "CIDR", StringLiteral: "STRING", RegexLiteral: "REGEX",
	KwVar: "var", KwOn: "on", KwDo: "do", KwIf: "if", KwThen: "then", KwElse: "else",
	KwImport: "import", KwFrom: "from", KwHandler: "handler", KwExtern: "extern",
	KwAnd: "and", KwOr: "or", KwXor: "xor", KwNot: "not", KwIn: "in", KwAs: "as",
	KwIs: "is", KwMatch: "match", KwReturn: "return", KwTrue: "true", KwFalse: "false",
	KwBool: "bool", KwInt: "int", KwString: "string", KwIPType: "ip", KwCidrType: "cidr",
	KwRegexType: "regex", KwVoid: "void",
	LParen: "(", RParen: ")", LBrace: "{", RBrace: "}", LBracket: "[", RBracket: "]",
	Comma: ",", Semicolon: ";", Assign: "=",
	Plus: "+", Minus: "-", Mul: "*", Div: "/", Mod: "%", Pow: "**",
	Shl: "<<", Shr: ">>", BitAnd: "&", BitOr: "|", BitXor: "^",
	Eq: "==", Ne: "!=", Lt: "<", Le: "<=", Gt: ">", Ge: ">=",
	HeadMatch: "=^", TailMatch: "=$", RegexMatch: "=~",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}
