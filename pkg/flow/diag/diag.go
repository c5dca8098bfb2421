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

// Package diag collects compile-time diagnostics (lexer/parser/type/link
// errors and warnings) accumulated across a single compilation. Compilation
// fails iff at least one diagnostic of type TokenError, SyntaxError,
// TypeError, or LinkError is present; warnings alone never fail it.
package diag

import (
	"fmt"
	"strings"

	"github.com/etalazz/x0d/pkg/flow/token"
)

// Severity classifies a Diagnostic as fatal to compilation or informational.
type Severity int

const (
	TokenError Severity = iota
	SyntaxError
	TypeError
	LinkError
	Warning
)

func (s Severity) String() string {
	switch s {
	case TokenError:
		return "token error"
	case SyntaxError:
		return "syntax error"
	case TypeError:
		return "type error"
	case LinkError:
		return "link error"
	case Warning:
		return "warning"
	default:
		return "diagnostic"
	}
}

// Fatal reports whether this severity fails compilation.
func (s Severity) Fatal() bool { return s != Warning }

// Diagnostic is one compile-time message tied to a source range.
type Diagnostic struct {
	Severity Severity
	Range    token.Range
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %s", d.Range, d.Severity, d.Message)
}

// Report accumulates diagnostics for one compilation unit.
type Report struct {
	items []Diagnostic
}

func (r *Report) Add(sev Severity, rng token.Range, format string, args ...any) {
	r.items = append(r.items, Diagnostic{Severity: sev, Range: rng, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) Items() []Diagnostic { return r.items }

// Failed reports whether any accumulated diagnostic is fatal.
func (r *Report) Failed() bool {
	for _, d := range r.items {
		if d.Severity.Fatal() {
			return true
		}
	}
	return false
}

func (r *Report) Error() string {
	var sb strings.Builder
	for _, d := range r.items {
		sb.WriteString(d.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
