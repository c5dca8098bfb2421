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

// Package constpool implements the per-program constant pool: six
// append-only, deduplicated tables (numbers, strings, IP addresses, CIDRs,
// regexes, and literal arrays) addressed by small integer indices that
// appear as instruction operands.
package constpool

import (
	"fmt"
	"net"

	"github.com/etalazz/x0d/pkg/flow/value"
)

// Pool holds the deduplicated literal tables for one compiled program.
// A Pool is append-only during code generation and read-only afterward, so
// multiple event-loop goroutines may share one Program's Pool concurrently
// without locking.
type Pool struct {
	numbers []int64
	strings []string
	ips     []net.IP
	cidrs   []value.Cidr
	regexes []string // source pattern; compiled lazily by the VM/runtime
	arrays  []value.Value

	numberIdx map[int64]int
	stringIdx map[string]int
	ipIdx     map[string]int
	cidrIdx   map[string]int
	regexIdx  map[string]int
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{
		numberIdx: make(map[int64]int),
		stringIdx: make(map[string]int),
		ipIdx:     make(map[string]int),
		cidrIdx:   make(map[string]int),
		regexIdx:  make(map[string]int),
	}
}

// InternNumber returns the pool index for n, reusing an existing entry when
// the same integer literal was already interned.
func (p *Pool) InternNumber(n int64) int {
	if idx, ok := p.numberIdx[n]; ok {
		return idx
	}
	idx := len(p.numbers)
	p.numbers = append(p.numbers, n)
	p.numberIdx[n] = idx
	return idx
}

// InternString returns the pool index for s.
func (p *Pool) InternString(s string) int {
	if idx, ok := p.stringIdx[s]; ok {
		return idx
	}
	idx := len(p.strings)
	p.strings = append(p.strings, s)
	p.stringIdx[s] = idx
	return idx
}

// InternIP returns the pool index for ip.
func (p *Pool) InternIP(ip net.IP) int {
	key := ip.String()
	if idx, ok := p.ipIdx[key]; ok {
		return idx
	}
	idx := len(p.ips)
	p.ips = append(p.ips, ip)
	p.ipIdx[key] = idx
	return idx
}

// InternCidr returns the pool index for c.
func (p *Pool) InternCidr(c value.Cidr) int {
	key := c.String()
	if idx, ok := p.cidrIdx[key]; ok {
		return idx
	}
	idx := len(p.cidrs)
	p.cidrs = append(p.cidrs, c)
	p.cidrIdx[key] = idx
	return idx
}

// InternRegex returns the pool index for the regex source pattern.
func (p *Pool) InternRegex(pattern string) int {
	if idx, ok := p.regexIdx[pattern]; ok {
		return idx
	}
	idx := len(p.regexes)
	p.regexes = append(p.regexes, pattern)
	p.regexIdx[pattern] = idx
	return idx
}

// InternArray appends an array literal to the array table and returns its
// index. Array literals are not deduplicated by structural equality beyond a
// linear scan, since handler bodies rarely repeat identical array literals.
func (p *Pool) InternArray(v value.Value) int {
	for i, existing := range p.arrays {
		if value.Equal(existing, v) {
			return i
		}
	}
	idx := len(p.arrays)
	p.arrays = append(p.arrays, v)
	return idx
}

// Number returns the interned integer at idx, or an error if idx is out of
// range for this pool; instructions must never reference an index the pool
// does not hold.
func (p *Pool) Number(idx int) (int64, error) {
	if idx < 0 || idx >= len(p.numbers) {
		return 0, fmt.Errorf("constpool: number index %d out of range (have %d)", idx, len(p.numbers))
	}
	return p.numbers[idx], nil
}

func (p *Pool) StringAt(idx int) (string, error) {
	if idx < 0 || idx >= len(p.strings) {
		return "", fmt.Errorf("constpool: string index %d out of range (have %d)", idx, len(p.strings))
	}
	return p.strings[idx], nil
}

func (p *Pool) IPAt(idx int) (net.IP, error) {
	if idx < 0 || idx >= len(p.ips) {
		return nil, fmt.Errorf("constpool: ip index %d out of range (have %d)", idx, len(p.ips))
	}
	return p.ips[idx], nil
}

func (p *Pool) CidrAt(idx int) (value.Cidr, error) {
	if idx < 0 || idx >= len(p.cidrs) {
		return value.Cidr{}, fmt.Errorf("constpool: cidr index %d out of range (have %d)", idx, len(p.cidrs))
	}
	return p.cidrs[idx], nil
}

func (p *Pool) RegexSourceAt(idx int) (string, error) {
	if idx < 0 || idx >= len(p.regexes) {
		return "", fmt.Errorf("constpool: regex index %d out of range (have %d)", idx, len(p.regexes))
	}
	return p.regexes[idx], nil
}

func (p *Pool) ArrayAt(idx int) (value.Value, error) {
	if idx < 0 || idx >= len(p.arrays) {
		return value.Value{}, fmt.Errorf("constpool: array index %d out of range (have %d)", idx, len(p.arrays))
	}
	return p.arrays[idx], nil
}

// Counts returns the size of each table, used by tests and the disassembler.
func (p *Pool) Counts() (numbers, strs, ips, cidrs, regexes, arrays int) {
	return len(p.numbers), len(p.strings), len(p.ips), len(p.cidrs), len(p.regexes), len(p.arrays)
}
