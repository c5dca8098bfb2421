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

// Package runtime is the native callback registry embedding applications use
// to expose Flow externs: request/response accessors, the cache/static
// handler integration points, and logging. It turns a set of typed
// Go functions into the ast.ExternDecl signatures sema checks against and
// the vm.Native callbacks the VM invokes.
package runtime

import (
	"fmt"

	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/value"
	"github.com/etalazz/x0d/pkg/flow/vm"
)

// Attribute tags a registered callback with properties. The Registry stores
// them on the Callback; no compiler pass in this module reads them.
type Attribute int

const (
	// NoReturn marks a handler that never returns control to the calling
	// Flow program (e.g. the terminal `deny`/`allow` actions).
	NoReturn Attribute = 1 << iota
	// SideEffectFree marks a function whose result depends only on its
	// arguments and which changes no state.
	SideEffectFree
	// Experimental marks a callback that may change signature between
	// releases; ExperimentalNames lists the callbacks carrying it.
	Experimental
)

// Callback is one registered native function or handler: its Flow-visible
// signature plus the Go function implementing it.
type Callback struct {
	Name       string
	IsHandler  bool
	ReturnType ast.Type
	Params     []ast.Param
	Attrs      Attribute
	Fn         vm.Native
}

// Registry collects Callbacks under construction by the embedding
// application (cmd/x0d wires one up from internal/x0d/httpd, internal/x0d/
// cache, and internal/x0d/static) before compiling any Flow source against
// it.
type Registry struct {
	callbacks map[string]*Callback
	order     []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[string]*Callback)}
}

// Register adds cb to the registry. Registering the same name twice is a
// programming error in the embedding application and panics immediately,
// since all registration happens during startup wiring.
func (r *Registry) Register(cb Callback) {
	if _, exists := r.callbacks[cb.Name]; exists {
		panic(fmt.Sprintf("runtime: callback %q registered twice", cb.Name))
	}
	stored := cb
	r.callbacks[cb.Name] = &stored
	r.order = append(r.order, cb.Name)
}

// Externs returns the ast.ExternDecl signatures sema should check calls
// against, in registration order so diagnostics are stable across runs.
func (r *Registry) Externs() []*ast.ExternDecl {
	out := make([]*ast.ExternDecl, 0, len(r.order))
	for _, name := range r.order {
		cb := r.callbacks[name]
		out = append(out, &ast.ExternDecl{
			Name:       cb.Name,
			IsHandler:  cb.IsHandler,
			ReturnType: cb.ReturnType,
			Params:     cb.Params,
		})
	}
	return out
}

// Linker returns a vm.Linker resolving every registered callback by name.
func (r *Registry) Linker() vm.Linker {
	m := make(vm.MapLinker, len(r.callbacks))
	for name, cb := range r.callbacks {
		m[name] = cb.Fn
	}
	return m
}

// Lookup returns the registered Callback for name, if any.
func (r *Registry) Lookup(name string) (*Callback, bool) {
	cb, ok := r.callbacks[name]
	return cb, ok
}

// ExperimentalNames returns the names registered with the Experimental
// attribute, in registration order.
func (r *Registry) ExperimentalNames() []string {
	var out []string
	for _, name := range r.order {
		if r.callbacks[name].Attrs&Experimental != 0 {
			out = append(out, name)
		}
	}
	return out
}

// Const registers a zero-argument, side-effect-free function returning a
// fixed Value — the idiom used for constants like `true`/`sys.cpuCount`.
func Const(name string, typ ast.Type, v value.Value) Callback {
	return Callback{
		Name:       name,
		ReturnType: typ,
		Attrs:      SideEffectFree,
		Fn: func(args []value.Value) (value.Value, error) {
			return v, nil
		},
	}
}
