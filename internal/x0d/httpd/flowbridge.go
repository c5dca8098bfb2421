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

package httpd

import (
	"net"

	"github.com/etalazz/x0d/pkg/flow/ast"
	"github.com/etalazz/x0d/pkg/flow/runtime"
	"github.com/etalazz/x0d/pkg/flow/value"
)

// RegisterRequestBuiltins wires the request/response accessors every Flow
// handler needs onto r, bound to the channel active when the VM runs; this
// callback surface is the single seam between the HTTP core and the
// compiled Flow program. current is called fresh
// on every invocation rather than captured once, since one VM/Registry pair
// serves every connection on a worker loop sequentially.
func RegisterRequestBuiltins(r *runtime.Registry, current func() *Channel) {
	r.Register(runtime.Callback{
		Name: "path", ReturnType: ast.TypeString,
		Attrs: runtime.SideEffectFree,
		Fn: func(args []value.Value) (value.Value, error) {
			return value.StringValue(current().Request().Path), nil
		},
	})
	r.Register(runtime.Callback{
		Name: "method", ReturnType: ast.TypeString,
		Attrs: runtime.SideEffectFree,
		Fn: func(args []value.Value) (value.Value, error) {
			return value.StringValue(current().Request().Method), nil
		},
	})
	r.Register(runtime.Callback{
		Name: "host", ReturnType: ast.TypeString,
		Attrs: runtime.SideEffectFree,
		Fn: func(args []value.Value) (value.Value, error) {
			return value.StringValue(current().Request().Host), nil
		},
	})
	r.Register(runtime.Callback{
		Name: "header", ReturnType: ast.TypeString,
		Params: []ast.Param{{Name: "name", Type: ast.TypeString}},
		Attrs:  runtime.SideEffectFree,
		Fn: func(args []value.Value) (value.Value, error) {
			return value.StringValue(current().Request().Header(args[0].String())), nil
		},
	})
	r.Register(runtime.Callback{
		Name: "remoteip", ReturnType: ast.TypeIP,
		Attrs: runtime.SideEffectFree,
		Fn: func(args []value.Value) (value.Value, error) {
			return value.IPValue(net.ParseIP(current().Request().RemoteIP)), nil
		},
	})

	r.Register(runtime.Callback{
		Name: "status", IsHandler: true,
		Params: []ast.Param{{Name: "code", Type: ast.TypeNumber}},
		Fn: func(args []value.Value) (value.Value, error) {
			current().Status(int(args[0].Number()))
			return value.VoidValue(), nil
		},
	})
	r.Register(runtime.Callback{
		Name: "setheader", IsHandler: true,
		Params: []ast.Param{{Name: "name", Type: ast.TypeString}, {Name: "value", Type: ast.TypeString}},
		Fn: func(args []value.Value) (value.Value, error) {
			current().SetHeader(args[0].String(), args[1].String())
			return value.VoidValue(), nil
		},
	})
	r.Register(runtime.Callback{
		Name: "write", IsHandler: true,
		Params: []ast.Param{{Name: "body", Type: ast.TypeString}},
		Fn: func(args []value.Value) (value.Value, error) {
			current().Write([]byte(args[0].String()))
			return value.VoidValue(), nil
		},
	})
	r.Register(runtime.Callback{
		Name: "deny", IsHandler: true, Attrs: runtime.NoReturn,
		Fn: func(args []value.Value) (value.Value, error) {
			current().Status(403)
			current().Write([]byte("denied\n"))
			return value.BoolValue(true), nil
		},
	})
}
