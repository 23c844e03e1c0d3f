// This file is part of NXDetour project, available at https://github.com/qrdl/nxdetour
// Copyright (c) 2024-2026 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build (linux || darwin) && (amd64 || arm64)

package nxdetour

import (
	"errors"
	"reflect"
	"runtime"
	"strings"
	"unsafe"
)

var (
	ErrNotFunc     = errors.New("not a function")
	ErrBoundMethod = errors.New("bound method value has no fixed entry address")
)

/*
CodeAddress returns the entry address of a top-level function or a method expression
like (*T).Method. Method values (t.Method) are closures over their receiver and are
rejected with [ErrBoundMethod].
*/
func CodeAddress(fn any) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0, ErrNotFunc
	}
	pc := uintptr(v.UnsafePointer())
	if f := runtime.FuncForPC(pc); f != nil && strings.HasSuffix(f.Name(), "-fm") {
		return 0, ErrBoundMethod
	}
	return pc, nil
}

// Func returns a function value of type T that calls the code at addr. The code must follow
// the Go internal calling convention for T.
func Func[T any](addr uintptr) T {
	var fn T
	if reflect.TypeOf((*T)(nil)).Elem().Kind() != reflect.Func {
		panic("Func() can be instantiated only with function types")
	}
	// a func value points to a closure whose first word is the code address
	code := new(uintptr)
	*code = addr
	*(*unsafe.Pointer)(unsafe.Pointer(&fn)) = unsafe.Pointer(code)
	return fn
}
