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

/*
Package fixer adapts a Source dedicated server to the platform it runs on. It installs the
hooks every game needs and runs a game specific [Driver] around the server's module loading.

The server calls back into this package from C, through the shims of bridge.c. Drivers only
see the [ServerAPI] and their own [Context].
*/
package fixer

import (
	"unsafe"

	"github.com/qrdl/nxdetour"
	"github.com/qrdl/nxdetour/gamelib"
)

// AppSystemInfo names an app system module and the interface it provides.
type AppSystemInfo struct {
	Module    string
	Interface string
}

// PatternType tells how [SearchPath.Symbol] locates CBaseFileSystem::AddSearchPath.
type PatternType int

const (
	Default   PatternType = iota - 1 // known symbol names, 3 and 4 argument variants
	Symbol                           // hidden symbol name
	Signature                        // code signature
)

func (t PatternType) String() string {
	switch t {
	case Default:
		return "default"
	case Symbol:
		return "symbol"
	case Signature:
		return "signature"
	}
	return "unknown"
}

// AddSearchPathType is the prototype of the located AddSearchPath.
type AddSearchPathType int

const (
	StringStringInt     AddSearchPathType = iota // (path, pathID, addType)
	StringStringIntBool                          // (path, pathID, addType, bool)
)

// SearchPath describes where to find AddSearchPath.
type SearchPath struct {
	Type      PatternType
	Symbol    string // symbol name or signature, unused for Default
	Prototype AddSearchPathType
}

// ServerAPI is what drivers may ask of the server.
type ServerAPI interface {
	// CreateDetour prepares a detour, the caller enables it.
	CreateDetour(callback uintptr, trampoline *uintptr, target uintptr) (*nxdetour.Detour, error)
	// FixPath removes the app bundle part from a NUL-terminated path, in place.
	FixPath(path unsafe.Pointer)
	// Args returns the server command line, program name included.
	Args() []string
	// AddSystems adds app systems to the group being loaded.
	AddSystems(systems []AppSystemInfo) error
	// LoadLibrary opens a server library, the caller closes it.
	LoadLibrary(name string) (*gamelib.Library, error)
	// Patch overwrites code or read-only data.
	Patch(addr uintptr, data []byte) error
}

/*
Driver fixes one game. PreLoadModules and PostLoadModules run inside the server's
CSys::LoadModules, before and after the original. An error from any of them stops the server.
*/
type Driver interface {
	Init(ctx *Context) error
	PreLoadModules(ctx *Context, group uintptr) error
	PostLoadModules(ctx *Context, group uintptr) error
	Shutdown(ctx *Context)
}

// SearchPathLocator is implemented by drivers whose game needs a non-default way to find
// CBaseFileSystem::AddSearchPath.
type SearchPathLocator interface {
	AddSearchPath() SearchPath
}

func searchPathOf(d Driver) SearchPath {
	if l, ok := d.(SearchPathLocator); ok {
		return l.AddSearchPath()
	}
	return SearchPath{Type: Default, Prototype: StringStringInt}
}
