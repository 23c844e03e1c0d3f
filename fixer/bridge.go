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

package fixer

/*
#include <stdlib.h>
#include "bridge.h"
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

var active atomic.Pointer[Shared]

func activate(s *Shared) {
	active.Store(s)
}

func deactivate(s *Shared) {
	active.CompareAndSwap(s, nil)
}

// hook is a C callback and the slot its trampoline goes to.
type hook struct {
	callback uintptr
	slot     *uintptr
}

func slot(p *unsafe.Pointer) *uintptr {
	return (*uintptr)(unsafe.Pointer(p))
}

func loadModulesHook() hook {
	return hook{uintptr(C.nx_loadmodules_addr()), slot(&C.nx_loadmodules_tramp)}
}

func addSearchPathHook(proto AddSearchPathType) hook {
	if proto == StringStringIntBool {
		return hook{uintptr(C.nx_addsearchpath4_addr()), slot(&C.nx_addsearchpath_tramp)}
	}
	return hook{uintptr(C.nx_addsearchpath3_addr()), slot(&C.nx_addsearchpath_tramp)}
}

func steamLoadModuleHook() hook {
	return hook{uintptr(C.nx_steam_loadmodule_addr()), slot(&C.nx_steam_loadmodule_tramp)}
}

func debugStringHook() hook {
	return hook{uintptr(C.nx_debugstring_addr()), slot(&C.nx_debugstring_tramp)}
}

//export nxGoLoadModules
func nxGoLoadModules(self, group C.uintptr_t) C.int {
	s := active.Load()
	if s == nil {
		return 0
	}
	ok := s.loadModules(uintptr(group), func() bool {
		return bool(C.nx_call_loadmodules(self, group))
	})
	if !ok {
		return 0
	}
	return 1
}

//export nxGoFixPath
func nxGoFixPath(path *C.char) {
	if s := active.Load(); s != nil {
		s.server.FixPath(unsafe.Pointer(path))
	}
}

//export nxGoSteamLoadModule
func nxGoSteamLoadModule(name *C.char, flags C.int) C.uintptr_t {
	if name != nil && blockedModule(C.GoString(name)) {
		if s := active.Load(); s != nil {
			s.log.Debugf("blocked %s", C.GoString(name))
		}
		return 0
	}
	return C.nx_call_steam_loadmodule(name, flags)
}

var interned sync.Map // string -> *C.char

// cstr returns a C copy of str that lives as long as the process. The engine keeps pointers
// to module and interface names it is given.
func cstr(str string) *C.char {
	if p, ok := interned.Load(str); ok {
		return p.(*C.char)
	}
	fresh := C.CString(str)
	p, loaded := interned.LoadOrStore(str, fresh)
	if loaded {
		C.free(unsafe.Pointer(fresh))
	}
	return p.(*C.char)
}

// callAddSystems calls CAppSystemGroup::AddSystems at fn with a terminated C copy of systems.
func callAddSystems(fn, group uintptr, systems []AppSystemInfo) bool {
	n := len(systems) + 1
	arr := (*C.nx_app_system_info)(C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(C.nx_app_system_info{}))))
	defer C.free(unsafe.Pointer(arr))

	list := unsafe.Slice(arr, n)
	for i, sys := range systems {
		list[i].module = cstr(sys.Module)
		list[i].iface = cstr(sys.Interface)
	}
	list[n-1].module, list[n-1].iface = cstr(""), cstr("")

	return bool(C.nx_call_addsystems(C.uintptr_t(fn), C.uintptr_t(group), arr))
}

// CallAddSystem calls CAppSystemGroup::AddSystem(IAppSystem *, const char *) at fn.
func CallAddSystem(fn, group, system uintptr, iface string) int {
	return int(C.nx_call_addsystem(C.uintptr_t(fn), C.uintptr_t(group), C.uintptr_t(system), cstr(iface)))
}

// CallCreate calls a void *(*)(void) at fn.
func CallCreate(fn uintptr) uintptr {
	return uintptr(C.nx_call_create(C.uintptr_t(fn)))
}
