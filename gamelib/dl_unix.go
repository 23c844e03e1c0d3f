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

//go:build linux || darwin

package gamelib

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef void *(*create_interface_fn)(const char *name, int *code);

static void *call_factory(uintptr_t fn, const char *name) {
	return ((create_interface_fn)fn)(name, NULL);
}

static const char *last_error(void) {
	const char *err = dlerror();
	return err ? err : "unknown error";
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type dynamicLinker struct{}

// System is the process's dynamic linker.
var System Linker = dynamicLinker{}

func (dynamicLinker) Open(name string) (Handle, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	h := C.dlopen(cname, C.RTLD_NOW)
	if h == nil {
		return 0, fmt.Errorf("dlopen %s: %s", name, C.GoString(C.last_error()))
	}
	return Handle(uintptr(h)), nil
}

func (dynamicLinker) Sym(h Handle, name string) uintptr {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	return uintptr(C.dlsym(unsafe.Pointer(uintptr(h)), cname))
}

func (dynamicLinker) Module(h Handle) (Module, error) {
	return moduleOf(h) // OS-specific
}

func (dynamicLinker) Factory(addr uintptr) Factory {
	return func(iface string) uintptr {
		cname := C.CString(iface)
		defer C.free(unsafe.Pointer(cname))
		return uintptr(C.call_factory(C.uintptr_t(addr), cname))
	}
}

func (dynamicLinker) Close(h Handle) error {
	if C.dlclose(unsafe.Pointer(uintptr(h))) != 0 {
		return fmt.Errorf("dlclose: %s", C.GoString(C.last_error()))
	}
	return nil
}
