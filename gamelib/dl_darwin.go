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

package gamelib

/*
#include <dlfcn.h>
#include <mach-o/dyld.h>
#include <stdint.h>

// dyld has no handle to image mapping, compare handles of every loaded image instead
static int module_of(void *h, intptr_t *slide, const char **path) {
	uint32_t n = _dyld_image_count();
	for (uint32_t i = 0; i < n; i++) {
		const char *name = _dyld_get_image_name(i);
		void *other = dlopen(name, RTLD_NOLOAD | RTLD_LAZY);
		if (other == NULL) {
			continue;
		}
		dlclose(other);
		if (other == h) {
			*slide = _dyld_get_image_vmaddr_slide(i);
			*path = name;
			return 0;
		}
	}
	return -1;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

func moduleOf(h Handle) (Module, error) {
	var slide C.intptr_t
	var path *C.char
	if C.module_of(unsafe.Pointer(uintptr(h)), &slide, &path) != 0 {
		return Module{}, fmt.Errorf("dyld: no image for handle %#x", uintptr(h))
	}
	return Module{Path: C.GoString(path), Bias: uintptr(slide)}, nil
}
