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
#define _GNU_SOURCE
#include <dlfcn.h>
#include <link.h>
#include <stdint.h>

static int module_of(void *h, uintptr_t *bias, const char **path) {
	struct link_map *lm = NULL;
	if (dlinfo(h, RTLD_DI_LINKMAP, &lm) != 0 || lm == NULL) {
		return -1;
	}
	*bias = (uintptr_t)lm->l_addr;
	*path = lm->l_name;
	return 0;
}
*/
import "C"

import (
	"fmt"
	"path/filepath"
	"unsafe"
)

func moduleOf(h Handle) (Module, error) {
	var bias C.uintptr_t
	var path *C.char
	if C.module_of(unsafe.Pointer(uintptr(h)), &bias, &path) != 0 {
		return Module{}, fmt.Errorf("dlinfo: no link map for handle %#x", uintptr(h))
	}
	p, err := filepath.Abs(C.GoString(path))
	if err != nil {
		return Module{}, err
	}
	return Module{Path: p, Bias: uintptr(bias)}, nil
}
