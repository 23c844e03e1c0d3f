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

package ins

// #include "bridge.h"
import "C"

import (
	"sync/atomic"
	"unsafe"
)

// paths receives FindFirst wildcards while the Day of Infamy detour is installed.
var paths atomic.Pointer[func(unsafe.Pointer)]

type hook struct {
	callback uintptr
	slot     *uintptr
}

func sdlInitHook() hook {
	return hook{uintptr(C.nx_sdlinit_addr()), (*uintptr)(unsafe.Pointer(&C.nx_sdlinit_tramp))}
}

func findFirstHook() hook {
	return hook{uintptr(C.nx_findfirst_addr()), (*uintptr)(unsafe.Pointer(&C.nx_findfirst_tramp))}
}

//export nxInsFixPath
func nxInsFixPath(path *C.char) {
	if fix := paths.Load(); fix != nil {
		(*fix)(unsafe.Pointer(path))
	}
}
