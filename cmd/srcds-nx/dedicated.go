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

package main

/*
#include <stdint.h>
#include <stdlib.h>

static int call_dedicated_main(uintptr_t fn, int argc, char **argv) {
	return ((int (*)(int, char **))fn)(argc, argv);
}
*/
import "C"

import "unsafe"

// dedicatedMain runs int DedicatedMain(int argc, char **argv) at fn. It returns when
// the server quits. The argument strings are never freed, the engine keeps pointers to them.
func dedicatedMain(fn uintptr, args []string) int {
	argv := (**C.char)(C.calloc(C.size_t(len(args)+1), C.size_t(unsafe.Sizeof((*C.char)(nil)))))
	list := unsafe.Slice(argv, len(args)+1)
	for i, a := range args {
		list[i] = C.CString(a)
	}
	return int(C.call_dedicated_main(C.uintptr_t(fn), C.int(len(args)), argv))
}
