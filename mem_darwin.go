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

//go:build amd64 || arm64

package nxdetour

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>

static int region_protection(uint64_t addr, int *prot) {
	mach_vm_address_t start = addr;
	mach_vm_size_t size = 0;
	vm_region_basic_info_data_64_t info;
	mach_msg_type_number_t count = VM_REGION_BASIC_INFO_COUNT_64;
	mach_port_t object;

	kern_return_t kr = mach_vm_region(mach_task_self(), &start, &size, VM_REGION_BASIC_INFO_64,
		(vm_region_info_t)&info, &count, &object);
	if (kr != KERN_SUCCESS || start > addr) {
		return -1;
	}
	*prot = info.protection;
	return 0;
}

// VM_PROT_COPY gives the process a private copy of the pages, so the maximum protection
// of a signed __TEXT mapping no longer applies. Where W^X is enforced the pages stay
// non-executable until the protection is restored.
static kern_return_t copy_writable(uint64_t addr, uint64_t size) {
	kern_return_t kr = mach_vm_protect(mach_task_self(), addr, size, FALSE,
		VM_PROT_READ | VM_PROT_WRITE | VM_PROT_EXECUTE | VM_PROT_COPY);
	if (kr == KERN_SUCCESS) {
		return kr;
	}
	return mach_vm_protect(mach_task_self(), addr, size, FALSE,
		VM_PROT_READ | VM_PROT_WRITE | VM_PROT_COPY);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// protection returns the current protection of the page at addr. VM_PROT_* bits
// have the same values as PROT_*.
func protection(addr uintptr) (int, error) {
	var prot C.int
	if C.region_protection(C.uint64_t(addr), &prot) != 0 {
		return 0, fmt.Errorf("%#x is not mapped", addr)
	}
	return int(prot), nil
}

// makeWritable falls back to a copy-on-write remap when mprotect is refused, which is what
// happens to library __TEXT pages whose maximum protection lacks write.
func makeWritable(area []byte) error {
	err := unix.Mprotect(area, protRWX)
	if !errors.Is(err, unix.EACCES) {
		return err
	}
	return copyWritable(area)
}

func copyWritable(area []byte) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(area)))
	if kr := C.copy_writable(C.uint64_t(addr), C.uint64_t(len(area))); kr != C.KERN_SUCCESS {
		return fmt.Errorf("mach_vm_protect at %#x: kern_return %d", addr, int(kr))
	}
	return nil
}
