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
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	protRX  = unix.PROT_READ | unix.PROT_EXEC

	nearStep  = 16 << 20
	nearSteps = 96
	reach     = 1<<31 - 1<<20 // RIP-relative displacement, minus a page-aligned margin
)

var pageSize = uintptr(os.Getpagesize())

func calcBoundaries(ptr unsafe.Pointer, size int) (unsafe.Pointer, uintptr) {
	areaStart := unsafe.Pointer(uintptr(ptr) &^ (pageSize - 1))
	areaSize := (uintptr(ptr) + uintptr(size)) - uintptr(areaStart)

	return areaStart, areaSize
}

/*
writeCode overwrites memory at addr with data. Touched pages are made writable for the
duration of the copy and get their previous protection back afterwards, page by page.
*/
func writeCode(addr uintptr, data []byte) error {
	start, size := calcBoundaries(unsafe.Pointer(addr), len(data))

	var prots []int
	for p := uintptr(start); p < uintptr(start)+size; p += pageSize {
		prot, err := protection(p) // OS-specific
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtect, err)
		}
		prots = append(prots, prot)
	}

	area := unsafe.Slice((*byte)(start), size)
	if err := makeWritable(area); err != nil { // OS-specific
		return fmt.Errorf("%w: making %#x writable: %v", ErrProtect, addr, err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
	flushCache(addr, len(data))

	var errs error
	for i, prot := range prots {
		page := unsafe.Slice((*byte)(unsafe.Add(start, uintptr(i)*pageSize)), pageSize)
		if err := unix.Mprotect(page, prot); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("%w: restoring protection at %#x: %w", ErrProtect, addr, errs)
	}
	return nil
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}

/*
allocCode maps size bytes of read-write memory, preferably within RIP-relative reach of
target. Hints are tried outwards from target in nearStep increments; when the kernel places
every hinted mapping elsewhere any address is accepted.
*/
func allocCode(target uintptr, size int) (unsafe.Pointer, error) {
	const flags = unix.MAP_PRIVATE | unix.MAP_ANON
	base := target &^ (nearStep - 1)
	for i := uintptr(1); i <= nearSteps; i++ {
		for _, hint := range []uintptr{base + i*nearStep, base - i*nearStep} {
			if distance(hint, target) > reach {
				continue // wrapped around
			}
			p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), unix.PROT_READ|unix.PROT_WRITE, flags)
			if err != nil {
				continue
			}
			if distance(uintptr(p), target) < reach {
				return p, nil
			}
			unix.MunmapPtr(p, uintptr(size))
		}
	}

	p, err := unix.MmapPtr(-1, 0, nil, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping trampoline: %v", ErrProtect, err)
	}
	return p, nil
}

func sealCode(p unsafe.Pointer, size int) error {
	if err := unix.Mprotect(unsafe.Slice((*byte)(p), size), protRX); err != nil {
		return fmt.Errorf("%w: sealing trampoline: %v", ErrProtect, err)
	}
	flushCache(uintptr(p), size)
	return nil
}

func freeCode(p unsafe.Pointer, size int) error {
	return unix.MunmapPtr(p, uintptr(size))
}
