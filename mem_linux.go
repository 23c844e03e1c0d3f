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

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// protection returns the current protection of the page at addr, as listed in /proc/self/maps.
func protection(addr uintptr) (int, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		start, end, prot, ok := parseMapsLine(sc.Text())
		if ok && addr >= start && addr < end {
			return prot, nil
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%#x is not mapped", addr)
}

// 7f1c2a400000-7f1c2a5c2000 r-xp 00000000 08:01 1835 /srv/bin/engine_srv.so
func parseMapsLine(line string) (start, end uintptr, prot int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, 0, 0, false
	}
	lo, hi, found := strings.Cut(fields[0], "-")
	if !found {
		return 0, 0, 0, false
	}
	s, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	e, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}

	prot = unix.PROT_NONE
	for _, c := range fields[1] {
		switch c {
		case 'r':
			prot |= unix.PROT_READ
		case 'w':
			prot |= unix.PROT_WRITE
		case 'x':
			prot |= unix.PROT_EXEC
		}
	}
	return uintptr(s), uintptr(e), prot, true
}

func makeWritable(area []byte) error {
	return unix.Mprotect(area, protRWX)
}
