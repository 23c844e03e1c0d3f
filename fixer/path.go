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

import (
	"bytes"
	"path/filepath"
	"strings"
	"unsafe"
)

const maxPath = 4096

/*
StripBundle removes the first case-insensitive occurrence of bundle from the NUL-terminated
string in buf, in place, and returns the new string length. The string is left alone when
bundle is empty or absent.

	/Steam/common/Insurgency/Srcds.app/Contents/MacOS/insurgency
	/Steam/common/Insurgency/insurgency
*/
func StripBundle(buf []byte, bundle string) int {
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = len(buf)
	}
	s, b := buf[:n], []byte(bundle)
	if len(b) == 0 {
		return n
	}

	for i := 0; i+len(b) <= len(s); i++ {
		if !bytes.EqualFold(s[i:i+len(b)], b) {
			continue
		}
		copy(s[i:], s[i+len(b):])
		n -= len(b)
		buf[n] = 0
		return n
	}
	return n
}

/*
SplitBundle splits the resolved executable path of a bundled server into the directory the
bundle lives in and the bundle path itself:

	/Steam/common/Insurgency/Srcds.app/Contents/MacOS/srcds
	/Steam/common/Insurgency   /Srcds.app/Contents/MacOS

ok is false when the executable is not inside an app bundle; dir is the executable's
directory then.
*/
func SplitBundle(exe string) (dir, bundle string, ok bool) {
	dir = filepath.Dir(exe)
	macos := dir
	contents := filepath.Dir(macos)
	app := filepath.Dir(contents)
	if !strings.EqualFold(filepath.Base(macos), "MacOS") ||
		!strings.EqualFold(filepath.Base(contents), "Contents") ||
		!strings.HasSuffix(strings.ToLower(app), ".app") {
		return dir, "", false
	}
	root := filepath.Dir(app)
	return root, strings.TrimPrefix(dir, strings.TrimSuffix(root, "/")), true
}

// cstring returns the NUL-terminated string at p, terminator included.
func cstring(p unsafe.Pointer) []byte {
	n := 0
	for n < maxPath && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return unsafe.Slice((*byte)(p), n+1)
}
