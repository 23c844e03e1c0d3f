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

/*
Package nxdetour patches machine code of the running process: it installs detours (inline
hooks) that redirect a function to a callback while keeping the original reachable through a
trampoline, and writes raw patches over code and read-only data.

# Supported platforms

Patching is OS- and CPU arch-specific.

Supported OS/arch combinations:
  - Linux / x86_64
  - Linux / ARM64
  - macOS / x86_64
  - macOS / ARM64

# Detours

A detour replaces the first instructions of the target with a jump to the callback. The
instructions it overwrites are decoded, moved into a trampoline allocated next to the target
and followed by a jump back, so calling the trampoline runs the original function:

	var original uintptr
	d, err := engine.Create(callback, &original, target)
	if err != nil {
	    return err
	}
	if err := d.Enable(); err != nil {
	    return err
	}
	...
	d.Destroy(true) // restore the target and unmap the trampoline

Callbacks and targets are raw code addresses. Code following the host's C calling convention
is reached from Go through cgo; [CodeAddress] and [Func] cover code that uses the Go one.

Every write makes the touched pages writable only for its own duration and restores their
previous protection, and the [Engine] serialises all writes. Two detours may not cover the
same bytes, see [ErrOverlap].
*/
package nxdetour
