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

import (
	"errors"
	"fmt"

	"github.com/qrdl/nxdetour/fixer"
	"github.com/qrdl/nxdetour/fixer/games"
	"github.com/qrdl/nxdetour/signature"
)

var (
	errNoPatch  = errors.New("no map status patch for this build")
	errMismatch = errors.New("unexpected code at jump destination")
)

const (
	jmpShort = 0xEB
	jmpSize  = 2
)

// mapStatus locates the branch in the status command that prints the player position.
type mapStatus struct {
	sig    signature.Pattern
	offset int  // of the branch from the match
	jump   byte // short jump over the position code
	check  signature.Pattern
}

// by game, then by architecture; the "" entry serves every architecture without its own
var mapStatusPatches = map[games.Branch]map[string]mapStatus{
	games.Insurgency: {
		"": {
			sig:    signature.MustCompile("8B BB ? ? ? ? 8B 07 89 3C 24 FF 50 60 84 C0 75 43"),
			offset: 6,
			jump:   0x15,
			check:  signature.MustCompile("8B 07"), // mov eax, [edi]
		},
	},
	games.DayOfInfamy: {
		"amd64": {
			sig:    signature.MustCompile("4C 8D 25 ? ? ? ? 41 80"),
			offset: 7,
			jump:   0x17,
			check:  signature.MustCompile("48 8D 05"), // lea rax, [g_MainViewOrigin]
		},
	},
}

func lookupMapStatus(variant games.Branch, arch string) (mapStatus, bool) {
	byArch := mapStatusPatches[variant]
	if ms, ok := byArch[arch]; ok {
		return ms, true
	}
	ms, ok := byArch[""]
	return ms, ok
}

var (
	mapString    = signature.Literal([]byte("map     : %s at"))
	mapStringCut = 12
)

func (d *Driver) patchMapStatus(ctx *fixer.Context, engine library) error {
	ms, ok := lookupMapStatus(d.variant, d.arch)
	if !ok {
		return fmt.Errorf("%w: %s/%s", errNoPatch, d.variant, d.arch)
	}

	at, err := engine.FindPattern(ms.sig)
	if err != nil {
		return err
	}
	at += uintptr(ms.offset)

	dest := at + jmpSize + uintptr(ms.jump)
	code, err := engine.Read(dest, ms.check.Len())
	if err != nil {
		return err
	}
	if !ms.check.Match(code) {
		return fmt.Errorf("%w %#x: % X", errMismatch, dest, code)
	}
	if err := ctx.API.Patch(at, []byte{jmpShort, ms.jump}); err != nil {
		return err
	}

	str, err := engine.FindPattern(mapString)
	if err != nil {
		return err
	}
	return ctx.API.Patch(str+uintptr(mapStringCut), []byte("\n\x00"))
}

var (
	vscriptLib = []byte("bin/vscript.dylib")
	vscript    = signature.Literal(vscriptLib)
)

// patchVScript makes dedicated load vstdlib where it asks for vscript, which the game
// doesn't ship, and ask it for an interface it has. The strings are in the code segment.
func patchVScript(ctx *fixer.Context, dedicated library) error {
	at, err := dedicated.FindPattern(vscript)
	if err != nil {
		return err
	}
	if err := ctx.API.Patch(at, []byte("libvstdlib.dylib\x00")); err != nil {
		return err
	}
	return ctx.API.Patch(at+uintptr(len(vscriptLib))+1, []byte("VEngineCvar007\x00"))
}
