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

package symtab

import (
	"io"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

const stabMask = 0xE0 // N_STAB bits of n_type

func newMachO(r io.ReaderAt) (*Image, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}

	im := &Image{Format: MachO}
	for _, seg := range f.Segments() {
		if seg.Name == "__PAGEZERO" || seg.Memsz == 0 {
			continue
		}
		im.Segments = append(im.Segments, Segment{
			Name:     seg.Name,
			Addr:     seg.Addr,
			Size:     seg.Memsz,
			Offset:   seg.Offset,
			FileSize: seg.Filesz,
			Exec:     seg.Name == "__TEXT",
		})
	}

	im.load = func() ([]Symbol, error) {
		if f.Symtab == nil {
			return nil, nil
		}
		syms := make([]Symbol, 0, len(f.Symtab.Syms))
		for _, s := range f.Symtab.Syms {
			if uint8(s.Type)&stabMask != 0 || s.Type&types.N_TYPE != types.N_SECT {
				continue
			}
			syms = append(syms, Symbol{
				Name:  machoName(s.Name),
				Value: s.Value,
				Kind:  im.kindOf(s.Value),
				Local: uint8(s.Type)&0x01 == 0, // N_EXT
			})
		}
		return syms, nil
	}

	return im, nil
}

// machoName drops the underscore the C compiler prepends to every Mach-O symbol,
// so callers use the same mangled names as on ELF platforms.
func machoName(name string) string {
	return strings.TrimPrefix(name, "_")
}

func (im *Image) kindOf(addr uint64) Kind {
	for _, s := range im.Segments {
		if addr >= s.Addr && addr < s.Addr+s.Size {
			if s.Exec {
				return Func
			}
			return Object
		}
	}
	return Other
}
