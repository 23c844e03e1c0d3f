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
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

func newELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}

	im := &Image{Format: ELF}
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		im.Segments = append(im.Segments, Segment{
			Name:     fmt.Sprintf("LOAD%d", i),
			Addr:     p.Vaddr,
			Size:     p.Memsz,
			Offset:   p.Off,
			FileSize: p.Filesz,
			Exec:     p.Flags&elf.PF_X != 0,
		})
	}

	im.load = func() ([]Symbol, error) {
		// local table first, stripped libraries still have the dynamic one
		local, err := f.Symbols()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("reading .symtab: %w", err)
		}
		dynamic, err := f.DynamicSymbols()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("reading .dynsym: %w", err)
		}

		syms := make([]Symbol, 0, len(local)+len(dynamic))
		for _, list := range [][]elf.Symbol{local, dynamic} {
			for _, s := range list {
				if sym, ok := elfSymbol(s); ok {
					syms = append(syms, sym)
				}
			}
		}
		return syms, nil
	}

	return im, nil
}

func elfSymbol(s elf.Symbol) (Symbol, bool) {
	if s.Section == elf.SHN_UNDEF {
		return Symbol{}, false
	}

	sym := Symbol{
		Name:  s.Name,
		Value: s.Value,
		Size:  s.Size,
		Local: elf.ST_BIND(s.Info) == elf.STB_LOCAL,
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC:
		sym.Kind = Func
	case elf.STT_OBJECT:
		sym.Kind = Object
	case elf.STT_SECTION, elf.STT_FILE, elf.STT_TLS:
		return Symbol{}, false
	}
	return sym, true
}
