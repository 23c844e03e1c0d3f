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

// Package elftest builds minimal ELF64 shared-object images for tests: one executable
// and one writable PT_LOAD segment, a .symtab and its string tables.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Sym describes a symbol table entry. Defined functions are placed in .text,
// everything else in .data.
type Sym struct {
	Name      string
	Value     uint64
	Size      uint64
	Type      elf.SymType
	Bind      elf.SymBind
	Undefined bool
}

// Spec describes the image to build.
type Spec struct {
	TextAddr uint64
	Text     []byte
	DataAddr uint64
	Data     []byte
	Syms     []Sym
}

const (
	textIdx = 1
	dataIdx = 2
	symIdx  = 3
	strIdx  = 4
	shstIdx = 5
)

// Build returns the image bytes.
func Build(s Spec) []byte {
	le := binary.LittleEndian

	// string tables
	strtab := []byte{0}
	nameOff := make([]uint32, len(s.Syms))
	for i, sym := range s.Syms {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, sym.Name...)
		strtab = append(strtab, 0)
	}
	shstrtab := []byte{0}
	secName := map[string]uint32{}
	for _, n := range []string{".text", ".data", ".symtab", ".strtab", ".shstrtab"} {
		secName[n] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, n...)
		shstrtab = append(shstrtab, 0)
	}

	// symbol table, entry 0 is the null symbol
	var symtab bytes.Buffer
	binary.Write(&symtab, le, elf.Sym64{})
	for i, sym := range s.Syms {
		shndx := uint16(dataIdx)
		switch {
		case sym.Undefined:
			shndx = uint16(elf.SHN_UNDEF)
		case sym.Type == elf.STT_FUNC:
			shndx = textIdx
		}
		binary.Write(&symtab, le, elf.Sym64{
			Name:  nameOff[i],
			Info:  elf.ST_INFO(sym.Bind, sym.Type),
			Shndx: shndx,
			Value: sym.Value,
			Size:  sym.Size,
		})
	}

	const ehdrSize, phdrSize, shdrSize = 64, 56, 64
	textOff := uint64(0x100)
	dataOff := align(textOff+uint64(len(s.Text)), 16)
	symOff := align(dataOff+uint64(len(s.Data)), 8)
	strOff := symOff + uint64(symtab.Len())
	shstrOff := strOff + uint64(len(strtab))
	shOff := align(shstrOff+uint64(len(shstrtab)), 8)

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := &bytes.Buffer{}
	binary.Write(out, le, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehdrSize,
		Shoff:     shOff,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     2,
		Shentsize: shdrSize,
		Shnum:     6,
		Shstrndx:  shstIdx,
	})
	binary.Write(out, le, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    textOff,
		Vaddr:  s.TextAddr,
		Paddr:  s.TextAddr,
		Filesz: uint64(len(s.Text)),
		Memsz:  uint64(len(s.Text)),
		Align:  16,
	})
	binary.Write(out, le, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W),
		Off:    dataOff,
		Vaddr:  s.DataAddr,
		Paddr:  s.DataAddr,
		Filesz: uint64(len(s.Data)),
		Memsz:  uint64(len(s.Data)),
		Align:  16,
	})

	pad(out, textOff)
	out.Write(s.Text)
	pad(out, dataOff)
	out.Write(s.Data)
	pad(out, symOff)
	out.Write(symtab.Bytes())
	out.Write(strtab)
	out.Write(shstrtab)
	pad(out, shOff)

	sections := []elf.Section64{
		{},
		{
			Name: secName[".text"], Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:  s.TextAddr, Off: textOff, Size: uint64(len(s.Text)), Addralign: 16,
		},
		{
			Name: secName[".data"], Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr:  s.DataAddr, Off: dataOff, Size: uint64(len(s.Data)), Addralign: 16,
		},
		{
			Name: secName[".symtab"], Type: uint32(elf.SHT_SYMTAB),
			Off: symOff, Size: uint64(symtab.Len()), Link: strIdx, Info: 1,
			Addralign: 8, Entsize: elf.Sym64Size,
		},
		{
			Name: secName[".strtab"], Type: uint32(elf.SHT_STRTAB),
			Off: strOff, Size: uint64(len(strtab)), Addralign: 1,
		},
		{
			Name: secName[".shstrtab"], Type: uint32(elf.SHT_STRTAB),
			Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1,
		},
	}
	for _, sec := range sections {
		binary.Write(out, le, sec)
	}

	return out.Bytes()
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func pad(b *bytes.Buffer, off uint64) {
	for uint64(b.Len()) < off {
		b.WriteByte(0)
	}
}
