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

// Package machotest builds minimal thin 64-bit Mach-O dylib images for tests: __PAGEZERO,
// __TEXT and __DATA segments without sections, and an LC_SYMTAB.
package machotest

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

// Sym is one nlist_64 entry. Names are written as given, so C symbols need their
// leading underscore.
type Sym struct {
	Name  string
	Value uint64
	Type  types.NType
	Sect  uint8
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
	segCmdSize    = 72
	symtabCmdSize = 24
	nlistSize     = 16
)

type segment struct {
	name       string
	addr, size uint64
	data       []byte
	prot       types.VmProtection
}

// Build returns the image bytes.
func Build(s Spec) []byte {
	le := binary.LittleEndian

	strtab := []byte{' ', 0}
	nameOff := make([]uint32, len(s.Syms))
	for i, sym := range s.Syms {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, sym.Name...)
		strtab = append(strtab, 0)
	}

	segs := []segment{
		{name: "__PAGEZERO", size: s.TextAddr},
		{name: "__TEXT", addr: s.TextAddr, size: uint64(len(s.Text)), data: s.Text, prot: 5},
		{name: "__DATA", addr: s.DataAddr, size: uint64(len(s.Data)), data: s.Data, prot: 3},
	}

	cmdSize := uint32(len(segs)*segCmdSize + symtabCmdSize)
	off := align(types.FileHeaderSize64+uint64(cmdSize), 16)
	offsets := make([]uint64, len(segs))
	for i, seg := range segs {
		if len(seg.data) == 0 {
			continue
		}
		offsets[i] = off
		off = align(off+uint64(len(seg.data)), 16)
	}
	symOff := off
	strOff := symOff + uint64(len(s.Syms)*nlistSize)

	var b bytes.Buffer
	binary.Write(&b, le, types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUAmd64,
		SubCPU:       types.CPUSubtypeX8664All,
		Type:         types.MH_DYLIB,
		NCommands:    uint32(len(segs) + 1),
		SizeCommands: cmdSize,
	})

	for i, seg := range segs {
		var name [16]byte
		copy(name[:], seg.name)
		binary.Write(&b, le, types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     segCmdSize,
			Name:    name,
			Addr:    seg.addr,
			Memsz:   seg.size,
			Offset:  offsets[i],
			Filesz:  uint64(len(seg.data)),
			Maxprot: seg.prot,
			Prot:    seg.prot,
		})
	}
	binary.Write(&b, le, types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     symtabCmdSize,
		Symoff:  uint32(symOff),
		Nsyms:   uint32(len(s.Syms)),
		Stroff:  uint32(strOff),
		Strsize: uint32(len(strtab)),
	})

	for i, seg := range segs {
		if len(seg.data) == 0 {
			continue
		}
		pad(&b, offsets[i])
		b.Write(seg.data)
	}

	pad(&b, symOff)
	for i, sym := range s.Syms {
		binary.Write(&b, le, types.Nlist64{
			Nlist: types.Nlist{Name: nameOff[i], Type: sym.Type, Sect: sym.Sect},
			Value: sym.Value,
		})
	}
	b.Write(strtab)
	return b.Bytes()
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func pad(b *bytes.Buffer, off uint64) {
	for uint64(b.Len()) < off {
		b.WriteByte(0)
	}
}
