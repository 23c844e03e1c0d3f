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

//go:build linux || darwin

package nxdetour

/*
// ARM doesn't automatically invalidate instruction cache so manual flushing needed
// after changing memory page with executable code

#include <stdint.h>
#include <stddef.h>
static void flush_cache(uint64_t addr, size_t len) {
	char *target = (char *)addr;
	__builtin___clear_cache(target, target + len);
}
*/
import "C"

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	instrLength   = 4
	jmpInstrCode  = uint8(0x14) // B instruction
	absJumpLength = 16          // LDR X16, #8; BR X16; .quad addr
	maxPrologue   = 32

	ldrX16 = 0x58000050 // LDR X16, #8
	brX16  = 0xD61F0200
	blrX16 = 0xD63F0200
)

// jumpCode returns B when `to` is within ±128 MiB of `from`, an absolute jump otherwise.
func jumpCode(from, to uintptr) []byte {
	delta := int64(to) - int64(from)
	if delta < -(1<<27) || delta >= 1<<27 || delta%instrLength != 0 {
		return absJump(to)
	}
	code := make([]byte, instrLength)
	binary.LittleEndian.PutUint32(code, uint32(delta/instrLength)&0x03FFFFFF)
	code[3] |= jmpInstrCode
	return code
}

func absJump(to uintptr) []byte {
	return words([]uint32{ldrX16, brX16}, to)
}

func words(ws []uint32, lit uintptr) []byte {
	code := make([]byte, 0, len(ws)*instrLength+8)
	for _, w := range ws {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	return binary.LittleEndian.AppendUint64(code, uint64(lit))
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

/*
relocate copies whole instructions of code, which lives at src, until need bytes are covered,
rewriting PC-relative ones so they behave the same at dst. Branches become absolute jumps
through X16, which the procedure call standard reserves for veneers.
*/
func relocate(src uintptr, code []byte, need int, dst uintptr) ([]byte, int, error) {
	var out []byte
	var targets []uintptr
	off := 0
	for off < need {
		pc := src + uintptr(off)
		if off+instrLength > len(code) {
			return nil, 0, fmt.Errorf("%w: truncated at %#x", ErrPrologue, pc)
		}
		raw := code[off : off+instrLength]
		w := binary.LittleEndian.Uint32(raw)
		inst, err := arm64asm.Decode(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: cannot decode at %#x: %v", ErrPrologue, pc, err)
		}
		last := off+instrLength >= need

		switch {
		case w&0xFC000000 == 0x14000000: // B
			if !last {
				return nil, 0, fmt.Errorf("%w: function ends at %#x", ErrPrologue, pc)
			}
			target := branchTarget(pc, w&0x03FFFFFF, 26)
			targets = append(targets, target)
			out = append(out, absJump(target)...)
		case w&0xFC000000 == 0x94000000: // BL
			target := branchTarget(pc, w&0x03FFFFFF, 26)
			targets = append(targets, target)
			// LDR X16, #12; BLR X16; B #12; .quad
			out = append(out, words([]uint32{0x58000070, blrX16, 0x14000003}, target)...)
		case w&0xFF000010 == 0x54000000: // B.cond
			cond := w & 0x0F
			if cond >= 0x0E {
				return nil, 0, fmt.Errorf("%w: unconditional B.cond at %#x", ErrPrologue, pc)
			}
			target := branchTarget(pc, (w>>5)&0x7FFFF, 19)
			targets = append(targets, target)
			// inverted condition jumps over the absolute jump
			out = append(out, words([]uint32{0x54000000 | 5<<5 | (cond ^ 1), ldrX16, brX16}, target)...)
		case w&0x7E000000 == 0x34000000: // CBZ, CBNZ
			target := branchTarget(pc, (w>>5)&0x7FFFF, 19)
			targets = append(targets, target)
			inv := (w &^ (0x7FFFF << 5)) ^ (1 << 24) | 5<<5
			out = append(out, words([]uint32{inv, ldrX16, brX16}, target)...)
		case w&0x7E000000 == 0x36000000: // TBZ, TBNZ
			target := branchTarget(pc, (w>>5)&0x3FFF, 14)
			targets = append(targets, target)
			inv := (w &^ (0x3FFF << 5)) ^ (1 << 24) | 5<<5
			out = append(out, words([]uint32{inv, ldrX16, brX16}, target)...)
		case w&0x1F000000 == 0x10000000: // ADR, ADRP
			imm := signExtend((w>>5)&0x7FFFF<<2|(w>>29)&3, 21)
			target := uintptr(int64(pc) + imm)
			if w&0x80000000 != 0 {
				target = uintptr(int64(pc&^0xFFF) + imm<<12)
			}
			// LDR Xd, #8; B #12; .quad
			out = append(out, words([]uint32{0x58000040 | w&0x1F, 0x14000003}, target)...)
		case w&0x3B000000 == 0x18000000: // literal loads
			return nil, 0, fmt.Errorf("%w: literal load at %#x", ErrRelocation, pc)
		default:
			if inst.Op == arm64asm.RET && !last {
				return nil, 0, fmt.Errorf("%w: function ends at %#x", ErrPrologue, pc)
			}
			out = append(out, raw...)
		}
		off += instrLength
	}
	if err := intoWindow(src, off, targets); err != nil {
		return nil, 0, err
	}
	return out, off, nil
}

func branchTarget(pc uintptr, imm uint32, bits uint) uintptr {
	return uintptr(int64(pc) + signExtend(imm, bits)*instrLength)
}

func flushCache(addr uintptr, size int) {
	C.flush_cache(C.uint64_t(addr), C.size_t(size))
}
