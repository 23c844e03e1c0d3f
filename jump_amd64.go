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

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	jmpInstrLength = 5 // JMP rel32
	jmpInstrCode   = uint8(0xE9)
	absJumpLength  = 14 // JMP [RIP+0]; dq addr
	maxPrologue    = 32 // bytes decoded at the target, enough for any patch window
)

// jumpCode returns the shortest jump from `from` to `to`.
func jumpCode(from, to uintptr) []byte {
	rel := int64(to) - int64(from+jmpInstrLength)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return absJump(to)
	}
	code := make([]byte, jmpInstrLength)
	code[0] = jmpInstrCode
	binary.LittleEndian.PutUint32(code[1:], uint32(int32(rel)))
	return code
}

func absJump(to uintptr) []byte {
	code := []byte{0xFF, 0x25, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(code[6:], uint64(to))
	return code
}

// CALL [RIP+2]; JMP +8; dq addr
func absCall(to uintptr) []byte {
	code := []byte{0xFF, 0x15, 0x02, 0, 0, 0, 0xEB, 0x08, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(code[8:], uint64(to))
	return code
}

/*
relocate decodes whole instructions of code, which lives at src, until at least need bytes
are covered, and returns their equivalent for address dst together with the number of source
bytes consumed. Relative branches are turned into absolute ones, RIP-relative memory operands
are re-based.
*/
func relocate(src uintptr, code []byte, need int, dst uintptr) ([]byte, int, error) {
	var out []byte
	var targets []uintptr
	off := 0
	for off < need {
		pc := src + uintptr(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: cannot decode at %#x: %v", ErrPrologue, pc, err)
		}
		raw := code[off : off+inst.Len]
		next := pc + uintptr(inst.Len)
		last := off+inst.Len >= need

		switch rel, branch := relArg(inst); {
		case branch:
			target := uintptr(int64(next) + int64(rel))
			targets = append(targets, target)
			switch inst.Op {
			case x86asm.JMP:
				if !last {
					return nil, 0, fmt.Errorf("%w: function ends at %#x", ErrPrologue, pc)
				}
				out = append(out, absJump(target)...)
			case x86asm.CALL:
				out = append(out, absCall(target)...)
			default:
				cc, ok := condition(raw, inst.PCRelOff)
				if !ok {
					return nil, 0, fmt.Errorf("%w: %v at %#x", ErrPrologue, inst.Op, pc)
				}
				// inverted condition skips over the absolute jump
				out = append(out, 0x70|(cc^1), absJumpLength)
				out = append(out, absJump(target)...)
			}

		case inst.PCRel != 0:
			// RIP-relative memory operand
			if inst.PCRel != 4 {
				return nil, 0, fmt.Errorf("%w: %d-byte displacement at %#x", ErrRelocation, inst.PCRel, pc)
			}
			disp := int64(int32(binary.LittleEndian.Uint32(raw[inst.PCRelOff:])))
			abs := int64(next) + disp
			moved := abs - int64(dst+uintptr(len(out))+uintptr(inst.Len))
			if moved < math.MinInt32 || moved > math.MaxInt32 {
				return nil, 0, fmt.Errorf("%w: %#x out of reach of trampoline %#x", ErrRelocation, abs, dst)
			}
			b := append([]byte(nil), raw...)
			binary.LittleEndian.PutUint32(b[inst.PCRelOff:], uint32(int32(moved)))
			out = append(out, b...)

		default:
			if (inst.Op == x86asm.RET || inst.Op == x86asm.INT) && !last {
				return nil, 0, fmt.Errorf("%w: function ends at %#x", ErrPrologue, pc)
			}
			out = append(out, raw...)
		}
		off += inst.Len
	}
	if err := intoWindow(src, off, targets); err != nil {
		return nil, 0, err
	}
	return out, off, nil
}

func relArg(inst x86asm.Inst) (x86asm.Rel, bool) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if r, ok := a.(x86asm.Rel); ok {
			return r, true
		}
	}
	return 0, false
}

// condition extracts the condition code of a Jcc, short (7x) or near (0F 8x) form.
func condition(raw []byte, relOff int) (byte, bool) {
	if relOff < 1 {
		return 0, false
	}
	op := raw[relOff-1]
	switch {
	case op >= 0x70 && op <= 0x7F:
		return op & 0x0F, true
	case op >= 0x80 && op <= 0x8F && relOff >= 2 && raw[relOff-2] == 0x0F:
		return op & 0x0F, true
	}
	return 0, false // JCXZ, LOOP and friends
}

func flushCache(addr uintptr, size int) {
	// x86 keeps instruction cache coherent
}
