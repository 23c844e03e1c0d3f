//go:build linux || darwin

package nxdetour

import "encoding/binary"

func code(ws ...uint32) []byte {
	var b []byte
	for _, w := range ws {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

const (
	nop = 0xD503201F
	ret = 0xD65F03C0
)

var (
	// movz x0, #42; nop x3; ret
	answerCode = code(0xD2800540, nop, nop, nop, ret)
	// movz x0, #7; ret
	replacementCode = code(0xD28000E0, ret)
	// patch turning answerCode into a function returning 7
	answerImm   = 0
	answerPatch = []byte{0xE0, 0x00}
)

// prologues that return 42 and need relocation of their first instructions
var prologues = map[string][]byte{
	"b":   append(code(0x14000001), answerCode...),     // b #4
	"cbz": append(code(0xB400003F), answerCode...),     // cbz xzr, #4
	"adr": withData(code(0x10000400, 0xF9400000, ret)), // adr x0, #0x80; ldr x0, [x0]; ret
}

// ldr x0, #8; ret; .quad 42
var (
	unrelocatable    = code(0x58000040, ret, 42, 0)
	unrelocatableErr = ErrRelocation
)

// cbz x0, #0; movz x0, #42; ret, the branch lands on the patched word
var innerBranch = code(0xB4000000, 0xD2800540, ret)
