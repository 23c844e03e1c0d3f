//go:build linux || darwin

package nxdetour

var (
	// mov rax, 42; nop x10; ret
	answerCode = []byte{0x48, 0xC7, 0xC0, 0x2A, 0, 0, 0, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0xC3}
	// mov rax, 7; ret
	replacementCode = []byte{0x48, 0xC7, 0xC0, 0x07, 0, 0, 0, 0xC3}
	// patch turning answerCode into a function returning 7
	answerImm   = 3
	answerPatch = []byte{0x07}
)

// prologues that return 42 and need relocation of their first instructions
var prologues = map[string][]byte{
	"jmp rel32": append([]byte{0xE9, 0, 0, 0, 0}, answerCode...),
	"jcc":       append([]byte{0x48, 0x31, 0xC0, 0x74, 0x00}, answerCode...),
	// mov rax, [rip+0x79]; ret, the qword at 0x80 holds 42
	"rip-relative": withData([]byte{0x48, 0x8B, 0x05, 0x79, 0, 0, 0, 0xC3}),
}

// ret; nop x7, a RET is shorter than any jump
var (
	unrelocatable    = []byte{0xC3, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	unrelocatableErr = ErrPrologue
)

// xor eax, eax; jz +0; mov eax, 42; ret, the jz lands inside the five patched bytes
var innerBranch = []byte{0x31, 0xC0, 0x74, 0x00, 0xB8, 0x2A, 0, 0, 0, 0xC3}
