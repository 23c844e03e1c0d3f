//go:build (linux || darwin) && (amd64 || arm64)

package nxdetour

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCalcBoundaries(t *testing.T) {
	testCases := []struct {
		name  string
		addr  uintptr
		size  int
		start uintptr
		area  uintptr
	}{
		{"single page", 0x10, 0x10, 0, 0x20},
		{"end of page", pageSize - 0x10, 0x10, 0, pageSize},
		{"two pages", pageSize - 0x4, 0x10, 0, pageSize + 0xC},
		{"second page", pageSize + 0x40, 0x8, pageSize, 0x48},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			start, area := calcBoundaries(unsafe.Pointer(tc.addr), tc.size)
			if uintptr(start) != tc.start {
				t.Errorf("expected page start %#x, got %#x", tc.start, uintptr(start))
			}
			if area != tc.area {
				t.Errorf("expected %#x, got %#x as area size", tc.area, area)
			}
		})
	}
}

func TestWriteCodeRestoresProtection(t *testing.T) {
	mem, err := unix.Mmap(-1, 0, 2*int(pageSize), unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	defer unix.Munmap(mem)
	// second page is writable, not executable
	require.NoError(t, unix.Mprotect(mem[pageSize:], unix.PROT_READ|unix.PROT_WRITE))

	addr := uintptr(unsafe.Pointer(&mem[pageSize-2]))
	require.NoError(t, writeCode(addr, []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, mem[pageSize-2:pageSize+2])

	prot, err := protection(uintptr(unsafe.Pointer(&mem[0])))
	require.NoError(t, err)
	assert.Equal(t, unix.PROT_READ|unix.PROT_EXEC, prot)
	prot, err = protection(uintptr(unsafe.Pointer(&mem[pageSize])))
	require.NoError(t, err)
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, prot)
}

func TestAllocCodeNearTarget(t *testing.T) {
	target := uintptr(unsafe.Pointer(&pageSize))
	p, err := allocCode(target, int(pageSize))
	require.NoError(t, err)
	defer freeCode(p, int(pageSize))

	assert.Less(t, distance(uintptr(p), target), uintptr(reach))
	assert.Zero(t, uintptr(p)&(pageSize-1))
	require.NoError(t, sealCode(p, int(pageSize)))

	prot, err := protection(uintptr(p))
	require.NoError(t, err)
	assert.Equal(t, protRX, prot)
}
