//go:build amd64 || arm64

package nxdetour

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCopyWritable(t *testing.T) {
	page, err := unix.Mmap(-1, 0, int(pageSize), unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	defer unix.Munmap(page)

	require.NoError(t, copyWritable(page))
	page[0] = 0xC3
	assert.Equal(t, byte(0xC3), page[0])

	prot, err := protection(uintptr(unsafe.Pointer(&page[0])))
	require.NoError(t, err)
	assert.Equal(t, unix.PROT_READ|unix.PROT_WRITE, prot&(unix.PROT_READ|unix.PROT_WRITE))
}

func TestMakeWritable(t *testing.T) {
	page, err := unix.Mmap(-1, 0, int(pageSize), unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
	require.NoError(t, err)
	defer unix.Munmap(page)

	require.NoError(t, makeWritable(page))
	page[1] = 0x90
	assert.Equal(t, byte(0x90), page[1])
}
