package fixer

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

const bundle = "/Srcds.app/Contents/MacOS"

func cbuf(s string) []byte {
	return append([]byte(s), 0)
}

func str(buf []byte, n int) string {
	return string(buf[:n])
}

func TestStripBundle(t *testing.T) {
	buf := cbuf("/Steam/common/Insurgency/Srcds.app/Contents/MacOS/insurgency")
	n := StripBundle(buf, bundle)
	assert.Equal(t, "/Steam/common/Insurgency/insurgency", str(buf, n))
	assert.Equal(t, byte(0), buf[n])
}

func TestStripBundleCaseInsensitive(t *testing.T) {
	buf := cbuf("/steam/common/doi/SRCDS.APP/contents/macos/doi/custom")
	n := StripBundle(buf, bundle)
	assert.Equal(t, "/steam/common/doi/doi/custom", str(buf, n))
}

func TestStripBundleFirstOccurrenceOnly(t *testing.T) {
	buf := cbuf("/a" + bundle + "/b" + bundle)
	n := StripBundle(buf, bundle)
	assert.Equal(t, "/a/b"+bundle, str(buf, n))
}

func TestStripBundleNoop(t *testing.T) {
	path := "/Steam/common/Left 4 Dead 2/left4dead2"
	buf := cbuf(path)
	assert.Equal(t, len(path), StripBundle(buf, bundle))
	assert.Equal(t, cbuf(path), buf)

	// unknown bundle path
	buf = cbuf("/x" + bundle + "/y")
	assert.Equal(t, len(buf)-1, StripBundle(buf, ""))

	// whole string
	buf = cbuf(bundle)
	n := StripBundle(buf, bundle)
	assert.Equal(t, 0, n)
	assert.Equal(t, byte(0), buf[0])
}

func TestStripBundleWithoutTerminator(t *testing.T) {
	buf := []byte("/x" + bundle + "/y")
	n := StripBundle(buf, bundle)
	assert.Equal(t, "/x/y", str(buf, n))
	assert.Equal(t, byte(0), buf[n])
}

func TestSplitBundle(t *testing.T) {
	dir, b, ok := SplitBundle("/Steam/common/Insurgency/Srcds.app/Contents/MacOS/srcds")
	assert.True(t, ok)
	assert.Equal(t, "/Steam/common/Insurgency", dir)
	assert.Equal(t, bundle, b)

	dir, b, ok = SplitBundle("/srcds_osx.app/Contents/MacOS/srcds_osx")
	assert.True(t, ok)
	assert.Equal(t, "/", dir)
	assert.Equal(t, "/srcds_osx.app/Contents/MacOS", b)

	dir, b, ok = SplitBundle("/home/steam/l4d2/srcds_linux")
	assert.False(t, ok)
	assert.Equal(t, "/home/steam/l4d2", dir)
	assert.Empty(t, b)

	_, _, ok = SplitBundle("/home/steam/Contents/MacOS/srcds")
	assert.False(t, ok)
}

func TestServerFixPath(t *testing.T) {
	s := &Server{bundle: bundle}
	buf := cbuf("/games/css/Srcds.app/Contents/MacOS/cstrike")
	s.FixPath(unsafe.Pointer(&buf[0]))
	assert.Equal(t, "/games/css/cstrike", str(buf, len("/games/css/cstrike")))
	assert.Equal(t, byte(0), buf[len("/games/css/cstrike")])

	s.FixPath(nil)

	// outside of a bundle nothing changes
	s = &Server{}
	buf = cbuf("/games/css/Srcds.app/Contents/MacOS/cstrike")
	s.FixPath(unsafe.Pointer(&buf[0]))
	assert.Equal(t, cbuf("/games/css/Srcds.app/Contents/MacOS/cstrike"), buf)
}

func TestCString(t *testing.T) {
	buf := cbuf("engine")
	assert.Equal(t, buf, cstring(unsafe.Pointer(&buf[0])))
}
