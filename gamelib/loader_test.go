package gamelib

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrdl/nxdetour/internal/elftest"
	"github.com/qrdl/nxdetour/signature"
)

const (
	textAddr = 0x1000
	dataAddr = 0x3000
	mapSize  = 0x2040

	loadModules = "_ZN4CSys11LoadModulesEP24CDedicatedAppSystemGroup"
	cocoaMgr    = "g_CocoaMgr"
)

var mapStatus = signature.MustCompile("8B BB ? ? ? ? 8B 07 89 3C 24 FF 50 60 84 C0 75 43")

type fakeLinker struct {
	files   map[string]bool
	path    string
	mem     []byte
	exports map[string]uintptr
	opened  []string
	opens   int
	closes  int
}

func newFakeLinker(t *testing.T, names ...string) *fakeLinker {
	path := filepath.Join(t.TempDir(), "engine.so")
	img := elftest.Build(elftest.Spec{
		TextAddr: textAddr,
		Text:     make([]byte, 0x200),
		DataAddr: dataAddr,
		Data:     make([]byte, 0x40),
		Syms: []elftest.Sym{
			{Name: loadModules, Value: 0x1010, Size: 0x30, Type: elf.STT_FUNC, Bind: elf.STB_LOCAL},
			{Name: cocoaMgr, Value: 0x3008, Size: 8, Type: elf.STT_OBJECT, Bind: elf.STB_LOCAL},
		},
	})
	require.NoError(t, os.WriteFile(path, img, 0o644))

	f := &fakeLinker{
		files:   map[string]bool{},
		path:    path,
		mem:     make([]byte, mapSize),
		exports: map[string]uintptr{},
	}
	for _, n := range names {
		f.files[n] = true
	}
	return f
}

// addr returns the runtime address of link-time address a
func (f *fakeLinker) addr(a uintptr) uintptr {
	return uintptr(unsafe.Pointer(&f.mem[0])) + a - textAddr
}

func (f *fakeLinker) Open(name string) (Handle, error) {
	f.opened = append(f.opened, name)
	if !f.files[name] {
		return 0, fmt.Errorf("%s: no such file", name)
	}
	f.opens++
	return Handle(f.opens), nil
}

func (f *fakeLinker) Sym(h Handle, name string) uintptr {
	return f.exports[name]
}

func (f *fakeLinker) Module(h Handle) (Module, error) {
	return Module{Path: f.path, Bias: uintptr(unsafe.Pointer(&f.mem[0])) - textAddr}, nil
}

func (f *fakeLinker) Factory(addr uintptr) Factory {
	return func(iface string) uintptr {
		if iface == "VEngineServer023" {
			return addr
		}
		return 0
	}
}

func (f *fakeLinker) Close(h Handle) error {
	f.closes++
	return nil
}

type guardFunc func(start, end uintptr) int

func (g guardFunc) ActiveIn(start, end uintptr) int {
	return g(start, end)
}

func soNames(name string) []string {
	return []string{name + "_srv.so", "lib" + name + ".so"}
}

func testError(t *testing.T, expected, actual error) {
	t.Helper()
	if !errors.Is(actual, expected) {
		t.Errorf("expected error [%v], got [%v]", expected, actual)
	}
}

func TestLoadTriesCandidates(t *testing.T) {
	fl := newFakeLinker(t, "/srv/bin/libengine.so")
	l := NewLoader(fl, WithCandidates(soNames), WithSearchPath("/srv/bin"))

	lib, err := l.Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	assert.Equal(t, []string{"/srv/bin/engine_srv.so", "/srv/bin/libengine.so"}, fl.opened)
	assert.Equal(t, "engine", lib.Name())
	assert.Equal(t, fl.path, lib.Path())
	assert.Equal(t, uintptr(unsafe.Pointer(&fl.mem[0])), lib.Base())
	assert.Equal(t, uintptr(mapSize), lib.Size())
}

func TestLoadNotFound(t *testing.T) {
	fl := newFakeLinker(t)
	l := NewLoader(fl, WithCandidates(soNames))

	_, err := l.Load("datacache")
	testError(t, ErrLibraryNotFound, err)
	assert.Contains(t, err.Error(), "datacache")
	assert.Len(t, fl.opened, 2)
}

func TestResolveSymbol(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	fl.exports["CreateInterface"] = 0x1234
	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	addr, err := lib.ResolveSymbol("CreateInterface")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1234), addr)

	_, err = lib.ResolveSymbol("Sys_LoadModule")
	testError(t, ErrSymbolNotFound, err)
	assert.Contains(t, err.Error(), "Sys_LoadModule")

	factory := lib.Factory()
	require.NotNil(t, factory)
	assert.Equal(t, uintptr(0x1234), factory("VEngineServer023"))
	assert.Zero(t, factory("VEngineServer021"))
}

func TestFactoryMissing(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	assert.Nil(t, lib.Factory())
}

func TestResolveHiddenSymbol(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	addr, err := lib.ResolveHiddenSymbol(loadModules)
	require.NoError(t, err)
	assert.Equal(t, fl.addr(0x1010), addr)
	assert.True(t, lib.Contains(addr))

	addr, err = lib.ResolveHiddenSymbol(cocoaMgr)
	require.NoError(t, err)
	assert.Equal(t, fl.addr(0x3008), addr)

	_, err = lib.ResolveHiddenSymbol("g_pLauncherMgr")
	testError(t, ErrSymbolNotFound, err)
}

func TestResolveHiddenSymbolsReportsEveryMiss(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	infos, err := lib.ResolveHiddenSymbols([]string{"A", loadModules, "C"})
	testError(t, ErrSymbolNotFound, err)
	assert.Contains(t, err.Error(), "A in engine")
	assert.Contains(t, err.Error(), "C in engine")

	require.Len(t, infos, 3)
	assert.False(t, infos[0].Found())
	assert.True(t, infos[1].Found())
	assert.Equal(t, fl.addr(0x1010), infos[1].Address)
	assert.Equal(t, "C", infos[2].Name)
	assert.False(t, infos[2].Found())

	infos, err = lib.ResolveHiddenSymbols([]string{cocoaMgr})
	require.NoError(t, err)
	assert.True(t, infos[0].Found())
}

func TestFindPattern(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	code := []byte{0x8B, 0xBB, 1, 2, 3, 4, 0x8B, 0x07, 0x89, 0x3C, 0x24, 0xFF, 0x50, 0x60, 0x84, 0xC0, 0x75, 0x43}
	copy(fl.mem[0x80:], code)

	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	addr, err := lib.FindPattern(mapStatus)
	require.NoError(t, err)
	assert.Equal(t, fl.addr(0x1080), addr)

	// the result is memoised, the code is not scanned again
	fl.mem[0x80] = 0
	again, err := lib.FindPattern(mapStatus)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	_, err = lib.FindPattern(signature.MustCompile("DE AD BE EF"))
	testError(t, ErrPatternNotFound, err)
	assert.Contains(t, err.Error(), "DE AD BE EF")
}

func TestFindPatternOutsideText(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	// data segment is not searched
	copy(fl.mem[0x2010:], []byte("map     : %s at"))

	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	_, err = lib.FindPattern(signature.Literal([]byte("map     : %s at")))
	testError(t, ErrPatternNotFound, err)
}

func TestRead(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	copy(fl.mem[0x10:], []byte{0x55, 0x48, 0x89, 0xE5})

	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)
	defer lib.Close()

	b, err := lib.Read(fl.addr(0x1010), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xE5}, b)

	_, err = lib.Read(fl.addr(0x3030), 0x20)
	testError(t, ErrOutOfRange, err)
	_, err = lib.Read(fl.addr(0x0), 1)
	testError(t, ErrOutOfRange, err)
}

func TestCloseOnce(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	lib, err := NewLoader(fl, WithCandidates(soNames)).Load("engine")
	require.NoError(t, err)

	require.NoError(t, lib.Close())
	testError(t, ErrClosed, lib.Close())
	assert.Equal(t, 1, fl.closes)

	_, err = lib.ResolveSymbol("CreateInterface")
	testError(t, ErrClosed, err)
	_, err = lib.ResolveHiddenSymbol(loadModules)
	testError(t, ErrClosed, err)
	_, err = lib.FindPattern(mapStatus)
	testError(t, ErrClosed, err)
}

func TestCloseRefusedWhileDetoured(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	live := 1
	var gotStart, gotEnd uintptr
	guard := guardFunc(func(start, end uintptr) int {
		gotStart, gotEnd = start, end
		return live
	})
	lib, err := NewLoader(fl, WithCandidates(soNames), WithGuard(guard)).Load("engine")
	require.NoError(t, err)

	testError(t, ErrDetoursActive, lib.Close())
	assert.Equal(t, 0, fl.closes)
	assert.Equal(t, lib.Base(), gotStart)
	assert.Equal(t, lib.Base()+lib.Size(), gotEnd)

	// still usable
	_, err = lib.ResolveHiddenSymbol(loadModules)
	require.NoError(t, err)

	live = 0
	require.NoError(t, lib.Close())
	assert.Equal(t, 1, fl.closes)
}

func TestWith(t *testing.T) {
	fl := newFakeLinker(t, "engine_srv.so")
	l := NewLoader(fl, WithCandidates(soNames))

	errStop := errors.New("stop")
	err := With(l, "engine", func(lib *Library) error {
		_, err := lib.ResolveHiddenSymbol(loadModules)
		require.NoError(t, err)
		return errStop
	})
	testError(t, errStop, err)
	assert.Equal(t, 1, fl.closes)

	assert.Panics(t, func() {
		With(l, "engine", func(lib *Library) error {
			panic("boom")
		})
	})
	assert.Equal(t, 2, fl.closes)

	err = With(l, "missing", func(lib *Library) error {
		t.Error("must not be called")
		return nil
	})
	testError(t, ErrLibraryNotFound, err)
}

func TestCandidates(t *testing.T) {
	switch runtime.GOOS {
	case "darwin":
		assert.Equal(t, []string{"engine.dylib", "libengine.dylib"}, Candidates("engine"))
	default:
		assert.Equal(t, []string{"engine_srv.so", "engine.so", "libengine_srv.so", "libengine.so"}, Candidates("engine"))
	}
	assert.Equal(t, []string{"steamclient.so"}, Candidates("steamclient.so"))
}
