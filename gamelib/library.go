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

package gamelib

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/qrdl/nxdetour/signature"
	"github.com/qrdl/nxdetour/symtab"
)

// Library is a loaded shared library.
type Library struct {
	name   string
	path   string
	handle Handle
	linker Linker
	guard  Guard
	log    *logrus.Entry

	bias uintptr
	base uintptr
	size uintptr

	image    *symtab.Image
	imageErr error

	// pattern string -> uintptr, entries never expire
	scans *cache.Cache

	mu     sync.Mutex
	closed bool
}

func (l *Loader) attach(name string, h Handle) (*Library, error) {
	mod, err := l.linker.Module(h)
	if err != nil {
		return nil, err
	}

	lib := &Library{
		name:   name,
		path:   mod.Path,
		handle: h,
		linker: l.linker,
		guard:  l.guard,
		log:    l.log.WithField("library", name),
		bias:   mod.Bias,
		scans:  cache.New(cache.NoExpiration, 0),
	}

	lib.image, lib.imageErr = symtab.Open(mod.Path)
	if lib.imageErr != nil {
		// exports still work, hidden symbols and patterns report this error
		lib.log.Warnf("cannot read image: %v", lib.imageErr)
		return lib, nil
	}
	low, high := lib.image.Bounds()
	lib.base = mod.Bias + uintptr(low)
	lib.size = uintptr(high - low)
	return lib, nil
}

func (lib *Library) Name() string { return lib.name }
func (lib *Library) Path() string { return lib.path }

// Base returns the runtime address of the lowest loadable segment.
func (lib *Library) Base() uintptr { return lib.base }
func (lib *Library) Size() uintptr { return lib.size }

// Contains reports whether addr is inside the library's mapped range.
func (lib *Library) Contains(addr uintptr) bool {
	return addr >= lib.base && addr < lib.base+lib.size
}

func (lib *Library) check() error {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.closed {
		return fmt.Errorf("%w: %s", ErrClosed, lib.name)
	}
	return nil
}

func (lib *Library) checkImage() error {
	if err := lib.check(); err != nil {
		return err
	}
	if lib.imageErr != nil {
		return fmt.Errorf("%s: %w", lib.name, lib.imageErr)
	}
	return nil
}

// Factory returns the library's CreateInterface, or nil when it exports none.
func (lib *Library) Factory() Factory {
	addr, err := lib.ResolveSymbol("CreateInterface")
	if err != nil {
		return nil
	}
	return lib.linker.Factory(addr)
}

// ResolveSymbol resolves an exported symbol through the dynamic linker.
func (lib *Library) ResolveSymbol(name string) (uintptr, error) {
	if err := lib.check(); err != nil {
		return 0, err
	}
	addr := lib.linker.Sym(lib.handle, name)
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, lib.name)
	}
	return addr, nil
}

// ResolveHiddenSymbol resolves any symbol of the library's symbol table,
// including ones the dynamic linker doesn't export.
func (lib *Library) ResolveHiddenSymbol(name string) (uintptr, error) {
	if err := lib.checkImage(); err != nil {
		return 0, err
	}
	if err := lib.image.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", lib.name, err)
	}
	sym, ok := lib.image.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, name, lib.name)
	}
	return lib.bias + uintptr(sym.Value), nil
}

/*
ResolveHiddenSymbols resolves names in one pass. Results are in request order, misses
have zero address. The returned error joins one [ErrSymbolNotFound] per missing name, so
a single diagnostic can name all of them.
*/
func (lib *Library) ResolveHiddenSymbols(names []string) ([]SymbolInfo, error) {
	if err := lib.checkImage(); err != nil {
		return nil, err
	}
	if err := lib.image.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", lib.name, err)
	}

	infos := make([]SymbolInfo, len(names))
	var errs error
	for i, n := range names {
		infos[i].Name = n
		sym, ok := lib.image.Lookup(n)
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, n, lib.name))
			continue
		}
		infos[i].Address = lib.bias + uintptr(sym.Value)
	}
	return infos, errs
}

// FindPattern returns the address of the first match of p in the library's code.
func (lib *Library) FindPattern(p signature.Pattern) (uintptr, error) {
	if err := lib.checkImage(); err != nil {
		return 0, err
	}

	key := p.String()
	if v, ok := lib.scans.Get(key); ok {
		return v.(uintptr), nil
	}

	text, ok := lib.image.Text()
	if !ok {
		return 0, fmt.Errorf("%w: %s has no code segment", ErrPatternNotFound, lib.name)
	}
	start := lib.bias + uintptr(text.Addr)
	code, err := lib.Read(start, int(text.Size))
	if err != nil {
		return 0, err
	}
	i := p.Index(code)
	if i < 0 {
		return 0, fmt.Errorf("%w: [%s] in %s", ErrPatternNotFound, key, lib.name)
	}
	addr := start + uintptr(i)
	lib.scans.Set(key, addr, cache.NoExpiration)
	return addr, nil
}

// Read returns a view of n mapped bytes at addr. Code pages are read-only, write with Engine.Patch.
func (lib *Library) Read(addr uintptr, n int) ([]byte, error) {
	if err := lib.check(); err != nil {
		return nil, err
	}
	if n < 0 || !lib.Contains(addr) || addr+uintptr(n) > lib.base+lib.size {
		return nil, fmt.Errorf("%w: %#x+%d in %s", ErrOutOfRange, addr, n, lib.name)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), nil
}

/*
Close releases the library. It fails with [ErrDetoursActive] while detours are installed
in the library's range and with [ErrClosed] when called again after a successful close.
*/
func (lib *Library) Close() error {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if lib.closed {
		return fmt.Errorf("%w: %s", ErrClosed, lib.name)
	}
	if lib.guard != nil && lib.size > 0 {
		if n := lib.guard.ActiveIn(lib.base, lib.base+lib.size); n > 0 {
			return fmt.Errorf("%w: %s has %d", ErrDetoursActive, lib.name, n)
		}
	}

	lib.closed = true
	lib.scans.Flush()
	var err error
	if lib.image != nil {
		err = lib.image.Close()
	}
	return errors.Join(lib.linker.Close(lib.handle), err)
}
