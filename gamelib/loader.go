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

/*
Package gamelib opens the server's shared libraries and resolves addresses inside them:
exported symbols through the dynamic linker, hidden symbols from the on-disk symbol table
and code locations by byte signature.

A [Library] is released exactly once with [Library.Close]; while detours are still installed
in its code the close is refused, so patched code never outlives its mapping.
*/
package gamelib

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

var (
	ErrLibraryNotFound = errors.New("library not found")
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrPatternNotFound = errors.New("pattern not found")
	ErrClosed          = errors.New("library already closed")
	ErrDetoursActive   = errors.New("detours still installed in library")
	ErrOutOfRange      = errors.New("address outside library")
)

// Handle is an opaque dynamic-linker handle.
type Handle uintptr

// Module describes where the linker mapped a library.
type Module struct {
	Path string  // resolved on-disk path
	Bias uintptr // difference between runtime and link-time addresses
}

// Factory is a library's CreateInterface entry point.
type Factory func(iface string) uintptr

// Linker is the platform dynamic-linker facility.
type Linker interface {
	Open(name string) (Handle, error)
	Sym(h Handle, name string) uintptr
	Module(h Handle) (Module, error)
	Factory(addr uintptr) Factory
	Close(h Handle) error
}

// Guard reports how many live detours are installed in [start, end).
type Guard interface {
	ActiveIn(start, end uintptr) int
}

// SymbolInfo is one result of [Library.ResolveHiddenSymbols].
type SymbolInfo struct {
	Name    string
	Address uintptr
}

func (s SymbolInfo) Found() bool {
	return s.Address != 0
}

// Loader opens libraries by their short engine name, like "engine" or "launcher".
type Loader struct {
	linker     Linker
	guard      Guard
	log        *logrus.Entry
	dirs       []string
	candidates func(name string) []string
}

type Option func(*Loader)

// WithGuard makes every library refuse to close while g reports detours inside it.
func WithGuard(g Guard) Option {
	return func(l *Loader) { l.guard = g }
}

func WithLogger(log *logrus.Entry) Option {
	return func(l *Loader) { l.log = log }
}

// WithSearchPath makes the loader try every candidate file name in dirs, in order,
// before falling back to the linker's own search.
func WithSearchPath(dirs ...string) Option {
	return func(l *Loader) { l.dirs = append(l.dirs, dirs...) }
}

// WithCandidates replaces the platform file-name rules.
func WithCandidates(fn func(name string) []string) Option {
	return func(l *Loader) { l.candidates = fn }
}

// NewLoader returns a loader using linker, which is usually [System].
func NewLoader(linker Linker, opts ...Option) *Loader {
	l := &Loader{
		linker:     linker,
		log:        logrus.NewEntry(logrus.StandardLogger()),
		candidates: Candidates,
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.WithField("component", "gamelib")
	return l
}

// Candidates returns the file names a library is known under on the current platform.
func Candidates(name string) []string {
	if filepath.Ext(name) != "" {
		return []string{name}
	}
	if runtime.GOOS == "darwin" {
		return []string{name + ".dylib", "lib" + name + ".dylib"}
	}
	return []string{name + "_srv.so", name + ".so", "lib" + name + "_srv.so", "lib" + name + ".so"}
}

func (l *Loader) paths(name string) []string {
	names := l.candidates(name)
	paths := make([]string, 0, len(names)*(len(l.dirs)+1))
	for _, d := range l.dirs {
		for _, n := range names {
			paths = append(paths, filepath.Join(d, n))
		}
	}
	return append(paths, names...)
}

// Load opens the library. The returned library must be closed by the caller.
func (l *Loader) Load(name string) (*Library, error) {
	var errs error
	for _, p := range l.paths(name) {
		h, err := l.linker.Open(p)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		lib, err := l.attach(name, h)
		if err != nil {
			l.linker.Close(h)
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		l.log.WithFields(logrus.Fields{"library": name, "path": lib.path}).
			Debugf("loaded at %#x", lib.base)
		return lib, nil
	}
	l.log.WithField("library", name).Debug(errs)
	return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
}

// With loads a library, runs fn and closes the library on every exit path.
func With(l *Loader, name string, fn func(*Library) error) (err error) {
	lib, err := l.Load(name)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, lib.Close())
	}()
	return fn(lib)
}
