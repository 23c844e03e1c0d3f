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

package fixer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/qrdl/nxdetour"
	"github.com/qrdl/nxdetour/gamelib"
)

const (
	symLoadModules = "_ZN4CSys11LoadModulesEP24CDedicatedAppSystemGroup"
	symAddSystems  = "_ZN15CAppSystemGroup10AddSystemsEP15AppSystemInfo_t"
)

var (
	ErrNotReady   = errors.New("AddSystems not ready yet")
	ErrNoSystems  = errors.New("no app systems given")
	errBadSystems = errors.New("app system with empty module or interface")
)

// Config holds what a [Server] is built from.
type Config struct {
	Engine     *nxdetour.Engine
	Loader     *gamelib.Loader
	Args       []string
	Executable string // resolved path of the running executable
	Dedicated  string // name of the dedicated library, "dedicated" when empty
	Log        *logrus.Entry
}

// Server implements [ServerAPI] on top of the detour engine and the library loader.
type Server struct {
	engine    *nxdetour.Engine
	loader    *gamelib.Loader
	args      []string
	log       *logrus.Entry
	dedicated *gamelib.Library

	execDir string
	bundle  string

	group      atomic.Uintptr // CDedicatedAppSystemGroup being loaded
	addSystems uintptr

	mu     sync.Mutex
	closed bool
}

// NewServer opens the dedicated library, which stays open until [Server.Close].
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dedicated == "" {
		cfg.Dedicated = "dedicated"
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Server{
		engine: cfg.Engine,
		loader: cfg.Loader,
		args:   slices.Clone(cfg.Args),
		log:    cfg.Log.WithField("component", "server"),
	}
	s.execDir, s.bundle, _ = SplitBundle(cfg.Executable)

	var err error
	s.dedicated, err = s.loader.Load(cfg.Dedicated)
	if err != nil {
		return nil, fmt.Errorf("loading dedicated library: %w", err)
	}

	// a missing symbol is reported when AddSystems is called
	s.addSystems, err = s.dedicated.ResolveHiddenSymbol(symAddSystems)
	if err != nil {
		s.log.Warn(err)
	}
	return s, nil
}

func (s *Server) CreateDetour(callback uintptr, trampoline *uintptr, target uintptr) (*nxdetour.Detour, error) {
	return s.engine.Create(callback, trampoline, target)
}

func (s *Server) FixPath(path unsafe.Pointer) {
	if path == nil || s.bundle == "" {
		return
	}
	StripBundle(cstring(path), s.bundle)
}

func (s *Server) Args() []string {
	return slices.Clone(s.args)
}

func (s *Server) LoadLibrary(name string) (*gamelib.Library, error) {
	return s.loader.Load(name)
}

func (s *Server) Patch(addr uintptr, data []byte) error {
	_, err := s.engine.Patch(addr, data)
	return err
}

// AddSystems calls CAppSystemGroup::AddSystems on the group being loaded.
func (s *Server) AddSystems(systems []AppSystemInfo) error {
	if len(systems) == 0 {
		return ErrNoSystems
	}
	for _, sys := range systems {
		if sys.Module == "" || sys.Interface == "" {
			return fmt.Errorf("%w: %+v", errBadSystems, sys)
		}
	}
	if s.addSystems == 0 {
		return fmt.Errorf("%w: %s in dedicated", gamelib.ErrSymbolNotFound, symAddSystems)
	}
	group := s.group.Load()
	if group == 0 {
		return ErrNotReady
	}
	if !callAddSystems(s.addSystems, group, systems) { // cgo
		return fmt.Errorf("CAppSystemGroup::AddSystems failed for %v", systems)
	}
	return nil
}

// Dedicated returns the dedicated library.
func (s *Server) Dedicated() *gamelib.Library {
	return s.dedicated
}

// ExecDir returns the directory the server runs from, outside of its app bundle.
func (s *Server) ExecDir() string {
	return s.execDir
}

func (s *Server) setGroup(group uintptr) {
	s.group.Store(group)
}

// Close closes the dedicated library. All detours in it must be gone by then; a refused
// close can be retried once they are.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.dedicated == nil {
		return nil
	}
	if err := s.dedicated.Close(); err != nil {
		return err
	}
	s.closed = true
	return nil
}
