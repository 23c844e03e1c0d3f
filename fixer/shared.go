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
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/qrdl/nxdetour/gamelib"
	"github.com/qrdl/nxdetour/signature"
)

const (
	symAddSearchPath   = "_ZN15CBaseFileSystem13AddSearchPathEPKcS1_15SearchPathAdd_t"
	symAddSearchPathB  = symAddSearchPath + "b"
	symSteamLoadModule = "_Z14Sys_LoadModulePKc9Sys_Flags"
	symDebugString     = "Plat_DebugString"
)

var ErrLoadModules = errors.New("CSys::LoadModules failed")

/*
Shared installs the hooks every game needs. CSys::LoadModules is detoured at install time;
the detour runs the driver around the original and then, once the file system exists, fixes
search paths and keeps steamclient from starting steamservice.
*/
type Shared struct {
	server *Server
	driver Driver
	dctx   *Context // the driver's
	ctx    *Context // hooks installed here
	log    *logrus.Entry

	// run after the driver's PostLoadModules
	finish func() error
}

func NewShared(server *Server, driver Driver, driverCtx *Context, log *logrus.Entry) *Shared {
	s := &Shared{
		server: server,
		driver: driver,
		dctx:   driverCtx,
		log:    log.WithField("component", "shared"),
	}
	s.ctx = NewContext(server, s.log)
	s.finish = s.fixFileSystem
	return s
}

// Install hooks CSys::LoadModules in the dedicated library and silences Plat_DebugString.
func (s *Shared) Install() error {
	addr, err := s.server.Dedicated().ResolveHiddenSymbol(symLoadModules)
	if err != nil {
		return err
	}
	activate(s) // callbacks from C land here from now on
	h := loadModulesHook()
	if err := s.ctx.Hook("CSys::LoadModules", h.callback, h.slot, addr); err != nil {
		deactivate(s)
		return err
	}

	// the server prints every message twice without this, nothing breaks
	if err := s.silenceDebugString(); err != nil {
		s.log.Warnf("%s stays: %v", symDebugString, err)
	}
	return nil
}

func (s *Shared) silenceDebugString() error {
	tier0, err := s.server.LoadLibrary("tier0")
	if err != nil {
		return err
	}
	addr, err := tier0.ResolveSymbol(symDebugString)
	if err == nil {
		h := debugStringHook()
		err = s.ctx.Hook(symDebugString, h.callback, h.slot, addr)
	}
	if err != nil {
		tier0.Close()
		return err
	}
	s.ctx.Hold(tier0)
	return nil
}

// loadModules is the body of the CSys::LoadModules detour, original calls the real one.
func (s *Shared) loadModules(group uintptr, original func() bool) bool {
	s.server.setGroup(group)

	if err := s.driver.PreLoadModules(s.dctx, group); err != nil {
		s.log.Errorf("pre-loading modules: %v", err)
		return false
	}
	if !original() {
		s.log.Error(ErrLoadModules)
		return false
	}
	if err := s.driver.PostLoadModules(s.dctx, group); err != nil {
		s.log.Errorf("post-loading modules: %v", err)
		return false
	}
	if err := s.finish(); err != nil {
		s.log.Error(err)
		return false
	}
	return true
}

func (s *Shared) fixFileSystem() error {
	// the game can't find its files when started from elsewhere
	if dir := s.server.ExecDir(); dir != "" {
		if err := os.Chdir(dir); err != nil {
			return fmt.Errorf("changing directory: %w", err)
		}
	}
	if err := s.hookAddSearchPath(); err != nil {
		return err
	}
	return s.blockSteamService()
}

func (s *Shared) hookAddSearchPath() error {
	addr, proto, err := s.locateAddSearchPath(searchPathOf(s.driver))
	if err != nil {
		return fmt.Errorf("locating CBaseFileSystem::AddSearchPath: %w", err)
	}
	h := addSearchPathHook(proto)
	return s.ctx.Hook("CBaseFileSystem::AddSearchPath", h.callback, h.slot, addr)
}

type finder struct {
	find  func(*gamelib.Library) (uintptr, error)
	proto AddSearchPathType
}

func bySymbol(name string, proto AddSearchPathType) finder {
	return finder{func(lib *gamelib.Library) (uintptr, error) { return lib.ResolveHiddenSymbol(name) }, proto}
}

func byPattern(p signature.Pattern, proto AddSearchPathType) finder {
	return finder{func(lib *gamelib.Library) (uintptr, error) { return lib.FindPattern(p) }, proto}
}

func searchPathFinders(sp SearchPath) ([]finder, error) {
	switch sp.Type {
	case Default:
		return []finder{
			bySymbol(symAddSearchPath, StringStringInt),
			bySymbol(symAddSearchPathB, StringStringIntBool),
		}, nil
	case Symbol:
		return []finder{bySymbol(sp.Symbol, sp.Prototype)}, nil
	case Signature:
		p, err := signature.Compile(sp.Symbol)
		if err != nil {
			return nil, err
		}
		return []finder{byPattern(p, sp.Prototype)}, nil
	}
	return nil, fmt.Errorf("unknown pattern type %d", sp.Type)
}

/*
locateAddSearchPath tries every finder in dedicated first and filesystem_stdio second.
filesystem_stdio stays open only when the function is found there.
*/
func (s *Shared) locateAddSearchPath(sp SearchPath) (uintptr, AddSearchPathType, error) {
	finders, err := searchPathFinders(sp)
	if err != nil {
		return 0, 0, err
	}

	var fs *gamelib.Library
	var fsErr error
	keep := false
	defer func() {
		if fs != nil && !keep {
			fs.Close()
		}
	}()

	var errs error
	for _, f := range finders {
		addr, err := f.find(s.server.Dedicated())
		if err == nil {
			return addr, f.proto, nil
		}
		errs = errors.Join(errs, err)

		if fs == nil && fsErr == nil {
			fs, fsErr = s.server.LoadLibrary("filesystem_stdio")
			if fsErr != nil {
				errs = errors.Join(errs, fsErr)
			}
		}
		if fs == nil {
			continue
		}
		addr, err = f.find(fs)
		if err == nil {
			keep = true
			s.ctx.Hold(fs)
			return addr, f.proto, nil
		}
		errs = errors.Join(errs, err)
	}
	return 0, 0, errs
}

func (s *Shared) blockSteamService() error {
	steam, err := s.server.LoadLibrary("steamclient")
	if err != nil {
		return err
	}
	addr, err := steam.ResolveHiddenSymbol(symSteamLoadModule)
	if err == nil {
		h := steamLoadModuleHook()
		err = s.ctx.Hook("steamclient Sys_LoadModule", h.callback, h.slot, addr)
	}
	if err != nil {
		steam.Close()
		return err
	}
	s.ctx.Hold(steam)
	return nil
}

// blockedModule reports whether steamclient must not load the module.
func blockedModule(name string) bool {
	return strings.Contains(name, "steamservice")
}

// Shutdown removes the shared hooks and closes the libraries they needed.
func (s *Shared) Shutdown() error {
	return errors.Join(s.Unhook(), s.ctx.CloseLibraries())
}

// Unhook removes the shared hooks and keeps their libraries open.
func (s *Shared) Unhook() error {
	deactivate(s)
	return s.ctx.Unhook()
}
