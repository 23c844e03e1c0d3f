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
Package ins fixes the Insurgency and Day of Infamy dedicated servers on macOS. Both need
the launcher's SDL manager without the window it normally opens. Day of Infamy also looks
for files with paths that still contain the app bundle, and names a library it doesn't ship.
*/
package ins

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/qrdl/nxdetour/fixer"
	"github.com/qrdl/nxdetour/fixer/games"
	"github.com/qrdl/nxdetour/gamelib"
	"github.com/qrdl/nxdetour/signature"
)

const (
	symAddSystem    = "_ZN15CAppSystemGroup9AddSystemEP10IAppSystemPKc"
	symCreateSDLMgr = "_Z12CreateSDLMgrv"
	symSDLMgrInit   = "_ZN7CSDLMgr4InitEv"
	symFindFirst    = "_ZN15CBaseFileSystem9FindFirstEPKcPi"
	sdlInterface    = "SDLMgrInterface001"
)

func init() {
	games.Register(games.Insurgency, func() fixer.Driver { return New(games.Insurgency) })
	games.Register(games.DayOfInfamy, func() fixer.Driver { return New(games.DayOfInfamy) })
}

type library interface {
	ResolveHiddenSymbol(name string) (uintptr, error)
	ResolveHiddenSymbols(names []string) ([]gamelib.SymbolInfo, error)
	FindPattern(p signature.Pattern) (uintptr, error)
	Read(addr uintptr, n int) ([]byte, error)
	Close() error
}

// Driver is the driver of both games, variant tells which one.
type Driver struct {
	variant games.Branch
	arch    string

	open      func(ctx *fixer.Context, name string) (library, error)
	addSystem func(fn, group, system uintptr, iface string) int
	create    func(fn uintptr) uintptr
}

// New returns a driver for games.Insurgency or games.DayOfInfamy.
func New(variant games.Branch) *Driver {
	return &Driver{
		variant:   variant,
		arch:      runtime.GOARCH,
		open:      loadLibrary,
		addSystem: fixer.CallAddSystem,
		create:    fixer.CallCreate,
	}
}

func loadLibrary(ctx *fixer.Context, name string) (library, error) {
	lib, err := ctx.API.LoadLibrary(name)
	if err != nil {
		return nil, err
	}
	return lib, nil
}

func (d *Driver) Init(ctx *fixer.Context) error {
	return nil
}

func (d *Driver) PreLoadModules(ctx *fixer.Context, group uintptr) error {
	if err := d.setupLauncher(ctx, group); err != nil {
		return err
	}
	if d.variant != games.DayOfInfamy {
		return nil
	}

	dedicated, err := d.open(ctx, "dedicated")
	if err != nil {
		return fmt.Errorf("loading dedicated: %w", err)
	}
	ctx.Hold(dedicated) // FindFirst detour lives there

	if err := patchVScript(ctx, dedicated); err != nil {
		ctx.Log.Warnf("server may crash on exit: %v", err)
	}
	return d.hookFindFirst(ctx, dedicated)
}

// setupLauncher adds the launcher's SDL manager to group, with CSDLMgr::Init stubbed out.
func (d *Driver) setupLauncher(ctx *fixer.Context, group uintptr) error {
	launcher, err := d.open(ctx, "launcher")
	if err != nil {
		return fmt.Errorf("loading launcher: %w", err)
	}
	ctx.Hold(launcher)

	syms, err := launcher.ResolveHiddenSymbols([]string{symAddSystem, symCreateSDLMgr, symSDLMgrInit})
	if err != nil {
		for _, s := range syms {
			if !s.Found() {
				ctx.Log.WithField("symbol", s.Name).Error("not found in launcher")
			}
		}
		return err
	}

	h := sdlInitHook()
	if err := ctx.Hook("CSDLMgr::Init", h.callback, h.slot, syms[2].Address); err != nil {
		return err
	}

	mgr := d.create(syms[1].Address) // cgo
	d.addSystem(syms[0].Address, group, mgr, sdlInterface)
	ctx.Log.Debugf("added %s at %#x", sdlInterface, mgr)
	return nil
}

func (d *Driver) hookFindFirst(ctx *fixer.Context, dedicated library) error {
	addr, err := dedicated.ResolveHiddenSymbol(symFindFirst)
	if err != nil {
		return err
	}
	fix := ctx.API.FixPath
	paths.Store(&fix)

	h := findFirstHook()
	if err := ctx.Hook("CBaseFileSystem::FindFirst", h.callback, h.slot, addr); err != nil {
		paths.CompareAndSwap(&fix, nil)
		return err
	}
	return nil
}

// PostLoadModules removes the player position from the map line of the status command.
// Nothing depends on it, a failure is only logged.
func (d *Driver) PostLoadModules(ctx *fixer.Context, group uintptr) (err error) {
	engine, err := d.open(ctx, "engine")
	if err != nil {
		return fmt.Errorf("loading engine: %w", err)
	}
	defer func() {
		err = errors.Join(err, engine.Close())
	}()

	if err := d.patchMapStatus(ctx, engine); err != nil {
		ctx.Log.Warnf("status keeps the map location: %v", err)
	}
	return nil
}

func (d *Driver) Shutdown(ctx *fixer.Context) {
	paths.Store(nil)
}
