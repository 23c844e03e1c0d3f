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

// Package l4d2 fixes the Left 4 Dead 2 dedicated server on macOS, which expects the
// launcher's Cocoa manager among the app systems it is given.
package l4d2

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/qrdl/nxdetour/fixer"
	"github.com/qrdl/nxdetour/fixer/games"
	"github.com/qrdl/nxdetour/gamelib"
)

const (
	symAddSystem   = "_ZN15CAppSystemGroup9AddSystemEP10IAppSystemPKc"
	symCocoaMgr    = "g_CocoaMgr"
	symLauncherMgr = "g_pLauncherMgr"
	cocoaInterface = "CocoaMgrInterface006"
)

var errNoCocoaMgr = errors.New("launcher Cocoa manager is not registered")

var inputSystem = []fixer.AppSystemInfo{
	{Module: "inputsystem.dylib", Interface: "InputSystemVersion001"},
}

func init() {
	games.Register(games.Left4Dead2, func() fixer.Driver { return New() })
}

type library interface {
	ResolveHiddenSymbol(name string) (uintptr, error)
	ResolveHiddenSymbols(names []string) ([]gamelib.SymbolInfo, error)
	Close() error
}

// Driver is the Left 4 Dead 2 driver.
type Driver struct {
	open      func(ctx *fixer.Context, name string) (library, error)
	addSystem func(fn, group, system uintptr, iface string) int

	cocoaMgr uintptr
}

func New() *Driver {
	return &Driver{open: loadLibrary, addSystem: fixer.CallAddSystem}
}

func loadLibrary(ctx *fixer.Context, name string) (library, error) {
	lib, err := ctx.API.LoadLibrary(name)
	if err != nil {
		return nil, err
	}
	return lib, nil
}

func (d *Driver) Init(ctx *fixer.Context) error {
	d.cocoaMgr = 0
	return nil
}

// PreLoadModules registers g_CocoaMgr with the group and adds the input system.
func (d *Driver) PreLoadModules(ctx *fixer.Context, group uintptr) error {
	launcher, err := d.open(ctx, "launcher")
	if err != nil {
		return fmt.Errorf("loading launcher: %w", err)
	}
	ctx.Hold(launcher)

	syms, err := launcher.ResolveHiddenSymbols([]string{symAddSystem, symCocoaMgr})
	if err != nil {
		for _, s := range syms {
			if !s.Found() {
				ctx.Log.WithField("symbol", s.Name).Error("not found in launcher")
			}
		}
		return err
	}

	d.cocoaMgr = syms[1].Address
	d.addSystem(syms[0].Address, group, d.cocoaMgr, cocoaInterface) // cgo
	ctx.Log.Debugf("added %s at %#x", cocoaInterface, d.cocoaMgr)

	return ctx.API.AddSystems(inputSystem)
}

// PostLoadModules points engine's g_pLauncherMgr at the launcher's manager.
func (d *Driver) PostLoadModules(ctx *fixer.Context, group uintptr) (err error) {
	if d.cocoaMgr == 0 {
		return errNoCocoaMgr
	}
	engine, err := d.open(ctx, "engine")
	if err != nil {
		return fmt.Errorf("loading engine: %w", err)
	}
	defer func() {
		err = errors.Join(err, engine.Close())
	}()

	addr, err := engine.ResolveHiddenSymbol(symLauncherMgr)
	if err != nil {
		return err
	}
	return ctx.API.Patch(addr, binary.NativeEndian.AppendUint64(nil, uint64(d.cocoaMgr)))
}

func (d *Driver) Shutdown(ctx *fixer.Context) {}
