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

// Package games detects which Source engine branch a server runs and keeps the drivers
// registered for each branch.
package games

import (
	"fmt"
	"sync"

	"github.com/qrdl/nxdetour/fixer"
	"github.com/qrdl/nxdetour/gamelib"
)

// Branch is a Source engine branch.
type Branch int

const (
	Unknown Branch = iota - 1
	GarrysMod
	SDK2013
	Left4Dead
	Left4Dead2
	NuclearDawn
	CSGO
	Insurgency
	DayOfInfamy
)

var branchNames = [...]string{"gmod", "sdk2013", "l4d", "l4d2", "nd", "csgo", "ins", "doi"}

func (b Branch) String() string {
	if b < 0 || int(b) >= len(branchNames) {
		return "unknown"
	}
	return branchNames[b]
}

// ParseBranch is the inverse of [Branch.String].
func ParseBranch(s string) (Branch, error) {
	for i, n := range branchNames {
		if n == s {
			return Branch(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown engine branch %q", s)
}

// GameName returns the argument of -game, or "" when there is none.
func GameName(args []string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-game" {
			return args[i+1]
		}
	}
	return ""
}

func has(f gamelib.Factory, iface string) bool {
	return f != nil && f(iface) != 0
}

/*
Detect tells the branch apart by the interface versions the engine, vstdlib and datacache
factories provide. datacache is only asked for when needed and may be nil.
*/
func Detect(engine, vstdlib gamelib.Factory, datacache func() gamelib.Factory, game string) Branch {
	switch {
	case has(engine, "VEngineServer023"):
		switch {
		case has(engine, "EngineTraceServer003") && has(vstdlib, "VEngineCvar004"):
			return SDK2013
		case has(engine, "IEngineSoundServer004"):
			if game == "doi" {
				return DayOfInfamy
			}
			return Insurgency
		}
		return CSGO

	case has(engine, "VEngineServer022") && has(vstdlib, "VEngineCvar007"):
		var dc gamelib.Factory
		if datacache != nil {
			dc = datacache()
		}
		if has(dc, "VPrecacheSystem001") {
			if game == "nucleardawn" {
				return NuclearDawn
			}
			return Left4Dead2
		}
		return Left4Dead

	case has(engine, "VEngineServer021") && has(engine, "EngineTraceServer003"):
		return GarrysMod
	}
	return Unknown
}

var (
	mu      sync.RWMutex
	drivers = map[Branch]func() fixer.Driver{}
)

// Register makes a driver available for branch. Drivers register from init.
func Register(b Branch, factory func() fixer.Driver) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := drivers[b]; dup {
		panic(fmt.Sprintf("driver for %s registered twice", b))
	}
	drivers[b] = factory
}

// Lookup returns a new driver for branch.
func Lookup(b Branch) (fixer.Driver, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := drivers[b]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Supported lists the branches with a registered driver.
func Supported() []Branch {
	mu.RLock()
	defer mu.RUnlock()
	var bs []Branch
	for b := GarrysMod; b <= DayOfInfamy; b++ {
		if _, ok := drivers[b]; ok {
			bs = append(bs, b)
		}
	}
	return bs
}
