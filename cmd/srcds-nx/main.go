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
srcds-nx runs a Source dedicated server with the fixes its game needs to start: it loads
the dedicated library, detects the engine branch, installs the shared hooks and the game's
driver, and hands over to DedicatedMain.

Launcher options are --nx-<option>=<value> flags, SRCDS_NX_<OPTION> environment variables or
srcds-nx.yaml next to the executable. All other arguments are passed to the server.
*/
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/qrdl/nxdetour"
	"github.com/qrdl/nxdetour/fixer"
	"github.com/qrdl/nxdetour/fixer/games"
	_ "github.com/qrdl/nxdetour/fixer/games/ins"
	_ "github.com/qrdl/nxdetour/fixer/games/l4d2"
	"github.com/qrdl/nxdetour/gamelib"
)

func init() {
	// the engine's window and event code expects the main thread
	runtime.LockOSThread()
}

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	exe, err := executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}

	cfg, serverArgs, err := LoadConfig(argv[1:], filepath.Dir(exe), ".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}
	logger, logFile, err := InitLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}
	defer logFile.Close()
	log := logrus.NewEntry(logger)

	if cfg.Executable != "" {
		exe = cfg.Executable
	}
	args := append([]string{argv[0]}, serverArgs...)

	rc, err := serve(cfg, exe, args, log)
	if err != nil {
		log.Error(err)
		return 1
	}
	return rc
}

func executable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(exe)
}

func searchPath(cfg *Config, exe string) []string {
	if len(cfg.SearchPath) > 0 {
		return cfg.SearchPath
	}
	dir, _, _ := fixer.SplitBundle(exe)
	return []string{dir, filepath.Join(dir, "bin")}
}

func branch(cfg *Config, loader *gamelib.Loader, args []string) (games.Branch, error) {
	if cfg.Game != "" {
		return games.ParseBranch(cfg.Game)
	}
	return games.DetectServer(loader, args)
}

func serve(cfg *Config, exe string, args []string, log *logrus.Entry) (int, error) {
	engine := nxdetour.New(nxdetour.WithLogger(log.WithField("component", "detour")))
	loader := gamelib.NewLoader(gamelib.System,
		gamelib.WithGuard(engine),
		gamelib.WithLogger(log.WithField("component", "loader")),
		gamelib.WithSearchPath(searchPath(cfg, exe)...),
	)

	b, err := branch(cfg, loader, args)
	if err != nil {
		return 0, err
	}
	driver, ok := games.Lookup(b)
	if !ok {
		return 0, fmt.Errorf("%s needs no fixes or isn't supported, supported are %v", b, games.Supported())
	}
	log.WithField("game", b).Info("engine branch")

	server, err := fixer.NewServer(fixer.Config{
		Engine:     engine,
		Loader:     loader,
		Args:       args,
		Executable: exe,
		Dedicated:  cfg.Dedicated,
		Log:        log,
	})
	if err != nil {
		return 0, err
	}

	entry, err := server.Dedicated().ResolveSymbol("DedicatedMain")
	if err != nil {
		return 0, errors.Join(err, server.Close())
	}

	boot := fixer.NewBootstrap(server, driver, log.WithField("game", b))
	if err := boot.Init(); err != nil {
		return 0, errors.Join(err, server.Close())
	}

	rc := dedicatedMain(entry, args) // cgo, runs the server

	if err := boot.Shutdown(); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	if err := engine.DestroyAll(); err != nil {
		log.Warnf("destroying leftover detours: %v", err)
	}
	return rc, nil
}
