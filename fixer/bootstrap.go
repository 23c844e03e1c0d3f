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

	"github.com/sirupsen/logrus"
)

// Bootstrap ties the server, the shared hooks and a driver together.
type Bootstrap struct {
	Server  *Server
	Shared  *Shared
	Driver  Driver
	Context *Context
}

func NewBootstrap(server *Server, driver Driver, log *logrus.Entry) *Bootstrap {
	ctx := NewContext(server, log.WithField("component", "driver"))
	return &Bootstrap{
		Server:  server,
		Shared:  NewShared(server, driver, ctx, log),
		Driver:  driver,
		Context: ctx,
	}
}

// Init installs the shared hooks and initialises the driver. Nothing stays installed on error.
func (b *Bootstrap) Init() error {
	if err := b.Shared.Install(); err != nil {
		return fmt.Errorf("installing shared hooks: %w", err)
	}
	if err := b.Driver.Init(b.Context); err != nil {
		err = fmt.Errorf("initialising driver: %w", err)
		return errors.Join(err, b.release())
	}
	return nil
}

/*
Shutdown undoes everything in reverse order: the driver, the shared hooks, the server.
Libraries are closed only after every detour is gone, since the driver may hold its own
handle of a library the shared hooks patched.
*/
func (b *Bootstrap) Shutdown() error {
	b.Driver.Shutdown(b.Context)
	return errors.Join(b.release(), b.Server.Close())
}

func (b *Bootstrap) release() error {
	return errors.Join(
		b.Context.Unhook(),
		b.Shared.Unhook(),
		b.Context.CloseLibraries(),
		b.Shared.ctx.CloseLibraries(),
	)
}
