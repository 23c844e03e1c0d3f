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
	"sync"

	"github.com/sirupsen/logrus"
)

// Detour is the part of a detour a [Context] manages.
type Detour interface {
	Enable() error
	Destroy(undoPatch bool) error
	Target() uintptr
}

// Closer is a resource released when the context is, typically a *gamelib.Library.
type Closer interface {
	Close() error
}

/*
Context is the state of one driver: its API, logger and everything it installed or opened.
Release undoes detours newest first and closes libraries after that, since a library can't
be closed while detours live in it.
*/
type Context struct {
	API ServerAPI
	Log *logrus.Entry

	mu      sync.Mutex
	detours []Detour
	libs    []Closer
}

func NewContext(api ServerAPI, log *logrus.Entry) *Context {
	return &Context{API: api, Log: log}
}

// Track makes d released together with the context.
func (c *Context) Track(d Detour) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detours = append(c.detours, d)
}

// Hold makes lib closed together with the context.
func (c *Context) Hold(lib Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.libs = append(c.libs, lib)
}

// Hook creates, enables and tracks a detour of target. what names the hooked function in errors.
func (c *Context) Hook(what string, callback uintptr, trampoline *uintptr, target uintptr) error {
	d, err := c.API.CreateDetour(callback, trampoline, target)
	if err != nil {
		return fmt.Errorf("creating detour for %s: %w", what, err)
	}
	if err := d.Enable(); err != nil {
		d.Destroy(true)
		return fmt.Errorf("enabling detour for %s: %w", what, err)
	}
	c.Track(d)
	c.Log.Debugf("hooked %s at %#x", what, target)
	return nil
}

// Release destroys tracked detours and closes held libraries, both newest first.
func (c *Context) Release() error {
	return errors.Join(c.Unhook(), c.CloseLibraries())
}

// Unhook destroys tracked detours, newest first.
func (c *Context) Unhook() error {
	c.mu.Lock()
	detours := c.detours
	c.detours = nil
	c.mu.Unlock()

	var errs error
	for i := len(detours) - 1; i >= 0; i-- {
		if err := detours[i].Destroy(true); err != nil {
			errs = errors.Join(errs, fmt.Errorf("detour at %#x: %w", detours[i].Target(), err))
		}
	}
	return errs
}

/*
CloseLibraries closes held libraries, newest first. A library hosting a detour of any context
refuses to close, so every context sharing the process must be unhooked first.
*/
func (c *Context) CloseLibraries() error {
	c.mu.Lock()
	libs := c.libs
	c.libs = nil
	c.mu.Unlock()

	var errs error
	for i := len(libs) - 1; i >= 0; i-- {
		errs = errors.Join(errs, libs[i].Close())
	}
	return errs
}
