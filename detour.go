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

//go:build (linux || darwin) && (amd64 || arm64)

package nxdetour

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidTarget = errors.New("invalid detour target")
	ErrOverlap       = errors.New("range already patched")
	ErrDestroyed     = errors.New("detour destroyed")
	ErrPrologue      = errors.New("cannot hook function prologue")
	ErrRelocation    = errors.New("cannot relocate instruction")
	ErrProtect       = errors.New("cannot change memory protection")
)

// State is the lifecycle state of a [Detour]. Destroyed is terminal.
type State int

const (
	Created State = iota
	Enabled
	Disabled
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type span struct {
	start, end uintptr
}

func (s span) overlaps(o span) bool {
	return s.start < o.end && o.start < s.end
}

/*
Engine installs detours and raw patches into the running process. All writes to code go
through the engine and are serialised by it, so no two patches interleave.
*/
type Engine struct {
	mu       sync.Mutex
	log      *logrus.Entry
	live     []*Detour // in creation order
	reserved []span    // left patched by Destroy(false)
}

type Option func(*Engine)

func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

func New(opts ...Option) *Engine {
	e := &Engine{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.WithField("component", "detour")
	return e
}

// Detour redirects calls of a target function to a callback. The original behaviour stays
// reachable through the trampoline.
type Detour struct {
	engine   *Engine
	target   uintptr
	callback uintptr
	slot     *uintptr
	tramp    unsafe.Pointer
	window   span // target bytes the trampoline took over
	jump     []byte
	original []byte
	state    State
}

func (e *Engine) occupied(s span) bool {
	for _, d := range e.live {
		if d.window.overlaps(s) {
			return true
		}
	}
	for _, r := range e.reserved {
		if r.overlaps(s) {
			return true
		}
	}
	return false
}

/*
Create prepares a detour of the code at target. Whole instructions covering the jump are
relocated into a trampoline placed close to target and followed by a jump back to the rest
of the original code; the trampoline address is stored into *trampoline. The target itself
is not modified until [Detour.Enable].

Create fails with [ErrOverlap] when the range is already taken by another detour, and with
[ErrPrologue] or [ErrRelocation] when the prologue can't be moved.
*/
func (e *Engine) Create(callback uintptr, trampoline *uintptr, target uintptr) (*Detour, error) {
	if target == 0 || callback == 0 || trampoline == nil {
		return nil, ErrInvalidTarget
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	jump := jumpCode(target, callback) // arch-specific
	if e.occupied(span{target, target + uintptr(len(jump))}) {
		return nil, fmt.Errorf("%w: %#x", ErrOverlap, target)
	}

	prologue := unsafe.Slice((*byte)(unsafe.Pointer(target)), maxPrologue)
	tramp, err := allocCode(target, int(pageSize))
	if err != nil {
		return nil, err
	}
	code, consumed, err := relocate(target, prologue, len(jump), uintptr(tramp))
	if err == nil && e.occupied(span{target, target + uintptr(consumed)}) {
		err = fmt.Errorf("%w: %#x", ErrOverlap, target)
	}
	if err != nil {
		freeCode(tramp, int(pageSize))
		return nil, err
	}
	code = append(code, absJump(target+uintptr(consumed))...)
	copy(unsafe.Slice((*byte)(tramp), len(code)), code)
	if err := sealCode(tramp, int(pageSize)); err != nil {
		freeCode(tramp, int(pageSize))
		return nil, err
	}

	d := &Detour{
		engine:   e,
		target:   target,
		callback: callback,
		slot:     trampoline,
		tramp:    tramp,
		window:   span{target, target + uintptr(consumed)},
		jump:     jump,
		original: slices.Clone(prologue[:len(jump)]),
	}
	*trampoline = uintptr(tramp)
	e.live = append(e.live, d)

	e.log.WithFields(logrus.Fields{
		"target":     fmt.Sprintf("%#x", target),
		"trampoline": fmt.Sprintf("%#x", uintptr(tramp)),
	}).Debugf("detour created, %d bytes relocated", consumed)
	return d, nil
}

// Enable patches the target. Enabling an enabled detour does nothing.
func (d *Detour) Enable() error {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()

	switch d.state {
	case Destroyed:
		return ErrDestroyed
	case Enabled:
		return nil
	}
	if err := writeCode(d.target, d.jump); err != nil {
		return err
	}
	d.state = Enabled
	return nil
}

// Disable restores the original target bytes; the detour can be enabled again.
func (d *Detour) Disable() error {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()

	switch d.state {
	case Destroyed:
		return ErrDestroyed
	case Created, Disabled:
		return nil
	}
	if err := writeCode(d.target, d.original); err != nil {
		return err
	}
	d.state = Disabled
	return nil
}

func (d *Detour) IsEnabled() bool {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	return d.state == Enabled
}

func (d *Detour) State() State {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	return d.state
}

func (d *Detour) Target() uintptr { return d.target }

// Trampoline returns the address that runs the original code, zero after Destroy(true).
func (d *Detour) Trampoline() uintptr {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	if d.tramp == nil {
		return 0
	}
	return uintptr(d.tramp)
}

/*
Destroy ends the detour. With undoPatch the original bytes are restored, the trampoline is
unmapped and the trampoline slot zeroed. Without it the target stays patched, the trampoline
stays mapped and the patched range stays reserved for the life of the process; this is what
a callback that is still on the stack needs.
*/
func (d *Detour) Destroy(undoPatch bool) error {
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if d.state == Destroyed {
		return ErrDestroyed
	}
	if undoPatch {
		if d.state == Enabled {
			if err := writeCode(d.target, d.original); err != nil {
				return err
			}
		}
		if err := freeCode(d.tramp, int(pageSize)); err != nil {
			e.log.Warnf("unmapping trampoline of %#x: %v", d.target, err)
		}
		d.tramp = nil
		*d.slot = 0
	} else {
		e.reserved = append(e.reserved, d.window)
	}

	e.live = slices.DeleteFunc(e.live, func(o *Detour) bool { return o == d })
	d.state = Destroyed
	e.log.WithField("target", fmt.Sprintf("%#x", d.target)).Debugf("detour destroyed, undo %v", undoPatch)
	return nil
}

// intoWindow fails when a relocated branch lands in [src, src+consumed), which holds the
// patched jump once the detour is enabled.
func intoWindow(src uintptr, consumed int, targets []uintptr) error {
	for _, t := range targets {
		if t >= src && t < src+uintptr(consumed) {
			return fmt.Errorf("%w: branch to %#x inside the patched range", ErrPrologue, t)
		}
	}
	return nil
}

// ActiveIn returns the number of detours not yet destroyed whose target is in [start, end).
func (e *Engine) ActiveIn(start, end uintptr) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, d := range e.live {
		if d.target >= start && d.target < end {
			n++
		}
	}
	return n
}

// DestroyAll destroys every live detour with undo, newest first.
func (e *Engine) DestroyAll() error {
	e.mu.Lock()
	live := slices.Clone(e.live)
	e.mu.Unlock()

	var errs error
	for i := len(live) - 1; i >= 0; i-- {
		if err := live[i].Destroy(true); err != nil && !errors.Is(err, ErrDestroyed) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Patch writes data at addr and returns the bytes it replaced. Ranges of detours that are
// not destroyed, and ranges left patched by Destroy(false), are refused with [ErrOverlap].
func (e *Engine) Patch(addr uintptr, data []byte) ([]byte, error) {
	if addr == 0 || len(data) == 0 {
		return nil, ErrInvalidTarget
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// a detour keeps copies of its window, even while disabled
	if e.occupied(span{addr, addr + uintptr(len(data))}) {
		return nil, fmt.Errorf("%w: %#x is detoured", ErrOverlap, addr)
	}
	prev := slices.Clone(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)))
	if err := writeCode(addr, data); err != nil {
		return nil, err
	}
	return prev, nil
}
