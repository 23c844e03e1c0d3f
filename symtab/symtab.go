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
Package symtab reads symbol tables of shared libraries from their on-disk images,
including local symbols hidden with -fvisibility=hidden, which the dynamic linker
cannot see.

Supported formats are ELF (32 and 64 bit) and thin 64-bit Mach-O. Symbol values are
link-time addresses; add the library load bias to get a runtime address.
*/
package symtab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Format identifies the container format of an image.
type Format int

const (
	ELF Format = iota + 1
	MachO
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Kind is a coarse symbol type.
type Kind int

const (
	Other Kind = iota
	Func
	Object
)

// Symbol is a defined symbol of an image.
type Symbol struct {
	Name  string
	Value uint64 // link-time virtual address
	Size  uint64 // 0 when the format doesn't record it
	Kind  Kind
	Local bool
}

// Segment is a loadable segment of an image.
type Segment struct {
	Name     string
	Addr     uint64
	Size     uint64
	Offset   uint64
	FileSize uint64
	Exec     bool
}

/*
Image is a parsed library image. Headers are parsed when the image is opened,
the name index is built on first lookup and never changes afterwards.
*/
type Image struct {
	Format   Format
	Segments []Segment

	low, high uint64

	once    sync.Once
	load    func() ([]Symbol, error)
	index   map[string]Symbol
	loadErr error

	closer io.Closer
}

// Open opens the library image at path.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	im, err := NewImage(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	im.closer = f
	return im, nil
}

// NewImage parses an image from r. The reader must stay valid until the image is closed.
func NewImage(r io.ReaderAt) (*Image, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}

	var im *Image
	var err error
	switch {
	case string(magic[:]) == "\x7fELF":
		im, err = newELF(r)
	case isMachO(magic):
		im, err = newMachO(r)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}

	im.low, im.high = span(im.Segments)
	return im, nil
}

func isMachO(magic [4]byte) bool {
	m := binary.LittleEndian.Uint32(magic[:])
	// only thin 64-bit images, fat files need an arch picked first
	return m == 0xFEEDFACF || m == 0xCFFAEDFE
}

func span(segs []Segment) (uint64, uint64) {
	if len(segs) == 0 {
		return 0, 0
	}
	low, high := segs[0].Addr, segs[0].Addr+segs[0].Size
	for _, s := range segs[1:] {
		low = min(low, s.Addr)
		high = max(high, s.Addr+s.Size)
	}
	return low, high
}

// Bounds returns the link-time address range covered by loadable segments.
func (im *Image) Bounds() (low, high uint64) {
	return im.low, im.high
}

// Text returns the first executable segment, the region searched for code signatures.
func (im *Image) Text() (Segment, bool) {
	for _, s := range im.Segments {
		if s.Exec {
			return s, true
		}
	}
	return Segment{}, false
}

func (im *Image) build() {
	im.once.Do(func() {
		syms, err := im.load()
		if err != nil {
			im.loadErr = err
			return
		}
		im.index = make(map[string]Symbol, len(syms))
		for _, s := range syms {
			if s.Name == "" || s.Value < im.low || s.Value >= im.high {
				continue
			}
			if _, ok := im.index[s.Name]; ok {
				continue
			}
			im.index[s.Name] = s
		}
	})
}

// Err returns the error encountered while reading the symbol table, if any.
func (im *Image) Err() error {
	im.build()
	return im.loadErr
}

// Len returns the number of indexed symbols.
func (im *Image) Len() int {
	im.build()
	return len(im.index)
}

// Lookup finds a symbol by exact name.
func (im *Image) Lookup(name string) (Symbol, bool) {
	im.build()
	s, ok := im.index[name]
	return s, ok
}

/*
Resolve looks up all names in one pass. Found symbols are returned in request order,
missing names are all reported, not only the first one.
*/
func (im *Image) Resolve(names []string) (found []Symbol, missing []string) {
	im.build()
	for _, n := range names {
		if s, ok := im.index[n]; ok {
			found = append(found, s)
		} else {
			missing = append(missing, n)
		}
	}
	return found, missing
}

// Close releases the underlying file, if the image was created with [Open].
func (im *Image) Close() error {
	if im.closer == nil {
		return nil
	}
	err := im.closer.Close()
	im.closer = nil
	return err
}
