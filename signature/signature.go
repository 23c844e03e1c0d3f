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
Package signature compiles human-readable byte signatures into immutable patterns
and scans memory for them.

A signature is a list of space-separated tokens:

	55 8B ? ? 90

Each token is either one or two hex digits (exact byte), or `?` / `??` (any byte).
A single hex digit is the value of that digit, so `5` and `05` are the same byte.

Signatures are meant to be compiled once, at package initialisation:

	var getWindowSize = signature.MustCompile("55 48 89 E5 48 8B 3D ? ? ? ? 48 8B 07")

	p, err := lib.FindPattern(getWindowSize)
	...
	disp := p + uintptr(getWindowSize.OffsetOfWild(1))
*/
package signature

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the byte reported by [Pattern.Bytes] for positions that match anything.
const Wildcard = byte(0x2A)

const (
	exact = byte(0xFF)
	wild  = byte(0x00)
)

var (
	ErrEmpty  = errors.New("empty signature")
	ErrSyntax = errors.New("invalid signature")
)

// SyntaxError describes the offending token of a signature.
type SyntaxError struct {
	Sig   string
	Pos   int // byte offset of the token in Sig
	Token string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid token %q at offset %d in signature %q", e.Token, e.Pos, e.Sig)
}

func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}

/*
Pattern is a compiled signature. The zero value is not a valid pattern, use [Compile],
[MustCompile] or [Literal] to obtain one. Patterns are immutable and safe to share.
*/
type Pattern struct {
	bytes []byte
	mask  []byte
}

/*
Compile parses sig into a [Pattern]. Leading, trailing and repeated whitespace is ignored.
*/
func Compile(sig string) (Pattern, error) {
	var p Pattern

	pos := 0
	for pos < len(sig) {
		if isSpace(sig[pos]) {
			pos++
			continue
		}
		start := pos
		for pos < len(sig) && !isSpace(sig[pos]) {
			pos++
		}
		token := sig[start:pos]

		b, isWild, ok := parseToken(token)
		if !ok {
			return Pattern{}, &SyntaxError{Sig: sig, Pos: start, Token: token}
		}
		if isWild {
			p.bytes = append(p.bytes, Wildcard)
			p.mask = append(p.mask, wild)
		} else {
			p.bytes = append(p.bytes, b)
			p.mask = append(p.mask, exact)
		}
	}

	if len(p.bytes) == 0 {
		return Pattern{}, ErrEmpty
	}

	return p, nil
}

/*
MustCompile is like [Compile] but panics if the signature cannot be parsed.
It simplifies safe initialisation of package-level variables holding signatures.
*/
func MustCompile(sig string) Pattern {
	p, err := Compile(sig)
	if err != nil {
		panic("signature: MustCompile: " + err.Error())
	}
	return p
}

/*
Literal returns a pattern matching b exactly, e.g. a string embedded in a library.
It panics if b is empty.
*/
func Literal(b []byte) Pattern {
	if len(b) == 0 {
		panic("signature: Literal: " + ErrEmpty.Error())
	}
	p := Pattern{
		bytes: bytes.Clone(b),
		mask:  bytes.Repeat([]byte{exact}, len(b)),
	}
	return p
}

func parseToken(token string) (b byte, isWild bool, ok bool) {
	switch len(token) {
	case 1:
		if token[0] == '?' {
			return 0, true, true
		}
		v, ok := hexValue(token[0])
		return v, false, ok
	case 2:
		if token == "??" {
			return 0, true, true
		}
		hi, ok1 := hexValue(token[0])
		lo, ok2 := hexValue(token[1])
		return hi<<4 | lo, false, ok1 && ok2
	}
	return 0, false, false
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Len returns the number of bytes the pattern spans.
func (p Pattern) Len() int {
	return len(p.bytes)
}

// Bytes returns a copy of the pattern bytes, wildcard positions hold [Wildcard].
func (p Pattern) Bytes() []byte {
	return bytes.Clone(p.bytes)
}

// IsWild reports whether position i matches any byte.
func (p Pattern) IsWild(i int) bool {
	return p.mask[i] == wild
}

// Wildcards returns the number of wildcard positions.
func (p Pattern) Wildcards() int {
	n := 0
	for _, m := range p.mask {
		if m == wild {
			n++
		}
	}
	return n
}

/*
OffsetOfWild returns the 0-based offset of the n-th wildcard, counting from 1.
If the pattern has fewer than n wildcards (or n < 1) it returns [Pattern.Len].

Wildcards usually cover a displacement, so the typical use is reading the
operand of the matched instruction:

	sig := signature.MustCompile("48 8D 05 ? ? ? ? 48 8B 38")
	off := sig.OffsetOfWild(1) // 3
*/
func (p Pattern) OffsetOfWild(n int) int {
	count := 0
	for i, m := range p.mask {
		if m == wild {
			count++
			if count == n {
				return i
			}
		}
	}
	return len(p.bytes)
}

// Match reports whether the pattern matches at the beginning of b.
func (p Pattern) Match(b []byte) bool {
	if len(p.bytes) == 0 || len(b) < len(p.bytes) {
		return false
	}
	for i, m := range p.mask {
		if m == exact && b[i] != p.bytes[i] {
			return false
		}
	}
	return true
}

/*
Index returns the offset of the first match of the pattern in buf, or -1 if there is none.
The scan is linear; when the first pattern byte is exact, candidates are located with
[bytes.IndexByte].
*/
func (p Pattern) Index(buf []byte) int {
	n := len(p.bytes)
	if n == 0 || len(buf) < n {
		return -1
	}
	last := len(buf) - n

	if p.mask[0] == wild {
		for i := 0; i <= last; i++ {
			if p.Match(buf[i:]) {
				return i
			}
		}
		return -1
	}

	first := p.bytes[0]
	for i := 0; i <= last; {
		j := bytes.IndexByte(buf[i:last+1], first)
		if j < 0 {
			return -1
		}
		i += j
		if p.Match(buf[i:]) {
			return i
		}
		i++
	}
	return -1
}

// String returns the pattern in canonical signature form, e.g. "55 8B ? ? 90".
func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p.bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if p.mask[i] == wild {
			sb.WriteByte('?')
		} else {
			fmt.Fprintf(&sb, "%02X", b)
		}
	}
	return sb.String()
}
