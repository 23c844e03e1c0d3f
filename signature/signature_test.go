package signature

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	p, err := Compile("55 8B ? ? 90")
	require.NoError(t, err)

	assert.Equal(t, 5, p.Len())
	if diff := deep.Equal(p.Bytes(), []byte{0x55, 0x8B, Wildcard, Wildcard, 0x90}); diff != nil {
		t.Error(diff)
	}
	assert.False(t, p.IsWild(0))
	assert.False(t, p.IsWild(1))
	assert.True(t, p.IsWild(2))
	assert.True(t, p.IsWild(3))
	assert.False(t, p.IsWild(4))
	assert.Equal(t, 2, p.Wildcards())

	assert.Equal(t, 2, p.OffsetOfWild(1))
	assert.Equal(t, 3, p.OffsetOfWild(2))
	assert.Equal(t, 5, p.OffsetOfWild(3))
	assert.Equal(t, 5, p.OffsetOfWild(0))
}

func TestCompileNormalisesTokens(t *testing.T) {
	tests := []struct {
		sig  string
		want string
	}{
		{"  55 8b  ?? 9\t", "55 8B ? 09"},
		{"\n48 8D 05 ? ? ? ?\n", "48 8D 05 ? ? ? ?"},
		{"a", "0A"},
		{"??", "?"},
		{"ff FF fF", "FF FF FF"},
	}

	for _, tc := range tests {
		p, err := Compile(tc.sig)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.sig, err)
			continue
		}
		if p.String() != tc.want {
			t.Errorf("%q: got %q, expected %q", tc.sig, p.String(), tc.want)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("   ")
	assert.ErrorIs(t, err, ErrEmpty)

	for _, sig := range []string{"55 8G", "123", "55 ???", "x", "55,8B", "?5"} {
		_, err := Compile(sig)
		if !errors.Is(err, ErrSyntax) {
			t.Errorf("%q: expected syntax error, got %v", sig, err)
		}
	}

	var se *SyntaxError
	_, err = Compile("55 8B zz 90")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 6, se.Pos)
	assert.Equal(t, "zz", se.Token)
}

func TestMustCompilePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("The code did not panic")
		}
	}()

	MustCompile("55 ZZ")
}

func TestLiteral(t *testing.T) {
	p := Literal([]byte("map     : %s at"))
	assert.Equal(t, 15, p.Len())
	assert.Equal(t, 0, p.Wildcards())
	assert.Equal(t, p.Len(), p.OffsetOfWild(1))

	buf := []byte("xxmap     : %s at\n")
	assert.Equal(t, 2, p.Index(buf))
}

func TestIndexWildcardMiddle(t *testing.T) {
	p := MustCompile("90 ? 90")

	buf := []byte{0x00, 0x90, 0x13, 0x90, 0x90, 0xFF, 0x90}
	assert.Equal(t, 1, p.Index(buf))

	// every window with 0x90 at both ends matches, whatever sits in between
	for i := 0; i+p.Len() <= len(buf); i++ {
		want := buf[i] == 0x90 && buf[i+2] == 0x90
		if p.Match(buf[i:]) != want {
			t.Errorf("offset %d: match is %v, expected %v", i, !want, want)
		}
	}

	assert.Equal(t, -1, p.Index([]byte{0x90, 0x00, 0x91, 0x90}))
	assert.Equal(t, -1, p.Index([]byte{0x90, 0x00}))
}

func TestIndexLeadingWildcard(t *testing.T) {
	p := MustCompile("? 8B 45")

	assert.Equal(t, 2, p.Index([]byte{0x8B, 0x00, 0x77, 0x8B, 0x45}))
	assert.Equal(t, -1, p.Index([]byte{0x8B, 0x45}))
}

func TestIndexRepeatedFirstByte(t *testing.T) {
	p := MustCompile("55 55 48")

	assert.Equal(t, 3, p.Index([]byte{0x55, 0x55, 0x55, 0x55, 0x55, 0x48}))
	assert.Equal(t, -1, p.Index([]byte{0x55, 0x55, 0x55, 0x55}))
}

func TestMatchShortBuffer(t *testing.T) {
	p := MustCompile("55 8B")
	assert.False(t, p.Match([]byte{0x55}))
	assert.False(t, Pattern{}.Match([]byte{0x55}))
	assert.Equal(t, -1, Pattern{}.Index([]byte{0x55}))
}
