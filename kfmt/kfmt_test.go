package kfmt

import (
	"bytes"
	"testing"
)

func captured(fn func()) string {
	var buf bytes.Buffer
	SetConsole(&buf)
	fn()
	SetConsole(nil)
	return buf.String()
}

func TestPrintf(t *testing.T) {
	printfn := Printf // mute vet's printf-format-string checker

	specs := []struct {
		fn  func()
		exp string
	}{
		{func() { printfn("no args") }, "no args"},
		{func() { printfn("%t", true) }, "true"},
		{func() { printfn("%t", false) }, "false"},
		{func() { printfn("%s arg", "STRING") }, "STRING arg"},
		{func() { printfn("%s arg", []byte("BYTE SLICE")) }, "BYTE SLICE arg"},
		{func() { printfn("'%4s' pad", "AB") }, "'  AB' pad"},
		{func() { printfn("'%4s' over", "ABCDE") }, "'ABCDE' over"},
		{func() { printfn("%d", 42) }, "42"},
		{func() { printfn("%d", -42) }, "-42"},
		{func() { printfn("%4d", 7) }, "   7"},
		{func() { printfn("%o", 8) }, "10"},
		{func() { printfn("%x", 255) }, "ff"},
		{func() { printfn("%04x", 15) }, "000f"},
		{func() { printfn("%%d literal") }, "%d literal"},
		{func() { printfn("%s", 5) }, string(errWrongArgType)},
		{func() { printfn("%d") }, string(errMissingArg)},
		{func() { printfn("%d", 1, 2) }, "1" + string(errExtraArg)},
	}

	for i, s := range specs {
		if got := captured(s.fn); got != s.exp {
			t.Errorf("spec %d: got %q, want %q", i, got, s.exp)
		}
	}
}

func TestDisplayWidthWideRunes(t *testing.T) {
	// A fullwidth CJK string occupies two columns per rune; padding must
	// account for that or a %6s column will overflow its intended width.
	got := captured(func() { Printf("[%6s]", "世界") })
	want := "[  世界]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNoConsoleIsSilentNotPanicking(t *testing.T) {
	SetConsole(nil)
	Printf("%d", 1) // must not panic with no console installed
}
