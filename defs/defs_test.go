package defs

import "testing"

func TestMkdevRoundtrip(t *testing.T) {
	d := Mkdev(D_CONSOLE, 3)
	maj, min := Unmkdev(d)
	if maj != D_CONSOLE || min != 3 {
		t.Fatalf("roundtrip mismatch: got (%d,%d)", maj, min)
	}
}

func TestMkdevBadMinor(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on oversized minor")
		}
	}()
	Mkdev(D_CONSOLE, 0x100)
}

func TestErrString(t *testing.T) {
	if ENOMEM.String() != "ENOMEM" {
		t.Fatalf("got %q", ENOMEM.String())
	}
	if (-ENOMEM).String() != "ENOMEM" {
		t.Fatal("negated error kind must name the same kind")
	}
	if ENOHEAP.String() != "ENOHEAP" {
		t.Fatalf("got %q", ENOHEAP.String())
	}
	if Err_t(0).String() != "EUNKNOWN" {
		t.Fatal("zero is not a named kind")
	}
}
