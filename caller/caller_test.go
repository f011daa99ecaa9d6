package caller

import "testing"

func TestDistinctFirstThenRepeat(t *testing.T) {
	dc := &DistinctCaller{Enabled: true}
	first := func() (bool, string) { return dc.Distinct() }
	// Both calls must come from the same call site: a different line in
	// this function is a different call chain.
	var oks [2]bool
	var s1 string
	for i := range oks {
		ok, s := first()
		oks[i] = ok
		if i == 0 {
			s1 = s
		}
	}
	ok1, ok2 := oks[0], oks[1]
	if !ok1 || s1 == "" {
		t.Fatal("expected first call to be distinct")
	}
	if ok2 {
		t.Fatal("expected repeat call chain to not be distinct")
	}
	if dc.Len() != 1 {
		t.Fatalf("expected 1 recorded chain, got %d", dc.Len())
	}
}

func TestDistinctDisabled(t *testing.T) {
	dc := &DistinctCaller{}
	ok, _ := dc.Distinct()
	if ok {
		t.Fatal("expected disabled tracker to report not-distinct")
	}
}
