package accnt

import "testing"

func TestAddMerges(t *testing.T) {
	var parent, child Accnt_t
	parent.Utadd(1_000_000_000)
	child.Utadd(2_000_000_000)
	child.Systadd(500_000_000)

	parent.Add(&child)

	ru := parent.Fetch()
	if ru.UserSec != 3 {
		t.Fatalf("expected 3 user seconds, got %d", ru.UserSec)
	}
	if ru.SysSec != 0 || ru.SysUsec != 500000 {
		t.Fatalf("expected 0.5 sys seconds, got %d.%06d", ru.SysSec, ru.SysUsec)
	}
}

func TestFinish(t *testing.T) {
	var a Accnt_t
	start := a.Now()
	a.Finish(start - 2_000_000_000)
	ru := a.Fetch()
	if ru.SysSec < 1 {
		t.Fatalf("expected at least 1 sys second accounted, got %d", ru.SysSec)
	}
}
