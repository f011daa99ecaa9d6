package main

import (
	"go/constant"
	"go/token"
	"go/types"
	"testing"
)

func newIntConst(pkg *types.Package, name string, val uint64) *types.Const {
	return types.NewConst(token.NoPos, pkg, name, types.Typ[types.UntypedInt], constant.MakeUint64(val))
}

func TestCollectSyscallConstsFiltersAndParsesPrefix(t *testing.T) {
	pkg := types.NewPackage("eduos/syscall", "syscall")
	scope := pkg.Scope()

	scope.Insert(newIntConst(pkg, "SYS_EXIT", 0x0000))
	scope.Insert(newIntConst(pkg, "SYS_GETPID", 0x0004))
	scope.Insert(newIntConst(pkg, "SYS_BRK", 0x0200))
	scope.Insert(newIntConst(pkg, "SYS_MAX", 0x0700))
	scope.Insert(types.NewVar(token.NoPos, pkg, "notAConst", types.Typ[types.Int]))
	scope.Insert(types.NewFunc(token.NoPos, pkg, "Dispatch", types.NewSignatureType(nil, nil, nil, nil, nil, false)))

	entries := collectSyscallConsts(scope)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (SYS_MAX excluded), got %d: %+v", len(entries), entries)
	}

	byName := make(map[string]uint16)
	for _, e := range entries {
		byName[e.name] = e.num
	}
	if byName["SYS_EXIT"] != 0x0000 || byName["SYS_GETPID"] != 0x0004 || byName["SYS_BRK"] != 0x0200 {
		t.Fatalf("unexpected entry values: %+v", byName)
	}
	if _, ok := byName["SYS_MAX"]; ok {
		t.Fatal("SYS_MAX should have been excluded as a bound, not a syscall number")
	}
}
