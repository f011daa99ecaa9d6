// Command sysdoc is a dev-time tool that loads the eduos/syscall package's
// type information with golang.org/x/tools/go/packages and emits a
// Markdown table of every declared syscall number, grouped by the
// category byte the spec's syscall ABI carries in the number's high byte
// (spec.md §6). It exists so the number table documented here can never
// silently drift from the constants the dispatcher actually compiles
// against.
package main

import (
	"fmt"
	"go/constant"
	"go/types"
	"os"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

// category names the high byte of a 16-bit syscall number per spec.md §6.
var category = map[uint16]string{
	0x00: "process",
	0x01: "file",
	0x02: "memory",
	0x03: "time",
	0x04: "signal",
	0x05: "system",
	0x06: "network",
}

type entry struct {
	name string
	num  uint16
}

func main() {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes}
	pkgs, err := packages.Load(cfg, "eduos/syscall")
	if err != nil {
		fmt.Fprintln(os.Stderr, "sysdoc:", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}
	if len(pkgs) != 1 {
		fmt.Fprintln(os.Stderr, "sysdoc: expected exactly one package, got", len(pkgs))
		os.Exit(1)
	}

	entries := collectSyscallConsts(pkgs[0].Types.Scope())
	sort.Slice(entries, func(i, j int) bool { return entries[i].num < entries[j].num })

	byCat := make(map[uint16][]entry)
	for _, e := range entries {
		byCat[e.num>>8] = append(byCat[e.num>>8], e)
	}

	var cats []uint16
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	var b strings.Builder
	b.WriteString("# Syscall number table\n\n")
	for _, c := range cats {
		name := category[c]
		if name == "" {
			name = fmt.Sprintf("unknown category %#02x", c)
		}
		fmt.Fprintf(&b, "## %s (%#04x-%#04x)\n\n", name, c<<8, c<<8|0xff)
		b.WriteString("| number | name |\n|---|---|\n")
		for _, e := range byCat[c] {
			fmt.Fprintf(&b, "| %#06x | %s |\n", e.num, e.name)
		}
		b.WriteString("\n")
	}
	fmt.Print(b.String())
}

// collectSyscallConsts walks the package scope for exported SYS_* integer
// constants, the same name convention the syscall package declares its
// dispatch-table indices under.
func collectSyscallConsts(scope *types.Scope) []entry {
	var entries []entry
	for _, name := range scope.Names() {
		if !strings.HasPrefix(name, "SYS_") || name == "SYS_MAX" {
			continue
		}
		c, ok := scope.Lookup(name).(*types.Const)
		if !ok {
			continue
		}
		v := c.Val()
		if v.Kind() != constant.Int {
			continue
		}
		n, ok := constant.Uint64Val(v)
		if !ok {
			continue
		}
		entries = append(entries, entry{name: name, num: uint16(n)})
	}
	return entries
}
