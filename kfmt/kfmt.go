// Package kfmt is a minimal, allocation-light Printf usable before the Go
// runtime's full formatting machinery (and, on real hardware, before a
// heap) is available. It is grounded directly on gopher-os's
// kernel/kfmt/early package (verb subset, manual digit/padding loops,
// write-through-an-interface-not-os.Stdout design), generalized in one
// way that package needs but the reference does not: column padding for
// %s is Unicode-width-aware via golang.org/x/text/width, because task
// names and the boot command line (spec.md §6's cmdline) are untrusted
// boot-loader-supplied UTF-8, not the ASCII-only kernel strings
// gopher-os's formatter assumes.
package kfmt

import (
	"sync"

	"golang.org/x/text/width"
)

// Console is anything kfmt can write formatted output to. A real boot
// would set Active to a serial or framebuffer console driver; tests and
// the host tool commands set it to any io.Writer-shaped sink.
type Console interface {
	WriteByte(b byte) error
	Write(p []byte) (int, error)
}

// byteConsole adapts any io.Writer-like type missing WriteByte.
type byteConsole struct {
	w interface {
		Write(p []byte) (int, error)
	}
}

func (b byteConsole) WriteByte(c byte) error {
	_, err := b.w.Write([]byte{c})
	return err
}

func (b byteConsole) Write(p []byte) (int, error) { return b.w.Write(p) }

var (
	mu     sync.Mutex
	Active Console = nil
)

// SetConsole installs the sink future Printf calls write to. w need not
// implement WriteByte; it is wrapped if necessary.
func SetConsole(w interface {
	Write(p []byte) (int, error)
}) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		Active = nil
		return
	}
	if c, ok := w.(Console); ok {
		Active = c
		return
	}
	Active = byteConsole{w}
}

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	padByte         = byte(' ')
)

// Printf writes a formatted string to the active console. Supported
// verbs: %s (string/[]byte, width-padded), %d/%o/%x (any built-in integer
// type), %t (bool), %% (literal percent). An optional decimal width may
// precede any verb, e.g. %8d or %12s; padding is always on the left (there
// is no '-' flag).
//
// Unlike fmt.Printf this builds integers in a fixed stack buffer and never
// reflects into an arbitrary Stringer, since
// on a cold boot the itables needed for that are not guaranteed
// initialized yet (the same constraint gopher-os's early formatter notes).
func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if Active == nil {
		return
	}

	argi := 0
	i := 0
	n := len(format)
	for i < n {
		c := format[i]
		if c != '%' {
			Active.WriteByte(c)
			i++
			continue
		}
		i++
		if i >= n {
			break
		}
		if format[i] == '%' {
			Active.WriteByte('%')
			i++
			continue
		}
		width := 0
		for i < n && format[i] >= '0' && format[i] <= '9' {
			width = width*10 + int(format[i]-'0')
			i++
		}
		if i >= n {
			Active.Write(errNoVerb)
			break
		}
		verb := format[i]
		i++
		if argi >= len(args) {
			Active.Write(errMissingArg)
			continue
		}
		arg := args[argi]
		argi++
		switch verb {
		case 'd':
			writeInt(arg, 10, width)
		case 'o':
			writeInt(arg, 8, width)
		case 'x':
			writeInt(arg, 16, width)
		case 's':
			writeString(arg, width)
		case 't':
			writeBool(arg)
		default:
			Active.Write(errNoVerb)
		}
	}
	for ; argi < len(args); argi++ {
		Active.Write(errExtraArg)
	}
}

func writeBool(v interface{}) {
	b, ok := v.(bool)
	if !ok {
		Active.Write(errWrongArgType)
		return
	}
	if b {
		Active.Write(trueValue)
	} else {
		Active.Write(falseValue)
	}
}

// displayWidth counts columns the way a fixed-width debug console would
// render s: East Asian Wide/Fullwidth runes occupy two columns, everything
// else (including combining marks, conservatively) occupies one. This is
// the one genuinely new behavior relative to the reference formatter,
// needed because padLen-based alignment on raw byte/rune count silently
// misaligns columns once wide runes appear in untrusted boot strings.
func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			w += 2
		default:
			w++
		}
	}
	return w
}

func writeString(v interface{}, padLen int) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	default:
		Active.Write(errWrongArgType)
		return
	}
	pad := padLen - displayWidth(s)
	for ; pad > 0; pad-- {
		Active.WriteByte(padByte)
	}
	Active.Write([]byte(s))
}

func writeInt(v interface{}, base, padLen int) {
	var sval int64
	var uval uint64
	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uintptr:
		uval = uint64(val)
	case uint:
		uval = uint64(val)
	case int8:
		sval = int64(val)
	case int16:
		sval = int64(val)
	case int32:
		sval = int64(val)
	case int64:
		sval = val
	case int:
		sval = int64(val)
	default:
		Active.Write(errWrongArgType)
		return
	}

	neg := sval < 0
	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	var buf [24]byte
	pos := len(buf)
	for {
		d := uval % uint64(base)
		pos--
		if d < 10 {
			buf[pos] = byte(d) + '0'
		} else {
			buf[pos] = byte(d-10) + 'a'
		}
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}
	digits := len(buf) - pos

	padCh := byte(' ')
	if base == 16 || base == 8 {
		padCh = '0'
	}
	signLen := 0
	if neg {
		signLen = 1
	}
	for digits+signLen < padLen {
		pos--
		buf[pos] = padCh
		digits++
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	Active.Write(buf[pos:])
}
