// Package fault decodes architecture-specific fault syndromes into the
// HAL's arch-independent hal.PageFaultInfo (C8). The decoders are pure
// functions so they are testable directly against spec.md §8 scenarios E
// and F without any HAL instance, page tables, or running task.
package fault

import (
	"eduos/hal"
	"eduos/mem"
)

// X86-like error-code bits (spec.md §4.8): the CPU pushes a 5-bit error
// code and leaves the fault address in a dedicated fault-address register
// (modeled here as an explicit argument rather than a named "CR2", since
// the ARM-like backend has no such register and the contract is meant to
// be arch-neutral above this package).
const (
	X86ErrPresent = 1 << 0 // 0: not-present translation, 1: protection violation
	X86ErrWrite   = 1 << 1
	X86ErrUser    = 1 << 2
	X86ErrRSVD    = 1 << 3
	X86ErrExec    = 1 << 4
)

// DecodeX86 turns a 32-bit CPU error code plus the faulting address into a
// PageFaultInfo. It implements spec.md §4.8's x86-like decode table and is
// exercised by scenario F.
func DecodeX86(faultAddr mem.VAddr, errcode uint32) hal.PageFaultInfo {
	return hal.PageFaultInfo{
		VAddr:      faultAddr,
		IsWrite:    errcode&X86ErrWrite != 0,
		IsUser:     errcode&X86ErrUser != 0,
		IsExec:     errcode&X86ErrExec != 0,
		IsPresent:  errcode&X86ErrPresent != 0,
		IsReserved: errcode&X86ErrRSVD != 0,
		Raw:        uint64(errcode),
	}
}

// ARM-like exception classes (ESR_EL1 bits [31:26]) relevant to memory
// faults, named per iansmith-mazarin's exceptions.go.
const (
	ECInstrAbortLower = 0x20 // instruction abort, lower EL (EL0)
	ECInstrAbortSame  = 0x21 // instruction abort, same EL (EL1)
	ECDataAbortLower  = 0x24 // data abort, lower EL (EL0)
	ECDataAbortSame   = 0x25 // data abort, same EL (EL1)
)

// Fault Status Code (ISS bits [5:0]) ranges spec.md §4.8 calls out.
const (
	fscAddrSizeLo      = 0x00
	fscAddrSizeHi      = 0x03
	fscTranslationLo   = 0x04
	fscTranslationHi   = 0x07
	fscAccessFlagLo    = 0x08
	fscAccessFlagHi    = 0x0b
	fscPermissionLo    = 0x0c
	fscPermissionHi    = 0x0f
)

func fscInRange(fsc, lo, hi uint64) bool { return fsc >= lo && fsc <= hi }

// DecodeARM turns an ESR_EL1 value and a FAR_EL1 value into a
// PageFaultInfo. It implements spec.md §4.8's ARM-like decode table and is
// exercised by scenario E.
func DecodeARM(esr, far uint64) hal.PageFaultInfo {
	ec := (esr >> 26) & 0x3f
	iss := esr & 0xffffff
	fsc := iss & 0x3f
	wnr := iss&(1<<6) != 0 // ISS.WnR: write-not-read

	isDataAbort := ec == ECDataAbortLower || ec == ECDataAbortSame
	isInstrAbort := ec == ECInstrAbortLower || ec == ECInstrAbortSame
	isUser := ec == ECDataAbortLower || ec == ECInstrAbortLower

	present := fscInRange(fsc, fscAccessFlagLo, fscAccessFlagHi) ||
		fscInRange(fsc, fscPermissionLo, fscPermissionHi)

	return hal.PageFaultInfo{
		VAddr: mem.VAddr(far),
		// A read abort (instruction fetch) never carries WnR=1; the bit is
		// meaningful only on data aborts.
		IsWrite: isDataAbort && wnr,
		IsUser:  isUser,
		IsExec:  isInstrAbort,
		// ARM-like syndromes never diagnose a reserved-bit violation
		// distinctly from a translation fault; spec.md §4.8 reserves that
		// signal for the x86-like decoder only.
		IsReserved: false,
		IsPresent:  present,
		Raw:        esr,
	}
}
