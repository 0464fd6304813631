package irq

import "florence/kernel/addr"

// entry is a 16-byte amd64 IDT gate descriptor, encoded with the same
// bit-field helper every hardware descriptor in this kernel uses.
//
//   addrLow[16] selector[16] ist[3] zero[5] type[4] zero[1] dpl[2] present[1] addrMid[16] addrHigh[32] zero[32]
type entry [2]uint64

const (
	codeSelector = 0x08

	gateTypeInterrupt = 0xe
	gateTypeTrap      = 0xf
)

func encodeEntry(handler uintptr, gateType uint8, ist uint8, present bool) entry {
	low := uint64(handler) & 0xffff
	low = addr.SetField(low, 16, 16, codeSelector)
	low = addr.SetField(low, 32, 3, uint64(ist))
	low = addr.SetField(low, 40, 4, uint64(gateType))
	low = addr.SetField(low, 45, 2, 0) // DPL: ring 0 only
	low = addr.SetField(low, 47, 1, boolBit(present))
	low = addr.SetField(low, 48, 16, (uint64(handler)>>16)&0xffff)

	high := (uint64(handler) >> 32) & 0xffffffff
	return entry{low, high}
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// table is the 256-entry IDT.
type table [256]entry

var idt table

// Install builds the IDT (all 256 vectors, routed through the shared
// dispatch trampoline) and loads it via LIDT. Every slot is present:
// vectors 0x00-0x1F are trap gates and all others interrupt gates;
// HandleException/HandleExceptionWithCode/HandleIRQ
// register the Go-level handlers dispatchInterrupt consults.
func Install() {
	handler := interruptTrampolineAddr()
	for v := 0; v < len(idt); v++ {
		gateType := gateTypeInterrupt
		if v <= 0x1F {
			gateType = gateTypeTrap
		}
		idt[v] = encodeEntry(handler, uint8(gateType), 0, true)
	}
	loadIDT(&idt)
}

// interruptTrampolineAddr returns the address of the shared assembly entry
// point every IDT gate points to; it reads gate.Info-equivalent state (the
// vector number) off the stack and calls dispatchInterrupt.
func interruptTrampolineAddr() uintptr

// loadIDT issues LIDT against the table.
func loadIDT(t *table)
