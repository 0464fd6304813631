package vmm

import (
	"florence/kernel/addr"
	"florence/kernel/cpu"
)

// archActiveRoot returns the physical address currently loaded in CR3.
func archActiveRoot() addr.Phys { return addr.Phys(cpu.ActivePDT()) }

// archLoadRoot loads CR3 with root, flushing the non-global TLB entries.
func archLoadRoot(root addr.Phys) { cpu.SwitchPDT(uintptr(root)) }

// archFlushTLBEntry invalidates the single TLB entry covering v (invlpg).
func archFlushTLBEntry(v addr.Virt) { cpu.FlushTLBEntry(uintptr(v)) }

// archReadCR2 returns the faulting address recorded by the last page fault.
func archReadCR2() uint64 { return cpu.ReadCR2() }
