package vmm

import (
	"florence/kernel"
	"florence/kernel/irq"
	"florence/kernel/kfmt"
)

var (
	// readCR2Fn is mocked by tests and is automatically inlined by the compiler.
	readCR2Fn = archReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// pageFaultHandler logs the fault and escalates to kernel.Panic: this
// engine's mappings carry no copy-on-write or demand-paging state, so
// every page fault is, by construction, unrecoverable.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := readCR2Fn()

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	kernel.Panic(errUnrecoverableFault)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	kernel.Panic(errUnrecoverableFault)
}

// installFaultHandlers registers vmm's fault handlers with the interrupt
// dispatcher.
func installFaultHandlers() {
	irq.HandleExceptionWithCode(irq.PageFault, pageFaultHandler)
	irq.HandleExceptionWithCode(irq.GeneralProtectionFault, generalProtectionFaultHandler)
}
