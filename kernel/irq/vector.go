// Package irq builds the IDT and dispatches CPU exceptions, IRQs and the
// two software-interrupt syscalls (yield, exit) this kernel exposes to
// cooperatively scheduled tasks.
package irq

// Vector identifies one of the 256 possible IDT slots.
type Vector uint8

const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	_ // coprocessor segment overrun: obsolete, reserved
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_ // reserved
	FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	ControlProtectionException
)

const SecurityException Vector = 30

const (
	// IRQBase is the first vector the IOAPIC/PIC IRQ lines are remapped to.
	IRQBase Vector = 0x20
	// IRQMax is the last IRQ vector (0x20-0x2F, 16 lines).
	IRQMax Vector = 0x2f

	// VectorYield is the software-interrupt vector a task uses to
	// cooperatively give up the CPU.
	VectorYield Vector = 0x30

	// VectorExit is the software-interrupt vector a task uses to end
	// its own execution.
	VectorExit Vector = 0x31
)

var exceptionNames = map[Vector]string{
	DivideByZero:                "divide-by-zero",
	Debug:                       "debug",
	NMI:                         "non-maskable interrupt",
	Breakpoint:                  "breakpoint",
	Overflow:                    "overflow",
	BoundRangeExceeded:          "bound range exceeded",
	InvalidOpcode:               "invalid opcode",
	DeviceNotAvailable:          "device not available",
	DoubleFault:                 "double fault",
	InvalidTSS:                  "invalid TSS",
	SegmentNotPresent:           "segment not present",
	StackSegmentFault:           "stack segment fault",
	GeneralProtectionFault:      "general protection fault",
	PageFault:                   "page fault",
	FloatingPointException:      "x87 floating point exception",
	AlignmentCheck:              "alignment check",
	MachineCheck:                "machine check",
	SIMDFloatingPointException:  "SIMD floating point exception",
	VirtualizationException:     "virtualization exception",
	ControlProtectionException:  "control protection exception",
	SecurityException:           "security exception",
}

// Name returns a human-readable name for v, or "unknown" for vectors this
// kernel never names (IRQ lines and the syscall vectors included).
func (v Vector) Name() string {
	if n, ok := exceptionNames[v]; ok {
		return n
	}
	return "unknown"
}

// nonFatal is the set of exceptions this kernel can log and resume from.
// Every other exception (including all IRQ/syscall vectors routed here by
// mistake) is fatal.
var nonFatal = map[Vector]bool{
	DivideByZero:               true,
	Debug:                      true,
	NMI:                        true,
	Breakpoint:                 true,
	Overflow:                   true,
	BoundRangeExceeded:         true,
	DeviceNotAvailable:         true,
	FloatingPointException:     true,
	AlignmentCheck:             true,
	SIMDFloatingPointException: true,
}

// IsFatal reports whether an exception at vector v must halt the kernel.
func (v Vector) IsFatal() bool { return !nonFatal[v] }
