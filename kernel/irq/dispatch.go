package irq

import "florence/kernel/kfmt"

// Regs is a snapshot of the general-purpose registers saved by the
// dispatch trampoline before calling into Go.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	kfmt.Printf("RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Printf("RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Printf("RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Printf("RBP = %16x\n", r.RBP)
	kfmt.Printf("R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Printf("R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Printf("R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", r.R14, r.R15)
}

// Frame is the portion of the interrupt stack frame the CPU itself pushes.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Print outputs a dump of the exception frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Printf("RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Printf("RFL = %16x\n", f.RFlags)
}

// ExceptionHandler handles an exception that pushes no error code.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code.
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// IRQHandler handles a hardware interrupt line.
type IRQHandler func(*Regs)

var (
	exceptionHandlers         [32]ExceptionHandler
	exceptionHandlersWithCode [32]ExceptionHandlerWithCode
	irqHandlers               [int(IRQMax-IRQBase) + 1]IRQHandler

	yieldHandler ExceptionHandler
	exitHandler  ExceptionHandler

	errorCodeVectors = map[Vector]bool{
		DoubleFault: true, InvalidTSS: true, SegmentNotPresent: true,
		StackSegmentFault: true, GeneralProtectionFault: true, PageFault: true,
		ControlProtectionException: true, SecurityException: true,
	}
)

// HandleException registers h for vectors that push no error code.
func HandleException(v Vector, h ExceptionHandler) { exceptionHandlers[v] = h }

// HandleExceptionWithCode registers h for vectors that push an error code.
func HandleExceptionWithCode(v Vector, h ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[v] = h
}

// HandleIRQ registers h for a hardware interrupt line (0-15).
func HandleIRQ(line uint8, h IRQHandler) { irqHandlers[line] = h }

// HandleYield registers the scheduler's handler for the yield syscall (int 0x30).
func HandleYield(h ExceptionHandler) { yieldHandler = h }

// HandleExit registers the scheduler's handler for the exit syscall (int 0x31).
func HandleExit(h ExceptionHandler) { exitHandler = h }

// dispatchInterrupt is invoked by the shared assembly trampoline with the
// vector number and the saved register/frame state. It is the single
// routing point for exceptions (0x00-0x1f), IRQs (0x20-0x2f) and the two
// scheduler syscalls (0x30 yield, 0x31 exit); the scheduler itself
// registers its handlers for VectorYield/VectorExit via HandleYield and
// HandleExit.
func dispatchInterrupt(v Vector, errorCode uint64, frame *Frame, regs *Regs) {
	switch {
	case v < 32 && errorCodeVectors[v]:
		if h := exceptionHandlersWithCode[v]; h != nil {
			h(errorCode, frame, regs)
			return
		}
		fatalUnhandled(v, frame, regs)
	case v < 32:
		if h := exceptionHandlers[v]; h != nil {
			h(frame, regs)
			return
		}
		fatalUnhandled(v, frame, regs)
	case v >= IRQBase && v <= IRQMax:
		if h := irqHandlers[v-IRQBase]; h != nil {
			h(regs)
		}
		sendEOIFn(uint8(v - IRQBase))
	case v == VectorYield:
		if yieldHandler != nil {
			yieldHandler(frame, regs)
		}
	case v == VectorExit:
		if exitHandler != nil {
			exitHandler(frame, regs)
		}
	default:
		fatalUnhandled(v, frame, regs)
	}
}

func fatalUnhandled(v Vector, frame *Frame, regs *Regs) {
	kfmt.Printf("\nunhandled interrupt: vector %#x (%s)\n", uint8(v), v.Name())
	regs.Print()
	frame.Print()
	haltFn()
}

// haltFn and sendEOIFn are mocked by tests.
var (
	haltFn    = archHalt
	sendEOIFn = archSendEOI
)

func archHalt()

// archSendEOI acknowledges a hardware interrupt line with the local APIC.
func archSendEOI(line uint8)
