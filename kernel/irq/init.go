package irq

import "florence/kernel/kfmt"

// Init installs the IDT and wires the default exception policy: each
// non-fatal exception (see Vector.IsFatal) that has no handler yet gets
// one that logs the frame and resumes. Every other exception halts, in
// the handler its owning package registers (vmm for page and
// general-protection faults) or, with none registered, in the
// dispatcher's unhandled path.
func Init() {
	Install()
	for v := Vector(0); v < 32; v++ {
		if v.IsFatal() || exceptionHandlers[v] != nil {
			continue
		}
		vec := v
		HandleException(vec, func(frame *Frame, regs *Regs) {
			kfmt.Printf("\nexception: vector 0x%x (%s)\n", uint8(vec), vec.Name())
			regs.Print()
			frame.Print()
		})
	}
}
