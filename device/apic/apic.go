// Package apic detects and brings up the local APICs on this system: it
// switches to x2APIC mode where available, walks the MADT to find which
// application processors are present, and wakes them with the INIT/STARTUP
// IPI sequence the Intel SDM requires.
package apic

import (
	"florence/device"
	"florence/device/acpi"
	"florence/device/acpi/table"
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/cpu"
	"florence/kernel/kfmt"
	"florence/kernel/mm/vmm"
	"io"
	"unsafe"
)

const (
	regSpuriousInterrupt = 0xF0
	regICRLow            = 0x300
	regICRHigh           = 0x310
	regID                = 0x20

	msrIA32APICBase = 0x1B
	msrX2APICBase   = 0x800

	apicEnableBit   = 1 << 8
	x2APICEnableBit = 1 << 10

	ipiInit    = 0x00000500
	ipiStartup = 0x00000600

	trampolinePage = addr.Phys(0)
	trampolineCR3  = addr.Phys(0x1000)
	pageSize       = addr.Size(1) << 12
)

var (
	errNoLAPIC = &kernel.Error{Module: "apic", Message: "CPU reports no local APIC support"}

	freelist    vmm.Freelist
	mapRegionFn = defaultMapRegion
	mapPhysFn   = vmm.MapPhys
	cpuIDFn     = cpu.ID
	rdmsrFn     = cpu.RDMSR
	wrmsrFn     = cpu.WRMSR
)

// SetFreelist wires the physical freelist this driver uses to map the LAPIC
// MMIO page (legacy mode) and the AP bring-up trampoline pages.
func SetFreelist(fl vmm.Freelist) { freelist = fl }

func defaultMapRegion(phys addr.Phys, size addr.Size) (addr.Virt, *kernel.Error) {
	return vmm.MapRegion(freelist, cpu.RDRANDSource{}, phys, size, vmm.Permissions{Readable: true, Writeable: true})
}

// LAPIC is a handle to the local APIC of the CPU it was constructed on, in
// either legacy MMIO or x2APIC MSR mode.
type LAPIC struct {
	mmioBase  uintptr
	useX2APIC bool
}

// ReadReg reads the 32-bit LAPIC register at offset (a legacy MMIO offset;
// x2APIC mode translates it to the corresponding MSR).
func (l *LAPIC) ReadReg(offset uint32) uint32 {
	if l.useX2APIC {
		return uint32(rdmsrFn(msrX2APICBase + offset>>4))
	}
	return *(*uint32)(unsafe.Pointer(l.mmioBase + uintptr(offset)))
}

// WriteReg writes value to the LAPIC register at offset.
func (l *LAPIC) WriteReg(offset uint32, value uint32) {
	if l.useX2APIC {
		wrmsrFn(msrX2APICBase+offset>>4, uint64(value))
		return
	}
	*(*uint32)(unsafe.Pointer(l.mmioBase + uintptr(offset))) = value
}

// Enable unmasks the LAPIC by setting the enable bit and a spurious vector
// in the Spurious Interrupt Vector Register.
func (l *LAPIC) Enable() {
	l.WriteReg(regSpuriousInterrupt, 0x1FF)
}

// ID returns this CPU's APIC ID.
func (l *LAPIC) ID() uint32 {
	if l.useX2APIC {
		return l.ReadReg(regID)
	}
	return l.ReadReg(regID) >> 24 & 0xFF
}

// sendIPI issues ipi (an ICR command word, e.g. INIT or STARTUP) to apicID.
func (l *LAPIC) sendIPI(apicID uint32, ipi uint32) {
	if l.useX2APIC {
		wrmsrFn(0x830, uint64(apicID)<<32|uint64(ipi))
		return
	}
	l.WriteReg(regICRHigh, apicID<<24)
	l.WriteReg(regICRLow, ipi)
}

// DetectX2APIC reports whether the running CPU supports x2APIC mode
// (CPUID leaf 1, ECX bit 21).
func DetectX2APIC() bool {
	_, _, ecx, _ := cpuIDFn(1)
	return ecx&(1<<21) != 0
}

// hasLAPIC reports whether the running CPU has a local APIC at all
// (CPUID leaf 1, EDX bit 9).
func hasLAPIC() bool {
	_, _, _, edx := cpuIDFn(1)
	return edx&(1<<9) != 0
}

// EnableX2APIC switches IA32_APIC_BASE into x2APIC mode, in addition to
// the legacy enable bit.
func EnableX2APIC() {
	base := rdmsrFn(msrIA32APICBase)
	base |= apicEnableBit | x2APICEnableBit
	wrmsrFn(msrIA32APICBase, base)
}

// New probes the running CPU's APIC mode and returns a handle to its local
// APIC, switching to x2APIC first if supported. In legacy mode the LAPIC's
// MMIO page (read from IA32_APIC_BASE) is mapped through mapRegionFn.
func New() (*LAPIC, *kernel.Error) {
	if !hasLAPIC() {
		return nil, errNoLAPIC
	}

	if DetectX2APIC() {
		EnableX2APIC()
		return &LAPIC{useX2APIC: true}, nil
	}

	base := rdmsrFn(msrIA32APICBase)
	base |= apicEnableBit
	wrmsrFn(msrIA32APICBase, base)

	mmioPhys := addr.Phys(base &^ 0xFFF)
	mmioVirt, err := mapRegionFn(mmioPhys, pageSize)
	if err != nil {
		return nil, err
	}

	return &LAPIC{mmioBase: uintptr(mmioVirt)}, nil
}

// bitset256 tracks which of 256 possible APIC IDs the MADT marked as an
// enabled, bootable application processor.
type bitset256 [4]uint64

func (b *bitset256) set(id uint8) { b[id/64] |= 1 << (id % 64) }
func (b *bitset256) test(id uint8) bool {
	return b[id/64]&(1<<(id%64)) != 0
}

// MADTWalker parses the MADT's variable-length entry list and records
// which APIC IDs should be booted.
type MADTWalker struct {
	shouldBoot bitset256
}

// Walk scans madt's entry list, setting the bootable bit for every type-0
// (processor local APIC) entry whose enabled or online-capable flag is set,
// and logging (but not acting on) IOAPIC and interrupt-source-override
// entries.
func (w *MADTWalker) Walk(madt *table.MADT, out io.Writer) {
	base := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(*madt)
	limit := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)

	for p := base; p+1 < limit; {
		entryType := *(*uint8)(unsafe.Pointer(p))
		entryLen := *(*uint8)(unsafe.Pointer(p + 1))
		if entryLen == 0 || p+uintptr(entryLen) > limit {
			break
		}

		switch entryType {
		case uint8(table.MADTEntryTypeLocalAPIC):
			// The record is packed: APIC ID at byte 3, flags at byte 4.
			apicID := *(*uint8)(unsafe.Pointer(p + 3))
			flags := *(*uint32)(unsafe.Pointer(p + 4))
			if flags&1 != 0 || flags&2 != 0 {
				w.shouldBoot.set(apicID)
			}
		case uint8(table.MADTEntryTypeIOAPIC):
			kfmt.Fprintf(out, "MADT: IOAPIC entry (unhandled)\n")
		case uint8(table.MADTEntryTypeIntSrcOverride):
			kfmt.Fprintf(out, "MADT: interrupt source override entry (unhandled)\n")
		}

		p += uintptr(entryLen)
	}
}

// ShouldBoot reports whether apicID was marked bootable by Walk.
func (w *MADTWalker) ShouldBoot(apicID uint8) bool { return w.shouldBoot.test(apicID) }

// BringUpTrampoline installs trampolineImage (the 16-bit AP entry stub) at
// physical page 0, copies root's page tables to physical page 1 as the
// APs' initial CR3, and identity-maps page 0 read-execute-global into that
// copy so the trampoline can run with paging already enabled.
func BringUpTrampoline(root addr.Phys, trampolineImage []byte) *kernel.Error {
	if addr.Size(len(trampolineImage)) > pageSize {
		return &kernel.Error{Module: "apic", Message: "trampoline image does not fit in one page"}
	}

	trampVirt, err := mapRegionFn(trampolinePage, pageSize)
	if err != nil {
		return err
	}
	for i, b := range trampolineImage {
		*(*byte)(unsafe.Pointer(uintptr(trampVirt) + uintptr(i))) = b
	}

	srcRootVirt, err := mapRegionFn(root, pageSize)
	if err != nil {
		return err
	}
	dstRootVirt, err := mapRegionFn(trampolineCR3, pageSize)
	if err != nil {
		return err
	}
	for i := uintptr(0); i < uintptr(pageSize); i++ {
		*(*byte)(unsafe.Pointer(uintptr(dstRootVirt) + i)) = *(*byte)(unsafe.Pointer(uintptr(srcRootVirt) + i))
	}

	perm := vmm.Permissions{Readable: true, Executable: true, Global: true, Cacheable: true, WriteThrough: true}
	return mapPhysFn(vmm.MapRequest{
		Root:  trampolineCR3,
		Virt:  addr.Virt(0),
		Phys:  trampolinePage,
		Size:  pageSize,
		Perm:  perm,
		Alloc: freelist,
	})
}

// SendInitSipi wakes apicID with the INIT-then-STARTUP IPI pair the SDM
// requires before a real-mode AP will start executing the trampoline.
func (l *LAPIC) SendInitSipi(apicID uint32) {
	l.sendIPI(apicID, ipiInit)
	l.sendIPI(apicID, ipiStartup)
}

// bootChildren wakes the APs that form this CPU's children in the binary
// boot tree (id*2+1 and id*2+2), skipping any the MADT walk did not mark
// bootable.
func (l *LAPIC) bootChildren(walker *MADTWalker) {
	id := l.ID()
	for _, child := range [2]uint32{id*2 + 1, id*2 + 2} {
		if child > 0xFF || !walker.ShouldBoot(uint8(child)) {
			continue
		}
		l.SendInitSipi(child)
	}
}

type apicDriver struct {
	lapic  *LAPIC
	walker MADTWalker
}

// DriverInit enables the local APIC, walks the MADT for bootable APs and
// starts the binary-tree wakeup from this (the bootstrap) processor.
func (drv *apicDriver) DriverInit(w io.Writer) *kernel.Error {
	drv.lapic.Enable()

	kfmt.Fprintf(w, "APIC ID %d online\n", drv.lapic.ID())

	drv.lapic.bootChildren(&drv.walker)

	return nil
}

// DriverName returns the name of this driver.
func (*apicDriver) DriverName() string { return "APIC" }

// DriverVersion returns the version of this driver.
func (*apicDriver) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

func probeForAPIC() device.Driver {
	resolver := acpiResolverFn()
	if resolver == nil {
		return nil
	}
	madtHeader := resolver.LookupTable("APIC")
	if madtHeader == nil {
		return nil
	}

	lapic, err := New()
	if err != nil {
		return nil
	}

	drv := &apicDriver{lapic: lapic}
	drv.walker.Walk((*table.MADT)(unsafe.Pointer(madtHeader)), discardWriter{})
	return drv
}

// acpiResolverFn is overridden by tests; it defaults to the initialized
// ACPI driver's published table resolver.
var acpiResolverFn = func() table.Resolver { return acpi.ActiveResolver() }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForAPIC,
	})
}
