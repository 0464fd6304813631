// Package pci walks the PCI configuration space over the memory-mapped
// enhanced configuration access mechanism (ECAM) described by the ACPI MCFG
// table, dispatching each discovered function to a class/subclass handler.
package pci

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
	// bridgeClass/bridgeSubclassPCI identify a PCI-to-PCI bridge function,
	// whose SecondaryBus must be scanned recursively.
	bridgeClass       = 0x06
	bridgeSubclassPCI = 0x04
	multiFunctionBit  = 0x80
	vendorIDNone      = 0xFFFF

	// ECAM spaces every function 4KiB apart, every slot (8 functions)
	// 32KiB apart and every bus (32 slots) 1MiB apart.
	functionStride = addr.Size(1) << 12
	slotStride     = functionStride << 3
	busStride      = slotStride << 5
)

var (
	freelist    vmm.Freelist
	mapRegionFn = defaultMapRegion

	// mmioBase holds, per bus, the mapped virtual address of that bus's
	// slot 0, function 0 within whichever ECAM region covers it; see
	// RegisterMMIO. A zero entry means the bus has no known ECAM mapping.
	mmioBase [256]addr.Virt
)

// SetFreelist wires the physical freelist this driver uses to map ECAM
// regions reported by the MCFG table.
func SetFreelist(fl vmm.Freelist) { freelist = fl }

func defaultMapRegion(phys addr.Phys, size addr.Size) (addr.Virt, *kernel.Error) {
	return vmm.MapRegion(freelist, cpu.RDRANDSource{}, phys, size, vmm.Permissions{Readable: true, Writeable: true})
}

// Address identifies a single PCI function.
type Address struct {
	Bus      uint8
	Slot     uint8
	Function uint8
}

// DeviceConfig mirrors the standard (type 0) PCI configuration header; the
// fields every header shares (Vendor..BIST) are valid regardless of header
// type, while the remainder only applies when HeaderType&0x7f == 0.
type DeviceConfig struct {
	VendorID uint16
	DeviceID uint16
	Command  uint16
	Status   uint16

	RevisionID uint8
	ProgIF     uint8
	Subclass   uint8
	Class      uint8

	CacheLineSize uint8
	LatencyTimer  uint8
	HeaderType    uint8
	BIST          uint8

	BAR [6]uint32

	CardbusCISPointer uint32

	SubsystemVendorID uint16
	SubsystemID       uint16

	ExpansionROMBaseAddress uint32

	CapabilitiesPointer uint8
	reserved            [7]uint8

	InterruptLine uint8
	InterruptPin  uint8
	MinGrant      uint8
	MaxLatency    uint8
}

// secondaryBusOffset is the byte offset of the SecondaryBusNumber field in a
// type-1 (PCI-to-PCI bridge) header, which DeviceConfig does not model since
// it diverges from the type-0 layout past the shared 16-byte prefix.
const secondaryBusOffset = 0x19

// ClassKey identifies a PCI device's base class and subclass.
type ClassKey struct {
	Class, Subclass uint8
}

// DriverInitFn handles a discovered function at addr with the given config
// header.
type DriverInitFn func(Address, *DeviceConfig) *kernel.Error

var classHandlers = map[ClassKey]DriverInitFn{}

// RegisterDriver installs init as the handler for every discovered function
// whose class/subclass matches key, overriding the default logging handler.
func RegisterDriver(key ClassKey, init DriverInitFn) {
	classHandlers[key] = init
}

// out receives the log lines produced for functions with no registered
// handler; it defaults to discarding output until a pciDriver is initialized.
var out io.Writer = discardWriter{}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// RegisterMMIO installs base as the ECAM window backing configuration
// accesses for bus numbers [first, last], mapping the whole region up front.
func RegisterMMIO(base addr.Phys, first, last uint8) *kernel.Error {
	busCount := addr.Size(last) - addr.Size(first) + 1
	virt, err := mapRegionFn(base, busCount*busStride)
	if err != nil {
		return err
	}

	for bus := int(first); bus <= int(last); bus++ {
		mmioBase[bus] = virt + addr.Virt(addr.Size(bus-int(first))*busStride)
	}
	return nil
}

// configBase returns the virtual address of a's configuration space, or 0 if
// a's bus has no registered ECAM window.
func configBase(a Address) uintptr {
	base := mmioBase[a.Bus]
	if base == 0 {
		return 0
	}
	return uintptr(base) + uintptr(a.Slot)*uintptr(slotStride) + uintptr(a.Function)*uintptr(functionStride)
}

// getDevice reads the configuration header at a, or nil if a's bus has no
// ECAM mapping.
func getDevice(a Address) *DeviceConfig {
	base := configBase(a)
	if base == 0 {
		return nil
	}
	return (*DeviceConfig)(unsafe.Pointer(base))
}

func secondaryBusOf(a Address) uint8 {
	return *(*uint8)(unsafe.Pointer(configBase(a) + secondaryBusOffset))
}

// Scan walks the PCI bus tree starting at root.Bus, recursing into bridges
// and dispatching every function it finds.
func Scan(root Address) {
	busScan(root.Bus)
}

func busScan(bus uint8) {
	for slot := uint8(0); slot < 32; slot++ {
		slotScan(bus, slot)
	}
}

func slotScan(bus, slot uint8) {
	addr0 := Address{Bus: bus, Slot: slot, Function: 0}
	cfg := getDevice(addr0)
	if cfg == nil || cfg.VendorID == vendorIDNone {
		return
	}

	functionScan(addr0, cfg)

	if cfg.HeaderType&multiFunctionBit == 0 {
		return
	}
	for fn := uint8(1); fn < 8; fn++ {
		a := Address{Bus: bus, Slot: slot, Function: fn}
		if fcfg := getDevice(a); fcfg != nil && fcfg.VendorID != vendorIDNone {
			functionScan(a, fcfg)
		}
	}
}

func functionScan(a Address, cfg *DeviceConfig) {
	dispatch(a, cfg)

	if cfg.HeaderType&0x7f == 1 && cfg.Class == bridgeClass && cfg.Subclass == bridgeSubclassPCI {
		busScan(secondaryBusOf(a))
	}
}

func dispatch(a Address, cfg *DeviceConfig) {
	if init, ok := classHandlers[ClassKey{Class: cfg.Class, Subclass: cfg.Subclass}]; ok {
		if err := init(a, cfg); err != nil {
			kfmt.Fprintf(out, "pci: %d:%d.%d init failed: %s\n", a.Bus, a.Slot, a.Function, err.Message)
		}
		return
	}

	kfmt.Fprintf(out, "pci: %d:%d.%d vid=%4x pid=%4x class=%2x subclass=%2x (no driver)\n",
		a.Bus, a.Slot, a.Function, cfg.VendorID, cfg.DeviceID, cfg.Class, cfg.Subclass)
}

type pciDriver struct {
	mcfg *table.MCFG
}

// DriverInit maps every ECAM region the MCFG table describes and scans each
// segment's bus range starting from its StartBus.
func (drv *pciDriver) DriverInit(w io.Writer) *kernel.Error {
	out = w

	base := uintptr(unsafe.Pointer(drv.mcfg)) + unsafe.Sizeof(*drv.mcfg)
	limit := uintptr(unsafe.Pointer(drv.mcfg)) + uintptr(drv.mcfg.Length)

	for p := base; p+unsafe.Sizeof(table.MCFGEntry{}) <= limit; p += unsafe.Sizeof(table.MCFGEntry{}) {
		entry := (*table.MCFGEntry)(unsafe.Pointer(p))

		if err := RegisterMMIO(addr.Phys(entry.BaseAddress), entry.StartBus, entry.EndBus); err != nil {
			return err
		}
		Scan(Address{Bus: entry.StartBus})
	}

	return nil
}

func (*pciDriver) DriverName() string { return "PCI" }

func (*pciDriver) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

func probeForPCI() device.Driver {
	resolver := acpiResolverFn()
	if resolver == nil {
		return nil
	}

	mcfgHeader := resolver.LookupTable("MCFG")
	if mcfgHeader == nil {
		return nil
	}

	return &pciDriver{mcfg: (*table.MCFG)(unsafe.Pointer(mcfgHeader))}
}

// acpiResolverFn is overridden by tests; it defaults to the initialized ACPI
// driver's published table resolver.
var acpiResolverFn = func() table.Resolver { return acpi.ActiveResolver() }

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForPCI,
	})
}
