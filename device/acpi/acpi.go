package acpi

import (
	"florence/device"
	"florence/device/acpi/table"
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/cpu"
	"florence/kernel/kfmt"
	"florence/kernel/mm/kalloc"
	"florence/kernel/mm/vmm"
	"io"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}

	freelist    vmm.Freelist
	mapRegionFn = defaultMapRegion

	// RDSP must be located in the physical memory region 0xe0000 to 0xfffff
	rsdpLocationLow addr.Phys = 0xe0000
	rsdpLocationHi  addr.Phys = 0xfffff
	rsdpAlignment   addr.Phys = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"
)

// SetFreelist wires the physical freelist this driver uses to back the
// kernel-space mappings it creates for ACPI tables.
func SetFreelist(fl vmm.Freelist) { freelist = fl }

func defaultMapRegion(phys addr.Phys, size addr.Size) (addr.Virt, *kernel.Error) {
	return vmm.MapRegion(freelist, cpu.RDRANDSource{}, phys, size, vmm.Permissions{Readable: true})
}

type acpiDriver struct {
	// rsdtAddr holds the address to the root system descriptor table.
	rsdtAddr addr.Phys

	// useXSDT specifies if the driver must use the XSDT or the RSDT table.
	useXSDT bool

	// The ACPI table map allows the driver to lookup an ACPI table header
	// by the table name. All tables included in this map are mapped into
	// memory.
	tableMap map[string]*table.SDTHeader
}

// active is the most recently initialized ACPI driver instance, exposed
// through ActiveResolver so other drivers (e.g. apic) can look up tables
// without re-walking the RSDT/XSDT themselves.
var active *acpiDriver

// DriverInit initializes this driver.
func (drv *acpiDriver) DriverInit(w io.Writer) *kernel.Error {
	if err := drv.enumerateTables(w); err != nil {
		return err
	}

	drv.printTableInfo(w)
	active = drv

	return nil
}

// LookupTable returns the ACPI table with the given 4-byte signature (e.g.
// "APIC" for the MADT, "FACP" for the FADT), or nil if it was not present.
func (drv *acpiDriver) LookupTable(signature string) *table.SDTHeader {
	return drv.tableMap[signature]
}

var _ table.Resolver = (*acpiDriver)(nil)

// ActiveResolver returns the initialized ACPI driver's table resolver, or
// nil if ACPI has not been probed yet.
func ActiveResolver() table.Resolver {
	if active == nil {
		return nil
	}
	return active
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func (drv *acpiDriver) printTableInfo(w io.Writer) {
	for name, header := range drv.tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// enumerateTables detects and maps all ACPI tables that are present. Besides
// the table list defined by the RSDP, this method will also peek into the
// FADT (if found) looking for the address of DSDT.
func (drv *acpiDriver) enumerateTables(w io.Writer) *kernel.Error {
	header, sizeofHeader, err := mapACPITable(drv.rsdtAddr)
	if err != nil {
		return err
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []addr.Phys
	)

	payloadBase := uintptr(unsafe.Pointer(header)) + sizeofHeader

	// RSDT uses 4-byte long pointers whereas the XSDT uses 8-byte long.
	switch drv.useXSDT {
	case true:
		sdtAddresses = make([]addr.Phys, payloadLen>>3)
		for curPtr, i := payloadBase, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = addr.Phys(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]addr.Phys, payloadLen>>2)
		for curPtr, i := payloadBase, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = addr.Phys(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, tableAddr := range sdtAddresses {
		if header, _, err = mapACPITable(tableAddr); err != nil {
			switch err {
			case errTableChecksumMismatch:
				kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(header.Signature[:]),
					uintptr(unsafe.Pointer(header)),
					header.Length,
				)
				continue
			default:
				return err
			}
		}

		signature := string(header.Signature[:])
		drv.tableMap[signature] = header

		// The FADT allows us to lookup the DSDT table address
		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := addr.Phys(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = addr.Phys(fadt.Ext.Dsdt)
			}

			if header, _, err = mapACPITable(dsdtAddr); err != nil {
				switch err {
				case errTableChecksumMismatch:
					kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
						string(header.Signature[:]),
						uintptr(unsafe.Pointer(header)),
						header.Length,
					)
					continue
				default:
					return err
				}
			}

			drv.tableMap[string(header.Signature[:])] = header
		}

	}

	return nil
}

// eternalAllocFn is the bump allocator backing the eternal copies mapACPITable
// makes; overridable so tests can run without a live kalloc.
var eternalAllocFn = kalloc.EternalAlloc

// mapACPITable maps the ACPI table starting at the given physical address
// long enough to read and checksum it, then copies it into eternal kernel
// memory and returns a pointer to that copy. The table must survive past
// the point where the bootloader's own mappings of low memory are torn
// down, so the temporary mapping used to read it is not what callers keep.
func mapACPITable(tableAddr addr.Phys) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})

	headerVirt, err := mapRegionFn(tableAddr, addr.Size(sizeofHeader))
	if err != nil {
		return nil, sizeofHeader, err
	}
	header = (*table.SDTHeader)(unsafe.Pointer(uintptr(headerVirt)))

	// Expand mapping to cover the table contents
	bodyVirt, err := mapRegionFn(tableAddr, addr.Size(header.Length))
	if err != nil {
		return nil, sizeofHeader, err
	}
	header = (*table.SDTHeader)(unsafe.Pointer(uintptr(bodyVirt)))

	if !validTable(uintptr(bodyVirt), header.Length) {
		return header, sizeofHeader, errTableChecksumMismatch
	}

	eternalCopy, err := eternalAllocFn(uintptr(header.Length))
	if err != nil {
		return header, sizeofHeader, err
	}
	for i := uintptr(0); i < uintptr(header.Length); i++ {
		*(*byte)(unsafe.Pointer(eternalCopy + i)) = *(*byte)(unsafe.Pointer(uintptr(bodyVirt) + i))
	}

	return (*table.SDTHeader)(unsafe.Pointer(eternalCopy)), sizeofHeader, nil
}

// locateRSDT scans the memory region [rsdpLocationLow, rsdpLocationHi] looking
// for the signature of the root system descriptor pointer (RSDP). If the RSDP
// is found and is valid, locateRSDT returns the physical address of the root
// system descriptor table (RSDT) or the extended system descriptor table (XSDT)
// if the system supports ACPI 2.0+.
func locateRSDT() (addr.Phys, bool, *kernel.Error) {
	var (
		rsdp  *table.RSDPDescriptor
		rsdp2 *table.ExtRSDPDescriptor
	)

	regionSize := addr.Size(rsdpLocationHi - rsdpLocationLow + 1)
	regionVirt, err := mapRegionFn(rsdpLocationLow, regionSize)
	if err != nil {
		return 0, false, err
	}

	// The RSDP should be aligned on a 16-byte boundary
checkNextBlock:
	for curPtr := uintptr(regionVirt); curPtr < uintptr(regionVirt)+uintptr(regionSize); curPtr += uintptr(rsdpAlignment) {
		rsdp = (*table.RSDPDescriptor)(unsafe.Pointer(curPtr))
		for i, b := range rsdpSignature {
			if rsdp.Signature[i] != b {
				continue checkNextBlock
			}
		}

		if rsdp.Revision == acpiRev1 {
			if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp))) {
				continue
			}

			return addr.Phys(rsdp.RSDTAddr), false, nil
		}

		// System uses ACPI revision > 1 and provides an extended RSDP
		// which can be accessed at the same place.
		rsdp2 = (*table.ExtRSDPDescriptor)(unsafe.Pointer(curPtr))
		if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp2))) {
			continue
		}

		return addr.Phys(rsdp2.XSDTAddr), true, nil
	}

	return 0, false, errMissingRSDP
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		return &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderBeforeACPI,
		Probe: probeForACPI,
	})
}
