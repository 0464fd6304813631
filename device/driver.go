package device

import (
	"florence/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. The supplied writer is
	// already prefixed with the driver's name/version and is where the
	// driver should report its own init-time diagnostics.
	DriverInit(w io.Writer) *kernel.Error
}

// DetectOrder controls the relative order in which the HAL probes for
// drivers. Lower values run first.
type DetectOrder uint8

const (
	// DetectOrderEarly runs before anything else, for drivers other
	// probes may depend on (e.g. a serial console).
	DetectOrderEarly DetectOrder = iota
	// DetectOrderBeforeACPI is the slot the ACPI driver itself probes
	// in, ahead of the drivers that read the tables it locates.
	DetectOrderBeforeACPI
	// DetectOrderACPI runs after the ACPI driver, for drivers (APIC,
	// PCI) that read ACPI tables.
	DetectOrderACPI
	// DetectOrderLast runs after every other probe.
	DetectOrderLast
)

// ProbeFn attempts to detect and construct a driver for a piece of
// hardware. It returns nil if the hardware is not present.
type ProbeFn func() Driver

// DriverInfo is a registered probe and its detection order.
type DriverInfo struct {
	Order DetectOrder
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of probes the HAL runs during
// DetectHardware. Drivers call this from an init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the full set of registered probes.
func DriverList() DriverInfoList {
	return registeredDrivers
}
